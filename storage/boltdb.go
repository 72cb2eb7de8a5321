package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	challengesBucket   = []byte("challenges")
	usersBucket        = []byte("users")
	pubkeysBucket      = []byte("pubkeys")        // pubkey hex -> user id
	withdrawalsBucket  = []byte("withdrawals")    // id -> json
	withdrawalK1Bucket = []byte("withdrawal_k1s") // k1 hex -> id
)

// BoltDB implements Store on a single bbolt file. Writes go through bolt
// update transactions, which serializes them; that alone gives the
// read-modify-write atomicity every status transition and balance mutation
// relies on.
type BoltDB struct {
	db *bolt.DB
}

var _ Store = (*BoltDB)(nil)

func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			challengesBucket, usersBucket, pubkeysBucket,
			withdrawalsBucket, withdrawalK1Bucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Close() error { return b.db.Close() }

// --- challenges ---

func (b *BoltDB) PutChallenge(ctx context.Context, c *LoginChallenge) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(challengesBucket)
		if bkt.Get([]byte(c.K1)) != nil {
			return ErrDuplicateEntry
		}
		return putJSON(bkt, []byte(c.K1), c)
	})
}

func (b *BoltDB) FetchChallenge(ctx context.Context, k1 string) (*LoginChallenge, error) {
	var c LoginChallenge
	err := b.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(challengesBucket), []byte(k1), &c, ErrChallengeNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (b *BoltDB) ConsumeChallenge(ctx context.Context, k1, resolvedKey string, now time.Time) (*LoginChallenge, error) {
	var c LoginChallenge
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(challengesBucket)
		if err := getJSON(bkt, []byte(k1), &c, ErrChallengeNotFound); err != nil {
			return err
		}
		if c.Used {
			return ErrChallengeUsed
		}
		if c.Expired(now) {
			return ErrChallengeExpired
		}
		c.Used = true
		c.ResolvedKey = resolvedKey
		return putJSON(bkt, []byte(k1), &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (b *BoltDB) PurgeChallenges(ctx context.Context, cutoff time.Time) (int, error) {
	purged := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(challengesBucket)
		cur := bkt.Cursor()
		var stale [][]byte
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var c LoginChallenge
			if err := json.Unmarshal(v, &c); err != nil {
				continue
			}
			if c.ExpiresAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// --- users ---

func (b *BoltDB) CreateUser(ctx context.Context, u *User) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket)
		if users.Get([]byte(u.ID)) != nil {
			return ErrDuplicateEntry
		}
		if u.LightningPubkey != "" {
			pubkeys := tx.Bucket(pubkeysBucket)
			if pubkeys.Get([]byte(u.LightningPubkey)) != nil {
				return ErrPubkeyLinked
			}
			if err := pubkeys.Put([]byte(u.LightningPubkey), []byte(u.ID)); err != nil {
				return err
			}
		}
		return putJSON(users, []byte(u.ID), u)
	})
}

func (b *BoltDB) FetchUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := b.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(usersBucket), []byte(id), &u, ErrUserNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (b *BoltDB) FetchUserByPubkey(ctx context.Context, pubkey string) (*User, error) {
	var u User
	err := b.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(pubkeysBucket).Get([]byte(pubkey))
		if id == nil {
			return ErrUserNotFound
		}
		return getJSON(tx.Bucket(usersBucket), id, &u, ErrUserNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (b *BoltDB) LinkPubkey(ctx context.Context, id, pubkey string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket)
		var u User
		if err := getJSON(users, []byte(id), &u, ErrUserNotFound); err != nil {
			return err
		}
		if u.LightningPubkey != "" {
			return ErrUserHasPubkey
		}
		pubkeys := tx.Bucket(pubkeysBucket)
		if pubkeys.Get([]byte(pubkey)) != nil {
			return ErrPubkeyLinked
		}
		if err := pubkeys.Put([]byte(pubkey), []byte(id)); err != nil {
			return err
		}
		u.LightningPubkey = pubkey
		return putJSON(users, []byte(id), &u)
	})
}

// --- ledger ---

func (b *BoltDB) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	var balance int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		balance, err = adjustBalance(tx, userID, amount)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (b *BoltDB) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	var balance int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		balance, err = adjustBalance(tx, userID, -amount)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (b *BoltDB) SetBalance(ctx context.Context, userID string, amount int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket)
		var u User
		if err := getJSON(users, []byte(userID), &u, ErrUserNotFound); err != nil {
			return err
		}
		u.BalanceSats = amount
		return putJSON(users, []byte(userID), &u)
	})
}

func (b *BoltDB) Balance(ctx context.Context, userID string) (int64, error) {
	u, err := b.FetchUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.BalanceSats, nil
}

func (b *BoltDB) LedgerStats(ctx context.Context) (*LedgerStats, error) {
	stats := &LedgerStats{}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(_, v []byte) error {
			var u User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			if u.BalanceSats <= 0 {
				return nil
			}
			stats.TotalOutstandingSats += u.BalanceSats
			stats.UsersWithBalance++
			if u.BalanceSats > stats.MaxBalanceSats {
				stats.MaxBalanceSats = u.BalanceSats
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if stats.UsersWithBalance > 0 {
		stats.AverageBalanceSats = float64(stats.TotalOutstandingSats) / float64(stats.UsersWithBalance)
	}
	return stats, nil
}

// adjustBalance applies a signed delta to a user balance inside tx, failing
// rather than letting the balance go negative.
func adjustBalance(tx *bolt.Tx, userID string, delta int64) (int64, error) {
	users := tx.Bucket(usersBucket)
	var u User
	if err := getJSON(users, []byte(userID), &u, ErrUserNotFound); err != nil {
		return 0, err
	}
	next := u.BalanceSats + delta
	if next < 0 {
		return 0, ErrInsufficientBalance
	}
	u.BalanceSats = next
	if err := putJSON(users, []byte(userID), &u); err != nil {
		return 0, err
	}
	return next, nil
}

// --- withdrawals ---

func (b *BoltDB) PutWithdrawal(ctx context.Context, w *Withdrawal) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		wds := tx.Bucket(withdrawalsBucket)
		k1s := tx.Bucket(withdrawalK1Bucket)
		if wds.Get([]byte(w.ID)) != nil || k1s.Get([]byte(w.K1)) != nil {
			return ErrDuplicateEntry
		}
		if err := k1s.Put([]byte(w.K1), []byte(w.ID)); err != nil {
			return err
		}
		return putJSON(wds, []byte(w.ID), w)
	})
}

func (b *BoltDB) FetchWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	var w Withdrawal
	err := b.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(withdrawalsBucket), []byte(id), &w, ErrWithdrawalNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (b *BoltDB) FetchWithdrawalByK1(ctx context.Context, k1 string) (*Withdrawal, error) {
	var w Withdrawal
	err := b.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(withdrawalK1Bucket).Get([]byte(k1))
		if id == nil {
			return ErrWithdrawalNotFound
		}
		return getJSON(tx.Bucket(withdrawalsBucket), id, &w, ErrWithdrawalNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (b *BoltDB) ClaimWithdrawal(ctx context.Context, k1, invoice string, now time.Time) (*Withdrawal, error) {
	var w Withdrawal
	err := b.db.Update(func(tx *bolt.Tx) error {
		wds := tx.Bucket(withdrawalsBucket)
		id := tx.Bucket(withdrawalK1Bucket).Get([]byte(k1))
		if id == nil {
			return ErrWithdrawalNotFound
		}
		if err := getJSON(wds, id, &w, ErrWithdrawalNotFound); err != nil {
			return err
		}
		if w.Status != StatusPending {
			return ErrWithdrawalNotPending
		}
		if w.ExpiredAt(now) {
			return ErrWithdrawalExpired
		}
		w.Status = StatusClaimed
		w.Invoice = invoice
		return putJSON(wds, id, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (b *BoltDB) SettleWithdrawal(ctx context.Context, id, paymentHash string, paidAt time.Time) (*Withdrawal, error) {
	return b.mutateWithdrawal(id, func(tx *bolt.Tx, w *Withdrawal) error {
		if w.Status != StatusClaimed {
			return ErrWithdrawalNotClaimed
		}
		w.Status = StatusPaid
		w.PaymentHash = paymentHash
		w.PaidAt = paidAt
		return nil
	})
}

func (b *BoltDB) FailWithdrawal(ctx context.Context, id, reason string) (*Withdrawal, error) {
	return b.mutateWithdrawal(id, func(tx *bolt.Tx, w *Withdrawal) error {
		if w.Status != StatusClaimed {
			return ErrWithdrawalNotClaimed
		}
		w.Status = StatusFailed
		w.FailureReason = reason
		return refundInTx(tx, w)
	})
}

func (b *BoltDB) ReopenWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	return b.mutateWithdrawal(id, func(tx *bolt.Tx, w *Withdrawal) error {
		if w.Status != StatusClaimed {
			return ErrWithdrawalNotClaimed
		}
		w.Status = StatusPending
		w.Invoice = ""
		return nil
	})
}

func (b *BoltDB) ExpireWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	return b.mutateWithdrawal(id, func(tx *bolt.Tx, w *Withdrawal) error {
		if w.Status != StatusPending {
			return ErrWithdrawalNotPending
		}
		w.Status = StatusExpired
		return refundInTx(tx, w)
	})
}

func (b *BoltDB) ExpirePending(ctx context.Context, now time.Time) ([]*Withdrawal, error) {
	var expired []*Withdrawal
	err := b.db.Update(func(tx *bolt.Tx) error {
		wds := tx.Bucket(withdrawalsBucket)
		cur := wds.Cursor()
		// Writing while a cursor walks the bucket invalidates it, so
		// collect the stale rows first and flip them after.
		var stale []*Withdrawal
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var w Withdrawal
			if err := json.Unmarshal(v, &w); err != nil {
				continue
			}
			if w.Status != StatusPending || !w.ExpiredAt(now) {
				continue
			}
			wc := w
			stale = append(stale, &wc)
		}
		for _, w := range stale {
			w.Status = StatusExpired
			if err := refundInTx(tx, w); err != nil {
				return err
			}
			if err := putJSON(wds, []byte(w.ID), w); err != nil {
				return err
			}
			expired = append(expired, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// refundInTx credits the owner back exactly once when a debited withdrawal
// reaches FAILED or EXPIRED. Running inside the same transaction as the
// status flip means a crash can never leave the refund half-applied.
func refundInTx(tx *bolt.Tx, w *Withdrawal) error {
	if !w.Debited || w.Refunded {
		return nil
	}
	if _, err := adjustBalance(tx, w.OwnerID, w.AmountSats); err != nil {
		return err
	}
	w.Refunded = true
	return nil
}

func (b *BoltDB) mutateWithdrawal(id string, fn func(tx *bolt.Tx, w *Withdrawal) error) (*Withdrawal, error) {
	var w Withdrawal
	err := b.db.Update(func(tx *bolt.Tx) error {
		wds := tx.Bucket(withdrawalsBucket)
		if err := getJSON(wds, []byte(id), &w, ErrWithdrawalNotFound); err != nil {
			return err
		}
		if err := fn(tx, &w); err != nil {
			return err
		}
		return putJSON(wds, []byte(id), &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// --- helpers ---

func putJSON(bkt *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bkt.Put(key, data)
}

func getJSON(bkt *bolt.Bucket, key []byte, v interface{}, notFound error) error {
	data := bkt.Get(key)
	if data == nil {
		return notFound
	}
	return json.Unmarshal(data, v)
}
