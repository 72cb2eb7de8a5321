// Package storage defines the persisted records of the Lightning engine and
// the store interfaces the protocol engines run against. All state
// transitions keyed by a secret, and every balance mutation, are implemented
// by the backing store as a single transaction so that concurrent handlers
// cannot both win the same transition.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrChallengeNotFound    = errors.New("login challenge not found")
	ErrChallengeUsed        = errors.New("login challenge already used")
	ErrChallengeExpired     = errors.New("login challenge expired")
	ErrUserNotFound         = errors.New("user not found")
	ErrPubkeyLinked         = errors.New("pubkey already linked to an account")
	ErrUserHasPubkey        = errors.New("account already has a linked pubkey")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrWithdrawalNotFound   = errors.New("withdrawal not found")
	ErrWithdrawalNotPending = errors.New("withdrawal is not pending")
	ErrWithdrawalNotClaimed = errors.New("withdrawal is not claimed")
	ErrWithdrawalExpired    = errors.New("withdrawal expired")
	ErrDuplicateEntry       = errors.New("record already stored")
)

// LoginChallenge is a single-use LNURL-auth secret. ResolvedKey is non-empty
// iff Used is true; a challenge is consumed at most once and otherwise
// expires untouched.
type LoginChallenge struct {
	K1          string    `json:"k1"` // 32-byte secret, hex, primary key
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Used        bool      `json:"used"`
	ResolvedKey string    `json:"resolved_key,omitempty"` // compressed secp256k1 point, hex
}

// Expired reports whether the challenge deadline has passed at now.
func (c *LoginChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// User is the slice of the application identity this engine owns: the linked
// wallet key and the authoritative sat balance.
type User struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	LightningPubkey string    `json:"lightning_pubkey,omitempty"` // unique, set at most once
	BalanceSats     int64     `json:"balance_sats"`               // always >= 0
	CreatedAt       time.Time `json:"created_at"`
}

type WithdrawalStatus string

const (
	StatusPending WithdrawalStatus = "PENDING"
	StatusClaimed WithdrawalStatus = "CLAIMED"
	StatusPaid    WithdrawalStatus = "PAID"
	StatusFailed  WithdrawalStatus = "FAILED"
	StatusExpired WithdrawalStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible out of s. The
// one exception to forward-only transitions is CLAIMED -> PENDING, taken when
// a payment attempt dies on transport faults and the claim is rolled back.
func (s WithdrawalStatus) Terminal() bool {
	return s == StatusPaid || s == StatusFailed || s == StatusExpired
}

// Withdrawal is a pre-authorized payout claimable once through
// LNURL-withdraw. AmountSats is fixed at creation. Debited records whether
// the owner's ledger was debited when the withdrawal was created; Refunded
// guards the exactly-once reversal on FAILED/EXPIRED.
type Withdrawal struct {
	ID            string           `json:"id"`
	K1            string           `json:"k1"` // 32-byte secret, hex, unique
	OwnerID       string           `json:"owner_id"`
	AmountSats    int64            `json:"amount_sats"`
	Description   string           `json:"description,omitempty"`
	Status        WithdrawalStatus `json:"status"`
	Invoice       string           `json:"invoice,omitempty"` // BOLT11, set on claim
	PaymentHash   string           `json:"payment_hash,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Debited       bool             `json:"debited"`
	Refunded      bool             `json:"refunded"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	PaidAt        time.Time        `json:"paid_at,omitempty"`
}

func (w *Withdrawal) ExpiredAt(now time.Time) bool {
	return now.After(w.ExpiresAt)
}

// ChallengeStore persists login challenges.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, c *LoginChallenge) error
	FetchChallenge(ctx context.Context, k1 string) (*LoginChallenge, error)
	// ConsumeChallenge atomically marks an unused, unexpired challenge used
	// and records the verified key. Exactly one concurrent caller wins;
	// losers get ErrChallengeUsed (or ErrChallengeExpired/NotFound).
	ConsumeChallenge(ctx context.Context, k1, resolvedKey string, now time.Time) (*LoginChallenge, error)
	// PurgeChallenges removes challenges whose expiry is before cutoff and
	// returns how many were deleted.
	PurgeChallenges(ctx context.Context, cutoff time.Time) (int, error)
}

// UserStore persists identities and the pubkey uniqueness index.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	FetchUser(ctx context.Context, id string) (*User, error)
	FetchUserByPubkey(ctx context.Context, pubkey string) (*User, error)
	// LinkPubkey binds a pubkey to a user. Fails with ErrPubkeyLinked when
	// any account already owns the key, and ErrUserHasPubkey when the user
	// already linked one.
	LinkPubkey(ctx context.Context, id, pubkey string) error
}

// LedgerStats are read-only aggregates over all balances.
type LedgerStats struct {
	TotalOutstandingSats int64   `json:"total_outstanding_sats"`
	UsersWithBalance     int     `json:"users_with_balance"`
	AverageBalanceSats   float64 `json:"average_balance_sats"`
	MaxBalanceSats       int64   `json:"max_balance_sats"`
}

// Ledger is the authoritative per-user sat balance. Mutations on the same
// user are serialized by the store; a debit never drives a balance negative.
type Ledger interface {
	Credit(ctx context.Context, userID string, amount int64) (int64, error)
	Debit(ctx context.Context, userID string, amount int64) (int64, error)
	SetBalance(ctx context.Context, userID string, amount int64) error
	Balance(ctx context.Context, userID string) (int64, error)
	LedgerStats(ctx context.Context) (*LedgerStats, error)
}

// WithdrawalStore persists withdrawals. Every transition below is a single
// atomic read-modify-write keyed by the withdrawal's current status.
type WithdrawalStore interface {
	PutWithdrawal(ctx context.Context, w *Withdrawal) error
	FetchWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	FetchWithdrawalByK1(ctx context.Context, k1 string) (*Withdrawal, error)
	// ClaimWithdrawal transitions PENDING -> CLAIMED and stores the invoice.
	ClaimWithdrawal(ctx context.Context, k1, invoice string, now time.Time) (*Withdrawal, error)
	// SettleWithdrawal transitions CLAIMED -> PAID.
	SettleWithdrawal(ctx context.Context, id, paymentHash string, paidAt time.Time) (*Withdrawal, error)
	// FailWithdrawal transitions CLAIMED -> FAILED and marks the refund done.
	FailWithdrawal(ctx context.Context, id, reason string) (*Withdrawal, error)
	// ReopenWithdrawal rolls CLAIMED back to PENDING and clears the invoice,
	// so the wallet may retry after a transport fault.
	ReopenWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	// ExpireWithdrawal transitions PENDING -> EXPIRED and marks the refund done.
	ExpireWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	// ExpirePending bulk-expires every PENDING withdrawal past its deadline
	// and returns the affected records.
	ExpirePending(ctx context.Context, now time.Time) ([]*Withdrawal, error)
}

// Store is the full persistence surface backing the engine.
type Store interface {
	ChallengeStore
	UserStore
	Ledger
	WithdrawalStore
	Close() error
}
