package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/lnleague/lnleague/ledger"
	"github.com/lnleague/lnleague/storage"
)

// DefaultLinkBonusSats is the one-time reward for linking a wallet.
const DefaultLinkBonusSats = 21

var (
	// ErrAlreadyLinkedSelf is returned when the key is already bound to the
	// same account; surfaced separately so the UI can say "already linked"
	// instead of implying the key belongs to someone else.
	ErrAlreadyLinkedSelf = errors.New("this wallet is already linked to your account")
	ErrAlreadyLinked     = errors.New("this wallet is linked to another account")
)

// Resolver maps verified wallet keys to application users. At most one user
// ever owns a given pubkey; the store's uniqueness index enforces it.
type Resolver struct {
	users     storage.UserStore
	ledger    *ledger.Service
	bonusSats int64
	log       slog.Logger
}

type ResolverConfig struct {
	Users  storage.UserStore
	Ledger *ledger.Service
	// BonusSats is credited exactly once, the first time an identity gains a
	// pubkey, whether by first login or by explicit link. Zero disables it.
	BonusSats int64
	Log       slog.Logger
}

func NewResolver(cfg ResolverConfig) *Resolver {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Resolver{
		users:     cfg.Users,
		ledger:    cfg.Ledger,
		bonusSats: cfg.BonusSats,
		log:       log,
	}
}

// ResolveLogin returns the user owning pubkey, creating a fresh account on
// first login. isNew and bonusAwarded report what happened.
func (r *Resolver) ResolveLogin(ctx context.Context, pubkey string) (u *storage.User, isNew, bonusAwarded bool, err error) {
	u, err = r.users.FetchUserByPubkey(ctx, pubkey)
	if err == nil {
		return u, false, false, nil
	}
	if !errors.Is(err, storage.ErrUserNotFound) {
		return nil, false, false, err
	}

	u = &storage.User{
		ID:              uuid.NewString(),
		Name:            displayName(pubkey),
		LightningPubkey: pubkey,
		CreatedAt:       time.Now(),
	}
	if err := r.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrPubkeyLinked) {
			// Concurrent first login for the same key; the other caller won.
			u, err = r.users.FetchUserByPubkey(ctx, pubkey)
			return u, false, false, err
		}
		return nil, false, false, fmt.Errorf("failed to create user: %w", err)
	}
	r.log.Infof("Created user %s (%s) for pubkey %s", u.ID, u.Name, pubkey)

	bonusAwarded = r.awardBonus(ctx, u.ID)
	return u, true, bonusAwarded, nil
}

// LinkKey binds a verified pubkey to an existing account. The account gains
// the key at most once; a key owned by anyone, including the caller, is
// rejected with a distinct reason per case.
func (r *Resolver) LinkKey(ctx context.Context, userID, pubkey string) (bonusAwarded bool, err error) {
	if owner, err := r.users.FetchUserByPubkey(ctx, pubkey); err == nil {
		if owner.ID == userID {
			return false, ErrAlreadyLinkedSelf
		}
		return false, ErrAlreadyLinked
	} else if !errors.Is(err, storage.ErrUserNotFound) {
		return false, err
	}

	if err := r.users.LinkPubkey(ctx, userID, pubkey); err != nil {
		if errors.Is(err, storage.ErrPubkeyLinked) {
			return false, ErrAlreadyLinked
		}
		return false, err
	}
	r.log.Infof("Linked pubkey %s to user %s", pubkey, userID)

	// The store only links an account that had no pubkey, so reaching this
	// point means the identity never earned the bonus before.
	return r.awardBonus(ctx, userID), nil
}

func (r *Resolver) User(ctx context.Context, id string) (*storage.User, error) {
	return r.users.FetchUser(ctx, id)
}

func (r *Resolver) awardBonus(ctx context.Context, userID string) bool {
	if r.bonusSats <= 0 || r.ledger == nil {
		return false
	}
	if _, err := r.ledger.Credit(ctx, userID, r.bonusSats, "wallet link bonus"); err != nil {
		// The account works without the bonus; don't fail the login over it.
		r.log.Errorf("Failed to credit link bonus to %s: %v", userID, err)
		return false
	}
	return true
}

// displayName derives a stable default handle from the pubkey prefix.
func displayName(pubkey string) string {
	const prefixLen = 8
	if len(pubkey) < prefixLen {
		return "player-" + pubkey
	}
	return "player-" + pubkey[:prefixLen]
}
