// Package auth implements the LNURL-auth protocol engine: challenge
// issuance, wallet callback verification and poll-based status resolution,
// plus the resolver that maps verified wallet keys onto application users.
package auth

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/decred/slog"

	"github.com/lnleague/lnleague/lnurl"
	"github.com/lnleague/lnleague/storage"
)

const (
	// DefaultChallengeTTL is how long a login challenge stays claimable.
	DefaultChallengeTTL = 5 * time.Minute

	k1Bytes     = 32
	pubkeyBytes = 33
)

// Protocol-level failures. The HTTP layer maps each of these onto the
// {status:"ERROR", reason} shape wallets require; none of them should ever
// surface as a 5xx.
var (
	ErrBadTag           = errors.New("unexpected tag, expected login")
	ErrBadK1            = errors.New("k1 must be 32 bytes of hex")
	ErrBadKey           = errors.New("key must be a 33-byte compressed pubkey in hex")
	ErrBadSignature     = errors.New("signature is not valid DER hex")
	ErrSignatureInvalid = errors.New("signature verification failed")
)

// PollState is the frontend-visible state of a challenge.
type PollState string

const (
	StatePending  PollState = "pending"
	StateExpired  PollState = "expired"
	StateVerified PollState = "verified"
)

// Challenge is what a login-page load receives: the raw secret for polling
// and the encoded LNURL for the wallet.
type Challenge struct {
	K1        string
	LNURL     string
	ExpiresAt time.Time
}

// PollResult reports a challenge's state. Key is set only when verified.
type PollResult struct {
	State PollState
	Key   string
}

type Config struct {
	Store storage.ChallengeStore
	// CallbackURL is the absolute URL of the wallet callback endpoint; the
	// encoded LNURL embeds it with tag=login&k1=<secret> appended.
	CallbackURL string
	TTL         time.Duration
	Log         slog.Logger
}

// Engine drives the login challenge state machine: PENDING -> VERIFIED on a
// good wallet callback, PENDING -> EXPIRED when the TTL lapses first. No
// transition leaves either terminal state.
type Engine struct {
	store    storage.ChallengeStore
	callback string
	ttl      time.Duration
	log      slog.Logger
}

func NewEngine(cfg Config) *Engine {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultChallengeTTL
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Engine{
		store:    cfg.Store,
		callback: cfg.CallbackURL,
		ttl:      ttl,
		log:      log,
	}
}

// CreateChallenge generates a fresh 32-byte secret, persists it with the
// configured TTL and returns it with its encoded LNURL.
func (e *Engine) CreateChallenge(ctx context.Context) (*Challenge, error) {
	var secret [k1Bytes]byte
	if _, err := crand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("failed to generate challenge secret: %w", err)
	}
	k1 := hex.EncodeToString(secret[:])

	now := time.Now()
	c := &storage.LoginChallenge{
		K1:        k1,
		CreatedAt: now,
		ExpiresAt: now.Add(e.ttl),
	}
	if err := e.store.PutChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	enc, err := lnurl.Encode(fmt.Sprintf("%s?tag=login&k1=%s", e.callback, k1))
	if err != nil {
		return nil, err
	}
	e.log.Debugf("Created login challenge %s, expires %s", k1, c.ExpiresAt)
	return &Challenge{K1: k1, LNURL: enc, ExpiresAt: c.ExpiresAt}, nil
}

// HandleCallback processes the wallet's GET. It validates the parameters,
// verifies the signature over the k1 bytes against the claimed key and
// atomically consumes the challenge. Exactly one callback per challenge can
// ever succeed; replays observe the used flag in persisted state and fail.
func (e *Engine) HandleCallback(ctx context.Context, tag, k1, sigHex, keyHex string) error {
	if tag != "login" {
		return ErrBadTag
	}
	k1Raw, err := hex.DecodeString(k1)
	if err != nil || len(k1Raw) != k1Bytes {
		return ErrBadK1
	}
	keyRaw, err := hex.DecodeString(keyHex)
	if err != nil || len(keyRaw) != pubkeyBytes {
		return ErrBadKey
	}
	sigRaw, err := hex.DecodeString(sigHex)
	if err != nil || len(sigRaw) == 0 {
		return ErrBadSignature
	}

	// Check the row before doing curve math so replays and stale secrets get
	// a precise reason without burning a verification.
	c, err := e.store.FetchChallenge(ctx, k1)
	if err != nil {
		return err
	}
	if c.Used {
		return storage.ErrChallengeUsed
	}
	if c.Expired(time.Now()) {
		return storage.ErrChallengeExpired
	}

	ok, err := lnurl.VerifyAuth(k1Raw, sigRaw, keyRaw)
	if err != nil {
		return ErrBadSignature
	}
	if !ok {
		return ErrSignatureInvalid
	}

	// The consume is the atomic step; a concurrent duplicate delivery loses
	// here with ErrChallengeUsed.
	if _, err := e.store.ConsumeChallenge(ctx, k1, keyHex, time.Now()); err != nil {
		return err
	}
	e.log.Infof("Login challenge %s verified for key %s", k1, keyHex)
	return nil
}

// PollStatus is a pure read; it never mutates the row, so a verified
// challenge keeps reporting verified on every subsequent poll.
func (e *Engine) PollStatus(ctx context.Context, k1 string) (*PollResult, error) {
	c, err := e.store.FetchChallenge(ctx, k1)
	if err != nil {
		if errors.Is(err, storage.ErrChallengeNotFound) {
			return &PollResult{State: StateExpired}, nil
		}
		return nil, err
	}
	if c.Used {
		return &PollResult{State: StateVerified, Key: c.ResolvedKey}, nil
	}
	if c.Expired(time.Now()) {
		return &PollResult{State: StateExpired}, nil
	}
	return &PollResult{State: StatePending}, nil
}

// SweepExpired garbage-collects challenges whose expiry is older than the
// retention window. Verified rows stay pollable for the whole window.
func (e *Engine) SweepExpired(ctx context.Context, retention time.Duration) (int, error) {
	n, err := e.store.PurgeChallenges(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.Debugf("Swept %d stale login challenges", n)
	}
	return n, nil
}

// CallbackURL returns the configured wallet callback endpoint.
func (e *Engine) CallbackURL() string { return e.callback }

// ValidCallback reports whether the configured callback parses as an
// absolute URL. Used at startup to fail fast on config mistakes.
func (e *Engine) ValidCallback() bool {
	u, err := url.Parse(e.callback)
	return err == nil && u.IsAbs()
}
