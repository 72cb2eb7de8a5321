// Package withdraw implements the LNURL-withdraw protocol engine: creating
// claimable payout offers, serving the LUD-03 handshake, driving payment
// through the node gateway and keeping the ledger consistent with every
// outcome.
package withdraw

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/lnleague/lnleague/ledger"
	"github.com/lnleague/lnleague/node"
	"github.com/lnleague/lnleague/storage"
)

const (
	// DefaultTTL is how long a withdrawal stays claimable.
	DefaultTTL = 24 * time.Hour
	// DefaultMinWithdrawSats is the smallest payout a user may initiate.
	DefaultMinWithdrawSats = 100

	k1Bytes = 32
)

var (
	ErrNodeNotConfigured = errors.New("lightning node is not configured")
	ErrBelowMinimum      = errors.New("amount is below the minimum withdrawal")
	ErrAmountMismatch    = errors.New("invoice amount does not match withdrawal amount")
	ErrBadInvoice        = errors.New("could not decode invoice")
	// ErrPaymentFailed is a hard failure: the node rejected the payment and
	// the withdrawal moved to FAILED with the balance refunded.
	ErrPaymentFailed = errors.New("payment failed")
	// ErrPaymentTransient is the rollback path: the payment attempt died on
	// a transport fault, the claim was reset to PENDING and the wallet may
	// resubmit the callback.
	ErrPaymentTransient = errors.New("payment attempt failed, please retry")
)

// StatusError is the protocol error naming the current status of a
// withdrawal that is no longer claimable.
type StatusError struct {
	Status storage.WithdrawalStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("withdrawal is %s", strings.ToLower(string(e.Status)))
}

// Params is the LUD-03 withdraw-request payload. The protocol fixes the
// amount: min and max are both AmountSats in millisats.
type Params struct {
	Tag                string `json:"tag"`
	Callback           string `json:"callback"`
	K1                 string `json:"k1"`
	MinWithdrawable    int64  `json:"minWithdrawable"`
	MaxWithdrawable    int64  `json:"maxWithdrawable"`
	DefaultDescription string `json:"defaultDescription"`
}

type Config struct {
	Store  storage.WithdrawalStore
	Ledger *ledger.Service
	Node   node.Gateway
	// RequestURL is the wallet-facing LUD-03 request endpoint; the encoded
	// LNURL points there with ?k1=<secret> appended. CallbackURL is where
	// the wallet submits the invoice.
	RequestURL  string
	CallbackURL string

	TTL                time.Duration
	MinWithdrawSats    int64
	DefaultDescription string

	// OnPaid is invoked best-effort (own goroutine, failures logged and
	// dropped) after a withdrawal settles.
	OnPaid func(w *storage.Withdrawal)

	Log slog.Logger
}

// Engine drives the withdrawal state machine. Transitions are forward-only
// (PENDING -> CLAIMED -> PAID/FAILED, PENDING -> EXPIRED) with a single
// backward edge, CLAIMED -> PENDING, reserved for transient payment faults.
type Engine struct {
	store   storage.WithdrawalStore
	ledger  *ledger.Service
	node    node.Gateway
	reqURL  string
	cbURL   string
	ttl     time.Duration
	minSats int64
	desc    string
	onPaid  func(w *storage.Withdrawal)
	log     slog.Logger
}

func NewEngine(cfg Config) *Engine {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	minSats := cfg.MinWithdrawSats
	if minSats == 0 {
		minSats = DefaultMinWithdrawSats
	}
	desc := cfg.DefaultDescription
	if desc == "" {
		desc = "Balance withdrawal"
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Engine{
		store:   cfg.Store,
		ledger:  cfg.Ledger,
		node:    cfg.Node,
		reqURL:  cfg.RequestURL,
		cbURL:   cfg.CallbackURL,
		ttl:     ttl,
		minSats: minSats,
		desc:    desc,
		onPaid:  cfg.OnPaid,
		log:     log,
	}
}

// Create persists a PENDING withdrawal claimable through LNURL-withdraw and
// returns it with the encoded LNURL. The node must be reachable and report
// enough liquidity at creation time; callback-time liquidity is re-checked
// by the gateway before paying.
func (e *Engine) Create(ctx context.Context, ownerID string, amountSats int64, description string, ttl time.Duration) (*storage.Withdrawal, string, error) {
	return e.create(ctx, ownerID, amountSats, description, ttl, false)
}

// Initiate is the balance-backed variant: it debits the owner's ledger
// optimistically and only then creates the withdrawal. If creation fails for
// any reason the debit is refunded before the error propagates, so the
// ledger never shows a debit without a matching withdrawal record.
func (e *Engine) Initiate(ctx context.Context, ownerID string, amountSats int64) (w *storage.Withdrawal, lnurlStr string, err error) {
	if amountSats == 0 {
		amountSats, err = e.ledger.Balance(ctx, ownerID)
		if err != nil {
			return nil, "", err
		}
	}
	if amountSats < e.minSats {
		return nil, "", fmt.Errorf("%w: minimum is %d sats", ErrBelowMinimum, e.minSats)
	}

	if _, err = e.ledger.Debit(ctx, ownerID, amountSats, "withdrawal"); err != nil {
		return nil, "", err
	}
	defer func() {
		// Compensating transaction: any failure after the debit refunds it
		// in the same logical operation.
		if err != nil {
			if _, cErr := e.ledger.Credit(ctx, ownerID, amountSats, "withdrawal creation failed"); cErr != nil {
				e.log.Errorf("CRITICAL: failed to refund %d sats to %s after aborted withdrawal: %v",
					amountSats, ownerID, cErr)
			}
		}
	}()

	w, lnurlStr, err = e.create(ctx, ownerID, amountSats, "", 0, true)
	return w, lnurlStr, err
}

func (e *Engine) create(ctx context.Context, ownerID string, amountSats int64, description string, ttl time.Duration, debited bool) (*storage.Withdrawal, string, error) {
	if e.node == nil {
		return nil, "", ErrNodeNotConfigured
	}
	if amountSats <= 0 {
		return nil, "", ledger.ErrInvalidAmount
	}
	bal, err := e.node.ChannelBalance(ctx)
	if err != nil {
		return nil, "", err
	}
	if bal.AvailableSats < amountSats {
		return nil, "", fmt.Errorf("%w: node has %d sats available, need %d",
			node.ErrInsufficientLiquidity, bal.AvailableSats, amountSats)
	}

	var secret [k1Bytes]byte
	if _, err := crand.Read(secret[:]); err != nil {
		return nil, "", fmt.Errorf("failed to generate withdrawal secret: %w", err)
	}
	if ttl == 0 {
		ttl = e.ttl
	}
	if description == "" {
		description = e.desc
	}
	now := time.Now()
	w := &storage.Withdrawal{
		ID:          uuid.NewString(),
		K1:          hex.EncodeToString(secret[:]),
		OwnerID:     ownerID,
		AmountSats:  amountSats,
		Description: description,
		Status:      storage.StatusPending,
		Debited:     debited,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := e.store.PutWithdrawal(ctx, w); err != nil {
		return nil, "", fmt.Errorf("failed to store withdrawal: %w", err)
	}

	enc, err := lnurlEncodeRequest(e.reqURL, w.K1)
	if err != nil {
		return nil, "", err
	}
	e.log.Infof("Created withdrawal %s for %s: %d sats, expires %s",
		w.ID, ownerID, amountSats, w.ExpiresAt)
	return w, enc, nil
}

// HandleWithdrawRequest serves the wallet's first GET of the LUD-03
// handshake. Expiry is lazy: a stale PENDING row is expired (and refunded if
// debited) the moment it is read.
func (e *Engine) HandleWithdrawRequest(ctx context.Context, k1 string) (*Params, error) {
	w, err := e.claimable(ctx, k1)
	if err != nil {
		return nil, err
	}
	return &Params{
		Tag:                "withdrawRequest",
		Callback:           e.cbURL,
		K1:                 w.K1,
		MinWithdrawable:    w.AmountSats * 1000,
		MaxWithdrawable:    w.AmountSats * 1000,
		DefaultDescription: w.Description,
	}, nil
}

// HandleWithdrawCallback processes the wallet's invoice submission. The
// claim is an atomic PENDING -> CLAIMED step; of two concurrent callbacks
// exactly one reaches the payment, the other observes the claimed row.
func (e *Engine) HandleWithdrawCallback(ctx context.Context, k1, bolt11 string) error {
	if _, err := e.claimable(ctx, k1); err != nil {
		return err
	}

	inv, err := e.node.DecodeInvoice(ctx, bolt11)
	if err != nil {
		e.log.Warnf("Failed to decode invoice for withdrawal k1=%s: %v", k1, err)
		return ErrBadInvoice
	}

	w, err := e.store.FetchWithdrawalByK1(ctx, k1)
	if err != nil {
		return err
	}
	if inv.AmountSats != 0 && inv.AmountSats != w.AmountSats {
		return fmt.Errorf("%w: invoice %d sats, withdrawal %d sats",
			ErrAmountMismatch, inv.AmountSats, w.AmountSats)
	}

	w, err = e.store.ClaimWithdrawal(ctx, k1, bolt11, time.Now())
	if err != nil {
		if errors.Is(err, storage.ErrWithdrawalNotPending) {
			return e.statusError(ctx, k1)
		}
		return err
	}
	e.log.Infof("Withdrawal %s claimed, paying %d sats", w.ID, w.AmountSats)

	res, payErr := e.node.PayInvoice(ctx, bolt11, w.AmountSats)
	switch {
	case payErr == nil && res.Success:
		paidAt := time.Now()
		if _, err := e.store.SettleWithdrawal(ctx, w.ID, res.PaymentHash, paidAt); err != nil {
			e.log.Errorf("CRITICAL: payment for withdrawal %s succeeded but settle failed: %v", w.ID, err)
			return err
		}
		e.log.Infof("Withdrawal %s paid, hash=%s", w.ID, res.PaymentHash)
		e.notifyPaid(w.ID)
		return nil

	case payErr == nil:
		// Structured refusal from the node: hard failure, refund the debit.
		if _, err := e.store.FailWithdrawal(ctx, w.ID, res.Error); err != nil {
			e.log.Errorf("Failed to mark withdrawal %s failed: %v", w.ID, err)
			return err
		}
		e.log.Warnf("Withdrawal %s failed: %s", w.ID, res.Error)
		return fmt.Errorf("%w: %s", ErrPaymentFailed, res.Error)

	case errors.Is(payErr, node.ErrAmountMismatch):
		// Decode raced a different invoice past our own check; permanent.
		if _, err := e.store.FailWithdrawal(ctx, w.ID, payErr.Error()); err != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPaymentFailed, payErr)

	default:
		// Transport fault or liquidity blip: roll the claim back so the
		// wallet can resubmit. The only backward transition in the machine.
		if _, rbErr := e.store.ReopenWithdrawal(ctx, w.ID); rbErr != nil {
			e.log.Errorf("CRITICAL: failed to roll withdrawal %s back to pending: %v", w.ID, rbErr)
		} else {
			e.log.Warnf("Withdrawal %s payment attempt failed, rolled back to pending: %v", w.ID, payErr)
		}
		return fmt.Errorf("%w: %v", ErrPaymentTransient, payErr)
	}
}

// Cancel expires a PENDING withdrawal before any wallet interaction,
// refunding the owner if the creation debited the ledger.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	w, err := e.store.ExpireWithdrawal(ctx, id)
	if err != nil {
		return err
	}
	e.log.Infof("Withdrawal %s cancelled", w.ID)
	return nil
}

// CleanupExpired bulk-expires PENDING withdrawals past their deadline,
// refunding each debited one. Correctness never depends on this running:
// expiry is also enforced lazily at access time.
func (e *Engine) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := e.store.ExpirePending(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for _, w := range expired {
		e.log.Infof("Expired withdrawal %s (%d sats, owner %s)", w.ID, w.AmountSats, w.OwnerID)
	}
	return len(expired), nil
}

func (e *Engine) Withdrawal(ctx context.Context, id string) (*storage.Withdrawal, error) {
	return e.store.FetchWithdrawal(ctx, id)
}

// claimable loads the withdrawal for k1 and enforces that it is still
// PENDING and unexpired, expiring a stale row in passing.
func (e *Engine) claimable(ctx context.Context, k1 string) (*storage.Withdrawal, error) {
	w, err := e.store.FetchWithdrawalByK1(ctx, k1)
	if err != nil {
		return nil, err
	}
	if w.Status == storage.StatusPending && w.ExpiredAt(time.Now()) {
		if _, err := e.store.ExpireWithdrawal(ctx, w.ID); err != nil &&
			!errors.Is(err, storage.ErrWithdrawalNotPending) {
			e.log.Errorf("Failed to lazily expire withdrawal %s: %v", w.ID, err)
		}
		return nil, storage.ErrWithdrawalExpired
	}
	if w.Status != storage.StatusPending {
		return nil, &StatusError{Status: w.Status}
	}
	return w, nil
}

// statusError re-reads the row to name its current status in the protocol
// error, as the wire contract requires.
func (e *Engine) statusError(ctx context.Context, k1 string) error {
	w, err := e.store.FetchWithdrawalByK1(ctx, k1)
	if err != nil {
		return err
	}
	return &StatusError{Status: w.Status}
}

func (e *Engine) notifyPaid(id string) {
	if e.onPaid == nil {
		return
	}
	w, err := e.store.FetchWithdrawal(context.Background(), id)
	if err != nil {
		e.log.Warnf("Paid notification skipped, fetch failed: %v", err)
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Warnf("Paid notification panicked: %v", r)
			}
		}()
		e.onPaid(w)
	}()
}
