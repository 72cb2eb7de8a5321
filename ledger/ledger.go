// Package ledger exposes the authoritative per-user sat balance. It is a
// thin policy layer over storage.Ledger: the store provides atomicity, this
// package provides validation and an audit trail in the logs.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/decred/slog"

	"github.com/lnleague/lnleague/storage"
)

var ErrInvalidAmount = errors.New("ledger: amount must be positive")

// ErrInsufficientBalance re-exports the store sentinel so callers do not need
// to import storage just to classify a debit failure.
var ErrInsufficientBalance = storage.ErrInsufficientBalance

type Service struct {
	store storage.Ledger
	log   slog.Logger
}

func NewService(store storage.Ledger, log slog.Logger) *Service {
	if log == nil {
		log = slog.Disabled
	}
	return &Service{store: store, log: log}
}

// Credit increases a user's balance. Credits cannot fail on balance grounds.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := s.store.Credit(ctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("credit %d sats to %s: %w", amount, userID, err)
	}
	s.log.Infof("Credited %d sats to %s (%s), balance now %d", amount, userID, reason, balance)
	return balance, nil
}

// Debit decreases a user's balance, failing with ErrInsufficientBalance
// rather than going negative.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := s.store.Debit(ctx, userID, amount)
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientBalance) {
			return 0, err
		}
		return 0, fmt.Errorf("debit %d sats from %s: %w", amount, userID, err)
	}
	s.log.Infof("Debited %d sats from %s (%s), balance now %d", amount, userID, reason, balance)
	return balance, nil
}

// SetBalance overwrites a user's balance. Admin-only escape hatch.
func (s *Service) SetBalance(ctx context.Context, userID string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if err := s.store.SetBalance(ctx, userID, amount); err != nil {
		return err
	}
	s.log.Warnf("Balance of %s set to %d sats", userID, amount)
	return nil
}

func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.store.Balance(ctx, userID)
}

func (s *Service) Stats(ctx context.Context) (*storage.LedgerStats, error) {
	return s.store.LedgerStats(ctx)
}
