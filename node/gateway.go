// Package node wraps the remote Lightning node behind a small capability
// interface: report balance, decode an invoice, pay an invoice, report
// status. Callers treat a NodeError as retryable but never ignorable.
package node

import (
	"context"
	"errors"
	"fmt"
)

// NodeError marks a failure talking to the Lightning node itself, as opposed
// to a structured refusal the node returned.
type NodeError struct {
	Op  string
	Err error
}

func (e *NodeError) Error() string { return fmt.Sprintf("lightning node %s: %v", e.Op, e.Err) }
func (e *NodeError) Unwrap() error { return e.Err }

var (
	// ErrAmountMismatch is returned by PayInvoice when the invoice carries a
	// nonzero amount that disagrees with the expected amount.
	ErrAmountMismatch = errors.New("invoice amount does not match expected amount")
	// ErrInsufficientLiquidity is returned by PayInvoice when the channel
	// balance re-check immediately before paying comes up short.
	ErrInsufficientLiquidity = errors.New("insufficient channel balance")
)

// ChannelBalance is the node's spendable and pending channel liquidity.
type ChannelBalance struct {
	AvailableSats int64
	PendingSats   int64
}

// Invoice is the decoded view of a BOLT11 payment request.
type Invoice struct {
	Destination string
	PaymentHash string
	AmountSats  int64 // 0 for amountless invoices
	Expiry      int64 // seconds
	Description string
}

// PaymentResult reports the outcome of a payment attempt. Success false with
// a reason is a structured failure from the node, not a transport error.
type PaymentResult struct {
	Success     bool
	PaymentHash string
	Preimage    string
	Error       string
}

// Status is the result of a connectivity probe.
type Status struct {
	Connected bool
	Alias     string
	Pubkey    string
	Error     string
}

// Gateway is the capability surface of the external Lightning node.
type Gateway interface {
	ChannelBalance(ctx context.Context) (*ChannelBalance, error)
	DecodeInvoice(ctx context.Context, bolt11 string) (*Invoice, error)
	// PayInvoice decodes first, rejects on amount disagreement, re-checks
	// liquidity and then pays. expectedAmountSats <= 0 skips the cross-check.
	PayInvoice(ctx context.Context, bolt11 string, expectedAmountSats int64) (*PaymentResult, error)
	VerifyConnection(ctx context.Context) (*Status, error)
}
