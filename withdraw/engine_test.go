package withdraw

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lnleague/lnleague/ledger"
	"github.com/lnleague/lnleague/node"
	"github.com/lnleague/lnleague/storage"
)

// fakeGateway implements node.Gateway with overridable behavior per test.
type fakeGateway struct {
	balance func(ctx context.Context) (*node.ChannelBalance, error)
	decode  func(ctx context.Context, bolt11 string) (*node.Invoice, error)
	pay     func(ctx context.Context, bolt11 string, expected int64) (*node.PaymentResult, error)
}

func (f *fakeGateway) ChannelBalance(ctx context.Context) (*node.ChannelBalance, error) {
	if f.balance != nil {
		return f.balance(ctx)
	}
	return &node.ChannelBalance{AvailableSats: 1_000_000}, nil
}

func (f *fakeGateway) DecodeInvoice(ctx context.Context, bolt11 string) (*node.Invoice, error) {
	if f.decode != nil {
		return f.decode(ctx, bolt11)
	}
	return &node.Invoice{PaymentHash: "cafe", AmountSats: 0}, nil
}

func (f *fakeGateway) PayInvoice(ctx context.Context, bolt11 string, expected int64) (*node.PaymentResult, error) {
	if f.pay != nil {
		return f.pay(ctx, bolt11, expected)
	}
	return &node.PaymentResult{Success: true, PaymentHash: "cafe", Preimage: "0102"}, nil
}

func (f *fakeGateway) VerifyConnection(ctx context.Context) (*node.Status, error) {
	return &node.Status{Connected: true}, nil
}

type testEnv struct {
	engine *Engine
	store  *storage.BoltDB
	ledger *ledger.Service
	gw     *fakeGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.NewBoltDB(filepath.Join(t.TempDir(), "withdraw.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	gw := &fakeGateway{}
	svc := ledger.NewService(db, nil)
	return &testEnv{
		engine: NewEngine(Config{
			Store:       db,
			Ledger:      svc,
			Node:        gw,
			RequestURL:  "https://league.example.com/lnurl/withdraw",
			CallbackURL: "https://league.example.com/lnurl/withdraw/callback",
		}),
		store:  db,
		ledger: svc,
		gw:     gw,
	}
}

func (env *testEnv) user(t *testing.T, id string, balance int64) *storage.User {
	t.Helper()
	u := &storage.User{ID: id, Name: id, CreatedAt: time.Now()}
	if err := env.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if balance > 0 {
		if err := env.store.SetBalance(context.Background(), id, balance); err != nil {
			t.Fatalf("set balance: %v", err)
		}
	}
	return u
}

func TestCreateAndRequestParams(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", 0)

	w, lnurlStr, err := env.engine.Create(ctx, "alice", 500, "prize", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w.Status != storage.StatusPending || w.Debited {
		t.Fatalf("created state: %+v", w)
	}
	if !strings.HasPrefix(lnurlStr, "lnurl1") {
		t.Fatalf("lnurl: %s", lnurlStr)
	}

	params, err := env.engine.HandleWithdrawRequest(ctx, w.K1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if params.Tag != "withdrawRequest" || params.K1 != w.K1 {
		t.Fatalf("params: %+v", params)
	}
	if params.MinWithdrawable != 500_000 || params.MaxWithdrawable != 500_000 {
		t.Fatalf("amount bounds: %+v", params)
	}
	if params.DefaultDescription != "prize" {
		t.Fatalf("description: %q", params.DefaultDescription)
	}
	if params.Callback != "https://league.example.com/lnurl/withdraw/callback" {
		t.Fatalf("callback: %q", params.Callback)
	}
}

func TestCreateRejectsLowLiquidity(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "alice", 0)
	env.gw.balance = func(ctx context.Context) (*node.ChannelBalance, error) {
		return &node.ChannelBalance{AvailableSats: 100}, nil
	}
	if _, _, err := env.engine.Create(context.Background(), "alice", 500, "", 0); !errors.Is(err, node.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestCreateWithoutNode(t *testing.T) {
	env := newTestEnv(t)
	e := NewEngine(Config{Store: env.store, Ledger: env.ledger})
	if _, _, err := e.Create(context.Background(), "alice", 500, "", 0); !errors.Is(err, ErrNodeNotConfigured) {
		t.Fatalf("expected ErrNodeNotConfigured, got %v", err)
	}
}

func TestInitiateDebitsUpFront(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "bob", 1000)

	w, _, err := env.engine.Initiate(ctx, "bob", 400)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !w.Debited {
		t.Fatal("initiated withdrawal not marked debited")
	}
	if bal, _ := env.store.Balance(ctx, "bob"); bal != 600 {
		t.Fatalf("balance = %d, want 600", bal)
	}
}

func TestInitiateFullBalanceDefault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "bob", 750)

	w, _, err := env.engine.Initiate(ctx, "bob", 0)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if w.AmountSats != 750 {
		t.Fatalf("amount = %d, want full balance 750", w.AmountSats)
	}
	if bal, _ := env.store.Balance(ctx, "bob"); bal != 0 {
		t.Fatalf("balance = %d, want 0", bal)
	}
}

func TestInitiateBelowMinimum(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "bob", 1000)
	if _, _, err := env.engine.Initiate(context.Background(), "bob", 50); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
	if bal, _ := env.store.Balance(context.Background(), "bob"); bal != 1000 {
		t.Fatalf("balance touched by rejected initiate: %d", bal)
	}
}

func TestInitiateOverBalance(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "bob", 300)
	if _, _, err := env.engine.Initiate(context.Background(), "bob", 400); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestInitiateRefundsWhenCreateFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "bob", 1000)

	// The debit lands first; a liquidity failure during creation must
	// reverse it.
	env.gw.balance = func(ctx context.Context) (*node.ChannelBalance, error) {
		return &node.ChannelBalance{AvailableSats: 1}, nil
	}
	if _, _, err := env.engine.Initiate(ctx, "bob", 400); !errors.Is(err, node.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if bal, _ := env.store.Balance(ctx, "bob"); bal != 1000 {
		t.Fatalf("debit not refunded, balance = %d", bal)
	}
}

func TestCallbackPaysAndSettles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", 0)
	paid := make(chan *storage.Withdrawal, 1)
	env.engine.onPaid = func(w *storage.Withdrawal) { paid <- w }

	w, _, err := env.engine.Create(ctx, "alice", 500, "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.engine.HandleWithdrawCallback(ctx, w.K1, "lnbc500..."); err != nil {
		t.Fatalf("callback: %v", err)
	}

	got, err := env.engine.Withdrawal(ctx, w.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Status != storage.StatusPaid || got.PaymentHash != "cafe" || got.PaidAt.IsZero() {
		t.Fatalf("settled state: %+v", got)
	}

	select {
	case n := <-paid:
		if n.ID != w.ID || n.Status != storage.StatusPaid {
			t.Fatalf("paid notification: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("paid notification never fired")
	}

	// A replayed callback names the terminal status.
	var se *StatusError
	err = env.engine.HandleWithdrawCallback(ctx, w.K1, "lnbc500...")
	if !errors.As(err, &se) || se.Status != storage.StatusPaid {
		t.Fatalf("replay error: %v", err)
	}
}

func TestCallbackAmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", 0)
	env.gw.decode = func(ctx context.Context, bolt11 string) (*node.Invoice, error) {
		return &node.Invoice{PaymentHash: "cafe", AmountSats: 9999}, nil
	}

	w, _, err := env.engine.Create(ctx, "alice", 500, "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.engine.HandleWithdrawCallback(ctx, w.K1, "lnbc9999..."); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}

	// The mismatch is detected before the claim; the row stays claimable.
	got, _ := env.engine.Withdrawal(ctx, w.ID)
	if got.Status != storage.StatusPending {
		t.Fatalf("status after mismatch: %s", got.Status)
	}
}

func TestCallbackBadInvoice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", 0)
	env.gw.decode = func(ctx context.Context, bolt11 string) (*node.Invoice, error) {
		return nil, &node.NodeError{Op: "decode invoice", Err: errors.New("checksum failed")}
	}

	w, _, err := env.engine.Create(ctx, "alice", 500, "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.engine.HandleWithdrawCallback(ctx, w.K1, "garbage"); !errors.Is(err, ErrBadInvoice) {
		t.Fatalf("expected ErrBadInvoice, got %v", err)
	}
}

func TestCallbackStructuredFailureRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "bob", 1000)
	env.gw.pay = func(ctx context.Context, bolt11 string, expected int64) (*node.PaymentResult, error) {
		return &node.PaymentResult{Success: false, Error: "no route"}, nil
	}

	w, _, err := env.engine.Initiate(ctx, "bob", 400)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := env.engine.HandleWithdrawCallback(ctx, w.K1, "lnbc400..."); !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}

	got, _ := env.engine.Withdrawal(ctx, w.ID)
	if got.Status != storage.StatusFailed || got.FailureReason != "no route" {
		t.Fatalf("failed state: %+v", got)
	}
	if bal, _ := env.store.Balance(ctx, "bob"); bal != 1000 {
		t.Fatalf("refund balance = %d, want 1000", bal)
	}
}

func TestCallbackTransportFaultRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "bob", 1000)

	attempts := 0
	env.gw.pay = func(ctx context.Context, bolt11 string, expected int64) (*node.PaymentResult, error) {
		attempts++
		if attempts == 1 {
			return nil, &node.NodeError{Op: "pay invoice", Err: errors.New("connection reset")}
		}
		return &node.PaymentResult{Success: true, PaymentHash: "cafe"}, nil
	}

	w, _, err := env.engine.Initiate(ctx, "bob", 400)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := env.engine.HandleWithdrawCallback(ctx, w.K1, "lnbc400-a"); !errors.Is(err, ErrPaymentTransient) {
		t.Fatalf("expected ErrPaymentTransient, got %v", err)
	}

	// Rolled back: PENDING again, invoice cleared, nothing refunded.
	got, _ := env.engine.Withdrawal(ctx, w.ID)
	if got.Status != storage.StatusPending || got.Invoice != "" {
		t.Fatalf("rollback state: %+v", got)
	}
	if bal, _ := env.store.Balance(ctx, "bob"); bal != 600 {
		t.Fatalf("balance after rollback = %d, want 600", bal)
	}

	// The wallet retries with a fresh invoice and succeeds.
	if err := env.engine.HandleWithdrawCallback(ctx, w.K1, "lnbc400-b"); err != nil {
		t.Fatalf("retry callback: %v", err)
	}
	got, _ = env.engine.Withdrawal(ctx, w.ID)
	if got.Status != storage.StatusPaid {
		t.Fatalf("status after retry: %s", got.Status)
	}
}

// staleDebited plants a debited PENDING withdrawal whose deadline already
// passed, as if it had been initiated and then sat unclaimed.
func staleDebited(t *testing.T, env *testEnv, owner string, amount int64) *storage.Withdrawal {
	t.Helper()
	ctx := context.Background()
	if _, err := env.store.Debit(ctx, owner, amount); err != nil {
		t.Fatalf("debit: %v", err)
	}
	w := &storage.Withdrawal{
		ID:         "wd-stale-" + owner,
		K1:         strings.Repeat("ef", 32),
		OwnerID:    owner,
		AmountSats: amount,
		Status:     storage.StatusPending,
		Debited:    true,
		CreatedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt:  time.Now().Add(-time.Minute),
	}
	if err := env.store.PutWithdrawal(ctx, w); err != nil {
		t.Fatalf("put: %v", err)
	}
	return w
}

func TestLazyExpiryOnRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "bob", 1000)
	w := staleDebited(t, env, "bob", 400)

	if _, err := env.engine.HandleWithdrawRequest(ctx, w.K1); !errors.Is(err, storage.ErrWithdrawalExpired) {
		t.Fatalf("expected ErrWithdrawalExpired, got %v", err)
	}

	// The lazy expiry refunded the debit.
	got, _ := env.engine.Withdrawal(ctx, w.ID)
	if got.Status != storage.StatusExpired || !got.Refunded {
		t.Fatalf("expired state: %+v", got)
	}
	if bal, _ := env.store.Balance(ctx, "bob"); bal != 1000 {
		t.Fatalf("balance after expiry = %d, want 1000", bal)
	}
}

func TestCancelRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "bob", 1000)

	w, _, err := env.engine.Initiate(ctx, "bob", 400)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := env.engine.Cancel(ctx, w.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if bal, _ := env.store.Balance(ctx, "bob"); bal != 1000 {
		t.Fatalf("balance after cancel = %d, want 1000", bal)
	}
	// Cancel is PENDING-only.
	if err := env.engine.Cancel(ctx, w.ID); !errors.Is(err, storage.ErrWithdrawalNotPending) {
		t.Fatalf("expected ErrWithdrawalNotPending, got %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "bob", 1000)

	staleDebited(t, env, "bob", 400)

	n, err := env.engine.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned %d, want 1", n)
	}
	if bal, _ := env.store.Balance(ctx, "bob"); bal != 1000 {
		t.Fatalf("balance after sweep = %d, want 1000", bal)
	}
}

func TestUnknownK1(t *testing.T) {
	env := newTestEnv(t)
	k1 := strings.Repeat("00", 32)
	if _, err := env.engine.HandleWithdrawRequest(context.Background(), k1); !errors.Is(err, storage.ErrWithdrawalNotFound) {
		t.Fatalf("expected ErrWithdrawalNotFound, got %v", err)
	}
}
