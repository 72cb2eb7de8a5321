// Package server wires the protocol engines behind the HTTP surface wallets
// and the league frontend talk to: the LNURL-auth endpoints, the LUD-03
// withdraw handshake, user withdrawal initiation and the admin surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/mux"

	"github.com/lnleague/lnleague/auth"
	"github.com/lnleague/lnleague/ledger"
	"github.com/lnleague/lnleague/node"
	"github.com/lnleague/lnleague/storage"
	"github.com/lnleague/lnleague/withdraw"
)

const (
	name    = "lnleagued"
	version = "v0.1.0"

	// sessionTTL bounds how long a login session stays valid.
	sessionTTL = 24 * time.Hour
	// challengeRetention keeps verified challenges pollable after expiry
	// before the sweep deletes them.
	challengeRetention = time.Hour
	sweepInterval      = 10 * time.Minute
)

type Config struct {
	// ServerDir holds the bolt database.
	ServerDir string
	// ListenAddr is the HTTP bind address, e.g. ":8090".
	ListenAddr string
	// BaseURL is the externally reachable root used to build the callback
	// URLs embedded in LNURLs, e.g. "https://league.example.com".
	BaseURL string
	// AdminKey guards the /admin endpoints as a bearer token.
	AdminKey string

	ChallengeTTL    time.Duration
	WithdrawalTTL   time.Duration
	MinWithdrawSats int64
	LinkBonusSats   int64

	// Node is the Lightning node gateway. Leave nil to construct one from
	// NodeCfg; tests inject fakes here.
	Node    node.Gateway
	NodeCfg node.Config

	// OnWithdrawalPaid is invoked best-effort when a payout settles.
	OnWithdrawalPaid func(w *storage.Withdrawal)

	Log slog.Logger
}

type Server struct {
	cfg        Config
	log        slog.Logger
	db         *storage.BoltDB
	ledger     *ledger.Service
	auth       *auth.Engine
	resolver   *auth.Resolver
	withdraw   *withdraw.Engine
	node       node.Gateway
	httpServer *http.Server

	sessions *sessionStore

	// loginResults caches the outcome of the first verified poll per
	// challenge so that repeated polls observe identical token/isNew/bonus
	// values.
	loginMu      sync.Mutex
	loginResults map[string]*loginResult

	// nodeStatus caches VerifyConnection briefly so the stats endpoint
	// cannot hammer the node.
	statusMu      sync.Mutex
	statusCached  *node.Status
	statusFetched time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("log is nil")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL not configured")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	dbPath := filepath.Join(cfg.ServerDir, "lnleague.db")
	db, err := storage.NewBoltDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	gw := cfg.Node
	if gw == nil && cfg.NodeCfg.Host != "" {
		nodeCfg := cfg.NodeCfg
		nodeCfg.Log = cfg.Log
		gw, err = node.NewRestClient(nodeCfg)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create node gateway: %w", err)
		}
		cfg.Log.Infof("Node gateway configured for %s", cfg.NodeCfg.Host)
	} else if gw == nil {
		cfg.Log.Warnf("No Lightning node configured; withdrawals will be rejected")
	}

	ledgerSvc := ledger.NewService(db, cfg.Log)

	authEngine := auth.NewEngine(auth.Config{
		Store:       db,
		CallbackURL: base + "/auth/callback",
		TTL:         cfg.ChallengeTTL,
		Log:         cfg.Log,
	})
	if !authEngine.ValidCallback() {
		db.Close()
		return nil, fmt.Errorf("base URL %q does not form an absolute callback", cfg.BaseURL)
	}

	bonus := cfg.LinkBonusSats
	if bonus == 0 {
		bonus = auth.DefaultLinkBonusSats
	}
	resolver := auth.NewResolver(auth.ResolverConfig{
		Users:     db,
		Ledger:    ledgerSvc,
		BonusSats: bonus,
		Log:       cfg.Log,
	})

	withdrawEngine := withdraw.NewEngine(withdraw.Config{
		Store:           db,
		Ledger:          ledgerSvc,
		Node:            gw,
		RequestURL:      base + "/lnurl/withdraw",
		CallbackURL:     base + "/lnurl/withdraw/callback",
		TTL:             cfg.WithdrawalTTL,
		MinWithdrawSats: cfg.MinWithdrawSats,
		OnPaid:          cfg.OnWithdrawalPaid,
		Log:             cfg.Log,
	})

	s := &Server{
		cfg:          cfg,
		log:          cfg.Log,
		db:           db,
		ledger:       ledgerSvc,
		auth:         authEngine,
		resolver:     resolver,
		withdraw:     withdrawEngine,
		node:         gw,
		sessions:     newSessionStore(sessionTTL),
		loginResults: make(map[string]*loginResult),
	}
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.router(),
	}
	return s, nil
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	// Wallet-facing LNURL endpoints. These always answer 200 with the
	// {status:"OK"}/{status:"ERROR"} shape; wallets parse nothing else.
	r.HandleFunc("/auth/callback", s.handleAuthCallback).Methods(http.MethodGet)
	r.HandleFunc("/lnurl/withdraw", s.handleWithdrawRequest).Methods(http.MethodGet)
	r.HandleFunc("/lnurl/withdraw/callback", s.handleWithdrawCallback).Methods(http.MethodGet)

	// Frontend endpoints.
	r.HandleFunc("/auth/challenge", s.handleCreateChallenge).Methods(http.MethodPost)
	r.HandleFunc("/auth/status/{k1}", s.handleAuthStatus).Methods(http.MethodGet)
	r.HandleFunc("/auth/link", s.handleLink).Methods(http.MethodPost)
	r.HandleFunc("/auth/session", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/withdraw", s.handleInitiateWithdraw).Methods(http.MethodPost)

	// Admin surface.
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/withdrawals", s.handleAdminCreateWithdrawal).Methods(http.MethodPost)
	admin.HandleFunc("/withdrawals/{id}", s.handleAdminGetWithdrawal).Methods(http.MethodGet)
	admin.HandleFunc("/withdrawals/{id}/cancel", s.handleAdminCancelWithdrawal).Methods(http.MethodPost)
	admin.HandleFunc("/credit", s.handleAdminCredit).Methods(http.MethodPost)
	admin.HandleFunc("/stats", s.handleAdminStats).Methods(http.MethodGet)

	return r
}

// Run serves HTTP and the periodic sweeps until ctx is cancelled, then shuts
// down. Sweeps are hygiene only; expiry stays lazy at access time.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("%s %s listening on %s", name, version, s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return err

		case <-ticker.C:
			s.sweep(ctx)

		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.Shutdown(shutdownCtx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	if n, err := s.withdraw.CleanupExpired(ctx); err != nil {
		s.log.Errorf("Withdrawal cleanup failed: %v", err)
	} else if n > 0 {
		s.log.Infof("Expired %d withdrawals", n)
	}
	if _, err := s.auth.SweepExpired(ctx, challengeRetention); err != nil {
		s.log.Errorf("Challenge sweep failed: %v", err)
	}
	s.sessions.prune(time.Now())

	s.loginMu.Lock()
	for k1, lr := range s.loginResults {
		if time.Now().After(lr.staleAt) {
			delete(s.loginResults, k1)
		}
	}
	s.loginMu.Unlock()
}

// Shutdown stops the HTTP server and closes the database.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Errorf("Error shutting down HTTP server: %v", err)
	}
	s.log.Info("Closing database...")
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing database: %v", err)
	}
	s.log.Info("Server shut down completed.")
	return nil
}

// nodeStatus returns a briefly cached connectivity probe.
func (s *Server) nodeStatus(ctx context.Context) *node.Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if s.statusCached != nil && time.Since(s.statusFetched) < 30*time.Second {
		return s.statusCached
	}
	if s.node == nil {
		return &node.Status{Connected: false, Error: "node not configured"}
	}
	st, err := s.node.VerifyConnection(ctx)
	if err != nil {
		st = &node.Status{Connected: false, Error: err.Error()}
	}
	s.statusCached = st
	s.statusFetched = time.Now()
	return st
}
