package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/decred/slog"

	"github.com/lnleague/lnleague/node"
	"github.com/lnleague/lnleague/server"
)

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lnleague"
	}
	return filepath.Join(home, ".lnleague")
}

func realMain() error {
	var (
		dataDir      = flag.String("datadir", defaultDataDir(), "directory for the database")
		listen       = flag.String("listen", ":8550", "HTTP listen address")
		baseURL      = flag.String("baseurl", "", "public base URL wallets reach, e.g. https://ln.example.com")
		adminKey     = flag.String("adminkey", "", "bearer key for the admin endpoints")
		lndHost      = flag.String("lndhost", "", "lnd REST host, e.g. localhost:8080")
		macaroonPath = flag.String("macaroonpath", "", "path to an lnd macaroon with payment permissions")
		tlsCertPath  = flag.String("tlscertpath", "", "path to lnd's TLS certificate")
		tlsSkip      = flag.Bool("tlsskipverify", false, "skip TLS verification of the lnd endpoint")
		minWithdraw  = flag.Int64("minwithdraw", 0, "minimum user payout in sats (0 uses the default)")
		linkBonus    = flag.Int64("linkbonus", 0, "sats credited on first wallet link (0 uses the default, negative disables)")
		debugLevel   = flag.String("debuglevel", "info", "logging level: trace, debug, info, warn, error, critical")
	)
	flag.Parse()

	backend := slog.NewBackend(os.Stdout)
	log := backend.Logger("LNLG")
	lvl, ok := slog.LevelFromString(*debugLevel)
	if !ok {
		return fmt.Errorf("invalid debug level %q", *debugLevel)
	}
	log.SetLevel(lvl)

	if *baseURL == "" {
		return fmt.Errorf("-baseurl is required, wallets must be able to reach it")
	}
	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	cfg := server.Config{
		ServerDir:       *dataDir,
		ListenAddr:      *listen,
		BaseURL:         *baseURL,
		AdminKey:        *adminKey,
		MinWithdrawSats: *minWithdraw,
		LinkBonusSats:   *linkBonus,
		Log:             log,
	}
	if *lndHost != "" {
		cfg.NodeCfg = node.Config{
			Host:          *lndHost,
			MacaroonPath:  *macaroonPath,
			TLSCertPath:   *tlsCertPath,
			TLSSkipVerify: *tlsSkip,
			Timeout:       30 * time.Second,
		}
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("lnleagued listening on %s", *listen)
	return srv.Run(ctx)
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
