package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stakeledger/cmd/internal/passphrase"
	ledgerconfig "stakeledger/config"
	"stakeledger/core/ledger"
	"stakeledger/crypto"
	"stakeledger/observability/logging"
	telemetry "stakeledger/observability/otel"
	"stakeledger/services/ledgerd"
	"stakeledger/services/ledgerd/config"
	"stakeledger/storage"
)

func main() {
	var (
		cfgPath     string
		keygenPath  string
		issueFor    string
		issueScopes string
		issueTTL    time.Duration
	)
	flag.StringVar(&cfgPath, "config", "services/ledgerd/config.yaml", "path to ledgerd config")
	flag.StringVar(&keygenPath, "keygen", "", "write a new governor keystore to this path and exit")
	flag.StringVar(&issueFor, "issue-token", "", "print a bearer token for this account and exit")
	flag.StringVar(&issueScopes, "scopes", ledgerd.ScopeWrite, "space separated scopes for -issue-token")
	flag.DurationVar(&issueTTL, "ttl", 24*time.Hour, "lifetime of the token printed by -issue-token")
	flag.Parse()

	if keygenPath != "" {
		if err := keygen(keygenPath); err != nil {
			log.Fatalf("keygen: %v", err)
		}
		return
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("STAKELEDGER_ENV"))
	logger := logging.Setup("ledgerd", env,
		logging.WithLevel(cfg.Log.Level),
		logging.WithFile(logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}))

	if issueFor != "" {
		if err := issueToken(cfg, logger, issueFor, issueScopes, issueTTL); err != nil {
			log.Fatalf("issue token: %v", err)
		}
		return
	}

	logger.Info("ledgerd starting", logging.Settings(
		"listen", cfg.ListenAddress,
		"ledger", cfg.LedgerPath,
		"data_dir", cfg.DataDir,
		"snapshot_interval", cfg.Snapshot.Interval.String(),
		"snapshot_retain", strconv.FormatUint(cfg.Snapshot.Retain, 10),
		"auth_enabled", strconv.FormatBool(cfg.Auth.Enabled()),
		"hmac_secret", cfg.Auth.HMACSecret,
		"issuer", cfg.Auth.Issuer,
		"audience", cfg.Auth.Audience,
		"rate_limit_per_min", strconv.FormatFloat(cfg.RateLimit.RequestsPerMinute, 'f', -1, 64),
		"log_level", cfg.Log.Level,
		"log_file", cfg.Log.File,
		"keystore", cfg.Governor.Keystore,
	))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("ledgerd", env))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ledgerCfg, err := ledgerconfig.LoadLedger(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("load ledger: %v", err)
	}
	stack, err := ledger.Build(ledgerCfg,
		ledger.WithLogger(logger),
		ledger.WithEmitter(ledgerd.NewEventSink(logger)))
	if err != nil {
		log.Fatalf("build ledger: %v", err)
	}
	if cfg.Governor.Keystore != "" {
		if err := verifyGovernor(cfg.Governor, stack.Governor); err != nil {
			log.Fatalf("governor keystore: %v", err)
		}
		logger.Info("governor key verified", slog.String("governor", stack.Governor.String()))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		log.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	store := storage.NewSnapshotStore(db, "ledger")
	restored, err := stack.Load(store)
	if err != nil {
		log.Fatalf("restore snapshot: %v", err)
	}
	if root, err := stack.StateRoot(); err == nil {
		logger.Info("ledger ready",
			slog.String("ledger", cfg.LedgerPath),
			slog.String("data_dir", cfg.DataDir),
			slog.Bool("restored", restored),
			slog.String("root", root.Hex()))
	}

	var auth *ledgerd.Authenticator
	if cfg.Auth.Enabled() {
		auth = ledgerd.NewAuthenticator(authConfig(cfg), logger)
	} else {
		logger.Warn("auth secret not configured; serving queries only")
	}
	server, err := ledgerd.New(ledgerd.Config{
		Stack: stack,
		Store: store,
		Auth:  auth,
		RateLimit: ledgerd.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Retain: cfg.Snapshot.Retain,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go server.RunSnapshots(ctx, cfg.Snapshot.Interval)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server.Handler(), "ledgerd"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ledgerd listening", slog.String("listen", cfg.ListenAddress))
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve http", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forcing server stop", slog.Any("error", err))
		_ = httpServer.Close()
	}
	if _, err := server.Snapshot(shutdownCtx); err != nil {
		log.Fatalf("final snapshot: %v", err)
	}
}

func authConfig(cfg config.Config) ledgerd.AuthConfig {
	return ledgerd.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew,
	}
}

func keygen(path string) error {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	pass, err := passphrase.NewSource("LEDGERD_GOVERNOR_PASSPHRASE", "governor keystore").Get()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		return err
	}
	fmt.Println(key.PubKey().Address().String())
	return nil
}

func verifyGovernor(cfg config.GovernorConfig, governor crypto.Address) error {
	pass, err := passphrase.NewSource(cfg.PassphraseEnv, "governor keystore").Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(cfg.Keystore, pass)
	if err != nil {
		return err
	}
	if addr := key.PubKey().Address(); !addr.Equal(governor) {
		return fmt.Errorf("keystore holds %s, ledger governor is %s", addr, governor)
	}
	return nil
}

func issueToken(cfg config.Config, logger *slog.Logger, account, scopes string, ttl time.Duration) error {
	if !cfg.Auth.Enabled() {
		return errors.New("auth.hmac_secret is not configured")
	}
	addr, err := ledgerconfig.DecodeAccount(strings.TrimSpace(account))
	if err != nil {
		return err
	}
	token, err := ledgerd.NewAuthenticator(authConfig(cfg), logger).IssueToken(addr, ttl, strings.Fields(scopes)...)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
