// Command tollgate-gateway serves the tollgate HTTP API and runs the
// supervisor and notification workers beside it.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/davidahmann/tollgate/internal/api"
	"github.com/davidahmann/tollgate/internal/auth"
	"github.com/davidahmann/tollgate/internal/certification"
	"github.com/davidahmann/tollgate/internal/config"
	"github.com/davidahmann/tollgate/internal/crypto"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/internal/ledger/pgstore"
	"github.com/davidahmann/tollgate/internal/ledger/sqlstore"
	"github.com/davidahmann/tollgate/internal/notify"
	"github.com/davidahmann/tollgate/internal/permit"
	"github.com/davidahmann/tollgate/internal/policy"
	"github.com/davidahmann/tollgate/internal/quorum"
	"github.com/davidahmann/tollgate/internal/supervisor"
)

const (
	defaultListenAddr = ":8080"
	defaultPolicyPath = "policies/tollgate.yaml"
	devKeyID          = "dev-hmac"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runFn(ctx, os.Args[1:], os.Getenv, listenAndServe, newGateway); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

type envFn func(string) string
type listenFn func(context.Context, *http.Server) error
type gatewayFactory func(config.Config, *slog.Logger) (*gateway, error)

// gateway is the assembled process: the HTTP server, the background loops
// to run beside it, and what to release on exit.
type gateway struct {
	server  *http.Server
	workers []func(context.Context)
	closers []func()
}

func (g *gateway) close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
}

func run(ctx context.Context, args []string, getenv envFn, listen listenFn, factory gatewayFactory) error {
	fs := flag.NewFlagSet("tollgate-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to tollgate config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := firstNonEmpty(*configPath, getenv("TOLLGATE_CONFIG_PATH"))
	var cfg config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	applyEnv(&cfg, getenv)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	gw, err := factory(cfg, logger)
	if err != nil {
		return err
	}
	defer gw.close()

	workCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, work := range gw.workers {
		wg.Add(1)
		go func(work func(context.Context)) {
			defer wg.Done()
			work(workCtx)
		}(work)
	}

	logger.Info("tollgate-gateway listening", "addr", gw.server.Addr)
	err = listen(ctx, gw.server)
	cancel()
	wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// applyEnv layers TOLLGATE_* overrides onto the file config.
func applyEnv(cfg *config.Config, getenv envFn) {
	cfg.ListenAddr = firstNonEmpty(getenv("TOLLGATE_LISTEN_ADDR"), cfg.ListenAddr, defaultListenAddr)
	cfg.PolicyPath = firstNonEmpty(getenv("TOLLGATE_POLICY_PATH"), cfg.PolicyPath, defaultPolicyPath)
	cfg.DB.Driver = firstNonEmpty(getenv("TOLLGATE_DB_DRIVER"), cfg.DB.Driver)
	cfg.DB.DSN = firstNonEmpty(getenv("TOLLGATE_DB_DSN"), cfg.DB.DSN)
	cfg.Auth.DevToken = firstNonEmpty(getenv("TOLLGATE_DEV_TOKEN"), cfg.Auth.DevToken)
	cfg.Auth.JWTSecret = firstNonEmpty(getenv("TOLLGATE_JWT_SECRET"), cfg.Auth.JWTSecret)
	cfg.Auth.JWTIssuer = firstNonEmpty(getenv("TOLLGATE_JWT_ISSUER"), cfg.Auth.JWTIssuer)
	cfg.Notify.WebhookURL = firstNonEmpty(getenv("TOLLGATE_WEBHOOK_URL"), cfg.Notify.WebhookURL)
	cfg.Log.Level = firstNonEmpty(getenv("TOLLGATE_LOG_LEVEL"), cfg.Log.Level, "info")
	cfg.Log.Format = firstNonEmpty(getenv("TOLLGATE_LOG_FORMAT"), cfg.Log.Format, "text")
}

func newLogger(c config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(firstNonEmpty(c.Level, "info"))); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format must be text or json, got %q", c.Format)
	}
}

func newGateway(cfg config.Config, logger *slog.Logger) (*gateway, error) {
	gw := &gateway{}
	ok := false
	defer func() {
		if !ok {
			gw.close()
		}
	}()

	loaded, err := policy.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	ring, err := buildKeyring(cfg.SigningKey, cfg.DB.Driver != "", logger)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(cfg.DB)
	if err != nil {
		return nil, err
	}
	gw.closers = append(gw.closers, closeStore)
	if err := recordPolicy(store, loaded); err != nil {
		return nil, err
	}

	l, err := ledger.Open(store, ring, ledger.Options{
		AppendTimeout: cfg.Ledger.AppendTimeout,
		BatchSize:     cfg.Ledger.BatchSize,
		QueueDepth:    cfg.Ledger.QueueDepth,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	gw.closers = append(gw.closers, l.Close)

	registry := certification.NewRegistry(l, loaded.Policy.Certification, certification.Options{Logger: logger})
	engine := quorum.NewEngine(l, quorum.Options{Logger: logger})
	gw.closers = append(gw.closers, engine.Close)

	outbox := notify.NewOutbox(store, nil, logger)
	permits := permit.NewService(l, loaded, registry, engine, permit.Options{
		Notifier: outbox,
		Logger:   logger,
	})
	sup := supervisor.New(permits, engine, supervisor.Options{
		Interval: cfg.Supervisor.TickInterval,
		Logger:   logger,
	})

	var notifier notify.Notifier = notify.LogNotifier{Logger: logger.With("component", "notify")}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL)
	}
	gw.workers = append(gw.workers,
		sup.Run,
		func(ctx context.Context) {
			notify.RunWorker(ctx, store, notifier, cfg.Notify.PollInterval, logger.With("component", "notify"))
		},
	)

	if cfg.Auth.DevToken == "" && cfg.Auth.JWTSecret == "" {
		logger.Warn("no dev token or JWT secret configured; every API call will be rejected")
	}
	h := &api.Handler{
		Auth:     auth.NewAuthenticator(cfg.Auth.DevToken, cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer),
		Permits:  permits,
		Registry: registry,
		Ledger:   l,
		Policy:   loaded,
		Logger:   logger.With("component", "api"),
		Judge:    supervisor.Judge,
	}
	gw.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ok = true
	return gw, nil
}

// openStore picks the ledger backend. With no driver the ledger lives in
// memory and is lost on exit.
func openStore(db config.DBConfig) (ledger.Store, func(), error) {
	switch db.Driver {
	case "":
		return ledger.NewInMemoryStore(), func() {}, nil
	case "sqlite":
		st, err := sqlstore.OpenSQLite(db.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := ledger.Migrate(st.DB(), ledger.DBSQLite); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	case "postgres":
		st, err := pgstore.OpenPostgres(db.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := ledger.Migrate(st.DB(), ledger.DBPostgres); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", db.Driver)
	}
}

// recordPolicy stores the active policy text under its hash so assessments
// stamped with that hash can be traced back to the exact rules.
func recordPolicy(store ledger.Store, loaded policy.LoadedPolicy) error {
	if _, ok := store.GetPolicyVersion(loaded.Hash); ok {
		return nil
	}
	err := store.PutPolicyVersion(ledger.PolicyVersionRecord{
		PolicyHash:    loaded.Hash,
		PolicyID:      loaded.Policy.PolicyID,
		PolicyVersion: loaded.Policy.PolicyVersion,
		PolicyYAML:    string(loaded.Bytes),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("record policy: %w", err)
	}
	return nil
}

// buildKeyring loads the configured signing key. Without one, an
// in-memory ledger gets a throwaway HMAC key; a persistent ledger refuses
// to start, since entries signed with a throwaway key cannot be verified
// after a restart.
func buildKeyring(c config.SigningKeyConfig, persistent bool, logger *slog.Logger) (*crypto.Keyring, error) {
	ring := crypto.NewKeyring()
	switch {
	case c.PrivateKeyPath != "":
		priv, err := crypto.LoadEd25519PrivateKey(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		ring.AddEd25519(c.KeyID, priv)
	case c.HMACSecretPath != "":
		secret, err := crypto.LoadSecret(c.HMACSecretPath)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		if err := ring.AddHMAC(c.KeyID, secret); err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
	case persistent:
		return nil, fmt.Errorf("signing_key is required with a persistent db driver")
	default:
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		if err := ring.AddHMAC(devKeyID, secret); err != nil {
			return nil, err
		}
		logger.Warn("no signing key configured; using an ephemeral HMAC key", "key_id", devKeyID)
	}
	return ring, nil
}

// listenAndServe serves until ctx is cancelled, then drains in-flight
// requests.
func listenAndServe(ctx context.Context, server *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
