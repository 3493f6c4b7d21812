package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidahmann/tollgate/internal/config"
	"github.com/davidahmann/tollgate/internal/policy"
)

var testPolicyPath = filepath.Join("..", "..", "policies", "tollgate.yaml")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunDefaults(t *testing.T) {
	factory := func(cfg config.Config, _ *slog.Logger) (*gateway, error) {
		if cfg.ListenAddr != ":8080" {
			t.Fatalf("expected default addr, got %s", cfg.ListenAddr)
		}
		if cfg.PolicyPath != "policies/tollgate.yaml" {
			t.Fatalf("expected default policy path, got %s", cfg.PolicyPath)
		}
		if cfg.DB.Driver != "" {
			t.Fatalf("expected in-memory store, got %q", cfg.DB.Driver)
		}
		return &gateway{server: &http.Server{Addr: cfg.ListenAddr}}, nil
	}
	listen := func(context.Context, *http.Server) error { return http.ErrServerClosed }
	getenv := func(string) string { return "" }

	if err := run(context.Background(), nil, getenv, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunError(t *testing.T) {
	listenErr := errors.New("listen failed")
	listen := func(context.Context, *http.Server) error { return listenErr }
	factory := func(cfg config.Config, _ *slog.Logger) (*gateway, error) {
		return &gateway{server: &http.Server{Addr: cfg.ListenAddr}}, nil
	}
	getenv := func(key string) string {
		if key == "TOLLGATE_LISTEN_ADDR" {
			return "127.0.0.1:1234"
		}
		return ""
	}

	if err := run(context.Background(), nil, getenv, listen, factory); !errors.Is(err, listenErr) {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestRunFactoryError(t *testing.T) {
	factoryErr := errors.New("no policy")
	factory := func(config.Config, *slog.Logger) (*gateway, error) { return nil, factoryErr }
	listen := func(context.Context, *http.Server) error {
		t.Fatalf("listen must not be called")
		return nil
	}

	if err := run(context.Background(), nil, func(string) string { return "" }, listen, factory); !errors.Is(err, factoryErr) {
		t.Fatalf("expected factory error, got %v", err)
	}
}

func TestRunLoadsConfigFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tollgate.yaml")
	body := "listen_addr: \":9999\"\npolicy_path: \"./policies/tollgate.yaml\"\nlog:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	factory := func(cfg config.Config, _ *slog.Logger) (*gateway, error) {
		if cfg.ListenAddr != ":9999" {
			t.Fatalf("expected addr from config, got %s", cfg.ListenAddr)
		}
		if cfg.PolicyPath != "/etc/tollgate/policy.yaml" {
			t.Fatalf("expected policy path from env, got %s", cfg.PolicyPath)
		}
		if cfg.Log.Level != "debug" {
			t.Fatalf("expected log level from config, got %s", cfg.Log.Level)
		}
		return &gateway{server: &http.Server{Addr: cfg.ListenAddr}}, nil
	}
	listen := func(context.Context, *http.Server) error { return http.ErrServerClosed }
	getenv := func(key string) string {
		switch key {
		case "TOLLGATE_CONFIG_PATH":
			return path
		case "TOLLGATE_POLICY_PATH":
			return "/etc/tollgate/policy.yaml"
		}
		return ""
	}

	if err := run(context.Background(), nil, getenv, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunStartsAndStopsWorkers(t *testing.T) {
	stopped := make(chan struct{})
	factory := func(cfg config.Config, _ *slog.Logger) (*gateway, error) {
		return &gateway{
			server: &http.Server{Addr: cfg.ListenAddr},
			workers: []func(context.Context){func(ctx context.Context) {
				<-ctx.Done()
				close(stopped)
			}},
		}, nil
	}
	listen := func(context.Context, *http.Server) error { return http.ErrServerClosed }

	if err := run(context.Background(), nil, func(string) string { return "" }, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatalf("worker was not stopped before run returned")
	}
}

func TestRunRejectsBadLogFormat(t *testing.T) {
	getenv := func(key string) string {
		if key == "TOLLGATE_LOG_FORMAT" {
			return "xml"
		}
		return ""
	}
	factory := func(config.Config, *slog.Logger) (*gateway, error) {
		t.Fatalf("factory must not be called")
		return nil, nil
	}
	if err := run(context.Background(), nil, getenv, nil, factory); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output: %q", out)
	}

	if _, err := newLogger(config.LogConfig{Level: "loud"}, &buf); err == nil {
		t.Fatalf("expected level error")
	}
}

func TestNewGatewayServesAPI(t *testing.T) {
	cfg := config.Config{
		ListenAddr: "127.0.0.1:0",
		PolicyPath: testPolicyPath,
		Auth:       config.AuthConfig{DevToken: "dev-token"},
	}
	gw, err := newGateway(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	defer gw.close()

	if gw.server.Addr != cfg.ListenAddr || gw.server.Handler == nil {
		t.Fatalf("unexpected server: %+v", gw.server)
	}
	if len(gw.workers) != 2 {
		t.Fatalf("expected supervisor and notify workers, got %d", len(gw.workers))
	}

	rec := httptest.NewRecorder()
	gw.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/certifications", nil)
	req.Header.Set("Authorization", "Bearer dev-token")
	rec = httptest.NewRecorder()
	gw.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("certifications: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNewGatewayMissingPolicy(t *testing.T) {
	cfg := config.Config{ListenAddr: ":0", PolicyPath: filepath.Join(t.TempDir(), "missing.yaml")}
	if _, err := newGateway(cfg, discardLogger()); err == nil {
		t.Fatalf("expected policy error")
	}
}

func TestOpenStoreSQLiteRecordsPolicy(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "tollgate.db")
	store, closeStore, err := openStore(config.DBConfig{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closeStore()

	loaded, err := policy.LoadPolicy(testPolicyPath)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if err := recordPolicy(store, loaded); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := recordPolicy(store, loaded); err != nil {
		t.Fatalf("record again: %v", err)
	}
	got, ok := store.GetPolicyVersion(loaded.Hash)
	if !ok || got.PolicyID != loaded.Policy.PolicyID {
		t.Fatalf("policy version not stored: %+v", got)
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	if _, _, err := openStore(config.DBConfig{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBuildKeyring(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "hmac")
	if err := os.WriteFile(secretPath, []byte("hex:"+hex.EncodeToString(bytes.Repeat([]byte{0x42}, 32))), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	ring, err := buildKeyring(config.SigningKeyConfig{KeyID: "k1", HMACSecretPath: secretPath}, true, discardLogger())
	if err != nil {
		t.Fatalf("hmac keyring: %v", err)
	}
	if ring.KeyID() != "k1" {
		t.Fatalf("expected k1, got %s", ring.KeyID())
	}

	seedPath := filepath.Join(dir, "ed25519")
	if err := os.WriteFile(seedPath, []byte("hex:"+hex.EncodeToString(bytes.Repeat([]byte{0x07}, 32))), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	ring, err = buildKeyring(config.SigningKeyConfig{KeyID: "ed1", PrivateKeyPath: seedPath}, true, discardLogger())
	if err != nil {
		t.Fatalf("ed25519 keyring: %v", err)
	}
	if ring.PublicKey("ed1") == nil {
		t.Fatalf("expected ed25519 public key")
	}

	ring, err = buildKeyring(config.SigningKeyConfig{}, false, discardLogger())
	if err != nil {
		t.Fatalf("ephemeral keyring: %v", err)
	}
	if ring.KeyID() != devKeyID {
		t.Fatalf("expected %s, got %s", devKeyID, ring.KeyID())
	}

	if _, err := buildKeyring(config.SigningKeyConfig{}, true, discardLogger()); err == nil {
		t.Fatalf("expected error for persistent store without a key")
	}
}

func TestListenAndServeInvalidAddr(t *testing.T) {
	err := listenAndServe(context.Background(), &http.Server{Addr: "127.0.0.1"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestListenAndServeShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := listenAndServe(ctx, &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()})
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "a", "b"); got != "a" {
		t.Fatalf("expected a, got %s", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Fatalf("expected empty, got %s", got)
	}
}

func TestMainError(t *testing.T) {
	oldRun := runFn
	oldFatal := fatalf
	defer func() {
		runFn = oldRun
		fatalf = oldFatal
	}()

	runFn = func(context.Context, []string, envFn, listenFn, gatewayFactory) error {
		return errors.New("boom")
	}
	called := false
	fatalf = func(string, ...any) { called = true }

	main()
	if !called {
		t.Fatalf("expected fatal call")
	}
}
