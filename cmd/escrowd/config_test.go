package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/backoff"
	"github.com/xraph/escrow/engine"
	"github.com/xraph/escrow/store/memory"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrowd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	v, err := newViper("", nil)
	if err != nil {
		t.Fatalf("newViper: %v", err)
	}
	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	def := escrow.DefaultConfig()
	if cfg.HTTP.Addr != ":8080" || cfg.Store.Driver != driverMemory || cfg.Log.Format != "json" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Engine != def {
		t.Errorf("engine config = %+v, want %+v", cfg.Engine, def)
	}
	if cfg.Log.Level != slog.LevelInfo {
		t.Errorf("log level = %v", cfg.Log.Level)
	}
	if cfg.Redis.URL != "" || !cfg.Audit.Enabled {
		t.Errorf("redis/audit defaults: %+v / %+v", cfg.Redis, cfg.Audit)
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9090"
log:
  level: debug
  format: text
store:
  driver: postgres
  dsn: postgres://escrow@localhost/escrow
engine:
  lock_timeout: 5s
  max_conflict_retries: 2
api:
  rate_limit: 10
  rate_burst: 20
`)
	t.Setenv("ESCROW_HTTP_ADDR", ":7070")
	t.Setenv("ESCROW_ENGINE_SUBSCRIBER_BUFFER", "128")

	v, err := newViper(path, nil)
	if err != nil {
		t.Fatalf("newViper: %v", err)
	}
	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.HTTP.Addr != ":7070" {
		t.Errorf("env should override file: addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Log.Level != slog.LevelDebug || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Store.Driver != driverPostgres || cfg.Store.DSN == "" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Engine.LockTimeout != 5*time.Second || cfg.Engine.MaxConflictRetries != 2 || cfg.Engine.SubscriberBuffer != 128 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Limiter.RateLimit != 10 || cfg.Limiter.RateBurst != 20 {
		t.Errorf("limiter = %+v", cfg.Limiter)
	}
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	cmd := newServeCmd(new(string))
	if err := cmd.Flags().Parse([]string{"--addr", ":6060", "--log-level", "warn"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	t.Setenv("ESCROW_HTTP_ADDR", ":7070")

	v, err := newViper("", cmd.Flags())
	if err != nil {
		t.Fatalf("newViper: %v", err)
	}
	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HTTP.Addr != ":6060" || cfg.Log.Level != slog.LevelWarn {
		t.Errorf("flags should win: addr=%q level=%v", cfg.HTTP.Addr, cfg.Log.Level)
	}
	// Unset flags fall back to defaults.
	if cfg.Store.Driver != driverMemory {
		t.Errorf("store driver = %q", cfg.Store.Driver)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown driver", map[string]string{"ESCROW_STORE_DRIVER": "sqlite"}, "unknown store.driver"},
		{"missing dsn", map[string]string{"ESCROW_STORE_DRIVER": "mongo"}, "store.dsn is required"},
		{"bad level", map[string]string{"ESCROW_LOG_LEVEL": "loud"}, "log.level"},
		{"bad format", map[string]string{"ESCROW_LOG_FORMAT": "xml"}, "log.format"},
		{"zero buffer", map[string]string{"ESCROW_ENGINE_SUBSCRIBER_BUFFER": "0"}, "out of range"},
		{"negative retry interval", map[string]string{"ESCROW_ENGINE_RETRY_INTERVAL": "-1s"}, "engine.retry_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, val := range tt.env {
				t.Setenv(k, val)
			}
			v, err := newViper("", nil)
			if err != nil {
				t.Fatalf("newViper: %v", err)
			}
			if _, err := loadConfig(v); err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("loadConfig error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRetryStrategy(t *testing.T) {
	t.Setenv("ESCROW_ENGINE_RETRY_INTERVAL", "40ms")
	v, err := newViper("", nil)
	if err != nil {
		t.Fatalf("newViper: %v", err)
	}
	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	fixed, ok := retryStrategy(cfg.RetryInterval).(*backoff.Constant)
	if !ok {
		t.Fatalf("retryStrategy(%v) = %T, want *backoff.Constant", cfg.RetryInterval, retryStrategy(cfg.RetryInterval))
	}
	for attempt := 1; attempt <= 3; attempt++ {
		if d := fixed.Delay(attempt); d != 40*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want 40ms", attempt, d)
		}
	}

	if _, ok := retryStrategy(0).(*backoff.Constant); ok {
		t.Error("zero interval should keep the default strategy")
	}
}

func TestNewViper_MissingFile(t *testing.T) {
	if _, err := newViper(filepath.Join(t.TempDir(), "nope.yaml"), nil); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	cfg := daemonConfig{}
	cfg.Log.Format = "text"
	newLogger(cfg, &buf).Info("hello", slog.String("k", "v"))
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text handler output = %q", buf.String())
	}

	buf.Reset()
	cfg.Log.Format = "json"
	newLogger(cfg, &buf).Info("hello", slog.String("k", "v"))
	if !strings.Contains(buf.String(), `"k":"v"`) {
		t.Errorf("json handler output = %q", buf.String())
	}
}

func TestReloadHandler_UpdatesLockTimeout(t *testing.T) {
	path := writeConfig(t, "engine:\n  lock_timeout: 2s\n")
	v, err := newViper(path, nil)
	if err != nil {
		t.Fatalf("newViper: %v", err)
	}

	tr, err := escrow.New(escrow.WithStore(memory.New()), escrow.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("escrow.New: %v", err)
	}
	eng, err := engine.Build(tr)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	handler := reloadHandler(v, eng, tr.Logger())

	// Viper re-reads the file before invoking the handler.
	if err := os.WriteFile(path, []byte("engine:\n  lock_timeout: 750ms\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}
	handler(fsnotify.Event{Name: path, Op: fsnotify.Write})
	if got := eng.LockTimeout(); got != 750*time.Millisecond {
		t.Fatalf("LockTimeout = %v, want 750ms", got)
	}

	// Non-positive values are ignored.
	if err := os.WriteFile(path, []byte("engine:\n  lock_timeout: 0s\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	_ = v.ReadInConfig()
	handler(fsnotify.Event{Name: path, Op: fsnotify.Write})
	if got := eng.LockTimeout(); got != 750*time.Millisecond {
		t.Fatalf("LockTimeout = %v after zero reload, want 750ms", got)
	}
}

func TestOpenStore_Memory(t *testing.T) {
	cfg := daemonConfig{}
	cfg.Store.Driver = driverMemory
	s, err := openStore(context.Background(), cfg, slog.Default())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	cfg.Store.Driver = "sqlite"
	if _, err := openStore(context.Background(), cfg, slog.Default()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

// freeAddr returns a loopback address with a port that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func TestServe_HealthAndShutdown(t *testing.T) {
	addr := freeAddr(t)
	t.Setenv("ESCROW_HTTP_ADDR", addr)
	t.Setenv("ESCROW_AUDIT_ENABLED", "false")

	v, err := newViper("", nil)
	if err != nil {
		t.Fatalf("newViper: %v", err)
	}
	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, v, cfg, io.Discard) }()

	url := fmt.Sprintf("http://%s/health", addr)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url) //nolint:noctx // test helper
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
