package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":4433" {
		t.Fatalf("ListenAddr = %q, want :4433", cfg.ListenAddr)
	}
	if cfg.MaxSessions != 1000 {
		t.Fatalf("MaxSessions = %d, want 1000", cfg.MaxSessions)
	}
	if cfg.DefaultCacheTTL != 30*time.Second {
		t.Fatalf("DefaultCacheTTL = %v, want 30s", cfg.DefaultCacheTTL)
	}
	if cfg.CacheCapacity != 100000 {
		t.Fatalf("CacheCapacity = %d, want 100000", cfg.CacheCapacity)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9999\"\nmax_sessions: 5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MOQRELAY_MAX_SESSIONS", "42")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("ListenAddr = %q, want :9999 from YAML", cfg.ListenAddr)
	}
	if cfg.MaxSessions != 42 {
		t.Fatalf("MaxSessions = %d, want 42 from env override", cfg.MaxSessions)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load("/nonexistent/relay.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"MOQRELAY_LISTEN_ADDR", "MOQRELAY_CERT_PATH", "MOQRELAY_KEY_PATH",
		"MOQRELAY_MAX_SESSIONS", "MOQRELAY_DEFAULT_CACHE_TTL", "MOQRELAY_CACHE_CAPACITY",
		"MOQRELAY_METRICS_ADDR", "MOQRELAY_JWT_PUBLIC_KEY_PATH", "DEBUG",
	} {
		if old, ok := os.LookupEnv(k); ok {
			os.Unsetenv(k)
			t.Cleanup(func() { os.Setenv(k, old) })
		}
	}
}
