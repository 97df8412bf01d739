package realtime

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("realtime", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8087" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.StoragePath != "realtime.db" {
		t.Fatalf("expected default db path, got %q", cfg.StoragePath)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("expected default shutdown timeout, got %v", cfg.ShutdownTimeout)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("STILLWATER_REALTIME_HTTP_ADDR", "env-addr")
	t.Setenv("STILLWATER_REALTIME_DB_PATH", "env-db")
	t.Setenv("STILLWATER_REALTIME_TOKEN_SECRET", "env-secret")

	fs := flag.NewFlagSet("realtime", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-addr",
		"-db-path", "flag-db",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-addr" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.StoragePath != "flag-db" {
		t.Fatalf("expected flag db path, got %q", cfg.StoragePath)
	}
	// Env value survives when no flag overrides it.
	if cfg.TokenSecret != "env-secret" {
		t.Fatalf("expected env token secret, got %q", cfg.TokenSecret)
	}
}
