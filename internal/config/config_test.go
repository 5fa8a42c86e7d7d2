package config

import "testing"

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WALFsyncPolicy != "onCommit" {
		t.Fatalf("expected default onCommit, got %q", cfg.WALFsyncPolicy)
	}
	if cfg.IngestConcurrency != 4 {
		t.Fatalf("expected default concurrency 4, got %d", cfg.IngestConcurrency)
	}
}

func TestLoadRejectsUnknownFsyncPolicy(t *testing.T) {
	t.Setenv("WAX_WAL_FSYNC_POLICY", "sometimes")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for unknown fsync policy, got nil")
	}
}

func TestLoadRejectsNonPositiveConcurrency(t *testing.T) {
	t.Setenv("WAX_INGEST_CONCURRENCY", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for zero ingest concurrency, got nil")
	}
}
