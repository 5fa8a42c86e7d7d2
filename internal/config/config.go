// Package config loads an optional environment-variable tuning overlay for
// Wax. Wax is an embedded library, not a server: every field here has a
// working default, and nothing in the engine requires Load to ever be
// called — hosts that want env-driven tuning opt in explicitly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds optional operational tuning knobs, loaded from the
// environment on top of Wax's compiled-in defaults.
type Config struct {
	LogLevel string // "debug", "info", "warn", "error"

	WALFsyncPolicy string // "onCommit" or "perRecord"

	MaxFooterScanBytes  int
	MaxEmbeddingDims    int
	IngestConcurrency   int
	IngestBatchSize     int
	EmbeddingCacheCap   int
	CommitFlushInterval time.Duration

	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
}

// Load reads configuration from environment variables with sensible
// defaults, first loading a ".env" file in the working directory if one is
// present (non-fatal if absent, mirroring godotenv's own convention).
// Returns an error only when a set variable is malformed or validation
// fails; missing variables always fall back to defaults.
func Load() (Config, error) {
	_ = godotenv.Load() // optional dev-time overlay; ignored if the file is absent

	var errs []error
	cfg := Config{
		LogLevel:       envStr("WAX_LOG_LEVEL", "info"),
		WALFsyncPolicy: envStr("WAX_WAL_FSYNC_POLICY", "onCommit"),
		OTELEndpoint:   envStr("WAX_OTEL_ENDPOINT", ""),
		ServiceName:    envStr("WAX_OTEL_SERVICE_NAME", "wax"),
	}

	cfg.MaxFooterScanBytes, errs = collectInt(errs, "WAX_MAX_FOOTER_SCAN_BYTES", 1<<20)
	cfg.MaxEmbeddingDims, errs = collectInt(errs, "WAX_MAX_EMBEDDING_DIMENSIONS", 4096)
	cfg.IngestConcurrency, errs = collectInt(errs, "WAX_INGEST_CONCURRENCY", 4)
	cfg.IngestBatchSize, errs = collectInt(errs, "WAX_INGEST_BATCH_SIZE", 32)
	cfg.EmbeddingCacheCap, errs = collectInt(errs, "WAX_EMBEDDING_CACHE_CAPACITY", 0)
	cfg.CommitFlushInterval, errs = collectDuration(errs, "WAX_COMMIT_FLUSH_INTERVAL", 0)
	cfg.OTELInsecure, errs = collectBool(errs, "WAX_OTEL_INSECURE", false)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: invalid environment variables: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the loaded configuration is internally sane.
func (c Config) Validate() error {
	var errs []error
	if c.WALFsyncPolicy != "onCommit" && c.WALFsyncPolicy != "perRecord" {
		errs = append(errs, fmt.Errorf("config: WAX_WAL_FSYNC_POLICY must be onCommit or perRecord, got %q", c.WALFsyncPolicy))
	}
	if c.MaxFooterScanBytes <= 0 {
		errs = append(errs, errors.New("config: WAX_MAX_FOOTER_SCAN_BYTES must be positive"))
	}
	if c.MaxEmbeddingDims <= 0 {
		errs = append(errs, errors.New("config: WAX_MAX_EMBEDDING_DIMENSIONS must be positive"))
	}
	if c.IngestConcurrency < 1 {
		errs = append(errs, errors.New("config: WAX_INGEST_CONCURRENCY must be at least 1"))
	}
	if c.IngestBatchSize < 1 {
		errs = append(errs, errors.New("config: WAX_INGEST_BATCH_SIZE must be at least 1"))
	}
	if c.EmbeddingCacheCap < 0 {
		errs = append(errs, errors.New("config: WAX_EMBEDDING_CACHE_CAPACITY must be non-negative"))
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v, err := envBool(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v, err := envDuration(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}
