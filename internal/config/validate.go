package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Validation range constants.
const (
	minRetries      = 1
	maxRetries      = 10
	minConcurrency  = 1
	maxConcurrency  = 32
	minChunkSize    = 1
	maxChunkSize    = 500
	minBatchMaxSize = 1
	maxBatchMaxSize = 1000
	minPullInterval = 5 * time.Second
	maxBatchWindow  = time.Minute
)

// Validate checks all configuration values and returns all errors found. It
// accumulates every error rather than stopping at the first, so users see a
// complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateBatch(&cfg.Batch)...)
	errs = append(errs, validateResolver(&cfg.Resolver)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if d, err := checkDuration("pull_interval", s.PullInterval); err != nil {
		errs = append(errs, err)
	} else if s.PullInterval != "" && d < minPullInterval {
		errs = append(errs, fmt.Errorf("pull_interval: must be at least %s, got %s", minPullInterval, d))
	}

	if _, err := checkDuration("pull_debounce", s.PullDebounce); err != nil {
		errs = append(errs, err)
	}

	if _, err := checkDuration("retry_delay", s.RetryDelay); err != nil {
		errs = append(errs, err)
	}

	if s.Retries < minRetries || s.Retries > maxRetries {
		errs = append(errs, fmt.Errorf("retries: must be %d-%d, got %d", minRetries, maxRetries, s.Retries))
	}

	if s.Concurrency < minConcurrency || s.Concurrency > maxConcurrency {
		errs = append(errs, fmt.Errorf("concurrency: must be %d-%d, got %d", minConcurrency, maxConcurrency, s.Concurrency))
	}

	if s.ChunkSize < minChunkSize || s.ChunkSize > maxChunkSize {
		errs = append(errs, fmt.Errorf("chunk_size: must be %d-%d, got %d", minChunkSize, maxChunkSize, s.ChunkSize))
	}

	return errs
}

func validateBatch(b *BatchConfig) []error {
	var errs []error

	if d, err := checkDuration("window", b.Window); err != nil {
		errs = append(errs, err)
	} else if d > maxBatchWindow {
		errs = append(errs, fmt.Errorf("window: must be at most %s, got %s", maxBatchWindow, d))
	}

	if _, err := checkDuration("dedup_ttl", b.DedupTTL); err != nil {
		errs = append(errs, err)
	}

	if b.MaxSize < minBatchMaxSize || b.MaxSize > maxBatchMaxSize {
		errs = append(errs, fmt.Errorf("max_size: must be %d-%d, got %d", minBatchMaxSize, maxBatchMaxSize, b.MaxSize))
	}

	return errs
}

func validateResolver(r *ResolverConfig) []error {
	var errs []error

	if _, err := checkDuration("grace_window", r.GraceWindow); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if _, err := ParseLogLevel(l.LogLevel); err != nil {
		errs = append(errs, err)
	}

	switch l.LogFormat {
	case "", "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: must be auto, text, or json, got %q", l.LogFormat))
	}

	return errs
}

// ParseLogLevel maps the config string to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level: must be debug, info, warn, or error, got %q", s)
	}
}

// checkDuration validates a duration string; empty means "use the default"
// and is accepted, negative values are not.
func checkDuration(key, val string) (time.Duration, error) {
	if val == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, val)
	}

	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative, got %s", key, d)
	}

	return d, nil
}
