// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for guestsync. Defaults apply first,
// the config file overrides them, and environment variables override the
// file — CLI flags are applied last by the command layer.
package config

import (
	"time"

	"github.com/weddingflow/guestsync/internal/batch"
	"github.com/weddingflow/guestsync/internal/engine"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Remote    RemoteConfig    `toml:"remote"`
	Sync      SyncConfig      `toml:"sync"`
	Batch     BatchConfig     `toml:"batch"`
	Resolver  ResolverConfig  `toml:"resolver"`
	Broadcast BroadcastConfig `toml:"broadcast"`
	Logging   LoggingConfig   `toml:"logging"`
	Cache     CacheConfig     `toml:"cache"`
}

// RemoteConfig identifies the remote authority and the account to sync.
type RemoteConfig struct {
	BaseURL string `toml:"base_url"`
	OwnerID string `toml:"owner_id"`
	Token   string `toml:"token"` // static bearer token; empty means OAuth device flow
}

// SyncConfig controls the pull/push cadence and retry policy. Durations are
// strings ("30s", "5m") parsed during validation.
type SyncConfig struct {
	PullInterval string `toml:"pull_interval"`
	PullDebounce string `toml:"pull_debounce"`
	Retries      int    `toml:"retries"`
	RetryDelay   string `toml:"retry_delay"`
	Concurrency  int    `toml:"concurrency"`
	ChunkSize    int    `toml:"chunk_size"`
}

// BatchConfig controls local edit coalescing before dispatch.
type BatchConfig struct {
	Window   string `toml:"window"`
	MaxSize  int    `toml:"max_size"`
	DedupTTL string `toml:"dedup_ttl"`
}

// ResolverConfig tunes conflict resolution.
type ResolverConfig struct {
	// GraceWindow is how much newer a bulk snapshot's timestamp must be
	// before it overrides a protected manual or guest-submitted value.
	GraceWindow string `toml:"grace_window"`
}

// BroadcastConfig controls cross-instance state sharing on this machine.
type BroadcastConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"` // empty means <data dir>/broadcast
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"` // "auto", "text", or "json"
}

// CacheConfig locates the durable local cache.
type CacheConfig struct {
	Path string `toml:"path"` // empty means <data dir>/cache.db
}

// EngineConfig converts the validated string durations into the engine's
// tunables. Call only after Validate has accepted the config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		PullInterval: mustDuration(c.Sync.PullInterval),
		PullDebounce: mustDuration(c.Sync.PullDebounce),
		Batch: batch.Config{
			Window:   mustDuration(c.Batch.Window),
			MaxSize:  c.Batch.MaxSize,
			DedupTTL: mustDuration(c.Batch.DedupTTL),
		},
		Dispatch: engine.DispatchConfig{
			Retries:     c.Sync.Retries,
			RetryDelay:  mustDuration(c.Sync.RetryDelay),
			Concurrency: c.Sync.Concurrency,
			ChunkSize:   c.Sync.ChunkSize,
		},
	}
}

// GraceWindow returns the resolver grace window as a duration.
func (c *Config) GraceWindow() time.Duration {
	return mustDuration(c.Resolver.GraceWindow)
}

// mustDuration parses a duration already checked by Validate; a zero value
// falls through to the component defaults.
func mustDuration(s string) time.Duration {
	if s == "" {
		return 0
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
