package config

// Default values for configuration options: safe starting points that work
// without any config file.
const (
	defaultPullInterval = "30s"
	defaultPullDebounce = "5s"
	defaultRetries      = 3
	defaultRetryDelay   = "2s"
	defaultConcurrency  = 5
	defaultChunkSize    = 25
	defaultBatchWindow  = "1s"
	defaultBatchMaxSize = 10
	defaultDedupTTL     = "3s"
	defaultGraceWindow  = "5s"
	defaultLogLevel     = "info"
	defaultLogFormat    = "auto"
)

// DefaultConfig returns a Config populated with all default values. Used
// both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			PullInterval: defaultPullInterval,
			PullDebounce: defaultPullDebounce,
			Retries:      defaultRetries,
			RetryDelay:   defaultRetryDelay,
			Concurrency:  defaultConcurrency,
			ChunkSize:    defaultChunkSize,
		},
		Batch: BatchConfig{
			Window:   defaultBatchWindow,
			MaxSize:  defaultBatchMaxSize,
			DedupTTL: defaultDedupTTL,
		},
		Resolver: ResolverConfig{
			GraceWindow: defaultGraceWindow,
		},
		Broadcast: BroadcastConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
