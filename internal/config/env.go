package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "GUESTSYNC_CONFIG"
	EnvBaseURL = "GUESTSYNC_BASE_URL"
	EnvOwnerID = "GUESTSYNC_OWNER_ID"
	EnvToken   = "GUESTSYNC_TOKEN"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // GUESTSYNC_CONFIG: override config file path
	BaseURL    string // GUESTSYNC_BASE_URL: remote authority base URL
	OwnerID    string // GUESTSYNC_OWNER_ID: account to sync
	Token      string // GUESTSYNC_TOKEN: static bearer token
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		BaseURL:    os.Getenv(EnvBaseURL),
		OwnerID:    os.Getenv(EnvOwnerID),
		Token:      os.Getenv(EnvToken),
	}
}

// Apply writes the non-empty overrides into cfg.
func (e EnvOverrides) Apply(cfg *Config) {
	if e.BaseURL != "" {
		cfg.Remote.BaseURL = e.BaseURL
	}

	if e.OwnerID != "" {
		cfg.Remote.OwnerID = e.OwnerID
	}

	if e.Token != "" {
		cfg.Remote.Token = e.Token
	}
}
