package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weddingflow/guestsync/internal/config"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests set
// globals AFTER newRootCmd() returns, or use cmd.SetArgs() + cmd.Execute()
// to let Cobra parse them.

func resetFlags(t *testing.T) {
	t.Helper()

	oldConfig, oldJSON, oldVerbose, oldQuiet, oldCfg := flagConfigPath, flagJSON, flagVerbose, flagQuiet, resolvedCfg

	t.Cleanup(func() {
		flagConfigPath = oldConfig
		flagJSON = oldJSON
		flagVerbose = oldVerbose
		flagQuiet = oldQuiet
		resolvedCfg = oldCfg
	})
}

func TestBuildLogger_Default(t *testing.T) {
	resetFlags(t)

	flagVerbose = false
	flagQuiet = false
	resolvedCfg = config.DefaultConfig()

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Verbose(t *testing.T) {
	resetFlags(t)

	flagVerbose = true
	resolvedCfg = config.DefaultConfig()

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Quiet(t *testing.T) {
	resetFlags(t)

	flagQuiet = true
	resolvedCfg = config.DefaultConfig()

	logger := buildLogger()

	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
}

func TestBuildLogger_QuietBeatsVerbose(t *testing.T) {
	resetFlags(t)

	flagVerbose = true
	flagQuiet = true
	resolvedCfg = config.DefaultConfig()

	logger := buildLogger()

	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"frobnicate"})

	err := cmd.Execute()
	require.Error(t, err)
}

func TestGuestsDeleteCmd_RequiresBothIDs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"guests", "delete", "ev-1"})

	err := cmd.Execute()
	require.Error(t, err)
}

func TestRootCmd_RejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\nretries = 99\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"status", "--config", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries")
}

func TestOpenSession_RequiresRemoteConfig(t *testing.T) {
	resetFlags(t)

	resolvedCfg = config.DefaultConfig()

	_, err := openSession(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")

	resolvedCfg.Remote.BaseURL = "https://api.example.com/v1"

	_, err = openSession(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner_id")
}

func TestOpenSession_WiresEngine(t *testing.T) {
	resetFlags(t)

	resolvedCfg = config.DefaultConfig()
	resolvedCfg.Remote.BaseURL = "https://api.example.com/v1"
	resolvedCfg.Remote.OwnerID = "owner-1"
	resolvedCfg.Remote.Token = "tok"
	resolvedCfg.Cache.Path = filepath.Join(t.TempDir(), "cache.db")

	sess, err := openSession(context.Background())
	require.NoError(t, err)

	defer sess.close()

	assert.NotNil(t, sess.engine)
	assert.Empty(t, sess.store.Events())
}
