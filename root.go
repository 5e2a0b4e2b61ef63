// Command guestsync is the maintenance CLI for the guest-record sync engine:
// one-shot pull/push, a status report, and a long-running watch mode that
// keeps the local store, the remote authority, and sibling instances
// converged.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/weddingflow/guestsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Config

// httpClientTimeout bounds each request to the authority so a hung
// connection cannot block a CLI command indefinitely.
const httpClientTimeout = 30 * time.Second

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "guestsync",
		Short:   "Guest-record sync client",
		Long:    "An offline-first sync and conflict-resolution client for event guest records.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it
		// ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Resolve(flagConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			resolvedCfg = cfg

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newPullCmd())
	cmd.AddCommand(newPushCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newGuestsCmd())
	cmd.AddCommand(newImportCmd())

	return cmd
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. The config file provides the baseline; --verbose and --quiet
// override it because CLI flags always win. Format "auto" picks text on a
// terminal and JSON when output is redirected.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	var out io.Writer = os.Stderr

	if resolvedCfg != nil {
		if l, err := config.ParseLogLevel(resolvedCfg.Logging.LogLevel); err == nil {
			level = l
		}

		if resolvedCfg.Logging.LogFormat != "" {
			format = resolvedCfg.Logging.LogFormat
		}

		if path := resolvedCfg.Logging.LogFile; path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cannot open log file %s: %v\n", path, err)
			} else {
				out = f
			}
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "auto" {
		if out == os.Stderr && (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) {
			format = "text"
		} else {
			format = "json"
		}
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}

	return slog.New(slog.NewTextHandler(out, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
