package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/weddingflow/guestsync/internal/broadcast"
)

// newWatchCmd runs the sync engine continuously: dispatching local edits,
// pulling on the configured interval, and exchanging state with sibling
// instances through the broadcast directory.
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the sync engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.close()

			ctx := shutdownContext(cmd.Context(), sess.logger)

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return sess.engine.Run(gctx)
			})

			if sess.cfg.Broadcast.Enabled {
				bc, err := broadcast.New(sess.store, sess.cfg.BroadcastDir(), sess.logger)
				if err != nil {
					return err
				}

				g.Go(func() error {
					return bc.Run(gctx)
				})
			}

			statusf(flagQuiet, "Watching. Press Ctrl-C to stop.\n")

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		},
	}
}
