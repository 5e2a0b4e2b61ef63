package main

import (
	"github.com/spf13/cobra"
)

// newPullCmd fetches the authority's state and reconciles it into the local
// cache.
func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Fetch remote guest records and merge them locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.close()

			if err := sess.engine.Pull(cmd.Context(), true); err != nil {
				return err
			}

			statusf(flagQuiet, "Pulled %d event(s).\n", len(sess.store.Events()))

			return nil
		},
	}
}
