package main

import (
	"github.com/spf13/cobra"
)

// newPushCmd pushes full event snapshots to the authority. With no argument
// every cached event is pushed; with an event ID only that one.
func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push [event-id]",
		Short: "Push local guest records to the remote authority",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.close()

			if len(args) == 1 {
				if err := sess.engine.PushEvent(cmd.Context(), args[0]); err != nil {
					return err
				}

				statusf(flagQuiet, "Pushed event %s.\n", args[0])

				return nil
			}

			pushed := 0

			for _, ev := range sess.store.Events() {
				if err := sess.engine.PushEvent(cmd.Context(), ev.ID); err != nil {
					return err
				}

				pushed++
			}

			statusf(flagQuiet, "Pushed %d event(s).\n", pushed)

			return nil
		},
	}
}
