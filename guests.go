package main

import (
	"github.com/spf13/cobra"
)

// newGuestsCmd groups guest-level maintenance operations.
func newGuestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guests",
		Short: "Guest-level maintenance",
	}

	cmd.AddCommand(newGuestsDeleteCmd())

	return cmd
}

func newGuestsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <event-id> <guest-id>",
		Short: "Delete a guest and push the trimmed event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.close()

			if err := sess.engine.DeleteGuest(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}

			statusf(flagQuiet, "Deleted guest %s from event %s.\n", args[1], args[0])

			return nil
		},
	}
}
