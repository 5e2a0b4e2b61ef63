package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// newEventsCmd lists cached events, with delete/restore subcommands for the
// soft-delete lifecycle.
func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List cached events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.close()

			events := sess.store.Events()

			if flagJSON {
				return json.NewEncoder(os.Stdout).Encode(events)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDATE\tGUESTS")

			for _, ev := range events {
				date := ""
				if ev.Date != 0 {
					date = time.Unix(0, ev.Date).Format("2006-01-02")
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", ev.ID, ev.Name, date, len(ev.Guests))
			}

			return w.Flush()
		},
	}

	cmd.AddCommand(newEventsDeleteCmd())
	cmd.AddCommand(newEventsRestoreCmd())

	return cmd
}

func newEventsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <event-id>",
		Short: "Soft-delete an event locally and on the authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.close()

			if err := sess.engine.DeleteEvent(cmd.Context(), args[0]); err != nil {
				return err
			}

			statusf(flagQuiet, "Deleted event %s.\n", args[0])

			return nil
		},
	}
}

func newEventsRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <event-id>",
		Short: "Restore a soft-deleted event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.close()

			if err := sess.engine.RestoreEvent(cmd.Context(), args[0]); err != nil {
				return err
			}

			statusf(flagQuiet, "Restored event %s.\n", args[0])

			return nil
		},
	}
}
