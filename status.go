package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// statusReport is the JSON shape of the status command output.
type statusReport struct {
	Events        int               `json:"events"`
	QueuedUpdates int               `json:"queuedUpdates"`
	LastPullAt    string            `json:"lastPullAt,omitempty"`
	LastPullError string            `json:"lastPullError,omitempty"`
	GuestCounts   map[string]int    `json:"guestCounts"`
	CurrentEvent  string            `json:"currentEvent,omitempty"`
	EventNames    map[string]string `json:"-"`
}

// newStatusCmd reports cache contents and sync health without contacting the
// authority.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cached events and sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.close()

			st := sess.engine.Status()

			report := statusReport{
				Events:        st.Events,
				QueuedUpdates: st.QueuedUpdates,
				LastPullError: st.LastPullError,
				GuestCounts:   make(map[string]int),
				EventNames:    make(map[string]string),
				CurrentEvent:  sess.store.CurrentEventID(),
			}

			if st.LastPullAt != 0 {
				report.LastPullAt = time.Unix(0, st.LastPullAt).Format(time.RFC3339)
			}

			for _, ev := range sess.store.Events() {
				report.GuestCounts[ev.ID] = len(ev.Guests)
				report.EventNames[ev.ID] = ev.Name
			}

			if flagJSON {
				return json.NewEncoder(os.Stdout).Encode(report)
			}

			printStatus(report)

			return nil
		},
	}
}

func printStatus(report statusReport) {
	fmt.Printf("Events:         %d\n", report.Events)
	fmt.Printf("Queued updates: %d\n", report.QueuedUpdates)

	if report.LastPullAt != "" {
		fmt.Printf("Last pull:      %s\n", report.LastPullAt)
	}

	if report.LastPullError != "" {
		fmt.Printf("Last pull err:  %s\n", report.LastPullError)
	}

	if len(report.GuestCounts) == 0 {
		return
	}

	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT\tNAME\tGUESTS")

	for id, count := range report.GuestCounts {
		marker := ""
		if id == report.CurrentEvent {
			marker = " *"
		}

		fmt.Fprintf(w, "%s%s\t%s\t%d\n", id, marker, report.EventNames[id], count)
	}

	w.Flush()
}
