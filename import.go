package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weddingflow/guestsync/internal/model"
)

// newImportCmd bulk-imports guests from a CSV file into an event, then
// pushes the full event snapshot (the heavy-edit path).
func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <event-id> <csv-file>",
		Short: "Import guests from a CSV file into an event",
		Long: `Import guests from a CSV file into an event.

The file must have a header row; recognized columns are first_name,
last_name, phone, rsvp_status, guest_count, table_id and notes. Rows
matching an existing guest by phone number are merged through conflict
resolution; the rest are added.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID, path := args[0], args[1]

			rows, err := readGuestCSV(path)
			if err != nil {
				return err
			}

			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.close()

			added, merged, err := sess.store.ImportGuests(cmd.Context(), eventID, rows, model.SourceManual)
			if err != nil {
				return err
			}

			if err := sess.engine.PushEvent(cmd.Context(), eventID); err != nil {
				return fmt.Errorf("import applied locally but push failed: %w", err)
			}

			statusf(flagQuiet, "Imported %d new and merged %d existing guest(s).\n", added, merged)

			return nil
		},
	}
}

// readGuestCSV parses an import file into guest rows keyed by the header.
func readGuestCSV(path string) ([]model.Guest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening import file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}

	if _, ok := cols["first_name"]; !ok {
		return nil, fmt.Errorf("import file has no first_name column")
	}

	var guests []model.Guest

	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("reading CSV line %d: %w", line, err)
		}

		field := func(name string) string {
			idx, ok := cols[name]
			if !ok || idx >= len(record) {
				return ""
			}

			return strings.TrimSpace(record[idx])
		}

		g := model.Guest{
			FirstName: field("first_name"),
			LastName:  field("last_name"),
			Phone:     field("phone"),
			TableID:   field("table_id"),
			Notes:     field("notes"),
		}

		if s := field("rsvp_status"); s != "" {
			g.RSVPStatus = model.RSVPStatus(s)
		}

		if s := field("guest_count"); s != "" {
			count, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("CSV line %d: invalid guest_count %q", line, s)
			}

			g.GuestCount = count
		}

		guests = append(guests, g)
	}

	return guests, nil
}
