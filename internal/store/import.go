package store

import (
	"context"
	"log/slog"

	"github.com/weddingflow/guestsync/internal/model"
)

// ImportGuests applies a bulk import (spreadsheet rows already parsed by the
// caller) to an event. Rows matching an existing guest by ID or normalized
// phone merge through the resolver like any other update; unmatched rows are
// added. Returns the number of added and merged guests. The caller is
// expected to schedule a full-event push afterwards — imports are the heavy
// -edit path, not a trickle of pending updates.
func (s *RecordStore) ImportGuests(ctx context.Context, eventID string, rows []model.Guest, src model.Source) (added, merged int, err error) {
	now := s.nowFunc()

	for i := range rows {
		row := rows[i]
		row.FirstName = model.NormalizeName(row.FirstName)
		row.LastName = model.NormalizeName(row.LastName)

		guestID := s.matchImportRow(eventID, &row)
		if guestID == "" {
			row.Source = src

			if _, addErr := s.AddGuest(ctx, eventID, row); addErr != nil {
				return added, merged, addErr
			}

			added++

			continue
		}

		patch := importPatch(&row, src, now)

		if _, upErr := s.ApplyLocalUpdate(ctx, eventID, guestID, patch); upErr != nil {
			return added, merged, upErr
		}

		merged++
	}

	s.logger.Info("guest import applied",
		slog.String("event_id", eventID),
		slog.Int("added", added),
		slog.Int("merged", merged),
	)

	return added, merged, nil
}

// importPatch builds a sparse update from an import row. Zero-valued columns
// are absent cells in the spreadsheet, not requests to blank a field.
func importPatch(row *model.Guest, src model.Source, now int64) model.GuestUpdate {
	patch := model.GuestUpdate{ResponseDate: now, Source: src}

	if row.RSVPStatus != "" {
		patch.RSVPStatus = &row.RSVPStatus
	}

	if row.GuestCount >= 1 {
		patch.GuestCount = &row.GuestCount
	}

	if row.Attendance != "" {
		patch.Attendance = &row.Attendance
	}

	if row.TableID != "" {
		patch.TableID = &row.TableID
	}

	if row.Notes != "" {
		patch.Notes = &row.Notes
	}

	return patch
}

// matchImportRow finds an existing guest for an import row, by ID first and
// then by normalized phone. Returns empty when the row is new.
func (s *RecordStore) matchImportRow(eventID string, row *model.Guest) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return ""
	}

	if row.ID != "" {
		if idx := event.FindGuest(row.ID); idx >= 0 {
			return row.ID
		}
	}

	if row.Phone != "" {
		if idx := event.FindGuestByPhone(row.Phone); idx >= 0 {
			return event.Guests[idx].ID
		}
	}

	return ""
}
