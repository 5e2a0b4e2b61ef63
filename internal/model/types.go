// Package model defines the guest-record data model shared by the store,
// resolver, batcher, and sync layers: Event and Guest aggregates, sparse
// GuestUpdate patches, and the Source tags that drive conflict resolution.
package model

import "time"

// RSVPStatus is a guest's confirmation state.
type RSVPStatus string

// RSVP statuses as stored in cache payloads and wire bodies.
const (
	RSVPPending   RSVPStatus = "pending"
	RSVPConfirmed RSVPStatus = "confirmed"
	RSVPMaybe     RSVPStatus = "maybe"
	RSVPDeclined  RSVPStatus = "declined"
)

// Attendance is the day-of check-in state, independent of the RSVP answer.
type Attendance string

// Attendance values.
const (
	AttendanceNotMarked   Attendance = "not_marked"
	AttendanceAttended    Attendance = "attended"
	AttendanceNotAttended Attendance = "not_attended"
)

// MessageStatus tracks the delivery state of the last outbound message to a
// guest, updated from messaging-webhook echoes.
type MessageStatus string

// Message delivery statuses.
const (
	MessageNotSent   MessageStatus = "not_sent"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
)

// Source identifies the writer that produced a guest update. The resolver's
// acceptance policy is keyed on this tag, not just on timestamps.
type Source string

// Update sources, ordered roughly by authority. SourceGuestLink is the
// guest's own self-service submission and is never discarded by a stale
// timestamp; SourceSnapshot is a bulk remote pull or peer broadcast.
const (
	SourceGuestLink Source = "guest_link"
	SourceManual    Source = "manual"
	SourceWebhook   Source = "webhook"
	SourceSnapshot  Source = "api_snapshot"
)

// Guest is a single invitee. Guests belong to exactly one Event via EventID
// (foreign key, never a containment pointer). Phone is a secondary natural
// key used to match records across devices when ID assignment races.
type Guest struct {
	ID      string `json:"id"`
	EventID string `json:"eventId"`

	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone,omitempty"`

	RSVPStatus    RSVPStatus    `json:"rsvpStatus"`
	GuestCount    int           `json:"guestCount"`
	Attendance    Attendance    `json:"actualAttendance"`
	TableID       string        `json:"tableId,omitempty"`
	Notes         string        `json:"notes,omitempty"`
	MessageStatus MessageStatus `json:"messageStatus"`

	// ResponseDate is the Unix-nanosecond timestamp of the newest accepted
	// update. It only moves forward; the resolver never regresses it.
	ResponseDate int64 `json:"responseDate"`

	// Source tags the writer that owns the current rsvpStatus/guestCount
	// field group. Notes are attributed independently because they merge
	// independently.
	Source      Source `json:"source,omitempty"`
	NotesSource Source `json:"notesSource,omitempty"`
}

// Table is a seating table. Guest→Table reassignment rides the same merge
// passes as RSVP updates but carries no conflict policy of its own.
type Table struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity,omitempty"`
}

// Campaign is a messaging campaign attached to an event.
type Campaign struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	SentAt int64  `json:"sentAt,omitempty"`
}

// Event is the aggregate root: one wedding or event with its guests, tables,
// and campaigns.
type Event struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`

	Name  string `json:"name"`
	Date  int64  `json:"date,omitempty"`
	Venue string `json:"venue,omitempty"`

	Guests    []Guest    `json:"guests"`
	Tables    []Table    `json:"tables,omitempty"`
	Campaigns []Campaign `json:"campaigns,omitempty"`

	UpdatedAt int64 `json:"updatedAt"`
}

// FindGuest returns the index of the guest with the given ID, or -1.
func (e *Event) FindGuest(guestID string) int {
	for i := range e.Guests {
		if e.Guests[i].ID == guestID {
			return i
		}
	}

	return -1
}

// FindGuestByPhone returns the index of the first guest whose normalized
// phone number matches, or -1. Used to heal ID-assignment races between
// devices: same human, different generated IDs.
func (e *Event) FindGuestByPhone(phone string) int {
	norm := NormalizePhone(phone)
	if norm == "" {
		return -1
	}

	for i := range e.Guests {
		if NormalizePhone(e.Guests[i].Phone) == norm {
			return i
		}
	}

	return -1
}

// --- Timestamp helpers ---
// All internal code uses int64 Unix nanoseconds exclusively. Conversion to
// time.Time happens at system boundaries only.

// NowNano returns the current time as Unix nanoseconds.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// ToUnixNano converts a time.Time to Unix nanoseconds.
// Returns 0 for the zero time.
func ToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}
