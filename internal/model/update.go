package model

// GuestUpdate is a sparse patch against a Guest. Nil pointer fields are "not
// carried" — the resolver only considers fields the update actually sets.
type GuestUpdate struct {
	RSVPStatus    *RSVPStatus    `json:"rsvpStatus,omitempty"`
	GuestCount    *int           `json:"guestCount,omitempty"`
	Attendance    *Attendance    `json:"actualAttendance,omitempty"`
	TableID       *string        `json:"tableId,omitempty"`
	Notes         *string        `json:"notes,omitempty"`
	MessageStatus *MessageStatus `json:"messageStatus,omitempty"`

	// ResponseDate is the writer's timestamp for this update (Unix nanos).
	ResponseDate int64 `json:"responseDate"`

	// Source identifies the writer. Required; the resolver rejects the
	// zero value.
	Source Source `json:"source"`
}

// IsEmpty reports whether the update carries no fields at all.
func (u *GuestUpdate) IsEmpty() bool {
	return u.RSVPStatus == nil && u.GuestCount == nil && u.Attendance == nil &&
		u.TableID == nil && u.Notes == nil && u.MessageStatus == nil
}

// Equal reports whether two updates carry identical field values, sources,
// and timestamps. Used by the batcher's dedup cache to absorb duplicate UI
// events.
func (u *GuestUpdate) Equal(other *GuestUpdate) bool {
	if other == nil {
		return false
	}

	return u.Source == other.Source &&
		u.ResponseDate == other.ResponseDate &&
		ptrEq(u.RSVPStatus, other.RSVPStatus) &&
		ptrEq(u.GuestCount, other.GuestCount) &&
		ptrEq(u.Attendance, other.Attendance) &&
		ptrEq(u.TableID, other.TableID) &&
		ptrEq(u.Notes, other.Notes) &&
		ptrEq(u.MessageStatus, other.MessageStatus)
}

func ptrEq[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

// SnapshotUpdate converts a full guest record (from a remote pull or a peer
// broadcast) into a GuestUpdate carrying every merge-relevant field. The
// source of the snapshot's own winning writer is deliberately not forwarded:
// snapshot merges compete under SourceSnapshot rules unless overridden by
// the caller.
func SnapshotUpdate(g *Guest, src Source) GuestUpdate {
	up := GuestUpdate{
		ResponseDate: g.ResponseDate,
		Source:       src,
	}

	// Zero-valued enums mean the snapshot never carried the field; they
	// are not requests to blank it.
	if g.RSVPStatus != "" {
		status := g.RSVPStatus
		up.RSVPStatus = &status
	}

	if g.GuestCount >= 1 {
		count := g.GuestCount
		up.GuestCount = &count
	}

	if g.Attendance != "" {
		attendance := g.Attendance
		up.Attendance = &attendance
	}

	if g.MessageStatus != "" {
		msgStatus := g.MessageStatus
		up.MessageStatus = &msgStatus
	}

	tableID := g.TableID
	up.TableID = &tableID

	notes := g.Notes
	up.Notes = &notes

	return up
}

// PendingUpdate is a queued diff awaiting propagation to the remote
// authority. Created synchronously on a local mutation, coalesced by the
// batcher, destroyed after a successful flush (or abandoned after the retry
// bound, leaving reconciliation to the next pull).
type PendingUpdate struct {
	ID      string `json:"id"`
	EventID string `json:"eventId"`
	GuestID string `json:"guestId"`

	Update GuestUpdate `json:"update"`

	QueuedAt int64 `json:"queuedAt"`
	Attempts int   `json:"attempts,omitempty"`
}

// Key returns the coalescing key for the batcher queue: one slot per guest
// per event, newest update wins the slot.
func (p *PendingUpdate) Key() string {
	return p.EventID + "/" + p.GuestID
}
