// Package resolve implements the guest-record conflict resolver: a pure
// decision function that merges an incoming sparse update into a current
// guest record, field group by field group.
//
// The policy is last-writer-wins with two escape hatches that exist because
// naive LWW lets network latency reorder user-visible actions:
//
//   - Absolute priority: a guest-link update (the guest's own self-service
//     submission) is accepted for every field it carries, regardless of
//     timestamp ordering. A stale pull must never discard a guest's answer.
//   - Protected fields: when the current rsvpStatus/guestCount group was set
//     by a manual operator edit (or by the guest directly), a competing
//     writer may only change it if it is a strictly newer manual edit, or if
//     its timestamp beats the current one by more than a grace window. This
//     stops an older snapshot from silently reverting an operator's edit,
//     while still letting a genuinely later edit from another device win.
//
// Resolution is commutative and idempotent for field values: applying the
// same update twice, or two updates in either order, converges to the same
// field state. Rejection is a decision, not an error — it is logged at
// Debug and the current value stands.
package resolve

import (
	"log/slog"
	"time"

	"github.com/weddingflow/guestsync/internal/model"
)

// DefaultGraceWindow is the default protected-field override window. It is a
// tunable bound, not a load-bearing constant: it only needs to be large
// enough to absorb snapshot propagation latency.
const DefaultGraceWindow = 5 * time.Second

// fieldGroup names a set of guest fields that accept or reject together.
// rsvpStatus and guestCount move as one unit; everything else is
// independent.
type fieldGroup string

const (
	groupRSVP       fieldGroup = "rsvp"
	groupAttendance fieldGroup = "attendance"
	groupTable      fieldGroup = "table"
	groupNotes      fieldGroup = "notes"
	groupMessage    fieldGroup = "message"
)

// groupPolicy is one row of the declarative priority table.
type groupPolicy struct {
	group fieldGroup

	// protected enables the manual-value protection rule for this group:
	// a current value owned by a manual or guest-link writer resists
	// overwrites inside the grace window.
	protected bool

	// alwaysAccept lists sources whose updates apply even when the
	// competing timestamp is technically newer. These represent
	// user-visible actions (saving a table edit, a delivery echo) that
	// must be reflected immediately. Guest-link is implicit: it is
	// absolute for every group.
	alwaysAccept []model.Source
}

// policyTable is the complete per-field-group priority policy. Order is
// irrelevant; groups are looked up by the resolver as it walks the update.
var policyTable = map[fieldGroup]groupPolicy{
	groupRSVP: {
		group:        groupRSVP,
		protected:    true,
		alwaysAccept: []model.Source{model.SourceManual},
	},
	groupAttendance: {
		group:        groupAttendance,
		alwaysAccept: []model.Source{model.SourceManual},
	},
	groupTable: {
		group:        groupTable,
		alwaysAccept: []model.Source{model.SourceManual},
	},
	groupNotes: {
		group:        groupNotes,
		alwaysAccept: []model.Source{model.SourceManual},
	},
	groupMessage: {
		group:        groupMessage,
		alwaysAccept: []model.Source{model.SourceManual, model.SourceWebhook},
	},
}

// Resolver merges guest updates under the priority policy. Stateless apart
// from configuration; safe for concurrent use.
type Resolver struct {
	graceNanos int64
	logger     *slog.Logger
}

// New creates a Resolver with the given grace window. A zero or negative
// grace falls back to DefaultGraceWindow.
func New(grace time.Duration, logger *slog.Logger) *Resolver {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		graceNanos: grace.Nanoseconds(),
		logger:     logger,
	}
}

// Resolve merges incoming into current and returns the resolved guest.
// Neither argument is mutated. The resolved ResponseDate is the max of the
// two timestamps when any field group is accepted; it never regresses.
func (r *Resolver) Resolve(current model.Guest, incoming model.GuestUpdate) model.Guest {
	out := current
	accepted := false

	if incoming.RSVPStatus != nil || incoming.GuestCount != nil {
		if r.resolveRSVPGroup(&current, &incoming, &out) {
			accepted = true
		}
	}

	if incoming.Attendance != nil {
		if r.accept(policyTable[groupAttendance], &current, current.Source, &incoming, *incoming.Attendance != current.Attendance) {
			out.Attendance = *incoming.Attendance
			accepted = true
		} else {
			r.logRejected(groupAttendance, &current, &incoming)
		}
	}

	if incoming.TableID != nil {
		if r.accept(policyTable[groupTable], &current, current.Source, &incoming, *incoming.TableID != current.TableID) {
			out.TableID = *incoming.TableID
			accepted = true
		} else {
			r.logRejected(groupTable, &current, &incoming)
		}
	}

	if incoming.Notes != nil {
		if r.accept(policyTable[groupNotes], &current, current.NotesSource, &incoming, *incoming.Notes != current.Notes) {
			out.Notes = *incoming.Notes
			out.NotesSource = incoming.Source
			accepted = true
		} else {
			r.logRejected(groupNotes, &current, &incoming)
		}
	}

	if incoming.MessageStatus != nil {
		if r.accept(policyTable[groupMessage], &current, current.Source, &incoming, *incoming.MessageStatus != current.MessageStatus) {
			out.MessageStatus = *incoming.MessageStatus
			accepted = true
		} else {
			r.logRejected(groupMessage, &current, &incoming)
		}
	}

	if accepted && incoming.ResponseDate > out.ResponseDate {
		out.ResponseDate = incoming.ResponseDate
	}

	return out
}

// resolveRSVPGroup applies the status+count group as a unit and attributes
// the group source to the winning writer. Returns true if accepted.
func (r *Resolver) resolveRSVPGroup(current *model.Guest, incoming *model.GuestUpdate, out *model.Guest) bool {
	changed := (incoming.RSVPStatus != nil && *incoming.RSVPStatus != current.RSVPStatus) ||
		(incoming.GuestCount != nil && *incoming.GuestCount != current.GuestCount)

	if !r.accept(policyTable[groupRSVP], current, current.Source, incoming, changed) {
		r.logRejected(groupRSVP, current, incoming)
		return false
	}

	if incoming.RSVPStatus != nil {
		out.RSVPStatus = *incoming.RSVPStatus
	}

	// Party size below one is malformed input, not a merge candidate.
	if incoming.GuestCount != nil && *incoming.GuestCount >= 1 {
		out.GuestCount = *incoming.GuestCount
	}

	out.Source = incoming.Source

	return true
}

// accept is the single acceptance decision shared by all field groups.
// curSource is the source tag owning the current value of this group.
func (r *Resolver) accept(
	pol groupPolicy, current *model.Guest, curSource model.Source,
	incoming *model.GuestUpdate, wouldChange bool,
) bool {
	// Absolute priority: the guest's own action is never discarded.
	if incoming.Source == model.SourceGuestLink {
		return true
	}

	// Manual-value protection. Only engaged when the incoming update would
	// actually change the value — re-asserting the same value is harmless.
	if pol.protected && wouldChange && protectedOwner(curSource) {
		if incoming.Source == model.SourceManual && incoming.ResponseDate > current.ResponseDate {
			return true
		}

		// Grace-window override: a genuinely later write from another
		// device wins once it is newer by more than the window.
		return incoming.ResponseDate > current.ResponseDate+r.graceNanos
	}

	for _, s := range pol.alwaysAccept {
		if incoming.Source == s {
			return true
		}
	}

	// Plain LWW. >= keeps replays idempotent.
	return incoming.ResponseDate >= current.ResponseDate
}

// protectedOwner reports whether the current value's source resists
// overwrites: operator edits and direct guest answers are both anchored.
func protectedOwner(s model.Source) bool {
	return s == model.SourceManual || s == model.SourceGuestLink
}

// logRejected records a resolver rejection at Debug. A rejection is a policy
// decision, never surfaced as an error.
func (r *Resolver) logRejected(group fieldGroup, current *model.Guest, incoming *model.GuestUpdate) {
	r.logger.Debug("resolver: update rejected",
		slog.String("guest_id", current.ID),
		slog.String("group", string(group)),
		slog.String("incoming_source", string(incoming.Source)),
		slog.String("current_source", string(current.Source)),
		slog.Int64("incoming_ts", incoming.ResponseDate),
		slog.Int64("current_ts", current.ResponseDate),
	)
}
