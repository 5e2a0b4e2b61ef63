// Package store implements the record store: the canonical in-memory
// Event/Guest graph backed by a durable local cache, the single source of
// truth for the rest of the engine. Every mutation funnels through
// ApplyLocalUpdate or the snapshot merge paths, runs through the conflict
// resolver, writes through to the cache, and fires one change notification.
// Optimistic writes always succeed locally; sync outcome never rolls a
// write back.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/weddingflow/guestsync/internal/model"
	"github.com/weddingflow/guestsync/internal/resolve"
)

// Lookup errors. Callers distinguish missing aggregates from cache failures.
var (
	ErrEventNotFound = errors.New("store: event not found")
	ErrGuestNotFound = errors.New("store: guest not found")
)

// ChangeKind describes what a change notification refers to.
type ChangeKind string

// Change kinds delivered to subscribers.
const (
	ChangeGuest        ChangeKind = "guest"
	ChangeGuestDeleted ChangeKind = "guest_deleted"
	ChangeEvent        ChangeKind = "event"
	ChangeEventDeleted ChangeKind = "event_deleted"
)

// Change is a single accepted mutation, delivered to subscribers after the
// cache write-through.
type Change struct {
	Kind    ChangeKind
	EventID string
	GuestID string // empty for event-level changes
	Source  model.Source
}

// RecordStore owns the canonical Event/Guest graph. All methods are safe
// for concurrent use; mutation is serialized by a single mutex, mirroring
// the one-logical-writer model of the client it backs.
type RecordStore struct {
	mu             sync.Mutex
	events         map[string]*model.Event
	deletedEvents  map[string]int64
	deletedGuests  map[string]int64
	currentEventID string

	resolver *resolve.Resolver
	cache    Cache
	logger   *slog.Logger
	nowFunc  func() int64

	subsMu sync.Mutex
	subs   []func(Change)
}

// New creates a RecordStore over the given cache and resolver. Call Load
// before first use to hydrate from the cache.
func New(cache Cache, resolver *resolve.Resolver, logger *slog.Logger) *RecordStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &RecordStore{
		events:        make(map[string]*model.Event),
		deletedEvents: make(map[string]int64),
		deletedGuests: make(map[string]int64),
		resolver:      resolver,
		cache:         cache,
		logger:        logger,
		nowFunc:       model.NowNano,
	}
}

// Load hydrates the in-memory graph from the durable cache. Called once at
// startup, before any mutation.
func (s *RecordStore) Load(ctx context.Context) error {
	state, err := s.cache.LoadState(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range state.Events {
		s.events[ev.ID] = ev
	}

	s.deletedEvents = state.DeletedEvents
	s.deletedGuests = state.DeletedGuests
	s.currentEventID = state.CurrentEventID

	s.logger.Info("record store loaded",
		slog.Int("events", len(s.events)),
	)

	return nil
}

// Subscribe registers a callback fired once per accepted mutation, after the
// durable write-through. Callbacks run synchronously on the mutating
// goroutine and must not call back into the store.
func (s *RecordStore) Subscribe(fn func(Change)) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.subs = append(s.subs, fn)
}

func (s *RecordStore) notify(ch Change) {
	s.subsMu.Lock()
	subs := make([]func(Change), len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()

	for _, fn := range subs {
		fn(ch)
	}
}

// ApplyLocalUpdate mutates a guest through the conflict resolver, tagging
// the update with the caller-supplied source. A zero ResponseDate is filled
// with the current time. The guest is replaced wholesale (never partially
// mutated) so change detection by comparison works. Returns the resolved
// guest.
func (s *RecordStore) ApplyLocalUpdate(ctx context.Context, eventID, guestID string, patch model.GuestUpdate) (model.Guest, error) {
	if patch.ResponseDate == 0 {
		patch.ResponseDate = s.nowFunc()
	}

	s.mu.Lock()

	event, ok := s.events[eventID]
	if !ok {
		s.mu.Unlock()
		return model.Guest{}, ErrEventNotFound
	}

	idx := event.FindGuest(guestID)
	if idx < 0 {
		s.mu.Unlock()
		return model.Guest{}, ErrGuestNotFound
	}

	resolved := s.resolver.Resolve(event.Guests[idx], patch)
	event.Guests[idx] = resolved
	event.UpdatedAt = s.nowFunc()

	saveErr := s.cache.SaveEvent(ctx, event)
	s.mu.Unlock()

	if saveErr != nil {
		// The in-memory write already succeeded; a cache failure is
		// degraded durability, not a rejected mutation.
		s.logger.Warn("cache write-through failed",
			slog.String("event_id", eventID),
			slog.String("error", saveErr.Error()),
		)
	}

	s.notify(Change{Kind: ChangeGuest, EventID: eventID, GuestID: guestID, Source: patch.Source})

	return resolved, nil
}

// AddGuest appends a guest to an event, generating an ID when absent.
func (s *RecordStore) AddGuest(ctx context.Context, eventID string, guest model.Guest) (model.Guest, error) {
	s.mu.Lock()

	event, ok := s.events[eventID]
	if !ok {
		s.mu.Unlock()
		return model.Guest{}, ErrEventNotFound
	}

	if guest.ID == "" {
		guest.ID = uuid.NewString()
	}

	guest.EventID = eventID

	if guest.GuestCount < 1 {
		guest.GuestCount = 1
	}

	if guest.RSVPStatus == "" {
		guest.RSVPStatus = model.RSVPPending
	}

	if guest.Attendance == "" {
		guest.Attendance = model.AttendanceNotMarked
	}

	if guest.MessageStatus == "" {
		guest.MessageStatus = model.MessageNotSent
	}

	if guest.ResponseDate == 0 {
		guest.ResponseDate = s.nowFunc()
	}

	event.Guests = append(event.Guests, guest)
	event.UpdatedAt = s.nowFunc()

	saveErr := s.cache.SaveEvent(ctx, event)
	s.mu.Unlock()

	if saveErr != nil {
		s.logger.Warn("cache write-through failed",
			slog.String("event_id", eventID),
			slog.String("error", saveErr.Error()),
		)
	}

	s.notify(Change{Kind: ChangeGuest, EventID: eventID, GuestID: guest.ID, Source: guest.Source})

	return guest, nil
}

// CreateEvent registers a new event aggregate.
func (s *RecordStore) CreateEvent(ctx context.Context, event model.Event) (model.Event, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if event.UpdatedAt == 0 {
		event.UpdatedAt = s.nowFunc()
	}

	for i := range event.Guests {
		event.Guests[i].EventID = event.ID
	}

	s.mu.Lock()
	stored := event
	s.events[event.ID] = &stored
	saveErr := s.cache.SaveEvent(ctx, &stored)
	s.mu.Unlock()

	if saveErr != nil {
		s.logger.Warn("cache write-through failed",
			slog.String("event_id", event.ID),
			slog.String("error", saveErr.Error()),
		)
	}

	s.notify(Change{Kind: ChangeEvent, EventID: event.ID})

	return event, nil
}

// ApplyRemoteSnapshot merges an event fetched from the remote authority into
// the store. Guests present remotely run through the resolver against their
// local counterparts (matched by ID, then by normalized phone to heal
// ID-assignment races); guests present only locally are preserved; guests
// present only remotely are added unless tombstoned. Tombstoned events are
// never resurrected.
func (s *RecordStore) ApplyRemoteSnapshot(ctx context.Context, remote *model.Event) error {
	return s.applySnapshot(ctx, remote, model.SourceSnapshot)
}

// ApplyPeerSnapshot merges an event broadcast by another instance of the
// same client. Peer merges follow the exact same resolution path as remote
// pulls.
func (s *RecordStore) ApplyPeerSnapshot(ctx context.Context, peer *model.Event) error {
	return s.applySnapshot(ctx, peer, model.SourceSnapshot)
}

func (s *RecordStore) applySnapshot(ctx context.Context, remote *model.Event, src model.Source) error {
	s.mu.Lock()

	if _, dead := s.deletedEvents[remote.ID]; dead {
		s.mu.Unlock()
		s.logger.Debug("snapshot for tombstoned event ignored",
			slog.String("event_id", remote.ID),
		)

		return nil
	}

	local, exists := s.events[remote.ID]
	if !exists {
		added := s.adoptEventLocked(remote)
		saveErr := s.cache.SaveEvent(ctx, added)
		s.mu.Unlock()

		if saveErr != nil {
			s.logger.Warn("cache write-through failed",
				slog.String("event_id", remote.ID),
				slog.String("error", saveErr.Error()),
			)
		}

		s.notify(Change{Kind: ChangeEvent, EventID: remote.ID, Source: src})

		return nil
	}

	changed := s.mergeEventLocked(local, remote, src)

	var saveErr error
	if changed {
		saveErr = s.cache.SaveEvent(ctx, local)
	}

	s.mu.Unlock()

	if saveErr != nil {
		s.logger.Warn("cache write-through failed",
			slog.String("event_id", remote.ID),
			slog.String("error", saveErr.Error()),
		)
	}

	if changed {
		s.notify(Change{Kind: ChangeEvent, EventID: remote.ID, Source: src})
	}

	return nil
}

// adoptEventLocked copies a remote event into the store, filtering out
// guests with local tombstones.
func (s *RecordStore) adoptEventLocked(remote *model.Event) *model.Event {
	adopted := *remote
	adopted.Guests = make([]model.Guest, 0, len(remote.Guests))

	for _, g := range remote.Guests {
		if _, dead := s.deletedGuests[g.ID]; dead {
			continue
		}

		g.EventID = adopted.ID
		adopted.Guests = append(adopted.Guests, g)
	}

	s.events[adopted.ID] = &adopted

	s.logger.Info("adopted remote event",
		slog.String("event_id", adopted.ID),
		slog.Int("guests", len(adopted.Guests)),
	)

	return &adopted
}

// mergeEventLocked merges a remote event into an existing local one.
// Returns true if anything changed.
func (s *RecordStore) mergeEventLocked(local, remote *model.Event, src model.Source) bool {
	changed := false

	// Descriptive event fields follow plain LWW on the event timestamp.
	if remote.UpdatedAt >= local.UpdatedAt {
		if local.Name != remote.Name || local.Venue != remote.Venue || local.Date != remote.Date {
			local.Name = remote.Name
			local.Venue = remote.Venue
			local.Date = remote.Date
			changed = true
		}

		if len(remote.Tables) > 0 && !slices.Equal(local.Tables, remote.Tables) {
			local.Tables = append([]model.Table(nil), remote.Tables...)
			changed = true
		}

		if len(remote.Campaigns) > 0 && !slices.Equal(local.Campaigns, remote.Campaigns) {
			local.Campaigns = append([]model.Campaign(nil), remote.Campaigns...)
			changed = true
		}
	}

	for i := range remote.Guests {
		rg := &remote.Guests[i]

		if _, dead := s.deletedGuests[rg.ID]; dead {
			continue
		}

		idx := local.FindGuest(rg.ID)
		if idx < 0 && rg.Phone != "" {
			// Same human, different generated IDs: merge by phone
			// instead of duplicating. The local ID is kept so queued
			// pending updates stay valid.
			idx = local.FindGuestByPhone(rg.Phone)
		}

		if idx < 0 {
			added := *rg
			added.EventID = local.ID
			local.Guests = append(local.Guests, added)
			changed = true

			continue
		}

		before := local.Guests[idx]
		resolved := s.resolver.Resolve(before, model.SnapshotUpdate(rg, src))

		if resolved != before {
			local.Guests[idx] = resolved
			changed = true
		}
	}

	if remote.UpdatedAt > local.UpdatedAt {
		local.UpdatedAt = remote.UpdatedAt
	}

	return changed
}

// DeleteGuest removes a guest from its event and writes a guest tombstone so
// snapshot and peer merges cannot re-add the record. Deleting an
// already-tombstoned guest is a no-op.
func (s *RecordStore) DeleteGuest(ctx context.Context, eventID, guestID string) error {
	now := s.nowFunc()

	s.mu.Lock()

	event, ok := s.events[eventID]
	if !ok {
		s.mu.Unlock()
		return ErrEventNotFound
	}

	idx := event.FindGuest(guestID)
	if idx < 0 {
		_, dead := s.deletedGuests[guestID]
		s.mu.Unlock()

		if dead {
			return nil
		}

		return ErrGuestNotFound
	}

	event.Guests = append(event.Guests[:idx], event.Guests[idx+1:]...)
	event.UpdatedAt = now
	s.deletedGuests[guestID] = now

	err := errors.Join(
		s.cache.SaveEvent(ctx, event),
		s.cache.SaveTombstone(ctx, tombstoneGuest, guestID, now),
	)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("cache write-through failed",
			slog.String("event_id", eventID),
			slog.String("guest_id", guestID),
			slog.String("error", err.Error()),
		)
	}

	s.notify(Change{Kind: ChangeGuestDeleted, EventID: eventID, GuestID: guestID})

	return nil
}

// DeleteEvent tombstones an event locally and drops it from the graph. The
// tombstone keeps pulls and peer broadcasts from resurrecting it.
func (s *RecordStore) DeleteEvent(ctx context.Context, eventID string) error {
	now := s.nowFunc()

	s.mu.Lock()

	if _, ok := s.events[eventID]; !ok {
		if _, dead := s.deletedEvents[eventID]; !dead {
			s.mu.Unlock()
			return ErrEventNotFound
		}
	}

	delete(s.events, eventID)
	s.deletedEvents[eventID] = now

	err := errors.Join(
		s.cache.DeleteEvent(ctx, eventID),
		s.cache.SaveTombstone(ctx, tombstoneEvent, eventID, now),
	)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("cache delete failed",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
	}

	s.notify(Change{Kind: ChangeEventDeleted, EventID: eventID})

	return nil
}

// RestoreEvent clears an event tombstone so the next pull can bring the
// event back from the authority.
func (s *RecordStore) RestoreEvent(ctx context.Context, eventID string) error {
	s.mu.Lock()
	delete(s.deletedEvents, eventID)
	err := s.cache.RemoveTombstone(ctx, tombstoneEvent, eventID)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("tombstone removal failed",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// SetCurrentEvent persists which event the client is working on.
func (s *RecordStore) SetCurrentEvent(ctx context.Context, eventID string) error {
	s.mu.Lock()
	s.currentEventID = eventID
	err := s.cache.SaveCurrentEvent(ctx, eventID)
	s.mu.Unlock()

	if err != nil {
		return err
	}

	return nil
}

// CurrentEventID returns the selected event ID, or empty.
func (s *RecordStore) CurrentEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentEventID
}

// Event returns a deep copy of one event, or ErrEventNotFound.
func (s *RecordStore) Event(eventID string) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return model.Event{}, ErrEventNotFound
	}

	return copyEvent(event), nil
}

// Guest returns a copy of one guest.
func (s *RecordStore) Guest(eventID, guestID string) (model.Guest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return model.Guest{}, ErrEventNotFound
	}

	idx := event.FindGuest(guestID)
	if idx < 0 {
		return model.Guest{}, ErrGuestNotFound
	}

	return event.Guests[idx], nil
}

// Events returns deep copies of all events, sorted by ID for deterministic
// iteration.
func (s *RecordStore) Events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, copyEvent(ev))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// DeletedEvents returns a copy of the event tombstone set.
func (s *RecordStore) DeletedEvents() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.deletedEvents))
	for id, at := range s.deletedEvents {
		out[id] = at
	}

	return out
}

// MergeDeletedEvents adopts event tombstones from a peer broadcast and drops
// any matching live events. Returns the IDs newly tombstoned.
func (s *RecordStore) MergeDeletedEvents(ctx context.Context, peer map[string]int64) []string {
	var adopted []string

	s.mu.Lock()

	for id, at := range peer {
		if _, known := s.deletedEvents[id]; known {
			continue
		}

		s.deletedEvents[id] = at
		delete(s.events, id)
		adopted = append(adopted, id)

		if err := errors.Join(
			s.cache.DeleteEvent(ctx, id),
			s.cache.SaveTombstone(ctx, tombstoneEvent, id, at),
		); err != nil {
			s.logger.Warn("tombstone adoption write failed",
				slog.String("event_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.mu.Unlock()

	for _, id := range adopted {
		s.notify(Change{Kind: ChangeEventDeleted, EventID: id})
	}

	return adopted
}

// ContentHash returns a hex SHA-256 over the canonical serialized store
// content. The broadcaster publishes only when this changes.
func (s *RecordStore) ContentHash() string {
	events := s.Events()
	deleted := s.DeletedEvents()

	deletedIDs := make([]string, 0, len(deleted))
	for id := range deleted {
		deletedIDs = append(deletedIDs, id)
	}

	sort.Strings(deletedIDs)

	payload, err := json.Marshal(struct {
		Events  []model.Event `json:"events"`
		Deleted []string      `json:"deleted"`
		Current string        `json:"current"`
	}{events, deletedIDs, s.CurrentEventID()})
	if err != nil {
		// Marshaling in-memory state cannot fail for these types; keep
		// the signature simple.
		return ""
	}

	sum := sha256.Sum256(payload)

	return hex.EncodeToString(sum[:])
}

// copyEvent deep-copies an event so callers cannot alias store internals.
func copyEvent(ev *model.Event) model.Event {
	out := *ev
	out.Guests = append([]model.Guest(nil), ev.Guests...)
	out.Tables = append([]model.Table(nil), ev.Tables...)
	out.Campaigns = append([]model.Campaign(nil), ev.Campaigns...)

	return out
}
