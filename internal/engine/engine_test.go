package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/weddingflow/guestsync/internal/batch"
	"github.com/weddingflow/guestsync/internal/model"
	"github.com/weddingflow/guestsync/internal/remote"
	"github.com/weddingflow/guestsync/internal/resolve"
	"github.com/weddingflow/guestsync/internal/store"
)

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type mergeCall struct {
	eventID string
	guests  int
	append  bool
}

// fakeAPI scripts the authority for dispatcher and puller tests.
type fakeAPI struct {
	mu sync.Mutex

	listEvents []model.Event
	listErr    error
	listCalls  int

	// When set, ListEvents signals listStarted and then blocks until a
	// value arrives on listBlock, letting tests hold a fetch in flight.
	listStarted chan struct{}
	listBlock   chan struct{}

	// applyErrs is consumed one per ApplyPendingUpdate call; nil entries
	// mean success. Calls beyond the slice succeed.
	applyErrs []error
	applied   []model.PendingUpdate

	upsertErr error
	upserted  []model.Event

	merges []mergeCall

	deleted, restored []string
}

func (f *fakeAPI) ListEvents(_ context.Context, _ string) ([]model.Event, error) {
	f.mu.Lock()
	f.listCalls++
	started, block := f.listStarted, f.listBlock
	events, err := f.listEvents, f.listErr
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}

	if block != nil {
		<-block
	}

	return events, err
}

func (f *fakeAPI) UpsertEvent(_ context.Context, event *model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.upsertErr != nil {
		return f.upsertErr
	}

	f.upserted = append(f.upserted, *event)

	return nil
}

func (f *fakeAPI) MergeGuests(_ context.Context, eventID string, guests []model.Guest, appendUnknown bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.merges = append(f.merges, mergeCall{eventID: eventID, guests: len(guests), append: appendUnknown})

	return nil
}

func (f *fakeAPI) ApplyPendingUpdate(_ context.Context, update *model.PendingUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if len(f.applyErrs) > 0 {
		err = f.applyErrs[0]
		f.applyErrs = f.applyErrs[1:]
	}

	if err != nil {
		return err
	}

	f.applied = append(f.applied, *update)

	return nil
}

func (f *fakeAPI) DeleteEvent(_ context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, eventID)

	return nil
}

func (f *fakeAPI) RestoreEvent(_ context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.restored = append(f.restored, eventID)

	return nil
}

func newTestStore(t *testing.T) *store.RecordStore {
	t.Helper()

	cache, err := store.OpenCache(":memory:", testLogger(t))
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}

	t.Cleanup(func() { cache.Close() })

	s := store.New(cache, resolve.New(resolve.DefaultGraceWindow, testLogger(t)), testLogger(t))
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	return s
}

func seedStore(t *testing.T, s *store.RecordStore, guests int) {
	t.Helper()

	ev := model.Event{ID: "ev-1", OwnerID: "owner-1", Name: "Dana & Omer"}
	for i := 0; i < guests; i++ {
		ev.Guests = append(ev.Guests, model.Guest{
			ID:         "g-" + string(rune('a'+i)),
			FirstName:  "Guest",
			RSVPStatus: model.RSVPPending,
			GuestCount: 1,
		})
	}

	if _, err := s.CreateEvent(context.Background(), ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
}

func transientErr() error {
	return &remote.APIError{StatusCode: http.StatusServiceUnavailable, Err: remote.ErrServerError}
}

func pendingUpdate(guestID string) model.PendingUpdate {
	status := model.RSVPConfirmed

	return model.PendingUpdate{
		ID:      "p-" + guestID,
		EventID: "ev-1",
		GuestID: guestID,
		Update: model.GuestUpdate{
			RSVPStatus:   &status,
			ResponseDate: model.NowNano(),
			Source:       model.SourceManual,
		},
	}
}

// noSleep replaces the retry delay in tests.
func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	s := newTestStore(t)
	seedStore(t, s, 2)

	d := NewDispatcher(api, s, DispatchConfig{}, testLogger(t))
	d.sleepFunc = noSleep

	failed := d.Dispatch(context.Background(), []model.PendingUpdate{pendingUpdate("g-a"), pendingUpdate("g-b")})
	if failed != 0 {
		t.Fatalf("failed = %d, want 0", failed)
	}

	if len(api.applied) != 2 {
		t.Errorf("applied = %d, want 2", len(api.applied))
	}
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{applyErrs: []error{transientErr(), transientErr(), nil}}
	s := newTestStore(t)
	seedStore(t, s, 1)

	d := NewDispatcher(api, s, DispatchConfig{Retries: 3, Concurrency: 1}, testLogger(t))
	d.sleepFunc = noSleep

	if failed := d.Dispatch(context.Background(), []model.PendingUpdate{pendingUpdate("g-a")}); failed != 0 {
		t.Fatalf("failed = %d, want 0 after retries", failed)
	}

	if len(api.applied) != 1 {
		t.Errorf("applied = %d, want 1", len(api.applied))
	}
}

func TestDispatchAbandonsAfterRetries(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{applyErrs: []error{transientErr(), transientErr(), transientErr()}}
	s := newTestStore(t)
	seedStore(t, s, 1)

	d := NewDispatcher(api, s, DispatchConfig{Retries: 3, Concurrency: 1}, testLogger(t))
	d.sleepFunc = noSleep

	if failed := d.Dispatch(context.Background(), []model.PendingUpdate{pendingUpdate("g-a")}); failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}

	if len(api.applied) != 0 {
		t.Errorf("applied = %d, want 0", len(api.applied))
	}

	// Abandonment never rolls back the local write.
	if _, err := s.Guest("ev-1", "g-a"); err != nil {
		t.Errorf("local guest gone after abandoned push: %v", err)
	}
}

func TestDispatchNonTransientFailsImmediately(t *testing.T) {
	t.Parallel()

	badReq := &remote.APIError{StatusCode: http.StatusBadRequest, Err: remote.ErrBadRequest}
	api := &fakeAPI{applyErrs: []error{badReq, badReq, badReq}}
	s := newTestStore(t)
	seedStore(t, s, 1)

	slept := 0
	d := NewDispatcher(api, s, DispatchConfig{Retries: 3, Concurrency: 1}, testLogger(t))
	d.sleepFunc = func(_ context.Context, _ time.Duration) error {
		slept++
		return nil
	}

	if failed := d.Dispatch(context.Background(), []model.PendingUpdate{pendingUpdate("g-a")}); failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}

	if slept != 0 {
		t.Errorf("slept %d times, want 0 (no retry on permanent error)", slept)
	}
}

func TestDispatchPayloadTooLargeFallsBackToChunks(t *testing.T) {
	t.Parallel()

	tooLarge := &remote.APIError{StatusCode: http.StatusRequestEntityTooLarge, Err: remote.ErrPayloadTooLarge}
	api := &fakeAPI{applyErrs: []error{tooLarge}}
	s := newTestStore(t)
	seedStore(t, s, 5)

	d := NewDispatcher(api, s, DispatchConfig{ChunkSize: 2, Concurrency: 1}, testLogger(t))
	d.sleepFunc = noSleep

	if failed := d.Dispatch(context.Background(), []model.PendingUpdate{pendingUpdate("g-a")}); failed != 0 {
		t.Fatalf("failed = %d, want 0", failed)
	}

	// 5 guests at chunk size 2: replace 2, append 2, append 1.
	want := []mergeCall{
		{eventID: "ev-1", guests: 2, append: false},
		{eventID: "ev-1", guests: 2, append: true},
		{eventID: "ev-1", guests: 1, append: true},
	}

	if len(api.merges) != len(want) {
		t.Fatalf("merges = %+v, want %+v", api.merges, want)
	}

	for i := range want {
		if api.merges[i] != want[i] {
			t.Errorf("merge[%d] = %+v, want %+v", i, api.merges[i], want[i])
		}
	}
}

func TestPushEventFallsBackToChunks(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{upsertErr: &remote.APIError{StatusCode: http.StatusRequestEntityTooLarge, Err: remote.ErrPayloadTooLarge}}
	s := newTestStore(t)
	seedStore(t, s, 3)

	d := NewDispatcher(api, s, DispatchConfig{ChunkSize: 2}, testLogger(t))
	d.sleepFunc = noSleep

	if err := d.PushEvent(context.Background(), "ev-1"); err != nil {
		t.Fatalf("PushEvent: %v", err)
	}

	if len(api.merges) != 2 {
		t.Fatalf("merges = %d, want 2", len(api.merges))
	}

	if api.merges[0].append || !api.merges[1].append {
		t.Errorf("chunk append flags = %+v, want replace-then-append", api.merges)
	}
}

func TestPullMergesRemoteState(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	api := &fakeAPI{listEvents: []model.Event{{
		ID: "ev-remote", OwnerID: "owner-1", Name: "Remote",
		Guests:    []model.Guest{{ID: "g-1", FirstName: "Noa", RSVPStatus: model.RSVPConfirmed, GuestCount: 2, ResponseDate: 100}},
		UpdatedAt: 100,
	}}}

	p := NewPuller(api, s, "owner-1", time.Second, testLogger(t))

	if err := p.Pull(context.Background(), false); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	if _, err := s.Event("ev-remote"); err != nil {
		t.Errorf("remote event not adopted: %v", err)
	}
}

func TestPullDebounced(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	api := &fakeAPI{}

	p := NewPuller(api, s, "owner-1", time.Minute, testLogger(t))

	now := int64(1_000_000_000_000)
	p.nowFunc = func() int64 { return now }

	if err := p.Pull(context.Background(), false); err != nil {
		t.Fatalf("first Pull: %v", err)
	}

	// Second unforced pull inside the interval is skipped; remote state
	// appearing in between is not observed.
	api.mu.Lock()
	api.listEvents = []model.Event{{ID: "ev-new", OwnerID: "owner-1", UpdatedAt: 1}}
	api.mu.Unlock()

	now += int64(time.Second)

	if err := p.Pull(context.Background(), false); err != nil {
		t.Fatalf("second Pull: %v", err)
	}

	if _, err := s.Event("ev-new"); err == nil {
		t.Error("debounced pull still hit the authority")
	}

	// A forced pull ignores the debounce.
	if err := p.Pull(context.Background(), true); err != nil {
		t.Fatalf("forced Pull: %v", err)
	}

	if _, err := s.Event("ev-new"); err != nil {
		t.Error("forced pull did not run")
	}
}

// A forced pull that finds an unforced fetch in flight waits for it and then
// fetches again: the joined fetch may predate the state the caller needs.
func TestPullForcedJoinerRefetches(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	api := &fakeAPI{
		listStarted: make(chan struct{}, 2),
		listBlock:   make(chan struct{}),
	}

	p := NewPuller(api, s, "owner-1", time.Minute, testLogger(t))

	unforcedDone := make(chan error, 1)
	go func() { unforcedDone <- p.Pull(context.Background(), false) }()

	<-api.listStarted // unforced fetch now in flight

	forcedDone := make(chan error, 1)
	go func() { forcedDone <- p.Pull(context.Background(), true) }()

	api.listBlock <- struct{}{} // release the unforced fetch

	<-api.listStarted // forced caller issues its own fetch
	api.listBlock <- struct{}{}

	if err := <-unforcedDone; err != nil {
		t.Fatalf("unforced Pull: %v", err)
	}

	if err := <-forcedDone; err != nil {
		t.Fatalf("forced Pull: %v", err)
	}

	api.mu.Lock()
	calls := api.listCalls
	api.mu.Unlock()

	if calls != 2 {
		t.Errorf("ListEvents calls = %d, want 2 (forced caller re-fetches)", calls)
	}
}

func TestPullOwnerNotFoundKeepsLocalState(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedStore(t, s, 1)

	api := &fakeAPI{listErr: &remote.APIError{StatusCode: http.StatusNotFound, Err: remote.ErrNotFound}}

	p := NewPuller(api, s, "owner-1", time.Second, testLogger(t))

	if err := p.Pull(context.Background(), true); err != nil {
		t.Fatalf("Pull: %v (owner-not-found should not be an error)", err)
	}

	if _, err := s.Event("ev-1"); err != nil {
		t.Error("local event lost after owner-not-found pull")
	}
}

func TestPullNeverDeletesMissingEvents(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedStore(t, s, 1)

	// An empty pull response is not a deletion signal.
	api := &fakeAPI{}

	p := NewPuller(api, s, "owner-1", time.Second, testLogger(t))

	if err := p.Pull(context.Background(), true); err != nil {
		t.Fatalf("empty Pull: %v", err)
	}

	if _, err := s.Event("ev-1"); err != nil {
		t.Fatal("local event deleted by empty pull")
	}

	// Neither is a response naming only other events.
	api.mu.Lock()
	api.listEvents = []model.Event{{ID: "ev-2", OwnerID: "owner-1", UpdatedAt: 1}}
	api.mu.Unlock()

	if err := p.Pull(context.Background(), true); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	if _, err := s.Event("ev-1"); err != nil {
		t.Error("event absent from pull was deleted locally")
	}

	if _, err := s.Event("ev-2"); err != nil {
		t.Error("new remote event not adopted")
	}
}

func TestQueueUpdateAppliesLocallyAndEnqueues(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedStore(t, s, 1)

	e := New(s, &fakeAPI{}, "owner-1", Config{}, testLogger(t))

	status := model.RSVPDeclined
	got, err := e.QueueUpdate(context.Background(), "ev-1", "g-a", model.GuestUpdate{
		RSVPStatus: &status,
		Source:     model.SourceManual,
	})
	if err != nil {
		t.Fatalf("QueueUpdate: %v", err)
	}

	if got.RSVPStatus != model.RSVPDeclined {
		t.Errorf("local apply = %+v", got)
	}

	if e.batcher.Len() != 1 {
		t.Errorf("queued = %d, want 1", e.batcher.Len())
	}
}

func TestSyncNowFlushesAndPulls(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedStore(t, s, 1)

	api := &fakeAPI{}
	e := New(s, api, "owner-1", Config{}, testLogger(t))
	e.dispatcher.sleepFunc = noSleep

	status := model.RSVPConfirmed
	if _, err := e.QueueUpdate(context.Background(), "ev-1", "g-a", model.GuestUpdate{
		RSVPStatus: &status,
		Source:     model.SourceManual,
	}); err != nil {
		t.Fatalf("QueueUpdate: %v", err)
	}

	failed, err := e.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	if failed != 0 {
		t.Errorf("failed = %d, want 0", failed)
	}

	if len(api.applied) != 1 {
		t.Errorf("applied = %d, want 1", len(api.applied))
	}

	if e.batcher.Len() != 0 {
		t.Errorf("queue not drained: %d", e.batcher.Len())
	}
}

func TestHandleWebhook(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedStore(t, s, 1)

	e := New(s, &fakeAPI{}, "owner-1", Config{}, testLogger(t))

	err := e.HandleWebhook(context.Background(), WebhookEvent{
		EventID: "ev-1",
		GuestID: "g-a",
		Status:  "delivered",
	})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	g, err := s.Guest("ev-1", "g-a")
	if err != nil {
		t.Fatalf("Guest: %v", err)
	}

	if g.MessageStatus != model.MessageDelivered {
		t.Errorf("MessageStatus = %q, want delivered", g.MessageStatus)
	}

	if err := e.HandleWebhook(context.Background(), WebhookEvent{EventID: "ev-1", GuestID: "g-a", Status: "exploded"}); err == nil {
		t.Error("unknown webhook status accepted")
	}
}

// Cancellation must not lose queued updates: every batch the batcher emits
// or drains at teardown reaches the dispatcher, including one still buffered
// in the channel when the cancel lands.
func TestRunDispatchesQueuedUpdatesOnCancel(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedStore(t, s, 2)

	api := &fakeAPI{}
	e := New(s, api, "owner-1", Config{
		PullInterval: time.Hour,
		Batch:        batch.Config{Window: time.Hour, MaxSize: 1},
	}, testLogger(t))
	e.dispatcher.sleepFunc = noSleep

	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	status := model.RSVPConfirmed

	for _, id := range []string{"g-a", "g-b"} {
		if _, err := e.QueueUpdate(ctx, "ev-1", id, model.GuestUpdate{
			RSVPStatus: &status,
			Source:     model.SourceManual,
		}); err != nil {
			t.Fatalf("QueueUpdate(%s): %v", id, err)
		}
	}

	cancel()

	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	api.mu.Lock()
	applied := len(api.applied)
	api.mu.Unlock()

	if applied != 2 {
		t.Errorf("applied = %d, want 2 (no update lost at teardown)", applied)
	}
}

// Deleting a guest trims the event locally and pushes the trimmed snapshot.
func TestDeleteGuestPushesTrimmedEvent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedStore(t, s, 2)

	api := &fakeAPI{}
	e := New(s, api, "owner-1", Config{}, testLogger(t))
	e.dispatcher.sleepFunc = noSleep

	if err := e.DeleteGuest(context.Background(), "ev-1", "g-a"); err != nil {
		t.Fatalf("DeleteGuest: %v", err)
	}

	if _, err := s.Guest("ev-1", "g-a"); !errors.Is(err, store.ErrGuestNotFound) {
		t.Error("guest still present locally")
	}

	api.mu.Lock()
	upserted := append([]model.Event(nil), api.upserted...)
	api.mu.Unlock()

	if len(upserted) != 1 || len(upserted[0].Guests) != 1 || upserted[0].Guests[0].ID != "g-b" {
		t.Errorf("upserted = %+v, want one event carrying only g-b", upserted)
	}
}

func TestDeleteEventTombstonesAndCallsRemote(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedStore(t, s, 1)

	api := &fakeAPI{}
	e := New(s, api, "owner-1", Config{}, testLogger(t))
	e.dispatcher.sleepFunc = noSleep

	if err := e.DeleteEvent(context.Background(), "ev-1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}

	if _, err := s.Event("ev-1"); !errors.Is(err, store.ErrEventNotFound) {
		t.Error("event still present locally")
	}

	if len(api.deleted) != 1 || api.deleted[0] != "ev-1" {
		t.Errorf("remote deletes = %v", api.deleted)
	}
}

func TestStatusReportsCounters(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedStore(t, s, 1)

	api := &fakeAPI{}
	e := New(s, api, "owner-1", Config{}, testLogger(t))
	e.dispatcher.sleepFunc = noSleep

	status := model.RSVPConfirmed
	if _, err := e.QueueUpdate(context.Background(), "ev-1", "g-a", model.GuestUpdate{
		RSVPStatus: &status,
		Source:     model.SourceManual,
	}); err != nil {
		t.Fatalf("QueueUpdate: %v", err)
	}

	st := e.Status()
	if st.Events != 1 || st.QueuedUpdates != 1 {
		t.Errorf("status = %+v, want 1 event, 1 queued", st)
	}

	if _, err := e.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	st = e.Status()
	if st.Dispatched != 1 || st.QueuedUpdates != 0 {
		t.Errorf("status after sync = %+v", st)
	}

	if st.LastPullAt == 0 {
		t.Error("LastPullAt not recorded")
	}
}
