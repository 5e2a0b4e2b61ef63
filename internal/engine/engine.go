package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/weddingflow/guestsync/internal/batch"
	"github.com/weddingflow/guestsync/internal/model"
	"github.com/weddingflow/guestsync/internal/store"
)

// DefaultPullInterval is the background reconciliation cadence.
const DefaultPullInterval = 30 * time.Second

// Config holds the engine-level tunables. The per-component configs nest so
// the config file maps onto them directly.
type Config struct {
	PullInterval time.Duration
	PullDebounce time.Duration
	Batch        batch.Config
	Dispatch     DispatchConfig
}

// Engine owns the bidirectional sync loop. Construct with New, start with
// Run, stop by canceling the context; Close drains the queue first.
type Engine struct {
	store      *store.RecordStore
	batcher    *batch.Batcher
	dispatcher *Dispatcher
	puller     *Puller
	logger     *slog.Logger

	pullInterval time.Duration

	lastPullAt  atomic.Int64
	lastPullErr atomic.Pointer[string]
}

// New wires an Engine over an already-loaded record store and a remote
// client.
func New(st *store.RecordStore, api RemoteAPI, ownerID string, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = DefaultPullInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:        st,
		batcher:      batch.New(cfg.Batch, logger),
		dispatcher:   NewDispatcher(api, st, cfg.Dispatch, logger),
		puller:       NewPuller(api, st, ownerID, cfg.PullDebounce, logger),
		logger:       logger,
		pullInterval: cfg.PullInterval,
	}
}

// Store exposes the underlying record store for read paths and the
// broadcaster.
func (e *Engine) Store() *store.RecordStore {
	return e.store
}

// QueueUpdate applies a guest edit locally (optimistic, always succeeds if
// the guest exists) and enqueues the diff for the authority. This is the
// entry point for every local mutation that must propagate.
func (e *Engine) QueueUpdate(ctx context.Context, eventID, guestID string, patch model.GuestUpdate) (model.Guest, error) {
	// Stamp before both the local apply and the enqueue so the authority
	// sees the same timestamp the resolver used.
	if patch.ResponseDate == 0 {
		patch.ResponseDate = model.NowNano()
	}

	resolved, err := e.store.ApplyLocalUpdate(ctx, eventID, guestID, patch)
	if err != nil {
		return model.Guest{}, err
	}

	e.batcher.Enqueue(model.PendingUpdate{
		ID:      uuid.NewString(),
		EventID: eventID,
		GuestID: guestID,
		Update:  patch,
	})

	return resolved, nil
}

// Run drives the sync loop until ctx is canceled: dispatching batches as
// the batcher emits them and pulling on the configured interval. An initial
// pull runs immediately so the store converges on startup.
func (e *Engine) Run(ctx context.Context) error {
	batches := e.batcher.Batches(ctx)

	ticker := time.NewTicker(e.pullInterval)
	defer ticker.Stop()

	e.recordPull(e.puller.Pull(ctx, false))

	for {
		select {
		case <-ctx.Done():
			// The batcher drains into the channel and closes it on
			// cancellation; keep receiving until close so a batch already
			// buffered does not displace the final drain. Dispatch what
			// was salvaged with a short grace period.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

			for final := range batches {
				if len(final) > 0 {
					e.dispatcher.Dispatch(flushCtx, final)
				}
			}

			cancel()

			e.logger.Info("sync engine stopped")

			return ctx.Err()

		case b, ok := <-batches:
			if !ok {
				return ctx.Err()
			}

			e.dispatcher.Dispatch(ctx, b)

		case <-ticker.C:
			e.recordPull(e.puller.Pull(ctx, false))
		}
	}
}

// SyncNow flushes the queue, dispatches immediately, and forces a pull.
// Returns the number of updates abandoned by the dispatch.
func (e *Engine) SyncNow(ctx context.Context) (int, error) {
	failed := e.dispatcher.Dispatch(ctx, e.batcher.Flush())

	err := e.puller.Pull(ctx, true)
	e.recordPull(err)

	return failed, err
}

// Pull runs one reconciliation pass against the authority.
func (e *Engine) Pull(ctx context.Context, force bool) error {
	err := e.puller.Pull(ctx, force)
	e.recordPull(err)

	return err
}

// PushEvent pushes one full event snapshot (bulk-import aftermath).
func (e *Engine) PushEvent(ctx context.Context, eventID string) error {
	return e.dispatcher.PushEvent(ctx, eventID)
}

// DeleteEvent tombstones locally and best-effort soft-deletes on the
// authority. The local tombstone is authoritative; a remote failure is
// logged and left for a later retry by hand.
func (e *Engine) DeleteEvent(ctx context.Context, eventID string) error {
	if err := e.store.DeleteEvent(ctx, eventID); err != nil {
		return err
	}

	if err := e.dispatcher.withRetry(ctx, func() error {
		return e.dispatcher.api.DeleteEvent(ctx, eventID)
	}); err != nil {
		e.logger.Warn("remote delete failed, local tombstone stands",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// DeleteGuest removes a guest locally, leaving a tombstone so pulls and peer
// broadcasts cannot re-add the record, and pushes the trimmed event so the
// authority drops it too. The local removal is authoritative; a push failure
// is logged and left to the next full-event push.
func (e *Engine) DeleteGuest(ctx context.Context, eventID, guestID string) error {
	if err := e.store.DeleteGuest(ctx, eventID, guestID); err != nil {
		return err
	}

	if err := e.dispatcher.PushEvent(ctx, eventID); err != nil {
		e.logger.Warn("push after guest delete failed, local tombstone stands",
			slog.String("event_id", eventID),
			slog.String("guest_id", guestID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// RestoreEvent clears the local tombstone, restores on the authority, and
// forces a pull to bring the event back.
func (e *Engine) RestoreEvent(ctx context.Context, eventID string) error {
	if err := e.store.RestoreEvent(ctx, eventID); err != nil {
		return err
	}

	if err := e.dispatcher.withRetry(ctx, func() error {
		return e.dispatcher.api.RestoreEvent(ctx, eventID)
	}); err != nil {
		return err
	}

	err := e.puller.Pull(ctx, true)
	e.recordPull(err)

	return err
}

func (e *Engine) recordPull(err error) {
	e.lastPullAt.Store(model.NowNano())

	if err != nil {
		msg := err.Error()
		e.lastPullErr.Store(&msg)
		e.logger.Warn("pull failed", slog.String("error", msg))
	} else {
		e.lastPullErr.Store(nil)
	}
}

// Status is a point-in-time report of the engine's health.
type Status struct {
	Events        int    `json:"events"`
	QueuedUpdates int    `json:"queuedUpdates"`
	Dispatched    int64  `json:"dispatched"`
	Abandoned     int64  `json:"abandoned"`
	LastPullAt    int64  `json:"lastPullAt"`
	LastPullError string `json:"lastPullError,omitempty"`
}

// Status reports current queue depth and sync counters.
func (e *Engine) Status() Status {
	st := Status{
		Events:        len(e.store.Events()),
		QueuedUpdates: e.batcher.Len(),
		Dispatched:    e.dispatcher.dispatched.Load(),
		Abandoned:     e.dispatcher.abandoned.Load(),
		LastPullAt:    e.lastPullAt.Load(),
	}

	if msg := e.lastPullErr.Load(); msg != nil {
		st.LastPullError = *msg
	}

	return st
}
