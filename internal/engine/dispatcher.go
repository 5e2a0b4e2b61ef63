// Package engine ties the record store, batcher, remote client, and puller
// into the running sync engine: local edits flow store -> batcher ->
// dispatcher -> authority, and the puller reconciles the other direction on
// an interval. Push is fire-and-forget: a failed dispatch never touches
// local state, and the next pull reconciles whatever was lost.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weddingflow/guestsync/internal/model"
	"github.com/weddingflow/guestsync/internal/remote"
	"github.com/weddingflow/guestsync/internal/store"
)

// Dispatch defaults. The config layer overrides them.
const (
	DefaultRetries     = 3
	DefaultRetryDelay  = 2 * time.Second
	DefaultConcurrency = 5
	DefaultChunkSize   = 25
)

// RemoteAPI is the slice of the authority client the engine needs. Defined
// here so tests can substitute a fake without an HTTP server.
type RemoteAPI interface {
	ListEvents(ctx context.Context, ownerID string) ([]model.Event, error)
	UpsertEvent(ctx context.Context, event *model.Event) error
	MergeGuests(ctx context.Context, eventID string, guests []model.Guest, appendUnknown bool) error
	ApplyPendingUpdate(ctx context.Context, update *model.PendingUpdate) error
	DeleteEvent(ctx context.Context, eventID string) error
	RestoreEvent(ctx context.Context, eventID string) error
}

// DispatchConfig holds the push-side tunables.
type DispatchConfig struct {
	Retries     int           // attempts per update before abandoning it
	RetryDelay  time.Duration // fixed delay between attempts
	Concurrency int           // parallel in-flight requests per batch
	ChunkSize   int           // guests per request in the chunked fallback
}

// Dispatcher pushes coalesced batches to the authority with bounded
// concurrency and a fixed-delay retry policy. Updates that exhaust their
// retries are dropped with a warning; the puller reconciles them later.
type Dispatcher struct {
	api    RemoteAPI
	store  *store.RecordStore
	cfg    DispatchConfig
	logger *slog.Logger

	// Injectable for tests.
	sleepFunc func(ctx context.Context, d time.Duration) error

	dispatched atomic.Int64
	abandoned  atomic.Int64
}

// NewDispatcher creates a Dispatcher. Zero config fields fall back to the
// defaults.
func NewDispatcher(api RemoteAPI, st *store.RecordStore, cfg DispatchConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		api:       api,
		store:     st,
		cfg:       cfg,
		logger:    logger,
		sleepFunc: sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatch pushes one batch. Updates run concurrently up to the configured
// limit; each gets its own retry budget. Returns the number of updates
// abandoned after exhausting retries. Local state is never rolled back on
// failure.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []model.PendingUpdate) int {
	if len(batch) == 0 {
		return 0
	}

	d.logger.Info("dispatching batch",
		slog.Int("updates", len(batch)),
		slog.Int("concurrency", d.cfg.Concurrency),
	)

	var failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)

	for i := range batch {
		up := batch[i]

		g.Go(func() error {
			if err := d.pushUpdate(gctx, &up); err != nil {
				failed.Add(1)
				d.abandoned.Add(1)
				d.logger.Warn("update abandoned after retries",
					slog.String("event_id", up.EventID),
					slog.String("guest_id", up.GuestID),
					slog.Int("attempts", up.Attempts),
					slog.String("error", err.Error()),
				)
			} else {
				d.dispatched.Add(1)
			}

			// Failures are counted, not propagated: one abandoned update
			// must not cancel its batch siblings.
			return nil
		})
	}

	g.Wait()

	return int(failed.Load())
}

// pushUpdate sends one pending update with the retry policy. A payload-too-
// large rejection switches to the chunked full-event fallback once, without
// consuming a retry.
func (d *Dispatcher) pushUpdate(ctx context.Context, up *model.PendingUpdate) error {
	var lastErr error

	for attempt := 1; attempt <= d.cfg.Retries; attempt++ {
		up.Attempts = attempt

		err := d.api.ApplyPendingUpdate(ctx, up)
		if err == nil {
			return nil
		}

		if errors.Is(err, remote.ErrPayloadTooLarge) {
			return d.pushEventChunked(ctx, up.EventID)
		}

		if !remote.IsTransient(err) {
			return err
		}

		lastErr = err

		d.logger.Debug("transient push failure, retrying",
			slog.String("guest_id", up.GuestID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if attempt < d.cfg.Retries {
			if sleepErr := d.sleepFunc(ctx, d.cfg.RetryDelay); sleepErr != nil {
				return sleepErr
			}
		}
	}

	return lastErr
}

// PushEvent pushes a full event snapshot, falling back to chunked guest
// merges when the authority rejects the payload as too large. Used after
// bulk imports and other heavy edits.
func (d *Dispatcher) PushEvent(ctx context.Context, eventID string) error {
	event, err := d.store.Event(eventID)
	if err != nil {
		return err
	}

	err = d.withRetry(ctx, func() error {
		return d.api.UpsertEvent(ctx, &event)
	})
	if errors.Is(err, remote.ErrPayloadTooLarge) {
		return d.pushEventChunked(ctx, eventID)
	}

	return err
}

// pushEventChunked splits an event's guest list into bounded merge requests.
// The first chunk replaces the authority's list; the rest append to it.
func (d *Dispatcher) pushEventChunked(ctx context.Context, eventID string) error {
	event, err := d.store.Event(eventID)
	if err != nil {
		return err
	}

	d.logger.Info("payload too large, switching to chunked push",
		slog.String("event_id", eventID),
		slog.Int("guests", len(event.Guests)),
		slog.Int("chunk_size", d.cfg.ChunkSize),
	)

	for start := 0; start < len(event.Guests); start += d.cfg.ChunkSize {
		end := min(start+d.cfg.ChunkSize, len(event.Guests))
		appendChunk := start > 0

		chunk := event.Guests[start:end]

		if err := d.withRetry(ctx, func() error {
			return d.api.MergeGuests(ctx, eventID, chunk, appendChunk)
		}); err != nil {
			return err
		}
	}

	return nil
}

// withRetry runs fn under the fixed-delay retry policy for transient errors.
func (d *Dispatcher) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= d.cfg.Retries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if !remote.IsTransient(err) {
			return err
		}

		lastErr = err

		if attempt < d.cfg.Retries {
			if sleepErr := d.sleepFunc(ctx, d.cfg.RetryDelay); sleepErr != nil {
				return sleepErr
			}
		}
	}

	return lastErr
}
