package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/weddingflow/guestsync/internal/model"
	"github.com/weddingflow/guestsync/internal/remote"
	"github.com/weddingflow/guestsync/internal/store"
)

// DefaultPullDebounce is the minimum spacing between unforced pulls.
const DefaultPullDebounce = 5 * time.Second

// Puller fetches the authority's event snapshots and reconciles them into
// the record store. Pulls are debounced and coalesced: callers arriving
// while a pull is in flight share its result instead of stacking requests.
// A pull only merges — it never deletes local events the authority stopped
// returning.
type Puller struct {
	api     RemoteAPI
	store   *store.RecordStore
	ownerID string
	logger  *slog.Logger

	debounce time.Duration
	nowFunc  func() int64

	mu         sync.Mutex
	lastPull   int64
	generation uint64 // bumped by forced pulls; stale completions skip bookkeeping
	inflight   chan struct{}
	lastErr    error
}

// NewPuller creates a Puller for one owner's events.
func NewPuller(api RemoteAPI, st *store.RecordStore, ownerID string, debounce time.Duration, logger *slog.Logger) *Puller {
	if debounce <= 0 {
		debounce = DefaultPullDebounce
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Puller{
		api:      api,
		store:    st,
		ownerID:  ownerID,
		logger:   logger,
		debounce: debounce,
		nowFunc:  model.NowNano,
	}
}

// Pull fetches and reconciles remote state. An unforced pull within the
// debounce interval of the previous one is skipped; an unforced pull
// arriving while one is already in flight waits for it and shares its
// result. A forced pull always issues its own fetch: when it finds a pull
// in flight it waits for it, then fetches again, since the joined fetch may
// have started before the state the caller wants to see existed. It also
// supersedes the debounce bookkeeping of any unforced pull racing with it.
func (p *Puller) Pull(ctx context.Context, force bool) error {
	p.mu.Lock()

	for p.inflight != nil {
		done := p.inflight
		p.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}

		p.mu.Lock()

		if !force {
			err := p.lastErr
			p.mu.Unlock()

			return err
		}
	}

	now := p.nowFunc()
	if !force && p.lastPull != 0 && now-p.lastPull < p.debounce.Nanoseconds() {
		p.mu.Unlock()
		p.logger.Debug("pull skipped, within debounce interval")

		return nil
	}

	if force {
		p.generation++
	}

	gen := p.generation
	done := make(chan struct{})
	p.inflight = done
	p.mu.Unlock()

	err := p.pull(ctx)

	p.mu.Lock()
	p.lastErr = err
	p.inflight = nil

	// A forced pull that started after us owns the bookkeeping.
	if gen == p.generation {
		p.lastPull = p.nowFunc()
	}

	p.mu.Unlock()
	close(done)

	return err
}

// pull performs one fetch-and-merge cycle.
func (p *Puller) pull(ctx context.Context) error {
	events, err := p.api.ListEvents(ctx, p.ownerID)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			// No remote record for this owner yet. Local state stands;
			// the dispatcher will create the remote side on next push.
			p.logger.Warn("owner not found on authority, keeping local state",
				slog.String("owner_id", p.ownerID),
			)

			return nil
		}

		return err
	}

	merged := 0

	for i := range events {
		if err := p.store.ApplyRemoteSnapshot(ctx, &events[i]); err != nil {
			return err
		}

		merged++
	}

	// Events the authority stopped returning stay untouched: absence in a
	// pull is not a deletion signal.
	p.logger.Info("pull reconciled",
		slog.Int("remote_events", merged),
	)

	return nil
}
