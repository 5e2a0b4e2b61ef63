// Package batch implements the update batcher: it coalesces rapid-fire
// local guest edits into time- or size-bounded batches before they leave the
// process. The queue holds one slot per (eventID, guestID); a newer update
// replaces the prior queued one so stale intermediate states are never sent.
// A short-lived dedup cache absorbs duplicate UI events that re-enqueue an
// update identical to one just flushed.
package batch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/weddingflow/guestsync/internal/model"
)

// Defaults for the batching tunables. Bounded windows, not load-bearing
// values; the config layer overrides them.
const (
	DefaultWindow   = 1 * time.Second
	DefaultMaxSize  = 10
	DefaultDedupTTL = 3 * time.Second
)

// Config holds the batcher tunables.
type Config struct {
	Window   time.Duration // debounce window before a batch flushes
	MaxSize  int           // flush early once this many distinct guests queue
	DedupTTL time.Duration // suppress identical re-enqueues this long after a flush
}

// flushedRecord remembers the last flushed update for a key, for dedup.
type flushedRecord struct {
	update    model.GuestUpdate
	flushedAt time.Time
}

// Batcher is the coalescing queue. All methods are safe for concurrent use.
type Batcher struct {
	mu      sync.Mutex
	pending map[string]*model.PendingUpdate
	recent  map[string]flushedRecord

	cfg    Config
	logger *slog.Logger

	notify  chan struct{} // signaled on Enqueue when the debounce loop is active
	sizeup  chan struct{} // signaled when the size threshold is reached
	nowFunc func() time.Time
}

// New creates a Batcher. Zero config fields fall back to the defaults.
func New(cfg Config, logger *slog.Logger) *Batcher {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}

	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}

	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Batcher{
		pending: make(map[string]*model.PendingUpdate),
		recent:  make(map[string]flushedRecord),
		cfg:     cfg,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Enqueue adds an update to the queue, replacing any prior queued update for
// the same guest. Returns false when the update was suppressed by the dedup
// cache (identical to one flushed within DedupTTL).
func (b *Batcher) Enqueue(up model.PendingUpdate) bool {
	b.mu.Lock()

	key := up.Key()

	if rec, ok := b.recent[key]; ok {
		if b.nowFunc().Sub(rec.flushedAt) <= b.cfg.DedupTTL && rec.update.Equal(&up.Update) {
			b.mu.Unlock()
			b.logger.Debug("batcher: duplicate suppressed",
				slog.String("guest_id", up.GuestID),
				slog.String("event_id", up.EventID),
			)

			return false
		}

		delete(b.recent, key)
	}

	if prior, ok := b.pending[key]; ok {
		// Replace content, keep the original queue position so
		// submission order is preserved across coalescing.
		up.QueuedAt = prior.QueuedAt
	} else if up.QueuedAt == 0 {
		up.QueuedAt = b.nowFunc().UnixNano()
	}

	b.pending[key] = &up
	reached := len(b.pending) >= b.cfg.MaxSize
	notify, sizeup := b.notify, b.sizeup
	b.mu.Unlock()

	b.logger.Debug("batcher: update queued",
		slog.String("guest_id", up.GuestID),
		slog.String("source", string(up.Update.Source)),
	)

	b.signal(notify)

	if reached {
		b.signal(sizeup)
	}

	return true
}

// Flush drains the queue immediately and returns the batch in submission
// order. It must be called on teardown so no queued update is lost. Flushed
// updates enter the dedup cache.
func (b *Batcher) Flush() []model.PendingUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.flushLocked()
}

func (b *Batcher) flushLocked() []model.PendingUpdate {
	if len(b.pending) == 0 {
		return nil
	}

	now := b.nowFunc()
	out := make([]model.PendingUpdate, 0, len(b.pending))

	for key, up := range b.pending {
		out = append(out, *up)
		b.recent[key] = flushedRecord{update: up.Update, flushedAt: now}
	}

	b.pending = make(map[string]*model.PendingUpdate)

	// Submission order within the instance; key as a deterministic
	// tie-break for same-instant enqueues.
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt != out[j].QueuedAt {
			return out[i].QueuedAt < out[j].QueuedAt
		}

		return out[i].Key() < out[j].Key()
	})

	b.pruneRecentLocked(now)

	b.logger.Info("batcher: flushed", slog.Int("updates", len(out)))

	return out
}

// pruneRecentLocked drops dedup entries older than the TTL so the cache
// stays bounded.
func (b *Batcher) pruneRecentLocked(now time.Time) {
	for key, rec := range b.recent {
		if now.Sub(rec.flushedAt) > b.cfg.DedupTTL {
			delete(b.recent, key)
		}
	}
}

// Len returns the number of distinct guests currently queued.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

// Batches returns a channel emitting coalesced batches. A batch is emitted
// when the debounce window elapses with no new enqueue, or early when the
// size threshold is reached. The channel closes when the context is
// canceled; any remaining updates are drained in a final batch first. The
// consumer must keep receiving until the channel closes: sends block rather
// than drop, so a flushed batch is never lost to a full channel.
func (b *Batcher) Batches(ctx context.Context) <-chan []model.PendingUpdate {
	out := make(chan []model.PendingUpdate, 1)

	b.mu.Lock()
	b.notify = make(chan struct{}, 1)
	b.sizeup = make(chan struct{}, 1)
	b.mu.Unlock()

	go b.debounceLoop(ctx, out)

	return out
}

// debounceLoop drives Batches: it waits for enqueue signals, resets the
// window timer, and flushes when the timer fires or the size threshold
// signal arrives.
func (b *Batcher) debounceLoop(ctx context.Context, out chan<- []model.PendingUpdate) {
	defer close(out)

	timer := time.NewTimer(b.cfg.Window)
	timer.Stop() // idle until the first enqueue
	defer timer.Stop()

	timerActive := false

	for {
		select {
		case <-ctx.Done():
			// Final drain before close so teardown loses nothing.
			b.emit(out)

			return

		case <-b.notify:
			if !timer.Stop() && timerActive {
				<-timer.C
			}

			timer.Reset(b.cfg.Window)
			timerActive = true

		case <-b.sizeup:
			if !timer.Stop() && timerActive {
				<-timer.C
			}

			timerActive = false

			b.emit(out)

		case <-timer.C:
			timerActive = false

			b.emit(out)
		}
	}
}

// emit flushes and sends a batch. The send blocks: once Flush ran the
// updates exist nowhere else, and the consumer keeps receiving until the
// channel closes.
func (b *Batcher) emit(out chan<- []model.PendingUpdate) {
	if batch := b.Flush(); batch != nil {
		out <- batch
	}
}

// signal performs a non-blocking send on an optional signal channel.
func (b *Batcher) signal(ch chan struct{}) {
	if ch == nil {
		return
	}

	select {
	case ch <- struct{}{}:
	default:
	}
}
