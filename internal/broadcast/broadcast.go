// Package broadcast propagates state between instances of the client
// running on the same machine (two open windows, two terminals). Each
// instance publishes its store snapshot to a shared directory and watches
// for peers' snapshots; merging goes through the same conflict-resolution
// path as a remote pull, so convergence does not depend on the authority
// being reachable.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/weddingflow/guestsync/internal/model"
	"github.com/weddingflow/guestsync/internal/store"
)

// publishDebounce coalesces bursts of store changes into one publish.
const publishDebounce = 200 * time.Millisecond

// watchErrorBackoff is how long to pause after a watcher error before
// resuming.
const watchErrorBackoff = time.Second

// snapshot is the wire format of one instance's published state.
type snapshot struct {
	InstanceID    string           `json:"instanceId"`
	Hash          string           `json:"hash"`
	PublishedAt   int64            `json:"publishedAt"`
	Events        []model.Event    `json:"events"`
	DeletedEvents map[string]int64 `json:"deletedEvents,omitempty"`
	CurrentEvent  string           `json:"currentEvent,omitempty"`
}

// Broadcaster publishes this instance's store to a shared directory and
// merges peers' snapshots as they appear.
type Broadcaster struct {
	store      *store.RecordStore
	dir        string
	instanceID string
	logger     *slog.Logger

	changed chan struct{}

	lastPublished string            // hash of our last published snapshot
	seen          map[string]string // peer file -> last merged hash
}

// New creates a Broadcaster over the shared directory, creating it when
// absent. Each instance gets a unique snapshot filename for its lifetime.
func New(st *store.RecordStore, dir string, logger *slog.Logger) (*Broadcaster, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("broadcast: creating shared directory: %w", err)
	}

	b := &Broadcaster{
		store:      st,
		dir:        dir,
		instanceID: uuid.NewString(),
		logger:     logger,
		changed:    make(chan struct{}, 1),
		seen:       make(map[string]string),
	}

	st.Subscribe(func(store.Change) {
		select {
		case b.changed <- struct{}{}:
		default:
		}
	})

	return b, nil
}

// ownFile is the path this instance publishes to.
func (b *Broadcaster) ownFile() string {
	return filepath.Join(b.dir, b.instanceID+".json")
}

// Run watches the shared directory and publishes on store changes until ctx
// is canceled. On shutdown the instance's own snapshot file is removed so
// peers stop re-reading stale state.
func (b *Broadcaster) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("broadcast: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(b.dir); err != nil {
		return fmt.Errorf("broadcast: watching %s: %w", b.dir, err)
	}

	// Merge whatever peers already published, then announce ourselves.
	b.mergeExisting(ctx)
	b.publish()

	timer := time.NewTimer(publishDebounce)
	timer.Stop()
	defer timer.Stop()

	timerActive := false

	for {
		select {
		case <-ctx.Done():
			if err := os.Remove(b.ownFile()); err != nil && !errors.Is(err, fs.ErrNotExist) {
				b.logger.Warn("removing own snapshot failed", slog.String("error", err.Error()))
			}

			return ctx.Err()

		case <-b.changed:
			if !timer.Stop() && timerActive {
				<-timer.C
			}

			timer.Reset(publishDebounce)
			timerActive = true

		case <-timer.C:
			timerActive = false

			b.publish()

		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("broadcast: watcher closed")
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			b.mergeFile(ctx, ev.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("broadcast: watcher closed")
			}

			b.logger.Warn("watcher error, backing off", slog.String("error", err.Error()))

			select {
			case <-time.After(watchErrorBackoff):
			case <-ctx.Done():
			}
		}
	}
}

// publish writes the current store snapshot when its content hash moved
// since the last publish.
func (b *Broadcaster) publish() {
	hash := b.store.ContentHash()
	if hash == b.lastPublished {
		return
	}

	snap := snapshot{
		InstanceID:    b.instanceID,
		Hash:          hash,
		PublishedAt:   model.NowNano(),
		Events:        b.store.Events(),
		DeletedEvents: b.store.DeletedEvents(),
		CurrentEvent:  b.store.CurrentEventID(),
	}

	payload, err := json.Marshal(&snap)
	if err != nil {
		b.logger.Warn("encoding snapshot failed", slog.String("error", err.Error()))
		return
	}

	// Write-then-rename so peers never read a torn file.
	tmp := b.ownFile() + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		b.logger.Warn("writing snapshot failed", slog.String("error", err.Error()))
		return
	}

	if err := os.Rename(tmp, b.ownFile()); err != nil {
		b.logger.Warn("publishing snapshot failed", slog.String("error", err.Error()))
		return
	}

	b.lastPublished = hash

	b.logger.Debug("snapshot published",
		slog.Int("events", len(snap.Events)),
		slog.String("hash", hash[:12]),
	)
}

// mergeExisting merges all peer snapshots already present in the directory.
func (b *Broadcaster) mergeExisting(ctx context.Context) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		b.logger.Warn("listing shared directory failed", slog.String("error", err.Error()))
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		b.mergeFile(ctx, filepath.Join(b.dir, entry.Name()))
	}
}

// mergeFile merges one peer snapshot file into the store. Our own file,
// temp files, and snapshots already merged at the same hash are skipped.
func (b *Broadcaster) mergeFile(ctx context.Context, path string) {
	if !strings.HasSuffix(path, ".json") || path == b.ownFile() {
		return
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		// The peer may have shut down and removed its file mid-event.
		if !errors.Is(err, fs.ErrNotExist) {
			b.logger.Warn("reading peer snapshot failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	var snap snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		b.logger.Warn("skipping malformed peer snapshot",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	if snap.InstanceID == b.instanceID || b.seen[path] == snap.Hash {
		return
	}

	b.seen[path] = snap.Hash

	if adopted := b.store.MergeDeletedEvents(ctx, snap.DeletedEvents); len(adopted) > 0 {
		b.logger.Info("adopted peer tombstones", slog.Int("events", len(adopted)))
	}

	for i := range snap.Events {
		if err := b.store.ApplyPeerSnapshot(ctx, &snap.Events[i]); err != nil {
			b.logger.Warn("merging peer event failed",
				slog.String("event_id", snap.Events[i].ID),
				slog.String("error", err.Error()),
			)
		}
	}

	b.logger.Debug("peer snapshot merged",
		slog.String("peer", snap.InstanceID),
		slog.Int("events", len(snap.Events)),
	)
}
