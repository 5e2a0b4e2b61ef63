package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/weddingflow/guestsync/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Tombstone kinds as stored in the tombstones table.
const (
	tombstoneEvent = "event"
	tombstoneGuest = "guest"
)

// metaCurrentEvent is the meta key holding the currently selected event ID.
const metaCurrentEvent = "current_event"

// walJournalSizeLimit bounds the WAL journal to 64 MiB.
const walJournalSizeLimit = 67108864

// CachedState is everything the durable cache holds, loaded once at startup.
type CachedState struct {
	Events         []*model.Event
	DeletedEvents  map[string]int64 // event ID -> deleted-at (Unix nanos)
	DeletedGuests  map[string]int64 // guest ID -> deleted-at (Unix nanos)
	CurrentEventID string
}

// Cache is the durable local cache contract the record store writes through
// to. The concrete implementation is SQLite; tests may substitute a fake.
type Cache interface {
	LoadState(ctx context.Context) (*CachedState, error)
	SaveEvent(ctx context.Context, event *model.Event) error
	DeleteEvent(ctx context.Context, eventID string) error
	SaveTombstone(ctx context.Context, kind, id string, deletedAt int64) error
	RemoveTombstone(ctx context.Context, kind, id string) error
	SaveCurrentEvent(ctx context.Context, eventID string) error
	Close() error
}

// SQLiteCache implements Cache with an embedded SQLite database in WAL mode.
// Event aggregates are stored as JSON payloads keyed by ID; tombstones and
// the current-event marker live in their own tables.
type SQLiteCache struct {
	db     *sql.DB
	logger *slog.Logger

	eventStmts     eventStatements
	tombstoneStmts tombstoneStatements
	metaStmts      metaStatements
}

// Statement groups to keep the struct readable.
type eventStatements struct {
	save, remove, list *sql.Stmt
}

type tombstoneStatements struct {
	save, remove, list *sql.Stmt
}

type metaStatements struct {
	get, save *sql.Stmt
}

// OpenCache opens (or creates) the cache database at dbPath, applies
// migrations, and prepares the repeated statements. Use ":memory:" in tests.
func OpenCache(dbPath string, logger *slog.Logger) (*SQLiteCache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening local cache", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	c := &SQLiteCache{db: db, logger: logger}

	if err := c.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}

	return c, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: set pragma %q: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations via the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

func (c *SQLiteCache) prepareStatements(ctx context.Context) error {
	stmts := []struct {
		dst **sql.Stmt
		sql string
	}{
		{&c.eventStmts.save, `INSERT INTO events (id, owner_id, payload, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, payload = excluded.payload, updated_at = excluded.updated_at`},
		{&c.eventStmts.remove, `DELETE FROM events WHERE id = ?`},
		{&c.eventStmts.list, `SELECT id, payload FROM events ORDER BY updated_at DESC`},
		{&c.tombstoneStmts.save, `INSERT INTO tombstones (kind, id, deleted_at) VALUES (?, ?, ?)
			ON CONFLICT (kind, id) DO UPDATE SET deleted_at = excluded.deleted_at`},
		{&c.tombstoneStmts.remove, `DELETE FROM tombstones WHERE kind = ? AND id = ?`},
		{&c.tombstoneStmts.list, `SELECT kind, id, deleted_at FROM tombstones`},
		{&c.metaStmts.get, `SELECT value FROM meta WHERE key = ?`},
		{&c.metaStmts.save, `INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`},
	}

	for _, s := range stmts {
		prepared, err := c.db.PrepareContext(ctx, s.sql)
		if err != nil {
			return fmt.Errorf("preparing %q: %w", s.sql, err)
		}

		*s.dst = prepared
	}

	return nil
}

// LoadState reads the full cached state. A malformed event payload is
// skipped with a warning and loading continues: one corrupt row must not
// take the rest of the data with it.
func (c *SQLiteCache) LoadState(ctx context.Context) (*CachedState, error) {
	state := &CachedState{
		DeletedEvents: make(map[string]int64),
		DeletedGuests: make(map[string]int64),
	}

	rows, err := c.eventStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: listing cached events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, payload string

		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("store: scanning cached event: %w", err)
		}

		var event model.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			c.logger.Warn("skipping corrupt cache entry",
				slog.String("event_id", id),
				slog.String("error", err.Error()),
			)

			continue
		}

		state.Events = append(state.Events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating cached events: %w", err)
	}

	if err := c.loadTombstones(ctx, state); err != nil {
		return nil, err
	}

	current, err := c.metaValue(ctx, metaCurrentEvent)
	if err != nil {
		return nil, err
	}

	state.CurrentEventID = current

	c.logger.Info("cache loaded",
		slog.Int("events", len(state.Events)),
		slog.Int("event_tombstones", len(state.DeletedEvents)),
		slog.Int("guest_tombstones", len(state.DeletedGuests)),
	)

	return state, nil
}

func (c *SQLiteCache) loadTombstones(ctx context.Context, state *CachedState) error {
	rows, err := c.tombstoneStmts.list.QueryContext(ctx)
	if err != nil {
		return fmt.Errorf("store: listing tombstones: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind, id  string
			deletedAt int64
		)

		if err := rows.Scan(&kind, &id, &deletedAt); err != nil {
			return fmt.Errorf("store: scanning tombstone: %w", err)
		}

		switch kind {
		case tombstoneEvent:
			state.DeletedEvents[id] = deletedAt
		case tombstoneGuest:
			state.DeletedGuests[id] = deletedAt
		}
	}

	return rows.Err()
}

func (c *SQLiteCache) metaValue(ctx context.Context, key string) (string, error) {
	var value string

	err := c.metaStmts.get.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("store: reading meta %q: %w", key, err)
	}

	return value, nil
}

// SaveEvent writes one event aggregate through to disk.
func (c *SQLiteCache) SaveEvent(ctx context.Context, event *model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("store: encoding event %s: %w", event.ID, err)
	}

	if _, err := c.eventStmts.save.ExecContext(ctx, event.ID, event.OwnerID, string(payload), event.UpdatedAt); err != nil {
		return fmt.Errorf("store: saving event %s: %w", event.ID, err)
	}

	return nil
}

// DeleteEvent removes an event row. Tombstoning is a separate, explicit
// step so a pull cannot resurrect the event.
func (c *SQLiteCache) DeleteEvent(ctx context.Context, eventID string) error {
	if _, err := c.eventStmts.remove.ExecContext(ctx, eventID); err != nil {
		return fmt.Errorf("store: deleting event %s: %w", eventID, err)
	}

	return nil
}

// SaveTombstone records a deletion marker.
func (c *SQLiteCache) SaveTombstone(ctx context.Context, kind, id string, deletedAt int64) error {
	if _, err := c.tombstoneStmts.save.ExecContext(ctx, kind, id, deletedAt); err != nil {
		return fmt.Errorf("store: saving %s tombstone %s: %w", kind, id, err)
	}

	return nil
}

// RemoveTombstone clears a deletion marker (restore path).
func (c *SQLiteCache) RemoveTombstone(ctx context.Context, kind, id string) error {
	if _, err := c.tombstoneStmts.remove.ExecContext(ctx, kind, id); err != nil {
		return fmt.Errorf("store: removing %s tombstone %s: %w", kind, id, err)
	}

	return nil
}

// SaveCurrentEvent persists the selected event marker.
func (c *SQLiteCache) SaveCurrentEvent(ctx context.Context, eventID string) error {
	if _, err := c.metaStmts.save.ExecContext(ctx, metaCurrentEvent, eventID); err != nil {
		return fmt.Errorf("store: saving current event: %w", err)
	}

	return nil
}

// Close releases prepared statements and the database handle.
func (c *SQLiteCache) Close() error {
	for _, stmt := range []*sql.Stmt{
		c.eventStmts.save, c.eventStmts.remove, c.eventStmts.list,
		c.tombstoneStmts.save, c.tombstoneStmts.remove, c.tombstoneStmts.list,
		c.metaStmts.get, c.metaStmts.save,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("store: closing cache: %w", err)
	}

	return nil
}
