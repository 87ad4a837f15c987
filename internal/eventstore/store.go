package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	_ "modernc.org/sqlite"
)

// Document is the latest known state of one admitted item.
type Document struct {
	ItemID     string
	Name       string
	Status     string
	Error      string
	EnqueuedAt time.Time
	UpdatedAt  time.Time
}

// Event is one recorded lifecycle entry. ItemID is empty for batch-wide events.
type Event struct {
	ID        int64
	ItemID    string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store keeps a SQLite journal of documents and their render events.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS documents (
    item_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    enqueued_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(item_id) REFERENCES documents(item_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_item_created ON events(item_id, created_at);
CREATE INDEX IF NOT EXISTS idx_documents_enqueued ON documents(enqueued_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// UpsertDocument records or refreshes the state of an item.
func (s *Store) UpsertDocument(ctx context.Context, doc Document) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC()
	if doc.EnqueuedAt.IsZero() {
		doc.EnqueuedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents(item_id, name, status, error, enqueued_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET status=excluded.status, error=excluded.error, updated_at=excluded.updated_at`,
		doc.ItemID, doc.Name, doc.Status, doc.Error, doc.EnqueuedAt.UnixNano(), now.UnixNano())
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	var itemID sql.NullString
	if evt.ItemID != "" {
		itemID = sql.NullString{String: evt.ItemID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(item_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		itemID, evt.Type, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// ListDocumentEvents retrieves up to limit events for an item ordered by time.
func (s *Store) ListDocumentEvents(ctx context.Context, itemID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, event_type, payload, created_at
		 FROM events WHERE item_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, itemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var id sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &id, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.ItemID = id.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListDocuments returns the most recently admitted documents first.
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]Document, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, name, status, COALESCE(error, ''), enqueued_at, updated_at
		 FROM documents ORDER BY enqueued_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var enqueued, updated int64
		if err := rows.Scan(&d.ItemID, &d.Name, &d.Status, &d.Error, &enqueued, &updated); err != nil {
			return nil, err
		}
		d.EnqueuedAt = time.Unix(0, enqueued).UTC()
		d.UpdatedAt = time.Unix(0, updated).UTC()
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() || s.cfg.RetentionMode != "persistent" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE enqueued_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxDocuments > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE item_id IN (
			SELECT item_id FROM documents ORDER BY enqueued_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxDocuments)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
