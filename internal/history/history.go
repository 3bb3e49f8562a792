// Package history keeps the update ledger. Every terminal update
// outcome, successful or not, is appended to a local sqlite database
// so operators can answer "what changed on this machine and when"
// after the fact.
package history

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go sqlite driver

	"github.com/m87-labs/moondream-station/internal/errors"
)

// Outcomes recorded in the ledger.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Entry is one row of the update ledger.
type Entry struct {
	ID          int64     `json:"id"`
	Component   string    `json:"component"`
	FromVersion string    `json:"from_version"`
	ToVersion   string    `json:"to_version"`
	Outcome     string    `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS update_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	component TEXT NOT NULL,
	from_version TEXT NOT NULL,
	to_version TEXT NOT NULL,
	outcome TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_update_history_component
	ON update_history(component, id);
`

// Store is the sqlite-backed update ledger.
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.New(errors.CodeHistoryStore).Wrap(err)
	}

	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, errors.New(errors.CodeHistoryStore).Wrap(err)
	}
	// sqlite has a single writer; one connection avoids lock churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.New(errors.CodeHistoryStore).
			WithDetail("creating schema").Wrap(err)
	}
	return &Store{db: db}, nil
}

// buildDSN creates a WAL read-write DSN for the given path.
func buildDSN(path string) string {
	u := url.URL{
		Scheme: "file",
		Path:   filepath.ToSlash(path),
	}
	q := url.Values{}
	q["_pragma"] = []string{
		"journal_mode(WAL)",
		"busy_timeout(3000)",
		"foreign_keys(on)",
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Append records one terminal update outcome. A zero CreatedAt is
// stamped with the current time.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO update_history
			(component, from_version, to_version, outcome, detail, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Component, e.FromVersion, e.ToVersion, e.Outcome, e.Detail,
		e.DurationMS, e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.New(errors.CodeHistoryStore).
			WithComponent(e.Component).Wrap(err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, component, from_version, to_version, outcome, detail, duration_ms, created_at
		FROM update_history
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.New(errors.CodeHistoryStore).Wrap(err)
	}
	return scanEntries(rows)
}

// ForComponent returns the newest entries for one component, most
// recent first.
func (s *Store) ForComponent(ctx context.Context, component string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, component, from_version, to_version, outcome, detail, duration_ms, created_at
		FROM update_history
		WHERE component = ?
		ORDER BY id DESC
		LIMIT ?`, component, limit)
	if err != nil {
		return nil, errors.New(errors.CodeHistoryStore).
			WithComponent(component).Wrap(err)
	}
	return scanEntries(rows)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer func() {
		_ = rows.Close()
	}()

	entries := []Entry{}
	for rows.Next() {
		var (
			e         Entry
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Component, &e.FromVersion, &e.ToVersion,
			&e.Outcome, &e.Detail, &e.DurationMS, &createdAt); err != nil {
			return nil, errors.New(errors.CodeHistoryStore).Wrap(err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeHistoryStore).Wrap(err)
	}
	return entries, nil
}
