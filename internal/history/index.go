// internal/history/index.go
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agentloop/internal/thread"
)

// ErrNotFound is returned for unknown thread ids
var ErrNotFound = errors.New("thread record not found")

// Entry is one row of the thread catalogue
type Entry struct {
	ThreadID     string    `json:"thread_id"`
	Title        string    `json:"title"`
	LastActiveAt time.Time `json:"last_active_at"`
	Archived     bool      `json:"archived"`
}

// Index is the append-only catalogue of threads. Archiving hides a
// thread from the recent view; nothing is ever deleted.
type Index struct {
	db *sql.DB
}

// Open creates or opens the index database at path
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	idx := &Index{db: db}
	if err := idx.init(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// init creates the schema
func (i *Index) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		profile TEXT NOT NULL DEFAULT '',
		token_usage INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		last_active_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_threads_recent ON threads(archived, last_active_at);
	`
	_, err := i.db.Exec(schema)
	return err
}

// Close closes the database connection
func (i *Index) Close() error {
	return i.db.Close()
}

// SaveThread upserts a thread record. Implements thread.Persister.
func (i *Index) SaveThread(rec thread.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal thread %s: %w", rec.ID, err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	lastActive := rec.LastActive
	if lastActive.IsZero() {
		lastActive = time.Now()
	}

	_, err = i.db.Exec(`
		INSERT INTO threads (id, title, profile, token_usage, data, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			profile = excluded.profile,
			token_usage = excluded.token_usage,
			data = excluded.data,
			last_active_at = excluded.last_active_at`,
		rec.ID, rec.Title, rec.Profile, rec.TokenUsage, string(data), createdAt, lastActive)
	return err
}

// Archive hides a thread from the recent view. Implements thread.Persister.
func (i *Index) Archive(threadID string) error {
	res, err := i.db.Exec(`UPDATE threads SET archived = 1 WHERE id = ?`, threadID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	return nil
}

// Touch bumps a thread's last-activity timestamp
func (i *Index) Touch(threadID string) error {
	res, err := i.db.Exec(`UPDATE threads SET last_active_at = ? WHERE id = ?`, time.Now(), threadID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	return nil
}

// GetThread loads a full thread record
func (i *Index) GetThread(threadID string) (thread.Record, error) {
	var data string
	err := i.db.QueryRow(`SELECT data FROM threads WHERE id = ?`, threadID).Scan(&data)
	if err == sql.ErrNoRows {
		return thread.Record{}, fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	if err != nil {
		return thread.Record{}, err
	}

	var rec thread.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return thread.Record{}, fmt.Errorf("decode thread %s: %w", threadID, err)
	}
	return rec, nil
}

// Recent returns the newest n unarchived entries, most recent first.
// The UI's "recent six" surface is Recent(6).
func (i *Index) Recent(n int) ([]Entry, error) {
	rows, err := i.db.Query(`
		SELECT id, title, last_active_at, archived FROM threads
		WHERE archived = 0
		ORDER BY last_active_at DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// List returns every catalogue entry, most recent first
func (i *Index) List() ([]Entry, error) {
	rows, err := i.db.Query(`
		SELECT id, title, last_active_at, archived FROM threads
		ORDER BY last_active_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var archived int
		if err := rows.Scan(&e.ThreadID, &e.Title, &e.LastActiveAt, &archived); err != nil {
			return nil, err
		}
		e.Archived = archived != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
