package playlist

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists entries in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS playlist_entries (
		ts            INTEGER PRIMARY KEY,
		owner         TEXT NOT NULL,
		url           TEXT NOT NULL,
		note          TEXT NOT NULL DEFAULT '',
		position      INTEGER NOT NULL,
		auto_stitched INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_playlist_owner_pos ON playlist_entries(owner, position);
	`)
	return err
}

func (s *SQLiteStore) List(ctx context.Context, owner string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, owner, url, note, position, auto_stitched, created_at
		 FROM playlist_entries WHERE owner = ? ORDER BY position, ts`, owner)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			auto    int
			created string
		)
		if err := rows.Scan(&e.Timestamp, &e.Owner, &e.URL, &e.Note, &e.Position, &auto, &created); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.AutoStitched = auto != 0
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

const sqliteInsert = `INSERT INTO playlist_entries (ts, owner, url, note, position, auto_stitched, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

func sqliteArgs(e Entry) []any {
	auto := 0
	if e.AutoStitched {
		auto = 1
	}
	return []any{e.Timestamp, e.Owner, e.URL, e.Note, e.Position, auto, e.CreatedAt.UTC().Format(time.RFC3339Nano)}
}

func (s *SQLiteStore) Insert(ctx context.Context, e Entry) error {
	if _, err := s.db.ExecContext(ctx, sqliteInsert, sqliteArgs(e)...); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Replace(ctx context.Context, owner string, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM playlist_entries WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, sqliteInsert, sqliteArgs(e)...); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) MaxTimestamp(ctx context.Context) (int64, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM playlist_entries`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("max timestamp: %w", err)
	}
	return ts.Int64, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM playlist_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
