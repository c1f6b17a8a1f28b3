package playlist

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists entries in PostgreSQL, for deployments that share a playlist
// across instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS playlist_entries (
			ts BIGINT PRIMARY KEY,
			owner TEXT NOT NULL,
			url TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL,
			auto_stitched BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_playlist_owner_pos ON playlist_entries (owner, position);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init playlist schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, owner string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts, owner, url, note, position, auto_stitched, created_at
		 FROM playlist_entries WHERE owner = $1 ORDER BY position, ts`, owner)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Timestamp, &e.Owner, &e.URL, &e.Note, &e.Position, &e.AutoStitched, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const pgInsert = `INSERT INTO playlist_entries (ts, owner, url, note, position, auto_stitched, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (s *PostgresStore) Insert(ctx context.Context, e Entry) error {
	if _, err := s.pool.Exec(ctx, pgInsert, e.Timestamp, e.Owner, e.URL, e.Note, e.Position, e.AutoStitched, e.CreatedAt); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Replace(ctx context.Context, owner string, entries []Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM playlist_entries WHERE owner = $1`, owner); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(pgInsert, e.Timestamp, e.Owner, e.URL, e.Note, e.Position, e.AutoStitched, e.CreatedAt)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert entries: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) MaxTimestamp(ctx context.Context) (int64, error) {
	var ts *int64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(ts) FROM playlist_entries`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("max timestamp: %w", err)
	}
	if ts == nil {
		return 0, nil
	}
	return *ts, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM playlist_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
