// Package store persists gateway session identity.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"gatewayd/internal/domain"
)

// SQLiteIdentityStore implements domain.IdentityStore using SQLite.
type SQLiteIdentityStore struct {
	db *sql.DB
}

var _ domain.IdentityStore = (*SQLiteIdentityStore)(nil)

// NewSQLiteIdentityStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteIdentityStore(dbPath string) (*SQLiteIdentityStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open identity db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate identity db: %w", err)
	}
	return &SQLiteIdentityStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS identities (
			shard_id   INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq        INTEGER,
			resume_url TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteIdentityStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteIdentityStore) Load(ctx context.Context, shardID int) (domain.Identity, error) {
	var (
		id  domain.Identity
		seq sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT session_id, seq, resume_url FROM identities WHERE shard_id = ?", shardID,
	).Scan(&id.SessionID, &seq, &id.ResumeURL)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Identity{}, nil
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("load identity for shard %d: %w", shardID, err)
	}
	if seq.Valid {
		v := seq.Int64
		id.Seq = &v
	}
	return id, nil
}

func (s *SQLiteIdentityStore) Save(ctx context.Context, shardID int, id domain.Identity) error {
	var seq sql.NullInt64
	if id.Seq != nil {
		seq = sql.NullInt64{Int64: *id.Seq, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (shard_id, session_id, seq, resume_url, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(shard_id) DO UPDATE SET
			session_id = excluded.session_id,
			seq        = excluded.seq,
			resume_url = excluded.resume_url,
			updated_at = excluded.updated_at`,
		shardID, id.SessionID, seq, id.ResumeURL, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save identity for shard %d: %w", shardID, err)
	}
	return nil
}

func (s *SQLiteIdentityStore) Clear(ctx context.Context, shardID int) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM identities WHERE shard_id = ?", shardID); err != nil {
		return fmt.Errorf("clear identity for shard %d: %w", shardID, err)
	}
	return nil
}
