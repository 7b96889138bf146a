package shard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout keeps created_at lexically sortable.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists shards in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard db: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps db and applies the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate shard db: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS shards (
			shard_id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shard_chunks (
			shard_id TEXT NOT NULL REFERENCES shards(shard_id),
			seq INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (shard_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shards_owner ON shards(owner_user_id)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Backend() string { return "sqlite" }

func (s *SQLiteStore) Create(ctx context.Context, sh *Shard) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shards (shard_id, owner_user_id, created_at) VALUES (?, ?, ?)`,
		sh.ID, sh.OwnerUserID, sh.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert shard: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Shard, error) {
	sh, err := s.queryShard(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM shard_chunks WHERE shard_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}
	sh.Chunks = chunks
	return sh, nil
}

func (s *SQLiteStore) queryShard(ctx context.Context, id string) (*Shard, error) {
	var sh Shard
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT shard_id, owner_user_id, created_at FROM shards WHERE shard_id = ?`, id,
	).Scan(&sh.ID, &sh.OwnerUserID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query shard: %w", err)
	}
	if sh.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("corrupt created_at for shard %s: %w", id, err)
	}
	return &sh, nil
}

func (s *SQLiteStore) ListByOwner(ctx context.Context, owner string) ([]*Shard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.shard_id, s.owner_user_id, s.created_at, COUNT(c.seq)
		FROM shards s LEFT JOIN shard_chunks c ON c.shard_id = s.shard_id
		WHERE s.owner_user_id = ?
		GROUP BY s.shard_id, s.owner_user_id, s.created_at
		ORDER BY s.created_at, s.shard_id`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list shards: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Shard
	for rows.Next() {
		var sh Shard
		var created string
		var count int
		if err := rows.Scan(&sh.ID, &sh.OwnerUserID, &created, &count); err != nil {
			return nil, err
		}
		if sh.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("corrupt created_at for shard %s: %w", sh.ID, err)
		}
		// Listing reports counts only; chunk payloads are read by Get.
		sh.Chunks = make([][]byte, count)
		out = append(out, &sh)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendChunk(ctx context.Context, id string, chunk []byte, maxChunks int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM shards WHERE shard_id = ?`, id).Scan(&exists); err != nil {
		return 0, fmt.Errorf("failed to query shard: %w", err)
	}
	if exists == 0 {
		return 0, notFound("append_chunk", id)
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM shard_chunks WHERE shard_id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	if count >= maxChunks {
		return 0, full("append_chunk", id, maxChunks)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO shard_chunks (shard_id, seq, data) VALUES (?, ?, ?)`, id, count, chunk,
	); err != nil {
		return 0, fmt.Errorf("failed to insert chunk: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit chunk: %w", err)
	}
	return count + 1, nil
}

func (s *SQLiteStore) Drain(ctx context.Context, id string) ([][]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM shards WHERE shard_id = ?`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to query shard: %w", err)
	}
	if exists == 0 {
		return nil, notFound("drain", id)
	}
	rows, err := tx.QueryContext(ctx, `SELECT data FROM shard_chunks WHERE shard_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM shard_chunks WHERE shard_id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to drain chunks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain: %w", err)
	}
	return chunks, nil
}

func scanChunks(rows *sql.Rows) ([][]byte, error) {
	defer func() { _ = rows.Close() }()
	var chunks [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		chunks = append(chunks, data)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return chunks, nil
}
