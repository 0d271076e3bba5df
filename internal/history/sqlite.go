package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/jarvis-chat/internal/logger"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		key        TEXT    PRIMARY KEY,
		history    TEXT    NOT NULL,
		expires_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_expires ON conversations(expires_at);`,
}

// SQLiteStore persists histories in a single SQLite table, one row per conversation.
// Expiry is a unix-millisecond column checked on read and enforced by Sweep.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

var (
	_ Store   = (*SQLiteStore)(nil)
	_ Sweeper = (*SQLiteStore)(nil)
)

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		path = "history.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, storeError("mkdir", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, storeError("open", err)
	}
	// One writer at a time; keeps the pragmas on every statement.
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			_ = db.Close()
			return nil, storeError("migrate", err)
		}
	}
	logger.L.Info("sqlite history store initialized", "path", path)

	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

// Load returns the unexpired history for id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (History, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT history FROM conversations WHERE key = ? AND expires_at > ?;`,
		Key(s.opts.prefix, id), s.opts.now().UnixMilli(),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, storeError("load", err)
	}

	h, err := decode([]byte(data))
	if err != nil {
		return nil, false, storeError("decode", err)
	}
	return h, true, nil
}

// Save upserts the row for id; history and expiry change in one statement.
func (s *SQLiteStore) Save(ctx context.Context, id string, h History, ttl time.Duration) error {
	data, err := encode(h)
	if err != nil {
		return storeError("encode", err)
	}

	now := s.opts.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (key, history, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			history    = excluded.history,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at;`,
		Key(s.opts.prefix, id), string(data), now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return storeError("save", err)
	}
	return nil
}

// Sweep deletes rows expired at now.
func (s *SQLiteStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE expires_at <= ?;`, now.UnixMilli())
	if err != nil {
		return 0, storeError("sweep", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("sweep", fmt.Errorf("rows affected: %w", err))
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
