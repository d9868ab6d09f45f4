package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/offline-hub/offline-hub/internal/fetch"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS buckets (
		identity   TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		identity  TEXT NOT NULL,
		key       TEXT NOT NULL,
		payload   BLOB NOT NULL,
		stored_at INTEGER NOT NULL,
		PRIMARY KEY (identity, key)
	)`,
}

type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

type sqliteBucket struct {
	store *sqliteStore
	id    Identity
}

// NewSQLiteStore 在 basePath/offline-hub.db 中保存全部缓存桶。
func NewSQLiteStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(basePath, "offline-hub.db"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单连接串行化写入，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return &sqliteStore{db: db, now: time.Now}, nil
}

func (s *sqliteStore) Open(ctx context.Context, id Identity) (Bucket, error) {
	if err := validateIdentity(id); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO buckets (identity, created_at) VALUES (?, ?)",
		string(id), s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", id, err)
	}
	return &sqliteBucket{store: s, id: id}, nil
}

func (s *sqliteStore) Has(ctx context.Context, id Identity) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM buckets WHERE identity = ?", string(id)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *sqliteStore) Identities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT identity FROM buckets ORDER BY identity ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []Identity
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, Identity(id))
	}
	return ids, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, id Identity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE identity = ?", string(id)); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM buckets WHERE identity = ?", string(id)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (b *sqliteBucket) Identity() Identity {
	return b.id
}

func (b *sqliteBucket) Match(ctx context.Context, key Key) (*Entry, error) {
	var payload []byte
	err := b.store.db.QueryRowContext(ctx,
		"SELECT payload FROM entries WHERE identity = ? AND key = ?",
		string(b.id), key.String()).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeEntry(payload)
}

func (b *sqliteBucket) Put(ctx context.Context, key Key, resp *fetch.Response) error {
	if resp == nil {
		return errors.New("cache put: nil response")
	}
	entry := newEntry(key, resp, b.store.now())
	payload, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	_, err = b.store.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (identity, key, payload, stored_at) VALUES (?, ?, ?, ?)",
		string(b.id), key.String(), payload, entry.StoredAt.Unix())
	return err
}

func (b *sqliteBucket) Remove(ctx context.Context, key Key) error {
	_, err := b.store.db.ExecContext(ctx,
		"DELETE FROM entries WHERE identity = ? AND key = ?", string(b.id), key.String())
	return err
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]Key, error) {
	rows, err := b.store.db.QueryContext(ctx, "SELECT payload FROM entries WHERE identity = ?", string(b.id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		entry, err := decodeEntry(payload)
		if err != nil {
			continue
		}
		keys = append(keys, entry.Key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}
