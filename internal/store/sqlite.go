package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

const sqliteDataSchema = `CREATE TABLE IF NOT EXISTS fly_data (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, key)
)`

const sqliteCacheSchema = `CREATE TABLE IF NOT EXISTS fly_cache (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER
)`

// openSQLite opens (or creates) the database file and applies schema.
func openSQLite(ctx context.Context, filename, schema string) (*sql.DB, error) {
	if filename != ":memory:" {
		if dir := filepath.Dir(filename); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating sqlite directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %q: %w", filename, err)
	}
	// One connection keeps :memory: databases coherent and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil && filename != ":memory:" {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL on %q: %w", filename, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout on %q: %w", filename, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema in %q: %w", filename, err)
	}
	return db, nil
}

// SQLiteData is a core.DataStore in a local SQLite file.
type SQLiteData struct {
	db *sql.DB
}

// OpenSQLiteData opens the data store at filename.
func OpenSQLiteData(ctx context.Context, filename string) (*SQLiteData, error) {
	db, err := openSQLite(ctx, filename, sqliteDataSchema)
	if err != nil {
		return nil, err
	}
	return &SQLiteData{db: db}, nil
}

func (s *SQLiteData) Get(ctx context.Context, collection, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM fly_data WHERE collection = ? AND key = ?`, collection, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("data get %s/%s: %w", collection, key, err)
	}
	return value, true, nil
}

func (s *SQLiteData) Put(ctx context.Context, collection, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO fly_data (collection, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		collection, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("data put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *SQLiteData) Delete(ctx context.Context, collection, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fly_data WHERE collection = ? AND key = ?`, collection, key)
	if err != nil {
		return false, fmt.Errorf("data delete %s/%s: %w", collection, key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteData) Close() error {
	return s.db.Close()
}

// SQLiteCache is a core.CacheStore in a local SQLite file. Expired rows
// are treated as missing and removed lazily.
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteCache opens the cache store at filename.
func OpenSQLiteCache(ctx context.Context, filename string) (*SQLiteCache, error) {
	db, err := openSQLite(ctx, filename, sqliteCacheSchema)
	if err != nil {
		return nil, err
	}
	return &SQLiteCache{db: db, now: time.Now}, nil
}

func (c *SQLiteCache) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value   string
		expires sql.NullInt64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM fly_cache WHERE key = ?`, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if expires.Valid && expires.Int64 <= c.now().UnixMilli() {
		_, _ = c.db.ExecContext(ctx, `DELETE FROM fly_cache WHERE key = ? AND expires_at = ?`, key, expires.Int64)
		return "", false, nil
	}
	return value, true, nil
}

func (c *SQLiteCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expires sql.NullInt64
	if ttl > 0 {
		expires = sql.NullInt64{Int64: c.now().Add(ttl).UnixMilli(), Valid: true}
	}
	_, err := c.db.ExecContext(ctx, `INSERT INTO fly_cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires)
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *SQLiteCache) Delete(ctx context.Context, key string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM fly_cache WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, c.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("cache delete %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	// Drop any expired leftover too; it was already invisible.
	_, _ = c.db.ExecContext(ctx, `DELETE FROM fly_cache WHERE key = ?`, key)
	return n > 0, nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
