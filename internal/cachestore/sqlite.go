package cachestore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type sqliteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database file. Use
// "file::memory:?cache=shared" for a throwaway in-memory database.
func OpenSQLite(filename string) (*Store, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers and keeps transactions simple
	db.SetMaxOpenConns(1)

	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"CREATE TABLE IF NOT EXISTS caches (name TEXT PRIMARY KEY, created INTEGER)",
		"CREATE TABLE IF NOT EXISTS entries (cache TEXT NOT NULL, key TEXT NOT NULL, bytes BLOB, PRIMARY KEY (cache, key))",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{b: &sqliteBackend{db: db}}, nil
}

func (s *sqliteBackend) createCache(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO caches (name, created) VALUES (?, ?)", name, time.Now().Unix())
	return err
}

func (s *sqliteBackend) hasCache(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteBackend) cacheNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *sqliteBackend) deleteCache(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteBackend) get(ctx context.Context, name, key string) ([]byte, bool, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, "SELECT bytes FROM entries WHERE cache = ? AND key = ?", name, key).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *sqliteBackend) write(ctx context.Context, name string, recs []record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	for _, r := range recs {
		if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO entries (cache, key, bytes) VALUES (?, ?, ?)", name, r.key, r.value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteBackend) remove(ctx context.Context, name, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE cache = ? AND key = ?", name, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteBackend) entryKeys(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries WHERE cache = ? ORDER BY key", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *sqliteBackend) close() error {
	return s.db.Close()
}
