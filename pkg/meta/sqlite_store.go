package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jacktea/shardfs/pkg/fs"
)

const (
	sqliteBusyTimeoutMS   = 5000
	sqliteMaxOpenConns    = 1
	sqliteConnMaxLifetime = 5 * time.Minute
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS files (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	real_name  TEXT NOT NULL,
	extension  TEXT NOT NULL DEFAULT ''
);`

// SQLiteStore persists metadata in a SQLite database. AUTOINCREMENT keeps
// identifiers monotonic even after the highest row is deleted.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// sqliteDSN carries the per-connection pragmas in the URL so that every
// connection the pool opens gets them.
func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", sqliteBusyTimeoutMS))
	u := url.URL{Scheme: "file", Path: path, RawQuery: q.Encode()}
	return u.String()
}

func configureSQLite(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	db.SetMaxOpenConns(sqliteMaxOpenConns)
	db.SetMaxIdleConns(sqliteMaxOpenConns)
	db.SetConnMaxLifetime(sqliteConnMaxLifetime)
	return nil
}

func (s *SQLiteStore) Allocate(ctx context.Context, realName, extension string) (fs.ID, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO files (real_name, extension) VALUES (?, ?)", realName, extension)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return fs.ID(id), nil
}

func (s *SQLiteStore) Get(ctx context.Context, id fs.ID) (fs.Record, error) {
	rec := fs.Record{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT real_name, extension FROM files WHERE id = ?", int64(id)).Scan(&rec.RealName, &rec.Extension)
	if errors.Is(err, sql.ErrNoRows) {
		return fs.Record{}, fs.ErrNotFound
	}
	if err != nil {
		return fs.Record{}, err
	}
	return rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id fs.ID) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE id = ?", int64(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fs.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, after fs.ID, limit int) ([]fs.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, real_name, extension FROM files WHERE id > ? ORDER BY id LIMIT ?", int64(after), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fs.Record
	for rows.Next() {
		var (
			rec fs.Record
			id  int64
		)
		if err := rows.Scan(&id, &rec.RealName, &rec.Extension); err != nil {
			return nil, err
		}
		rec.ID = fs.ID(id)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Restore(ctx context.Context, rec fs.Record) error {
	if !rec.ID.Valid() {
		return fmt.Errorf("sqlite: restore invalid id %d", rec.ID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM files WHERE id = ?", int64(rec.ID)).Scan(&exists)
	if err == nil {
		return fs.ErrAlreadyExist
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO files (id, real_name, extension) VALUES (?, ?, ?)",
		int64(rec.ID), rec.RealName, rec.Extension); err != nil {
		return err
	}
	return tx.Commit()
}

// DB exposes the connection pool for instrumentation.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
