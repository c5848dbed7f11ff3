// Package sqlite implements the storage interfaces on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// Store splits connections into a serialized writer and a reader pool.
// SQLite allows one writer at a time; capping the write pool at a single
// connection trades SQLITE_BUSY errors for queueing in database/sql.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens the database at dsn, applies migrations, and returns a Store.
// A dsn of ":memory:" opens a shared-cache in-memory database so both
// pools see the same data.
func New(dsn string) (*Store, error) {
	write, err := open(dsn, 1)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	read, err := open(dsn, max(4, runtime.NumCPU()))
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}

	if err := migrate(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &Store{write: write, read: read}, nil
}

func open(dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", connString(dsn))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	return db, nil
}

func connString(dsn string) string {
	params := make([]string, 0, len(pragmas)+2)
	if dsn == ":memory:" {
		params = append(params, "mode=memory", "cache=shared")
	}
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	return "file:" + dsn + "?" + strings.Join(params, "&")
}

// migrate applies the embedded goose migrations. fs.Sub strips the
// "migrations/" prefix so goose sees files at the FS root.
func migrate(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies connectivity on the read pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
