package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

type Options struct {
	// BusyTimeout bounds how long a connection waits on a lock held by another
	// process before failing with ErrStorageUnavailable.
	BusyTimeout time.Duration
}

type Store struct {
	db   *sql.DB
	path string
	w    *writer

	Travels      TravelRepository
	Moves        MoveRepository
	Geolocations GeolocationRepository
	Backups      BackupRepository
	Journal      JournalRepository
}

// writer serializes write transactions. The store is a single logical writer,
// so row-level invariants (one open move per travel, unique fix instants) are
// checked and written without interleaving.
type writer struct {
	db *sql.DB
	mu sync.Mutex
}

func (w *writer) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op+": begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op+": commit", err)
	}
	return nil
}

// Open opens (creating if needed) the SQLite database at path and applies the
// default migrations before returning.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open storage: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, unavailable("open storage: create parent dir", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, opts))
	if err != nil {
		return nil, unavailable("open storage", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, unavailable("open storage: ping", err)
	}
	if err := ensureForeignKeysEnabled(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	store, err := New(db, path)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureDBPermissions(path); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an already opened engine handle. It runs the default migrations so
// no other operation can observe a partially migrated schema.
func New(db *sql.DB, path string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("new storage: db is nil")
	}
	if err := RunMigrations(db, DefaultMigrations()); err != nil {
		return nil, err
	}

	w := &writer{db: db}
	store := &Store{
		db:   db,
		path: path,
		w:    w,
	}
	store.Travels = &travelRepository{db: db, w: w}
	store.Moves = &moveRepository{db: db, w: w}
	store.Geolocations = &geolocationRepository{db: db, w: w}
	store.Backups = &backupRepository{db: db, w: w}
	store.Journal = &journalRepository{db: db, w: w}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	version, err := readSchemaVersion(s.db)
	if err != nil {
		return Stats{}, unavailable("stats", err)
	}
	stats.SchemaVersion = version

	counts := []struct {
		query  string
		target *int
	}{
		{`SELECT COUNT(1) FROM travel`, &stats.Travels},
		{`SELECT COUNT(1) FROM move`, &stats.Moves},
		{`SELECT COUNT(1) FROM move WHERE end_timestamp IS NULL`, &stats.OpenMoves},
		{`SELECT COUNT(1) FROM geolocation`, &stats.Geolocations},
		{`SELECT COUNT(1) FROM geolocation WHERE move_id IS NULL`, &stats.Unassigned},
		{`SELECT COUNT(1) FROM journal_events`, &stats.JournalEvents},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.target); err != nil {
			return Stats{}, unavailable("stats", err)
		}
	}
	return stats, nil
}

func sqliteDSN(path string, opts Options) string {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	return filepath.Clean(path) +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(" + strconv.FormatInt(busy.Milliseconds(), 10) + ")" +
		"&_txlock=immediate"
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	var enabled int
	if err := db.QueryRow(`PRAGMA foreign_keys`).Scan(&enabled); err != nil {
		return unavailable("check foreign keys", err)
	}
	if enabled != 1 {
		return fmt.Errorf("%w: foreign keys are disabled", ErrStorageUnavailable)
	}
	return nil
}

func ensureDBPermissions(path string) error {
	for _, candidate := range []string{path, path + "-wal"} {
		if err := os.Chmod(candidate, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
			return unavailable("set db file permissions", err)
		}
	}
	return nil
}
