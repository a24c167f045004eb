// Package store provides the supervisor's persistent state: user settings,
// connection records with encrypted secrets, CSP consents, and per-tool
// connection bindings. All webview-visible reads and writes funnel through
// the supervisor; tool zones never touch this package.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pptb-app/pptb/internal/config"
)

const defaultBusyTimeout = 5 * time.Second

// Options describes parameters for opening the configuration store.
type Options struct {
	DBPath   string // Optional override for config.db path (primarily for tests)
	ReadOnly bool   // Open database in read-only mode
}

// Store provides access to the configuration database.
type Store struct {
	db            *sql.DB
	dbPath        string
	readOnly      bool
	encryptionKey []byte // AES-256 key for secrets at rest
}

// NotFoundError indicates a requested record does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// Open initialises the configuration store under the supervisor home.
func Open(opts Options) (*Store, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		paths, err := config.EnsureDirs()
		if err != nil {
			return nil, fmt.Errorf("config: ensure directories: %w", err)
		}
		dbPath = paths.ConfigDB
	}

	dsn := dbPath
	if opts.ReadOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", dbPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("config: open sqlite store: %w", err)
	}

	// Single connection: writes to the same key serialize in the order the
	// store accepts them.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db, opts.ReadOnly); err != nil {
		db.Close()
		return nil, err
	}

	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	var encKey []byte
	if !opts.ReadOnly {
		encKey, err = ensureEncryptionKey(ctx, db, keyPath(dbPath))
		if err != nil {
			db.Close()
			return nil, err
		}
	} else {
		encKey, _ = loadEncryptionKey(keyPath(dbPath))
	}

	return &Store{
		db:            db,
		dbPath:        dbPath,
		readOnly:      opts.ReadOnly,
		encryptionKey: encKey,
	}, nil
}

// Close finalises the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the filesystem path of the backing database.
func (s *Store) Path() string {
	return s.dbPath
}

func applyPragmas(ctx context.Context, db *sql.DB, readOnly bool) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}
	if !readOnly {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("config: apply %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("config: rollback failed after %v: %w", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

func (s *Store) requireWritable(op string) error {
	if s.readOnly {
		return fmt.Errorf("config: %s: store opened read-only", op)
	}
	return nil
}
