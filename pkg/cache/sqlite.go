package cache

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore keeps fragments in a single SQLite table.
type SQLiteStore struct {
	db        *sql.DB
	removeDir string
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates it to the latest schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps the PRAGMAs below in effect for every statement.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		sourceDriver.Close()
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		sourceDriver.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: that would close db, which the store owns.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Put(seq uint64, data []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO fragments (seq, data) VALUES (?, ?)
		 ON CONFLICT(seq) DO UPDATE SET data = excluded.data`,
		int64(seq), data)
	if err != nil {
		return fmt.Errorf("insert fragment %d: %w", seq, err)
	}
	return nil
}

func (s *SQLiteStore) Get(seq uint64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM fragments WHERE seq = ?`, int64(seq)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select fragment %d: %w", seq, err)
	}
	return data, nil
}

// Len returns the number of stored fragments.
func (s *SQLiteStore) Len() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM fragments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fragments: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM fragments`); err != nil {
		return fmt.Errorf("clear fragments: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if s.removeDir != "" {
		if rmErr := os.RemoveAll(s.removeDir); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
	}
	return err
}
