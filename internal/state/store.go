// Package state manages the SQLite database that records destinations, their
// OAuth credentials, and the mappings between local events and the remote
// events pushed for them.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pressly/goose/v3"

	"github.com/ridafkih/keeper.sh-sub000/internal/secret"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the SQLite-backed state repository.
type Store struct {
	db     *sql.DB
	sealer *secret.Sealer
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithSealer encrypts OAuth tokens at rest.
func WithSealer(s *secret.Sealer) Option {
	return func(st *Store) { st.sealer = s }
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/keeper/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "keeper", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, runs migrations, and
// configures WAL mode for better concurrent read performance.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scan helpers can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
