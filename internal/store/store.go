package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"mprisbridge/internal/crypto"
)

// Store is the durable credential store. The pairing authenticator is its
// only writer and the relay server its only reader; sqlite in WAL mode with
// single-statement upserts keeps reads from ever observing partial records.
type Store struct {
	db     *sql.DB
	sealer *crypto.Sealer
}

type Option func(*Store)

// WithSealer enables encryption of trust tokens at rest.
func WithSealer(s *crypto.Sealer) Option {
	return func(st *Store) { st.sealer = s }
}

func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	s := &Store{db: db}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// HasSealer reports whether the store was initialized with a sealing key.
func (s *Store) HasSealer() bool {
	return s.sealer != nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping() error {
	return s.db.Ping()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
		identity TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// Migrate applies the embedded schema migrations that have not run yet.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	for i, stmt := range migrations {
		version := i + 1

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}
