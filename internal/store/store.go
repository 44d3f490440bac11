package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store is one site's SQLite database: its sent and received message logs,
// the emission ledger, reception watermarks and application outcomes.
//
// All writes go through a single connection. Multi-row changes run in one
// transaction so a crash never separates a message from the watermark that
// admitted it.
type Store struct {
	db *sql.DB
}

// pragma is a connection setting and the value SQLite reports once it
// took effect.
type pragma struct {
	name, set, want string
}

var pragmas = []pragma{
	{"journal_mode", "WAL", "wal"},
	{"synchronous", "NORMAL", "1"},
	{"busy_timeout", "5000", "5000"},
	{"foreign_keys", "ON", "1"},
}

// migration upgrades a database from version-1 to version.
type migration struct {
	version int
	about   string
	stmt    string
}

// migrations run in order on databases whose user_version is below theirs.
var migrations = []migration{
	{
		version: 1,
		about:   "index messages by destination for visibility queries",
		stmt:    `CREATE INDEX IF NOT EXISTS idx_messages_dest ON messages(source_site_id, dest_site_id, seq)`,
	},
}

// currentSchemaVersion is the user_version of a fully migrated database.
var currentSchemaVersion = migrations[len(migrations)-1].version

// Open opens the database at path, creating it if needed, and brings its
// schema up to date. A database written by a newer build is refused.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := prepare(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func prepare(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return err
	}
	for _, p := range pragmas {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA %s = %s", p.name, p.set)); err != nil {
			return fmt.Errorf("pragma %s: %w", p.name, err)
		}
		if err := checkPragma(db, p.name, p.want); err != nil {
			return err
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return migrate(db)
}

func readVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func migrate(db *sql.DB) error {
	v, err := readVersion(db)
	if err != nil {
		return err
	}
	if v > currentSchemaVersion {
		return fmt.Errorf("schema version %d is newer than this build supports (%d)", v, currentSchemaVersion)
	}
	for _, m := range migrations {
		if m.version <= v {
			continue
		}
		if err := step(db, m); err != nil {
			return err
		}
	}
	return nil
}

// step applies m and records its version in one transaction.
func step(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.stmt); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.about, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return fmt.Errorf("migration %d: record version: %w", m.version, err)
	}
	return tx.Commit()
}

func checkPragma(db *sql.DB, name, want string) error {
	var got string
	if err := db.QueryRow("PRAGMA " + name).Scan(&got); err != nil {
		return fmt.Errorf("pragma %s: %w", name, err)
	}
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("pragma %s is %q, want %q", name, got, want)
	}
	return nil
}

// Close closes the database. It is a no-op on a zero Store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
