package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_ReopenKeepsTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.db")
	for range 3 {
		s, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	for _, table := range []string{"messages", "ledger_state", "channel_heads", "watermarks", "outcomes", "identity"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)
	for _, p := range pragmas {
		assert.NoError(t, checkPragma(s.db, p.name, p.want), p.name)
	}
}

func TestOpen_MigratesOldDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.db")
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(schemaSQL)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := readVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, v)
	var name string
	require.NoError(t, s.db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'idx_messages_dest'").Scan(&name))
}

func TestOpen_RefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than this build")
}

func TestClose_ZeroStore(t *testing.T) {
	var s Store
	assert.NoError(t, s.Close())
}
