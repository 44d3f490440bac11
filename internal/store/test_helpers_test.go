package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/ledger"
)

var testDate = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord builds an unsigned record for a SampleDeactivation.
func createTestRecord(t *testing.T, dir Direction, source, dest ism.SiteID, seq, prev ism.SeqNum) Record {
	t.Helper()
	m := ism.New(&ism.SampleDeactivation{SampleID: int64(seq) + 1}, source, dest)
	m.SourceSeqNum = seq
	m.SourcePrevSeqNum = prev
	m.SourceDate = testDate
	rec, err := RecordOf(m, dir)
	require.NoError(t, err)
	return rec
}

// emitTestRecords stamps one message per destination through a ledger and
// appends each to the sent log.
func emitTestRecords(t *testing.T, s *Store, source ism.SiteID, dests ...ism.SiteID) *ledger.Ledger {
	t.Helper()
	l := ledger.New(source)
	for _, d := range dests {
		st := l.Next(d, false)
		rec := createTestRecord(t, Sent, source, d, st.Seq, st.Prev)
		require.NoError(t, l.Commit(st))
		require.NoError(t, s.AppendSent(t.Context(), rec, l.Snapshot()))
	}
	return l
}
