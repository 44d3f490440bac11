package exchange

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/keys"
	"github.com/roach88/sitenet/internal/ledger"
	"github.com/roach88/sitenet/internal/store"
)

var testDate = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testNow() time.Time { return testDate }

func testSigner(t *testing.T) keys.Signer {
	t.Helper()
	priv, _, err := keys.Generate(keys.Ed25519, nil)
	require.NoError(t, err)
	s, err := keys.NewSigner(priv)
	require.NoError(t, err)
	return s
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "site.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// emit stamps and signs one SampleDeactivation per destination from source
// and returns the encoded messages in order.
func emit(t *testing.T, signer keys.Signer, source ism.SiteID, dests ...ism.SiteID) [][]byte {
	t.Helper()
	l := ledger.New(source)
	out := make([][]byte, 0, len(dests))
	for i, d := range dests {
		m := ism.New(&ism.SampleDeactivation{SampleID: int64(i + 1)}, source, d)
		m.SourceDate = testDate
		st, err := l.Stamp(m, false)
		require.NoError(t, err)
		require.NoError(t, l.Commit(st))
		raw, err := ism.Sign(m, signer)
		require.NoError(t, err)
		out = append(out, raw)
	}
	return out
}

// seed emits from source and stores the messages as sent when source is
// local, otherwise as received.
func seed(t *testing.T, s *store.Store, local ism.SiteID, signer keys.Signer, source ism.SiteID, dests ...ism.SiteID) {
	t.Helper()
	ctx := t.Context()
	l := ledger.New(source)
	for _, raw := range emit(t, signer, source, dests...) {
		m, err := ism.Unmarshal(raw)
		require.NoError(t, err)
		if source == local {
			require.NoError(t, l.Observe(m.Envelope))
			rec, err := store.RecordOf(m, store.Sent)
			require.NoError(t, err)
			require.NoError(t, s.AppendSent(ctx, rec, l.Snapshot()))
			continue
		}
		rec, err := store.RecordOf(m, store.Received)
		require.NoError(t, err)
		_, err = s.AppendReceived(ctx, rec)
		require.NoError(t, err)
	}
}

func decodeAll(t *testing.T, raws [][]byte) []*ism.Message {
	t.Helper()
	out := make([]*ism.Message, 0, len(raws))
	for _, raw := range raws {
		m, err := ism.Unmarshal(raw)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func seqs(msgs []*ism.Message) []ism.SeqNum {
	out := []ism.SeqNum{}
	for _, m := range msgs {
		if !m.LinkLocal {
			out = append(out, m.SourceSeqNum)
		}
	}
	return out
}

// fakeTransport records exchanges and answers with a canned reply.
type fakeTransport struct {
	mu    sync.Mutex
	calls []fakeCall
	reply [][]byte
	err   error
}

type fakeCall struct {
	url  string
	msgs [][]byte
}

func (f *fakeTransport) Exchange(_ context.Context, url string, msgs [][]byte, _ bool) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{url: url, msgs: msgs})
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{ExchangeID: "fake", Status: 200, Messages: f.reply}, nil
}
