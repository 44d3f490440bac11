package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/sitenet/internal/bundle"
	"github.com/roach88/sitenet/internal/exchange"
	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/store"
	"github.com/roach88/sitenet/internal/testutil"
)

var coordinatorIdentity = Identity{
	Name:      "Reciprocal Net Coordinator",
	ShortName: "coord",
	BaseURL:   "http://coordinator.example/",
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fixture struct {
	path      string
	store     *store.Store
	coord     *Coordinator
	bundle    *bundle.Bundle
	ids       *testutil.FixedIDs
	clock     *testutil.Clock
	transport *recordingTransport
}

func (f *fixture) opts() []Option {
	return []Option{
		WithIDSource(f.ids),
		WithClock(f.clock.Now),
		WithTransport(f.transport),
	}
}

// bootstrap creates a fresh Coordinator. ids are the values drawn, in
// order, for new site ids, lab ids and sample-id blocks.
func bootstrap(t *testing.T, ids ...int) *fixture {
	t.Helper()
	f := &fixture{
		path:      filepath.Join(t.TempDir(), "coordinator.db"),
		ids:       testutil.NewFixedIDs(ids...),
		clock:     testutil.NewClock(testutil.Epoch),
		transport: &recordingTransport{},
	}
	f.store = openStore(t, f.path)
	c, b, err := Bootstrap(t.Context(), f.store, coordinatorIdentity, f.opts()...)
	require.NoError(t, err)
	f.coord = c
	f.bundle = b
	return f
}

// reopen folds the same store into a new Coordinator.
func (f *fixture) reopen(t *testing.T, opts ...Option) (*Coordinator, error) {
	t.Helper()
	return Open(t.Context(), f.store, append(f.opts(), opts...)...)
}

// createSite runs both halves of site creation.
func (f *fixture) createSite(t *testing.T, name, baseURL string) (ism.SiteID, *bundle.Bundle) {
	t.Helper()
	id, err := f.coord.BeginCreatingSite(t.Context(), NewSite{Name: name, ShortName: name, BaseURL: baseURL})
	require.NoError(t, err)
	b, err := f.coord.FinishCreatingSite(t.Context())
	require.NoError(t, err)
	return id, b
}

func sentLog(t *testing.T, s *store.Store) []*ism.Message {
	t.Helper()
	var out []*ism.Message
	require.NoError(t, s.IterateSent(t.Context(), func(rec store.Record) error {
		m, err := rec.Message()
		if err != nil {
			return err
		}
		out = append(out, m)
		return nil
	}))
	return out
}

func lastSent(t *testing.T, s *store.Store) *ism.Message {
	t.Helper()
	log := sentLog(t, s)
	require.NotEmpty(t, log)
	return log[len(log)-1]
}

func decode(t *testing.T, raws [][]byte) []*ism.Message {
	t.Helper()
	out := make([]*ism.Message, 0, len(raws))
	for _, raw := range raws {
		m, err := ism.Unmarshal(raw)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

type pushCall struct {
	url  string
	msgs []*ism.Message
}

type recordingTransport struct {
	mu    sync.Mutex
	calls []pushCall
	err   error
}

func (r *recordingTransport) Exchange(_ context.Context, url string, msgs [][]byte, _ bool) (exchange.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call := pushCall{url: url}
	for _, raw := range msgs {
		m, err := ism.Unmarshal(raw)
		if err != nil {
			return exchange.Result{}, err
		}
		call.msgs = append(call.msgs, m)
	}
	r.calls = append(r.calls, call)
	if r.err != nil {
		return exchange.Result{}, r.err
	}
	return exchange.Result{ExchangeID: "test", Status: 200}, nil
}
