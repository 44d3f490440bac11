package site

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/sitenet/internal/bundle"
	"github.com/roach88/sitenet/internal/coordinator"
	"github.com/roach88/sitenet/internal/exchange"
	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/keys"
	"github.com/roach88/sitenet/internal/ledger"
	"github.com/roach88/sitenet/internal/store"
	"github.com/roach88/sitenet/internal/testutil"
)

const (
	xtal = ism.SiteID(29168)
	chem = ism.SiteID(400)
	lab  = ism.LabID(12)
)

func openStore(t *testing.T, name string) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// network is a Coordinator that has created site xtal, with lab 12, and
// can create chem on demand.
type network struct {
	store  *store.Store
	coord  *coordinator.Coordinator
	bundle *bundle.Bundle // xtal's grant bundle
}

func newNetwork(t *testing.T) *network {
	t.Helper()
	ctx := t.Context()
	n := &network{store: openStore(t, "coordinator.db")}

	c, _, err := coordinator.Bootstrap(ctx, n.store,
		coordinator.Identity{Name: "Coordinator", ShortName: "coord", BaseURL: "http://coordinator.example/"},
		coordinator.WithIDSource(testutil.NewFixedIDs(int(xtal), int(lab)-1, int(chem))),
		coordinator.WithClock(testutil.NewClock(testutil.Epoch).Now),
	)
	require.NoError(t, err)
	n.coord = c

	id, err := c.BeginCreatingSite(ctx, coordinator.NewSite{Name: "xtal", ShortName: "xtal"})
	require.NoError(t, err)
	require.Equal(t, xtal, id)
	l, err := c.CreateLab(ctx, coordinator.NewLab{Name: "Crystallography", ShortName: "xtal", HomeSiteID: xtal})
	require.NoError(t, err)
	require.Equal(t, lab, l)
	n.bundle, err = c.FinishCreatingSite(ctx)
	require.NoError(t, err)
	return n
}

// createChem creates the second site and returns its grant bundle.
func (n *network) createChem(t *testing.T) *bundle.Bundle {
	t.Helper()
	id, err := n.coord.BeginCreatingSite(t.Context(), coordinator.NewSite{Name: "chem", ShortName: "chem"})
	require.NoError(t, err)
	require.Equal(t, chem, id)
	b, err := n.coord.FinishCreatingSite(t.Context())
	require.NoError(t, err)
	return b
}

// since returns the Coordinator's messages after seq, decoded.
func (n *network) since(t *testing.T, seq ism.SeqNum) []*ism.Message {
	t.Helper()
	q := store.NewQuery(ism.Coordinator)
	q.After = seq
	recs, _, err := n.store.Messages(t.Context(), q)
	require.NoError(t, err)
	out := make([]*ism.Message, 0, len(recs))
	for _, r := range recs {
		m, err := r.Message()
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

// last returns the Coordinator's most recent message.
func (n *network) last(t *testing.T) *ism.Message {
	t.Helper()
	msgs := n.since(t, n.coord.State().Highest-1)
	require.Len(t, msgs, 1)
	return msgs[0]
}

// bootXtal bootstraps xtal from its bundle into a fresh store.
func bootXtal(t *testing.T, n *network, opts ...Option) (*Engine, *store.Store) {
	t.Helper()
	s := openStore(t, "xtal.db")
	e, err := Bootstrap(t.Context(), s, n.bundle, append([]Option{WithRedeliverInterval(0)}, opts...)...)
	require.NoError(t, err)
	return e, s
}

func ingest(t *testing.T, e *Engine, msgs ...*ism.Message) []ledger.Verdict {
	t.Helper()
	out := make([]ledger.Verdict, 0, len(msgs))
	for _, m := range msgs {
		adm, err := e.Ingest(t.Context(), m)
		require.NoError(t, err)
		out = append(out, adm.Verdict)
	}
	return out
}

// emitter signs messages as a non-Coordinator site.
type emitter struct {
	signer keys.Signer
	ledger *ledger.Ledger
}

func emitterFor(t *testing.T, b *bundle.Bundle) *emitter {
	t.Helper()
	grant, err := b.GrantMessage()
	require.NoError(t, err)
	signer, err := keys.NewSigner(grant.Payload.(*ism.SiteGrant).PrivateKey)
	require.NoError(t, err)
	return &emitter{signer: signer, ledger: ledger.New(grant.DestSiteID)}
}

func (em *emitter) emit(t *testing.T, p ism.Payload, dest ism.SiteID) *ism.Message {
	t.Helper()
	m := ism.New(p, em.ledger.Source(), dest)
	m.SourceDate = testutil.Epoch
	st, err := em.ledger.Stamp(m, false)
	require.NoError(t, err)
	require.NoError(t, em.ledger.Commit(st))
	raw, err := ism.Sign(m, em.signer)
	require.NoError(t, err)
	out, err := ism.Unmarshal(raw)
	require.NoError(t, err)
	return out
}

// recordingApplier records the messages handed to the external applier and
// fails while failing is set.
type recordingApplier struct {
	mu      sync.Mutex
	applied []*ism.Message
	failing error
}

func (a *recordingApplier) Apply(_ context.Context, m *ism.Message) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failing != nil {
		return Failure(a.failing)
	}
	a.applied = append(a.applied, m)
	return Outcome{Succeeded: true, UpdateState: true, DeleteStagedFile: true}
}

func (a *recordingApplier) setFailing(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failing = err
}

// replayTransport answers exchanges by serving the replay requests in them
// from a store.
type replayTransport struct {
	replayer *exchange.Replayer
	calls    int
}

func (r *replayTransport) Exchange(ctx context.Context, _ string, msgs [][]byte, _ bool) (exchange.Result, error) {
	r.calls++
	reqs := make([]*ism.Message, 0, len(msgs))
	for _, raw := range msgs {
		m, err := ism.Unmarshal(raw)
		if err != nil {
			return exchange.Result{}, err
		}
		reqs = append(reqs, m)
	}
	out, err := r.replayer.Serve(ctx, reqs)
	if err != nil {
		return exchange.Result{}, err
	}
	return exchange.Result{ExchangeID: "replay", Status: 200, Messages: out}, nil
}

// heldTransport blocks every exchange until release is closed, then hands
// it to next. entered receives once per exchange that started.
type heldTransport struct {
	next    exchange.Transport
	entered chan struct{}
	release chan struct{}
}

func newHeldTransport(next exchange.Transport) *heldTransport {
	return &heldTransport{next: next, entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (h *heldTransport) Exchange(ctx context.Context, url string, msgs [][]byte, replay bool) (exchange.Result, error) {
	h.entered <- struct{}{}
	select {
	case <-h.release:
	case <-ctx.Done():
		return exchange.Result{}, ctx.Err()
	}
	return h.next.Exchange(ctx, url, msgs, replay)
}

// flakyTransport fails its first failures exchanges, then hands the rest
// to next.
type flakyTransport struct {
	mu       sync.Mutex
	next     exchange.Transport
	failures int
	calls    int
}

func (f *flakyTransport) Exchange(ctx context.Context, url string, msgs [][]byte, replay bool) (exchange.Result, error) {
	f.mu.Lock()
	f.calls++
	failing := f.calls <= f.failures
	f.mu.Unlock()
	if failing {
		return exchange.Result{}, errors.New("connection refused")
	}
	return f.next.Exchange(ctx, url, msgs, replay)
}

func (f *flakyTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
