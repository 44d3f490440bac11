package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/sitenet/internal/bundle"
	"github.com/roach88/sitenet/internal/exchange"
	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/keys"
	"github.com/roach88/sitenet/internal/ledger"
	"github.com/roach88/sitenet/internal/store"
)

// Coordinator is the administrative generator of the federation.
//
// Every operation runs under one lock: it validates against the
// read-model, stamps and signs one message, appends it together with the
// new ledger state in a single store transaction, and only then applies
// the message to the read-model. An operation that fails before the
// append leaves the ledger and the read-model as they were.
type Coordinator struct {
	mu     sync.RWMutex
	store  *store.Store
	signer keys.Signer
	ledger *ledger.Ledger
	model  *model

	pusher  *exchange.Pusher
	pending *pendingSite

	ids       IDSource
	now       func() time.Time
	algorithm keys.Algorithm
	transport exchange.Transport
	lenient   bool
}

// pendingSite is a site between BeginCreatingSite and FinishCreatingSite.
type pendingSite struct {
	id   ism.SiteID
	priv keys.PrivateKey
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIDSource replaces the random source for new identifiers.
func WithIDSource(ids IDSource) Option {
	return func(c *Coordinator) {
		c.ids = ids
	}
}

// WithClock sets the clock used to date emitted messages.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithKeyAlgorithm selects the algorithm for keys generated for new sites
// and, at bootstrap, for the Coordinator itself. Defaults to ed25519.
func WithKeyAlgorithm(alg keys.Algorithm) Option {
	return func(c *Coordinator) {
		c.algorithm = alg
	}
}

// WithTransport sets the transport used by the push operations.
func WithTransport(t exchange.Transport) Option {
	return func(c *Coordinator) {
		c.transport = t
	}
}

// WithLenientFold makes Open skip, with a warning, sent-log entries that
// refer to a site or lab the log never created. By default such an entry
// stops the fold.
func WithLenientFold() Option {
	return func(c *Coordinator) {
		c.lenient = true
	}
}

func newCoordinator(s *store.Store, opts []Option) *Coordinator {
	c := &Coordinator{
		store:     s,
		ledger:    ledger.New(ism.Coordinator),
		model:     newModel(),
		ids:       RandomIDs{},
		now:       time.Now,
		algorithm: keys.Ed25519,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = exchange.NewHTTPTransport()
	}
	return c
}

// Identity describes the Coordinator announced at bootstrap.
type Identity struct {
	Name          string
	ShortName     string
	BaseURL       string
	RepositoryURL string
}

// Bootstrap creates a Coordinator in an empty store. It emits message #0,
// the public SiteActivation announcing the Coordinator, and message #1, a
// SiteGrant addressed to the Coordinator itself. The returned bundle holds
// both messages with #1 as its grant; it is the Coordinator's own grant
// file.
func Bootstrap(ctx context.Context, s *store.Store, id Identity, opts ...Option) (*Coordinator, *bundle.Bundle, error) {
	const op = "bootstrap"
	if _, ok, err := s.LedgerState(ctx); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	} else if ok {
		return nil, nil, conflict(op, "the store already holds a sent log")
	}
	if _, ok, err := s.Identity(ctx); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	} else if ok {
		return nil, nil, conflict(op, "the store already belongs to a site")
	}

	c := newCoordinator(s, opts)
	priv, pub, err := keys.Generate(c.algorithm, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	if c.signer, err = keys.NewSigner(priv); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	activation, err := c.emit(ctx, &ism.SiteActivation{Site: ism.SiteInfo{
		ID:            ism.Coordinator,
		Name:          id.Name,
		ShortName:     id.ShortName,
		BaseURL:       id.BaseURL,
		RepositoryURL: id.RepositoryURL,
		PublicKey:     pub,
		IsActive:      true,
	}}, ism.AllSites, false)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	grant, err := c.emit(ctx, &ism.SiteGrant{PrivateKey: priv}, ism.Coordinator, true)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.SetIdentity(ctx, store.Identity{SiteID: ism.Coordinator, Grant: grant}); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	b, err := bundle.New([][]byte{activation, grant}, grant)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	c.pusher = exchange.NewPusher(s, ism.Coordinator, c.transport, ism.InvalidSeq)

	slog.Info("coordinator bootstrapped", "name", id.Name, "key", pub.Fingerprint())
	return c, b, nil
}

// Open loads the Coordinator's signing key from the store's identity and
// rebuilds the ledger and the read-model by folding the whole sent log in
// ascending sequence order. The cached ledger state is never trusted.
func Open(ctx context.Context, s *store.Store, opts ...Option) (*Coordinator, error) {
	const op = "open"
	ident, ok, err := s.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, conflict(op, "the store has no coordinator identity; bootstrap first")
	}
	if ident.SiteID != ism.Coordinator {
		return nil, conflict(op, "the store belongs to site %s", ident.SiteID)
	}

	c := newCoordinator(s, opts)
	grant, err := ism.Unmarshal(ident.Grant)
	if err != nil {
		return nil, fmt.Errorf("%s: decode grant: %w", op, err)
	}
	g, ok := grant.Payload.(*ism.SiteGrant)
	if !ok {
		return nil, conflict(op, "identity holds a %s, not a site grant", grant.Kind())
	}
	if c.signer, err = keys.NewSigner(g.PrivateKey); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := c.fold(ctx); err != nil {
		return nil, err
	}

	if cached, ok, err := s.LedgerState(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	} else if ok && !sameState(cached, c.ledger.Snapshot()) {
		slog.Warn("cached ledger state disagrees with the sent log; using the log",
			"cached_highest", cached.Highest,
			"folded_highest", c.ledger.Highest(),
		)
	}

	self, ok := c.model.sites[ism.Coordinator]
	if !ok {
		return nil, &Error{Code: CodeFold, Op: op, Message: "the sent log never announced the coordinator"}
	}
	if !self.PublicKey.Equal(c.signer.Public()) {
		return nil, &Error{Code: CodeFold, Op: op, Message: "the grant key does not match the announced coordinator key"}
	}

	c.pusher = exchange.NewPusher(s, ism.Coordinator, c.transport, c.ledger.Highest())
	slog.Info("coordinator opened",
		"highest", c.ledger.Highest(),
		"sites", len(c.model.sites),
		"labs", len(c.model.labs),
		"reserved", len(c.model.reserved),
		"issued", len(c.model.issued),
	)
	return c, nil
}

func (c *Coordinator) fold(ctx context.Context) error {
	err := c.store.IterateSent(ctx, func(rec store.Record) error {
		m, err := rec.Message()
		if err != nil {
			return err
		}
		if err := c.ledger.Observe(m.Envelope); err != nil {
			return err
		}
		fe := c.model.apply(m)
		if fe == nil {
			return nil
		}
		if c.lenient && fe.Missing {
			slog.Warn("skipping sent-log entry", "seq", fe.Seq, "kind", fe.Kind, "reason", fe.Reason)
			return nil
		}
		return fe
	})
	if err != nil {
		return &Error{Code: CodeFold, Op: "open", Message: "cannot fold the sent log", Err: err}
	}
	return nil
}

func sameState(a, b ledger.State) bool {
	if a.Highest != b.Highest || len(a.Heads) != len(b.Heads) {
		return false
	}
	for i := range a.Heads {
		if a.Heads[i] != b.Heads[i] {
			return false
		}
	}
	return true
}

// emit stamps, signs and appends one message, then folds it into the
// read-model. The caller holds c.mu and has validated the operation.
func (c *Coordinator) emit(ctx context.Context, p ism.Payload, dest ism.SiteID, forceBlank bool) ([]byte, error) {
	m := ism.New(p, ism.Coordinator, dest)
	m.SourceDate = c.now().UTC()

	st, err := c.ledger.Stamp(m, forceBlank)
	if err != nil {
		return nil, err
	}
	raw, err := ism.Sign(m, c.signer)
	if err != nil {
		return nil, err
	}
	rec, err := store.RecordOf(m, store.Sent)
	if err != nil {
		return nil, err
	}

	prev := c.ledger.Snapshot()
	if err := c.ledger.Commit(st); err != nil {
		return nil, err
	}
	if err := c.store.AppendSent(ctx, rec, c.ledger.Snapshot()); err != nil {
		c.ledger.Restore(prev)
		return nil, err
	}

	if fe := c.model.apply(m); fe != nil {
		// The message is in the log; the read-model can only catch up on
		// the next Open.
		slog.Error("emitted message does not fold", "seq", fe.Seq, "kind", fe.Kind, "reason", fe.Reason)
		return raw, fe
	}

	slog.Debug("message emitted", "seq", m.SourceSeqNum, "prev", m.SourcePrevSeqNum, "dest", dest, "kind", m.Kind())
	return raw, nil
}

// State returns a copy of the read-model.
func (c *Coordinator) State() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.model.snapshot()
	s.Highest = c.ledger.Highest()
	s.HighWater = c.pusher.HighWater()
	return s
}

// Head returns the head of the Coordinator's channel to dest.
func (c *Coordinator) Head(dest ism.SiteID) ism.SeqNum {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ledger.Head(dest)
}

// PublicKey returns the Coordinator's verification key.
func (c *Coordinator) PublicKey() keys.PublicKey {
	return c.signer.Public()
}

var errNoURL = errors.New("no url given and the site announces no base url")
