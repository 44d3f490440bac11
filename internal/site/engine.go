package site

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/sitenet/internal/exchange"
	"github.com/roach88/sitenet/internal/gate"
	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/keys"
	"github.com/roach88/sitenet/internal/ledger"
	"github.com/roach88/sitenet/internal/store"
	"github.com/roach88/sitenet/internal/telemetry"
)

// DefaultVersion is the software version the ForceUpgrade gate compares
// against when none is configured.
const DefaultVersion = "1.0.0"

// DefaultRedeliverInterval is how often Run re-offers held messages.
const DefaultRedeliverInterval = time.Minute

// DefaultReplayRetryInterval is how long the replay worker waits after a
// failed pull before asking again.
const DefaultReplayRetryInterval = 5 * time.Second

// Peer is the site replay requests are sent to.
type Peer struct {
	ID  ism.SiteID
	URL string
}

// Engine is the single-writer receiving loop of one site.
//
// Deliveries queued on the intake by the exchange listener are offered to
// the Receiver one message at a time. Ready channel heads are applied
// through the core handlers, the Directory or the external Applier, and
// each outcome is settled in the store together with the source's new
// watermark. Gaps become replay requests to the configured peer.
//
// Run owns the engine's state. Replay pulls go over the network on a
// worker goroutine started by Run; what they return is handed back to Run
// and ingested there. Ingest, Drain, Redeliver and PullReplays must only
// be called while Run is not running.
type Engine struct {
	local     ism.SiteID
	store     *store.Store
	signer    keys.Signer
	verifier  keys.Verifier
	receiver  *ledger.Receiver
	controls  *gate.Controls
	directory *Directory
	applier   Applier
	intake    *exchange.Intake
	replays   *exchange.ReplayQueue
	puller    *exchange.Puller
	transport exchange.Transport
	peer      Peer

	version        string
	maxParked      int
	intakeCapacity int
	replayLimit    int
	redeliverEvery time.Duration
	replayRetry    time.Duration
	now            func() time.Time

	// bootstrapping trusts the Coordinator's self-announcement, which is
	// how the first message of a grant bundle is verified.
	bootstrapping bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithVersion sets the local software version checked by ForceUpgrade.
func WithVersion(v string) Option {
	return func(e *Engine) {
		if v != "" {
			e.version = v
		}
	}
}

// WithApplier installs the business-layer applier for kinds the engine
// does not handle itself. The default ignores them successfully.
func WithApplier(a Applier) Option {
	return func(e *Engine) {
		if a != nil {
			e.applier = a
		}
	}
}

// WithIntakeCapacity bounds the inbound queue, counted in messages.
func WithIntakeCapacity(n int) Option {
	return func(e *Engine) {
		e.intakeCapacity = n
	}
}

// WithMaxParked caps parked messages per source.
func WithMaxParked(n int) Option {
	return func(e *Engine) {
		e.maxParked = n
	}
}

// WithReplayPeer names the site that answers this site's replay requests.
func WithReplayPeer(id ism.SiteID, url string) Option {
	return func(e *Engine) {
		e.peer = Peer{ID: id, URL: url}
	}
}

// WithTransport sets the transport used for replay pulls.
func WithTransport(t exchange.Transport) Option {
	return func(e *Engine) {
		e.transport = t
	}
}

// WithReplayLimit caps the messages asked for, and served, per exchange.
func WithReplayLimit(n int) Option {
	return func(e *Engine) {
		e.replayLimit = n
	}
}

// WithRedeliverInterval sets how often Run re-offers held messages. Zero
// disables the timer.
func WithRedeliverInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.redeliverEvery = d
	}
}

// WithReplayRetryInterval sets how long the replay worker backs off after
// a failed pull.
func WithReplayRetryInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.replayRetry = d
		}
	}
}

// WithClock overrides the clock used for outcome timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithVerifier overrides the signature verifier.
func WithVerifier(v keys.Verifier) Option {
	return func(e *Engine) {
		e.verifier = v
	}
}

func newEngine(s *store.Store, local ism.SiteID, signer keys.Signer, opts []Option) *Engine {
	e := &Engine{
		local:          local,
		store:          s,
		signer:         signer,
		verifier:       keys.StandardVerifier{},
		directory:      NewDirectory(local),
		applier:        ignore,
		peer:           Peer{ID: ism.Coordinator},
		version:        DefaultVersion,
		maxParked:      ledger.DefaultMaxParked,
		intakeCapacity: exchange.DefaultIntakeCapacity,
		replayLimit:    exchange.DefaultReplayLimit,
		redeliverEvery: DefaultRedeliverInterval,
		replayRetry:    DefaultReplayRetryInterval,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.transport == nil {
		e.transport = exchange.NewHTTPTransport()
	}

	e.controls = gate.NewControls(e.version, gate.WithStallHook(func(k ism.Kind) {
		telemetry.GateStalls.WithLabelValues(string(k)).Inc()
	}))
	e.receiver = ledger.NewReceiver(local,
		ledger.WithMaxParked(e.maxParked),
		ledger.WithPrecondition(e.controls.Precondition),
	)
	e.intake = exchange.NewIntake(e.intakeCapacity)
	e.replays = exchange.NewReplayQueue(0)
	e.puller = exchange.NewPuller(e.transport, local, signer, e.replayLimit)
	return e
}

// Open resumes the site whose identity is stored in s: watermarks are
// restored, the directory is rebuilt from the applied Coordinator messages
// and held messages are offered again.
func Open(ctx context.Context, s *store.Store, opts ...Option) (*Engine, error) {
	id, ok, err := s.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("open site: %w", err)
	}
	if !ok {
		return nil, ErrNoIdentity
	}
	grant, err := ism.Unmarshal(id.Grant)
	if err != nil {
		return nil, fmt.Errorf("open site: stored grant: %w", err)
	}
	sg, ok := grant.Payload.(*ism.SiteGrant)
	if !ok {
		return nil, fmt.Errorf("open site: stored grant is a %s", grant.Kind())
	}
	signer, err := keys.NewSigner(sg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("open site: %w", err)
	}

	e := newEngine(s, id.SiteID, signer, opts)

	marks, err := s.Watermarks(ctx)
	if err != nil {
		return nil, fmt.Errorf("open site: %w", err)
	}
	e.receiver.Restore(marks)

	if err := e.rebuildDirectory(ctx); err != nil {
		return nil, fmt.Errorf("open site: %w", err)
	}
	if _, err := e.Redeliver(ctx); err != nil {
		return nil, fmt.Errorf("open site: %w", err)
	}

	slog.Info("site opened",
		"site", e.local,
		"sources", len(marks),
		"sites", len(e.directory.Sites()),
		"parked", e.receiver.Parked(),
	)
	return e, nil
}

func (e *Engine) rebuildDirectory(ctx context.Context) error {
	q := store.NewQuery(ism.Coordinator)
	q.VisibleTo = e.local
	q.Direction = store.Received
	recs, _, err := e.store.Messages(ctx, q)
	if err != nil {
		return fmt.Errorf("rebuild directory: %w", err)
	}
	for _, rec := range recs {
		if rec.State != store.StateApplied || !e.directory.Handles(rec.Kind) {
			continue
		}
		m, err := rec.Message()
		if err != nil {
			return fmt.Errorf("rebuild directory: %w", err)
		}
		e.directory.Apply(ctx, m)
	}
	return nil
}

// Local returns the site this engine receives for.
func (e *Engine) Local() ism.SiteID { return e.local }

// Directory returns the site's read-model of the network.
func (e *Engine) Directory() *Directory { return e.directory }

// Receiver returns the admission state, for status reporting.
func (e *Engine) Receiver() *ledger.Receiver { return e.receiver }

// Intake returns the inbound queue fed by the exchange listener.
func (e *Engine) Intake() *exchange.Intake { return e.intake }

// PublicKey returns the local site's verification key.
func (e *Engine) PublicKey() keys.PublicKey { return e.signer.Public() }

// Handler returns the exchange listener for this site: regular messages
// go to the intake, replay requests are served from the local store.
func (e *Engine) Handler() *exchange.Handler {
	replayer := exchange.NewReplayer(e.store, e.local, e.signer,
		exchange.WithReplayLimit(e.replayLimit),
		exchange.WithReplayClock(e.now),
	)
	return exchange.NewHandler(e.intake, replayer, exchange.WithRequestVerifier(e.verify))
}

// verify checks m's signature against the key the Coordinator announced
// for its source.
func (e *Engine) verify(m *ism.Message) error {
	pub, ok := e.directory.PublicKey(m.SourceSiteID)
	if !ok && e.bootstrapping && m.SourceSiteID == ism.Coordinator {
		if sa, isSA := m.Payload.(*ism.SiteActivation); isSA && sa.Site.ID == ism.Coordinator {
			pub, ok = sa.Site.PublicKey, true
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, m.SourceSiteID)
	}
	return ism.Verify(m, e.verifier, pub)
}

// Run processes deliveries until ctx is cancelled or the intake is closed.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("site engine starting", "site", e.local, "version", e.version, "peer", e.peer.URL)

	var tick <-chan time.Time
	if e.redeliverEvery > 0 {
		t := time.NewTicker(e.redeliverEvery)
		defer t.Stop()
		tick = t.C
	}

	pulls := make(chan exchange.Pulled)
	wctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.replayWorker(wctx, pulls)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		if d, ok := e.intake.TryTake(); ok {
			e.process(ctx, d)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("site engine stopping: context cancelled")
			e.intake.Close()
			return ctx.Err()

		case _, open := <-e.intake.Wait():
			if !open && e.intake.Len() == 0 {
				slog.Info("site engine stopping: intake closed")
				return nil
			}

		case pulled := <-pulls:
			e.absorb(ctx, pulled)

		case <-tick:
			if _, err := e.Redeliver(ctx); err != nil {
				slog.Error("redelivery failed", "error", err)
			}
		}
	}
}

// Stop closes the intake; Run returns once it is drained.
func (e *Engine) Stop() {
	e.intake.Close()
}

func (e *Engine) process(ctx context.Context, d exchange.Delivery) {
	slog.Debug("processing delivery", "exchange", d.ExchangeID, "from", d.From, "messages", len(d.Messages))
	for _, m := range d.Messages {
		if _, err := e.Ingest(ctx, m); err != nil {
			slog.Error("message not stored",
				"source", m.SourceSiteID, "seq", m.SourceSeqNum, "kind", m.Kind(), "error", err)
		}
	}
	e.Drain(ctx)
	e.requestReplays()
}

// Ingest offers one received message to the receiver and stores it if it
// was admitted or parked.
func (e *Engine) Ingest(ctx context.Context, m *ism.Message) (ledger.Admission, error) {
	adm := e.receiver.Offer(m, e.verify)
	telemetry.Admissions.WithLabelValues(adm.Verdict.String()).Inc()

	switch adm.Verdict {
	case ledger.Accept, ledger.Gap:
		rec, err := store.RecordOf(m, store.Received)
		if err != nil {
			return adm, err
		}
		if _, err := e.store.AppendReceived(ctx, rec); err != nil {
			return adm, err
		}
		if adm.Verdict == ledger.Gap {
			slog.Debug("message parked", "source", m.SourceSiteID, "seq", m.SourceSeqNum, "prev", m.SourcePrevSeqNum)
		}
	case ledger.Reject:
		slog.Warn("message rejected",
			"source", m.SourceSiteID, "seq", m.SourceSeqNum, "kind", m.Kind(), "error", adm.Err)
	case ledger.Dropped:
		slog.Debug("message dropped", "source", m.SourceSiteID, "seq", m.SourceSeqNum, "reason", adm.Reason)
	case ledger.Duplicate:
		slog.Debug("duplicate message", "source", m.SourceSiteID, "seq", m.SourceSeqNum)
	}
	telemetry.Parked.Set(float64(e.receiver.Parked()))
	return adm, nil
}

// Drain applies ready messages until none is left and returns how many
// were attempted.
func (e *Engine) Drain(ctx context.Context) int {
	n := 0
	for {
		m, ok := e.receiver.Next()
		if !ok {
			telemetry.Parked.Set(float64(e.receiver.Parked()))
			return n
		}
		n++

		out := e.apply(ctx, m)
		e.receiver.Settle(m, out.Succeeded)
		if err := e.settle(ctx, m, out); err != nil {
			slog.Error("outcome not stored", "source", m.SourceSiteID, "seq", m.SourceSeqNum, "error", err)
		}

		if out.Succeeded {
			telemetry.Applied.WithLabelValues("success").Inc()
			slog.Debug("message applied", "source", m.SourceSiteID, "seq", m.SourceSeqNum, "kind", m.Kind())
		} else {
			telemetry.Applied.WithLabelValues("failure").Inc()
			slog.Error("message application failed",
				"source", m.SourceSiteID, "seq", m.SourceSeqNum, "kind", m.Kind(), "error", out.Err)
		}
	}
}

func (e *Engine) settle(ctx context.Context, m *ism.Message, out Outcome) error {
	rec := store.Outcome{
		Source:     m.SourceSiteID,
		Seq:        m.SourceSeqNum,
		Succeeded:  out.Succeeded,
		Directives: out.Directives(),
		RecordedAt: e.now().UTC(),
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}

	marks := []ledger.Watermark{e.receiver.Watermark(m.SourceSiteID)}
	if other, ok := affectedSource(m); ok && other != m.SourceSiteID {
		marks = append(marks, e.receiver.Watermark(other))
	}
	return e.store.Settle(ctx, rec, marks)
}

// affectedSource names the other source whose reception state m changes.
func affectedSource(m *ism.Message) (ism.SiteID, bool) {
	switch p := m.Payload.(type) {
	case *ism.SiteReset:
		return p.OtherSiteID, true
	case *ism.SiteDeactivation:
		return p.SiteID, true
	case *ism.SiteActivation:
		return p.Site.ID, true
	}
	return ism.InvalidSite, false
}

// apply routes one ready message to its handler.
func (e *Engine) apply(ctx context.Context, m *ism.Message) Outcome {
	switch p := m.Payload.(type) {
	case *ism.Unknown:
		return Failure(fmt.Errorf("%w: %s", ErrUnknownKind, p.TypeName))

	case *ism.ForceUpgrade, *ism.Join:
		// Both are preconditions; reaching this point means they passed.
		return Success()

	case *ism.SiteReset:
		if err := gate.ApplyReset(e.receiver, e.local, m); err != nil {
			return Failure(err)
		}
		return Updated()

	case *ism.SiteGrant:
		return e.applyGrant(m, p)

	case *ism.SiteDeactivation:
		if m.SourceSiteID == ism.Coordinator && p.SiteID != e.local && p.SiteID != ism.Coordinator {
			e.receiver.Deactivate(p.SiteID, p.FinalSeqNum)
			slog.Info("source deactivated", "site", p.SiteID, "final_seq", p.FinalSeqNum)
		}
		return e.directory.Apply(ctx, m)

	case *ism.SiteActivation:
		if m.SourceSiteID == ism.Coordinator && p.Site.ID != e.local {
			if w := e.receiver.Watermark(p.Site.ID); !w.Active || w.Final.Valid() {
				e.receiver.Reactivate(p.Site.ID)
				slog.Info("source reactivated", "site", p.Site.ID)
			}
		}
		return e.directory.Apply(ctx, m)

	case *ism.ReplayRequest, *ism.ReplayResponse:
		return Success()
	}

	if e.directory.Handles(m.Kind()) {
		return e.directory.Apply(ctx, m)
	}
	return e.applier.Apply(ctx, m)
}

// applyGrant accepts the Coordinator's grant of the local site's key.
func (e *Engine) applyGrant(m *ism.Message, p *ism.SiteGrant) Outcome {
	if m.SourceSiteID != ism.Coordinator || m.DestSiteID != e.local {
		slog.Warn("grant ignored", "source", m.SourceSiteID, "dest", m.DestSiteID)
		return Success()
	}
	signer, err := keys.NewSigner(p.PrivateKey)
	if err != nil {
		return Failure(err)
	}
	if !signer.Public().Equal(e.signer.Public()) {
		slog.Warn("grant carries a key other than the one this site signs with",
			"seq", m.SourceSeqNum, "granted", signer.Public().Fingerprint())
	}
	return Success()
}

// requestReplays queues a replay need for every source with a gap.
func (e *Engine) requestReplays() {
	for _, src := range e.receiver.Gaps() {
		need := e.receiver.ReplayNeed(src)
		if !e.replays.Enqueue(need) {
			slog.Warn("replay queue full", "requested", src)
		}
	}
}

// replayWorker performs queued replay pulls until ctx is done, one at a
// time, and hands each result to out. A failed pull leaves its needs
// queued and is retried after the retry interval.
func (e *Engine) replayWorker(ctx context.Context, out chan<- exchange.Pulled) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.replays.Wait():
		}

		pulled, ok, err := e.pull(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("replay pull failed", "peer", e.peer.ID, "retry", e.replayRetry, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.replayRetry):
			}
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- pulled:
		case <-ctx.Done():
			return
		}
	}
}

// PullReplays sends every queued replay need to the replay peer in one
// exchange and ingests what comes back. Needs whose replies were cut short
// by the peer's limit are queued again.
func (e *Engine) PullReplays(ctx context.Context) error {
	pulled, ok, err := e.pull(ctx)
	if err != nil || !ok {
		return err
	}
	e.absorb(ctx, pulled)
	return nil
}

// pull drains the replay queue and asks the peer for it. It touches no
// receiver state, so it may run beside Run. ok is false when there was
// nothing to send; on error the needs are queued again.
func (e *Engine) pull(ctx context.Context) (exchange.Pulled, bool, error) {
	needs := e.replays.Drain()
	if len(needs) == 0 {
		return exchange.Pulled{}, false, nil
	}
	if e.peer.URL == "" {
		slog.Debug("no replay peer configured", "needs", len(needs))
		return exchange.Pulled{}, false, nil
	}

	pulled, err := e.puller.Pull(ctx, e.peer.ID, e.peer.URL, needs)
	if err != nil {
		for _, n := range needs {
			e.replays.Enqueue(n)
		}
		return exchange.Pulled{}, false, err
	}
	return pulled, true, nil
}

// absorb ingests replayed messages, applies what became ready and queues
// the needs the peer's limit cut short.
func (e *Engine) absorb(ctx context.Context, pulled exchange.Pulled) {
	slog.Debug("absorbing replay", "peer", e.peer.ID, "messages", len(pulled.Messages))
	for _, m := range pulled.Messages {
		if _, err := e.Ingest(ctx, m); err != nil {
			slog.Error("replayed message not stored", "source", m.SourceSiteID, "seq", m.SourceSeqNum, "error", err)
		}
	}
	e.Drain(ctx)

	for src, remaining := range pulled.Remaining {
		if remaining > 0 {
			e.replays.Enqueue(e.receiver.ReplayNeed(src))
		}
	}
}

// Redeliver offers every held message in the store to the receiver again,
// retries stalled channel heads, applies whatever became ready and queues
// replays for remaining gaps. It returns the number of held messages
// offered.
func (e *Engine) Redeliver(ctx context.Context) (int, error) {
	e.receiver.Unstall()
	recs, err := e.store.Held(ctx)
	if err != nil {
		return 0, fmt.Errorf("redeliver: %w", err)
	}
	for _, rec := range recs {
		m, err := rec.Message()
		if err != nil {
			slog.Error("held message undecodable", "source", rec.Source, "seq", rec.Seq, "error", err)
			continue
		}
		e.receiver.Offer(m, e.verify)
	}
	applied := e.Drain(ctx)
	e.requestReplays()
	if len(recs) > 0 {
		slog.Debug("held messages redelivered", "held", len(recs), "applied", applied)
	}
	return len(recs), nil
}
