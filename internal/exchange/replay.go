package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/keys"
	"github.com/roach88/sitenet/internal/ledger"
	"github.com/roach88/sitenet/internal/store"
)

// DefaultReplayLimit caps the messages replayed in one exchange.
const DefaultReplayLimit = 500

// MessageLog is the read side of a site's store used for replays and pushes.
type MessageLog interface {
	Messages(ctx context.Context, q store.Query) ([]store.Record, int, error)
}

// Replayer answers ReplayRequests from the local message log.
type Replayer struct {
	log    MessageLog
	local  ism.SiteID
	signer keys.Signer
	limit  int
	now    func() time.Time
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithReplayLimit sets the local cap on messages replayed per exchange.
func WithReplayLimit(n int) ReplayerOption {
	return func(r *Replayer) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithReplayClock sets the clock used to date ReplayResponses.
func WithReplayClock(now func() time.Time) ReplayerOption {
	return func(r *Replayer) {
		r.now = now
	}
}

// NewReplayer returns a Replayer that signs its responses as local.
func NewReplayer(log MessageLog, local ism.SiteID, signer keys.Signer, opts ...ReplayerOption) *Replayer {
	r := &Replayer{log: log, local: local, signer: signer, limit: DefaultReplayLimit, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Serve answers every ReplayRequest of one exchange. The replay limit
// applies to the combined response: each request gets at most
// min(local limit, its own limit) minus what earlier requests in the same
// exchange already replayed. Each request is answered by the matching
// messages followed by a ReplayResponse.
func (r *Replayer) Serve(ctx context.Context, reqs []*ism.Message) ([][]byte, error) {
	var (
		out      [][]byte
		replayed int
	)
	for _, m := range reqs {
		req, ok := m.Payload.(*ism.ReplayRequest)
		if !ok {
			continue
		}
		if m.DestSiteID != r.local {
			slog.Debug("replay request not addressed to us", "from", m.SourceSiteID, "dest", m.DestSiteID)
			continue
		}

		q := store.NewQuery(req.RequestedSiteID)
		q.VisibleTo = m.SourceSiteID
		q.ExcludePublicUpTo = req.ExcludePublicUpTo
		q.ExcludePrivateUpTo = req.ExcludePrivateUpTo
		q.Limit = min(r.limit, req.MaxIsmsToReplay) - replayed
		if q.Limit <= 0 {
			q.Limit = -1
		}

		recs, matching, err := r.log.Messages(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("replay %s for %s: %w", req.RequestedSiteID, m.SourceSiteID, err)
		}
		for _, rec := range recs {
			out = append(out, rec.Body)
		}
		replayed += len(recs)

		resp := ism.New(&ism.ReplayResponse{
			RequestedSiteID: req.RequestedSiteID,
			CountMatching:   matching,
			CountReplayed:   len(recs),
		}, r.local, m.SourceSiteID)
		resp.SourceDate = r.now().UTC()
		raw, err := ism.Sign(resp, r.signer)
		if err != nil {
			return nil, fmt.Errorf("sign replay response: %w", err)
		}
		out = append(out, raw)

		slog.Info("replay served",
			"requester", m.SourceSiteID,
			"requested", req.RequestedSiteID,
			"matching", matching,
			"replayed", len(recs),
		)
	}
	return out, nil
}

// ReplayQueue holds outbound replay needs until the engine sends them. It
// is bounded and keeps at most one need per requested site; a newer need
// for the same site replaces the queued one.
type ReplayQueue struct {
	mu       sync.Mutex
	pending  map[ism.SiteID]ledger.ReplayNeed
	order    []ism.SiteID
	capacity int
	signal   chan struct{}
}

// NewReplayQueue returns a queue holding needs for at most capacity sites.
func NewReplayQueue(capacity int) *ReplayQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &ReplayQueue{
		pending:  make(map[ism.SiteID]ledger.ReplayNeed),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue records need. It returns false when the queue is full and need
// names a site not already queued.
func (q *ReplayQueue) Enqueue(need ledger.ReplayNeed) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[need.RequestedSiteID]; !ok {
		if len(q.order) >= q.capacity {
			return false
		}
		q.order = append(q.order, need.RequestedSiteID)
	}
	q.pending[need.RequestedSiteID] = need

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Drain removes and returns every queued need in arrival order.
func (q *ReplayQueue) Drain() []ledger.ReplayNeed {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]ledger.ReplayNeed, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.pending[id])
	}
	q.order = q.order[:0]
	clear(q.pending)
	return out
}

// Len returns the number of queued needs.
func (q *ReplayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Wait returns a channel that signals when needs may be queued.
func (q *ReplayQueue) Wait() <-chan struct{} {
	return q.signal
}

// Pulled is what a pull returned.
type Pulled struct {
	// Messages are the replayed regular messages, decoded but not verified.
	Messages []*ism.Message

	// Remaining is, per requested site, how many matching messages the
	// peer held back because of the replay limit.
	Remaining map[ism.SiteID]int
}

// Puller asks a peer to replay messages the local site is missing.
type Puller struct {
	transport Transport
	local     ism.SiteID
	signer    keys.Signer
	limit     int
	now       func() time.Time
}

// NewPuller returns a Puller whose requests ask for at most limit messages
// per exchange.
func NewPuller(t Transport, local ism.SiteID, signer keys.Signer, limit int) *Puller {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	return &Puller{transport: t, local: local, signer: signer, limit: limit, now: time.Now}
}

// Requests builds one signed ReplayRequest per need, addressed to peer.
// Every request in the bundle carries the same limit.
func (p *Puller) Requests(peer ism.SiteID, needs []ledger.ReplayNeed) ([][]byte, error) {
	out := make([][]byte, 0, len(needs))
	for _, n := range needs {
		m := ism.New(&ism.ReplayRequest{
			RequestedSiteID:    n.RequestedSiteID,
			ExcludePublicUpTo:  n.ExcludePublicUpTo,
			ExcludePrivateUpTo: n.ExcludePrivateUpTo,
			MaxIsmsToReplay:    p.limit,
		}, p.local, peer)
		m.SourceDate = p.now().UTC()
		raw, err := ism.Sign(m, p.signer)
		if err != nil {
			return nil, fmt.Errorf("sign replay request for %s: %w", n.RequestedSiteID, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// Pull sends one exchange carrying a ReplayRequest per need to peer at url.
// Replies that fail to decode are logged and skipped.
func (p *Puller) Pull(ctx context.Context, peer ism.SiteID, url string, needs []ledger.ReplayNeed) (Pulled, error) {
	pulled := Pulled{Messages: []*ism.Message{}, Remaining: map[ism.SiteID]int{}}
	if len(needs) == 0 {
		return pulled, nil
	}
	reqs, err := p.Requests(peer, needs)
	if err != nil {
		return pulled, err
	}

	res, err := p.transport.Exchange(ctx, url, reqs, true)
	if err != nil {
		slog.Warn("replay pull failed", "peer", peer, "url", url, "error", err)
		return pulled, err
	}

	for _, raw := range res.Messages {
		m, err := ism.Unmarshal(raw)
		if err != nil {
			slog.Warn("undecodable replayed message", "peer", peer, "exchange", res.ExchangeID, "error", err)
			continue
		}
		if resp, ok := m.Payload.(*ism.ReplayResponse); ok {
			pulled.Remaining[resp.RequestedSiteID] += resp.Remaining()
			continue
		}
		if m.LinkLocal {
			continue
		}
		pulled.Messages = append(pulled.Messages, m)
	}

	slog.Info("replay pulled", "peer", peer, "exchange", res.ExchangeID, "messages", len(pulled.Messages))
	return pulled, nil
}
