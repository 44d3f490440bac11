package exchange

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/store"
)

// DefaultPushBatch caps the messages sent in one push exchange.
const DefaultPushBatch = 500

// pushBudget keeps one push exchange well inside the receiver's body limit.
const pushBudget = maxBatchBytes / 2

// Pusher ships the local site's own sent log to peers, one page of the log
// per exchange.
type Pusher struct {
	log       MessageLog
	local     ism.SiteID
	transport Transport
	highWater ism.SeqNum
	batch     int
	budget    int
}

// PushOption configures a Pusher.
type PushOption func(*Pusher)

// WithPushBatch caps the messages sent per exchange.
func WithPushBatch(n int) PushOption {
	return func(p *Pusher) {
		if n > 0 {
			p.batch = n
		}
	}
}

// NewPusher returns a Pusher for local's sent log. Messages at or below
// highWater may already have reached peers in an earlier run and are left
// out of PushNew.
func NewPusher(log MessageLog, local ism.SiteID, t Transport, highWater ism.SeqNum, opts ...PushOption) *Pusher {
	p := &Pusher{
		log:       log,
		local:     local,
		transport: t,
		highWater: highWater,
		batch:     DefaultPushBatch,
		budget:    pushBudget,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HighWater returns the sequence number PushNew starts after.
func (p *Pusher) HighWater() ism.SeqNum {
	return p.highWater
}

// PushNew sends site every message emitted since the high-water mark that
// site may see.
func (p *Pusher) PushNew(ctx context.Context, site ism.SiteID, url string) (int, error) {
	q := p.query(site)
	q.After = p.highWater
	return p.push(ctx, site, url, q)
}

// ReplayAll sends site the whole sent log it may see, ignoring the
// high-water mark.
func (p *Pusher) ReplayAll(ctx context.Context, site ism.SiteID, url string) (int, error) {
	return p.push(ctx, site, url, p.query(site))
}

func (p *Pusher) query(site ism.SiteID) store.Query {
	q := store.NewQuery(p.local)
	q.VisibleTo = site
	q.Direction = store.Sent
	return q
}

// push sends the records q matches in pages of at most p.batch messages,
// splitting a page further when its bodies exceed the byte budget. On
// failure it returns how many messages earlier exchanges delivered.
func (p *Pusher) push(ctx context.Context, site ism.SiteID, url string, q store.Query) (int, error) {
	if url == "" {
		return 0, fmt.Errorf("push to %s: no url", site)
	}

	sent, exchanges := 0, 0
	first, last := ism.InvalidSeq, ism.InvalidSeq
	q.Limit = p.batch
	for {
		recs, _, err := p.log.Messages(ctx, q)
		if err != nil {
			return sent, fmt.Errorf("push to %s: %w", site, err)
		}
		for _, chunk := range split(recs, p.budget) {
			msgs := make([][]byte, len(chunk))
			for i, r := range chunk {
				msgs[i] = r.Body
			}
			res, err := p.transport.Exchange(ctx, url, msgs, true)
			if err != nil {
				slog.Error("push failed", "site", site, "url", url, "messages", len(msgs), "delivered", sent, "error", err)
				return sent, fmt.Errorf("push to %s: %w", site, err)
			}
			slog.Debug("push exchange", "site", site, "exchange", res.ExchangeID, "messages", len(msgs))
			if first == ism.InvalidSeq {
				first = chunk[0].Seq
			}
			last = chunk[len(chunk)-1].Seq
			sent += len(msgs)
			exchanges++
		}
		if len(recs) < p.batch {
			break
		}
		q.After = recs[len(recs)-1].Seq
	}

	if sent == 0 {
		slog.Debug("nothing to push", "site", site, "after", p.highWater)
		return 0, nil
	}
	slog.Info("push complete",
		"site", site,
		"messages", sent,
		"exchanges", exchanges,
		"first_seq", first,
		"last_seq", last,
	)
	return sent, nil
}

// split cuts recs into runs whose bodies total at most budget bytes. A
// record larger than budget travels alone.
func split(recs []store.Record, budget int) [][]store.Record {
	var out [][]store.Record
	start, size := 0, 0
	for i, r := range recs {
		if i > start && size+len(r.Body) > budget {
			out = append(out, recs[start:i])
			start, size = i, 0
		}
		size += len(r.Body)
	}
	if start < len(recs) {
		out = append(out, recs[start:])
	}
	return out
}
