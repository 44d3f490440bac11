package ledger

import (
	"cmp"
	"errors"
	"slices"
	"sync"

	"github.com/roach88/sitenet/internal/ism"
)

// DefaultMaxParked bounds how many out-of-order messages one source may
// have parked at a time.
const DefaultMaxParked = 1000

// Verdict is the routed result of offering a message to a Receiver.
type Verdict int

const (
	// Accept: the message continues its channel and is ready to apply.
	Accept Verdict = iota + 1
	// Duplicate: already applied or already parked. Discarded.
	Duplicate
	// Gap: parked until its predecessor arrives.
	Gap
	// Reject: failed verification. Discarded, never parked.
	Reject
	// Dropped: not for this site's ledger (see DropReason).
	Dropped
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	case Reject:
		return "reject"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// DropReason explains a Dropped verdict.
type DropReason string

const (
	ReasonLinkLocal      DropReason = "link-local"
	ReasonLocalOrigin    DropReason = "local-origin"
	ReasonNotAddressed   DropReason = "not-addressed"
	ReasonInactiveSource DropReason = "inactive-source"
	ReasonBeyondFinal    DropReason = "beyond-final"
	ReasonParkingFull    DropReason = "parking-full"
)

// Admission is the outcome of Offer.
type Admission struct {
	Verdict Verdict
	Reason  DropReason
	Err     error
}

// VerifyFunc checks a message's signature. A nil VerifyFunc accepts everything.
type VerifyFunc func(*ism.Message) error

// Precondition decides whether a ready channel head may be applied now. A
// non-nil error stalls the channel until some other source's message is
// settled or Unstall is called.
type Precondition func(m *ism.Message, v View) error

// View is the read access a Precondition has while the receiver is locked.
type View interface {
	Watermark(source ism.SiteID) Watermark
}

type lockedView struct{ r *Receiver }

func (v lockedView) Watermark(source ism.SiteID) Watermark { return v.r.watermark(source) }

// Watermark is the persisted reception state for one remote source.
type Watermark struct {
	Source  ism.SiteID
	Public  ism.SeqNum // last applied public message
	Private ism.SeqNum // last applied private message addressed to the local site
	Final   ism.SeqNum // InvalidSeq until the source is deactivated
	Active  bool
}

// ReplayNeed describes what a replay request for one source should cover.
type ReplayNeed struct {
	RequestedSiteID    ism.SiteID
	ExcludePublicUpTo  ism.SeqNum
	ExcludePrivateUpTo ism.SeqNum
}

// Stall describes a channel whose head is waiting on something other than
// a missing predecessor.
type Stall struct {
	Channel ChannelKey
	Seq     ism.SeqNum
	Err     error
}

type remote struct {
	id      ism.SiteID
	public  ism.SeqNum
	private ism.SeqNum
	final   ism.SeqNum
	active  bool
	pending map[ism.SeqNum]*ism.Message
	stalled map[ism.Visibility]error
}

func newRemote(id ism.SiteID) *remote {
	return &remote{
		id:      id,
		public:  ism.InvalidSeq,
		private: ism.InvalidSeq,
		final:   ism.InvalidSeq,
		active:  true,
		pending: make(map[ism.SeqNum]*ism.Message),
		stalled: make(map[ism.Visibility]error),
	}
}

func (r *remote) applied(v ism.Visibility) ism.SeqNum {
	if v == ism.Public {
		return r.public
	}
	return r.private
}

// head returns the lowest parked message on channel v.
func (r *remote) head(v ism.Visibility) *ism.Message {
	var best *ism.Message
	for _, m := range r.pending {
		if m.Visibility() == v && (best == nil || m.SourceSeqNum < best.SourceSeqNum) {
			best = m
		}
	}
	return best
}

// ready reports whether m may be applied next on its channel: it names the
// channel's last applied message, or it starts a new chain segment.
func (r *remote) ready(m *ism.Message) bool {
	last := r.applied(m.Visibility())
	return m.SourcePrevSeqNum == last ||
		(m.SourcePrevSeqNum == ism.InvalidSeq && m.SourceSeqNum > last)
}

func (r *remote) purgeAbove(threshold ism.SeqNum) int {
	n := 0
	for seq := range r.pending {
		if seq > threshold {
			delete(r.pending, seq)
			n++
		}
	}
	return n
}

func (r *remote) sortedPending() []*ism.Message {
	out := make([]*ism.Message, 0, len(r.pending))
	for _, m := range r.pending {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *ism.Message) int { return cmp.Compare(a.SourceSeqNum, b.SourceSeqNum) })
	return out
}

// Receiver admits messages from remote sources in channel order.
//
// Messages are parked per source until their channel reaches them. Next
// hands out one ready message at a time; Settle reports how applying it
// went. Mutations come from a single writer; the read accessors may be
// called from any goroutine.
type Receiver struct {
	mu sync.RWMutex

	local        ism.SiteID
	maxParked    int
	precondition Precondition
	sources      map[ism.SiteID]*remote
	inflight     *ism.Message
	lastServed   ism.SiteID
	evicted      int
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithMaxParked caps parked messages per source.
func WithMaxParked(n int) ReceiverOption {
	return func(r *Receiver) {
		if n > 0 {
			r.maxParked = n
		}
	}
}

// WithPrecondition installs the gate consulted before a ready message is
// handed out.
func WithPrecondition(p Precondition) ReceiverOption {
	return func(r *Receiver) {
		r.precondition = p
	}
}

// NewReceiver returns a Receiver for messages addressed to local.
func NewReceiver(local ism.SiteID, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		local:      local,
		maxParked:  DefaultMaxParked,
		sources:    make(map[ism.SiteID]*remote),
		lastServed: ism.InvalidSite,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Local returns the site this receiver admits messages for.
func (r *Receiver) Local() ism.SiteID {
	return r.local
}

func (r *Receiver) remote(id ism.SiteID) *remote {
	s, ok := r.sources[id]
	if !ok {
		s = newRemote(id)
		r.sources[id] = s
	}
	return s
}

// Offer routes one incoming message. Verification runs before any state is
// consulted, so a forged message can neither be parked nor shadow a real one.
func (r *Receiver) Offer(m *ism.Message, verify VerifyFunc) Admission {
	switch {
	case m.LinkLocal:
		return Admission{Verdict: Dropped, Reason: ReasonLinkLocal}
	case m.SourceSiteID == r.local:
		return Admission{Verdict: Dropped, Reason: ReasonLocalOrigin}
	case !m.IsPublic() && m.DestSiteID != r.local:
		return Admission{Verdict: Dropped, Reason: ReasonNotAddressed}
	}
	if verify != nil {
		if err := verify(m); err != nil {
			return Admission{Verdict: Reject, Err: err}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	src := r.remote(m.SourceSiteID)
	if !src.active {
		return Admission{Verdict: Dropped, Reason: ReasonInactiveSource}
	}
	if src.final.Valid() && m.SourceSeqNum > src.final {
		return Admission{Verdict: Dropped, Reason: ReasonBeyondFinal}
	}
	if m.SourceSeqNum <= src.applied(m.Visibility()) {
		return Admission{Verdict: Duplicate}
	}
	if _, ok := src.pending[m.SourceSeqNum]; ok {
		return Admission{Verdict: Duplicate}
	}
	if in := r.inflight; in != nil && in.SourceSiteID == m.SourceSiteID && in.SourceSeqNum == m.SourceSeqNum {
		return Admission{Verdict: Duplicate}
	}

	if len(src.pending) >= r.maxParked {
		highest := src.sortedPending()[len(src.pending)-1]
		if m.SourceSeqNum > highest.SourceSeqNum {
			r.evicted++
			return Admission{Verdict: Dropped, Reason: ReasonParkingFull}
		}
		delete(src.pending, highest.SourceSeqNum)
		r.evicted++
	}

	vis := m.Visibility()
	if h := src.head(vis); h == nil || m.SourceSeqNum < h.SourceSeqNum {
		// A new channel head gets a fresh chance.
		delete(src.stalled, vis)
	}
	src.pending[m.SourceSeqNum] = m

	if src.ready(m) && src.head(vis) == m {
		return Admission{Verdict: Accept}
	}
	return Admission{Verdict: Gap}
}

// Next returns the next message to apply, or false when none is ready.
// Sources are served round-robin; within a source the lowest ready channel
// head goes first. Only one message is handed out at a time.
func (r *Receiver) Next() (*ism.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inflight != nil {
		return nil, false
	}

	for _, id := range r.roundRobin() {
		src := r.sources[id]
		if m := r.candidate(src); m != nil {
			delete(src.pending, m.SourceSeqNum)
			r.inflight = m
			r.lastServed = id
			return m, true
		}
	}
	return nil, false
}

func (r *Receiver) candidate(src *remote) *ism.Message {
	if !src.active {
		return nil
	}
	var best *ism.Message
	for _, vis := range []ism.Visibility{ism.Public, ism.Private} {
		if src.stalled[vis] != nil {
			continue
		}
		h := src.head(vis)
		if h == nil || !src.ready(h) {
			continue
		}
		if r.precondition != nil {
			if err := r.precondition(h, lockedView{r}); err != nil {
				src.stalled[vis] = err
				continue
			}
		}
		if best == nil || h.SourceSeqNum < best.SourceSeqNum {
			best = h
		}
	}
	return best
}

// roundRobin lists source ids starting after the last one served.
func (r *Receiver) roundRobin() []ism.SiteID {
	ids := make([]ism.SiteID, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	i, _ := slices.BinarySearch(ids, r.lastServed+1)
	return append(ids[i:], ids[:i]...)
}

// errFailed marks a channel whose head was applied and failed.
var errFailed = errors.New("head message failed processing")

// Settle reports the result of applying the message last returned by Next.
// Success advances the channel watermark. Failure parks the message again
// and stalls its channel until another source's message succeeds.
func (r *Receiver) Settle(m *ism.Message, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inflight != m {
		return
	}
	r.inflight = nil
	src := r.remote(m.SourceSiteID)

	if !ok {
		src.pending[m.SourceSeqNum] = m
		src.stalled[m.Visibility()] = errFailed
		return
	}

	if m.IsPublic() {
		src.public = m.SourceSeqNum
	} else {
		src.private = m.SourceSeqNum
	}
	if src.final.Valid() && m.SourceSeqNum >= src.final {
		src.active = false
		clear(src.pending)
	}
	for id, other := range r.sources {
		if id != m.SourceSiteID {
			clear(other.stalled)
		}
	}
}

// Unstall clears every stall so preconditions and failed heads are
// re-examined on the next call to Next.
func (r *Receiver) Unstall() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sources {
		clear(s.stalled)
	}
}

// ReplayNeed computes the replay request that would fill source's gaps.
// The exclusion watermarks run through every parked message that already
// continues the applied chain, so those are not requested again.
func (r *Receiver) ReplayNeed(source ism.SiteID) ReplayNeed {
	r.mu.RLock()
	defer r.mu.RUnlock()

	need := ReplayNeed{RequestedSiteID: source, ExcludePublicUpTo: ism.InvalidSeq, ExcludePrivateUpTo: ism.InvalidSeq}
	src, ok := r.sources[source]
	if !ok {
		return need
	}
	pub, priv := src.public, src.private
	msgs := src.sortedPending()
	if in := r.inflight; in != nil && in.SourceSiteID == source {
		msgs = append(msgs, in)
		slices.SortFunc(msgs, func(a, b *ism.Message) int { return cmp.Compare(a.SourceSeqNum, b.SourceSeqNum) })
	}
	for _, m := range msgs {
		switch {
		case m.IsPublic() && m.SourcePrevSeqNum == pub:
			pub = m.SourceSeqNum
		case !m.IsPublic() && m.SourcePrevSeqNum == priv:
			priv = m.SourceSeqNum
		}
	}
	need.ExcludePublicUpTo = pub
	need.ExcludePrivateUpTo = priv
	return need
}

// Gaps lists sources that have parked messages their channels cannot reach.
func (r *Receiver) Gaps() []ism.SiteID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ism.SiteID
	for id, src := range r.sources {
		if !src.active {
			continue
		}
		for _, vis := range []ism.Visibility{ism.Public, ism.Private} {
			if h := src.head(vis); h != nil && !src.ready(h) {
				out = append(out, id)
				break
			}
		}
	}
	slices.Sort(out)
	return out
}

// Deactivate records that source stops at final. Parked messages beyond
// final are purged; the source goes fully inactive once final is applied,
// or immediately when final is InvalidSeq or already applied.
func (r *Receiver) Deactivate(source ism.SiteID, final ism.SeqNum) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := r.remote(source)
	src.final = final
	if !final.Valid() || max(src.public, src.private) >= final {
		src.active = false
		clear(src.pending)
		return
	}
	src.purgeAbove(final)
}

// Reactivate clears a deactivation.
func (r *Receiver) Reactivate(source ism.SiteID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := r.remote(source)
	src.active = true
	src.final = ism.InvalidSeq
}

// ResetWatermarks overwrites source's applied watermarks. ism.DontReset
// leaves one alone. Parked messages at or below a reset watermark are
// discarded as duplicates.
func (r *Receiver) ResetWatermarks(source ism.SiteID, public, private ism.SeqNum) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := r.remote(source)
	if public != ism.DontReset {
		src.public = public
	}
	if private != ism.DontReset {
		src.private = private
	}
	for seq, m := range src.pending {
		if seq <= src.applied(m.Visibility()) {
			delete(src.pending, seq)
		}
	}
	clear(src.stalled)
}

// Watermarks returns the reception state of every known source, sorted.
func (r *Receiver) Watermarks() []Watermark {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Watermark, 0, len(r.sources))
	for id, s := range r.sources {
		out = append(out, Watermark{Source: id, Public: s.public, Private: s.private, Final: s.final, Active: s.active})
	}
	slices.SortFunc(out, func(a, b Watermark) int { return cmp.Compare(a.Source, b.Source) })
	return out
}

// Watermark returns the reception state of one source.
func (r *Receiver) Watermark(source ism.SiteID) Watermark {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watermark(source)
}

func (r *Receiver) watermark(source ism.SiteID) Watermark {
	s, ok := r.sources[source]
	if !ok {
		return Watermark{Source: source, Public: ism.InvalidSeq, Private: ism.InvalidSeq, Final: ism.InvalidSeq, Active: true}
	}
	return Watermark{Source: source, Public: s.public, Private: s.private, Final: s.final, Active: s.active}
}

// Restore loads persisted watermarks. Parked messages are not restored; the
// caller re-offers held messages from its store.
func (r *Receiver) Restore(ws []Watermark) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range ws {
		s := r.remote(w.Source)
		s.public, s.private, s.final, s.active = w.Public, w.Private, w.Final, w.Active
	}
}

// Held returns every parked message, ordered by source then sequence number.
func (r *Receiver) Held() []*ism.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ism.SiteID, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []*ism.Message
	for _, id := range ids {
		out = append(out, r.sources[id].sortedPending()...)
	}
	return out
}

// Stalls lists channels held back by a precondition or a failed head.
func (r *Receiver) Stalls() []Stall {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Stall
	for _, src := range r.sources {
		for vis, err := range src.stalled {
			h := src.head(vis)
			if h == nil {
				continue
			}
			out = append(out, Stall{Channel: ChannelOf(h.Envelope), Seq: h.SourceSeqNum, Err: err})
		}
	}
	slices.SortFunc(out, func(a, b Stall) int {
		if a.Channel.Source != b.Channel.Source {
			return cmp.Compare(a.Channel.Source, b.Channel.Source)
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out
}

// Parked returns the number of parked messages.
func (r *Receiver) Parked() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sources {
		n += len(s.pending)
	}
	return n
}

// Evicted returns how many messages were dropped because parking was full.
func (r *Receiver) Evicted() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evicted
}
