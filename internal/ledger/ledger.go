package ledger

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/sitenet/internal/ism"
)

var (
	// ErrWrongSource: the message was not originated by this ledger's site.
	ErrWrongSource = errors.New("message source does not own this ledger")

	// ErrLinkLocal: link-local messages are never stamped.
	ErrLinkLocal = errors.New("link-local messages carry no sequence numbers")

	// ErrStale: a stamp was committed after another one moved the counter.
	ErrStale = errors.New("stamp is stale")

	// ErrOutOfOrder: a folded message does not continue the global counter.
	ErrOutOfOrder = errors.New("sequence number out of order")

	// ErrBrokenChain: a folded message names a predecessor other than its channel head.
	ErrBrokenChain = errors.New("previous sequence number does not match channel head")
)

// Ledger assigns sequence numbers to the messages one site emits.
//
// The counter is shared by every channel the site emits on; each channel
// keeps its own head. A Ledger is not safe for concurrent use; it belongs
// to the single writer that appends to the site's sent log.
type Ledger struct {
	source  ism.SiteID
	highest ism.SeqNum
	heads   map[ism.SiteID]ism.SeqNum
}

// New returns an empty ledger for source.
func New(source ism.SiteID) *Ledger {
	return &Ledger{
		source:  source,
		highest: ism.InvalidSeq,
		heads:   make(map[ism.SiteID]ism.SeqNum),
	}
}

// Source returns the site whose emissions this ledger numbers.
func (l *Ledger) Source() ism.SiteID {
	return l.source
}

// Highest returns the last sequence number emitted on any channel.
func (l *Ledger) Highest() ism.SeqNum {
	return l.highest
}

// Head returns the last sequence number emitted to dest, or InvalidSeq.
// Pass ism.AllSites for the public channel.
func (l *Ledger) Head(dest ism.SiteID) ism.SeqNum {
	if h, ok := l.heads[dest]; ok {
		return h
	}
	return ism.InvalidSeq
}

// Stamp is a pending assignment of sequence numbers to one message.
type Stamp struct {
	Dest ism.SiteID
	Seq  ism.SeqNum
	Prev ism.SeqNum
}

// Next computes the stamp for the next message to dest without changing
// the ledger. With forceBlank the message starts a new chain segment and
// names no predecessor.
func (l *Ledger) Next(dest ism.SiteID, forceBlank bool) Stamp {
	// InvalidSeq is -1, so an empty ledger stamps 0 first.
	s := Stamp{Dest: dest, Seq: l.highest + 1, Prev: l.Head(dest)}
	if forceBlank {
		s.Prev = ism.InvalidSeq
	}
	return s
}

// Stamp writes the next sequence numbers into m and returns the stamp to
// commit once m is durably appended.
func (l *Ledger) Stamp(m *ism.Message, forceBlank bool) (Stamp, error) {
	if m.SourceSiteID != l.source {
		return Stamp{}, fmt.Errorf("stamp %s from %s: %w", m.Kind(), m.SourceSiteID, ErrWrongSource)
	}
	if m.LinkLocal {
		return Stamp{}, fmt.Errorf("stamp %s: %w", m.Kind(), ErrLinkLocal)
	}
	s := l.Next(dest(m.Envelope), forceBlank)
	m.SourceSeqNum = s.Seq
	m.SourcePrevSeqNum = s.Prev
	return s, nil
}

// Commit advances the counter and the channel head to s.Seq.
func (l *Ledger) Commit(s Stamp) error {
	if want := l.Next(s.Dest, false).Seq; s.Seq != want {
		return fmt.Errorf("commit seq %d, want %d: %w", s.Seq, want, ErrStale)
	}
	l.highest = s.Seq
	l.heads[s.Dest] = s.Seq
	return nil
}

// Observe applies one historical emission to the ledger. Folding the whole
// sent log in order reproduces the state incremental stamping produced.
func (l *Ledger) Observe(e ism.Envelope) error {
	if e.SourceSiteID != l.source {
		return fmt.Errorf("observe seq %d from %s: %w", e.SourceSeqNum, e.SourceSiteID, ErrWrongSource)
	}
	if e.LinkLocal {
		return ErrLinkLocal
	}
	d := dest(e)
	if want := l.Next(d, false).Seq; e.SourceSeqNum != want {
		return fmt.Errorf("observe seq %d, want %d: %w", e.SourceSeqNum, want, ErrOutOfOrder)
	}
	if head := l.Head(d); e.SourcePrevSeqNum != ism.InvalidSeq && e.SourcePrevSeqNum != head {
		return fmt.Errorf("observe seq %d prev %d, head %d: %w", e.SourceSeqNum, e.SourcePrevSeqNum, head, ErrBrokenChain)
	}
	l.highest = e.SourceSeqNum
	l.heads[d] = e.SourceSeqNum
	return nil
}

// Head is one channel head in a State snapshot.
type Head struct {
	Dest ism.SiteID
	Seq  ism.SeqNum
}

// State is a serializable snapshot of a Ledger.
type State struct {
	Highest ism.SeqNum
	Heads   []Head // sorted by Dest
}

// Snapshot returns the ledger's state with heads sorted by destination.
func (l *Ledger) Snapshot() State {
	st := State{Highest: l.highest, Heads: make([]Head, 0, len(l.heads))}
	for d, seq := range l.heads {
		st.Heads = append(st.Heads, Head{Dest: d, Seq: seq})
	}
	slices.SortFunc(st.Heads, func(a, b Head) int { return cmp.Compare(a.Dest, b.Dest) })
	return st
}

// Restore replaces the ledger's state with st.
func (l *Ledger) Restore(st State) {
	l.highest = st.Highest
	l.heads = make(map[ism.SiteID]ism.SeqNum, len(st.Heads))
	for _, h := range st.Heads {
		l.heads[h.Dest] = h.Seq
	}
}

func dest(e ism.Envelope) ism.SiteID {
	if e.IsPublic() {
		return ism.AllSites
	}
	return e.DestSiteID
}
