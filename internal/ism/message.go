package ism

import (
	"time"

	"github.com/roach88/sitenet/internal/tree"
)

// Envelope holds the fields every message carries regardless of kind.
type Envelope struct {
	SourceSiteID     SiteID
	SourceSeqNum     SeqNum
	SourcePrevSeqNum SeqNum
	DestSiteID       SiteID
	SourceDate       time.Time
	DeliverTo        Subsystem

	// LinkLocal messages travel only between the two ends of one exchange.
	// They are never stamped, logged, or relayed.
	LinkLocal bool
}

// Visibility is Public for broadcast messages and Private otherwise.
func (e Envelope) Visibility() Visibility {
	if e.DestSiteID == AllSites {
		return Public
	}
	return Private
}

// IsPublic reports whether the message is a broadcast.
func (e Envelope) IsPublic() bool {
	return e.DestSiteID == AllSites
}

// Message is one inter-site message: the common envelope, one payload
// variant, and a signature over the canonical encoding of both.
// A Message is immutable once signed.
type Message struct {
	Envelope
	Payload   Payload
	Signature []byte

	// doc is the document the message was decoded from, kept so the
	// signature is checked against exactly the bytes the sender signed.
	doc tree.Object
}

// Kind returns the payload's type tag.
func (m *Message) Kind() Kind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

// New builds an unstamped message from source to dest. Sequence numbers are
// left invalid until the sender's ledger stamps them; DeliverTo and
// LinkLocal come from the catalog.
func New(p Payload, source, dest SiteID) *Message {
	m := &Message{
		Envelope: Envelope{
			SourceSiteID:     source,
			SourceSeqNum:     InvalidSeq,
			SourcePrevSeqNum: InvalidSeq,
			DestSiteID:       dest,
		},
		Payload: p,
	}
	if v, ok := catalog[p.Kind()]; ok {
		m.DeliverTo = v.deliverTo
		m.LinkLocal = v.linkLocal
	}
	return m
}

// Broadcast builds an unstamped public message.
func Broadcast(p Payload, source SiteID) *Message {
	return New(p, source, AllSites)
}

// Decoded reports whether m was produced by Unmarshal rather than built locally.
func (m *Message) Decoded() bool {
	return m.doc != nil
}
