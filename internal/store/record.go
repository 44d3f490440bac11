package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/sitenet/internal/ism"
)

// Direction says whether a stored message was emitted or received locally.
type Direction string

const (
	Sent     Direction = "sent"
	Received Direction = "received"
)

// State tracks a message through local processing.
type State string

const (
	StateSent    State = "sent"    // emitted by this site
	StateHeld    State = "held"    // received, not yet applied
	StateApplied State = "applied" // received and applied
)

// ErrSeqTaken is returned when a sent message reuses a sequence number.
var ErrSeqTaken = errors.New("sequence number already in sent log")

// Record is one stored message.
type Record struct {
	Source     ism.SiteID
	Seq        ism.SeqNum
	Prev       ism.SeqNum
	Dest       ism.SiteID
	Direction  Direction
	State      State
	Kind       ism.Kind
	SourceDate time.Time
	Digest     string
	Body       []byte // canonical encoding, signature included
}

// RecordOf builds the record for a signed message. The body is re-encoded
// canonically, so a decoded message is stored exactly as its sender signed it.
func RecordOf(m *ism.Message, dir Direction) (Record, error) {
	if m.LinkLocal {
		return Record{}, fmt.Errorf("record %s: link-local messages are not stored", m.Kind())
	}
	body, err := ism.Marshal(m)
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", m.Kind(), err)
	}
	digest, err := ism.Digest(m)
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", m.Kind(), err)
	}
	state := StateSent
	if dir == Received {
		state = StateHeld
	}
	return Record{
		Source:     m.SourceSiteID,
		Seq:        m.SourceSeqNum,
		Prev:       m.SourcePrevSeqNum,
		Dest:       m.DestSiteID,
		Direction:  dir,
		State:      state,
		Kind:       m.Kind(),
		SourceDate: m.SourceDate,
		Digest:     hex.EncodeToString(digest[:]),
		Body:       body,
	}, nil
}

// Message decodes the stored body.
func (r Record) Message() (*ism.Message, error) {
	m, err := ism.Unmarshal(r.Body)
	if err != nil {
		return nil, fmt.Errorf("decode stored %s/%d: %w", r.Source, r.Seq, err)
	}
	return m, nil
}

// VisibleTo reports whether site may see the message.
func (r Record) VisibleTo(site ism.SiteID) bool {
	return r.Dest == ism.AllSites || r.Dest == site
}

// Outcome is the stored result of one attempt to apply a received message.
type Outcome struct {
	Source     ism.SiteID
	Seq        ism.SeqNum
	Succeeded  bool
	Directives []string
	Error      string
	RecordedAt time.Time
}

// Identity is the local site's id and the grant that established it.
type Identity struct {
	SiteID ism.SiteID
	Grant  []byte // the canonical SiteGrant message
}
