package ism

import (
	"fmt"
	"slices"
	"time"

	"github.com/roach88/sitenet/internal/tree"
)

// SiteStatisticsRequest asks the destination to report its counters to
// the collection site before Expires.
type SiteStatisticsRequest struct {
	CollectionSiteID SiteID
	ResetCounters    bool
	Expires          time.Time
}

func (*SiteStatisticsRequest) Kind() Kind { return KindSiteStatisticsRequest }

func (p *SiteStatisticsRequest) encode() (tree.Object, error) {
	if !p.CollectionSiteID.Valid() {
		return nil, incomplete(KindSiteStatisticsRequest, "collectionSiteId", "no collection site")
	}
	if p.Expires.IsZero() {
		return nil, incomplete(KindSiteStatisticsRequest, "expires", "no expiry")
	}
	return tree.Obj(
		tree.P("collectionSiteId", tree.Int(p.CollectionSiteID)),
		tree.P("resetCounters", tree.Bool(p.ResetCounters)),
		tree.P("expires", tree.String(formatTime(p.Expires))),
	), nil
}

func (*SiteStatisticsRequest) checkEnvelope(e Envelope) error {
	return requirePrivate(KindSiteStatisticsRequest, e)
}

func decodeStatisticsRequest(r *reader) Payload {
	return &SiteStatisticsRequest{
		CollectionSiteID: r.site("collectionSiteId"),
		ResetCounters:    r.bool("resetCounters"),
		Expires:          r.time("expires"),
	}
}

// SiteStatistics carries a site's counters for a collection period.
type SiteStatistics struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	Counters    map[string]int64
}

func (*SiteStatistics) Kind() Kind { return KindSiteStatistics }

func (p *SiteStatistics) encode() (tree.Object, error) {
	if p.PeriodEnd.Before(p.PeriodStart) {
		return nil, incomplete(KindSiteStatistics, "periodEnd", "period ends before it starts")
	}
	counters := tree.Object{}
	for k, v := range p.Counters {
		counters[k] = tree.Int(v)
	}
	return tree.Obj(
		tree.P("periodStart", tree.String(formatTime(p.PeriodStart))),
		tree.P("periodEnd", tree.String(formatTime(p.PeriodEnd))),
		tree.P("counters", counters),
	), nil
}

func (*SiteStatistics) checkEnvelope(e Envelope) error {
	return requirePrivate(KindSiteStatistics, e)
}

func decodeStatistics(r *reader) Payload {
	p := &SiteStatistics{
		PeriodStart: r.time("periodStart"),
		PeriodEnd:   r.time("periodEnd"),
		Counters:    map[string]int64{},
	}
	sub := r.object("counters")
	for _, k := range sub.obj.SortedKeys() {
		p.Counters[k] = sub.int(k)
	}
	r.join(sub)
	return p
}

// CounterNames returns the counter keys in sorted order.
func (p *SiteStatistics) CounterNames() []string {
	names := make([]string, 0, len(p.Counters))
	for k := range p.Counters {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// coordinatorLiteral is how ReplayRequest names the Coordinator on the wire.
const coordinatorLiteral = "coordinator"

// ReplayRequest asks a peer to resend messages originated by RequestedSiteID.
// Messages at or below the exclusion watermarks are skipped. MaxIsmsToReplay
// bounds the combined response of every request in one exchange.
type ReplayRequest struct {
	RequestedSiteID    SiteID
	ExcludePublicUpTo  SeqNum
	ExcludePrivateUpTo SeqNum
	MaxIsmsToReplay    int
}

func (*ReplayRequest) Kind() Kind { return KindReplayRequest }

func (p *ReplayRequest) encode() (tree.Object, error) {
	if !p.RequestedSiteID.Valid() {
		return nil, incomplete(KindReplayRequest, "requestedSiteId", "no requested site")
	}
	if p.MaxIsmsToReplay <= 0 {
		return nil, incomplete(KindReplayRequest, "maxIsmsToReplay", "limit must be positive")
	}
	var requested tree.Value = tree.Int(p.RequestedSiteID)
	if p.RequestedSiteID == Coordinator {
		requested = tree.String(coordinatorLiteral)
	}
	obj := tree.Obj(
		tree.P("requestedSiteId", requested),
		tree.P("maxIsmsToReplay", tree.Int(p.MaxIsmsToReplay)),
	)
	obj.SetIf(p.ExcludePublicUpTo.Valid(), "excludePublicSeqNumsUpTo", tree.Int(p.ExcludePublicUpTo))
	obj.SetIf(p.ExcludePrivateUpTo.Valid(), "excludePrivateSeqNumsUpTo", tree.Int(p.ExcludePrivateUpTo))
	return obj, nil
}

func decodeReplayRequest(r *reader) Payload {
	p := &ReplayRequest{
		ExcludePublicUpTo:  r.optSeq("excludePublicSeqNumsUpTo"),
		ExcludePrivateUpTo: r.optSeq("excludePrivateSeqNumsUpTo"),
		MaxIsmsToReplay:    int(r.int("maxIsmsToReplay")),
	}
	switch v := r.obj["requestedSiteId"].(type) {
	case tree.String:
		if string(v) != coordinatorLiteral {
			r.fail("requestedSiteId", fmt.Errorf("unrecognized site name %q", string(v)))
		}
		p.RequestedSiteID = Coordinator
	case tree.Int:
		p.RequestedSiteID = SiteID(v)
	case nil:
		r.fail("requestedSiteId", fmt.Errorf("required field is absent"))
	default:
		r.fail("requestedSiteId", fmt.Errorf("unexpected %T", v))
	}
	if r.err == nil && p.MaxIsmsToReplay <= 0 {
		r.fail("maxIsmsToReplay", fmt.Errorf("limit %d must be positive", p.MaxIsmsToReplay))
	}
	return p
}

// ReplayResponse reports how many messages originated by RequestedSiteID
// matched a replay and how many were actually sent.
type ReplayResponse struct {
	RequestedSiteID SiteID
	CountMatching   int
	CountReplayed   int
}

func (*ReplayResponse) Kind() Kind { return KindReplayResponse }

func (p *ReplayResponse) encode() (tree.Object, error) {
	obj := tree.Obj(
		tree.P("countMatchingIsms", tree.Int(p.CountMatching)),
		tree.P("countReplayedIsms", tree.Int(p.CountReplayed)),
	)
	obj.SetIf(p.RequestedSiteID.Valid(), "requestedSiteId", tree.Int(p.RequestedSiteID))
	return obj, nil
}

func decodeReplayResponse(r *reader) Payload {
	return &ReplayResponse{
		RequestedSiteID: r.optSite("requestedSiteId"),
		CountMatching:   int(r.int("countMatchingIsms")),
		CountReplayed:   int(r.int("countReplayedIsms")),
	}
}

// Remaining is the number of matching messages the peer held back.
func (p *ReplayResponse) Remaining() int {
	return max(p.CountMatching-p.CountReplayed, 0)
}

// Join makes the sender's channel wait until the recipient has applied
// public message JoinedSiteSeqNum from JoinedSiteID.
type Join struct {
	JoinedSiteID     SiteID
	JoinedSiteSeqNum SeqNum
}

func (*Join) Kind() Kind { return KindJoin }

func (p *Join) encode() (tree.Object, error) {
	if !p.JoinedSiteID.Valid() || !p.JoinedSiteSeqNum.Valid() {
		return nil, incomplete(KindJoin, "joinedSiteId", "join needs a site and a sequence number")
	}
	return tree.Obj(
		tree.P("joinedSiteId", tree.Int(p.JoinedSiteID)),
		tree.P("joinedSiteSeqNum", tree.Int(p.JoinedSiteSeqNum)),
	), nil
}

// The Coordinator's channel must stay unconditionally available, so it can
// never be the waiting side of a join.
func (p *Join) checkEnvelope(e Envelope) error {
	if e.SourceSiteID == Coordinator {
		return invalid(KindJoin, "the coordinator cannot emit a join")
	}
	if e.SourceSiteID == p.JoinedSiteID {
		return invalid(KindJoin, "a site cannot join its own channel")
	}
	return nil
}

func decodeJoin(r *reader) Payload {
	return &Join{JoinedSiteID: r.site("joinedSiteId"), JoinedSiteSeqNum: SeqNum(r.int("joinedSiteSeqNum"))}
}

// SiteReset overwrites the recipient's applied watermarks for OtherSiteID.
// DontReset leaves a watermark alone; on the wire it is an absent field.
type SiteReset struct {
	OtherSiteID   SiteID
	PublicSeqNum  SeqNum
	PrivateSeqNum SeqNum
}

func (*SiteReset) Kind() Kind { return KindSiteReset }

func (p *SiteReset) encode() (tree.Object, error) {
	if !p.OtherSiteID.Valid() {
		return nil, incomplete(KindSiteReset, "otherSiteId", "no site to reset")
	}
	if p.PublicSeqNum == DontReset && p.PrivateSeqNum == DontReset {
		return nil, incomplete(KindSiteReset, "publicSeqNum", "reset changes nothing")
	}
	obj := tree.Obj(tree.P("otherSiteId", tree.Int(p.OtherSiteID)))
	obj.SetIf(p.PublicSeqNum != DontReset, "publicSeqNum", tree.Int(p.PublicSeqNum))
	obj.SetIf(p.PrivateSeqNum != DontReset, "privateSeqNum", tree.Int(p.PrivateSeqNum))
	return obj, nil
}

func (p *SiteReset) checkEnvelope(e Envelope) error {
	if err := requirePrivate(KindSiteReset, e); err != nil {
		return err
	}
	if e.SourceSiteID != Coordinator {
		return invalid(KindSiteReset, "only the coordinator may reset sequence numbers")
	}
	if p.OtherSiteID == e.DestSiteID {
		return invalid(KindSiteReset, "reset must name a third site")
	}
	return nil
}

func decodeSiteReset(r *reader) Payload {
	return &SiteReset{
		OtherSiteID:   r.site("otherSiteId"),
		PublicSeqNum:  SeqNum(r.optInt("publicSeqNum", int64(DontReset))),
		PrivateSeqNum: SeqNum(r.optInt("privateSeqNum", int64(DontReset))),
	}
}

// ForceUpgrade stalls the Coordinator's channel at every site whose software
// version sorts below Version.
type ForceUpgrade struct {
	Version string
}

func (*ForceUpgrade) Kind() Kind { return KindForceUpgrade }

func (p *ForceUpgrade) encode() (tree.Object, error) {
	if p.Version == "" {
		return nil, incomplete(KindForceUpgrade, "version", "no version")
	}
	return tree.Obj(tree.P("version", tree.String(p.Version))), nil
}

func decodeForceUpgrade(r *reader) Payload {
	p := &ForceUpgrade{Version: r.str("version")}
	if r.err == nil && p.Version == "" {
		r.fail("version", fmt.Errorf("version is empty"))
	}
	return p
}

// Unknown is the payload of a message whose type tag this build does not
// recognize. It can be stored and relayed but never applied.
type Unknown struct {
	TypeName string
	Body     tree.Object
}

func (p *Unknown) Kind() Kind { return Kind(p.TypeName) }

func (p *Unknown) encode() (tree.Object, error) {
	return nil, &Error{Code: CodeUnknownKind, Kind: Kind(p.TypeName), Message: "cannot encode an unknown kind"}
}
