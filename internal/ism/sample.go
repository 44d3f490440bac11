package ism

import (
	"fmt"
	"time"

	"github.com/roach88/sitenet/internal/tree"
)

// BlockFunc is the operation a SampleIdBlock message performs.
type BlockFunc int

const (
	BlockInvalid               BlockFunc = 0
	BlockProposal              BlockFunc = 100
	BlockProposalApproved      BlockFunc = 150
	BlockProposalDisapproved   BlockFunc = 160
	BlockClaim                 BlockFunc = 200
	BlockTransferInitiate      BlockFunc = 300
	BlockTransferReject        BlockFunc = 320
	BlockTransferComplete      BlockFunc = 350
	BlockTransferRequest       BlockFunc = 400
	BlockTransferRequestDenied BlockFunc = 450
)

var blockFuncNames = map[BlockFunc]string{
	BlockProposal:              "PROPOSAL",
	BlockProposalApproved:      "PROPOSAL APPROVED",
	BlockProposalDisapproved:   "PROPOSAL DISAPPROVED",
	BlockClaim:                 "CLAIMED",
	BlockTransferInitiate:      "TRANSFER INITIATED",
	BlockTransferReject:        "TRANSFER REJECTED",
	BlockTransferComplete:      "TRANSFER COMPLETED",
	BlockTransferRequest:       "TRANSFER REQUESTED",
	BlockTransferRequestDenied: "TRANSFER REQUEST DENIED",
}

func (f BlockFunc) String() string {
	if name, ok := blockFuncNames[f]; ok {
		return name
	}
	return fmt.Sprintf("func %d", int(f))
}

// BlockID identifies a sample-id block.
type BlockID int32

// SampleIDBlock claims, offers or moves a block of sample identifiers.
type SampleIDBlock struct {
	Func         BlockFunc
	BlockID      BlockID
	OtherSiteID  SiteID    // counterparty, InvalidSite when none
	ExpiresAfter time.Time // zero when the offer never expires
}

// NewClaim builds a CLAIM for block.
func NewClaim(block BlockID) *SampleIDBlock {
	return &SampleIDBlock{Func: BlockClaim, BlockID: block, OtherSiteID: InvalidSite}
}

// NewTransferInitiate builds a TRANSFER_INITIATE of block to site.
func NewTransferInitiate(block BlockID, to SiteID) *SampleIDBlock {
	return &SampleIDBlock{Func: BlockTransferInitiate, BlockID: block, OtherSiteID: to}
}

// HasExpired reports whether the offer is past its expiry at now.
func (p *SampleIDBlock) HasExpired(now time.Time) bool {
	return !p.ExpiresAfter.IsZero() && now.After(p.ExpiresAfter)
}

func (*SampleIDBlock) Kind() Kind { return KindSampleIDBlock }

func (p *SampleIDBlock) encode() (tree.Object, error) {
	if _, ok := blockFuncNames[p.Func]; !ok {
		return nil, incomplete(KindSampleIDBlock, "func", "func code %d is not valid", int(p.Func))
	}
	if p.BlockID <= 0 {
		return nil, incomplete(KindSampleIDBlock, "blockId", "block id %d is not valid", p.BlockID)
	}
	if p.Func == BlockTransferInitiate && !p.OtherSiteID.Valid() {
		return nil, incomplete(KindSampleIDBlock, "otherSiteId", "transfer has no recipient")
	}
	obj := tree.Obj(
		tree.P("func", tree.Int(p.Func)),
		tree.P("blockId", tree.Int(p.BlockID)),
	)
	obj.SetIf(p.OtherSiteID.Valid(), "otherSiteId", tree.Int(p.OtherSiteID))
	obj.SetIf(!p.ExpiresAfter.IsZero(), "expiresAfter", tree.String(formatTime(p.ExpiresAfter)))
	return obj, nil
}

func (p *SampleIDBlock) checkEnvelope(e Envelope) error {
	if p.Func == BlockTransferInitiate && e.DestSiteID != p.OtherSiteID {
		return invalid(KindSampleIDBlock, "transfer of block %d must be addressed to site %s", p.BlockID, p.OtherSiteID)
	}
	return nil
}

func decodeSampleIDBlock(r *reader) Payload {
	p := &SampleIDBlock{
		Func:         BlockFunc(r.int("func")),
		BlockID:      BlockID(r.int32("blockId")),
		OtherSiteID:  r.optSite("otherSiteId"),
		ExpiresAfter: r.optTime("expiresAfter"),
	}
	if r.err == nil {
		if _, ok := blockFuncNames[p.Func]; !ok {
			r.fail("func", fmt.Errorf("unrecognized func code %d", int(p.Func)))
		}
	}
	return p
}

// HoldingLevel describes how much of a sample a repository holds.
type HoldingLevel int

const (
	HoldingNone HoldingLevel = iota
	HoldingBasic
	HoldingFull
	HoldingMaster
)

// RepositoryHolding announces which site holds which copy of a sample's data.
type RepositoryHolding struct {
	SampleID int64
	SiteID   SiteID
	Level    HoldingLevel
	URLs     []string
}

func (*RepositoryHolding) Kind() Kind { return KindRepositoryHolding }

func (p *RepositoryHolding) encode() (tree.Object, error) {
	if p.SampleID <= 0 || !p.SiteID.Valid() {
		return nil, incomplete(KindRepositoryHolding, "sampleId", "holding needs a sample and a site")
	}
	urls := tree.Array{}
	for _, u := range p.URLs {
		urls = append(urls, tree.String(u))
	}
	return tree.Obj(
		tree.P("sampleId", tree.Int(p.SampleID)),
		tree.P("siteId", tree.Int(p.SiteID)),
		tree.P("level", tree.Int(p.Level)),
		tree.P("urls", urls),
	), nil
}

func decodeRepositoryHolding(r *reader) Payload {
	p := &RepositoryHolding{
		SampleID: r.int("sampleId"),
		SiteID:   r.site("siteId"),
		Level:    HoldingLevel(r.int("level")),
	}
	if r.obj.Has("urls") {
		p.URLs = r.strings("urls")
	}
	if r.err == nil && (p.Level < HoldingNone || p.Level > HoldingMaster) {
		r.fail("level", fmt.Errorf("unrecognized holding level %d", p.Level))
	}
	return p
}

// SampleActivation announces that a sample id is now in use at its home site.
type SampleActivation struct {
	SampleID   int64
	LabID      LabID
	HomeSiteID SiteID
}

func (*SampleActivation) Kind() Kind { return KindSampleActivation }

func (p *SampleActivation) encode() (tree.Object, error) {
	if p.SampleID <= 0 || p.LabID <= 0 || !p.HomeSiteID.Valid() {
		return nil, incomplete(KindSampleActivation, "sampleId", "activation needs sample, lab and home site")
	}
	return tree.Obj(
		tree.P("sampleId", tree.Int(p.SampleID)),
		tree.P("labId", tree.Int(p.LabID)),
		tree.P("homeSiteId", tree.Int(p.HomeSiteID)),
	), nil
}

func decodeSampleActivation(r *reader) Payload {
	return &SampleActivation{
		SampleID:   r.int("sampleId"),
		LabID:      LabID(r.int32("labId")),
		HomeSiteID: r.site("homeSiteId"),
	}
}

// SampleDeactivation retires a sample id.
type SampleDeactivation struct {
	SampleID int64
}

func (*SampleDeactivation) Kind() Kind { return KindSampleDeactivation }

func (p *SampleDeactivation) encode() (tree.Object, error) {
	if p.SampleID <= 0 {
		return nil, incomplete(KindSampleDeactivation, "sampleId", "sample id %d is not valid", p.SampleID)
	}
	return tree.Obj(tree.P("sampleId", tree.Int(p.SampleID))), nil
}

func decodeSampleDeactivation(r *reader) Payload {
	return &SampleDeactivation{SampleID: r.int("sampleId")}
}
