package coordinator

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/sitenet/internal/ism"
)

// model is the read-model derived from the Coordinator's sent log. It is
// never authoritative: Open rebuilds it by folding the log, and every
// operation applies the same transition after its message is appended.
type model struct {
	sites    map[ism.SiteID]ism.SiteInfo
	labs     map[ism.LabID]ism.LabInfo
	reserved map[ism.BlockID]struct{}
	issued   map[ism.BlockID]ism.SiteID
}

func newModel() *model {
	return &model{
		sites:    make(map[ism.SiteID]ism.SiteInfo),
		labs:     make(map[ism.LabID]ism.LabInfo),
		reserved: make(map[ism.BlockID]struct{}),
		issued:   make(map[ism.BlockID]ism.SiteID),
	}
}

// apply folds one sent message into the model.
func (md *model) apply(m *ism.Message) *FoldError {
	switch p := m.Payload.(type) {
	case *ism.SiteActivation:
		md.sites[p.Site.ID] = p.Site
	case *ism.SiteUpdate:
		md.sites[p.Site.ID] = p.Site
	case *ism.SiteDeactivation:
		site, ok := md.sites[p.SiteID]
		if !ok {
			return missing(m, "deactivates site %s, which was never activated", p.SiteID)
		}
		// The record stays so the site can be reactivated.
		site.IsActive = false
		md.sites[p.SiteID] = site
	case *ism.LabActivation:
		md.labs[p.Lab.ID] = p.Lab
	case *ism.LabUpdate:
		md.labs[p.Lab.ID] = p.Lab
	case *ism.LabTransferInitiate:
		lab, ok := md.labs[p.LabID]
		if !ok {
			return missing(m, "transfers lab %d, which was never activated", p.LabID)
		}
		lab.HomeSiteID = p.NewHomeSiteID
		md.labs[p.LabID] = lab
	case *ism.SampleIDBlock:
		switch p.Func {
		case ism.BlockClaim:
			md.reserved[p.BlockID] = struct{}{}
		case ism.BlockTransferInitiate:
			if _, ok := md.reserved[p.BlockID]; !ok {
				return missing(m, "transfers block %d, which is not reserved", p.BlockID)
			}
			delete(md.reserved, p.BlockID)
			md.issued[p.BlockID] = p.OtherSiteID
		}
	case *ism.SiteGrant, *ism.SiteStatisticsRequest, *ism.SampleDeactivation, *ism.ForceUpgrade, *ism.SiteReset:
		// no read-model effect
	default:
		return &FoldError{Seq: m.SourceSeqNum, Kind: m.Kind(), Reason: "the coordinator never emits this kind"}
	}
	return nil
}

func missing(m *ism.Message, format string, args ...any) *FoldError {
	return &FoldError{Seq: m.SourceSeqNum, Kind: m.Kind(), Reason: fmt.Sprintf(format, args...), Missing: true}
}

// IssuedBlock is a sample-id block and the site it was transferred to.
type IssuedBlock struct {
	BlockID ism.BlockID
	SiteID  ism.SiteID
}

// Snapshot is a copy of the Coordinator's read-model with every
// collection sorted by id.
type Snapshot struct {
	Sites     []ism.SiteInfo
	Labs      []ism.LabInfo
	Reserved  []ism.BlockID
	Issued    []IssuedBlock
	Highest   ism.SeqNum // last sequence number in the sent log
	HighWater ism.SeqNum // highest sequence number when the log was opened
}

// Site returns the site with id, if known.
func (s Snapshot) Site(id ism.SiteID) (ism.SiteInfo, bool) {
	i, ok := slices.BinarySearchFunc(s.Sites, id, func(x ism.SiteInfo, id ism.SiteID) int { return cmp.Compare(x.ID, id) })
	if !ok {
		return ism.SiteInfo{}, false
	}
	return s.Sites[i], true
}

// Lab returns the lab with id, if known.
func (s Snapshot) Lab(id ism.LabID) (ism.LabInfo, bool) {
	i, ok := slices.BinarySearchFunc(s.Labs, id, func(x ism.LabInfo, id ism.LabID) int { return cmp.Compare(x.ID, id) })
	if !ok {
		return ism.LabInfo{}, false
	}
	return s.Labs[i], true
}

func (md *model) snapshot() Snapshot {
	s := Snapshot{
		Sites:    make([]ism.SiteInfo, 0, len(md.sites)),
		Labs:     make([]ism.LabInfo, 0, len(md.labs)),
		Reserved: slices.Sorted(maps.Keys(md.reserved)),
		Issued:   make([]IssuedBlock, 0, len(md.issued)),
	}
	for _, id := range slices.Sorted(maps.Keys(md.sites)) {
		s.Sites = append(s.Sites, md.sites[id])
	}
	for _, id := range slices.Sorted(maps.Keys(md.labs)) {
		s.Labs = append(s.Labs, md.labs[id])
	}
	for _, b := range slices.Sorted(maps.Keys(md.issued)) {
		s.Issued = append(s.Issued, IssuedBlock{BlockID: b, SiteID: md.issued[b]})
	}
	return s
}
