package site

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/keys"
)

// Directory is the site-side read-model of the network: every site and lab
// the Coordinator has announced, and the sample-id blocks issued to the
// local site. Only Coordinator-originated messages change it.
type Directory struct {
	mu     sync.RWMutex
	local  ism.SiteID
	sites  map[ism.SiteID]ism.SiteInfo
	labs   map[ism.LabID]ism.LabInfo
	blocks map[ism.BlockID]struct{}
}

// NewDirectory returns an empty directory for local.
func NewDirectory(local ism.SiteID) *Directory {
	return &Directory{
		local:  local,
		sites:  make(map[ism.SiteID]ism.SiteInfo),
		labs:   make(map[ism.LabID]ism.LabInfo),
		blocks: make(map[ism.BlockID]struct{}),
	}
}

// Handles reports whether the directory applies messages of kind k.
func (d *Directory) Handles(k ism.Kind) bool {
	switch k {
	case ism.KindSiteActivation, ism.KindSiteUpdate, ism.KindSiteDeactivation,
		ism.KindLabActivation, ism.KindLabUpdate, ism.KindLabTransferInitiate,
		ism.KindSampleIDBlock:
		return true
	}
	return false
}

// Apply implements Applier for the kinds Handles accepts.
func (d *Directory) Apply(_ context.Context, m *ism.Message) Outcome {
	if m.SourceSiteID != ism.Coordinator {
		// Only the Coordinator speaks for the directory; a site that
		// announces itself is ignored rather than stalled.
		slog.Warn("directory message from a site other than the coordinator",
			"source", m.SourceSiteID, "seq", m.SourceSeqNum, "kind", m.Kind())
		return Outcome{Succeeded: true, Log: true}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch p := m.Payload.(type) {
	case *ism.SiteActivation:
		d.sites[p.Site.ID] = p.Site
	case *ism.SiteUpdate:
		d.sites[p.Site.ID] = p.Site
	case *ism.SiteDeactivation:
		site, ok := d.sites[p.SiteID]
		if !ok {
			slog.Warn("deactivation of an unknown site", "site", p.SiteID, "seq", m.SourceSeqNum)
			return Success()
		}
		site.IsActive = false
		d.sites[p.SiteID] = site
	case *ism.LabActivation:
		d.labs[p.Lab.ID] = p.Lab
	case *ism.LabUpdate:
		d.labs[p.Lab.ID] = p.Lab
	case *ism.LabTransferInitiate:
		lab, ok := d.labs[p.LabID]
		if !ok {
			slog.Warn("transfer of an unknown lab", "lab", p.LabID, "seq", m.SourceSeqNum)
			return Success()
		}
		lab.HomeSiteID = p.NewHomeSiteID
		d.labs[p.LabID] = lab
	case *ism.SampleIDBlock:
		if p.Func != ism.BlockTransferInitiate || m.DestSiteID != d.local || p.OtherSiteID != d.local {
			return Success()
		}
		d.blocks[p.BlockID] = struct{}{}
		slog.Info("sample id block received", "block", p.BlockID)
	default:
		return Success()
	}
	return Updated()
}

// Site returns the announced record for id.
func (d *Directory) Site(id ism.SiteID) (ism.SiteInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sites[id]
	return s, ok
}

// PublicKey returns the verification key announced for id.
func (d *Directory) PublicKey(id ism.SiteID) (keys.PublicKey, bool) {
	s, ok := d.Site(id)
	if !ok || s.PublicKey.IsZero() {
		return keys.PublicKey{}, false
	}
	return s.PublicKey, true
}

// Lab returns the announced record for id.
func (d *Directory) Lab(id ism.LabID) (ism.LabInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.labs[id]
	return l, ok
}

// Sites returns every announced site ordered by id.
func (d *Directory) Sites() []ism.SiteInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ism.SiteInfo, 0, len(d.sites))
	for _, id := range slices.Sorted(maps.Keys(d.sites)) {
		out = append(out, d.sites[id])
	}
	return out
}

// Labs returns every announced lab ordered by id.
func (d *Directory) Labs() []ism.LabInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ism.LabInfo, 0, len(d.labs))
	for _, id := range slices.Sorted(maps.Keys(d.labs)) {
		out = append(out, d.labs[id])
	}
	return out
}

// Blocks returns the sample-id blocks issued to the local site, sorted.
func (d *Directory) Blocks() []ism.BlockID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.blocks))
}
