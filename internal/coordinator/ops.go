package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/roach88/sitenet/internal/bundle"
	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/keys"
	"github.com/roach88/sitenet/internal/store"
)

// NewSite describes a site to create. The id and key pair are generated.
type NewSite struct {
	Name          string
	ShortName     string
	BaseURL       string
	RepositoryURL string
}

// BeginCreatingSite picks an unused site id, generates the site's key
// pair and announces it with a public SiteActivation. The private key is
// held until FinishCreatingSite, so other messages (a LabActivation for
// the new site's lab, say) can be emitted in between. Only one site can be
// in creation at a time.
func (c *Coordinator) BeginCreatingSite(ctx context.Context, ns NewSite) (ism.SiteID, error) {
	const op = "begin creating site"
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		return ism.InvalidSite, conflict(op, "site %s is still being created", c.pending.id)
	}
	if ns.Name == "" {
		return ism.InvalidSite, conflict(op, "a site needs a name")
	}

	var id ism.SiteID
	for {
		id = ism.SiteID(c.ids.IntN(siteIDSpace))
		if _, taken := c.model.sites[id]; !taken {
			break
		}
	}

	priv, pub, err := keys.Generate(c.algorithm, nil)
	if err != nil {
		return ism.InvalidSite, fmt.Errorf("%s: %w", op, err)
	}
	site := ism.SiteInfo{
		ID:            id,
		Name:          ns.Name,
		ShortName:     ns.ShortName,
		BaseURL:       ns.BaseURL,
		RepositoryURL: ns.RepositoryURL,
		PublicKey:     pub,
		IsActive:      true,
	}
	if _, err := c.emit(ctx, &ism.SiteActivation{Site: site}, ism.AllSites, false); err != nil {
		return ism.InvalidSite, fmt.Errorf("%s: %w", op, err)
	}
	c.pending = &pendingSite{id: id, priv: priv}

	slog.Info("site creation begun", "site", id, "name", ns.Name, "key", pub.Fingerprint())
	return id, nil
}

// FinishCreatingSite emits the pending site's SiteGrant and returns its
// bundle: every message in the sent log the new site may see, in order,
// with the grant also as the trailing entry.
func (c *Coordinator) FinishCreatingSite(ctx context.Context) (*bundle.Bundle, error) {
	const op = "finish creating site"
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return nil, conflict(op, "no site creation is in progress")
	}
	site := c.pending.id

	grant, err := c.emit(ctx, &ism.SiteGrant{PrivateKey: c.pending.priv}, site, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.pending = nil

	q := store.NewQuery(ism.Coordinator)
	q.VisibleTo = site
	q.Direction = store.Sent
	recs, _, err := c.store.Messages(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	msgs := make([][]byte, len(recs))
	for i, r := range recs {
		msgs[i] = r.Body
	}
	b, err := bundle.New(msgs, grant)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	slog.Info("site created", "site", site, "bundled", len(msgs))
	return b, nil
}

// PendingSite returns the site currently being created, if any.
func (c *Coordinator) PendingSite() (ism.SiteID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pending == nil {
		return ism.InvalidSite, false
	}
	return c.pending.id, true
}

// NewLab describes a lab to create. The id is generated.
type NewLab struct {
	Name                   string
	ShortName              string
	DirectoryName          string
	HomeURL                string
	DefaultCopyrightNotice string
	HomeSiteID             ism.SiteID
}

// CreateLab picks an unused nonzero lab id and announces the lab.
func (c *Coordinator) CreateLab(ctx context.Context, nl NewLab) (ism.LabID, error) {
	const op = "create lab"
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.model.sites[nl.HomeSiteID]; !ok {
		return 0, conflict(op, "home site %s has not been issued", nl.HomeSiteID)
	}

	var id ism.LabID
	for {
		id = ism.LabID(c.ids.IntN(labIDSpace) + 1)
		if _, taken := c.model.labs[id]; !taken {
			break
		}
	}
	lab := ism.LabInfo{
		ID:                     id,
		Name:                   nl.Name,
		ShortName:              nl.ShortName,
		DirectoryName:          nl.DirectoryName,
		HomeURL:                nl.HomeURL,
		DefaultCopyrightNotice: nl.DefaultCopyrightNotice,
		HomeSiteID:             nl.HomeSiteID,
		IsActive:               true,
	}
	if _, err := c.emit(ctx, &ism.LabActivation{Lab: lab}, ism.AllSites, false); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	slog.Info("lab created", "lab", id, "home", nl.HomeSiteID)
	return id, nil
}

// SiteChanges lists the fields UpdateSite replaces. Nil fields keep the
// value the Coordinator announced earlier.
type SiteChanges struct {
	Name          *string
	ShortName     *string
	BaseURL       *string
	RepositoryURL *string
	PublicKey     *keys.PublicKey
}

// UpdateSite merges ch over the cached record and announces the result.
func (c *Coordinator) UpdateSite(ctx context.Context, id ism.SiteID, ch SiteChanges) error {
	const op = "update site"
	c.mu.Lock()
	defer c.mu.Unlock()

	site, ok := c.model.sites[id]
	if !ok {
		return conflict(op, "site %s has not been issued", id)
	}
	setIf(&site.Name, ch.Name)
	setIf(&site.ShortName, ch.ShortName)
	setIf(&site.BaseURL, ch.BaseURL)
	setIf(&site.RepositoryURL, ch.RepositoryURL)
	setIf(&site.PublicKey, ch.PublicKey)

	if _, err := c.emit(ctx, &ism.SiteUpdate{Site: site}, ism.AllSites, false); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// LabChanges lists the fields UpdateLab replaces. IsActive is always
// written; HomeSiteID changes only when it names a site.
type LabChanges struct {
	HomeSiteID             ism.SiteID
	IsActive               bool
	Name                   *string
	ShortName              *string
	DirectoryName          *string
	HomeURL                *string
	DefaultCopyrightNotice *string
}

// UpdateLab merges ch over the cached record and announces the result.
func (c *Coordinator) UpdateLab(ctx context.Context, id ism.LabID, ch LabChanges) error {
	const op = "update lab"
	c.mu.Lock()
	defer c.mu.Unlock()

	lab, ok := c.model.labs[id]
	if !ok {
		return conflict(op, "lab %d has not been issued", id)
	}
	if ch.HomeSiteID.Valid() {
		if _, ok := c.model.sites[ch.HomeSiteID]; !ok {
			return conflict(op, "home site %s has not been issued", ch.HomeSiteID)
		}
		lab.HomeSiteID = ch.HomeSiteID
	}
	lab.IsActive = ch.IsActive
	setIf(&lab.Name, ch.Name)
	setIf(&lab.ShortName, ch.ShortName)
	setIf(&lab.DirectoryName, ch.DirectoryName)
	setIf(&lab.HomeURL, ch.HomeURL)
	setIf(&lab.DefaultCopyrightNotice, ch.DefaultCopyrightNotice)

	if _, err := c.emit(ctx, &ism.LabUpdate{Lab: lab}, ism.AllSites, false); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// DeactivateSite announces that site's stream ends at finalSeq: recipients
// apply its messages up to and including finalSeq, then ignore it.
func (c *Coordinator) DeactivateSite(ctx context.Context, site ism.SiteID, finalSeq ism.SeqNum) error {
	const op = "deactivate site"
	c.mu.Lock()
	defer c.mu.Unlock()

	if site == ism.Coordinator {
		return conflict(op, "the coordinator cannot be deactivated")
	}
	if _, ok := c.model.sites[site]; !ok {
		return conflict(op, "site %s has not been issued", site)
	}
	if _, err := c.emit(ctx, &ism.SiteDeactivation{SiteID: site, FinalSeqNum: finalSeq}, ism.AllSites, false); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	slog.Info("site deactivated", "site", site, "final_seq", finalSeq)
	return nil
}

// ReactivateSite announces a deactivated site again.
func (c *Coordinator) ReactivateSite(ctx context.Context, site ism.SiteID) error {
	const op = "reactivate site"
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.model.sites[site]
	if !ok {
		return conflict(op, "site %s has not been issued", site)
	}
	info.IsActive = true
	if _, err := c.emit(ctx, &ism.SiteActivation{Site: info}, ism.AllSites, false); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	slog.Info("site reactivated", "site", site)
	return nil
}

// DeactivateSample sends a private SampleDeactivation for sample to every
// issued site except its home site and the Coordinator. It returns the
// number of messages emitted.
func (c *Coordinator) DeactivateSample(ctx context.Context, sample int64, home ism.SiteID) (int, error) {
	const op = "deactivate sample"
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, site := range slices.Sorted(maps.Keys(c.model.sites)) {
		if site == home || site == ism.Coordinator {
			continue
		}
		if _, err := c.emit(ctx, &ism.SampleDeactivation{SampleID: sample}, site, false); err != nil {
			return n, fmt.Errorf("%s: to site %s: %w", op, site, err)
		}
		n++
	}
	return n, nil
}

// ReserveSampleIDBlock picks a random block id that is neither reserved
// nor issued and claims it.
func (c *Coordinator) ReserveSampleIDBlock(ctx context.Context) (ism.BlockID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b ism.BlockID
	for {
		b = ism.BlockID(blockBase + c.ids.IntN(blockSpace))
		_, reserved := c.model.reserved[b]
		_, issued := c.model.issued[b]
		if !reserved && !issued {
			break
		}
	}
	if err := c.claim(ctx, b); err != nil {
		return 0, err
	}
	return b, nil
}

// ClaimSampleIDBlock reserves block for the Coordinator with a public CLAIM.
func (c *Coordinator) ClaimSampleIDBlock(ctx context.Context, block ism.BlockID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claim(ctx, block)
}

func (c *Coordinator) claim(ctx context.Context, block ism.BlockID) error {
	const op = "claim sample id block"
	if _, ok := c.model.reserved[block]; ok {
		return conflict(op, "block %d is already reserved", block)
	}
	if site, ok := c.model.issued[block]; ok {
		return conflict(op, "block %d was issued to site %s", block, site)
	}
	if _, err := c.emit(ctx, ism.NewClaim(block), ism.AllSites, false); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	slog.Info("sample id block claimed", "block", block)
	return nil
}

// TransferSampleIDBlock moves a reserved block to site with a
// TRANSFER_INITIATE addressed privately to it.
func (c *Coordinator) TransferSampleIDBlock(ctx context.Context, site ism.SiteID, block ism.BlockID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfer(ctx, site, block)
}

// TransferRandomSampleIDBlock transfers one reserved block, chosen at
// random, to site.
func (c *Coordinator) TransferRandomSampleIDBlock(ctx context.Context, site ism.SiteID) (ism.BlockID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.model.reserved) == 0 {
		return 0, conflict("transfer sample id block", "no blocks are reserved")
	}
	blocks := slices.Sorted(maps.Keys(c.model.reserved))
	b := blocks[c.ids.IntN(len(blocks))]
	if err := c.transfer(ctx, site, b); err != nil {
		return 0, err
	}
	return b, nil
}

func (c *Coordinator) transfer(ctx context.Context, site ism.SiteID, block ism.BlockID) error {
	const op = "transfer sample id block"
	if _, ok := c.model.reserved[block]; !ok {
		return conflict(op, "block %d is not reserved", block)
	}
	if site == ism.Coordinator {
		return conflict(op, "blocks are transferred to sites, not to the coordinator")
	}
	if _, ok := c.model.sites[site]; !ok {
		return conflict(op, "site %s has not been issued", site)
	}
	if _, err := c.emit(ctx, ism.NewTransferInitiate(block, site), site, false); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	slog.Info("sample id block transferred", "block", block, "site", site)
	return nil
}

// RequestStatistics asks dest to report its counters to collection before
// validFor elapses. With forceBlank the request names no predecessor, so
// dest can apply it even when it is missing earlier private messages.
func (c *Coordinator) RequestStatistics(ctx context.Context, dest, collection ism.SiteID, validFor time.Duration, reset, forceBlank bool) error {
	const op = "request statistics"
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.model.sites[dest]; !ok || dest == ism.Coordinator {
		return conflict(op, "site %s cannot be asked for statistics", dest)
	}
	req := &ism.SiteStatisticsRequest{
		CollectionSiteID: collection,
		ResetCounters:    reset,
		Expires:          c.now().Add(validFor).UTC(),
	}
	if _, err := c.emit(ctx, req, dest, forceBlank); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ForceUpgrade stalls the Coordinator's channel at every site running a
// version that sorts below version.
func (c *Coordinator) ForceUpgrade(ctx context.Context, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.emit(ctx, &ism.ForceUpgrade{Version: version}, ism.AllSites, false); err != nil {
		return fmt.Errorf("force upgrade: %w", err)
	}
	slog.Info("upgrade forced", "version", version)
	return nil
}

// ResetSeqNums tells dest to overwrite its applied watermarks for other's
// channels. ism.DontReset leaves a watermark alone. With forceBlank the
// reset names no predecessor, so dest applies it even when it is missing
// earlier private messages.
func (c *Coordinator) ResetSeqNums(ctx context.Context, dest, other ism.SiteID, public, private ism.SeqNum, forceBlank bool) error {
	const op = "reset sequence numbers"
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.model.sites[dest]; !ok || dest == ism.Coordinator {
		return conflict(op, "site %s cannot be reset", dest)
	}
	if other == ism.Coordinator || other == dest {
		return conflict(op, "the reset must name a third site, not %s", other)
	}
	reset := &ism.SiteReset{OtherSiteID: other, PublicSeqNum: public, PrivateSeqNum: private}
	if _, err := c.emit(ctx, reset, dest, forceBlank); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	slog.Warn("sequence numbers reset",
		"dest", dest, "other", other, "public", public, "private", private, "force_blank", forceBlank)
	return nil
}

// InitiateLabTransfer announces that lab moves to newHome.
func (c *Coordinator) InitiateLabTransfer(ctx context.Context, lab ism.LabID, newHome ism.SiteID) error {
	const op = "initiate lab transfer"
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.model.labs[lab]
	if !ok {
		return conflict(op, "lab %d has not been issued", lab)
	}
	if _, ok := c.model.sites[newHome]; !ok {
		return conflict(op, "site %s has not been issued", newHome)
	}
	p := &ism.LabTransferInitiate{LabID: lab, PreviousHomeSiteID: info.HomeSiteID, NewHomeSiteID: newHome}
	if _, err := c.emit(ctx, p, ism.AllSites, false); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	slog.Info("lab transfer initiated", "lab", lab, "from", info.HomeSiteID, "to", newHome)
	return nil
}
