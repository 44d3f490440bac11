package ism

import (
	"fmt"
	"io"
	"strings"
)

// Display writes an operator-readable summary of m: one header line, then
// indented detail lines for kinds that carry descriptive fields.
func Display(w io.Writer, m *Message) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%d: ", m.SourceSeqNum)

	switch p := m.Payload.(type) {
	case *SiteGrant:
		fmt.Fprintf(&b, "SITE GRANT, site id %s (%s)\n", m.DestSiteID, p.PrivateKey.Algorithm)
	case *SiteActivation:
		fmt.Fprintf(&b, "SITE ACTIVATION ANNC, site id %s\n", p.Site.ID)
		writeSite(&b, p.Site)
	case *SiteUpdate:
		fmt.Fprintf(&b, "SITE UPDATE ANNC, site id %s\n", p.Site.ID)
		writeSite(&b, p.Site)
	case *SiteDeactivation:
		fmt.Fprintf(&b, "SITE DEACTIVATION ANNC, site id %s, final seq %d\n", p.SiteID, p.FinalSeqNum)
	case *LabActivation:
		fmt.Fprintf(&b, "LAB ACTIVATION ANNC, lab id %d at site id %s\n", p.Lab.ID, p.Lab.HomeSiteID)
		writeLab(&b, p.Lab)
	case *LabUpdate:
		fmt.Fprintf(&b, "LAB UPDATE ANNC, lab id %d at site id %s\n", p.Lab.ID, p.Lab.HomeSiteID)
		writeLab(&b, p.Lab)
	case *LabTransferInitiate:
		fmt.Fprintf(&b, "LAB TRANSFER ANNC, lab id %d transferred from site id %s to %s\n",
			p.LabID, p.PreviousHomeSiteID, p.NewHomeSiteID)
	case *SampleIDBlock:
		switch p.Func {
		case BlockTransferInitiate:
			fmt.Fprintf(&b, "sample id block %d TRANSFER INITIATED by site id %s to site id %s\n",
				p.BlockID, m.SourceSiteID, p.OtherSiteID)
		default:
			fmt.Fprintf(&b, "sample id block %d %s by site id %s\n", p.BlockID, p.Func, m.SourceSiteID)
		}
	case *RepositoryHolding:
		fmt.Fprintf(&b, "REPOSITORY HOLDING, sample %d at site id %s level %d\n", p.SampleID, p.SiteID, p.Level)
	case *SampleActivation:
		fmt.Fprintf(&b, "SAMPLE ACTIVATION, sample %d in lab %d\n", p.SampleID, p.LabID)
	case *SampleDeactivation:
		fmt.Fprintf(&b, "SAMPLE DEACTIVATION, sample %d at site id %s\n", p.SampleID, m.DestSiteID)
	case *SiteStatisticsRequest:
		fmt.Fprintf(&b, "Site Statistics requested of site %s, to be sent to site %s.\n", m.DestSiteID, p.CollectionSiteID)
		will := "WILL NOT"
		if p.ResetCounters {
			will = "WILL"
		}
		fmt.Fprintf(&b, "        Stats counters %s be reset.\n", will)
	case *SiteStatistics:
		fmt.Fprintf(&b, "SITE STATISTICS from site %s, %d counters\n", m.SourceSiteID, len(p.Counters))
		for _, k := range p.CounterNames() {
			fmt.Fprintf(&b, "        %s=%d\n", k, p.Counters[k])
		}
	case *ReplayRequest:
		fmt.Fprintf(&b, "REPLAY REQUEST for site id %s after %d/%d, max %d\n",
			p.RequestedSiteID, p.ExcludePublicUpTo, p.ExcludePrivateUpTo, p.MaxIsmsToReplay)
	case *ReplayResponse:
		fmt.Fprintf(&b, "REPLAY RESPONSE, %d of %d replayed\n", p.CountReplayed, p.CountMatching)
	case *Join:
		fmt.Fprintf(&b, "JOIN on site id %s seq %d\n", p.JoinedSiteID, p.JoinedSiteSeqNum)
	case *ForceUpgrade:
		fmt.Fprintf(&b, "forced upgrade to version '%s'\n", p.Version)
	case *SiteReset:
		fmt.Fprintf(&b, "reset sequence numbers at site id %s for third site id %s to %d,%d\n",
			m.DestSiteID, p.OtherSiteID, p.PublicSeqNum, p.PrivateSeqNum)
	default:
		fmt.Fprintf(&b, "unknown message type %s\n", m.Kind())
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeSite(b *strings.Builder, s SiteInfo) {
	fmt.Fprintf(b, "        name='%s'\n", s.Name)
	fmt.Fprintf(b, "        shortName='%s'\n", s.ShortName)
	fmt.Fprintf(b, "        baseUrl='%s'\n", s.BaseURL)
	fmt.Fprintf(b, "        repositoryUrl='%s'\n", s.RepositoryURL)
	fmt.Fprintf(b, "        isActive=%t key=%s\n", s.IsActive, s.PublicKey.Fingerprint())
}

func writeLab(b *strings.Builder, l LabInfo) {
	fmt.Fprintf(b, "        isActive=%t\n", l.IsActive)
	fmt.Fprintf(b, "        name='%s'\n", l.Name)
	fmt.Fprintf(b, "        shortName='%s'\n", l.ShortName)
	fmt.Fprintf(b, "        directoryName='%s'\n", l.DirectoryName)
	fmt.Fprintf(b, "        homeUrl='%s'\n", l.HomeURL)
	fmt.Fprintf(b, "        defaultCopyrightNotice='%s'\n", l.DefaultCopyrightNotice)
}
