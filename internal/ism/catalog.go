package ism

import (
	"slices"

	"github.com/roach88/sitenet/internal/tree"
)

// Kind is the type tag selecting a payload variant.
type Kind string

const (
	KindSiteActivation        Kind = "SiteActivation"
	KindSiteUpdate            Kind = "SiteUpdate"
	KindSiteDeactivation      Kind = "SiteDeactivation"
	KindSiteGrant             Kind = "SiteGrant"
	KindLabActivation         Kind = "LabActivation"
	KindLabUpdate             Kind = "LabUpdate"
	KindLabTransferInitiate   Kind = "LabTransferInitiate"
	KindSampleIDBlock         Kind = "SampleIdBlock"
	KindRepositoryHolding     Kind = "RepositoryHolding"
	KindSampleActivation      Kind = "SampleActivation"
	KindSampleDeactivation    Kind = "SampleDeactivation"
	KindSiteStatisticsRequest Kind = "SiteStatisticsRequest"
	KindSiteStatistics        Kind = "SiteStatistics"
	KindReplayRequest         Kind = "ReplayRequest"
	KindReplayResponse        Kind = "ReplayResponse"
	KindJoin                  Kind = "Join"
	KindSiteReset             Kind = "SiteReset"
	KindForceUpgrade          Kind = "ForceUpgrade"
)

// Payload is implemented by every variant. The unexported method seals the
// set to this package.
type Payload interface {
	Kind() Kind
	encode() (tree.Object, error)
}

// envelopeRule is implemented by variants that constrain their envelope,
// for example to be private.
type envelopeRule interface {
	checkEnvelope(Envelope) error
}

// variant is one row of the per-kind function table.
type variant struct {
	key       string // sibling subtree key
	deliverTo Subsystem
	linkLocal bool
	decode    func(r *reader) Payload
}

var catalog = map[Kind]variant{
	KindSiteActivation:        {key: "siteActivation", deliverTo: SiteManager, decode: decodeSiteActivation},
	KindSiteUpdate:            {key: "siteUpdate", deliverTo: SiteManager, decode: decodeSiteUpdate},
	KindSiteDeactivation:      {key: "siteDeactivation", deliverTo: SiteManager, decode: decodeSiteDeactivation},
	KindSiteGrant:             {key: "siteGrant", deliverTo: SiteManager, decode: decodeSiteGrant},
	KindLabActivation:         {key: "labActivation", deliverTo: SiteManager, decode: decodeLabActivation},
	KindLabUpdate:             {key: "labUpdate", deliverTo: SiteManager, decode: decodeLabUpdate},
	KindLabTransferInitiate:   {key: "labTransferInitiate", deliverTo: SiteManager | SampleManager, decode: decodeLabTransferInitiate},
	KindSampleIDBlock:         {key: "sampleIdBlock", deliverTo: SiteManager | SampleManager, decode: decodeSampleIDBlock},
	KindRepositoryHolding:     {key: "repositoryHolding", deliverTo: SampleManager | RepositoryManager, decode: decodeRepositoryHolding},
	KindSampleActivation:      {key: "sampleActivation", deliverTo: SampleManager, decode: decodeSampleActivation},
	KindSampleDeactivation:    {key: "sampleDeactivation", deliverTo: SampleManager, decode: decodeSampleDeactivation},
	KindSiteStatisticsRequest: {key: "siteStatisticsRequest", deliverTo: SiteManager, decode: decodeStatisticsRequest},
	KindSiteStatistics:        {key: "siteStatistics", deliverTo: SiteManager, decode: decodeStatistics},
	KindReplayRequest:         {key: "replayRequest", deliverTo: SiteManager, linkLocal: true, decode: decodeReplayRequest},
	KindReplayResponse:        {key: "replayResponse", deliverTo: SiteManager, linkLocal: true, decode: decodeReplayResponse},
	KindJoin:                  {key: "join", deliverTo: SiteManager, decode: decodeJoin},
	KindSiteReset:             {key: "siteReset", deliverTo: SiteManager, decode: decodeSiteReset},
	KindForceUpgrade:          {key: "forceUpgrade", deliverTo: SiteManager, decode: decodeForceUpgrade},
}

// Kinds lists every cataloged kind in sorted order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(catalog))
	for k := range catalog {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Known reports whether k is in the catalog.
func (k Kind) Known() bool {
	_, ok := catalog[k]
	return ok
}

// LinkLocal reports whether messages of kind k are link-local.
func (k Kind) LinkLocal() bool {
	return catalog[k].linkLocal
}
