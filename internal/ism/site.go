package ism

import (
	"encoding/base64"

	"github.com/roach88/sitenet/internal/keys"
	"github.com/roach88/sitenet/internal/tree"
)

// SiteInfo describes a site as announced by the Coordinator.
type SiteInfo struct {
	ID            SiteID
	Name          string
	ShortName     string
	BaseURL       string
	RepositoryURL string
	PublicKey     keys.PublicKey
	IsActive      bool
}

func (s SiteInfo) encode(kind Kind) (tree.Object, error) {
	if !s.ID.Valid() {
		return nil, incomplete(kind, "site.id", "site id is %s", s.ID)
	}
	if s.Name == "" {
		return nil, incomplete(kind, "site.name", "site name is empty")
	}
	if s.PublicKey.IsZero() {
		return nil, incomplete(kind, "site.publicKey", "site %s has no public key", s.ID)
	}
	obj := tree.Obj(
		tree.P("id", tree.Int(s.ID)),
		tree.P("name", tree.String(s.Name)),
		tree.P("shortName", tree.String(s.ShortName)),
		tree.P("publicKey", encodePublicKey(s.PublicKey)),
		tree.P("isActive", tree.Bool(s.IsActive)),
	)
	obj.SetIf(s.BaseURL != "", "baseUrl", tree.String(s.BaseURL))
	obj.SetIf(s.RepositoryURL != "", "repositoryUrl", tree.String(s.RepositoryURL))
	return obj, nil
}

func decodeSiteInfo(r *reader) SiteInfo {
	s := SiteInfo{
		ID:            r.site("id"),
		Name:          r.str("name"),
		ShortName:     r.str("shortName"),
		BaseURL:       r.optStr("baseUrl"),
		RepositoryURL: r.optStr("repositoryUrl"),
		IsActive:      r.bool("isActive"),
	}
	k := r.object("publicKey")
	s.PublicKey = decodePublicKey(k)
	r.join(k)
	return s
}

func encodePublicKey(k keys.PublicKey) tree.Object {
	return tree.Obj(
		tree.P("algorithm", tree.String(k.Algorithm)),
		tree.P("format", tree.String(k.Format)),
		tree.P("bytes", tree.String(base64.StdEncoding.EncodeToString(k.Bytes))),
	)
}

func decodePublicKey(r *reader) keys.PublicKey {
	k := keys.PublicKey{
		Algorithm: keys.Algorithm(r.str("algorithm")),
		Format:    r.str("format"),
		Bytes:     r.bytes("bytes"),
	}
	if r.err == nil {
		if err := keys.CheckFormat(k.Algorithm, k.Format); err != nil {
			r.fail("publicKey", err)
		}
	}
	return k
}

// SiteActivation announces a new site, or reactivates a deactivated one.
type SiteActivation struct {
	Site SiteInfo
}

func (*SiteActivation) Kind() Kind { return KindSiteActivation }

func (p *SiteActivation) encode() (tree.Object, error) {
	site, err := p.Site.encode(KindSiteActivation)
	if err != nil {
		return nil, err
	}
	return tree.Obj(tree.P("site", site)), nil
}

func (*SiteActivation) checkEnvelope(e Envelope) error {
	return requirePublic(KindSiteActivation, e)
}

func decodeSiteActivation(r *reader) Payload {
	sub := r.object("site")
	p := &SiteActivation{Site: decodeSiteInfo(sub)}
	r.join(sub)
	return p
}

// SiteUpdate replaces the announced description of an existing site.
type SiteUpdate struct {
	Site SiteInfo
}

func (*SiteUpdate) Kind() Kind { return KindSiteUpdate }

func (p *SiteUpdate) encode() (tree.Object, error) {
	site, err := p.Site.encode(KindSiteUpdate)
	if err != nil {
		return nil, err
	}
	return tree.Obj(tree.P("site", site)), nil
}

func (*SiteUpdate) checkEnvelope(e Envelope) error {
	return requirePublic(KindSiteUpdate, e)
}

func decodeSiteUpdate(r *reader) Payload {
	sub := r.object("site")
	p := &SiteUpdate{Site: decodeSiteInfo(sub)}
	r.join(sub)
	return p
}

// SiteDeactivation retires a site. Recipients keep applying the site's
// messages up to and including FinalSeqNum, then ignore it.
type SiteDeactivation struct {
	SiteID      SiteID
	FinalSeqNum SeqNum
}

func (*SiteDeactivation) Kind() Kind { return KindSiteDeactivation }

func (p *SiteDeactivation) encode() (tree.Object, error) {
	if !p.SiteID.Valid() || p.SiteID == Coordinator {
		return nil, incomplete(KindSiteDeactivation, "siteId", "cannot deactivate site %s", p.SiteID)
	}
	obj := tree.Obj(tree.P("siteId", tree.Int(p.SiteID)))
	obj.SetIf(p.FinalSeqNum.Valid(), "finalSeqNum", tree.Int(p.FinalSeqNum))
	return obj, nil
}

func (*SiteDeactivation) checkEnvelope(e Envelope) error {
	return requirePublic(KindSiteDeactivation, e)
}

func decodeSiteDeactivation(r *reader) Payload {
	return &SiteDeactivation{SiteID: r.site("siteId"), FinalSeqNum: r.optSeq("finalSeqNum")}
}

// SiteGrant delivers a site's private key to it. The recipient is the
// envelope's destination.
type SiteGrant struct {
	PrivateKey keys.PrivateKey
}

func (*SiteGrant) Kind() Kind { return KindSiteGrant }

func (p *SiteGrant) encode() (tree.Object, error) {
	if len(p.PrivateKey.Bytes) == 0 {
		return nil, incomplete(KindSiteGrant, "privateKey", "grant carries no key")
	}
	return tree.Obj(tree.P("privateKey", tree.Obj(
		tree.P("algorithm", tree.String(p.PrivateKey.Algorithm)),
		tree.P("format", tree.String(p.PrivateKey.Format)),
		tree.P("bytes", tree.String(base64.StdEncoding.EncodeToString(p.PrivateKey.Bytes))),
	))), nil
}

func (*SiteGrant) checkEnvelope(e Envelope) error {
	if e.IsPublic() {
		return invalid(KindSiteGrant, "a site grant must be addressed to one site")
	}
	return nil
}

func decodeSiteGrant(r *reader) Payload {
	sub := r.object("privateKey")
	k := keys.PrivateKey{
		Algorithm: keys.Algorithm(sub.str("algorithm")),
		Format:    sub.str("format"),
		Bytes:     sub.bytes("bytes"),
	}
	if sub.err == nil {
		if err := keys.CheckFormat(k.Algorithm, k.Format); err != nil {
			sub.fail("privateKey", err)
		}
	}
	r.join(sub)
	return &SiteGrant{PrivateKey: k}
}

func requirePublic(kind Kind, e Envelope) error {
	if !e.IsPublic() {
		return invalid(kind, "must be broadcast to all sites")
	}
	return nil
}

func requirePrivate(kind Kind, e Envelope) error {
	if e.IsPublic() {
		return invalid(kind, "must be addressed to a single site")
	}
	return nil
}
