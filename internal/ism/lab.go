package ism

import "github.com/roach88/sitenet/internal/tree"

// LabID identifies a lab. Zero is never issued.
type LabID int32

// LabInfo describes a lab and the site that currently hosts it.
type LabInfo struct {
	ID                     LabID
	Name                   string
	ShortName              string
	DirectoryName          string
	HomeURL                string
	DefaultCopyrightNotice string
	HomeSiteID             SiteID
	IsActive               bool
}

func (l LabInfo) encode(kind Kind) (tree.Object, error) {
	if l.ID <= 0 {
		return nil, incomplete(kind, "lab.id", "lab id %d is not issuable", l.ID)
	}
	if !l.HomeSiteID.Valid() {
		return nil, incomplete(kind, "lab.homeSiteId", "lab %d has no home site", l.ID)
	}
	if l.Name == "" {
		return nil, incomplete(kind, "lab.name", "lab name is empty")
	}
	obj := tree.Obj(
		tree.P("id", tree.Int(l.ID)),
		tree.P("name", tree.String(l.Name)),
		tree.P("shortName", tree.String(l.ShortName)),
		tree.P("homeSiteId", tree.Int(l.HomeSiteID)),
		tree.P("isActive", tree.Bool(l.IsActive)),
	)
	obj.SetIf(l.DirectoryName != "", "directoryName", tree.String(l.DirectoryName))
	obj.SetIf(l.HomeURL != "", "homeUrl", tree.String(l.HomeURL))
	obj.SetIf(l.DefaultCopyrightNotice != "", "defaultCopyrightNotice", tree.String(l.DefaultCopyrightNotice))
	return obj, nil
}

func decodeLabInfo(r *reader) LabInfo {
	return LabInfo{
		ID:                     LabID(r.int32("id")),
		Name:                   r.str("name"),
		ShortName:              r.str("shortName"),
		DirectoryName:          r.optStr("directoryName"),
		HomeURL:                r.optStr("homeUrl"),
		DefaultCopyrightNotice: r.optStr("defaultCopyrightNotice"),
		HomeSiteID:             r.site("homeSiteId"),
		IsActive:               r.bool("isActive"),
	}
}

// LabActivation announces a new lab.
type LabActivation struct {
	Lab LabInfo
}

func (*LabActivation) Kind() Kind { return KindLabActivation }

func (p *LabActivation) encode() (tree.Object, error) {
	lab, err := p.Lab.encode(KindLabActivation)
	if err != nil {
		return nil, err
	}
	return tree.Obj(tree.P("lab", lab)), nil
}

func (*LabActivation) checkEnvelope(e Envelope) error {
	return requirePublic(KindLabActivation, e)
}

func decodeLabActivation(r *reader) Payload {
	sub := r.object("lab")
	p := &LabActivation{Lab: decodeLabInfo(sub)}
	r.join(sub)
	return p
}

// LabUpdate replaces the announced description of an existing lab.
type LabUpdate struct {
	Lab LabInfo
}

func (*LabUpdate) Kind() Kind { return KindLabUpdate }

func (p *LabUpdate) encode() (tree.Object, error) {
	lab, err := p.Lab.encode(KindLabUpdate)
	if err != nil {
		return nil, err
	}
	return tree.Obj(tree.P("lab", lab)), nil
}

func (*LabUpdate) checkEnvelope(e Envelope) error {
	return requirePublic(KindLabUpdate, e)
}

func decodeLabUpdate(r *reader) Payload {
	sub := r.object("lab")
	p := &LabUpdate{Lab: decodeLabInfo(sub)}
	r.join(sub)
	return p
}

// LabTransferInitiate moves a lab from one home site to another.
type LabTransferInitiate struct {
	LabID              LabID
	PreviousHomeSiteID SiteID
	NewHomeSiteID      SiteID
}

func (*LabTransferInitiate) Kind() Kind { return KindLabTransferInitiate }

func (p *LabTransferInitiate) encode() (tree.Object, error) {
	if p.LabID <= 0 {
		return nil, incomplete(KindLabTransferInitiate, "labId", "lab id %d is not issuable", p.LabID)
	}
	if !p.PreviousHomeSiteID.Valid() || !p.NewHomeSiteID.Valid() {
		return nil, incomplete(KindLabTransferInitiate, "homeSiteId", "both home sites are required")
	}
	return tree.Obj(
		tree.P("labId", tree.Int(p.LabID)),
		tree.P("previousHomeSiteId", tree.Int(p.PreviousHomeSiteID)),
		tree.P("newHomeSiteId", tree.Int(p.NewHomeSiteID)),
	), nil
}

func decodeLabTransferInitiate(r *reader) Payload {
	return &LabTransferInitiate{
		LabID:              LabID(r.int32("labId")),
		PreviousHomeSiteID: r.site("previousHomeSiteId"),
		NewHomeSiteID:      r.site("newHomeSiteId"),
	}
}
