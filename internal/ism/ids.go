package ism

import (
	"fmt"
	"strings"
)

// SiteID identifies a site in the federation.
type SiteID int32

// Reserved site identifiers.
const (
	// Coordinator is the site id of the root of trust.
	Coordinator SiteID = 0

	// AllSites is the broadcast destination. A message addressed to it is public.
	AllSites SiteID = -1

	// InvalidSite marks an unset site id. It never appears in a valid message.
	InvalidSite SiteID = -2
)

// Valid reports whether id names a concrete site.
func (id SiteID) Valid() bool {
	return id >= 0
}

func (id SiteID) String() string {
	switch id {
	case Coordinator:
		return "coordinator"
	case AllSites:
		return "all-sites"
	case InvalidSite:
		return "invalid"
	default:
		return fmt.Sprintf("%d", int32(id))
	}
}

// SeqNum is a per-source sequence number.
type SeqNum int64

const (
	// InvalidSeq means "none": the first message on a channel carries it as
	// its previous sequence number.
	InvalidSeq SeqNum = -1

	// DontReset leaves a counter untouched in a SiteReset.
	DontReset SeqNum = -2
)

// Valid reports whether n is a real sequence number.
func (n SeqNum) Valid() bool {
	return n >= 0
}

// Visibility of a message, derived from its destination.
type Visibility int

const (
	Public Visibility = iota + 1
	Private
)

func (v Visibility) String() string {
	switch v {
	case Public:
		return "public"
	case Private:
		return "private"
	default:
		return "unknown"
	}
}

// Subsystem is a bitset naming the local subsystems a message is delivered to.
type Subsystem uint8

const (
	SiteManager Subsystem = 1 << iota
	SampleManager
	RepositoryManager
)

var subsystemNames = []struct {
	bit  Subsystem
	name string
}{
	{SiteManager, "siteManager"},
	{SampleManager, "sampleManager"},
	{RepositoryManager, "repositoryManager"},
}

// Has reports whether every bit of o is set.
func (s Subsystem) Has(o Subsystem) bool {
	return s&o == o
}

// Names lists the set members in a fixed order.
func (s Subsystem) Names() []string {
	var names []string
	for _, n := range subsystemNames {
		if s.Has(n.bit) {
			names = append(names, n.name)
		}
	}
	return names
}

func (s Subsystem) String() string {
	return strings.Join(s.Names(), ",")
}

func parseSubsystem(name string) (Subsystem, bool) {
	for _, n := range subsystemNames {
		if n.name == name {
			return n.bit, true
		}
	}
	return 0, false
}
