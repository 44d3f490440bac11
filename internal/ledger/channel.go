package ledger

import (
	"fmt"

	"github.com/roach88/sitenet/internal/ism"
)

// ChannelKey identifies one delivery path. Every public message from a
// source shares a single channel; each private destination has its own.
type ChannelKey struct {
	Source     ism.SiteID
	Visibility ism.Visibility
	Dest       ism.SiteID // ism.AllSites for the public channel
}

// ChannelOf returns the channel an envelope travels on.
func ChannelOf(e ism.Envelope) ChannelKey {
	if e.IsPublic() {
		return ChannelKey{Source: e.SourceSiteID, Visibility: ism.Public, Dest: ism.AllSites}
	}
	return ChannelKey{Source: e.SourceSiteID, Visibility: ism.Private, Dest: e.DestSiteID}
}

func (k ChannelKey) String() string {
	if k.Visibility == ism.Public {
		return fmt.Sprintf("%s/public", k.Source)
	}
	return fmt.Sprintf("%s->%s", k.Source, k.Dest)
}
