// Package gate holds the receive-side controls that can hold a channel back
// or rewrite its bookkeeping: the ForceUpgrade version gate, the Join
// barrier, and the Coordinator's SiteReset override.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/ledger"
)

var (
	// ErrVersionGate: a ForceUpgrade names a version above the local one.
	ErrVersionGate = errors.New("local software version is below the required version")

	// ErrJoinPending: a Join names a message not yet applied locally.
	ErrJoinPending = errors.New("join barrier not yet satisfied")

	// ErrResetRefused: a SiteReset failed its authority checks.
	ErrResetRefused = errors.New("site reset refused")
)

// VersionGate compares required versions against the local one.
type VersionGate struct {
	Local string
}

// Satisfied reports whether the local version sorts at or above required.
// Versions compare byte-wise, so "0.10" sorts below "0.9".
func (g VersionGate) Satisfied(required string) bool {
	return g.Local >= required
}

// Controls is the receiver precondition for gated kinds.
type Controls struct {
	Version VersionGate

	onStall func(kind ism.Kind)

	mu     sync.Mutex
	warned map[string]bool
}

// Option configures Controls.
type Option func(*Controls)

// WithStallHook is called every time a gate holds a channel back.
func WithStallHook(fn func(kind ism.Kind)) Option {
	return func(c *Controls) {
		c.onStall = fn
	}
}

// NewControls returns controls for a site running localVersion.
func NewControls(localVersion string, opts ...Option) *Controls {
	c := &Controls{
		Version: VersionGate{Local: localVersion},
		warned:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Precondition implements ledger.Precondition. ForceUpgrade and Join heads
// stall their channel while unmet; every other kind passes.
func (c *Controls) Precondition(m *ism.Message, v ledger.View) error {
	switch p := m.Payload.(type) {
	case *ism.ForceUpgrade:
		if c.Version.Satisfied(p.Version) {
			return nil
		}
		c.stalled(m.Kind())
		c.warnOnce(p.Version, m)
		return fmt.Errorf("%w: need %q, running %q", ErrVersionGate, p.Version, c.Version.Local)
	case *ism.Join:
		if v.Watermark(p.JoinedSiteID).Public >= p.JoinedSiteSeqNum {
			return nil
		}
		c.stalled(m.Kind())
		return fmt.Errorf("%w: waiting for %s seq %d", ErrJoinPending, p.JoinedSiteID, p.JoinedSiteSeqNum)
	}
	return nil
}

func (c *Controls) stalled(kind ism.Kind) {
	if c.onStall != nil {
		c.onStall(kind)
	}
}

func (c *Controls) warnOnce(version string, m *ism.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warned[version] {
		return
	}
	c.warned[version] = true
	slog.Warn("channel stalled by version gate",
		"source", m.SourceSiteID,
		"seq", m.SourceSeqNum,
		"required", version,
		"running", c.Version.Local,
	)
}

// IsGated reports whether err is a deliberate stall rather than a failure.
func IsGated(err error) bool {
	return errors.Is(err, ErrVersionGate) || errors.Is(err, ErrJoinPending)
}

// Resetter accepts watermark overrides.
type Resetter interface {
	ResetWatermarks(source ism.SiteID, public, private ism.SeqNum)
}

// ApplyReset carries out a SiteReset addressed to local. Only the
// Coordinator may reset, only point to point, and never for its own channel
// or the recipient's.
func ApplyReset(r Resetter, local ism.SiteID, m *ism.Message) error {
	p, ok := m.Payload.(*ism.SiteReset)
	if !ok {
		return fmt.Errorf("%w: %s is not a site reset", ErrResetRefused, m.Kind())
	}
	switch {
	case m.SourceSiteID != ism.Coordinator:
		return fmt.Errorf("%w: sent by %s", ErrResetRefused, m.SourceSiteID)
	case m.DestSiteID != local:
		return fmt.Errorf("%w: addressed to %s, not %s", ErrResetRefused, m.DestSiteID, local)
	case p.OtherSiteID == ism.Coordinator || p.OtherSiteID == local:
		return fmt.Errorf("%w: cannot reset channel of %s", ErrResetRefused, p.OtherSiteID)
	}

	slog.Info("resetting sequence numbers",
		"other", p.OtherSiteID,
		"public", p.PublicSeqNum,
		"private", p.PrivateSeqNum,
	)
	r.ResetWatermarks(p.OtherSiteID, p.PublicSeqNum, p.PrivateSeqNum)
	return nil
}
