package site

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/sitenet/internal/bundle"
	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/keys"
	"github.com/roach88/sitenet/internal/ledger"
	"github.com/roach88/sitenet/internal/store"
)

// Bootstrap initializes an empty store from a grant bundle. The trailing
// grant names the local site and carries its private key; the bundled
// messages are then applied in order through the normal admission path.
// The identity is recorded only once every message is in and the granted
// key matches the one the Coordinator announced.
func Bootstrap(ctx context.Context, s *store.Store, b *bundle.Bundle, opts ...Option) (*Engine, error) {
	if _, ok, err := s.Identity(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	} else if ok {
		return nil, ErrBootstrapped
	}

	grant, err := b.GrantMessage()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	sg := grant.Payload.(*ism.SiteGrant)
	signer, err := keys.NewSigner(sg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	msgs, err := b.Decode()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	local := grant.DestSiteID
	e := newEngine(s, local, signer, opts)

	e.bootstrapping = true
	for _, m := range msgs {
		adm, err := e.Ingest(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: store %s/%d: %w", m.SourceSiteID, m.SourceSeqNum, err)
		}
		if adm.Verdict == ledger.Reject {
			return nil, fmt.Errorf("bootstrap: bundled %s %d: %w", m.Kind(), m.SourceSeqNum, adm.Err)
		}
		e.Drain(ctx)
	}
	e.bootstrapping = false

	announced, ok := e.directory.PublicKey(local)
	if !ok {
		return nil, fmt.Errorf("bootstrap: bundle never announces site %s: %w", local, ErrUnknownSource)
	}
	if !announced.Equal(signer.Public()) {
		return nil, fmt.Errorf("bootstrap: site %s: %w", local, ErrGrantMismatch)
	}

	if err := s.SetIdentity(ctx, store.Identity{SiteID: local, Grant: b.Grant}); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	slog.Info("site bootstrapped",
		"site", local,
		"messages", len(msgs),
		"labs", len(e.directory.Labs()),
		"parked", e.receiver.Parked(),
	)
	return e, nil
}
