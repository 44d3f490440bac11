package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/sitenet/internal/ism"
)

// PushNewMessages sends site every message emitted since the log was
// opened that site may see. An empty url uses the site's announced base
// url. Failures leave local state unchanged; the push can be retried.
func (c *Coordinator) PushNewMessages(ctx context.Context, site ism.SiteID, url string) (int, error) {
	url, err := c.peerURL("push new messages", site, url)
	if err != nil {
		return 0, err
	}
	return c.pusher.PushNew(ctx, site, url)
}

// ReplayAllMessages sends site the whole sent log it may see.
func (c *Coordinator) ReplayAllMessages(ctx context.Context, site ism.SiteID, url string) (int, error) {
	url, err := c.peerURL("replay all messages", site, url)
	if err != nil {
		return 0, err
	}
	return c.pusher.ReplayAll(ctx, site, url)
}

// PushAll pushes new messages to every active site with a base url. It
// keeps going past failures and returns them joined.
func (c *Coordinator) PushAll(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, site := range c.State().Sites {
		if site.ID == ism.Coordinator || !site.IsActive || site.BaseURL == "" {
			continue
		}
		n, err := c.pusher.PushNew(ctx, site.ID, site.BaseURL)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (c *Coordinator) peerURL(op string, site ism.SiteID, url string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.model.sites[site]
	if !ok {
		return "", conflict(op, "site %s has not been issued", site)
	}
	if url != "" {
		return url, nil
	}
	if info.BaseURL == "" {
		return "", fmt.Errorf("%s to site %s: %w", op, site, errNoURL)
	}
	return info.BaseURL, nil
}
