package retell

import (
	"context"

	"github.com/truckdesk/go-comms-backend/internal/normalize"
)

// maxPagesDefault is the hard pagination ceiling when the configured value
// is unusable. Provider continuation tokens have been observed to cycle in
// degenerate cases, so unbounded following must never occur.
const maxPagesDefault = 5

// FetchAll drives a list endpoint through its continuation tokens,
// accumulating items until the provider stops returning a token or the page
// ceiling is reached.
//
// Partial failure keeps everything fetched so far: a page whose every probe
// errored stops pagination, and the failure stays visible in the returned
// Diagnostics. The only error returned is ErrNoAPIKey.
func (c *Client) FetchAll(ctx context.Context, endpoint string, params map[string]any) ([]normalize.Record, Diagnostics, error) {
	limit := c.cfg.MaxPages
	if limit < 1 {
		limit = maxPagesDefault
	}

	var (
		items []normalize.Record
		diag  Diagnostics
		token string
	)
	for page := 0; page < limit; page++ {
		p, d, err := c.ListPage(ctx, endpoint, params, token)
		diag.Merge(d)
		if err != nil {
			return items, diag, err
		}
		if d.Failed() {
			// Keep prior pages; the failed attempt is already in diag.
			return items, diag, nil
		}
		items = append(items, p.Items...)
		if p.NextToken == "" {
			break
		}
		token = p.NextToken
	}
	return items, diag, nil
}
