package dataforseo

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

const (
	summaryPath   = "/v3/backlinks/summary/live"
	backlinksPath = "/v3/backlinks/backlinks/live"
)

type summaryResult struct {
	Target           string `json:"target"`
	Backlinks        int64  `json:"backlinks"`
	ReferringDomains int64  `json:"referring_domains"`
	Rank             int    `json:"rank"`
}

type backlinksTask struct {
	Target string `json:"target"`
	Mode   string `json:"mode"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

type backlinksResult struct {
	TotalCount int64 `json:"total_count"`
	Items      []struct {
		URLFrom  string `json:"url_from"`
		URLTo    string `json:"url_to"`
		Anchor   string `json:"anchor"`
		DoFollow bool   `json:"dofollow"`
	} `json:"items"`
}

// FetchSummary returns the aggregate profile. A domain with zero backlinks is ErrNoData.
func (c *Client) FetchSummary(ctx context.Context, domain string) (scheduler.BacklinkSummary, error) {
	if strings.TrimSpace(domain) == "" {
		return scheduler.BacklinkSummary{}, fmt.Errorf("domain is required")
	}
	res, err := post[summaryResult](ctx, c, summaryPath, map[string]string{"target": domain})
	if err != nil {
		return scheduler.BacklinkSummary{}, err
	}
	if res.Backlinks == 0 {
		return scheduler.BacklinkSummary{}, fmt.Errorf("backlinks %s: %w", domain, scheduler.ErrNoData)
	}
	return scheduler.BacklinkSummary{
		Domain:           domain,
		TotalBacklinks:   res.Backlinks,
		ReferringDomains: res.ReferringDomains,
		Rank:             res.Rank,
	}, nil
}

// FetchDetailed returns one page of individual backlinks.
func (c *Client) FetchDetailed(ctx context.Context, domain string, offset, limit int) (scheduler.BacklinkPage, error) {
	if limit <= 0 {
		limit = 1000
	}
	res, err := post[backlinksResult](ctx, c, backlinksPath, backlinksTask{
		Target: domain,
		Mode:   "as_is",
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		return scheduler.BacklinkPage{}, err
	}
	page := scheduler.BacklinkPage{TotalCount: res.TotalCount, Rows: make([]scheduler.BacklinkRow, 0, len(res.Items))}
	for _, item := range res.Items {
		page.Rows = append(page.Rows, scheduler.BacklinkRow{
			SourceURL: item.URLFrom,
			TargetURL: item.URLTo,
			Anchor:    item.Anchor,
			DoFollow:  item.DoFollow,
		})
	}
	return page, nil
}
