package scheduler

import (
	"context"
	"time"
)

// RankResult is one SERP position lookup.
type RankResult struct {
	Keyword    string    `json:"keyword"`
	Locale     string    `json:"locale"`
	Position   int       `json:"position"`
	URL        string    `json:"url,omitempty"`
	TotalItems int       `json:"total_items"`
	CheckedAt  time.Time `json:"checked_at"`
}

// RankFetcher looks up where a keyword ranks.
type RankFetcher interface {
	Fetch(ctx context.Context, keyword, locale string) (RankResult, error)
}

// AuditOptions tune a single audit run.
type AuditOptions struct {
	MaxPages int
	Mobile   bool
}

// AuditIssue is one finding from an audit.
type AuditIssue struct {
	URL      string `json:"url"`
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Detail   string `json:"detail,omitempty"`
}

// AuditResult is the output of an audit runner.
type AuditResult struct {
	Target       string             `json:"target"`
	Score        float64            `json:"score"`
	PagesCrawled int                `json:"pages_crawled"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Issues       []AuditIssue       `json:"issues,omitempty"`
}

// AuditRunner runs a Lighthouse-style or crawler-style audit.
type AuditRunner interface {
	Run(ctx context.Context, target string, opts AuditOptions) (AuditResult, error)
}

// BacklinkSummary aggregates a domain's backlink profile.
type BacklinkSummary struct {
	Domain           string `json:"domain"`
	TotalBacklinks   int64  `json:"total_backlinks"`
	ReferringDomains int64  `json:"referring_domains"`
	Rank             int    `json:"rank"`
}

// BacklinkRow is one detailed backlink.
type BacklinkRow struct {
	SourceURL string `json:"source_url"`
	TargetURL string `json:"target_url"`
	Anchor    string `json:"anchor,omitempty"`
	DoFollow  bool   `json:"dofollow"`
}

// BacklinkPage is one page of detailed backlinks.
type BacklinkPage struct {
	Rows       []BacklinkRow `json:"rows"`
	TotalCount int64         `json:"total_count"`
}

// BacklinkAPI fetches backlink data; ErrNoData is a distinguished outcome.
type BacklinkAPI interface {
	FetchSummary(ctx context.Context, domain string) (BacklinkSummary, error)
	FetchDetailed(ctx context.Context, domain string, offset, limit int) (BacklinkPage, error)
}
