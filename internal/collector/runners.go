// Package collector adapts the external SEO collaborators to per-kind worker runners.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

const jsonContentType = "application/json"

// Config tunes how collaborators are driven.
type Config struct {
	OnPageMaxPages   int  `mapstructure:"onpage_max_pages"`
	AuditMobile      bool `mapstructure:"audit_mobile"`
	BacklinkPageSize int  `mapstructure:"backlink_page_size"`
	BacklinkMaxRows  int  `mapstructure:"backlink_max_rows"`
}

func (c Config) withDefaults() Config {
	if c.OnPageMaxPages <= 0 {
		c.OnPageMaxPages = 200
	}
	if c.BacklinkPageSize <= 0 {
		c.BacklinkPageSize = 1000
	}
	if c.BacklinkMaxRows <= 0 {
		c.BacklinkMaxRows = 10000
	}
	return c
}

// Deps are the collaborators to adapt. Nil collaborators leave their kind unregistered.
type Deps struct {
	Rank      scheduler.RankFetcher
	PageAudit scheduler.AuditRunner
	OnPage    scheduler.AuditRunner
	Backlinks scheduler.BacklinkAPI
	Clock     scheduler.Clock
}

// Runners builds the kind-to-runner table consumed by the worker.
func Runners(cfg Config, deps Deps) map[scheduler.EntityKind]scheduler.Runner {
	cfg = cfg.withDefaults()
	out := make(map[scheduler.EntityKind]scheduler.Runner, 4)
	if deps.Rank != nil {
		out[scheduler.KindKeyword] = &KeywordRunner{Fetcher: deps.Rank, Clock: deps.Clock}
	}
	if deps.PageAudit != nil {
		out[scheduler.KindAuditPage] = &AuditRunner{Auditor: deps.PageAudit, Options: scheduler.AuditOptions{MaxPages: 1, Mobile: cfg.AuditMobile}}
	}
	if deps.OnPage != nil {
		out[scheduler.KindOnPageAudit] = &AuditRunner{Auditor: deps.OnPage, Options: scheduler.AuditOptions{MaxPages: cfg.OnPageMaxPages}}
	}
	if deps.Backlinks != nil {
		out[scheduler.KindBacklinkProfile] = &BacklinkRunner{API: deps.Backlinks, PageSize: cfg.BacklinkPageSize, MaxRows: cfg.BacklinkMaxRows}
	}
	return out
}

// KeywordRunner records a keyword's SERP position.
type KeywordRunner struct {
	Fetcher scheduler.RankFetcher
	Clock   scheduler.Clock
}

// Run implements scheduler.Runner.
func (r *KeywordRunner) Run(ctx context.Context, entity scheduler.Entity) (scheduler.RunOutput, error) {
	res, err := r.Fetcher.Fetch(ctx, entity.Target, entity.Locale)
	if err != nil {
		return scheduler.RunOutput{}, fmt.Errorf("rank fetch: %w", err)
	}
	if res.CheckedAt.IsZero() && r.Clock != nil {
		res.CheckedAt = r.Clock.Now()
	}
	summary := map[string]any{
		"position":    res.Position,
		"total_items": res.TotalItems,
		"ranked":      res.Position > 0,
	}
	if res.URL != "" {
		summary["url"] = res.URL
	}
	if !res.CheckedAt.IsZero() {
		summary["checked_at"] = res.CheckedAt.UTC().Format(time.RFC3339)
	}
	return scheduler.RunOutput{Summary: summary}, nil
}

// AuditRunner runs a page or site audit and stores the full report as the artifact.
type AuditRunner struct {
	Auditor scheduler.AuditRunner
	Options scheduler.AuditOptions
}

// Run implements scheduler.Runner.
func (r *AuditRunner) Run(ctx context.Context, entity scheduler.Entity) (scheduler.RunOutput, error) {
	res, err := r.Auditor.Run(ctx, entity.Target, r.Options)
	if err != nil {
		return scheduler.RunOutput{}, fmt.Errorf("audit %s: %w", entity.Kind, err)
	}
	artifact, err := json.Marshal(res)
	if err != nil {
		return scheduler.RunOutput{}, fmt.Errorf("marshal audit report: %w", err)
	}
	severities := map[string]int{}
	for _, issue := range res.Issues {
		severities[issue.Severity]++
	}
	return scheduler.RunOutput{
		Summary: map[string]any{
			"score":         res.Score,
			"pages_crawled": res.PagesCrawled,
			"issues":        len(res.Issues),
			"by_severity":   severities,
		},
		Artifact:     artifact,
		ArtifactType: jsonContentType,
	}, nil
}

// BacklinkRunner collects the aggregate profile plus paged detail rows.
type BacklinkRunner struct {
	API      scheduler.BacklinkAPI
	PageSize int
	MaxRows  int
}

type backlinkReport struct {
	Summary   scheduler.BacklinkSummary `json:"summary"`
	Rows      []scheduler.BacklinkRow   `json:"rows"`
	Truncated bool                      `json:"truncated"`
}

// Run implements scheduler.Runner. ErrNoData from the summary short-circuits paging.
func (r *BacklinkRunner) Run(ctx context.Context, entity scheduler.Entity) (scheduler.RunOutput, error) {
	summary, err := r.API.FetchSummary(ctx, entity.Target)
	if err != nil {
		return scheduler.RunOutput{}, fmt.Errorf("backlink summary: %w", err)
	}

	report := backlinkReport{Summary: summary}
	for offset := 0; offset < r.MaxRows; {
		limit := min(r.PageSize, r.MaxRows-offset)
		page, err := r.API.FetchDetailed(ctx, entity.Target, offset, limit)
		if err != nil {
			return scheduler.RunOutput{}, fmt.Errorf("backlink page at %d: %w", offset, err)
		}
		report.Rows = append(report.Rows, page.Rows...)
		offset += len(page.Rows)
		if len(page.Rows) < limit || int64(offset) >= page.TotalCount {
			break
		}
	}
	report.Truncated = int64(len(report.Rows)) < summary.TotalBacklinks

	artifact, err := json.Marshal(report)
	if err != nil {
		return scheduler.RunOutput{}, fmt.Errorf("marshal backlink report: %w", err)
	}
	return scheduler.RunOutput{
		Summary: map[string]any{
			"total_backlinks":   summary.TotalBacklinks,
			"referring_domains": summary.ReferringDomains,
			"rank":              summary.Rank,
			"rows_collected":    len(report.Rows),
			"truncated":         report.Truncated,
		},
		Artifact:     artifact,
		ArtifactType: jsonContentType,
	}, nil
}
