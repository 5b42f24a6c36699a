package pageaudit

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

// Snapshot is what the page reports about itself after load.
type Snapshot struct {
	StatusCode         int     `json:"-"`
	Title              string  `json:"title"`
	Description        string  `json:"description"`
	Robots             string  `json:"robots"`
	Viewport           string  `json:"viewport"`
	Canonical          string  `json:"canonical"`
	Lang               string  `json:"lang"`
	H1Count            int     `json:"h1_count"`
	Images             int     `json:"images"`
	ImagesMissingAlt   int     `json:"images_missing_alt"`
	TTFBMillis         float64 `json:"ttfb_ms"`
	DOMContentLoadedMs float64 `json:"dom_content_loaded_ms"`
	LoadMillis         float64 `json:"load_ms"`
	TransferBytes      float64 `json:"transfer_bytes"`
}

const snapshotJS = `(() => {
  const nav = performance.getEntriesByType('navigation')[0] || {};
  const q = (s) => document.querySelector(s);
  const meta = (n) => { const el = q('meta[name="' + n + '"]'); return el ? (el.getAttribute('content') || '') : ''; };
  const canonical = q('link[rel="canonical"]');
  const imgs = Array.from(document.images);
  return {
    title: document.title || '',
    description: meta('description'),
    robots: meta('robots'),
    viewport: meta('viewport'),
    canonical: canonical ? canonical.href : '',
    lang: document.documentElement.lang || '',
    h1_count: document.querySelectorAll('h1').length,
    images: imgs.length,
    images_missing_alt: imgs.filter((i) => !i.hasAttribute('alt') || i.alt.trim() === '').length,
    ttfb_ms: nav.responseStart || 0,
    dom_content_loaded_ms: nav.domContentLoadedEventEnd || 0,
    load_ms: nav.loadEventEnd || 0,
    transfer_bytes: nav.transferSize || 0,
  };
})()`

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityNotice  = "notice"
)

type rule struct {
	code     string
	severity string
	penalty  float64
	check    func(Snapshot) (bool, string)
}

var rules = []rule{
	{"missing_title", SeverityError, 15, func(s Snapshot) (bool, string) { return strings.TrimSpace(s.Title) == "", "" }},
	{"long_title", SeverityWarning, 5, func(s Snapshot) (bool, string) {
		return len(s.Title) > 60, fmt.Sprintf("%d characters", len(s.Title))
	}},
	{"missing_description", SeverityError, 10, func(s Snapshot) (bool, string) { return strings.TrimSpace(s.Description) == "", "" }},
	{"long_description", SeverityWarning, 3, func(s Snapshot) (bool, string) {
		return len(s.Description) > 160, fmt.Sprintf("%d characters", len(s.Description))
	}},
	{"missing_h1", SeverityError, 10, func(s Snapshot) (bool, string) { return s.H1Count == 0, "" }},
	{"multiple_h1", SeverityWarning, 3, func(s Snapshot) (bool, string) {
		return s.H1Count > 1, fmt.Sprintf("%d h1 elements", s.H1Count)
	}},
	{"noindex", SeverityError, 20, func(s Snapshot) (bool, string) {
		return strings.Contains(strings.ToLower(s.Robots), "noindex"), s.Robots
	}},
	{"missing_viewport", SeverityError, 10, func(s Snapshot) (bool, string) { return s.Viewport == "", "" }},
	{"missing_canonical", SeverityNotice, 5, func(s Snapshot) (bool, string) { return s.Canonical == "", "" }},
	{"missing_lang", SeverityNotice, 3, func(s Snapshot) (bool, string) { return s.Lang == "", "" }},
	{"slow_ttfb", SeverityWarning, 5, func(s Snapshot) (bool, string) {
		return s.TTFBMillis > 800, fmt.Sprintf("%.0fms", s.TTFBMillis)
	}},
	{"slow_load", SeverityWarning, 10, func(s Snapshot) (bool, string) {
		return s.LoadMillis > 3000, fmt.Sprintf("%.0fms", s.LoadMillis)
	}},
}

// Evaluate scores a snapshot out of 100 and lists the issues found.
func Evaluate(target string, snap Snapshot) scheduler.AuditResult {
	result := scheduler.AuditResult{
		Target:       target,
		Score:        100,
		PagesCrawled: 1,
		Metrics: map[string]float64{
			"status_code":           float64(snap.StatusCode),
			"ttfb_ms":               snap.TTFBMillis,
			"dom_content_loaded_ms": snap.DOMContentLoadedMs,
			"load_ms":               snap.LoadMillis,
			"transfer_bytes":        snap.TransferBytes,
			"images":                float64(snap.Images),
			"images_missing_alt":    float64(snap.ImagesMissingAlt),
			"h1_count":              float64(snap.H1Count),
		},
	}
	for _, r := range rules {
		hit, detail := r.check(snap)
		if !hit {
			continue
		}
		result.Score -= r.penalty
		result.Issues = append(result.Issues, scheduler.AuditIssue{URL: target, Code: r.code, Severity: r.severity, Detail: detail})
	}
	if snap.ImagesMissingAlt > 0 {
		result.Score -= min(float64(2*snap.ImagesMissingAlt), 10)
		result.Issues = append(result.Issues, scheduler.AuditIssue{
			URL:      target,
			Code:     "images_missing_alt",
			Severity: SeverityWarning,
			Detail:   fmt.Sprintf("%d of %d images", snap.ImagesMissingAlt, snap.Images),
		})
	}
	result.Score = max(result.Score, 0)
	return result
}
