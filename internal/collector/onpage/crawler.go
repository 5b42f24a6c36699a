// Package onpage runs crawler-style site audits with colly: broken links and
// missing or duplicated on-page tags across a bounded crawl.
package onpage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/policy/ratelimit"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

// Config controls crawl breadth and politeness.
type Config struct {
	UserAgent     string        `mapstructure:"user_agent"`
	MaxPages      int           `mapstructure:"max_pages"`
	MaxDepth      int           `mapstructure:"max_depth"`
	Parallelism   int           `mapstructure:"parallelism"`
	RPS           float64       `mapstructure:"rps"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Crawler implements scheduler.AuditRunner.
type Crawler struct {
	cfg     Config
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

var _ scheduler.AuditRunner = (*Crawler)(nil)

// New builds a Crawler with defaults for unset fields.
func New(cfg Config, logger *zap.Logger) *Crawler {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 200
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		cfg:     cfg,
		limiter: ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RPS, DefaultBurst: cfg.Parallelism}),
		logger:  logger.Named("onpage"),
	}
}

type page struct {
	url         string
	title       string
	description string
	h1Count     int
}

type crawlState struct {
	mu         sync.Mutex
	pages      map[string]*page
	broken     []scheduler.AuditIssue
	rootStatus int
	rootErr    error
	requested  atomic.Int64
	robots     robotsProbe
}

// Run crawls target's host breadth-first up to MaxPages.
func (c *Crawler) Run(ctx context.Context, target string, opts scheduler.AuditOptions) (scheduler.AuditResult, error) {
	start, err := url.Parse(strings.TrimSpace(target))
	if err != nil || start.Hostname() == "" {
		return scheduler.AuditResult{}, fmt.Errorf("invalid audit target %q", target)
	}
	maxPages := c.cfg.MaxPages
	if opts.MaxPages > 0 {
		maxPages = opts.MaxPages
	}

	state := &crawlState{pages: make(map[string]*page)}
	collector, err := c.newCollector(ctx, start.Hostname(), int64(maxPages), state)
	if err != nil {
		return scheduler.AuditResult{}, err
	}

	if err := collector.Visit(start.String()); err != nil {
		return scheduler.AuditResult{}, fmt.Errorf("colly visit failed: %w", err)
	}
	collector.Wait()

	if ctx.Err() != nil {
		return scheduler.AuditResult{}, fmt.Errorf("onpage crawl canceled: %w", ctx.Err())
	}
	if err := rootError(target, state); err != nil {
		return scheduler.AuditResult{}, err
	}
	res := summarize(target, state)
	c.logger.Debug("onpage crawl finished",
		zap.String("target", target),
		zap.Int("pages", res.PagesCrawled),
		zap.Int("issues", len(res.Issues)),
	)
	return res, nil
}

func (c *Crawler) newCollector(ctx context.Context, host string, maxPages int64, state *crawlState) (*colly.Collector, error) {
	collector := colly.NewCollector(
		colly.AllowedDomains(host),
		colly.MaxDepth(c.cfg.MaxDepth),
		colly.Async(true),
	)
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !c.cfg.RespectRobots
	if c.cfg.RespectRobots {
		collector.WithTransport(newRobotsTransport(http.DefaultTransport, &state.robots))
	}
	collector.SetRequestTimeout(c.cfg.Timeout)
	if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: c.cfg.Parallelism}); err != nil {
		return nil, fmt.Errorf("set collector limits: %w", err)
	}

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil || state.requested.Add(1) > maxPages {
			r.Abort()
			return
		}
		if err := c.limiter.Wait(ctx, r.URL.String()); err != nil {
			r.Abort()
		}
	})

	collector.OnHTML("html", func(e *colly.HTMLElement) {
		p := &page{
			url:         e.Request.URL.String(),
			title:       strings.TrimSpace(e.ChildText("head > title")),
			description: strings.TrimSpace(e.ChildAttr(`meta[name="description"]`, "content")),
			h1Count:     e.DOM.Find("h1").Length(),
		}
		state.mu.Lock()
		state.pages[p.url] = p
		state.mu.Unlock()
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		// Already-visited and off-host links are rejected by colly itself.
		_ = e.Request.Visit(link)
	})

	collector.OnResponse(func(r *colly.Response) {
		if r.Request.Depth == 1 {
			state.mu.Lock()
			state.rootStatus = r.StatusCode
			state.mu.Unlock()
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		state.mu.Lock()
		defer state.mu.Unlock()
		if r.Request.Depth == 1 {
			state.rootStatus = r.StatusCode
			state.rootErr = err
			return
		}
		state.broken = append(state.broken, scheduler.AuditIssue{
			URL:      r.Request.URL.String(),
			Code:     "broken_link",
			Severity: "error",
			Detail:   brokenDetail(r.StatusCode, err),
		})
	})

	return collector, nil
}

func brokenDetail(status int, err error) string {
	if status > 0 {
		return fmt.Sprintf("http %d", status)
	}
	return err.Error()
}

func rootError(target string, state *crawlState) error {
	state.mu.Lock()
	defer state.mu.Unlock()
	switch {
	case state.rootStatus == http.StatusNotFound || state.rootStatus == http.StatusGone:
		return fmt.Errorf("site %s returned %d: %w", target, state.rootStatus, scheduler.ErrNoData)
	case state.rootStatus == http.StatusTooManyRequests:
		return &scheduler.RateLimitError{Source: "onpage"}
	case state.rootStatus >= http.StatusInternalServerError:
		return scheduler.MarkTransient(fmt.Errorf("site %s returned %d", target, state.rootStatus))
	case state.rootErr != nil && state.rootStatus == 0:
		return scheduler.MarkTransient(fmt.Errorf("site %s unreachable: %w", target, state.rootErr))
	case state.rootErr != nil:
		return fmt.Errorf("site %s returned %d: %w", target, state.rootStatus, state.rootErr)
	}
	return nil
}

func summarize(target string, state *crawlState) scheduler.AuditResult {
	state.mu.Lock()
	defer state.mu.Unlock()

	urls := make([]string, 0, len(state.pages))
	titles := make(map[string][]string)
	for u, p := range state.pages {
		urls = append(urls, u)
		if p.title != "" {
			titles[p.title] = append(titles[p.title], u)
		}
	}
	sort.Strings(urls)

	var issues []scheduler.AuditIssue
	flagged := make(map[string]bool)
	flag := func(u, code, severity, detail string) {
		issues = append(issues, scheduler.AuditIssue{URL: u, Code: code, Severity: severity, Detail: detail})
		flagged[u] = true
	}
	counts := map[string]float64{}
	for _, u := range urls {
		p := state.pages[u]
		if p.title == "" {
			flag(u, "missing_title", "error", "")
			counts["missing_titles"]++
		} else if dupes := titles[p.title]; len(dupes) > 1 {
			flag(u, "duplicate_title", "warning", fmt.Sprintf("shared by %d pages", len(dupes)))
			counts["duplicate_titles"]++
		}
		if p.description == "" {
			flag(u, "missing_description", "warning", "")
			counts["missing_descriptions"]++
		}
		if p.h1Count == 0 {
			flag(u, "missing_h1", "warning", "")
			counts["missing_h1"]++
		}
	}
	sort.Slice(state.broken, func(i, j int) bool { return state.broken[i].URL < state.broken[j].URL })
	issues = append(issues, state.broken...)
	counts["broken_links"] = float64(len(state.broken))
	counts["pages_crawled"] = float64(len(urls))
	if reason := state.robots.unverified(); reason != "" {
		issues = append(issues, scheduler.AuditIssue{URL: target, Code: "robots_unverified", Severity: "info", Detail: reason})
		counts["robots_unverified"] = 1
	}

	score := 100.0
	if total := len(urls) + len(state.broken); total > 0 {
		score = 100 * float64(len(urls)-len(flagged)) / float64(total)
	}
	return scheduler.AuditResult{
		Target:       target,
		Score:        score,
		PagesCrawled: len(urls),
		Metrics:      counts,
		Issues:       issues,
	}
}
