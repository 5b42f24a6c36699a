// Package pageaudit runs Lighthouse-style single page audits in headless Chrome.
package pageaudit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

// Config controls the headless browser.
type Config struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"nav_timeout"`
}

// Auditor implements scheduler.AuditRunner with chromedp.
type Auditor struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ scheduler.AuditRunner = (*Auditor)(nil)

// New creates an Auditor. The browser process starts lazily on first use.
func New(cfg Config) (*Auditor, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Auditor{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (a *Auditor) Close() {
	a.allocCancel()
}

// Run loads target and scores its timing and SEO tags.
func (a *Auditor) Run(ctx context.Context, target string, opts scheduler.AuditOptions) (scheduler.AuditResult, error) {
	if strings.TrimSpace(target) == "" {
		return scheduler.AuditResult{}, fmt.Errorf("audit target is required")
	}
	if err := a.acquire(ctx); err != nil {
		return scheduler.AuditResult{}, err
	}
	defer a.release()

	taskCtx, taskCancel := chromedp.NewContext(a.allocator)
	defer taskCancel()
	// Tie the browser tab to the caller's deadline as well as our own.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, a.navTimeout())
	defer cancel()

	status := &documentStatus{}
	chromedp.ListenTarget(taskCtx, status.capture)

	var snap Snapshot
	actions := []chromedp.Action{
		a.emulationAction(opts.Mobile),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Evaluate(snapshotJS, &snap),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return scheduler.AuditResult{}, fmt.Errorf("page audit canceled: %w", ctx.Err())
		}
		return scheduler.AuditResult{}, scheduler.MarkTransient(fmt.Errorf("chromedp run: %w", err))
	}
	snap.StatusCode = status.get()

	if err := statusError(target, snap.StatusCode); err != nil {
		return scheduler.AuditResult{}, err
	}
	return Evaluate(target, snap), nil
}

func (a *Auditor) emulationAction(mobile bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if a.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(a.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if mobile {
			if err := emulation.SetDeviceMetricsOverride(412, 915, 2.625, true).Do(ctx); err != nil {
				return fmt.Errorf("set device metrics: %w", err)
			}
		}
		return nil
	})
}

func statusError(target string, code int) error {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("page %s returned %d: %w", target, code, scheduler.ErrNoData)
	case code == http.StatusTooManyRequests:
		return &scheduler.RateLimitError{Source: "pageaudit"}
	case code >= http.StatusInternalServerError:
		return scheduler.MarkTransient(fmt.Errorf("page %s returned %d", target, code))
	}
	return nil
}

func (a *Auditor) acquire(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	select {
	case a.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (a *Auditor) release() {
	if a.limiter == nil {
		return
	}
	select {
	case <-a.limiter:
	default:
	}
}

func (a *Auditor) navTimeout() time.Duration {
	if a.cfg.NavigationTimeout > 0 {
		return a.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

// documentStatus records the HTTP status of the top-level document.
type documentStatus struct {
	mu     sync.Mutex
	status int
}

func (d *documentStatus) capture(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// Redirect chains report several documents; the last one wins.
	d.status = int(resp.Response.Status)
}

func (d *documentStatus) get() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status == 0 {
		return http.StatusOK
	}
	return d.status
}
