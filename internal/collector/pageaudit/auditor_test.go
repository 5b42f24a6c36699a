package pageaudit

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

func healthy() Snapshot {
	return Snapshot{
		StatusCode:  200,
		Title:       "Trail running shoes | Example",
		Description: "Lightweight trail running shoes for every terrain.",
		Viewport:    "width=device-width, initial-scale=1",
		Canonical:   "https://example.com/shoes",
		Lang:        "en",
		H1Count:     1,
		Images:      4,
		TTFBMillis:  120,
		LoadMillis:  900,
	}
}

func codes(res scheduler.AuditResult) []string {
	out := make([]string, 0, len(res.Issues))
	for _, issue := range res.Issues {
		out = append(out, issue.Code)
	}
	return out
}

func TestEvaluateHealthyPage(t *testing.T) {
	t.Parallel()

	res := Evaluate("https://example.com/shoes", healthy())
	require.InDelta(t, 100, res.Score, 0.001)
	require.Empty(t, res.Issues)
	require.Equal(t, 1, res.PagesCrawled)
	require.InDelta(t, 120, res.Metrics["ttfb_ms"], 0.001)
}

func TestEvaluateFlagsIssues(t *testing.T) {
	t.Parallel()

	snap := healthy()
	snap.Title = strings.Repeat("x", 70)
	snap.Description = ""
	snap.H1Count = 3
	snap.Robots = "NOINDEX, follow"
	snap.ImagesMissingAlt = 2
	snap.LoadMillis = 4500

	res := Evaluate("https://example.com", snap)
	require.Equal(t, []string{"long_title", "missing_description", "multiple_h1", "noindex", "slow_load", "images_missing_alt"}, codes(res))
	require.InDelta(t, 100-5-10-3-20-10-4, res.Score, 0.001)
}

func TestEvaluateWorstCase(t *testing.T) {
	t.Parallel()

	res := Evaluate("https://example.com", Snapshot{Robots: "noindex", ImagesMissingAlt: 40, TTFBMillis: 5000, LoadMillis: 9000})
	require.InDelta(t, 2, res.Score, 0.001)
	require.Len(t, res.Issues, 10)
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	require.NoError(t, statusError("u", http.StatusOK))
	require.NoError(t, statusError("u", http.StatusMovedPermanently))
	require.ErrorIs(t, statusError("u", http.StatusNotFound), scheduler.ErrNoData)
	require.ErrorIs(t, statusError("u", http.StatusGone), scheduler.ErrNoData)
	require.ErrorIs(t, statusError("u", http.StatusTooManyRequests), scheduler.ErrRateLimited)

	var te *scheduler.TransientError
	require.ErrorAs(t, statusError("u", http.StatusServiceUnavailable), &te)
}

func TestDocumentStatusCapture(t *testing.T) {
	t.Parallel()

	ds := &documentStatus{}
	require.Equal(t, http.StatusOK, ds.get(), "no document response seen")

	ds.capture(&network.EventResponseReceived{Type: network.ResourceTypeScript, Response: &network.Response{Status: 500}})
	require.Equal(t, http.StatusOK, ds.get())

	ds.capture(&network.EventResponseReceived{Type: network.ResourceTypeDocument, Response: &network.Response{Status: 404}})
	require.Equal(t, http.StatusNotFound, ds.get())

	ds.capture("not an event")
	require.Equal(t, http.StatusNotFound, ds.get())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1})
	require.Error(t, err)

	a, err := New(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer a.Close()
	require.Equal(t, 2, cap(a.limiter))
	require.Equal(t, 45*time.Second, a.navTimeout())

	a.cfg.NavigationTimeout = time.Second
	require.Equal(t, time.Second, a.navTimeout())
}

func TestRunRejectsEmptyTarget(t *testing.T) {
	t.Parallel()

	a, err := New(Config{})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Run(context.Background(), "  ", scheduler.AuditOptions{})
	require.ErrorContains(t, err, "target is required")
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	a, err := New(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.acquire(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, a.acquire(ctx))
	a.release()
	require.NoError(t, a.acquire(context.Background()))
}
