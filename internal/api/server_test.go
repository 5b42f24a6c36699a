package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/clock/manual"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/storage/memory"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []scheduler.Trigger
	refs  []scheduler.Ref
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, ref scheduler.Ref, trigger scheduler.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, trigger)
	f.refs = append(f.refs, ref)
	return nil
}

type harness struct {
	server *Server
	store  *memory.EntityStore
	enq    *fakeEnqueuer
	clock  *manual.Clock
}

func newHarness(t *testing.T, cfg Config, checks map[string]ReadinessCheck) *harness {
	t.Helper()
	h := &harness{
		store: memory.NewEntityStore(),
		enq:   &fakeEnqueuer{},
		clock: manual.New(testNow),
	}
	if cfg.Policies == nil {
		cfg.Policies = map[scheduler.EntityKind]scheduler.IntervalPolicy{
			scheduler.KindBacklinkProfile: {Kind: scheduler.PolicyRolling, Every: 30 * 24 * time.Hour},
		}
	}
	h.server = NewServer(h.store, h.enq, h.clock, cfg, checks, zap.NewNop())
	return h
}

func (h *harness) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) seed(t *testing.T, e scheduler.Entity) {
	t.Helper()
	require.NoError(t, h.store.Upsert(context.Background(), e))
}

func decodeTrigger(t *testing.T, rec *httptest.ResponseRecorder) TriggerResponse {
	t.Helper()
	var resp TriggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func backlinkEntity(lastRun *time.Time) scheduler.Entity {
	return scheduler.Entity{
		Ref:       scheduler.Ref{Kind: scheduler.KindBacklinkProfile, ID: 7},
		Target:    "example.com",
		Policy:    scheduler.IntervalPolicy{Kind: scheduler.PolicyRolling, Every: 30 * 24 * time.Hour},
		LastRunAt: lastRun,
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	rec := h.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "seosched_")
}

func TestReadyzReportsFailedChecks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, map[string]ReadinessCheck{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})
	rec := h.do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "postgres")
	require.NotContains(t, rec.Body.String(), "redis")

	ok := newHarness(t, Config{}, nil)
	require.Equal(t, http.StatusOK, ok.do(http.MethodGet, "/readyz", "").Code)
}

func TestManualRunAccepted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	last := testNow.Add(-31 * 24 * time.Hour)
	h.seed(t, backlinkEntity(&last))

	rec := h.do(http.MethodPost, "/v1/entities/backlink_profile/7/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, TriggerResponse{Outcome: OutcomeAccepted}, decodeTrigger(t, rec))
	require.Equal(t, []scheduler.Trigger{scheduler.TriggerManual}, h.enq.calls)
}

func TestManualRunThrottled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	last := testNow.Add(-29 * 24 * time.Hour)
	h.seed(t, backlinkEntity(&last))

	rec := h.do(http.MethodPost, "/v1/entities/backlink_profile/7/run", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "86400", rec.Header().Get("Retry-After"))
	resp := decodeTrigger(t, rec)
	require.Equal(t, OutcomeRateLimited, resp.Outcome)
	require.EqualValues(t, 86400, resp.RetryAfterSeconds)
	require.Equal(t, "not_due", resp.Reason)
	require.Empty(t, h.enq.calls)
}

func TestManualThrottlePageRunsOnlyOnRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	last := testNow.Add(-25 * time.Hour)
	page := scheduler.Entity{
		Ref:       scheduler.Ref{Kind: scheduler.KindAuditPage, ID: 3},
		Target:    "https://example.com/pricing",
		Policy:    scheduler.IntervalPolicy{Kind: scheduler.PolicyManualThrottle, Every: 24 * time.Hour},
		LastRunAt: &last,
	}
	h.seed(t, page)

	swept, err := h.store.SelectEligible(context.Background(), scheduler.KindAuditPage, testNow, 10)
	require.NoError(t, err)
	require.Empty(t, swept)

	rec := h.do(http.MethodPost, "/v1/entities/audit_page/3/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []scheduler.Ref{page.Ref}, h.enq.refs)

	recent := testNow.Add(-time.Hour)
	page.LastRunAt = &recent
	h2 := newHarness(t, Config{}, nil)
	h2.seed(t, page)
	rec = h2.do(http.MethodPost, "/v1/entities/audit_page/3/run", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "82800", rec.Header().Get("Retry-After"))
}

func TestManualRunLockedOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	e := backlinkEntity(nil)
	h.seed(t, e)
	require.NoError(t, h.store.RecordNoData(context.Background(), e.Ref, scheduler.NoDataRecord{
		RanAt:          testNow,
		LockoutUntil:   testNow.Add(5 * 24 * time.Hour),
		NextEligibleAt: testNow.Add(30 * 24 * time.Hour),
	}))

	rec := h.do(http.MethodPost, "/v1/entities/backlink_profile/7/run", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp := decodeTrigger(t, rec)
	require.Equal(t, "locked_out", resp.Reason)
	require.EqualValues(t, 30*24*3600, resp.RetryAfterSeconds)
}

func TestManualRunErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	require.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/v1/entities/keyword/99/run", "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/entities/widget/1/run", "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/entities/keyword/abc/run", "").Code)

	h.seed(t, backlinkEntity(nil))
	h.enq.err = errors.New("redis down")
	rec := h.do(http.MethodPost, "/v1/entities/backlink_profile/7/run", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, OutcomeFailed, decodeTrigger(t, rec).Outcome)
}

func TestEntityCreatedOnboards(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	rec := h.do(http.MethodPost, "/v1/entities/backlink_profile/7/created", `{"target":"example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []scheduler.Trigger{scheduler.TriggerCreated}, h.enq.calls)

	stored, err := h.store.Get(context.Background(), scheduler.Ref{Kind: scheduler.KindBacklinkProfile, ID: 7})
	require.NoError(t, err)
	require.Equal(t, "example.com", stored.Target)
	require.Equal(t, scheduler.PolicyRolling, stored.Policy.Kind)
}

func TestEntityCreatedExplicitPolicy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	body := `{"target":"https://example.com","policy":{"kind":"manual_throttle","every":"72h"}}`
	rec := h.do(http.MethodPost, "/v1/entities/onpage_audit/3/created", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	stored, err := h.store.Get(context.Background(), scheduler.Ref{Kind: scheduler.KindOnPageAudit, ID: 3})
	require.NoError(t, err)
	require.Equal(t, scheduler.IntervalPolicy{Kind: scheduler.PolicyManualThrottle, Every: 72 * time.Hour}, stored.Policy)
}

func TestEntityCreatedValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	require.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/v1/entities/keyword/1/created", "").Code, "unknown entity without body")
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/entities/keyword/1/created", `{"target":"shoes"}`).Code, "no default policy for keyword")
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/entities/keyword/1/created", `{bad`).Code)
	require.Empty(t, h.enq.calls)

	h.seed(t, backlinkEntity(nil))
	require.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/v1/entities/backlink_profile/7/created", "").Code, "known entity re-onboarded")
}

func TestGetEntity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	last := testNow.Add(-10 * 24 * time.Hour)
	h.seed(t, backlinkEntity(&last))

	rec := h.do(http.MethodGet, "/v1/entities/backlink_profile/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp entityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Eligible)
	require.Equal(t, "not_due", resp.Reason)
	require.NotNil(t, resp.EligibleAt)
	require.True(t, resp.EligibleAt.Equal(testNow.Add(20*24*time.Hour)))
	require.Equal(t, "example.com", resp.Entity.Target)

	require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/entities/backlink_profile/8", "").Code)
}

func TestAPIKeyRequired(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{APIKey: "secret"}, nil)
	h.seed(t, backlinkEntity(nil))

	require.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/v1/entities/backlink_profile/7/run", "").Code)
	require.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/v1/entities/backlink_profile/7/run", "", "X-API-Key", "secret").Code)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "").Code, "probes stay open")
}

func TestRetrySecondsRoundsUp(t *testing.T) {
	t.Parallel()

	require.Zero(t, retrySeconds(0))
	require.Zero(t, retrySeconds(-time.Second))
	require.EqualValues(t, 1, retrySeconds(time.Millisecond))
	require.EqualValues(t, 60, retrySeconds(time.Minute))
}
