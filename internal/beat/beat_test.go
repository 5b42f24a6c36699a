package beat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/clock/manual"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/clock/system"
	lockmem "github.com/JakeFAU/seo-crawl-scheduler/internal/lock/memory"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

var start = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func counter(n *atomic.Int32) Handler {
	return func(context.Context) error {
		n.Add(1)
		return nil
	}
}

func TestDedupeTTL(t *testing.T) {
	t.Parallel()

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	tests := []struct {
		spec string
		want time.Duration
	}{
		{"@every 10m", 5 * time.Minute},
		{"@every 24h", 12 * time.Hour},
		{"0 * * * *", 30 * time.Minute},
		{"@every 1s", time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.spec, func(t *testing.T) {
			t.Parallel()
			s, err := parser.Parse(tc.spec)
			require.NoError(t, err)
			require.Equal(t, tc.want, DedupeTTL(s, start))
		})
	}
}

func TestFireDedupesWithinWindow(t *testing.T) {
	t.Parallel()

	clk := manual.New(start)
	b := New(lockmem.New(clk), clk, zap.NewNop())
	var n atomic.Int32
	require.NoError(t, b.Register(Tick{Name: "keyword-sweep", Spec: "@every 10m", Handler: counter(&n)}))

	ran, err := b.Fire(context.Background(), "keyword-sweep")
	require.NoError(t, err)
	require.True(t, ran)

	clk.Advance(4 * time.Minute)
	ran, err = b.Fire(context.Background(), "keyword-sweep")
	require.NoError(t, err)
	require.False(t, ran)

	clk.Advance(2 * time.Minute)
	ran, err = b.Fire(context.Background(), "keyword-sweep")
	require.NoError(t, err)
	require.True(t, ran)
	require.EqualValues(t, 2, n.Load())
}

func TestReplicasShareDedupeLock(t *testing.T) {
	t.Parallel()

	clk := manual.New(start)
	locker := lockmem.New(clk)
	var n atomic.Int32
	var wg sync.WaitGroup
	for range 3 {
		b := New(locker, clk, zap.NewNop())
		require.NoError(t, b.Register(Tick{Name: "recovery-sweep", Spec: "@every 10m", Handler: counter(&n)}))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Fire(context.Background(), "recovery-sweep")
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, n.Load())
}

func TestRegisterValidates(t *testing.T) {
	t.Parallel()

	clk := manual.New(start)
	b := New(lockmem.New(clk), clk, nil)
	var n atomic.Int32
	require.Error(t, b.Register(Tick{Name: "bad", Spec: "every five minutes", Handler: counter(&n)}))
	require.Error(t, b.Register(Tick{Name: "", Spec: "@every 1m", Handler: counter(&n)}))
	require.NoError(t, b.Register(Tick{Name: "a", Spec: "@every 1m", Handler: counter(&n)}))
	require.Error(t, b.Register(Tick{Name: "a", Spec: "@every 1m", Handler: counter(&n)}))

	_, err := b.Fire(context.Background(), "missing")
	require.Error(t, err)
}

func TestFireSurfacesHandlerError(t *testing.T) {
	t.Parallel()

	clk := manual.New(start)
	b := New(lockmem.New(clk), clk, zap.NewNop())
	require.NoError(t, b.Register(Tick{Name: "boom", Spec: "@every 1m", Handler: func(context.Context) error {
		return errors.New("db down")
	}}))
	ran, err := b.Fire(context.Background(), "boom")
	require.True(t, ran)
	require.ErrorContains(t, err, "db down")
}

func TestRunFiresOnSchedule(t *testing.T) {
	t.Parallel()

	clk := system.New()
	b := New(lockmem.New(clk), clk, zap.NewNop())
	var n atomic.Int32
	require.NoError(t, b.Register(Tick{Name: "fast", Spec: "@every 1s", Handler: counter(&n)}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return n.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("beat did not stop after context cancel")
	}
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	kinds []scheduler.EntityKind
	limit int
}

func (f *fakeEnqueuer) EnqueueEligible(_ context.Context, kind scheduler.EntityKind, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	f.limit = limit
	return 1, nil
}

type fakeRecoverer struct{ runs atomic.Int32 }

func (f *fakeRecoverer) Run(context.Context) (int, error) {
	f.runs.Add(1)
	return 0, nil
}

func TestStandardTicks(t *testing.T) {
	t.Parallel()

	enq := &fakeEnqueuer{}
	rec := &fakeRecoverer{}
	cfg := DefaultConfig()
	ticks := StandardTicks(cfg, enq, rec)

	names := make([]string, 0, len(ticks))
	for _, tick := range ticks {
		names = append(names, tick.Name)
		require.NoError(t, tick.Handler(context.Background()))
	}
	require.Equal(t, []string{"keyword-sweep", "audit-page-sweep", "onpage-audit-sweep", "recovery-sweep"}, names)
	require.Equal(t, []scheduler.EntityKind{
		scheduler.KindKeyword, scheduler.KindAuditPage, scheduler.KindOnPageAudit,
	}, enq.kinds)
	require.Equal(t, 500, enq.limit)
	require.EqualValues(t, 1, rec.runs.Load())

	clk := manual.New(start)
	b := New(lockmem.New(clk), clk, zap.NewNop())
	for _, tick := range ticks {
		require.NoError(t, b.Register(tick))
	}
}
