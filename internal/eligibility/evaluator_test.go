package eligibility

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func at(t time.Time) *time.Time { return &t }

func backlink(id int64) scheduler.Entity {
	return scheduler.Entity{
		Ref:    scheduler.Ref{Kind: scheduler.KindBacklinkProfile, ID: id},
		Policy: scheduler.IntervalPolicy{Kind: scheduler.PolicyRolling, Every: 30 * day},
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*scheduler.Entity)
		eligible bool
		reason   Reason
	}{
		{
			name:     "scenario A: interval elapsed",
			mutate:   func(e *scheduler.Entity) { e.LastRunAt = at(now.Add(-31 * day)) },
			eligible: true,
			reason:   ReasonDue,
		},
		{
			name: "scenario B: lockout in future",
			mutate: func(e *scheduler.Entity) {
				e.LastRunAt = at(now.Add(-31 * day))
				e.LockoutUntil = at(now.Add(5 * day))
			},
			reason: ReasonLockedOut,
		},
		{
			name:     "never run",
			mutate:   func(*scheduler.Entity) {},
			eligible: true,
			reason:   ReasonNeverRun,
		},
		{
			name:   "processing",
			mutate: func(e *scheduler.Entity) { e.Processing = true },
			reason: ReasonProcessing,
		},
		{
			name:   "interval not elapsed",
			mutate: func(e *scheduler.Entity) { e.LastRunAt = at(now.Add(-29 * day)) },
			reason: ReasonNotDue,
		},
		{
			name:     "exactly at boundary",
			mutate:   func(e *scheduler.Entity) { e.LastRunAt = at(now.Add(-30 * day)) },
			eligible: true,
			reason:   ReasonDue,
		},
		{
			name: "expired lockout is ignored",
			mutate: func(e *scheduler.Entity) {
				e.LastRunAt = at(now.Add(-31 * day))
				e.LockoutUntil = at(now.Add(-time.Minute))
			},
			eligible: true,
			reason:   ReasonDue,
		},
		{
			name: "lockout dominates processing",
			mutate: func(e *scheduler.Entity) {
				e.Processing = true
				e.LockoutUntil = at(now.Add(time.Hour))
			},
			reason: ReasonLockedOut,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := backlink(1)
			tc.mutate(&e)
			d := Check(e, now)
			require.Equal(t, tc.eligible, d.Eligible)
			require.Equal(t, tc.reason, d.Reason)
			require.Equal(t, tc.eligible, IsEligible(e, now))
		})
	}
}

func TestDecisionRetryAfter(t *testing.T) {
	t.Parallel()

	e := backlink(1)
	e.LastRunAt = at(now.Add(-29 * day))
	require.Equal(t, day, Check(e, now).RetryAfter(now))

	e.LockoutUntil = at(now.Add(5 * day))
	require.Equal(t, 5*day, Check(e, now).RetryAfter(now))

	e.LockoutUntil = nil
	e.LastRunAt = nil
	require.Zero(t, Check(e, now).RetryAfter(now))
}

func TestCheckRetrySkipsInterval(t *testing.T) {
	t.Parallel()

	e := backlink(1)
	e.LastRunAt = at(now.Add(-time.Minute))
	require.False(t, Check(e, now).Eligible)
	require.True(t, CheckRetry(e, now).Eligible)

	e.LockoutUntil = at(now.Add(time.Hour))
	require.False(t, CheckRetry(e, now).Eligible)

	e.LockoutUntil = nil
	e.Processing = true
	require.False(t, CheckRetry(e, now).Eligible)
}

func TestNextEligibleAt(t *testing.T) {
	t.Parallel()

	e := backlink(1)
	require.Nil(t, NextEligibleAt(e))

	e.LastRunAt = at(now)
	require.Equal(t, now.Add(30*day), *NextEligibleAt(e))

	e.LockoutUntil = at(now.Add(40 * day))
	require.Equal(t, now.Add(40*day), *NextEligibleAt(e))

	e.LockoutUntil = at(now.Add(10 * day))
	next := NextEligibleAt(e)
	require.Equal(t, now.Add(30*day), *next)
	require.False(t, next.Before(e.LastRunAt.Add(e.Policy.Every)))
}

func TestBatchSelectEligibleOrdersOldestFirst(t *testing.T) {
	t.Parallel()

	never := backlink(5)
	oldest := backlink(2)
	oldest.LastRunAt = at(now.Add(-90 * day))
	older := backlink(1)
	older.LastRunAt = at(now.Add(-60 * day))
	tieA := backlink(3)
	tieA.LastRunAt = at(now.Add(-45 * day))
	tieB := backlink(4)
	tieB.LastRunAt = at(now.Add(-45 * day))
	recent := backlink(6)
	recent.LastRunAt = at(now.Add(-day))
	locked := backlink(7)
	locked.LockoutUntil = at(now.Add(day))

	in := []scheduler.Entity{recent, tieB, older, locked, never, tieA, oldest}
	got := BatchSelectEligible(in, now, 0)
	require.Equal(t, []scheduler.Ref{never.Ref, oldest.Ref, older.Ref, tieA.Ref, tieB.Ref}, got)

	require.Len(t, BatchSelectEligible(in, now, 2), 2)
	require.Empty(t, BatchSelectEligible(nil, now, 10))
}

func TestCheckScheduledLeavesManualThrottleToUsers(t *testing.T) {
	t.Parallel()

	manual := backlink(1)
	manual.Policy = scheduler.IntervalPolicy{Kind: scheduler.PolicyManualThrottle, Every: day}
	manual.LastRunAt = at(now.Add(-25 * time.Hour))
	fixed := backlink(2)
	fixed.Policy = scheduler.IntervalPolicy{Kind: scheduler.PolicyFixed, Every: day}
	fixed.LastRunAt = at(now.Add(-25 * time.Hour))

	d := CheckScheduled(manual, now)
	require.False(t, d.Eligible)
	require.Equal(t, ReasonManualOnly, d.Reason)
	require.True(t, Check(manual, now).Eligible, "throttle window has elapsed")
	require.True(t, CheckScheduled(fixed, now).Eligible)

	require.Equal(t, []scheduler.Ref{fixed.Ref}, BatchSelectEligible([]scheduler.Entity{manual, fixed}, now, 0))
}

func randomEntity(r *rand.Rand) scheduler.Entity {
	e := backlink(r.Int63n(1000))
	e.Policy.Every = time.Duration(1+r.Intn(60)) * day
	if r.Intn(4) > 0 {
		e.LastRunAt = at(now.Add(-time.Duration(r.Intn(90)) * day))
	}
	if r.Intn(3) == 0 {
		e.LockoutUntil = at(now.Add(time.Duration(r.Intn(60)-30) * day))
	}
	e.Processing = r.Intn(5) == 0
	return e
}

func TestEligibilityMonotonicity(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(7))
	for range 2000 {
		e := randomEntity(r)
		if !IsEligible(e, now) {
			continue
		}
		for _, ahead := range []time.Duration{time.Second, time.Hour, 10 * day, 400 * day} {
			require.True(t, IsEligible(e, now.Add(ahead)), "entity %+v lost eligibility after %s", e, ahead)
		}
	}
}

func TestLockoutPrecedence(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(11))
	for range 2000 {
		e := randomEntity(r)
		e.LockoutUntil = at(now.Add(time.Duration(1+r.Intn(1000)) * time.Minute))
		require.False(t, IsEligible(e, now))
	}
}
