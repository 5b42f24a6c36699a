// Package eligibility decides whether an entity may be scheduled. Everything
// here is a pure function of entity state and the supplied instant.
package eligibility

import (
	"sort"
	"time"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

// Reason explains a Decision.
type Reason string

// Decision reasons, in evaluation order.
const (
	ReasonLockedOut  Reason = "locked_out"
	ReasonProcessing Reason = "processing"
	ReasonNeverRun   Reason = "never_run"
	ReasonNotDue     Reason = "not_due"
	ReasonDue        Reason = "due"
	ReasonRetry      Reason = "retry"
	ReasonManualOnly Reason = "manual_only"
)

// Decision is the outcome of an eligibility check.
type Decision struct {
	Eligible bool
	Reason   Reason
	// EligibleAt is the earliest known instant the entity could run; zero when
	// eligible now or unknown (processing).
	EligibleAt time.Time
}

// RetryAfter is how long a caller should wait, relative to now.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Eligible || d.EligibleAt.IsZero() || !d.EligibleAt.After(now) {
		return 0
	}
	return d.EligibleAt.Sub(now)
}

// Check applies lockout, processing, never-run, interval; first match wins.
func Check(e scheduler.Entity, now time.Time) Decision {
	if e.LockoutUntil != nil && e.LockoutUntil.After(now) {
		return Decision{Reason: ReasonLockedOut, EligibleAt: latest(*e.LockoutUntil, dueAt(e))}
	}
	if e.Processing {
		return Decision{Reason: ReasonProcessing}
	}
	if e.LastRunAt == nil {
		return Decision{Eligible: true, Reason: ReasonNeverRun}
	}
	due := dueAt(e)
	if now.Before(due) {
		return Decision{Reason: ReasonNotDue, EligibleAt: due}
	}
	return Decision{Eligible: true, Reason: ReasonDue}
}

// CheckRetry is Check without the interval gate; a retry of a failed attempt
// is still blocked by lockout and by a concurrent run.
func CheckRetry(e scheduler.Entity, now time.Time) Decision {
	if e.LockoutUntil != nil && e.LockoutUntil.After(now) {
		return Decision{Reason: ReasonLockedOut, EligibleAt: *e.LockoutUntil}
	}
	if e.Processing {
		return Decision{Reason: ReasonProcessing}
	}
	return Decision{Eligible: true, Reason: ReasonRetry}
}

// CheckScheduled is Check for sweep-originated work. Manual-throttle
// entities only run when a user asks for them.
func CheckScheduled(e scheduler.Entity, now time.Time) Decision {
	if !e.Policy.Scheduled() {
		return Decision{Reason: ReasonManualOnly}
	}
	return Check(e, now)
}

// IsEligible reports whether work may be scheduled for e at now.
func IsEligible(e scheduler.Entity, now time.Time) bool {
	return Check(e, now).Eligible
}

// NextEligibleAt computes the cacheable next-eligible instant, or nil when the
// entity has never run and is not locked out.
func NextEligibleAt(e scheduler.Entity) *time.Time {
	var next time.Time
	if e.LastRunAt != nil {
		next = dueAt(e)
	}
	if e.LockoutUntil != nil && e.LockoutUntil.After(next) {
		next = *e.LockoutUntil
	}
	if next.IsZero() {
		return nil
	}
	return &next
}

// BatchSelectEligible filters entities with CheckScheduled and orders them
// oldest LastRunAt first (never-run first), ties by ID. limit <= 0 means no
// limit.
func BatchSelectEligible(entities []scheduler.Entity, now time.Time, limit int) []scheduler.Ref {
	eligible := make([]scheduler.Entity, 0, len(entities))
	for _, e := range entities {
		if CheckScheduled(e, now).Eligible {
			eligible = append(eligible, e)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return runsBefore(eligible[i], eligible[j])
	})
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	refs := make([]scheduler.Ref, len(eligible))
	for i, e := range eligible {
		refs[i] = e.Ref
	}
	return refs
}

func runsBefore(a, b scheduler.Entity) bool {
	switch {
	case a.LastRunAt == nil && b.LastRunAt != nil:
		return true
	case a.LastRunAt != nil && b.LastRunAt == nil:
		return false
	case a.LastRunAt != nil && !a.LastRunAt.Equal(*b.LastRunAt):
		return a.LastRunAt.Before(*b.LastRunAt)
	}
	return a.ID < b.ID
}

func dueAt(e scheduler.Entity) time.Time {
	if e.LastRunAt == nil {
		return time.Time{}
	}
	return e.LastRunAt.Add(e.Policy.Every)
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
