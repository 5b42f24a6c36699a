package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/eligibility"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

// EntityStore is a mutex-guarded map with the same conditional-update
// semantics as the Postgres store.
type EntityStore struct {
	mu       sync.RWMutex
	entities map[scheduler.Ref]scheduler.Entity
}

// NewEntityStore constructs an empty EntityStore.
func NewEntityStore() *EntityStore {
	return &EntityStore{entities: make(map[scheduler.Ref]scheduler.Entity)}
}

// Get fetches a copy of the entity.
func (s *EntityStore) Get(_ context.Context, ref scheduler.Ref) (scheduler.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[ref]
	if !ok {
		return scheduler.Entity{}, fmt.Errorf("get %s: %w", ref, scheduler.ErrNotFound)
	}
	return clone(e), nil
}

// Upsert inserts the entity, or updates its target and policy if it exists.
func (s *EntityStore) Upsert(_ context.Context, entity scheduler.Entity) error {
	if err := entity.Policy.Validate(); err != nil {
		return fmt.Errorf("upsert %s: %w", entity.Ref, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entities[entity.Ref]
	if !ok {
		current = clone(entity)
		current.Processing = false
		current.ProcessingSince = nil
	} else {
		current.Target = entity.Target
		current.Locale = entity.Locale
		current.Policy = entity.Policy
	}
	current.NextEligibleAt = eligibility.NextEligibleAt(current)
	s.entities[entity.Ref] = current
	return nil
}

// SelectEligible hands the kind's entities to the eligibility evaluator.
func (s *EntityStore) SelectEligible(
	_ context.Context,
	kind scheduler.EntityKind,
	now time.Time,
	limit int,
) ([]scheduler.Ref, error) {
	s.mu.RLock()
	var candidates []scheduler.Entity
	for _, e := range s.entities {
		if e.Kind == kind {
			candidates = append(candidates, e)
		}
	}
	s.mu.RUnlock()
	return eligibility.BatchSelectEligible(candidates, now, limit), nil
}

// MarkProcessing sets the flag only if it is currently clear.
func (s *EntityStore) MarkProcessing(_ context.Context, ref scheduler.Ref, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[ref]
	if !ok {
		return false, fmt.Errorf("mark processing %s: %w", ref, scheduler.ErrNotFound)
	}
	if e.Processing {
		return false, nil
	}
	e.Processing = true
	e.ProcessingSince = &now
	s.entities[ref] = e
	return true, nil
}

// ClearProcessing clears the flag; a missing entity is not an error.
func (s *EntityStore) ClearProcessing(_ context.Context, ref scheduler.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[ref]
	if !ok {
		return nil
	}
	e.Processing = false
	e.ProcessingSince = nil
	s.entities[ref] = e
	return nil
}

// RecordSuccess anchors the interval and resets failure state.
func (s *EntityStore) RecordSuccess(_ context.Context, ref scheduler.Ref, rec scheduler.SuccessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[ref]
	if !ok {
		return fmt.Errorf("record success %s: %w", ref, scheduler.ErrNotFound)
	}
	e.LastRunAt = &rec.RanAt
	e.NextEligibleAt = &rec.NextEligibleAt
	e.FailureCount = 0
	e.LockoutUntil = nil
	e.LastError = ""
	e.Summary = maps.Clone(rec.Summary)
	if rec.ArtifactURI != "" {
		e.ArtifactURI = rec.ArtifactURI
	}
	s.entities[ref] = e
	return nil
}

// RecordNoData applies the lockout without touching failure_count.
func (s *EntityStore) RecordNoData(_ context.Context, ref scheduler.Ref, rec scheduler.NoDataRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[ref]
	if !ok {
		return fmt.Errorf("record no data %s: %w", ref, scheduler.ErrNotFound)
	}
	e.LastRunAt = &rec.RanAt
	e.LockoutUntil = &rec.LockoutUntil
	e.NextEligibleAt = &rec.NextEligibleAt
	e.LastError = rec.Reason
	s.entities[ref] = e
	return nil
}

// RecordFailure increments failure_count and returns the new value.
func (s *EntityStore) RecordFailure(_ context.Context, ref scheduler.Ref, rec scheduler.FailureRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[ref]
	if !ok {
		return 0, fmt.Errorf("record failure %s: %w", ref, scheduler.ErrNotFound)
	}
	e.FailureCount++
	e.LastError = rec.Error
	if rec.RanAt != nil {
		ranAt := *rec.RanAt
		e.LastRunAt = &ranAt
	}
	if rec.NextEligibleAt != nil {
		next := *rec.NextEligibleAt
		e.NextEligibleAt = &next
	}
	s.entities[ref] = e
	return e.FailureCount, nil
}

// ListStuck returns processing entities flagged before cutoff, oldest first.
func (s *EntityStore) ListStuck(_ context.Context, cutoff time.Time, limit int) ([]scheduler.Ref, error) {
	s.mu.RLock()
	var stuck []scheduler.Entity
	for _, e := range s.entities {
		if isStuck(e, cutoff) {
			stuck = append(stuck, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(stuck, func(i, j int) bool {
		a, b := stuck[i], stuck[j]
		if a.ProcessingSince == nil || b.ProcessingSince == nil {
			if a.ProcessingSince == nil && b.ProcessingSince != nil {
				return true
			}
			if a.ProcessingSince != nil && b.ProcessingSince == nil {
				return false
			}
		} else if !a.ProcessingSince.Equal(*b.ProcessingSince) {
			return a.ProcessingSince.Before(*b.ProcessingSince)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	refs := make([]scheduler.Ref, 0, len(stuck))
	for _, e := range stuck {
		refs = append(refs, e.Ref)
	}
	return refs, nil
}

// ResetProcessing clears the flag only if the entity is still stuck at cutoff.
func (s *EntityStore) ResetProcessing(_ context.Context, ref scheduler.Ref, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[ref]
	if !ok || !isStuck(e, cutoff) {
		return false, nil
	}
	e.Processing = false
	e.ProcessingSince = nil
	s.entities[ref] = e
	return true, nil
}

func isStuck(e scheduler.Entity, cutoff time.Time) bool {
	if !e.Processing {
		return false
	}
	return e.ProcessingSince == nil || e.ProcessingSince.Before(cutoff)
}

func clone(e scheduler.Entity) scheduler.Entity {
	e.LastRunAt = cloneTime(e.LastRunAt)
	e.NextEligibleAt = cloneTime(e.NextEligibleAt)
	e.ProcessingSince = cloneTime(e.ProcessingSince)
	e.LockoutUntil = cloneTime(e.LockoutUntil)
	e.Summary = maps.Clone(e.Summary)
	return e
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
