package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/eligibility"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

// Trigger outcomes reported to callers.
const (
	OutcomeAccepted    = "accepted"
	OutcomeRateLimited = "rate_limited"
	OutcomeFailed      = "failed"
)

// TriggerResponse is the body of every trigger endpoint.
type TriggerResponse struct {
	Outcome           string `json:"outcome"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

type entityResponse struct {
	Entity      scheduler.Entity `json:"entity"`
	Eligible    bool             `json:"eligible"`
	Reason      string           `json:"reason"`
	EligibleAt  *time.Time       `json:"eligible_at,omitempty"`
	RetryAfterS int64            `json:"retry_after_seconds,omitempty"`
}

type createdRequest struct {
	Target string                    `json:"target"`
	Locale string                    `json:"locale"`
	Policy *scheduler.IntervalPolicy `json:"policy"`
}

func parseRef(r *http.Request) (scheduler.Ref, error) {
	kind, err := scheduler.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		return scheduler.Ref{}, err
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return scheduler.Ref{}, fmt.Errorf("invalid entity id %q", chi.URLParam(r, "id"))
	}
	return scheduler.Ref{Kind: kind, ID: id}, nil
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	ref, err := parseRef(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entity, err := s.store.Get(r.Context(), ref)
	if errors.Is(err, scheduler.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	if err != nil {
		s.logger.Error("load entity failed", zap.Stringer("ref", ref), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load entity")
		return
	}
	now := s.clock.Now()
	decision := eligibility.Check(entity, now)
	resp := entityResponse{
		Entity:      entity,
		Eligible:    decision.Eligible,
		Reason:      string(decision.Reason),
		RetryAfterS: retrySeconds(decision.RetryAfter(now)),
	}
	if !decision.EligibleAt.IsZero() {
		at := decision.EligibleAt
		resp.EligibleAt = &at
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// entityCreated registers (or refreshes) an entity and enqueues its first run
// at onboarding priority. The body is optional for already-known entities.
func (s *Server) entityCreated(w http.ResponseWriter, r *http.Request) {
	ref, err := parseRef(r)
	if err != nil {
		s.writeTrigger(w, http.StatusBadRequest, TriggerResponse{Outcome: OutcomeFailed, Reason: err.Error()})
		return
	}
	var req createdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeTrigger(w, http.StatusBadRequest, TriggerResponse{Outcome: OutcomeFailed, Reason: "invalid JSON"})
		return
	}

	if req.Target != "" {
		policy, ok := s.cfg.Policies[ref.Kind]
		if req.Policy != nil {
			policy, ok = *req.Policy, true
		}
		if !ok {
			s.writeTrigger(w, http.StatusBadRequest, TriggerResponse{Outcome: OutcomeFailed, Reason: "no interval policy for " + string(ref.Kind)})
			return
		}
		entity := scheduler.Entity{Ref: ref, Target: req.Target, Locale: req.Locale, Policy: policy}
		if err := s.store.Upsert(r.Context(), entity); err != nil {
			s.writeTrigger(w, http.StatusBadRequest, TriggerResponse{Outcome: OutcomeFailed, Reason: err.Error()})
			return
		}
	} else if _, err := s.store.Get(r.Context(), ref); err != nil {
		s.writeLoadError(w, ref, err)
		return
	}

	s.enqueue(w, r, ref, scheduler.TriggerCreated)
}

// manualRun enqueues a user-triggered run unless the entity's policy throttles it.
func (s *Server) manualRun(w http.ResponseWriter, r *http.Request) {
	ref, err := parseRef(r)
	if err != nil {
		s.writeTrigger(w, http.StatusBadRequest, TriggerResponse{Outcome: OutcomeFailed, Reason: err.Error()})
		return
	}
	entity, err := s.store.Get(r.Context(), ref)
	if err != nil {
		s.writeLoadError(w, ref, err)
		return
	}

	now := s.clock.Now()
	if decision := eligibility.Check(entity, now); !decision.Eligible {
		wait := retrySeconds(decision.RetryAfter(now))
		if wait > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(wait, 10))
		}
		s.writeTrigger(w, http.StatusTooManyRequests, TriggerResponse{
			Outcome:           OutcomeRateLimited,
			RetryAfterSeconds: wait,
			Reason:            string(decision.Reason),
		})
		return
	}

	s.enqueue(w, r, ref, scheduler.TriggerManual)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, ref scheduler.Ref, trigger scheduler.Trigger) {
	if err := s.enqueuer.Enqueue(r.Context(), ref, trigger); err != nil {
		s.logger.Error("enqueue failed", zap.Stringer("ref", ref), zap.String("trigger", string(trigger)), zap.Error(err))
		s.writeTrigger(w, http.StatusInternalServerError, TriggerResponse{Outcome: OutcomeFailed, Reason: "enqueue failed"})
		return
	}
	s.writeTrigger(w, http.StatusAccepted, TriggerResponse{Outcome: OutcomeAccepted})
}

func (s *Server) writeLoadError(w http.ResponseWriter, ref scheduler.Ref, err error) {
	if errors.Is(err, scheduler.ErrNotFound) {
		s.writeTrigger(w, http.StatusNotFound, TriggerResponse{Outcome: OutcomeFailed, Reason: "entity not found"})
		return
	}
	s.logger.Error("load entity failed", zap.Stringer("ref", ref), zap.Error(err))
	s.writeTrigger(w, http.StatusInternalServerError, TriggerResponse{Outcome: OutcomeFailed, Reason: "failed to load entity"})
}

func (s *Server) writeTrigger(w http.ResponseWriter, status int, resp TriggerResponse) {
	s.writeJSON(w, status, resp)
}

// retrySeconds rounds up so callers never retry early.
func retrySeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
