// Package scheduler defines core types shared across the scheduling subsystems.
package scheduler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntityKind identifies a trackable entity variant.
type EntityKind string

// Known entity kinds.
const (
	KindKeyword         EntityKind = "keyword"
	KindAuditPage       EntityKind = "audit_page"
	KindOnPageAudit     EntityKind = "onpage_audit"
	KindBacklinkProfile EntityKind = "backlink_profile"
)

// Kinds lists every entity kind in a stable order.
func Kinds() []EntityKind {
	return []EntityKind{KindKeyword, KindAuditPage, KindOnPageAudit, KindBacklinkProfile}
}

// ParseKind validates a kind name.
func ParseKind(s string) (EntityKind, error) {
	k := EntityKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Ref is the stable identity of an entity.
type Ref struct {
	Kind EntityKind `json:"kind"`
	ID   int64      `json:"id"`
}

// Key renders the ref as "kind:id".
func (r Ref) Key() string {
	return string(r.Kind) + ":" + strconv.FormatInt(r.ID, 10)
}

// LockKey is the Lock Manager key guarding the entity's execution state.
func (r Ref) LockKey() string {
	return "lock:" + r.Key()
}

// String implements fmt.Stringer.
func (r Ref) String() string {
	return r.Key()
}

// ParseRef parses the "kind:id" form produced by Key.
func ParseRef(s string) (Ref, error) {
	kindPart, idPart, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{}, fmt.Errorf("malformed entity ref %q", s)
	}
	kind, err := ParseKind(kindPart)
	if err != nil {
		return Ref{}, err
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("malformed entity id in %q: %w", s, err)
	}
	return Ref{Kind: kind, ID: id}, nil
}

// PolicyKind selects how the run interval is anchored.
type PolicyKind string

// Interval policy kinds.
const (
	// PolicyFixed re-runs every interval after the last attempt.
	PolicyFixed PolicyKind = "fixed"
	// PolicyRolling re-runs an interval after the last success.
	PolicyRolling PolicyKind = "rolling"
	// PolicyManualThrottle caps user-triggered runs to one per interval.
	// Periodic sweeps never select these entities.
	PolicyManualThrottle PolicyKind = "manual_throttle"
)

// IntervalPolicy is the minimum spacing between runs of one entity.
type IntervalPolicy struct {
	Kind  PolicyKind    `json:"kind" mapstructure:"kind"`
	Every time.Duration `json:"every" mapstructure:"every"`
}

// AnchorsOnAttempt reports whether a failed-but-terminal attempt advances LastRunAt.
// Rolling windows only count successful (or conclusively empty) runs.
func (p IntervalPolicy) AnchorsOnAttempt() bool {
	return p.Kind != PolicyRolling
}

// Scheduled reports whether periodic sweeps may pick the entity up.
func (p IntervalPolicy) Scheduled() bool {
	return p.Kind != PolicyManualThrottle
}

type intervalPolicyJSON struct {
	Kind  PolicyKind      `json:"kind"`
	Every json.RawMessage `json:"every"`
}

// MarshalJSON renders Every as a Go duration string such as "720h0m0s".
func (p IntervalPolicy) MarshalJSON() ([]byte, error) {
	every, err := json.Marshal(p.Every.String())
	if err != nil {
		return nil, err
	}
	return json.Marshal(intervalPolicyJSON{Kind: p.Kind, Every: every})
}

// UnmarshalJSON accepts Every as a duration string or as integer seconds.
func (p *IntervalPolicy) UnmarshalJSON(data []byte) error {
	var raw intervalPolicyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode interval policy: %w", err)
	}
	p.Kind = raw.Kind
	p.Every = 0
	if len(raw.Every) == 0 || string(raw.Every) == "null" {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw.Every, &text); err == nil {
		d, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("decode interval policy every: %w", err)
		}
		p.Every = d
		return nil
	}
	var secs int64
	if err := json.Unmarshal(raw.Every, &secs); err != nil {
		return fmt.Errorf("decode interval policy every: %w", err)
	}
	p.Every = time.Duration(secs) * time.Second
	return nil
}

// Validate checks the policy is usable.
func (p IntervalPolicy) Validate() error {
	switch p.Kind {
	case PolicyFixed, PolicyRolling, PolicyManualThrottle:
	default:
		return fmt.Errorf("unknown interval policy %q", p.Kind)
	}
	if p.Every <= 0 {
		return fmt.Errorf("interval policy %s must have a positive interval", p.Kind)
	}
	return nil
}

// Entity is the persisted execution state of one unit of recurring work.
type Entity struct {
	Ref
	Target          string         `json:"target"`
	Locale          string         `json:"locale,omitempty"`
	Policy          IntervalPolicy `json:"policy"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	NextEligibleAt  *time.Time     `json:"next_eligible_at,omitempty"`
	Processing      bool           `json:"processing"`
	ProcessingSince *time.Time     `json:"processing_since,omitempty"`
	FailureCount    int            `json:"failure_count"`
	LockoutUntil    *time.Time     `json:"lockout_until,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	Summary         map[string]any `json:"summary,omitempty"`
	ArtifactURI     string         `json:"artifact_uri,omitempty"`
}

// Trigger explains why a work item exists.
type Trigger string

// Trigger values.
const (
	TriggerCreated   Trigger = "created"
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerRetry     Trigger = "retry"
)

// QueueItem is a unit of dispatched work.
type QueueItem struct {
	ID         string    `json:"id"`
	Ref        Ref       `json:"ref"`
	Trigger    Trigger   `json:"trigger"`
	Queue      string    `json:"queue"`
	Priority   int       `json:"priority"`
	Attempt    int       `json:"attempt"`
	NotBefore  time.Time `json:"not_before,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is a dequeued item awaiting acknowledgement.
type Delivery struct {
	Item    QueueItem
	Receipt string
}

// RunOutput is what a Runner hands back on success.
type RunOutput struct {
	Summary      map[string]any
	Artifact     []byte
	ArtifactType string
}

// Outcome classifies a single execution.
type Outcome string

// Execution outcomes.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeTransient Outcome = "transient"
	OutcomeNoData    Outcome = "no_data"
	OutcomeFatal     Outcome = "fatal"
)

// ExecutionResult is the explicit result of one Worker Executor invocation.
type ExecutionResult struct {
	Outcome Outcome   `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	Attempt int       `json:"attempt"`
	Retry   bool      `json:"retry"`
	RetryAt time.Time `json:"retry_at,omitempty"`
}

// Success builds a success result.
func Success(attempt int) ExecutionResult {
	return ExecutionResult{Outcome: OutcomeSuccess, Attempt: attempt}
}

// Skipped builds a result for work that did not run.
func Skipped(reason string) ExecutionResult {
	return ExecutionResult{Outcome: OutcomeSkipped, Reason: reason}
}

// Transient builds a retryable failure result.
func Transient(reason string, attempt int, retryAt time.Time) ExecutionResult {
	return ExecutionResult{Outcome: OutcomeTransient, Reason: reason, Attempt: attempt, Retry: true, RetryAt: retryAt}
}

// NoData builds a result for a definitive empty answer.
func NoData(reason string, attempt int) ExecutionResult {
	return ExecutionResult{Outcome: OutcomeNoData, Reason: reason, Attempt: attempt}
}

// Fatal builds a non-retryable failure result.
func Fatal(reason string, attempt int) ExecutionResult {
	return ExecutionResult{Outcome: OutcomeFatal, Reason: reason, Attempt: attempt}
}
