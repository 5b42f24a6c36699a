package scheduler

import (
	"context"
	"time"
)

// EntityStore persists entity execution state. Every mutation is a
// conditional update keyed by the entity ref.
type EntityStore interface {
	Get(ctx context.Context, ref Ref) (Entity, error)
	Upsert(ctx context.Context, entity Entity) error
	// SelectEligible is the indexed fast path: oldest LastRunAt first, nulls first.
	SelectEligible(ctx context.Context, kind EntityKind, now time.Time, limit int) ([]Ref, error)
	// MarkProcessing flips processing false->true; false means it was already set.
	MarkProcessing(ctx context.Context, ref Ref, now time.Time) (bool, error)
	// ClearProcessing flips processing to false. A missing row is not an error.
	ClearProcessing(ctx context.Context, ref Ref) error
	RecordSuccess(ctx context.Context, ref Ref, rec SuccessRecord) error
	RecordNoData(ctx context.Context, ref Ref, rec NoDataRecord) error
	// RecordFailure increments failure_count atomically and returns the new value.
	RecordFailure(ctx context.Context, ref Ref, rec FailureRecord) (int, error)
	// ListStuck returns entities marked processing since before cutoff.
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]Ref, error)
	// ResetProcessing clears a stuck flag only if it is still stuck at cutoff.
	ResetProcessing(ctx context.Context, ref Ref, cutoff time.Time) (bool, error)
}

// SuccessRecord is persisted after a successful run.
type SuccessRecord struct {
	RanAt          time.Time
	NextEligibleAt time.Time
	Summary        map[string]any
	ArtifactURI    string
}

// NoDataRecord is persisted when a collaborator reports no data.
type NoDataRecord struct {
	RanAt          time.Time
	LockoutUntil   time.Time
	NextEligibleAt time.Time
	Reason         string
}

// FailureRecord is persisted for transient and fatal failures.
// RanAt is nil when the attempt must not move the interval anchor.
type FailureRecord struct {
	RanAt          *time.Time
	NextEligibleAt *time.Time
	Error          string
}

// Locker provides distributed mutual exclusion with TTL auto-expiry.
type Locker interface {
	// Acquire returns ok=false on contention. On store failure it returns
	// ok=false and an error; it never grants access it cannot confirm.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release deletes the key only when token still owns it.
	Release(ctx context.Context, key, token string) (bool, error)
	IsHeld(ctx context.Context, key string) (bool, error)
	// ForceRelease drops the key regardless of owner.
	ForceRelease(ctx context.Context, key string) error
}

// Queue provides priority dispatch with late acknowledgement.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	// Dequeue blocks until an item is ready; the item stays in flight until Ack.
	Dequeue(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Nack returns the item to pending immediately.
	Nack(ctx context.Context, d Delivery) error
	// Reclaim makes items whose visibility deadline passed redeliverable.
	Reclaim(ctx context.Context, now time.Time) (int, error)
}

// Runner performs the external work for one entity kind.
type Runner interface {
	Run(ctx context.Context, entity Entity) (RunOutput, error)
}

// BlobStore writes large artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique IDs.
type IDGenerator interface {
	NewID() (string, error)
}
