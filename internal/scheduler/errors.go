package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrNoData means a collaborator conclusively found nothing for the target.
	ErrNoData = errors.New("no data found")
	// ErrRateLimited means a collaborator asked us to slow down.
	ErrRateLimited = errors.New("rate limited")
	// ErrLockUnavailable means the lock store could not be reached.
	ErrLockUnavailable = errors.New("lock store unavailable")
	// ErrQueueClosed is returned by queues after Close.
	ErrQueueClosed = errors.New("queue closed")
)

// RateLimitError carries an optional server-provided retry hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Source     string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Source, e.RetryAfter)
	}
	return e.Source + ": rate limited"
}

// Unwrap lets errors.Is match ErrRateLimited.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// TransientError marks a collaborator failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// MarkTransient wraps err so the executor retries it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}
