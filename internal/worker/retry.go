package worker

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

// Classify maps a runner error onto an outcome.
func Classify(err error) scheduler.Outcome {
	switch {
	case err == nil:
		return scheduler.OutcomeSuccess
	case errors.Is(err, scheduler.ErrNoData):
		return scheduler.OutcomeNoData
	case isTransient(err):
		return scheduler.OutcomeTransient
	default:
		return scheduler.OutcomeFatal
	}
}

func isTransient(err error) bool {
	var te *scheduler.TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, scheduler.ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryDelay is linear in the attempt number. A server-provided rate-limit
// hint wins when it is longer.
func RetryDelay(base time.Duration, attempt int, cause error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base * time.Duration(attempt+1)
	var rl *scheduler.RateLimitError
	if errors.As(cause, &rl) && rl.RetryAfter > delay {
		delay = rl.RetryAfter
	}
	return delay
}
