package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

const notifyTimeout = 10 * time.Second

// Notification is the payload published when an execution settles.
type Notification struct {
	Event       string               `json:"event"`
	Kind        scheduler.EntityKind `json:"kind"`
	ID          int64                `json:"id"`
	Attempt     int                  `json:"attempt"`
	Reason      string               `json:"reason,omitempty"`
	ArtifactURI string               `json:"artifact_uri,omitempty"`
	At          time.Time            `json:"at"`
}

// notify publishes in the background; the caller never waits on it and a
// publish failure only logs.
func (w *Worker) notify(ctx context.Context, event string, ref scheduler.Ref, attempt int, reason, uri string) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	payload := Notification{
		Event:       event,
		Kind:        ref.Kind,
		ID:          ref.ID,
		Attempt:     attempt,
		Reason:      reason,
		ArtifactURI: uri,
		At:          w.clock.Now(),
	}
	pubCtx := context.WithoutCancel(ctx)
	w.notifications.Add(1)
	go func() {
		defer w.notifications.Done()
		c, cancel := context.WithTimeout(pubCtx, notifyTimeout)
		defer cancel()
		if _, err := w.publisher.Publish(c, w.cfg.Topic, payload); err != nil {
			w.logger.Warn("notification publish failed",
				zap.String("entity", ref.Key()),
				zap.String("event", event),
				zap.Error(err),
			)
		}
	}()
}

// WaitNotifications blocks until background publishes finish.
func (w *Worker) WaitNotifications() {
	w.notifications.Wait()
}
