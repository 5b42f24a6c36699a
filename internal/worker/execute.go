package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/eligibility"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

// Skip reasons reported in ExecutionResult.Reason.
const (
	ReasonLockContention  = "lock_contention"
	ReasonLockUnavailable = "lock_unavailable"
	ReasonNotFound        = "not_found"
	ReasonLoadFailed      = "load_failed"
	ReasonMarkFailed      = "mark_failed"
)

// Execute runs one queue item through claim, re-validate, mark, run,
// persist and cleanup. It never returns a collaborator error; everything is
// folded into the result.
func (w *Worker) Execute(ctx context.Context, item scheduler.QueueItem) (result scheduler.ExecutionResult) {
	ref := item.Ref
	ctx, span := w.tracer.Start(ctx, "worker.execute", trace.WithAttributes(
		attribute.String("entity.kind", string(ref.Kind)),
		attribute.Int64("entity.id", ref.ID),
		attribute.String("trigger", string(item.Trigger)),
		attribute.Int("attempt", item.Attempt),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("outcome", string(result.Outcome)),
			attribute.String("reason", result.Reason),
		)
		if result.Outcome == scheduler.OutcomeFatal {
			span.SetStatus(codes.Error, result.Reason)
		}
		span.End()
		metrics.ObserveExecution(string(ref.Kind), string(result.Outcome))
	}()
	logger := w.logger.With(zap.String("entity", ref.Key()), zap.Int("attempt", item.Attempt))

	token, ok, err := w.locker.Acquire(ctx, ref.LockKey(), w.cfg.LockTTL())
	if err != nil {
		logger.Warn("lock acquire failed", zap.Error(err))
		return scheduler.Skipped(ReasonLockUnavailable)
	}
	if !ok {
		metrics.ObserveLockContention(string(ref.Kind))
		return scheduler.Skipped(ReasonLockContention)
	}
	defer w.releaseLock(ctx, ref, token)

	entity, err := w.store.Get(ctx, ref)
	if errors.Is(err, scheduler.ErrNotFound) {
		return scheduler.Skipped(ReasonNotFound)
	}
	if err != nil {
		logger.Error("load entity failed", zap.Error(err))
		return scheduler.Skipped(ReasonLoadFailed)
	}

	now := w.clock.Now()
	var decision eligibility.Decision
	switch item.Trigger {
	case scheduler.TriggerRetry:
		decision = eligibility.CheckRetry(entity, now)
	case scheduler.TriggerScheduled:
		decision = eligibility.CheckScheduled(entity, now)
	default:
		decision = eligibility.Check(entity, now)
	}
	if !decision.Eligible {
		return scheduler.Skipped(string(decision.Reason))
	}

	marked, err := w.store.MarkProcessing(ctx, ref, now)
	if err != nil {
		logger.Error("mark processing failed", zap.Error(err))
		return scheduler.Skipped(ReasonMarkFailed)
	}
	if !marked {
		return scheduler.Skipped(string(eligibility.ReasonProcessing))
	}
	defer w.clearProcessing(ctx, ref)

	started := w.clock.Now()
	out, runErr := w.run(ctx, entity)
	metrics.ObserveExecutionDuration(string(ref.Kind), w.clock.Now().Sub(started))

	if runErr == nil {
		uri, err := w.storeArtifact(ctx, entity, out)
		if err != nil {
			runErr = scheduler.MarkTransient(err)
		} else {
			return w.persistSuccess(ctx, logger, item, entity, out, uri)
		}
	}
	if runErr != nil {
		span.RecordError(runErr)
	}

	switch Classify(runErr) {
	case scheduler.OutcomeNoData:
		return w.persistNoData(ctx, logger, item, entity, runErr)
	case scheduler.OutcomeTransient:
		return w.persistTransient(ctx, logger, item, entity, runErr)
	default:
		return w.persistFatal(ctx, logger, item, entity, runErr)
	}
}

func (w *Worker) run(ctx context.Context, entity scheduler.Entity) (scheduler.RunOutput, error) {
	runner, ok := w.runners[entity.Kind]
	if !ok || runner == nil {
		return scheduler.RunOutput{}, fmt.Errorf("no runner registered for kind %s", entity.Kind)
	}
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.ExecutionTimeout)
	defer cancel()

	// Buffered so a runner that outlives the timeout can still send and exit.
	done := make(chan runResult, 1)
	go func() {
		var res runResult
		defer func() {
			if r := recover(); r != nil {
				res = runResult{err: fmt.Errorf("runner panic: %v", r)}
			}
			done <- res
		}()
		res.out, res.err = runner.Run(runCtx, entity)
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-runCtx.Done():
		// Late results are dropped; the lock TTL only covers ExecutionTimeout plus margin.
		return scheduler.RunOutput{}, fmt.Errorf("runner %s: %w", entity.Kind, runCtx.Err())
	}
}

type runResult struct {
	out scheduler.RunOutput
	err error
}

func (w *Worker) storeArtifact(ctx context.Context, entity scheduler.Entity, out scheduler.RunOutput) (string, error) {
	if len(out.Artifact) == 0 || w.blobStore == nil {
		return "", nil
	}
	contentType := out.ArtifactType
	if contentType == "" {
		contentType = "application/json"
	}
	uri, err := w.blobStore.PutObject(ctx, w.artifactPath(entity.Ref), contentType, out.Artifact)
	if err != nil {
		return "", fmt.Errorf("put artifact: %w", err)
	}
	return uri, nil
}

func (w *Worker) artifactPath(ref scheduler.Ref) string {
	name := fmt.Sprintf("%s/%d/%s.json", ref.Kind, ref.ID, w.clock.Now().UTC().Format("20060102T150405Z"))
	prefix := strings.Trim(w.cfg.ArtifactPrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (w *Worker) persistSuccess(
	ctx context.Context,
	logger *zap.Logger,
	item scheduler.QueueItem,
	entity scheduler.Entity,
	out scheduler.RunOutput,
	uri string,
) scheduler.ExecutionResult {
	now := w.clock.Now()
	err := w.store.RecordSuccess(ctx, entity.Ref, scheduler.SuccessRecord{
		RanAt:          now,
		NextEligibleAt: now.Add(entity.Policy.Every),
		Summary:        out.Summary,
		ArtifactURI:    uri,
	})
	if err != nil {
		logger.Error("record success failed", zap.Error(err))
		return scheduler.Fatal("persist: "+err.Error(), item.Attempt)
	}
	w.notify(ctx, "completed", entity.Ref, item.Attempt, "", uri)
	return scheduler.Success(item.Attempt)
}

func (w *Worker) persistNoData(
	ctx context.Context,
	logger *zap.Logger,
	item scheduler.QueueItem,
	entity scheduler.Entity,
	cause error,
) scheduler.ExecutionResult {
	now := w.clock.Now()
	lockout := now.Add(w.cfg.NoDataLockout)
	next := now.Add(entity.Policy.Every)
	if lockout.After(next) {
		next = lockout
	}
	reason := cause.Error()
	err := w.store.RecordNoData(ctx, entity.Ref, scheduler.NoDataRecord{
		RanAt:          now,
		LockoutUntil:   lockout,
		NextEligibleAt: next,
		Reason:         reason,
	})
	if err != nil {
		logger.Error("record no data failed", zap.Error(err))
		return scheduler.Fatal("persist: "+err.Error(), item.Attempt)
	}
	logger.Info("no data, locked out", zap.Time("lockout_until", lockout))
	w.notify(ctx, "no_data", entity.Ref, item.Attempt, reason, "")
	return scheduler.NoData(reason, item.Attempt)
}

func (w *Worker) persistTransient(
	ctx context.Context,
	logger *zap.Logger,
	item scheduler.QueueItem,
	entity scheduler.Entity,
	cause error,
) scheduler.ExecutionResult {
	now := w.clock.Now()
	reason := cause.Error()
	terminal := entity.FailureCount+1 >= w.cfg.MaxRetries
	count, err := w.store.RecordFailure(ctx, entity.Ref, w.failureRecord(entity, now, reason, terminal))
	if err != nil {
		logger.Error("record failure failed", zap.Error(err))
		return scheduler.Fatal("persist: "+err.Error(), item.Attempt)
	}
	if count >= w.cfg.MaxRetries {
		logger.Warn("retry ceiling reached", zap.Int("failure_count", count), zap.String("error", reason))
		w.notify(ctx, "failed", entity.Ref, item.Attempt, reason, "")
		return scheduler.Fatal(reason, item.Attempt)
	}

	retryAt := now.Add(RetryDelay(w.cfg.RetryBase, item.Attempt, cause))
	result := scheduler.Transient(reason, item.Attempt, retryAt)
	if w.requeuer == nil {
		result.Retry = false
		return result
	}
	if err := w.requeuer.EnqueueAt(ctx, entity.Ref, scheduler.TriggerRetry, item.Attempt+1, retryAt); err != nil {
		logger.Error("retry enqueue failed", zap.Error(err))
		result.Retry = false
		return result
	}
	logger.Info("retry scheduled", zap.Time("retry_at", retryAt), zap.Int("failure_count", count))
	return result
}

func (w *Worker) persistFatal(
	ctx context.Context,
	logger *zap.Logger,
	item scheduler.QueueItem,
	entity scheduler.Entity,
	cause error,
) scheduler.ExecutionResult {
	now := w.clock.Now()
	reason := cause.Error()
	if _, err := w.store.RecordFailure(ctx, entity.Ref, w.failureRecord(entity, now, reason, true)); err != nil {
		logger.Error("record failure failed", zap.Error(err))
		return scheduler.Fatal("persist: "+err.Error(), item.Attempt)
	}
	logger.Warn("execution failed", zap.String("error", reason))
	w.notify(ctx, "failed", entity.Ref, item.Attempt, reason, "")
	return scheduler.Fatal(reason, item.Attempt)
}

// failureRecord moves the anchor only for terminal attempts under a policy
// that anchors on attempts.
func (w *Worker) failureRecord(entity scheduler.Entity, now time.Time, reason string, terminal bool) scheduler.FailureRecord {
	rec := scheduler.FailureRecord{Error: reason}
	if !terminal || !entity.Policy.AnchorsOnAttempt() {
		return rec
	}
	entity.LastRunAt = &now
	rec.RanAt = &now
	rec.NextEligibleAt = eligibility.NextEligibleAt(entity)
	return rec
}

func (w *Worker) clearProcessing(ctx context.Context, ref scheduler.Ref) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := w.store.ClearProcessing(cleanupCtx, ref); err != nil {
		w.logger.Error("clear processing failed", zap.String("entity", ref.Key()), zap.Error(err))
	}
}

func (w *Worker) releaseLock(ctx context.Context, ref scheduler.Ref, token string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	released, err := w.locker.Release(cleanupCtx, ref.LockKey(), token)
	if err != nil {
		w.logger.Warn("lock release failed", zap.String("entity", ref.Key()), zap.Error(err))
		return
	}
	if !released {
		w.logger.Warn("lock expired before release", zap.String("entity", ref.Key()))
	}
}
