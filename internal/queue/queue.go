package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
	"github.com/ramiqadoumi/tenantflow/pkg/telemetry"
)

// Queue is one named queue: an enqueue handle plus a consumer loop.
type Queue struct {
	def          Definition
	store        Store
	tenants      TenantResolver
	dlq          DeadLetters
	workerID     string
	pollInterval time.Duration
	storeTimeout time.Duration
	logger       *slog.Logger

	sem     *semaphore.Weighted
	wake    chan struct{}
	started atomic.Bool
	active  atomic.Int64
	wg      sync.WaitGroup
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.def.Name }

// Concurrency returns the per-process limit of simultaneously active jobs.
func (q *Queue) Concurrency() int { return q.def.Concurrency }

// Active returns the number of jobs this process is executing right now.
func (q *Queue) Active() int64 { return q.active.Load() }

// Processing reports whether Process has been called.
func (q *Queue) Processing() bool { return q.started.Load() }

// Enqueue durably inserts a job and returns its ID without waiting for it
// to run.
func (q *Queue) Enqueue(ctx context.Context, tenantID string, payload []byte) (string, error) {
	job := &domain.Job{
		Queue:       q.def.Name,
		TenantID:    tenantID,
		Payload:     payload,
		MaxAttempts: q.def.Policy.MaxAttempts,
	}
	if err := q.store.Enqueue(ctx, job); err != nil {
		return "", err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job.ID, nil
}

// Process starts the consumer loop, which runs until ctx is cancelled.
// Calling it again returns domain.ErrAlreadyProcessing.
func (q *Queue) Process(ctx context.Context) error {
	if !q.started.CompareAndSwap(false, true) {
		return domain.ErrAlreadyProcessing
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.loop(ctx)
	}()
	q.logger.Info("queue processing",
		slog.Int("concurrency", q.def.Concurrency),
		slog.Int("max_attempts", q.def.Policy.MaxAttempts),
		slog.Duration("timeout", q.def.Timeout),
	)
	return nil
}

// Wait blocks until the loop has exited and in-flight jobs have finished.
// Call after cancelling the context given to Process.
func (q *Queue) Wait() { q.wg.Wait() }

// loop holds a concurrency slot before every claim, so the number of jobs
// this process has claimed never exceeds the queue's limit.
func (q *Queue) loop(ctx context.Context) {
	for {
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return
		}

		job, err := q.store.Claim(ctx, q.def.Name, q.workerID)
		if err != nil || job == nil {
			q.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				q.logger.Error("claim failed", slog.String("error", err.Error()))
			}
			if !q.idle(ctx) {
				return
			}
			continue
		}

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer q.sem.Release(1)
			q.execute(job)
		}()
	}
}

func (q *Queue) idle(ctx context.Context) bool {
	t := time.NewTimer(q.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-q.wake:
		return true
	case <-t.C:
		return true
	}
}

// execute runs one claimed job on a context detached from the consumer so
// shutdown lets it finish; only the job timeout bounds it.
func (q *Queue) execute(job *domain.Job) {
	ctx, span := otel.Tracer("queue").Start(context.Background(), "queue.process_job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.queue", job.Queue),
		attribute.String("tenant.id", job.TenantID),
		attribute.Int("job.attempt", job.Attempts),
	)

	log := q.logger.With(
		slog.String("job_id", job.ID),
		slog.String("tenant_id", job.TenantID),
		slog.Int("attempt", job.Attempts),
	)

	q.active.Add(1)
	telemetry.QueueJobsInFlight.WithLabelValues(q.def.Name).Inc()
	defer func() {
		telemetry.QueueJobsInFlight.WithLabelValues(q.def.Name).Dec()
		q.active.Add(-1)
	}()

	tenant, err := q.tenants.Lookup(job.TenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tenant not resolved")
		q.fail(ctx, log, job, domain.Permanent(err))
		return
	}

	start := time.Now()
	execCtx, cancel := context.WithTimeout(trace.ContextWithSpan(context.Background(), span), q.def.Timeout)
	result, err := q.def.Handler.Handle(execCtx, job, tenant)
	cancel()
	took := time.Since(start)
	telemetry.QueueJobDurationSeconds.WithLabelValues(q.def.Name).Observe(took.Seconds())

	switch {
	case err == nil:
		q.complete(ctx, log, job, result, took)
	case domain.IsPermanent(err):
		span.RecordError(err)
		span.SetStatus(codes.Error, "permanent failure")
		q.fail(ctx, log, job, err)
	case job.Exhausted():
		span.RecordError(err)
		span.SetStatus(codes.Error, "attempts exhausted")
		q.fail(ctx, log, job, fmt.Errorf("attempts exhausted (%d/%d): %w", job.Attempts, job.MaxAttempts, err))
	default:
		span.RecordError(err)
		q.retry(ctx, log, job, err)
	}
}

func (q *Queue) complete(ctx context.Context, log *slog.Logger, job *domain.Job, result []byte, took time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()
	if err := q.store.Complete(ctx, job.ID, job.Attempts, result); err != nil {
		q.storeFailed(log, "failed to mark job completed", err)
		return
	}
	telemetry.QueueJobsProcessed.WithLabelValues(q.def.Name, string(domain.StatusCompleted)).Inc()
	log.Info("job completed", slog.Int64("duration_ms", took.Milliseconds()))
}

func (q *Queue) retry(ctx context.Context, log *slog.Logger, job *domain.Job, cause error) {
	ctx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()

	wait := q.def.Policy.Delay(job.Attempts)
	if err := q.store.Retry(ctx, job.ID, job.Attempts, time.Now().Add(wait), cause.Error()); err != nil {
		q.storeFailed(log, "failed to reschedule job", err)
		return
	}
	telemetry.QueueRetries.WithLabelValues(q.def.Name).Inc()
	telemetry.QueueJobsProcessed.WithLabelValues(q.def.Name, "retried").Inc()
	log.Warn("job attempt failed, retrying",
		slog.Duration("backoff", wait),
		slog.String("error", cause.Error()),
	)
}

func (q *Queue) fail(ctx context.Context, log *slog.Logger, job *domain.Job, cause error) {
	storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()
	if err := q.store.Fail(storeCtx, job.ID, job.Attempts, cause.Error()); err != nil {
		q.storeFailed(log, "failed to mark job failed", err)
		return
	}
	telemetry.QueueJobsProcessed.WithLabelValues(q.def.Name, string(domain.StatusFailed)).Inc()
	log.Error("job failed permanently", slog.String("error", cause.Error()))

	if q.dlq == nil {
		return
	}
	if err := q.dlq.PublishFailed(storeCtx, job, cause); err != nil {
		log.Error("failed to publish to DLQ", slog.String("error", err.Error()))
		return
	}
	telemetry.QueueDLQ.WithLabelValues(q.def.Name).Inc()
}

// storeFailed logs a state write that did not land. JobNotFoundError means
// the lease was reclaimed and a newer claim owns the job, so this outcome is
// dropped. Any other failure leaves the job active for the lease reclaimer.
func (q *Queue) storeFailed(log *slog.Logger, msg string, err error) {
	var superseded *domain.JobNotFoundError
	if errors.As(err, &superseded) {
		telemetry.QueueJobsProcessed.WithLabelValues(q.def.Name, "superseded").Inc()
		log.Warn("job claim superseded, outcome dropped", slog.String("write", msg))
		return
	}
	log.Error(msg, slog.String("error", err.Error()))
}
