package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
)

// JobStore is the durable queue shared by every process. Claim exclusivity
// comes from row locks, never from in-process state.
type JobStore interface {
	Enqueue(ctx context.Context, job *domain.Job) error
	// Claim moves the oldest due pending job of queue to active and
	// increments its attempt counter. Returns (nil, nil) when nothing is due.
	Claim(ctx context.Context, queue, workerID string) (*domain.Job, error)
	// Complete, Retry and Fail only touch the claim identified by attempt;
	// once a lease is reclaimed and the job claimed again, writes for the
	// earlier attempt return *domain.JobNotFoundError.
	Complete(ctx context.Context, id string, attempt int, result []byte) error
	Retry(ctx context.Context, id string, attempt int, runAt time.Time, lastErr string) error
	Fail(ctx context.Context, id string, attempt int, lastErr string) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	ReclaimExpired(ctx context.Context, lease time.Duration) (int64, error)
	PurgeFinished(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error)
	CountByStatus(ctx context.Context, queue string) (map[domain.Status]int64, error)
}

type jobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore wraps a pgxpool with the JobStore interface.
func NewJobStore(pool *pgxpool.Pool) JobStore {
	return &jobStore{pool: pool}
}

const jobColumns = `id, queue, tenant_id, payload, status, attempts, max_attempts, run_at,
	claimed_by, claimed_at, last_error, result, created_at, updated_at, completed_at`

func (s *jobStore) Enqueue(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.Status = domain.StatusPending
	job.CreatedAt, job.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs
			(id, queue, tenant_id, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, 0, $6, $7, $8, $9)
	`,
		job.ID, job.Queue, job.TenantID, job.Payload, string(job.Status),
		job.MaxAttempts, job.RunAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue job on %s: %w", job.Queue, err)
	}
	return nil
}

func (s *jobStore) Claim(ctx context.Context, queue, workerID string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'active', attempts = attempts + 1,
		    claimed_by = $2, claimed_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1 AND status = 'pending' AND run_at <= NOW()
			ORDER BY run_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, queue, workerID)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job on %s: %w", queue, err)
	}
	return job, nil
}

func (s *jobStore) Complete(ctx context.Context, id string, attempt int, result []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', result = $3, last_error = NULL,
		    updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND attempts = $2 AND status = 'active'
	`, id, attempt, nullJSON(result))
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.JobNotFoundError{JobID: id}
	}
	return nil
}

func (s *jobStore) Retry(ctx context.Context, id string, attempt int, runAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', run_at = $3, last_error = $4,
		    claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND attempts = $2 AND status = 'active'
	`, id, attempt, runAt.UTC(), lastErr)
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.JobNotFoundError{JobID: id}
	}
	return nil
}

func (s *jobStore) Fail(ctx context.Context, id string, attempt int, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', last_error = $3, updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND attempts = $2 AND status = 'active'
	`, id, attempt, lastErr)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.JobNotFoundError{JobID: id}
	}
	return nil
}

func (s *jobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.JobNotFoundError{JobID: id}
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ReclaimExpired returns active jobs whose claim is older than lease to
// pending, or to failed once their attempts are used up. The claiming
// process is presumed dead.
func (s *jobStore) ReclaimExpired(ctx context.Context, lease time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-lease)
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status       = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN NOW() ELSE NULL END,
		    last_error   = 'lease expired',
		    run_at       = NOW(),
		    claimed_by   = NULL,
		    claimed_at   = NULL,
		    updated_at   = NOW()
		WHERE status = 'active' AND claimed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *jobStore) PurgeFinished(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE (status = 'completed' AND completed_at < $1)
		   OR (status = 'failed'    AND completed_at < $2)
	`, completedBefore.UTC(), failedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *jobStore) CountByStatus(ctx context.Context, queue string) (map[domain.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE queue = $1 GROUP BY status
	`, queue)
	if err != nil {
		return nil, fmt.Errorf("count jobs on %s: %w", queue, err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

// scanJob reads a job row from any pgx row type.
func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job       domain.Job
		status    string
		claimedBy *string
		lastError *string
	)
	err := row.Scan(
		&job.ID, &job.Queue, &job.TenantID, &job.Payload, &status,
		&job.Attempts, &job.MaxAttempts, &job.RunAt,
		&claimedBy, &job.ClaimedAt, &lastError, &job.Result,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.Status(status)
	if claimedBy != nil {
		job.ClaimedBy = *claimedBy
	}
	if lastError != nil {
		job.LastError = *lastError
	}
	return &job, nil
}

// nullJSON maps an empty handler result to SQL NULL.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
