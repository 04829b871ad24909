package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/retry"
	"meeting-jobcore/internal/store"
	"meeting-jobcore/internal/telemetry"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrNotRetryable = errors.New("job is not in a retryable status")
	// ErrNotClaimed means the job is no longer processing under the reported
	// attempt, typically because recovery or another worker moved it on.
	ErrNotClaimed = errors.New("job is not claimed by this attempt")
)

// Queue is the durable job table. All state transitions are single-row
// statements; time comes from the injected clock rather than the database.
type Queue struct {
	db                store.DBTX
	defaultMaxRetries int
	backoff           func(attempt int) time.Duration
	now               func() time.Time
}

// New builds a queue over db (a pool or a transaction).
func New(db store.DBTX, defaultMaxRetries int) *Queue {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = 5
	}
	return &Queue{
		db:                db,
		defaultMaxRetries: defaultMaxRetries,
		backoff:           retry.Exponential,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a copy of the queue that runs its statements in tx.
func (q *Queue) WithTx(tx pgx.Tx) *Queue {
	cp := *q
	cp.db = tx
	return &cp
}

// SetClock overrides the time source; tests only.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	Type           models.JobType
	IdempotencyKey string
	Payload        any
	MaxRetries     int
	// ScheduledFor defaults to now.
	ScheduledFor time.Time
}

// Enqueue inserts a job unless one with the same idempotency key already
// exists in any status. The boolean is false when the key was already queued,
// in which case the returned id is empty.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (string, bool, error) {
	if p.Type == "" {
		return "", false, errors.New("job type is required")
	}
	if p.IdempotencyKey == "" {
		return "", false, errors.New("idempotency key is required")
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = q.defaultMaxRetries
	}
	payload := p.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal payload: %w", err)
	}

	now := q.now()
	runAt := p.ScheduledFor
	if runAt.IsZero() {
		runAt = now
	}
	id := uuid.NewString()

	tag, err := q.db.Exec(ctx, `
		INSERT INTO jobs (id, job_type, idempotency_key, payload, status, attempt_count, max_retries, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, id, p.Type, p.IdempotencyKey, payloadJSON, models.StatusPending, p.MaxRetries, runAt.UTC(), now)
	if err != nil {
		return "", false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		telemetry.JobsDuplicate.WithLabelValues(string(p.Type)).Inc()
		return "", false, nil
	}
	// Counted at insert; an enclosing transaction that rolls back still counts.
	telemetry.JobsEnqueued.WithLabelValues(string(p.Type)).Inc()
	return id, true, nil
}

const jobColumns = `id, job_type, idempotency_key, payload, status, attempt_count, max_retries,
	scheduled_for, last_attempt_at, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		payload     []byte
		lastAttempt pgtype.Timestamptz
		lastErr     pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.Type, &job.IdempotencyKey, &payload, &job.Status, &job.AttemptCount,
		&job.MaxRetries, &job.ScheduledFor, &lastAttempt, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Payload = json.RawMessage(payload)
	job.LastAttemptAt = store.TimePtr(lastAttempt)
	job.LastError = store.TextPtr(lastErr)
	job.ScheduledFor = job.ScheduledFor.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

// Dequeue claims the oldest eligible job (pending or failed, due now),
// restricted to types when given. Concurrent callers never claim the same row.
// It returns nil when nothing is eligible.
func (q *Queue) Dequeue(ctx context.Context, types ...models.JobType) (*models.Job, error) {
	var typeFilter []string
	for _, t := range types {
		typeFilter = append(typeFilter, string(t))
	}
	now := q.now()
	row := q.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1, attempt_count = attempt_count + 1, last_attempt_at = $2, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE status IN ($3, $4)
			  AND scheduled_for <= $2
			  AND ($5::text[] IS NULL OR job_type = ANY($5::text[]))
			ORDER BY scheduled_for, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		models.StatusProcessing, now, models.StatusPending, models.StatusFailed, typeFilter)
	job, err := scanJob(row)
	if store.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// Complete marks a job completed. Completing an already completed job is a no-op.
func (q *Queue) Complete(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = NULL, updated_at = $3
		WHERE id = $1 AND status <> $4
	`, id, models.StatusCompleted, q.now(), models.StatusDeadLetter)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return q.ensureExists(ctx, id)
	}
	return nil
}

// Fail records a failed attempt. Permanent errors and attempt >= maxRetries
// dead-letter the job; anything else reschedules it as failed after the
// backoff (2^attempt minutes, or the delay carried by retry.After).
// It returns the status the job moved to.
func (q *Queue) Fail(ctx context.Context, id string, cause error, attempt, maxRetries int) (models.JobStatus, error) {
	now := q.now()
	decision := retry.Policy{MaxAttempts: maxRetries, Backoff: q.backoff}.Next(now, attempt, cause)
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	status := models.StatusFailed
	nextAt := decision.NextAt
	if decision.Terminal {
		status = models.StatusDeadLetter
		nextAt = now
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET status = $2, scheduled_for = $3, last_error = $4, updated_at = $5
		WHERE id = $1 AND status = $6 AND attempt_count = $7
	`, id, status, nextAt.UTC(), msg, now, models.StatusProcessing, attempt)
	if err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := q.ensureExists(ctx, id); err != nil {
			return "", err
		}
		return "", ErrNotClaimed
	}
	return status, nil
}

// Abandon hands back a claim whose attempt was interrupted by shutdown or
// lease loss. The job returns to pending, due now, and the interrupted attempt
// is not counted. It is fenced like Fail: ErrNotClaimed means recovery or
// another worker already moved the job on.
func (q *Queue) Abandon(ctx context.Context, id string, attempt int) error {
	now := q.now()
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempt_count = attempt_count - 1, scheduled_for = $3, updated_at = $3
		WHERE id = $1 AND status = $4 AND attempt_count = $5
	`, id, models.StatusPending, now, models.StatusProcessing, attempt)
	if err != nil {
		return fmt.Errorf("abandon job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := q.ensureExists(ctx, id); err != nil {
			return err
		}
		return ErrNotClaimed
	}
	return nil
}

// RecoverStuck returns jobs left processing longer than staleThreshold to
// failed with scheduled_for = now. Jobs that are not stale are untouched, so
// repeated calls never reschedule the same job twice.
func (q *Queue) RecoverStuck(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	now := q.now()
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET status = $1, scheduled_for = $2, updated_at = $2,
			last_error = COALESCE(last_error, 'recovered: worker stopped while processing')
		WHERE status = $3 AND last_attempt_at < $4
	`, models.StatusFailed, now, models.StatusProcessing, now.Add(-staleThreshold))
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupCompleted deletes completed jobs last updated before the retention window.
func (q *Queue) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM jobs WHERE status = $1 AND updated_at < $2
	`, models.StatusCompleted, q.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup completed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats counts jobs per status.
func (q *Queue) Stats(ctx context.Context) (models.Stats, error) {
	rows, err := q.db.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return models.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var stats models.Stats
	for rows.Next() {
		var (
			status models.JobStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return models.Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case models.StatusPending:
			stats.Pending = n
		case models.StatusProcessing:
			stats.Processing = n
		case models.StatusCompleted:
			stats.Completed = n
		case models.StatusFailed:
			stats.Failed = n
		case models.StatusDeadLetter:
			stats.DeadLetter = n
		}
	}
	return stats, rows.Err()
}

// Retry re-admits a failed or dead-lettered job with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	now := q.now()
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempt_count = 0, scheduled_for = $3, last_error = NULL, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.StatusPending, now, models.StatusFailed, models.StatusDeadLetter)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := q.ensureExists(ctx, id); err != nil {
			return err
		}
		return ErrNotRetryable
	}
	return nil
}

// Get fetches a job by id.
func (q *Queue) Get(ctx context.Context, id string) (models.Job, error) {
	return q.getBy(ctx, "id", id)
}

// GetByKey fetches a job by its idempotency key.
func (q *Queue) GetByKey(ctx context.Context, key string) (models.Job, error) {
	return q.getBy(ctx, "idempotency_key", key)
}

func (q *Queue) getBy(ctx context.Context, column, value string) (models.Job, error) {
	row := q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+column+` = $1`, value)
	job, err := scanJob(row)
	if store.IsNoRows(err) {
		return models.Job{}, fmt.Errorf("%s %s: %w", column, value, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (q *Queue) ensureExists(ctx context.Context, id string) error {
	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}
