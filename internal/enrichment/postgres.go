package enrichment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/queue"
	"meeting-jobcore/internal/store"
)

// PgStore keeps meeting state and its jobs in step: every transition that
// also enqueues work does so in the same transaction.
type PgStore struct {
	*store.Meetings
	db    store.DBTX
	queue *queue.Queue
}

func NewPgStore(db store.DBTX, q *queue.Queue) *PgStore {
	return &PgStore{Meetings: store.NewMeetings(db), db: db, queue: q}
}

// SetClock overrides the time source of the meeting and job writes; tests only.
func (s *PgStore) SetClock(now func() time.Time) {
	s.Meetings.SetClock(now)
	s.queue.SetClock(now)
}

func (s *PgStore) Start(ctx context.Context, meetingID string, maxAttempts int) (string, bool, error) {
	var (
		jobID   string
		created bool
	)
	err := store.InTx(ctx, s.db, func(tx pgx.Tx) error {
		meetings := s.Meetings.WithTx(tx)
		q := s.queue.WithTx(tx)

		moved, err := meetings.MarkEnriching(ctx, meetingID)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("meeting %s: %w", meetingID, ErrAlreadyEnriched)
		}

		key := models.EnrichKey(meetingID)
		jobID, created, err = q.Enqueue(ctx, queue.EnqueueParams{
			Type:           models.JobEnrichMeeting,
			IdempotencyKey: key,
			Payload:        models.MeetingPayload{MeetingID: meetingID},
			MaxRetries:     maxAttempts,
		})
		if err != nil || created {
			return err
		}

		existing, err := q.GetByKey(ctx, key)
		if err != nil {
			return err
		}
		jobID = existing.ID
		// A re-trigger after terminal failure re-admits the dead-lettered job.
		if existing.Status == models.StatusDeadLetter {
			if err := q.Retry(ctx, existing.ID); err != nil {
				return err
			}
			created = true
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return jobID, created, nil
}

func (s *PgStore) Complete(ctx context.Context, task models.EnrichmentTask, artifacts models.Artifacts) error {
	return store.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := s.Meetings.WithTx(tx).SaveEnrichment(ctx, task.MeetingID, task.Attempt, artifacts); err != nil {
			return err
		}
		_, _, err := s.queue.WithTx(tx).Enqueue(ctx, queue.EnqueueParams{
			Type:           models.JobGenerateMinutes,
			IdempotencyKey: models.MinutesKey(task.MeetingID),
			Payload:        models.MeetingPayload{MeetingID: task.MeetingID},
		})
		return err
	})
}

// ReconcileOutcome reports what Reconcile did for one meeting.
type ReconcileOutcome int

const (
	ReconcileNoop ReconcileOutcome = iota
	ReconcileEnqueued
	ReconcileFailed
)

// Reconcile makes sure a meeting that is due for enrichment has a live job.
// A missing job is enqueued; a dead-lettered one means the budget is spent,
// so the meeting is failed rather than the job revived.
func (s *PgStore) Reconcile(ctx context.Context, task models.EnrichmentTask, maxAttempts int) (ReconcileOutcome, error) {
	key := models.EnrichKey(task.MeetingID)
	job, err := s.queue.GetByKey(ctx, key)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		_, created, err := s.queue.Enqueue(ctx, queue.EnqueueParams{
			Type:           models.JobEnrichMeeting,
			IdempotencyKey: key,
			Payload:        models.MeetingPayload{MeetingID: task.MeetingID},
			MaxRetries:     maxAttempts,
		})
		if err != nil || !created {
			return ReconcileNoop, err
		}
		return ReconcileEnqueued, nil
	case err != nil:
		return ReconcileNoop, err
	}

	if job.Status != models.StatusDeadLetter {
		return ReconcileNoop, nil
	}
	reason := "enrichment job dead-lettered"
	if job.LastError != nil {
		reason = *job.LastError
	}
	attempt := task.Attempt - 1
	if job.AttemptCount > attempt {
		attempt = job.AttemptCount
	}
	if err := s.Meetings.MarkEnrichmentFailed(ctx, task.MeetingID, attempt, reason); err != nil {
		return ReconcileNoop, err
	}
	return ReconcileFailed, nil
}
