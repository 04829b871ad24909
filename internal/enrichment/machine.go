// Package enrichment drives the multi-attempt fetch of post-meeting artifacts.
//
// A meeting moves pending -> enriching -> enriched | failed. It is marked
// enriching before any external call, every retry persists its due time on the
// meeting row, and after the attempt budget is spent the meeting is failed.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/retry"
	"meeting-jobcore/internal/store"
)

var (
	ErrAlreadyEnriched  = errors.New("meeting already enriched")
	ErrEnrichmentFailed = errors.New("meeting enrichment already failed")
)

// Store is the durable state the machine reads and writes.
type Store interface {
	GetMeeting(ctx context.Context, id string) (models.Meeting, error)
	MarkEnriching(ctx context.Context, id string) (bool, error)
	RecordEnrichmentRetry(ctx context.Context, id string, attempt int, retryAt time.Time, reason string) error
	MarkEnrichmentFailed(ctx context.Context, id string, attempt int, reason string) error
	// Start marks the meeting enriching and enqueues its enrich_meeting job in
	// one transaction.
	Start(ctx context.Context, meetingID string, maxAttempts int) (jobID string, created bool, err error)
	// Complete persists artifacts and enqueues generate_minutes in one transaction.
	Complete(ctx context.Context, task models.EnrichmentTask, artifacts models.Artifacts) error
}

// Machine runs enrichment attempts.
type Machine struct {
	store       Store
	source      ArtifactSource
	ladder      retry.Ladder
	maxAttempts int
	logger      zerolog.Logger
	now         func() time.Time
}

func NewMachine(st Store, source ArtifactSource, ladder []time.Duration, maxAttempts int, logger zerolog.Logger) *Machine {
	if len(ladder) == 0 {
		ladder = []time.Duration{5 * time.Minute, 15 * time.Minute, 45 * time.Minute}
	}
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	return &Machine{
		store:       st,
		source:      source,
		ladder:      retry.Ladder(ladder),
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "enrichment").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source; tests only.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// MaxAttempts is the attempt budget; enrich_meeting jobs are enqueued with it.
func (m *Machine) MaxAttempts() int { return m.maxAttempts }

// Trigger starts enrichment for a meeting: the meeting is durably marked
// enriching and the job is enqueued before any external call. Triggering a
// meeting that is already in flight is a no-op.
func (m *Machine) Trigger(ctx context.Context, meetingID string) (string, bool, error) {
	jobID, created, err := m.store.Start(ctx, meetingID, m.maxAttempts)
	if err != nil {
		return "", false, err
	}
	m.logger.Info().Str("meeting_id", meetingID).Str("job_id", jobID).Bool("created", created).Msg("enrichment triggered")
	return jobID, created, nil
}

// Run performs one attempt. The returned error drives the queue: nil completes
// the job, retry.After carries the ladder delay, and a permanent error
// dead-letters it once the meeting has been marked failed.
func (m *Machine) Run(ctx context.Context, task models.EnrichmentTask) error {
	meeting, err := m.store.GetMeeting(ctx, task.MeetingID)
	if errors.Is(err, store.ErrNotFound) {
		return retry.MarkPermanent(err)
	}
	if err != nil {
		return err
	}

	switch meeting.EnrichmentStatus {
	case models.EnrichmentEnriched:
		return nil
	case models.EnrichmentFailed:
		return retry.MarkPermanent(fmt.Errorf("meeting %s: %w", meeting.ID, ErrEnrichmentFailed))
	case models.EnrichmentPending:
		if _, err := m.store.MarkEnriching(ctx, meeting.ID); err != nil {
			return err
		}
	}

	attempt := task.Attempt
	if next := meeting.EnrichmentAttempts + 1; next > attempt {
		attempt = next
	}
	if task.ExternalMeetingRef == "" {
		task.ExternalMeetingRef = meeting.ExternalMeetingRef
	}
	task.Attempt = attempt
	log := m.logger.With().Str("meeting_id", meeting.ID).Int("attempt", attempt).Logger()

	artifacts, fetchErr := m.source.Fetch(ctx, task.ExternalMeetingRef)
	if fetchErr != nil && errors.Is(ctx.Err(), context.Canceled) {
		// Shutdown or lease loss: the attempt never finished, so it neither
		// advances the ladder nor fails the meeting. A job timeout is a
		// deadline, not a cancellation, and still counts.
		log.Info().Err(fetchErr).Msg("enrichment attempt interrupted")
		return fmt.Errorf("enrichment attempt %d interrupted: %w", attempt, fetchErr)
	}

	// Fetched artifacts are persisted even if the worker is stopping.
	bookCtx := context.WithoutCancel(ctx)
	if fetchErr == nil {
		if err := m.store.Complete(bookCtx, task, artifacts); err != nil {
			return fmt.Errorf("persist enrichment: %w", err)
		}
		log.Info().Msg("meeting enriched")
		return nil
	}

	if retry.IsPermanent(fetchErr) || attempt >= m.maxAttempts {
		reason := fmt.Sprintf("enrichment failed after %d attempt(s): %v", attempt, fetchErr)
		if err := m.store.MarkEnrichmentFailed(bookCtx, meeting.ID, attempt, reason); err != nil {
			return fmt.Errorf("mark enrichment failed: %w", err)
		}
		log.Warn().Err(fetchErr).Msg("enrichment failed permanently")
		return retry.MarkPermanent(errors.New(reason))
	}

	delay := m.ladder.Delay(attempt)
	retryAt := m.now().Add(delay)
	if err := m.store.RecordEnrichmentRetry(bookCtx, meeting.ID, attempt, retryAt, fetchErr.Error()); err != nil {
		return fmt.Errorf("record enrichment retry: %w", err)
	}
	log.Info().Err(fetchErr).Time("retry_at", retryAt).Msg("enrichment not ready; retry scheduled")
	return retry.After(delay, fetchErr)
}
