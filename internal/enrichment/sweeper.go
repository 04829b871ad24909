package enrichment

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"meeting-jobcore/internal/models"
)

// SweepStore is the part of PgStore the sweeper needs.
type SweepStore interface {
	DueEnrichments(ctx context.Context, now time.Time, limit int) ([]models.EnrichmentTask, error)
	Reconcile(ctx context.Context, task models.EnrichmentTask, maxAttempts int) (ReconcileOutcome, error)
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Scanned  int
	Enqueued int
	Failed   int
}

// Sweeper rebuilds enrichment work from meeting rows, so a meeting whose job
// was lost (cleaned up, never enqueued after a crash) still converges.
type Sweeper struct {
	store       SweepStore
	maxAttempts int
	batch       int
	logger      zerolog.Logger
	now         func() time.Time
}

func NewSweeper(st SweepStore, maxAttempts, batch int, logger zerolog.Logger) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		store:       st,
		maxAttempts: maxAttempts,
		batch:       batch,
		logger:      logger.With().Str("component", "enrichment_sweeper").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source; tests only.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Sweep reconciles one batch of due meetings. A failure on one meeting is
// logged and does not stop the rest.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	tasks, err := s.store.DueEnrichments(ctx, s.now(), s.batch)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Scanned: len(tasks)}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		outcome, err := s.store.Reconcile(ctx, task, s.maxAttempts)
		if err != nil {
			s.logger.Error().Err(err).Str("meeting_id", task.MeetingID).Msg("reconcile enrichment")
			continue
		}
		switch outcome {
		case ReconcileEnqueued:
			res.Enqueued++
		case ReconcileFailed:
			res.Failed++
		}
	}
	if res.Enqueued > 0 || res.Failed > 0 {
		s.logger.Info().Int("scanned", res.Scanned).Int("enqueued", res.Enqueued).Int("failed", res.Failed).Msg("enrichment sweep")
	}
	return res, nil
}
