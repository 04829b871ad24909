// Package outbox delivers staged notifications exactly once. A notification is
// staged as an audit record plus an outbox message in one transaction, then
// drained by the active worker.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/retry"
	"meeting-jobcore/internal/telemetry"
)

// Store is the persistence the relay drives.
type Store interface {
	// Claim marks up to limit due, unclaimed messages as in flight and
	// increments their attempt count.
	Claim(ctx context.Context, limit int, now time.Time) ([]models.OutboxMessage, error)
	// MarkSent deletes the message and flips its audit record to sent atomically.
	MarkSent(ctx context.Context, msg models.OutboxMessage, now time.Time) error
	Reschedule(ctx context.Context, msg models.OutboxMessage, nextAt time.Time, lastErr string, now time.Time) error
	// DeadLetter deletes the message and flips its audit record to failed atomically.
	DeadLetter(ctx context.Context, msg models.OutboxMessage, lastErr string, now time.Time) error
	ResetStalled(ctx context.Context, grace time.Duration, now time.Time) (int64, error)
}

// Deliverer sends one message to its external channel. Errors wrapped with
// retry.MarkPermanent dead-letter immediately.
type Deliverer interface {
	Deliver(ctx context.Context, msg models.OutboxMessage) error
}

// Settings tune the relay.
type Settings struct {
	BatchSize       int
	MaxAttempts     int
	Backoff         []time.Duration
	RecoveryGrace   time.Duration
	DeliveryTimeout time.Duration
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Claimed      int
	Sent         int
	Retried      int
	DeadLettered int
}

// Relay drains the outbox.
type Relay struct {
	store     Store
	deliverer Deliverer
	settings  Settings
	policy    retry.Policy
	logger    zerolog.Logger
	now       func() time.Time
}

func NewRelay(st Store, d Deliverer, settings Settings, logger zerolog.Logger) *Relay {
	if settings.BatchSize <= 0 {
		settings.BatchSize = 20
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = 4
	}
	if len(settings.Backoff) == 0 {
		settings.Backoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	}
	return &Relay{
		store:     st,
		deliverer: d,
		settings:  settings,
		policy:    retry.Policy{MaxAttempts: settings.MaxAttempts, Backoff: retry.Ladder(settings.Backoff).Delay},
		logger:    logger.With().Str("component", "outbox").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source; tests only.
func (r *Relay) SetClock(now func() time.Time) {
	r.now = now
}

// Drain claims one batch of due messages and attempts each once. A failed
// delivery never stops the rest of the batch.
func (r *Relay) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	msgs, err := r.store.Claim(ctx, r.settings.BatchSize, r.now())
	if err != nil {
		return res, fmt.Errorf("claim outbox batch: %w", err)
	}
	res.Claimed = len(msgs)

	for _, msg := range msgs {
		if ctx.Err() != nil {
			// Unprocessed claims are picked up by Recover.
			return res, ctx.Err()
		}
		outcome, err := r.deliverOne(ctx, msg)
		if err != nil {
			return res, err
		}
		switch outcome {
		case outcomeSent:
			res.Sent++
		case outcomeRetried:
			res.Retried++
		case outcomeDeadLettered:
			res.DeadLettered++
		}
	}
	return res, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetried
	outcomeDeadLettered
)

func (r *Relay) deliverOne(ctx context.Context, msg models.OutboxMessage) (outcome, error) {
	log := r.logger.With().
		Str("outbox_id", msg.ID).
		Str("audit_record_id", msg.AuditRecordID).
		Int("attempt", msg.AttemptCount).
		Logger()

	deliverCtx := ctx
	if r.settings.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		deliverCtx, cancel = context.WithTimeout(ctx, r.settings.DeliveryTimeout)
		defer cancel()
	}
	deliveryErr := r.deliverer.Deliver(deliverCtx, msg)

	// Bookkeeping must land even if the drain is being cancelled.
	bookCtx := context.WithoutCancel(ctx)
	now := r.now()
	if deliveryErr == nil {
		if err := r.store.MarkSent(bookCtx, msg, now); err != nil {
			return 0, fmt.Errorf("mark outbox %s sent: %w", msg.ID, err)
		}
		telemetry.OutboxSent.Inc()
		log.Info().Msg("outbox message delivered")
		return outcomeSent, nil
	}

	decision := r.policy.Next(now, msg.AttemptCount, deliveryErr)
	if decision.Terminal {
		if err := r.store.DeadLetter(bookCtx, msg, deliveryErr.Error(), now); err != nil {
			return 0, fmt.Errorf("dead-letter outbox %s: %w", msg.ID, err)
		}
		telemetry.OutboxDeadLettered.Inc()
		log.Warn().Err(deliveryErr).Str("class", decision.Class.String()).Msg("outbox message dead-lettered")
		return outcomeDeadLettered, nil
	}

	if err := r.store.Reschedule(bookCtx, msg, decision.NextAt, deliveryErr.Error(), now); err != nil {
		return 0, fmt.Errorf("reschedule outbox %s: %w", msg.ID, err)
	}
	telemetry.OutboxRetried.Inc()
	log.Warn().Err(deliveryErr).Time("next_attempt_at", decision.NextAt).Msg("outbox delivery failed; rescheduled")
	return outcomeRetried, nil
}

// Recover resets messages abandoned mid-delivery (claimed or attempted longer
// than the grace period ago and already due) to immediate eligibility.
// Messages waiting out a backoff are left alone.
func (r *Relay) Recover(ctx context.Context) (int64, error) {
	n, err := r.store.ResetStalled(ctx, r.settings.RecoveryGrace, r.now())
	if err != nil {
		return 0, fmt.Errorf("recover outbox: %w", err)
	}
	if n > 0 {
		telemetry.OutboxRecovered.Add(float64(n))
		r.logger.Info().Int64("count", n).Msg("recovered stalled outbox messages")
	}
	return n, nil
}
