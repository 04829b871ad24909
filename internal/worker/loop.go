// Package worker runs the single active job loop: it holds the worker lease,
// drains the outbox, claims jobs and reports their outcome to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/outbox"
	"meeting-jobcore/internal/queue"
	"meeting-jobcore/internal/retry"
	"meeting-jobcore/internal/telemetry"
)

// ErrLeaseLost is returned by Run when the heartbeat could not keep the lease.
// The caller may run the loop again, which starts over in standby.
var ErrLeaseLost = errors.New("worker lease lost")

// State is the worker loop lifecycle.
type State int32

const (
	StateStandby State = iota
	StateActive
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStandby:
		return "standby"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type JobQueue interface {
	Dequeue(ctx context.Context, types ...models.JobType) (*models.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error, attempt, maxRetries int) (models.JobStatus, error)
	Abandon(ctx context.Context, id string, attempt int) error
	RecoverStuck(ctx context.Context, staleThreshold time.Duration) (int64, error)
}

type OutboxRelay interface {
	Drain(ctx context.Context) (outbox.DrainResult, error)
	Recover(ctx context.Context) (int64, error)
}

type LeaseCoordinator interface {
	TryAcquireOrRenew(ctx context.Context, role, instanceID string, leaseDuration time.Duration) (bool, error)
	Release(ctx context.Context, role, instanceID string) (bool, error)
}

// Background is periodic work that only the active instance runs.
type Background interface {
	Start()
	Stop()
}

// LoopConfig holds the loop's timing and identity.
type LoopConfig struct {
	Role              string
	InstanceID        string
	PollInterval      time.Duration
	StandbyInterval   time.Duration
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	// JobTimeout bounds one handler call; zero disables the bound.
	JobTimeout     time.Duration
	StaleThreshold time.Duration
}

// Loop is one worker instance.
type Loop struct {
	cfg        LoopConfig
	queue      JobQueue
	relay      OutboxRelay
	lease      LeaseCoordinator
	router     *Router
	background Background
	logger     zerolog.Logger

	state     atomic.Int32
	leaseLost atomic.Bool
}

// NewLoop wires a worker. background may be nil.
func NewLoop(cfg LoopConfig, q JobQueue, relay OutboxRelay, lease LeaseCoordinator, router *Router, background Background, logger zerolog.Logger) *Loop {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseDuration / 3
	}
	if cfg.StandbyInterval <= 0 {
		cfg.StandbyInterval = cfg.LeaseDuration
	}
	return &Loop{
		cfg:        cfg,
		queue:      q,
		relay:      relay,
		lease:      lease,
		router:     router,
		background: background,
		logger: logger.With().
			Str("component", "worker").
			Str("role", cfg.Role).
			Str("instance_id", cfg.InstanceID).
			Logger(),
	}
}

// State reports the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	telemetry.WorkerState.Set(float64(s))
	l.logger.Info().Str("state", s.String()).Msg("worker state")
}

// Run blocks until ctx is cancelled (returns nil) or the lease is lost
// (returns ErrLeaseLost). It starts in standby and becomes active once it
// holds the lease.
func (l *Loop) Run(ctx context.Context) error {
	l.leaseLost.Store(false)
	l.setState(StateStandby)
	if !l.waitForLease(ctx) {
		l.setState(StateStopped)
		return nil
	}
	telemetry.LeaseTransitions.WithLabelValues("acquired").Inc()

	activeCtx, cancelActive := context.WithCancel(ctx)
	defer cancelActive()

	l.recoverInFlight(activeCtx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.heartbeat(activeCtx, cancelActive)
	}()

	l.setState(StateActive)
	if l.background != nil {
		l.background.Start()
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for activeCtx.Err() == nil {
		l.tick(activeCtx)
		select {
		case <-activeCtx.Done():
		case <-ticker.C:
		}
	}

	l.setState(StateDraining)
	if l.background != nil {
		l.background.Stop()
	}
	cancelActive()
	wg.Wait()

	if l.leaseLost.Load() {
		l.setState(StateStopped)
		return ErrLeaseLost
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if released, err := l.lease.Release(releaseCtx, l.cfg.Role, l.cfg.InstanceID); err != nil {
		l.logger.Warn().Err(err).Msg("release lease")
	} else if released {
		telemetry.LeaseTransitions.WithLabelValues("released").Inc()
	}
	l.setState(StateStopped)
	return nil
}

// waitForLease polls the lease on the standby interval. Not winning is the
// normal state of a standby instance and is logged at debug.
func (l *Loop) waitForLease(ctx context.Context) bool {
	for {
		ok, err := l.lease.TryAcquireOrRenew(ctx, l.cfg.Role, l.cfg.InstanceID, l.cfg.LeaseDuration)
		switch {
		case err != nil && ctx.Err() == nil:
			l.logger.Warn().Err(err).Msg("lease acquisition attempt failed")
		case ok:
			l.logger.Info().Dur("lease_duration", l.cfg.LeaseDuration).Msg("lease acquired")
			return true
		default:
			l.logger.Debug().Msg("lease held elsewhere; standing by")
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(l.cfg.StandbyInterval):
		}
	}
}

// recoverInFlight returns work a dead instance left in flight. It runs once per
// activation, before any job is claimed.
func (l *Loop) recoverInFlight(ctx context.Context) {
	if n, err := l.queue.RecoverStuck(ctx, l.cfg.StaleThreshold); err != nil {
		l.logger.Error().Err(err).Msg("recover stuck jobs")
	} else if n > 0 {
		telemetry.JobsRecovered.Add(float64(n))
		l.logger.Warn().Int64("count", n).Msg("recovered stuck jobs")
	}
	if n, err := l.relay.Recover(ctx); err != nil {
		l.logger.Error().Err(err).Msg("recover outbox")
	} else if n > 0 {
		l.logger.Warn().Int64("count", n).Msg("recovered stalled outbox messages")
	}
}

// heartbeat renews the lease on its own timer. A renewal that is refused, or
// renewals that keep erroring for a full lease duration, cancel the active
// context so in-flight work stops.
func (l *Loop) heartbeat(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	lastRenewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := l.lease.TryAcquireOrRenew(ctx, l.cfg.Role, l.cfg.InstanceID, l.cfg.LeaseDuration)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if time.Since(lastRenewed) < l.cfg.LeaseDuration {
				l.logger.Warn().Err(err).Msg("lease heartbeat failed; retrying")
				continue
			}
			l.logger.Error().Err(err).Msg("lease heartbeat failing past lease duration")
		} else if ok {
			lastRenewed = time.Now()
			continue
		} else {
			l.logger.Warn().Msg("lease taken over by another instance")
		}
		l.leaseLost.Store(true)
		telemetry.LeaseTransitions.WithLabelValues("lost").Inc()
		cancel()
		return
	}
}

// tick is one loop iteration: drain the outbox first, then at most one job.
func (l *Loop) tick(ctx context.Context) {
	res, err := l.relay.Drain(ctx)
	if err != nil && ctx.Err() == nil {
		l.logger.Error().Err(err).Msg("outbox drain")
	}
	if res.Claimed > 0 {
		l.logger.Debug().
			Int("claimed", res.Claimed).
			Int("sent", res.Sent).
			Int("retried", res.Retried).
			Int("dead_lettered", res.DeadLettered).
			Msg("outbox drained")
	}
	if ctx.Err() != nil {
		return
	}

	job, err := l.queue.Dequeue(ctx, l.router.Types()...)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Error().Err(err).Msg("dequeue")
		}
		return
	}
	if job == nil {
		return
	}
	l.process(ctx, *job)
}

func (l *Loop) process(ctx context.Context, job models.Job) {
	log := l.logger.With().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Int("attempt", job.AttemptCount).
		Logger()

	var runErr error
	if job.AttemptCount > job.MaxRetries {
		// A recovered job can come back past its budget; do not run it again.
		runErr = retry.MarkPermanent(fmt.Errorf("attempt %d exceeds budget of %d", job.AttemptCount, job.MaxRetries))
	} else {
		runErr = l.runHandler(ctx, job)
	}

	// Outcome bookkeeping must land even when the loop is draining.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := l.queue.Complete(bookCtx, job.ID); err != nil {
			log.Error().Err(err).Msg("complete job")
			return
		}
		telemetry.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
		log.Info().Msg("job completed")
		return
	}

	if ctx.Err() != nil {
		// Shutdown or lease loss interrupted the attempt; it is not a failure.
		err := l.queue.Abandon(bookCtx, job.ID, job.AttemptCount)
		switch {
		case errors.Is(err, queue.ErrNotClaimed):
			log.Warn().Err(runErr).Msg("interrupted job already moved on")
		case err != nil:
			log.Error().Err(err).AnErr("cause", runErr).Msg("abandon job; left for stuck recovery")
		default:
			telemetry.JobsAbandoned.WithLabelValues(string(job.Type)).Inc()
			log.Info().Err(runErr).Msg("job abandoned; released for another attempt")
		}
		return
	}

	status, err := l.queue.Fail(bookCtx, job.ID, runErr, job.AttemptCount, job.MaxRetries)
	switch {
	case errors.Is(err, queue.ErrNotClaimed):
		log.Warn().Err(runErr).Msg("job moved on before its failure was recorded")
	case err != nil:
		log.Error().Err(err).AnErr("cause", runErr).Msg("fail job")
	case status == models.StatusDeadLetter:
		telemetry.JobsDeadLetter.WithLabelValues(string(job.Type)).Inc()
		log.Error().Err(runErr).Str("class", retry.Classify(runErr).String()).Msg("job dead-lettered")
	default:
		telemetry.JobsFailed.WithLabelValues(string(job.Type)).Inc()
		log.Warn().Err(runErr).Msg("job failed; retry scheduled")
	}
}

func (l *Loop) runHandler(ctx context.Context, job models.Job) error {
	jobCtx := ctx
	if l.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, l.cfg.JobTimeout)
		defer cancel()
	}
	start := time.Now()
	err := l.router.Dispatch(jobCtx, job)
	telemetry.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())
	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("job exceeded timeout of %s: %w", l.cfg.JobTimeout, err)
	}
	return err
}
