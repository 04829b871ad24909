package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"meeting-jobcore/internal/enrichment"
	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/telemetry"
)

// Task is one periodic maintenance job.
type Task func(ctx context.Context) error

// Maintenance runs periodic tasks (recovery, retention, the enrichment sweep)
// while the loop is active. It satisfies Background.
type Maintenance struct {
	cron   *cron.Cron
	logger zerolog.Logger
	tasks  map[string]Task

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewMaintenance(logger zerolog.Logger) *Maintenance {
	logger = logger.With().Str("component", "maintenance").Logger()
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return &Maintenance{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		tasks:  make(map[string]Task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every schedules task at a fixed interval. Intervals under a second are
// rounded up to one second.
func (m *Maintenance) Every(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("maintenance %s: interval must be positive", name)
	}
	if _, dup := m.tasks[name]; dup {
		return fmt.Errorf("maintenance %s: already scheduled", name)
	}
	m.tasks[name] = task
	m.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		_ = m.Run(m.runContext(), name)
	}))
	return nil
}

// Run executes one task immediately and records the outcome.
func (m *Maintenance) Run(ctx context.Context, name string) error {
	task, ok := m.tasks[name]
	if !ok {
		return fmt.Errorf("maintenance %s: unknown task", name)
	}
	start := time.Now()
	err := task(ctx)
	if err != nil {
		telemetry.MaintenanceRuns.WithLabelValues(name, "error").Inc()
		if ctx.Err() == nil {
			m.logger.Error().Err(err).Str("task", name).Msg("maintenance task failed")
		}
		return err
	}
	telemetry.MaintenanceRuns.WithLabelValues(name, "ok").Inc()
	m.logger.Debug().Str("task", name).Dur("took", time.Since(start)).Msg("maintenance task done")
	return nil
}

func (m *Maintenance) Start() {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()
	m.cron.Start()
}

// Stop cancels running tasks and waits for them to return.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	<-m.cron.Stop().Done()
}

func (m *Maintenance) runContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// cronLogger routes cron's own logging into zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Housekeeper is the queue surface the standard maintenance tasks use.
type Housekeeper interface {
	RecoverStuck(ctx context.Context, staleThreshold time.Duration) (int64, error)
	CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (models.Stats, error)
}

// Sweeper rebuilds enrichment work from meeting rows.
type Sweeper interface {
	Sweep(ctx context.Context) (enrichment.SweepResult, error)
}

// Schedule holds the intervals for the standard tasks.
type Schedule struct {
	RecoverInterval    time.Duration
	StaleThreshold     time.Duration
	CleanupInterval    time.Duration
	CompletedRetention time.Duration
	SweepInterval      time.Duration
	StatsInterval      time.Duration
}

// Task names used for scheduling and metrics.
const (
	TaskRecoverJobs     = "recover_jobs"
	TaskRecoverOutbox   = "recover_outbox"
	TaskCleanup         = "cleanup_completed"
	TaskEnrichmentSweep = "enrichment_sweep"
	TaskStats           = "queue_stats"
)

// ScheduleStandard registers the worker's housekeeping on m.
func ScheduleStandard(m *Maintenance, q Housekeeper, relay OutboxRelay, sweeper Sweeper, s Schedule) error {
	tasks := []struct {
		name     string
		interval time.Duration
		task     Task
	}{
		{TaskRecoverJobs, s.RecoverInterval, func(ctx context.Context) error {
			n, err := q.RecoverStuck(ctx, s.StaleThreshold)
			if n > 0 {
				telemetry.JobsRecovered.Add(float64(n))
				m.logger.Warn().Int64("count", n).Msg("recovered stuck jobs")
			}
			return err
		}},
		{TaskRecoverOutbox, s.RecoverInterval, func(ctx context.Context) error {
			_, err := relay.Recover(ctx)
			return err
		}},
		{TaskCleanup, s.CleanupInterval, func(ctx context.Context) error {
			n, err := q.CleanupCompleted(ctx, s.CompletedRetention)
			if n > 0 {
				m.logger.Info().Int64("count", n).Msg("deleted completed jobs past retention")
			}
			return err
		}},
		{TaskEnrichmentSweep, s.SweepInterval, func(ctx context.Context) error {
			_, err := sweeper.Sweep(ctx)
			return err
		}},
		{TaskStats, s.StatsInterval, func(ctx context.Context) error {
			stats, err := q.Stats(ctx)
			if err != nil {
				return err
			}
			telemetry.ObserveStats(stats)
			return nil
		}},
	}
	for _, t := range tasks {
		if t.name == TaskEnrichmentSweep && sweeper == nil {
			continue
		}
		if err := m.Every(t.name, t.interval, t.task); err != nil {
			return err
		}
	}
	return nil
}
