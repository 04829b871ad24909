package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/outbox"
	"meeting-jobcore/internal/retry"
)

type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type failCall struct {
	id         string
	cause      error
	attempt    int
	maxRetries int
}

type fakeQueue struct {
	ev        *events
	mu        sync.Mutex
	pending   []models.Job
	completed []string
	failed    []failCall
	abandoned []failCall
	types     [][]models.JobType
}

func (q *fakeQueue) Dequeue(_ context.Context, types ...models.JobType) (*models.Job, error) {
	q.ev.add("dequeue")
	q.mu.Lock()
	defer q.mu.Unlock()
	q.types = append(q.types, types)
	if len(q.pending) == 0 {
		return nil, nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	job.Status = models.StatusProcessing
	job.AttemptCount++
	return &job, nil
}

func (q *fakeQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) Fail(_ context.Context, id string, cause error, attempt, maxRetries int) (models.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, failCall{id: id, cause: cause, attempt: attempt, maxRetries: maxRetries})
	if retry.IsPermanent(cause) || attempt >= maxRetries {
		return models.StatusDeadLetter, nil
	}
	return models.StatusFailed, nil
}

func (q *fakeQueue) Abandon(_ context.Context, id string, attempt int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.abandoned = append(q.abandoned, failCall{id: id, attempt: attempt})
	return nil
}

func (q *fakeQueue) abandonedCalls() []failCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]failCall(nil), q.abandoned...)
}

func (q *fakeQueue) RecoverStuck(context.Context, time.Duration) (int64, error) {
	q.ev.add("recover_jobs")
	return 0, nil
}

func (q *fakeQueue) results() ([]string, []failCall) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.completed...), append([]failCall(nil), q.failed...)
}

type fakeRelay struct{ ev *events }

func (r *fakeRelay) Drain(context.Context) (outbox.DrainResult, error) {
	r.ev.add("drain")
	return outbox.DrainResult{}, nil
}

func (r *fakeRelay) Recover(context.Context) (int64, error) {
	r.ev.add("recover_outbox")
	return 0, nil
}

// fakeLease grants the lease from the grantAt-th call on; after that, renew
// decides each heartbeat.
type fakeLease struct {
	mu       sync.Mutex
	calls    int
	grantAt  int
	renew    func() (bool, error)
	released int
}

func (l *fakeLease) TryAcquireOrRenew(context.Context, string, string, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls < l.grantAt {
		return false, nil
	}
	if l.calls == l.grantAt || l.renew == nil {
		return true, nil
	}
	return l.renew()
}

func (l *fakeLease) Release(context.Context, string, string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return true, nil
}

func (l *fakeLease) releases() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

type fakeBackground struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (b *fakeBackground) Start() { b.mu.Lock(); b.started++; b.mu.Unlock() }
func (b *fakeBackground) Stop()  { b.mu.Lock(); b.stopped++; b.mu.Unlock() }

type loopFixture struct {
	ev     *events
	queue  *fakeQueue
	lease  *fakeLease
	bg     *fakeBackground
	router *Router
	loop   *Loop
}

func newLoopFixture(cfg LoopConfig, jobs ...models.Job) *loopFixture {
	ev := &events{}
	f := &loopFixture{
		ev:     ev,
		queue:  &fakeQueue{ev: ev, pending: jobs},
		lease:  &fakeLease{grantAt: 1},
		bg:     &fakeBackground{},
		router: NewRouter(),
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.StandbyInterval == 0 {
		cfg.StandbyInterval = 5 * time.Millisecond
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = time.Minute
	}
	cfg.Role, cfg.InstanceID = "meeting-worker", "w1"
	f.loop = NewLoop(cfg, f.queue, &fakeRelay{ev: ev}, f.lease, f.router, f.bg, zerolog.Nop())
	return f
}

func (f *loopFixture) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker loop did not stop")
		return nil
	}
}

func emailJob(id string, attempts, max int) models.Job {
	return models.Job{
		ID:           id,
		Type:         models.JobSendEmail,
		Payload:      []byte(`{"meetingId":"m1"}`),
		Status:       models.StatusPending,
		AttemptCount: attempts,
		MaxRetries:   max,
	}
}

func TestLoopStandbyThenActive(t *testing.T) {
	f := newLoopFixture(LoopConfig{}, emailJob("j1", 0, 5))
	f.lease.grantAt = 3
	f.router.Register(models.JobSendEmail, func(context.Context, models.Job) error { return nil })

	cancel, done := f.start(t)
	require.Eventually(t, func() bool {
		completed, _ := f.queue.results()
		return len(completed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateActive, f.loop.State())

	cancel()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, StateStopped, f.loop.State())
	assert.Equal(t, 1, f.lease.releases())
	assert.Equal(t, 1, f.bg.started)
	assert.Equal(t, 1, f.bg.stopped)

	log := f.ev.snapshot()
	require.GreaterOrEqual(t, len(log), 4)
	assert.Equal(t, []string{"recover_jobs", "recover_outbox", "drain", "dequeue"}, log[:4])

	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	assert.Equal(t, []models.JobType{models.JobSendEmail}, f.queue.types[0])
}

func TestLoopStopsInStandby(t *testing.T) {
	f := newLoopFixture(LoopConfig{})
	f.lease.grantAt = 1 << 30

	cancel, done := f.start(t)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateStandby, f.loop.State())
	cancel()
	require.NoError(t, waitRun(t, done))
	assert.Empty(t, f.ev.snapshot(), "standby does no work")
	assert.Zero(t, f.lease.releases())
}

func TestLoopReportsFailures(t *testing.T) {
	f := newLoopFixture(LoopConfig{},
		emailJob("transient", 0, 5),
		emailJob("permanent", 0, 5),
	)
	f.router.Register(models.JobSendEmail, func(_ context.Context, job models.Job) error {
		if job.ID == "permanent" {
			return retry.MarkPermanent(errors.New("no such mailbox"))
		}
		return errors.New("smtp busy")
	})

	cancel, done := f.start(t)
	require.Eventually(t, func() bool {
		_, failed := f.queue.results()
		return len(failed) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	_, failed := f.queue.results()
	assert.Equal(t, "transient", failed[0].id)
	assert.Equal(t, 1, failed[0].attempt)
	assert.Equal(t, 5, failed[0].maxRetries)
	assert.False(t, retry.IsPermanent(failed[0].cause))
	assert.True(t, retry.IsPermanent(failed[1].cause))
}

func TestLoopDeadLettersJobPastBudgetWithoutRunning(t *testing.T) {
	f := newLoopFixture(LoopConfig{}, emailJob("j1", 3, 3))
	ran := false
	f.router.Register(models.JobSendEmail, func(context.Context, models.Job) error {
		ran = true
		return nil
	})

	cancel, done := f.start(t)
	require.Eventually(t, func() bool {
		_, failed := f.queue.results()
		return len(failed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	_, failed := f.queue.results()
	assert.False(t, ran)
	assert.Equal(t, 4, failed[0].attempt)
	assert.True(t, retry.IsPermanent(failed[0].cause))
}

func TestLoopJobTimeoutIsTransient(t *testing.T) {
	f := newLoopFixture(LoopConfig{JobTimeout: 20 * time.Millisecond}, emailJob("slow", 0, 5))
	f.router.Register(models.JobSendEmail, func(ctx context.Context, _ models.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})

	cancel, done := f.start(t)
	require.Eventually(t, func() bool {
		_, failed := f.queue.results()
		return len(failed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	_, failed := f.queue.results()
	assert.ErrorIs(t, failed[0].cause, context.DeadlineExceeded)
	assert.Contains(t, failed[0].cause.Error(), "timeout")
	assert.False(t, retry.IsPermanent(failed[0].cause))
}

func TestLoopLeaseLostCancelsInFlightWork(t *testing.T) {
	f := newLoopFixture(LoopConfig{
		LeaseDuration:     time.Minute,
		HeartbeatInterval: 10 * time.Millisecond,
	}, emailJob("j1", 0, 5))
	f.lease.renew = func() (bool, error) { return false, nil }

	handlerCancelled := make(chan struct{})
	f.router.Register(models.JobSendEmail, func(ctx context.Context, _ models.Job) error {
		<-ctx.Done()
		close(handlerCancelled)
		return ctx.Err()
	})

	_, done := f.start(t)
	err := waitRun(t, done)
	require.ErrorIs(t, err, ErrLeaseLost)

	select {
	case <-handlerCancelled:
	default:
		t.Fatal("in-flight handler was not cancelled")
	}
	assert.Zero(t, f.lease.releases(), "a lost lease is not released")
	assert.Equal(t, StateStopped, f.loop.State())

	_, failed := f.queue.results()
	assert.Empty(t, failed, "an interrupted attempt is not a failure")
	abandoned := f.queue.abandonedCalls()
	require.Len(t, abandoned, 1)
	assert.Equal(t, failCall{id: "j1", attempt: 1}, abandoned[0])
}

func TestLoopShutdownOnLastAttemptAbandonsInsteadOfDeadLettering(t *testing.T) {
	f := newLoopFixture(LoopConfig{}, emailJob("last", 3, 4))
	started := make(chan struct{})
	f.router.Register(models.JobSendEmail, func(ctx context.Context, _ models.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	cancel, done := f.start(t)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()
	require.NoError(t, waitRun(t, done))

	completed, failed := f.queue.results()
	assert.Empty(t, completed)
	assert.Empty(t, failed)
	assert.Equal(t, []failCall{{id: "last", attempt: 4}}, f.queue.abandonedCalls())
	assert.Equal(t, 1, f.lease.releases())
}

func TestLoopCompletesJobThatFinishesDuringShutdown(t *testing.T) {
	f := newLoopFixture(LoopConfig{}, emailJob("j1", 0, 5))
	started := make(chan struct{})
	f.router.Register(models.JobSendEmail, func(ctx context.Context, _ models.Job) error {
		close(started)
		<-ctx.Done()
		return nil
	})

	cancel, done := f.start(t)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()
	require.NoError(t, waitRun(t, done))

	completed, _ := f.queue.results()
	assert.Equal(t, []string{"j1"}, completed)
	assert.Empty(t, f.queue.abandonedCalls())
}

func TestLoopLeaseLostAfterPersistentHeartbeatErrors(t *testing.T) {
	f := newLoopFixture(LoopConfig{
		LeaseDuration:     60 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
	})
	f.lease.renew = func() (bool, error) { return false, errors.New("connection refused") }

	_, done := f.start(t)
	assert.ErrorIs(t, waitRun(t, done), ErrLeaseLost)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "standby", StateStandby.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "state(9)", State(9).String())
}
