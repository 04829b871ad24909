package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialIsStrictlyIncreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := Exponential(attempt)
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, 2*time.Minute, Exponential(1))
	assert.Equal(t, 8*time.Minute, Exponential(3))
}

func TestExponentialClampsLargeAttempts(t *testing.T) {
	assert.Equal(t, Exponential(maxShift), Exponential(maxShift+10))
	assert.Equal(t, time.Minute, Exponential(-3))
}

func TestLadderRepeatsLastStep(t *testing.T) {
	l := Ladder{5 * time.Minute, 15 * time.Minute, 45 * time.Minute}
	assert.Equal(t, 5*time.Minute, l.Delay(1))
	assert.Equal(t, 15*time.Minute, l.Delay(2))
	assert.Equal(t, 45*time.Minute, l.Delay(3))
	assert.Equal(t, 45*time.Minute, l.Delay(7))
	assert.Equal(t, 5*time.Minute, l.Delay(0))
	assert.Equal(t, time.Duration(0), Ladder{}.Delay(1))
}

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	assert.Equal(t, Transient, Classify(base))
	assert.Equal(t, Permanent, Classify(MarkPermanent(base)))
	assert.Equal(t, Permanent, Classify(fmt.Errorf("wrapped: %w", MarkPermanent(base))))
	assert.ErrorIs(t, MarkPermanent(base), base)
	assert.Nil(t, MarkPermanent(nil))
	assert.Nil(t, After(time.Minute, nil))
}

func TestDelayOf(t *testing.T) {
	err := fmt.Errorf("ctx: %w", After(5*time.Minute, errors.New("not ready")))
	d, ok := DelayOf(err)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, d)

	_, ok = DelayOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestPolicyNext(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := Policy{MaxAttempts: 4, Backoff: Ladder{time.Minute, 5 * time.Minute, 15 * time.Minute}.Delay}

	cases := []struct {
		name     string
		attempt  int
		err      error
		terminal bool
		delay    time.Duration
	}{
		{name: "first transient", attempt: 1, err: errors.New("timeout"), delay: time.Minute},
		{name: "second transient", attempt: 2, err: errors.New("timeout"), delay: 5 * time.Minute},
		{name: "third transient", attempt: 3, err: errors.New("timeout"), delay: 15 * time.Minute},
		{name: "budget exhausted", attempt: 4, err: errors.New("timeout"), terminal: true},
		{name: "permanent short-circuits", attempt: 1, err: MarkPermanent(errors.New("unauthorized")), terminal: true},
		{name: "explicit delay wins", attempt: 1, err: After(42*time.Second, errors.New("rate limited")), delay: 42 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := p.Next(now, tc.attempt, tc.err)
			assert.Equal(t, tc.terminal, d.Terminal)
			if !tc.terminal {
				assert.Equal(t, now.Add(tc.delay), d.NextAt)
			}
		})
	}
}

func TestPolicyExponentialMonotonicUntilDeadLetter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := Policy{MaxAttempts: 5, Backoff: Exponential}
	var prev time.Time
	for attempt := 1; attempt < 5; attempt++ {
		d := p.Next(now, attempt, errors.New("fail"))
		require.False(t, d.Terminal)
		assert.True(t, d.NextAt.After(prev))
		prev = d.NextAt
	}
	assert.True(t, p.Next(now, 5, errors.New("fail")).Terminal)
}
