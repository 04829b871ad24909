// Package retry holds the backoff and error classification shared by the job
// queue, the outbox relay and the enrichment state machine.
package retry

import (
	"errors"
	"time"
)

// Class separates errors worth retrying from those that are not.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// MarkPermanent wraps err so that Classify reports Permanent. A nil err stays nil.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps was marked permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type delayedError struct {
	delay time.Duration
	err   error
}

func (e *delayedError) Error() string { return e.err.Error() }
func (e *delayedError) Unwrap() error { return e.err }

// After wraps err with an explicit reschedule delay that overrides the
// policy's backoff for this failure.
func After(d time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return &delayedError{delay: d, err: err}
}

// DelayOf returns the delay attached by After, if any.
func DelayOf(err error) (time.Duration, bool) {
	var d *delayedError
	if errors.As(err, &d) {
		return d.delay, true
	}
	return 0, false
}

// Classify returns Permanent for errors marked with MarkPermanent and Transient
// for everything else, including timeouts and unknown failures.
func Classify(err error) Class {
	if IsPermanent(err) {
		return Permanent
	}
	return Transient
}

// maxShift keeps 2^attempt minutes inside time.Duration.
const maxShift = 30

// Exponential is the queue backoff: 2^attempt minutes.
func Exponential(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	return time.Duration(1<<uint(attempt)) * time.Minute
}

// Ladder is a fixed backoff sequence indexed by attempt number (1-based).
// Attempts past the end reuse the last step.
type Ladder []time.Duration

// Delay returns the wait after the given failed attempt.
func (l Ladder) Delay(attempt int) time.Duration {
	if len(l) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(l) {
		idx = len(l) - 1
	}
	return l[idx]
}

// Decision is the outcome of applying a Policy to a failed attempt.
type Decision struct {
	Terminal bool
	Class    Class
	NextAt   time.Time
	Delay    time.Duration
}

// Policy decides between rescheduling and dead-lettering.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// Next applies the policy to the failure of attempt (1-based) observed at now.
// Permanent errors and exhausted budgets are terminal; otherwise the delay
// comes from the error (see After) or from the policy's backoff.
func (p Policy) Next(now time.Time, attempt int, err error) Decision {
	class := Classify(err)
	if class == Permanent || attempt >= p.MaxAttempts {
		return Decision{Terminal: true, Class: class}
	}
	delay, ok := DelayOf(err)
	if !ok && p.Backoff != nil {
		delay = p.Backoff(attempt)
	}
	return Decision{Class: class, NextAt: now.Add(delay), Delay: delay}
}
