// Package retry decides what happens to a task after each attempt and wakes
// pending tasks no earlier than their next attempt time.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/task"
)

// Policy configures exponential backoff with jitter.
type Policy struct {
	// MaxAttempts is the attempt ceiling after which a transient failure
	// dead-letters the task.
	MaxAttempts int

	// BaseDelay is the first backoff step and the jitter range.
	BaseDelay time.Duration

	// MaxDelay caps the exponential part of the backoff.
	MaxDelay time.Duration

	// Jitter returns a duration in [0, n). Defaults to math/rand/v2.
	Jitter func(n time.Duration) time.Duration
}

// DefaultPolicy returns 8 attempts, 1s base and a 1h cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 8,
		BaseDelay:   time.Second,
		MaxDelay:    time.Hour,
	}
}

// Ceiling returns min(BaseDelay * 2^(k-1), MaxDelay) for attempt k >= 1.
func (p Policy) Ceiling(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	d := p.BaseDelay
	for i := 1; i < k; i++ {
		if d >= p.MaxDelay/2 {
			d = p.MaxDelay
			break
		}
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Backoff returns Ceiling(k) plus jitter in [0, BaseDelay).
func (p Policy) Backoff(k int) time.Duration {
	return p.Ceiling(k) + p.jitter()
}

func (p Policy) jitter() time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if p.Jitter != nil {
		return p.Jitter(p.BaseDelay)
	}
	return time.Duration(rand.Int64N(int64(p.BaseDelay)))
}

// Decision is what to do with a task after an attempt.
type Decision struct {
	State task.State

	// NextAttemptAt is set when State is pending.
	NextAttemptAt time.Time

	// Exhausted is set when a transient failure hit the attempt ceiling.
	Exhausted bool
}

// Next decides the follow-up for t, whose AttemptCount already includes the
// attempt that produced outcome.
//
//	sent              -> succeeded
//	permanent_failure -> dead_lettered, no backoff
//	transient_failure -> dead_lettered at the ceiling, else pending after Backoff
func (p Policy) Next(t *task.Task, outcome audit.Outcome, now time.Time) Decision {
	switch outcome {
	case audit.OutcomeSent:
		return Decision{State: task.StateSucceeded}
	case audit.OutcomePermanentFailure, audit.OutcomeDeadLettered:
		return Decision{State: task.StateDeadLettered}
	}

	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	if t.AttemptCount >= maxAttempts {
		return Decision{State: task.StateDeadLettered, Exhausted: true}
	}
	return Decision{
		State:         task.StatePending,
		NextAttemptAt: now.Add(p.Backoff(t.AttemptCount)),
	}
}
