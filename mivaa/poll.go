package mivaa

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the local outcome of waiting on a job.
type State string

const (
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateNotFound  State = "not_found"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut || s == StateNotFound
}

// Policy controls AwaitCompletion. Polling uses a fixed delay with no
// backoff and no jitter.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	// NotFoundGrace is how many consecutive not-found polls are tolerated
	// before giving up. Zero aborts on the first one.
	NotFoundGrace int
}

func DefaultPolicy() Policy {
	return Policy{Interval: 5 * time.Second, MaxAttempts: 120}
}

func (p Policy) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidPolicy, p.Interval)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive, got %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.NotFoundGrace < 0 {
		return fmt.Errorf("%w: not-found grace must not be negative, got %d", ErrInvalidPolicy, p.NotFoundGrace)
	}
	return nil
}

// Budget is the sleeping time spent before a timed_out result.
func (p Policy) Budget() time.Duration {
	return time.Duration(p.MaxAttempts) * p.Interval
}

type ProgressPoint struct {
	Attempt     int
	At          time.Time
	Status      string
	Progress    float64
	HasProgress bool
}

type Result struct {
	Handle   JobHandle
	State    State
	Final    JobSnapshot
	Attempts int
	Elapsed  time.Duration
	History  []ProgressPoint
	// LastErr is the most recent tolerated poll error, if any.
	LastErr error
}

// Observer is called after every successful poll.
type Observer func(attempt int, snap JobSnapshot, history []ProgressPoint)

type sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AwaitCompletion polls the job status until the remote service reports a
// terminal status, the attempt budget is spent, or ctx is done.
//
// A non-nil error is returned only when polling could not proceed
// (invalid policy, permanent error, cancellation). Remote failure,
// timeout and not-found are reported through Result.State, with
// ErrJobNotFound also returned for the latter.
func (c *Client) AwaitCompletion(ctx context.Context, h JobHandle, p Policy) (Result, error) {
	res := Result{Handle: h, State: StateSubmitted}
	if err := p.Validate(); err != nil {
		return res, err
	}

	start := c.now()
	log := c.logger.With("job_id", h.ID)
	notFound := 0

	res.State = StatePolling
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		res.Attempts = attempt

		snap, err := c.Status(ctx, h.ID)
		switch {
		case err == nil:
			notFound = 0
			res.Final = snap
			res.History = append(res.History, ProgressPoint{
				Attempt:     attempt,
				At:          c.now(),
				Status:      snap.Status,
				Progress:    snap.Progress,
				HasProgress: snap.HasProgress,
			})
			if c.observer != nil {
				c.observer(attempt, snap, res.History)
			}
			switch snap.Phase {
			case PhaseSucceeded:
				res.State = StateCompleted
				res.Elapsed = c.now().Sub(start)
				return res, nil
			case PhaseFailed:
				res.State = StateFailed
				res.Elapsed = c.now().Sub(start)
				return res, nil
			case PhaseUnknown:
				log.Warn("unrecognized job status, continuing", "status", snap.Status, "attempt", attempt)
			}

		case errors.Is(err, ErrJobNotFound):
			notFound++
			res.LastErr = err
			if notFound > p.NotFoundGrace {
				res.State = StateNotFound
				res.Elapsed = c.now().Sub(start)
				return res, err
			}
			log.Warn("job not found, tolerating", "attempt", attempt, "consecutive", notFound, "grace", p.NotFoundGrace)

		case IsTransient(err):
			res.LastErr = err
			log.Warn("status poll failed, will retry", "attempt", attempt, "error", err)

		default:
			res.Elapsed = c.now().Sub(start)
			return res, fmt.Errorf("poll job %s: %w", h.ID, err)
		}

		if err := c.sleep(ctx, p.Interval); err != nil {
			res.Elapsed = c.now().Sub(start)
			return res, fmt.Errorf("poll job %s: %w", h.ID, err)
		}
	}

	res.State = StateTimedOut
	res.Elapsed = c.now().Sub(start)
	log.Warn("job did not reach a terminal status", "attempts", res.Attempts, "budget", p.Budget())
	return res, nil
}
