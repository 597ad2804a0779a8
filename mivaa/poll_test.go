package mivaa

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scripted struct {
	body string
	err  error
}

// scriptedTransport replays responses in order and repeats the last one.
type scriptedTransport struct {
	mu        sync.Mutex
	responses []scripted
	calls     []Call
}

func (s *scriptedTransport) Do(ctx context.Context, call Call) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	idx := len(s.calls) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	r := s.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	return []byte(r.body), nil
}

func status(s string) scripted {
	return scripted{body: `{"job_id":"bulk_1","status":"` + s + `"}`}
}

type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 10, 15, 9, 32, 10, 0, time.UTC)}
}

func (f *fakeClock) now() time.Time { return f.t }

func (f *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.sleeps = append(f.sleeps, d)
	f.t = f.t.Add(d)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(tr Transport, clock *fakeClock, opts ...Option) *Client {
	opts = append([]Option{withClock(clock.now, clock.sleep), WithLogger(quietLogger())}, opts...)
	return NewClient(tr, opts...)
}

func TestAwaitCompletion_TerminalStatusStopsWithoutSleeping(t *testing.T) {
	tests := []struct {
		terminal string
		want     State
	}{
		{"completed", StateCompleted},
		{"failed", StateFailed},
		{"error", StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.terminal, func(t *testing.T) {
			tr := &scriptedTransport{responses: []scripted{status("queued"), status("processing"), status(tt.terminal)}}
			clock := newFakeClock()
			c := newTestClient(tr, clock)

			res, err := c.AwaitCompletion(context.Background(), JobHandle{ID: "bulk_1"}, Policy{Interval: 5 * time.Second, MaxAttempts: 10})
			require.NoError(t, err)

			assert.Equal(t, tt.want, res.State)
			assert.Equal(t, 3, res.Attempts)
			assert.Len(t, tr.calls, 3)
			// one sleep after each non-terminal poll, none after the terminal one
			assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, clock.sleeps)
			assert.Equal(t, 10*time.Second, res.Elapsed)
			assert.Equal(t, tt.terminal, res.Final.Status)
		})
	}
}

func TestAwaitCompletion_TimesOutAfterExactBudget(t *testing.T) {
	tr := &scriptedTransport{responses: []scripted{status("processing")}}
	clock := newFakeClock()
	c := newTestClient(tr, clock)

	p := Policy{Interval: 3 * time.Second, MaxAttempts: 5}
	res, err := c.AwaitCompletion(context.Background(), JobHandle{ID: "bulk_1"}, p)
	require.NoError(t, err)

	assert.Equal(t, StateTimedOut, res.State)
	assert.Equal(t, 5, res.Attempts)
	assert.Len(t, tr.calls, 5)
	require.Len(t, clock.sleeps, 5)
	for _, d := range clock.sleeps {
		assert.Equal(t, p.Interval, d)
	}
	assert.Equal(t, p.Budget(), res.Elapsed)
	assert.Len(t, res.History, 5)
}

func TestAwaitCompletion_UnknownStatusKeepsPolling(t *testing.T) {
	tr := &scriptedTransport{responses: []scripted{status("vectorizing"), status("vectorizing"), status("completed")}}
	c := newTestClient(tr, newFakeClock())

	res, err := c.AwaitCompletion(context.Background(), JobHandle{ID: "bulk_1"}, Policy{Interval: time.Second, MaxAttempts: 5})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 3, res.Attempts)
}

func TestAwaitCompletion_RejectsInvalidPolicy(t *testing.T) {
	policies := []Policy{
		{Interval: 0, MaxAttempts: 3},
		{Interval: -time.Second, MaxAttempts: 3},
		{Interval: time.Second, MaxAttempts: 0},
		{Interval: time.Second, MaxAttempts: 3, NotFoundGrace: -1},
	}
	for _, p := range policies {
		tr := &scriptedTransport{responses: []scripted{status("completed")}}
		c := newTestClient(tr, newFakeClock())

		res, err := c.AwaitCompletion(context.Background(), JobHandle{ID: "bulk_1"}, p)
		assert.ErrorIs(t, err, ErrInvalidPolicy)
		assert.Equal(t, StateSubmitted, res.State)
		assert.Empty(t, tr.calls)
	}
}

func TestAwaitCompletion_NotFoundIsDistinguishable(t *testing.T) {
	tr := &scriptedTransport{responses: []scripted{{err: &HTTPError{Action: ActionStatus, StatusCode: http.StatusNotFound, Body: `{"detail":"Not Found"}`}}}}
	clock := newFakeClock()
	c := newTestClient(tr, clock)

	res, err := c.AwaitCompletion(context.Background(), JobHandle{ID: "nope"}, Policy{Interval: time.Second, MaxAttempts: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, StateNotFound, res.State)
	assert.NotEqual(t, StateFailed, res.State)
	assert.Len(t, tr.calls, 1)
	assert.Empty(t, clock.sleeps)
}

func TestAwaitCompletion_NotFoundGrace(t *testing.T) {
	notFound := scripted{body: `{"success":false,"error":"Job not found"}`}

	t.Run("recovers within grace", func(t *testing.T) {
		tr := &scriptedTransport{responses: []scripted{notFound, notFound, status("running"), status("completed")}}
		c := newTestClient(tr, newFakeClock())

		res, err := c.AwaitCompletion(context.Background(), JobHandle{ID: "bulk_1"}, Policy{Interval: time.Second, MaxAttempts: 10, NotFoundGrace: 2})
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, res.State)
		assert.Equal(t, 4, res.Attempts)
	})

	t.Run("gives up past grace", func(t *testing.T) {
		tr := &scriptedTransport{responses: []scripted{notFound}}
		c := newTestClient(tr, newFakeClock())

		res, err := c.AwaitCompletion(context.Background(), JobHandle{ID: "bulk_1"}, Policy{Interval: time.Second, MaxAttempts: 10, NotFoundGrace: 1})
		assert.ErrorIs(t, err, ErrJobNotFound)
		assert.Equal(t, StateNotFound, res.State)
		assert.Equal(t, 2, res.Attempts)
	})
}

func TestAwaitCompletion_FailedJobIsNotNotFound(t *testing.T) {
	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"missing source", `{"success":false,"job_id":"bulk_1","status":"failed","error":"Source PDF not found at URL"}`, "Source PDF not found at URL"},
		{"error status", `{"success":false,"job_id":"bulk_1","status":"error","error":"embedding generation failed"}`, "embedding generation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &scriptedTransport{responses: []scripted{status("processing"), {body: tt.body}}}
			c := newTestClient(tr, newFakeClock())

			res, err := c.AwaitCompletion(context.Background(), JobHandle{ID: "bulk_1"}, Policy{Interval: time.Second, MaxAttempts: 10})
			require.NoError(t, err)
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, 2, res.Attempts)
			assert.Equal(t, tt.msg, res.Final.Error)
		})
	}
}

func TestAwaitCompletion_NestedStatusCompletes(t *testing.T) {
	tr := &scriptedTransport{responses: []scripted{{body: `{"status":"success","data":{"job_id":"bulk_1","status":"completed","document_id":"doc-1"}}`}}}
	c := newTestClient(tr, newFakeClock())

	res, err := c.AwaitCompletion(context.Background(), JobHandle{ID: "bulk_1"}, Policy{Interval: time.Second, MaxAttempts: 4})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "data.status", res.Final.Matched[FieldStatus])
}

func TestAwaitCompletion_TransientErrorsCountAsAttempts(t *testing.T) {
	tr := &scriptedTransport{responses: []scripted{
		{err: &HTTPError{Action: ActionStatus, StatusCode: http.StatusBadGateway}},
		{err: &HTTPError{Action: ActionStatus, StatusCode: http.StatusTooManyRequests}},
		status("completed"),
	}}
	clock := newFakeClock()
	c := newTestClient(tr, clock)

	res, err := c.AwaitCompletion(context.Background(), JobHandle{ID: "bulk_1"}, Policy{Interval: 2 * time.Second, MaxAttempts: 5})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, clock.sleeps, 2)
	assert.Error(t, res.LastErr)
}

func TestAwaitCompletion_TransientErrorsStillBoundedByBudget(t *testing.T) {
	tr := &scriptedTransport{responses: []scripted{{err: &HTTPError{Action: ActionStatus, StatusCode: http.StatusServiceUnavailable}}}}
	c := newTestClient(tr, newFakeClock())

	res, err := c.AwaitCompletion(context.Background(), JobHandle{ID: "bulk_1"}, Policy{Interval: time.Second, MaxAttempts: 4})
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, res.State)
	assert.Len(t, tr.calls, 4)
}

func TestAwaitCompletion_PermanentErrorAborts(t *testing.T) {
	tr := &scriptedTransport{responses: []scripted{{err: &HTTPError{Action: ActionStatus, StatusCode: http.StatusUnauthorized}}}}
	c := newTestClient(tr, newFakeClock())

	res, err := c.AwaitCompletion(context.Background(), JobHandle{ID: "bulk_1"}, Policy{Interval: time.Second, MaxAttempts: 10})
	require.Error(t, err)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, StatePolling, res.State)
	assert.Len(t, tr.calls, 1)
}

func TestAwaitCompletion_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &scriptedTransport{responses: []scripted{status("processing")}}
	c := newTestClient(tr, newFakeClock(), WithObserver(func(int, JobSnapshot, []ProgressPoint) { cancel() }))

	_, err := c.AwaitCompletion(ctx, JobHandle{ID: "bulk_1"}, Policy{Interval: time.Second, MaxAttempts: 100})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, tr.calls, 1)
}

func TestAwaitCompletion_ObserverSeesProgressHistory(t *testing.T) {
	tr := &scriptedTransport{responses: []scripted{
		{body: `{"status":"processing","progress":10}`},
		{body: `{"status":"processing","progress_percentage":55}`},
		{body: `{"status":"completed","progress":100}`},
	}}
	var seen []float64
	c := newTestClient(tr, newFakeClock(), WithObserver(func(attempt int, snap JobSnapshot, history []ProgressPoint) {
		assert.Len(t, history, attempt)
		seen = append(seen, snap.Progress)
	}))

	res, err := c.AwaitCompletion(context.Background(), JobHandle{ID: "bulk_1"}, Policy{Interval: time.Second, MaxAttempts: 5})
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 55, 100}, seen)
	require.Len(t, res.History, 3)
	assert.True(t, res.History[1].HasProgress)
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
