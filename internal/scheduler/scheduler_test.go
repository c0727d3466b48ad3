package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/humidor-monitor/internal/alert"
	"github.com/i474232898/humidor-monitor/internal/monitor"
	"github.com/i474232898/humidor-monitor/internal/sensor"
)

var clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type scriptedRunner struct {
	mu       sync.Mutex
	outcomes []sensor.Outcome
	calls    int
	release  chan struct{}
	started  chan struct{}
}

func (r *scriptedRunner) RunCycle(ctx context.Context) (monitor.CycleReport, error) {
	r.mu.Lock()
	outcome := sensor.OutcomeSucceeded
	if r.calls < len(r.outcomes) {
		outcome = r.outcomes[r.calls]
	}
	r.calls++
	release, started := r.release, r.started
	r.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return monitor.CycleReport{Outcome: sensor.OutcomeFailed}, monitor.ErrCycleAbandoned
		}
	}

	report := monitor.CycleReport{Outcome: outcome}
	if outcome != sensor.OutcomeSucceeded {
		report.Results = []sensor.Result{
			{SensorID: "cabinet", Err: sensor.ErrSourceUnavailable},
			{SensorID: "desk"},
		}
	}
	return report, nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []alert.Notification
}

func (d *recordingDispatcher) Notify(_ context.Context, n alert.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type fakeHost struct {
	mu       sync.Mutex
	requests []time.Time
	pending  Task
	stopped  bool
}

func (h *fakeHost) Request(earliest time.Time, task Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return ErrHostStopped
	}
	h.requests = append(h.requests, earliest)
	h.pending = task
	return nil
}

func (h *fakeHost) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

// grant runs the pending task with ctx, like the host granting an opportunity.
func (h *fakeHost) grant(ctx context.Context) {
	h.mu.Lock()
	task := h.pending
	h.pending = nil
	h.mu.Unlock()
	task(ctx)
}

func (h *fakeHost) last() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[len(h.requests)-1]
}

func newTestScheduler(runner Runner, d alert.Dispatcher) *Scheduler {
	s := New(runner, Options{Dispatcher: d}, nil)
	s.now = func() time.Time { return clock }
	return s
}

func TestNextDelay(t *testing.T) {
	p := DefaultBackoffPolicy()
	assert.Equal(t, 15*time.Minute, p.NextDelay(0))
	assert.Equal(t, 15*time.Minute, p.NextDelay(2))
	assert.Equal(t, 8*time.Minute, p.NextDelay(3))
	assert.Equal(t, 16*time.Minute, p.NextDelay(4))
	assert.Equal(t, 128*time.Minute, p.NextDelay(7))
	assert.Equal(t, 4*time.Hour, p.NextDelay(8))
	assert.Equal(t, 4*time.Hour, p.NextDelay(1000))

	uncapped := BackoffPolicy{BaseInterval: time.Minute, Threshold: 1}
	assert.Positive(t, uncapped.NextDelay(1000))
}

func TestRunOnceTracksFailuresAndSuccess(t *testing.T) {
	runner := &scriptedRunner{outcomes: []sensor.Outcome{
		sensor.OutcomePartiallyFailed,
		sensor.OutcomeFailed,
		sensor.OutcomeSucceeded,
	}}
	s := newTestScheduler(runner, nil)

	state, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, state.ConsecutiveFailures)
	assert.Equal(t, sensor.OutcomePartiallyFailed, state.LastOutcome)
	assert.Contains(t, state.LastError, "1 of 2 sensors failed")
	assert.Nil(t, state.LastSuccessfulSync)

	state, _ = s.RunOnce(context.Background())
	assert.Equal(t, 2, state.ConsecutiveFailures)

	state, _ = s.RunOnce(context.Background())
	assert.Equal(t, 0, state.ConsecutiveFailures)
	assert.Empty(t, state.LastError)
	require.NotNil(t, state.LastSuccessfulSync)
	assert.Equal(t, clock, *state.LastSuccessfulSync)
	assert.Equal(t, PhaseIdle, state.Phase)
}

func TestThreeFailedBackgroundCyclesBackOffAndEscalateOnce(t *testing.T) {
	runner := &scriptedRunner{outcomes: []sensor.Outcome{
		sensor.OutcomeFailed,
		sensor.OutcomeFailed,
		sensor.OutcomeFailed,
		sensor.OutcomeFailed,
	}}
	d := &recordingDispatcher{}
	s := newTestScheduler(runner, d)
	host := &fakeHost{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.StartBackground(ctx, host))
	assert.Equal(t, clock, host.last(), "first opportunity is requested now")

	host.grant(ctx)
	assert.Equal(t, clock.Add(15*time.Minute), host.last())
	host.grant(ctx)
	assert.Equal(t, clock.Add(15*time.Minute), host.last())
	host.grant(ctx)

	state := s.State()
	assert.Equal(t, 3, state.ConsecutiveFailures)
	assert.Equal(t, clock.Add(8*time.Minute), host.last())
	assert.Equal(t, clock.Add(8*time.Minute), state.NextEarliestRun)
	require.Equal(t, 1, d.count())
	assert.Equal(t, alert.KindSyncTrouble, d.sent[0].Kind)

	host.grant(ctx)
	assert.Equal(t, clock.Add(16*time.Minute), host.last())
	assert.Equal(t, 1, d.count(), "escalation is one-shot")
}

func TestEscalationRearmsAfterSuccess(t *testing.T) {
	f, ok := sensor.OutcomeFailed, sensor.OutcomeSucceeded
	runner := &scriptedRunner{outcomes: []sensor.Outcome{f, f, f, ok, f, f, f}}
	d := &recordingDispatcher{}
	s := newTestScheduler(runner, d)

	for i := 0; i < 7; i++ {
		_, err := s.RunOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, d.count())
}

func TestPartialFailuresBackOffWithoutEscalating(t *testing.T) {
	p := sensor.OutcomePartiallyFailed
	runner := &scriptedRunner{outcomes: []sensor.Outcome{p, p, p, p}}
	d := &recordingDispatcher{}
	s := newTestScheduler(runner, d)

	var state SyncState
	for i := 0; i < 4; i++ {
		var err error
		state, err = s.RunOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 4, state.ConsecutiveFailures)
	assert.Equal(t, 16*time.Minute, DefaultBackoffPolicy().NextDelay(state.ConsecutiveFailures))
	assert.Equal(t, 0, d.count())
}

func TestPartialFailureBreaksFailedStreak(t *testing.T) {
	f, p := sensor.OutcomeFailed, sensor.OutcomePartiallyFailed
	runner := &scriptedRunner{outcomes: []sensor.Outcome{f, f, p, f, f}}
	d := &recordingDispatcher{}
	s := newTestScheduler(runner, d)

	for i := 0; i < 5; i++ {
		_, err := s.RunOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 5, s.State().ConsecutiveFailures)
	assert.Equal(t, 0, d.count())

	runner.mu.Lock()
	runner.outcomes = append(runner.outcomes, f)
	runner.mu.Unlock()
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, d.count())
	assert.Contains(t, d.sent[0].Message, "3 consecutive cycles")
}

func TestRevokedOpportunityCountsAsFailure(t *testing.T) {
	runner := &scriptedRunner{release: make(chan struct{})}
	s := newTestScheduler(runner, nil)
	host := &fakeHost{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.StartBackground(ctx, host))

	taskCtx, revoke := context.WithCancel(ctx)
	revoke()
	host.grant(taskCtx)

	state := s.State()
	assert.Equal(t, 1, state.ConsecutiveFailures)
	assert.Equal(t, sensor.OutcomeFailed, state.LastOutcome)
	assert.Contains(t, state.LastError, "abandoned")
	assert.Equal(t, clock.Add(15*time.Minute), host.last())
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	runner := &scriptedRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestScheduler(runner, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-runner.started
	assert.Equal(t, PhaseRunning, s.State().Phase)

	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(runner.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, PhaseIdle, s.State().Phase)
}

func TestBackgroundStopsRequestingAfterCancel(t *testing.T) {
	s := newTestScheduler(&scriptedRunner{}, nil)
	host := &fakeHost{}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.StartBackground(ctx, host))
	cancel()

	host.grant(context.Background())
	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Len(t, host.requests, 1)
}

func TestStateChangeObserver(t *testing.T) {
	var seen []int
	s := New(&scriptedRunner{outcomes: []sensor.Outcome{sensor.OutcomeFailed}}, Options{
		OnStateChange: func(st SyncState) { seen = append(seen, st.ConsecutiveFailures) },
	}, nil)

	_, _ = s.RunOnce(context.Background())
	_, _ = s.RunOnce(context.Background())
	assert.Equal(t, []int{1, 0}, seen)
}

func TestHostRejectsRequestsAfterStop(t *testing.T) {
	h := NewGocronHost(time.Second, nil)
	h.Stop()
	err := h.Request(time.Now(), func(context.Context) {})
	assert.True(t, errors.Is(err, ErrHostStopped))
}

func TestStartBackgroundFailureStopsHost(t *testing.T) {
	s := newTestScheduler(&scriptedRunner{}, nil)
	host := &fakeHost{stopped: true}

	err := s.StartBackground(context.Background(), host)
	require.ErrorIs(t, err, ErrHostStopped)
	assert.True(t, host.stopped)
	assert.Empty(t, host.requests)
}
