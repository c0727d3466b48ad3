package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/humidor-monitor/internal/alert"
	"github.com/i474232898/humidor-monitor/internal/monitor"
	"github.com/i474232898/humidor-monitor/internal/sensor"
)

// ErrCycleInProgress is returned when a cycle is requested while another one runs.
var ErrCycleInProgress = errors.New("refresh cycle already in progress")

// Runner executes one refresh cycle.
type Runner interface {
	RunCycle(ctx context.Context) (monitor.CycleReport, error)
}

// Options configures a Scheduler.
type Options struct {
	// ForegroundInterval is the period of the foreground loop.
	ForegroundInterval time.Duration
	Backoff            BackoffPolicy
	// Dispatcher receives the persistent-failure notification. May be nil.
	Dispatcher alert.Dispatcher
	// OnStateChange observes every state transition after a cycle.
	OnStateChange func(SyncState)
}

// Scheduler triggers refresh cycles in the foreground on a fixed period and
// in the background whenever the host grants an opportunity.
type Scheduler struct {
	runner Runner
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	running atomic.Bool

	mu    sync.Mutex
	state SyncState
	// failedStreak counts consecutive fully-failed cycles; partial failures
	// reset it but still count toward ConsecutiveFailures.
	failedStreak int
	escalated    bool

	cron *gocron.Scheduler
}

// New creates a new Scheduler.
func New(runner Runner, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ForegroundInterval <= 0 {
		opts.ForegroundInterval = time.Minute
	}
	if opts.Backoff.BaseInterval <= 0 {
		opts.Backoff = DefaultBackoffPolicy()
	}
	return &Scheduler{
		runner: runner,
		opts:   opts,
		logger: logger.With("component", "scheduler"),
		now:    func() time.Time { return time.Now().UTC() },
		state:  SyncState{Phase: PhaseIdle},
	}
}

// State returns a copy of the current sync state.
func (s *Scheduler) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// RunOnce executes a single cycle unless one is already running, in which
// case it returns ErrCycleInProgress without waiting.
func (s *Scheduler) RunOnce(ctx context.Context) (SyncState, error) {
	if !s.running.CompareAndSwap(false, true) {
		return s.State(), ErrCycleInProgress
	}
	defer s.running.Store(false)

	s.mu.Lock()
	s.state.Phase = PhaseRunning
	s.mu.Unlock()

	report, err := s.runner.RunCycle(ctx)
	outcome := report.Outcome
	if err != nil {
		// A revoked cycle counts as a failure.
		outcome = sensor.OutcomeFailed
	}

	state, failed, escalate := s.complete(outcome, cycleError(report, err))
	if escalate {
		s.escalate(ctx, state, failed)
	}
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(state)
	}
	return state, err
}

func (s *Scheduler) complete(outcome sensor.Outcome, lastErr string) (SyncState, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Phase = PhaseIdle
	s.state.LastOutcome = outcome
	escalate := false

	if outcome == sensor.OutcomeSucceeded {
		now := s.now()
		s.state.LastSuccessfulSync = &now
		s.state.ConsecutiveFailures = 0
		s.state.LastError = ""
	} else {
		s.state.ConsecutiveFailures++
		s.state.LastError = lastErr
	}

	if outcome == sensor.OutcomeFailed {
		s.failedStreak++
		if s.failedStreak >= s.opts.Backoff.Threshold && !s.escalated {
			s.escalated = true
			escalate = true
		}
	} else {
		s.failedStreak = 0
		s.escalated = false
	}
	return s.state.clone(), s.failedStreak, escalate
}

func (s *Scheduler) setNextRun(t time.Time) {
	s.mu.Lock()
	s.state.NextEarliestRun = t
	s.mu.Unlock()
}

func (s *Scheduler) escalate(ctx context.Context, state SyncState, failed int) {
	s.logger.Error("sensor refresh keeps failing",
		"consecutive_failures", failed,
		"last_error", state.LastError)
	if s.opts.Dispatcher == nil {
		return
	}

	// The cycle context may already be revoked; delivery gets its own deadline.
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	n := alert.Notification{
		ID:   alert.NotificationID(alert.KindSyncTrouble, ""),
		Kind: alert.KindSyncTrouble,
		Message: fmt.Sprintf("Sensor data could not be refreshed for %d consecutive cycles: %s",
			failed, state.LastError),
	}
	if err := s.opts.Dispatcher.Notify(nctx, n); err != nil {
		s.logger.Warn("failed to deliver sync trouble notification", "error", err)
	}
}

// cycleError summarizes why a cycle did not fully succeed.
func cycleError(report monitor.CycleReport, err error) string {
	if err != nil {
		return err.Error()
	}
	var parts []string
	for _, res := range report.Results {
		if !res.OK() {
			parts = append(parts, fmt.Sprintf("%s: %v", res.SensorID, res.Err))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("%d of %d sensors failed: %s", len(parts), len(report.Results), strings.Join(parts, "; "))
}

// StartForeground runs a cycle now and then every ForegroundInterval until
// ctx is cancelled. A cycle still running at cancellation completes on its
// own fetch timeouts.
func (s *Scheduler) StartForeground(ctx context.Context) error {
	cron := gocron.NewScheduler(time.UTC)
	interval := s.opts.ForegroundInterval

	_, err := cron.Every(interval).Do(func() {
		if ctx.Err() != nil {
			return
		}
		s.setNextRun(s.now().Add(interval))
		if _, err := s.RunOnce(context.WithoutCancel(ctx)); errors.Is(err, ErrCycleInProgress) {
			s.logger.Debug("skipping foreground cycle, previous one still running")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule foreground refresh: %w", err)
	}

	s.mu.Lock()
	s.cron = cron
	s.mu.Unlock()

	cron.StartAsync()
	s.logger.Info("foreground refresh started", "interval", interval)

	go func() {
		<-ctx.Done()
		cron.Stop()
		s.logger.Info("foreground refresh stopped")
	}()
	return nil
}

// StartBackground asks the host for an opportunity now. Every granted
// opportunity runs one cycle and requests the next one according to the
// backoff policy, until ctx is cancelled.
func (s *Scheduler) StartBackground(ctx context.Context, host Host) error {
	var task Task
	task = func(taskCtx context.Context) {
		state, err := s.RunOnce(taskCtx)
		switch {
		case errors.Is(err, ErrCycleInProgress):
			s.logger.Debug("background opportunity overlapped a running cycle")
		case err != nil:
			s.logger.Warn("background cycle revoked", "error", err)
		}
		if ctx.Err() != nil {
			return
		}

		next := s.now().Add(s.opts.Backoff.NextDelay(state.ConsecutiveFailures))
		s.setNextRun(next)
		if err := host.Request(next, task); err != nil {
			s.logger.Error("failed to request background opportunity", "error", err)
			return
		}
		s.logger.Debug("next background opportunity requested", "earliest", next)
	}

	now := s.now()
	s.setNextRun(now)
	if err := host.Request(now, task); err != nil {
		host.Stop()
		return fmt.Errorf("request background opportunity: %w", err)
	}
	s.logger.Info("background refresh registered")

	go func() {
		<-ctx.Done()
		host.Stop()
	}()
	return nil
}

// Stop stops the foreground loop if it was started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cron := s.cron
	s.mu.Unlock()
	if cron != nil {
		cron.Stop()
	}
}
