// Package monitor runs one refresh cycle end to end: fetch every sensor,
// analyze the working windows and evaluate the latest readings.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/humidor-monitor/internal/alert"
	"github.com/i474232898/humidor-monitor/internal/sensor"
	"github.com/i474232898/humidor-monitor/internal/stability"
)

// ErrCycleAbandoned is returned when the cycle context ended before the
// cycle completed. Readings recorded so far are kept.
var ErrCycleAbandoned = errors.New("refresh cycle abandoned")

// AuthHook is called with the sensors whose cloud session needs to be renewed.
type AuthHook func(ctx context.Context, sensorIDs []string)

// Options configures a Service.
type Options struct {
	// OnAuthRequired runs after a cycle in which at least one source answered
	// ErrAuthRequired.
	OnAuthRequired AuthHook
	// DropMissing removes sensors that answered ErrNotFound from the registry.
	DropMissing bool
}

// CycleReport describes one completed or abandoned cycle.
type CycleReport struct {
	ID           uuid.UUID
	Outcome      sensor.Outcome
	Results      []sensor.Result
	Alerts       []alert.Alert
	Stability    map[string]stability.Report
	AuthRequired []string
	NotFound     []string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Service orchestrates registry, analyzer and evaluator.
type Service struct {
	registry  *sensor.Registry
	evaluator *alert.Evaluator
	opts      Options
	logger    *slog.Logger

	mu        sync.RWMutex
	stability map[string]stability.Report
}

// NewService creates a new Service.
func NewService(registry *sensor.Registry, evaluator *alert.Evaluator, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:  registry,
		evaluator: evaluator,
		opts:      opts,
		logger:    logger.With("component", "monitor"),
		stability: make(map[string]stability.Report),
	}
}

// Registry returns the sensor registry.
func (s *Service) Registry() *sensor.Registry { return s.registry }

// Evaluator returns the alert evaluator.
func (s *Service) Evaluator() *alert.Evaluator { return s.evaluator }

// RunCycle refreshes every sensor, analyzes the windows of the sensors that
// answered and evaluates their current readings. The returned error is nil
// unless the cycle was abandoned; per-sensor failures are reported through
// the outcome.
func (s *Service) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{ID: uuid.New()}

	cycle := s.registry.RefreshAll(ctx)
	report.Results = cycle.Results
	report.Outcome = cycle.Outcome
	report.StartedAt = cycle.StartedAt
	report.FinishedAt = cycle.FinishedAt

	if err := ctx.Err(); err != nil {
		report.Outcome = sensor.OutcomeFailed
		observeCycle(cycle, outcomeAbandoned)
		s.logger.Warn("refresh cycle abandoned", "cycle", report.ID, "error", err)
		return report, fmt.Errorf("%w: %w", ErrCycleAbandoned, err)
	}
	observeCycle(cycle, string(cycle.Outcome))

	for _, res := range cycle.Results {
		switch res.Kind() {
		case sensor.ErrKindAuthRequired:
			report.AuthRequired = append(report.AuthRequired, res.SensorID)
		case sensor.ErrKindNotFound:
			report.NotFound = append(report.NotFound, res.SensorID)
		}
	}

	report.Stability = s.analyze(cycle)
	report.Alerts = s.evaluator.Evaluate(ctx, cycle.Readings())
	observeAlerts(report.Alerts)

	if s.opts.DropMissing {
		for _, id := range report.NotFound {
			s.registry.Remove(id)
			s.forget(id)
			s.logger.Warn("sensor removed after not found upstream", "sensor", id)
		}
	}
	if len(report.AuthRequired) > 0 && s.opts.OnAuthRequired != nil {
		s.opts.OnAuthRequired(ctx, report.AuthRequired)
	}

	s.logger.Info("refresh cycle completed",
		"cycle", report.ID,
		"outcome", report.Outcome,
		"sensors", len(report.Results),
		"alerts", len(report.Alerts),
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

func (s *Service) analyze(cycle sensor.Cycle) map[string]stability.Report {
	ceiling := s.registry.HistoryRange().Ceiling()
	out := make(map[string]stability.Report)
	for _, res := range cycle.Results {
		if !res.OK() {
			continue
		}
		out[res.SensorID] = stability.Analyze(s.registry.Window(res.SensorID), ceiling)
	}

	s.mu.Lock()
	for id, rep := range out {
		s.stability[id] = rep
	}
	s.mu.Unlock()
	return out
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.stability, id)
	s.mu.Unlock()
}

// Stability returns the last analysis of a sensor's window.
func (s *Service) Stability(id string) (stability.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rep, ok := s.stability[id]
	return rep, ok
}

// SensorStatus is the display state of one sensor.
type SensorStatus struct {
	Descriptor sensor.Descriptor    `json:"descriptor"`
	Live       bool                 `json:"live"`
	Reading    *sensor.Reading      `json:"reading,omitempty"`
	Status     *alert.ReadingStatus `json:"status,omitempty"`
	Stability  *stability.Report    `json:"stability,omitempty"`
	LastError  string               `json:"lastError,omitempty"`
}

// Statuses returns the display state of every registered sensor, ordered by id.
func (s *Service) Statuses() []SensorStatus {
	thresholds := s.evaluator.Thresholds().Snapshot()
	descs := s.registry.Descriptors()
	out := make([]SensorStatus, 0, len(descs))
	for _, d := range descs {
		out = append(out, s.status(d, thresholds))
	}
	return out
}

// Status returns the display state of one sensor.
func (s *Service) Status(id string) (SensorStatus, bool) {
	src, ok := s.registry.Lookup(id)
	if !ok {
		return SensorStatus{}, false
	}
	return s.status(src.Descriptor(), s.evaluator.Thresholds().Snapshot()), true
}

func (s *Service) status(d sensor.Descriptor, t alert.Thresholds) SensorStatus {
	st := SensorStatus{Descriptor: d}
	if src, ok := s.registry.Lookup(d.ID); ok {
		st.Live = src.IsLive()
	}
	if r, ok := s.registry.Latest(d.ID); ok {
		st.Reading = &r
		rs := alert.StatusOf(r, t)
		st.Status = &rs
	}
	if rep, ok := s.Stability(d.ID); ok {
		st.Stability = &rep
	}
	if err := s.registry.LastError(d.ID); err != nil {
		st.LastError = err.Error()
	}
	return st
}
