package scheduler

import (
	"time"

	"github.com/i474232898/humidor-monitor/internal/sensor"
)

// Phase is whether a cycle is currently executing.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
)

// SyncState is the scheduler's view of refresh health.
type SyncState struct {
	Phase               Phase          `json:"phase"`
	LastOutcome         sensor.Outcome `json:"lastOutcome,omitempty"`
	LastSuccessfulSync  *time.Time     `json:"lastSuccessfulSync,omitempty"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	NextEarliestRun     time.Time      `json:"nextEarliestRun"`
	LastError           string         `json:"lastError,omitempty"`
}

func (s SyncState) clone() SyncState {
	if s.LastSuccessfulSync != nil {
		t := *s.LastSuccessfulSync
		s.LastSuccessfulSync = &t
	}
	return s
}

const maxShift = 27

// BackoffPolicy decides how long to wait before the next background opportunity.
type BackoffPolicy struct {
	// BaseInterval is used while failures stay below Threshold.
	BaseInterval time.Duration
	// Threshold is the failure count at which exponential backoff starts.
	Threshold int
	// MaxDelay is the host ceiling; zero means uncapped.
	MaxDelay time.Duration
}

// DefaultBackoffPolicy waits 15 minutes, backs off after 3 failures and caps at 4 hours.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseInterval: 15 * time.Minute,
		Threshold:    3,
		MaxDelay:     4 * time.Hour,
	}
}

// NextDelay is BaseInterval below the threshold and 2^failures minutes from it on,
// never more than MaxDelay.
func (p BackoffPolicy) NextDelay(failures int) time.Duration {
	if failures < p.Threshold {
		return p.BaseInterval
	}

	// 2^28 minutes no longer fits in a time.Duration.
	if failures > maxShift {
		if p.MaxDelay > 0 {
			return p.MaxDelay
		}
		failures = maxShift
	}
	d := time.Duration(1<<uint(failures)) * time.Minute
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
