package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSourceUnavailable means the hardware or API could not be reached. Transient.
	ErrSourceUnavailable = errors.New("sensor source unavailable")
	// ErrAuthRequired means the cloud session expired. Not retried by the core.
	ErrAuthRequired = errors.New("sensor source requires authentication")
	// ErrNotFound means the sensor no longer exists upstream.
	ErrNotFound = errors.New("sensor not found upstream")
	// ErrTimeout is a fetch that exceeded its deadline; it is treated as unavailable.
	ErrTimeout = fmt.Errorf("%w: fetch timed out", ErrSourceUnavailable)
)

// ErrorKind is the reduced classification of a fetch failure.
type ErrorKind string

const (
	ErrKindNone              ErrorKind = ""
	ErrKindSourceUnavailable ErrorKind = "source_unavailable"
	ErrKindAuthRequired      ErrorKind = "auth_required"
	ErrKindNotFound          ErrorKind = "not_found"
)

// Classify reduces any fetch error to the error taxonomy. Unknown errors are
// considered transient.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrKindNone
	case errors.Is(err, ErrAuthRequired):
		return ErrKindAuthRequired
	case errors.Is(err, ErrNotFound):
		return ErrKindNotFound
	default:
		return ErrKindSourceUnavailable
	}
}

// Retryable reports whether a failure may be retried by the core.
func Retryable(err error) bool {
	return Classify(err) == ErrKindSourceUnavailable
}

// Source abstracts one sensor reachable through either a local accessory
// bridge or a cloud account. Exactly those two variants exist.
type Source interface {
	Descriptor() Descriptor
	FetchCurrent(ctx context.Context) (Reading, error)
	// FetchHistory returns at most window.Ceiling() readings, ascending by timestamp.
	FetchHistory(ctx context.Context, window TimeRange) ([]Reading, error)
	// IsLive is a cheap probe; it must not perform I/O.
	IsLive() bool
}

// Store holds the per-sensor working window.
type Store interface {
	Replace(sensorID string, readings []Reading)
	Insert(r Reading)
	Window(sensorID string) []Reading
	// GetRange returns the readings between from and to, inclusive.
	GetRange(sensorID string, from, to time.Time) []Reading
	Delete(sensorID string)
}
