package alert

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Thresholds are the acceptable ranges for a humidor. Temperatures are in °F.
type Thresholds struct {
	TemperatureLow  float64 `json:"temperatureLow" yaml:"temperatureLow" validate:"gte=-40,lte=140"`
	TemperatureHigh float64 `json:"temperatureHigh" yaml:"temperatureHigh" validate:"gtfield=TemperatureLow,lte=140"`
	HumidityLow     float64 `json:"humidityLow" yaml:"humidityLow" validate:"gte=0,lte=100"`
	HumidityHigh    float64 `json:"humidityHigh" yaml:"humidityHigh" validate:"gtfield=HumidityLow,lte=100"`
}

// DefaultThresholds is a conventional humidor range.
var DefaultThresholds = Thresholds{
	TemperatureLow:  65,
	TemperatureHigh: 75,
	HumidityLow:     62,
	HumidityHigh:    72,
}

// Validate checks ranges and ordering.
func (t Thresholds) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}
	return nil
}

// ThresholdStore is the process-wide threshold configuration. The evaluator
// only reads snapshots; updates come from configuration owners.
type ThresholdStore struct {
	mu sync.RWMutex
	t  Thresholds
}

// NewThresholdStore validates and stores the initial thresholds.
func NewThresholdStore(t Thresholds) (*ThresholdStore, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &ThresholdStore{t: t}, nil
}

// Snapshot returns a consistent copy.
func (s *ThresholdStore) Snapshot() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t
}

// Update replaces the thresholds after validation.
func (s *ThresholdStore) Update(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.t = t
	s.mu.Unlock()
	return nil
}
