package sensor

import (
	"fmt"
	"time"
)

// SourceKind identifies which integration a sensor is read through.
type SourceKind string

const (
	KindLocalAccessory SourceKind = "local_accessory"
	KindCloudAccount   SourceKind = "cloud_account"
)

// Valid reports whether k is one of the two supported source variants.
func (k SourceKind) Valid() bool {
	return k == KindLocalAccessory || k == KindCloudAccount
}

// Reading is one normalized sample. Temperature is in °F, humidity in percent.
type Reading struct {
	SensorID    string    `json:"sensorId"`
	Timestamp   time.Time `json:"timestamp"` // always UTC
	Temperature float64   `json:"temperatureF"`
	Humidity    float64   `json:"humidityPercent"`
}

// NewReading builds a Reading with a UTC timestamp.
func NewReading(sensorID string, ts time.Time, temperatureF, humidity float64) Reading {
	return Reading{
		SensorID:    sensorID,
		Timestamp:   ts.UTC(),
		Temperature: temperatureF,
		Humidity:    humidity,
	}
}

// CelsiusToFahrenheit converts a temperature reported by metric hardware.
func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// Descriptor is the read-only configuration of a logical sensor.
// Location is an opaque label; empty means not set.
type Descriptor struct {
	ID          string     `json:"id" yaml:"id" validate:"required"`
	DisplayName string     `json:"displayName" yaml:"displayName"`
	Kind        SourceKind `json:"sourceKind" yaml:"kind" validate:"required,oneof=local_accessory cloud_account"`
	Location    string     `json:"location,omitempty" yaml:"location"`
}

// Name returns the display name, falling back to the id.
func (d Descriptor) Name() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.ID
}

// TimeRange is the closed set of history windows a source can be asked for.
type TimeRange string

const (
	RangeHour TimeRange = "hour"
	RangeDay  TimeRange = "day"
	RangeWeek TimeRange = "week"
)

// Ceiling is the maximum number of samples held or requested for the range.
func (r TimeRange) Ceiling() int {
	switch r {
	case RangeHour:
		return 60
	case RangeDay:
		return 288
	case RangeWeek:
		return 672
	default:
		return 0
	}
}

// Duration is the wall-clock span the range nominally covers.
func (r TimeRange) Duration() time.Duration {
	switch r {
	case RangeHour:
		return time.Hour
	case RangeDay:
		return 24 * time.Hour
	case RangeWeek:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// ParseTimeRange maps a string onto the closed set of ranges.
func ParseTimeRange(s string) (TimeRange, error) {
	switch r := TimeRange(s); r {
	case RangeHour, RangeDay, RangeWeek:
		return r, nil
	default:
		return "", fmt.Errorf("unknown time range %q", s)
	}
}
