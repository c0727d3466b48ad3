package alert

import (
	"math"

	"github.com/i474232898/humidor-monitor/internal/sensor"
)

// Status is a display classification. It never produces alerts on its own.
type Status string

const (
	StatusNormal  Status = "normal"
	StatusWarning Status = "warning"
	StatusAlert   Status = "alert"
)

// Warning margins from the threshold midpoint.
const (
	TemperatureWarningMargin = 3.0
	HumidityWarningMargin    = 5.0
)

// Classify places a value relative to [low, high]. Inside the range but more
// than margin away from the midpoint is a warning.
func Classify(value, low, high, margin float64) Status {
	if value < low || value > high {
		return StatusAlert
	}
	mid := (low + high) / 2
	if math.Abs(value-mid) > margin {
		return StatusWarning
	}
	return StatusNormal
}

// ReadingStatus is the display status of a reading per metric and overall.
type ReadingStatus struct {
	Temperature Status `json:"temperature"`
	Humidity    Status `json:"humidity"`
	Overall     Status `json:"overall"`
}

// StatusOf classifies both metrics of a reading; the overall status is the worse one.
func StatusOf(r sensor.Reading, t Thresholds) ReadingStatus {
	rs := ReadingStatus{
		Temperature: Classify(r.Temperature, t.TemperatureLow, t.TemperatureHigh, TemperatureWarningMargin),
		Humidity:    Classify(r.Humidity, t.HumidityLow, t.HumidityHigh, HumidityWarningMargin),
	}
	rs.Overall = worse(rs.Temperature, rs.Humidity)
	return rs
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusNormal: 0, StatusWarning: 1, StatusAlert: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
