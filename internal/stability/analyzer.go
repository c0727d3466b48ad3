// Package stability computes variance-derived stability scores and range
// statistics over a window of readings. It performs no I/O.
package stability

import (
	"sort"
	"time"

	"github.com/i474232898/humidor-monitor/internal/sensor"
)

// Sensitivity scales: smaller is stricter. A variance equal to the scale
// scores 0.
const (
	HumidityScale    = 10.0
	TemperatureScale = 5.0
)

// MetricStats summarizes one metric over a window.
type MetricStats struct {
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Average   float64 `json:"average"`
	Variance  float64 `json:"variance"`
	Stability float64 `json:"stability"`
}

// Report is the analysis of one sensor's window.
type Report struct {
	SensorID    string      `json:"sensorId"`
	Samples     int         `json:"samples"`
	From        time.Time   `json:"from,omitempty"`
	To          time.Time   `json:"to,omitempty"`
	Temperature MetricStats `json:"temperature"`
	Humidity    MetricStats `json:"humidity"`
}

// Analyze sorts the readings by timestamp, keeps the newest ceiling samples
// (all of them when ceiling <= 0) and computes statistics per metric.
// Fewer than two samples are treated as stable.
func Analyze(readings []sensor.Reading, ceiling int) Report {
	window := make([]sensor.Reading, len(readings))
	copy(window, readings)
	sort.SliceStable(window, func(i, j int) bool {
		return window[i].Timestamp.Before(window[j].Timestamp)
	})
	if ceiling > 0 && len(window) > ceiling {
		window = window[len(window)-ceiling:]
	}

	rep := Report{Samples: len(window)}
	if len(window) == 0 {
		rep.Temperature.Stability = 1
		rep.Humidity.Stability = 1
		return rep
	}

	rep.SensorID = window[0].SensorID
	rep.From = window[0].Timestamp
	rep.To = window[len(window)-1].Timestamp

	temps := make([]float64, len(window))
	hums := make([]float64, len(window))
	for i, r := range window {
		temps[i] = r.Temperature
		hums[i] = r.Humidity
	}
	rep.Temperature = stats(temps, TemperatureScale)
	rep.Humidity = stats(hums, HumidityScale)
	return rep
}

func stats(values []float64, scale float64) MetricStats {
	ms := MetricStats{Min: values[0], Max: values[0]}
	for _, v := range values {
		if v < ms.Min {
			ms.Min = v
		}
		if v > ms.Max {
			ms.Max = v
		}
	}
	ms.Average = Mean(values)
	ms.Variance = Variance(values)
	ms.Stability = Score(ms.Variance, scale)
	return ms
}

// Mean returns the arithmetic mean, 0 for no values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Variance returns the population variance. 0 or 1 values yield 0.
func Variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(values))
}

// Score maps a variance onto [0, 1] where 1 means no variation.
func Score(variance, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	s := 1 - variance/scale
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}
