package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/i474232898/humidor-monitor/internal/sensor"
)

// Evaluator checks readings against the current thresholds.
type Evaluator struct {
	thresholds *ThresholdStore
	log        *Log
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewEvaluator wires an evaluator. dispatcher may be nil to only record alerts.
func NewEvaluator(thresholds *ThresholdStore, log *Log, dispatcher Dispatcher, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		thresholds: thresholds,
		log:        log,
		dispatcher: dispatcher,
		logger:     logger.With("component", "evaluator"),
	}
}

// Thresholds returns the store the evaluator reads from.
func (e *Evaluator) Thresholds() *ThresholdStore { return e.thresholds }

// Log returns the alert log.
func (e *Evaluator) Log() *Log { return e.log }

// Check returns the breaches of one reading without recording them.
// Temperature and humidity are compared independently.
func Check(r sensor.Reading, t Thresholds) []Alert {
	var out []Alert
	switch {
	case r.Temperature < t.TemperatureLow:
		out = append(out, newAlert(KindTemperatureLow, r, r.Temperature))
	case r.Temperature > t.TemperatureHigh:
		out = append(out, newAlert(KindTemperatureHigh, r, r.Temperature))
	}
	switch {
	case r.Humidity < t.HumidityLow:
		out = append(out, newAlert(KindHumidityLow, r, r.Humidity))
	case r.Humidity > t.HumidityHigh:
		out = append(out, newAlert(KindHumidityHigh, r, r.Humidity))
	}
	return out
}

func newAlert(kind Kind, r sensor.Reading, value float64) Alert {
	return Alert{Kind: kind, SensorID: r.SensorID, Value: value, Timestamp: r.Timestamp}
}

// Evaluate checks the current readings of one cycle, prepends the new alerts
// to the log as one batch and notifies once per breach. It returns the batch.
func (e *Evaluator) Evaluate(ctx context.Context, readings []sensor.Reading) []Alert {
	t := e.thresholds.Snapshot()

	sorted := make([]sensor.Reading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SensorID < sorted[j].SensorID })

	var batch []Alert
	for _, r := range sorted {
		batch = append(batch, Check(r, t)...)
	}
	if len(batch) == 0 {
		return nil
	}

	e.log.Prepend(batch)

	for _, a := range batch {
		e.logger.Info("threshold breached", "sensor", a.SensorID, "kind", a.Kind, "value", a.Value)
		e.notify(ctx, Notification{
			ID:       NotificationID(a.Kind, a.SensorID),
			Kind:     a.Kind,
			SensorID: a.SensorID,
			Message:  FormatMessage(a, t),
		})
	}
	return batch
}

func (e *Evaluator) notify(ctx context.Context, n Notification) {
	if e.dispatcher == nil {
		return
	}
	if err := e.dispatcher.Notify(ctx, n); err != nil {
		e.logger.Warn("notification dispatch failed", "sensor", n.SensorID, "kind", n.Kind, "error", err)
	}
}

// FormatMessage renders the user-facing text of a breach.
func FormatMessage(a Alert, t Thresholds) string {
	switch a.Kind {
	case KindTemperatureHigh:
		return fmt.Sprintf("%s: temperature %.1f°F is above %.1f°F", a.SensorID, a.Value, t.TemperatureHigh)
	case KindTemperatureLow:
		return fmt.Sprintf("%s: temperature %.1f°F is below %.1f°F", a.SensorID, a.Value, t.TemperatureLow)
	case KindHumidityHigh:
		return fmt.Sprintf("%s: humidity %.1f%% is above %.1f%%", a.SensorID, a.Value, t.HumidityHigh)
	case KindHumidityLow:
		return fmt.Sprintf("%s: humidity %.1f%% is below %.1f%%", a.SensorID, a.Value, t.HumidityLow)
	default:
		return fmt.Sprintf("%s: %s %.1f", a.SensorID, a.Kind, a.Value)
	}
}
