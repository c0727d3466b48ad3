// Package alert compares readings against thresholds, keeps a bounded alert
// log and asks a Dispatcher to notify the user about breaches.
package alert

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind is the type of a threshold breach.
type Kind string

const (
	KindTemperatureHigh Kind = "temperature_high"
	KindTemperatureLow  Kind = "temperature_low"
	KindHumidityHigh    Kind = "humidity_high"
	KindHumidityLow     Kind = "humidity_low"

	// KindSyncTrouble is only used for notifications about persistent refresh failures.
	KindSyncTrouble Kind = "sync_trouble"
)

// Alert is a recorded threshold breach.
type Alert struct {
	Kind      Kind      `json:"kind"`
	SensorID  string    `json:"sensorId"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification is a request for user-visible delivery.
type Notification struct {
	// ID is stable per (kind, sensor) so the delivery layer can collapse repeats.
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	SensorID string `json:"sensorId"`
	Message  string `json:"message"`
}

// Dispatcher delivers notifications. Delivery is fire-and-forget; errors are
// logged by the caller and never retried.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

var notificationNamespace = uuid.MustParse("4f1c7a52-3d0e-4b8e-9d55-6a1f0e2c9b17")

// NotificationID derives the identifier for a (kind, sensor) pair.
func NotificationID(kind Kind, sensorID string) string {
	return uuid.NewSHA1(notificationNamespace, []byte(string(kind)+"/"+sensorID)).String()
}
