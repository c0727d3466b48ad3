// Package notify delivers alert notifications to the user.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i474232898/humidor-monitor/internal/alert"
)

// LogDispatcher writes notifications to the structured log.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a dispatcher logging through logger, or the
// default logger when nil.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger.With("component", "notify")}
}

// Notify logs n at warn level. It never fails.
func (d *LogDispatcher) Notify(ctx context.Context, n alert.Notification) error {
	d.logger.LogAttrs(ctx, slog.LevelWarn, n.Message,
		slog.String("id", n.ID),
		slog.String("kind", string(n.Kind)),
		slog.String("sensor", n.SensorID))
	return nil
}

// Publisher is the part of the MQTT bridge used to deliver notifications.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Envelope is the JSON document published for every notification.
type Envelope struct {
	alert.Notification
	SentAt time.Time `json:"sentAt"`
}

// MQTTDispatcher publishes notifications as JSON to a topic that a phone or
// home automation bridge subscribes to.
type MQTTDispatcher struct {
	pub   Publisher
	topic string
	now   func() time.Time
}

// NewMQTTDispatcher creates a dispatcher publishing to topic.
func NewMQTTDispatcher(pub Publisher, topic string) *MQTTDispatcher {
	return &MQTTDispatcher{
		pub:   pub,
		topic: topic,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Notify publishes n wrapped in an Envelope.
func (d *MQTTDispatcher) Notify(ctx context.Context, n alert.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(Envelope{Notification: n, SentAt: d.now()})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := d.pub.Publish(d.topic, payload); err != nil {
		return fmt.Errorf("publish notification to %s: %w", d.topic, err)
	}
	return nil
}

// Multi fans a notification out to every dispatcher. All dispatchers are
// tried; their errors are joined.
type Multi []alert.Dispatcher

func (m Multi) Notify(ctx context.Context, n alert.Notification) error {
	var errs []error
	for _, d := range m {
		if d == nil {
			continue
		}
		if err := d.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
