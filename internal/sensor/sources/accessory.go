package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/i474232898/humidor-monitor/internal/common"
	"github.com/i474232898/humidor-monitor/internal/sensor"
)

// Transport is what an accessory source needs from the bridge connection.
type Transport interface {
	Publish(topic string, payload []byte) error
	Connected() bool
}

var errIncompleteState = errors.New("accessory state lacks temperature or humidity")

// getPayload asks the bridge to read both characteristics from the device.
var getPayload = []byte(`{"temperature":"","humidity":""}`)

// AccessorySource is one nearby paired device reached through the accessory
// bridge. Values are pushed by the bridge and cached; a stale cache triggers
// a pull.
type AccessorySource struct {
	desc      sensor.Descriptor
	device    string
	prefix    string
	transport Transport
	freshness time.Duration
	capacity  int
	now       func() time.Time

	mu        sync.Mutex
	latest    *sensor.Reading
	available bool
	pushed    []sensor.Reading
	updated   chan struct{}
}

// NewAccessorySource creates a source for a bridge device. freshness is how
// long a pushed value may be served without asking the device again.
func NewAccessorySource(desc sensor.Descriptor, device, prefix string, transport Transport, freshness time.Duration) *AccessorySource {
	desc.Kind = sensor.KindLocalAccessory
	if device == "" {
		device = desc.ID
	}
	if freshness <= 0 {
		freshness = 5 * time.Minute
	}
	return &AccessorySource{
		desc:      desc,
		device:    device,
		prefix:    strings.TrimRight(prefix, "/"),
		transport: transport,
		freshness: freshness,
		capacity:  sensor.RangeWeek.Ceiling(),
		now:       func() time.Time { return time.Now().UTC() },
		available: true,
		updated:   make(chan struct{}),
	}
}

// StateTopic carries the device state pushed by the bridge.
func (a *AccessorySource) StateTopic() string { return a.prefix + "/" + a.device }

// AvailabilityTopic carries online/offline notices.
func (a *AccessorySource) AvailabilityTopic() string { return a.StateTopic() + "/availability" }

// GetTopic requests a fresh read of the device.
func (a *AccessorySource) GetTopic() string { return a.StateTopic() + "/get" }

// Descriptor returns the configured identity of the sensor.
func (a *AccessorySource) Descriptor() sensor.Descriptor { return a.desc }

// IsLive reports whether the bridge is connected and the device has not
// announced itself offline.
func (a *AccessorySource) IsLive() bool {
	if a.transport == nil || !a.transport.Connected() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

type statePayload struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	LastSeen    string   `json:"last_seen"`
}

// HandleState ingests a state message. Temperatures arrive in °C. A message
// carrying only one characteristic is merged with the previous value.
func (a *AccessorySource) HandleState(payload []byte) error {
	var st statePayload
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("decode accessory state: %w", err)
	}

	ts := a.now()
	if st.LastSeen != "" {
		if parsed, err := time.Parse(time.RFC3339, st.LastSeen); err == nil {
			ts = parsed.UTC()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var temp, hum float64
	haveTemp, haveHum := false, false
	if a.latest != nil {
		temp, hum = a.latest.Temperature, a.latest.Humidity
		haveTemp, haveHum = true, true
	}
	if st.Temperature != nil {
		temp, haveTemp = sensor.CelsiusToFahrenheit(*st.Temperature), true
	}
	if st.Humidity != nil {
		hum, haveHum = *st.Humidity, true
	}
	if !haveTemp || !haveHum {
		return errIncompleteState
	}

	r := sensor.NewReading(a.desc.ID, ts, temp, hum)
	a.latest = &r
	a.available = true
	a.pushed = append(a.pushed, r)
	if len(a.pushed) > a.capacity {
		a.pushed = append([]sensor.Reading(nil), a.pushed[len(a.pushed)-a.capacity:]...)
	}

	close(a.updated)
	a.updated = make(chan struct{})
	return nil
}

// HandleAvailability ingests "online"/"offline" or {"state":"..."} notices.
func (a *AccessorySource) HandleAvailability(payload []byte) {
	state := strings.TrimSpace(string(payload))
	var obj struct {
		State string `json:"state"`
	}
	if json.Unmarshal(payload, &obj) == nil && obj.State != "" {
		state = obj.State
	}

	a.mu.Lock()
	a.available = !common.HasAny(strings.ToLower(state), "offline")
	a.mu.Unlock()
}

// FetchCurrent serves the cached value while fresh, otherwise asks the
// device and waits for the next push until ctx ends.
func (a *AccessorySource) FetchCurrent(ctx context.Context) (sensor.Reading, error) {
	a.mu.Lock()
	if a.latest != nil && a.now().Sub(a.latest.Timestamp) <= a.freshness {
		r := *a.latest
		a.mu.Unlock()
		return r, nil
	}
	wait := a.updated
	a.mu.Unlock()

	if a.transport == nil || !a.transport.Connected() {
		return sensor.Reading{}, fmt.Errorf("%w: accessory bridge disconnected", sensor.ErrSourceUnavailable)
	}
	if err := a.transport.Publish(a.GetTopic(), getPayload); err != nil {
		return sensor.Reading{}, fmt.Errorf("%w: request read of %s: %v", sensor.ErrSourceUnavailable, a.device, err)
	}

	select {
	case <-wait:
		a.mu.Lock()
		defer a.mu.Unlock()
		return *a.latest, nil
	case <-ctx.Done():
		return sensor.Reading{}, fmt.Errorf("%w: %s did not answer: %v", sensor.ErrSourceUnavailable, a.device, ctx.Err())
	}
}

// FetchHistory returns the newest pushed samples, ascending. The device keeps
// no history of its own.
func (a *AccessorySource) FetchHistory(_ context.Context, window sensor.TimeRange) ([]sensor.Reading, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := window.Ceiling()
	start := len(a.pushed) - n
	if start < 0 {
		start = 0
	}
	out := make([]sensor.Reading, len(a.pushed[start:]))
	copy(out, a.pushed[start:])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
