package sources

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// BridgeConfig configures the MQTT connection to the accessory bridge.
type BridgeConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Username string
	Password string
	Prefix   string // e.g. zigbee2mqtt

	ConnectRetries int
	ConnectTimeout time.Duration
}

// Bridge is the shared MQTT connection to the local accessory bridge.
type Bridge struct {
	// client is set once by ConnectBridge before the Bridge is returned and
	// never reassigned; paho reconnects it in place.
	client mqtt.Client
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	devices []*AccessorySource
}

// ConnectBridge dials the broker with exponential backoff. Attached devices
// are resubscribed on every reconnect.
func ConnectBridge(ctx context.Context, cfg BridgeConfig, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = 5
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	b := &Bridge{
		prefix: strings.TrimRight(cfg.Prefix, "/"),
		logger: logger.With("component", "accessory-bridge"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.resubscribe(c)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("accessory bridge connection lost", "error", err)
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		c := mqtt.NewClient(opts)
		if token := c.Connect(); token.Wait() && token.Error() != nil {
			b.logger.Warn("failed to connect to accessory bridge", "broker", cfg.Broker, "error", token.Error())
			return token.Error()
		}
		client = c
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.ConnectRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not connect to accessory bridge after retries: %w", err)
	}
	b.client = client

	b.logger.Info("connected to accessory bridge", "broker", cfg.Broker)
	return b, nil
}

// Prefix is the bridge topic prefix.
func (b *Bridge) Prefix() string { return b.prefix }

// Connected reports whether the broker connection is up.
func (b *Bridge) Connected() bool {
	return b.client != nil && b.client.IsConnectionOpen()
}

// Publish sends a message and waits for the broker to accept it.
func (b *Bridge) Publish(topic string, payload []byte) error {
	if b.client == nil {
		return fmt.Errorf("accessory bridge not connected")
	}
	token := b.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// Attach subscribes a device's state and availability topics.
func (b *Bridge) Attach(src *AccessorySource) error {
	b.mu.Lock()
	b.devices = append(b.devices, src)
	b.mu.Unlock()

	if !b.Connected() {
		// Subscribed by the connect handler once the link is up.
		return nil
	}
	return b.subscribe(b.client, src)
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
		b.logger.Info("accessory bridge connection closed")
	}
}

func (b *Bridge) subscribe(client mqtt.Client, src *AccessorySource) error {
	filters := map[string]byte{
		src.StateTopic():        0,
		src.AvailabilityTopic(): 0,
	}
	token := client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		if msg.Topic() == src.AvailabilityTopic() {
			src.HandleAvailability(msg.Payload())
			return
		}
		if err := src.HandleState(msg.Payload()); err != nil {
			b.logger.Debug("ignored accessory message", "topic", msg.Topic(), "error", err)
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", src.StateTopic(), token.Error())
	}
	b.logger.Debug("subscribed to accessory", "sensor", src.Descriptor().ID, "topic", src.StateTopic())
	return nil
}

func (b *Bridge) resubscribe(client mqtt.Client) {
	b.mu.Lock()
	devices := append([]*AccessorySource(nil), b.devices...)
	b.mu.Unlock()

	for _, src := range devices {
		if err := b.subscribe(client, src); err != nil {
			b.logger.Warn("resubscribe failed", "sensor", src.Descriptor().ID, "error", err)
		}
	}
}
