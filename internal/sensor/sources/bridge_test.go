package sources

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/humidor-monitor/internal/sensor"
)

func TestConnectBridgeFailsWithoutBroker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b, err := ConnectBridge(ctx, BridgeConfig{
		Broker:         "tcp://127.0.0.1:1",
		ClientID:       "test",
		Prefix:         "zigbee2mqtt",
		ConnectRetries: 1,
		ConnectTimeout: 200 * time.Millisecond,
	}, nil)
	require.Error(t, err)
	assert.Nil(t, b)
}

func TestUnconnectedBridge(t *testing.T) {
	b := &Bridge{prefix: "zigbee2mqtt", logger: slog.Default()}

	assert.False(t, b.Connected())
	assert.Error(t, b.Publish("zigbee2mqtt/cabinet/get", []byte(`{}`)))

	src := NewAccessorySource(sensor.Descriptor{ID: "cabinet", Kind: sensor.KindLocalAccessory},
		"cabinet", b.Prefix(), b, time.Minute)
	require.NoError(t, b.Attach(src), "devices wait for the connect handler")
	assert.Len(t, b.devices, 1)
	assert.False(t, src.IsLive())

	b.Close()
}
