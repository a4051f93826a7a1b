package natsclient

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/runway/errors"
	"github.com/c360/runway/pkg/retry"
)

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
}

func TestNewClientOptions(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithLogger(slog.Default()),
		WithMaxReconnects(5),
		WithReconnectWait(time.Second),
		WithTimeout(2*time.Second),
		WithDrainTimeout(3*time.Second),
		WithUserInfo("user", "pass"),
		WithClientName("test-svc"),
		WithConnectRetry(retry.Config{MaxAttempts: 1}),
	)
	require.NoError(t, err)
	assert.Equal(t, 5, c.maxReconnects)
	assert.Equal(t, "test-svc", c.clientName)
}

func TestNewClientRejectsBadOptions(t *testing.T) {
	cases := []ClientOption{
		WithLogger(nil),
		WithMaxReconnects(-2),
		WithReconnectWait(0),
		WithTimeout(-time.Second),
		WithDrainTimeout(0),
	}
	for _, opt := range cases {
		_, err := NewClient("nats://localhost:4222", opt)
		require.Error(t, err)
	}
}

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
}

func TestPublishWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = c.Publish(context.Background(), "subject", []byte("data"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}

func TestSubscribeWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = c.SubscribeChannel("subject", func(string, []byte) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}

func TestSubscribeNilHandler(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = c.SubscribeChannel("subject", nil)
	require.Error(t, err)
}

func TestJetStreamWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = c.JetStream()
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestGetStatsSnapshot(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	stats := c.GetStats()
	assert.Equal(t, "disconnected", stats.Status)
	assert.Equal(t, int64(0), stats.Published)
	assert.Equal(t, 0, stats.Subscriptions)
}
