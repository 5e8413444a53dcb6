package cloud

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientOptions(t *testing.T) {
	opts := NewClientOptions(MQTTConfig{
		Broker:   "tcp://localhost:1883",
		Username: "user",
		Password: "secret",
	})

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "localhost:1883", opts.Servers[0].Host)
	assert.Equal(t, DefaultClientID, opts.ClientID)
	assert.Equal(t, "user", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.CleanSession)
	assert.True(t, opts.Order)
	assert.Equal(t, int64(60), opts.KeepAlive)
	assert.Equal(t, 10*time.Second, opts.PingTimeout)

	opts = NewClientOptions(MQTTConfig{Broker: "tcp://b:1883", ClientID: "custom"})
	assert.Equal(t, "custom", opts.ClientID)
	assert.Empty(t, opts.Username)
}

func TestConnect_Disabled(t *testing.T) {
	client, err := Connect(MQTTConfig{})
	assert.Nil(t, client)
	assert.ErrorIs(t, err, ErrMQTTDisabled)
}

func TestConnectWithRetry(t *testing.T) {
	client := NewMockClient()
	client.FailConnects(2, errors.New("refused"))

	require.NoError(t, connectWithRetry(client, 4, time.Millisecond))
	assert.Equal(t, 3, client.ConnectCalls())
	assert.True(t, client.IsConnected())
}

func TestConnectWithRetry_GivesUp(t *testing.T) {
	client := NewMockClient()
	client.FailConnects(10, errors.New("refused"))

	err := connectWithRetry(client, 3, time.Millisecond)
	assert.ErrorContains(t, err, "refused")
	assert.Equal(t, 3, client.ConnectCalls())
	assert.False(t, client.IsConnected())
}

func TestDisconnect(t *testing.T) {
	Disconnect(nil)

	client := NewMockClient()
	client.SetConnected(true)
	Disconnect(client)
	assert.False(t, client.IsConnected())
}
