package cloud

import (
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultClientID is used when neither the config nor MQTT_CLIENT_ID set one.
const DefaultClientID = "cpdmesh"

// DefaultConnectAttempts bounds how often Connect retries before giving up.
const DefaultConnectAttempts = 4

// ErrMQTTDisabled is returned by Connect when no broker is configured.
var ErrMQTTDisabled = errors.New("MQTT disabled: no broker configured")

// NewClientOptions builds paho options from cfg.
func NewClientOptions(cfg MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Connection settings
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true) // iteration events must arrive in order

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("MQTT connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Println("MQTT reconnecting...")
	})
	return opts
}

// Connect opens a client for cfg. A registration run is short lived, so
// unlike a long running service it connects synchronously and fails after
// DefaultConnectAttempts tries.
func Connect(cfg MQTTConfig) (mqtt.Client, error) {
	if !cfg.Enabled() {
		return nil, ErrMQTTDisabled
	}
	client := mqtt.NewClient(NewClientOptions(cfg))
	if err := connectWithRetry(client, DefaultConnectAttempts, time.Second); err != nil {
		return nil, err
	}
	return client, nil
}

// connectWithRetry attempts to connect with exponential backoff
func connectWithRetry(client mqtt.Client, attempts int, retryDelay time.Duration) error {
	maxRetryDelay := 10 * time.Second
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		log.Printf("Connecting to MQTT broker (attempt %d/%d)...", attempt, attempts)

		token := client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				return nil
			}
			lastErr = token.Error()
			log.Printf("MQTT connection failed: %v", lastErr)
		} else {
			lastErr = errors.New("connection timeout")
			log.Println("MQTT connection timeout")
		}

		if attempt == attempts {
			break
		}
		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
	return fmt.Errorf("connecting to MQTT broker: %w", lastErr)
}

// Disconnect closes client, waiting up to 250ms for pending work.
func Disconnect(client mqtt.Client) {
	if client == nil {
		return
	}
	if client.IsConnected() {
		client.Disconnect(250)
		log.Println("MQTT disconnected")
	}
}
