package transport

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig contains broker connection parameters
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// NewMQTTClient builds an auto-reconnecting broker client. onConnect, when
// set, runs after every (re)connect and is where subscriptions belong.
func NewMQTTClient(config MQTTConfig, logger *slog.Logger, onConnect func(mqtt.Client)) mqtt.Client {
	logger = logger.With("component", "mqtt", "broker", config.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("MQTT connection established")
		if onConnect != nil {
			onConnect(c)
		}
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", slog.String("error", err.Error()))
	})
	opts.SetReconnectingHandler(func(c mqtt.Client, o *mqtt.ClientOptions) {
		logger.Debug("MQTT reconnecting")
	})

	return mqtt.NewClient(opts)
}

// ConnectMQTT starts connecting and waits up to timeout for the first
// connection. On timeout the client keeps retrying in the background and
// the relay channel reports itself unavailable until it succeeds.
func ConnectMQTT(client mqtt.Client, timeout time.Duration, logger *slog.Logger) error {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		logger.Warn("MQTT broker not reachable yet, retrying in background",
			slog.Duration("waited", timeout),
		)
		return nil
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return nil
}
