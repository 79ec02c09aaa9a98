package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const connectTimeout = 10 * time.Second

// ErrNotConnected is returned when publishing while the broker connection is down.
var ErrNotConnected = errors.New("mqtt client not connected")

// MQTTConfig holds the broker settings.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// MQTTPublisher publishes with QoS 0 over a paho client that reconnects on its own.
type MQTTPublisher struct {
	client mqtt.Client
	logger *slog.Logger
}

// DialMQTT connects to the broker.
func DialMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTTPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "gestalyze-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("connected to broker", "broker", cfg.Broker, "client_id", clientID)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("broker connection lost", "error", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	return &MQTTPublisher{client: client, logger: logger}, nil
}

// Publish sends payload without waiting for delivery.
func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, 0, false, payload)
	go func() {
		if token.WaitTimeout(connectTimeout) && token.Error() != nil {
			p.logger.Warn("publish failed", "topic", topic, "error", token.Error())
		}
	}()
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
