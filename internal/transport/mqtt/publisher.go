// Package mqtt publishes triggered events to an MQTT broker, one topic per
// symbol.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/domain"
)

const (
	DefaultTopic   = "cryptowatch/alerts"
	DefaultTimeout = 10 * time.Second
)

var ErrAckTimeout = errors.New("mqtt: broker acknowledgement timed out")

type BrokerConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Connect dials the broker with auto-reconnect enabled.
func Connect(cfg BrokerConfig, timeout time.Duration) (paho.Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, ErrAckTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// publishClient is the part of paho.Client the publisher needs.
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type Config struct {
	Topic   string
	QoS     byte
	Timeout time.Duration
}

type Publisher struct {
	client  publishClient
	topic   string
	qos     byte
	timeout time.Duration
	logger  *zap.Logger
}

// NewPublisher wraps a connected client. QoS 0 is raised to 1 so a nil
// error always means the broker has the message.
func NewPublisher(client publishClient, cfg Config, logger *zap.Logger) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:  client,
		topic:   strings.TrimSuffix(cfg.Topic, "/"),
		qos:     cfg.QoS,
		timeout: cfg.Timeout,
		logger:  logger.Named("mqtt"),
	}
}

func (p *Publisher) Topic(symbol string) string {
	return p.topic + "/" + symbol
}

func (p *Publisher) Publish(ctx context.Context, event domain.TriggeredEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	topic := p.Topic(event.Symbol)
	token := p.client.Publish(topic, p.qos, false, payload)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("publish to %s: %w", topic, ErrAckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.logger.Debug("event published",
		zap.String("topic", topic),
		zap.Int64("alert_id", event.AlertID))
	return nil
}
