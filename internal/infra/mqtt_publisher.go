package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// MQTTConfig configures the MQTT event sink.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// MQTTPublisher publishes each event as JSON on <prefix>/<kind>.
// Safety and emergency events use QoS 1, everything else QoS 0.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
}

// NewMQTTPublisher connects to the broker with auto-reconnect.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return newMQTTPublisherWithClient(client, cfg.TopicPrefix), nil
}

func newMQTTPublisherWithClient(client mqtt.Client, prefix string) *MQTTPublisher {
	if prefix == "" {
		prefix = "hs3guard/events"
	}
	return &MQTTPublisher{client: client, prefix: prefix}
}

func (p *MQTTPublisher) Name() string {
	return "mqtt"
}

// Publish waits for the broker ack until ctx expires.
func (p *MQTTPublisher) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	topic := p.Topic(ev.Kind)
	token := p.client.Publish(topic, qosFor(ev.Kind), false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to topic %s: %w", topic, ctx.Err())
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Topic returns the topic for kind.
func (p *MQTTPublisher) Topic(kind domain.EventKind) string {
	return p.prefix + "/" + string(kind)
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

func qosFor(kind domain.EventKind) byte {
	switch kind {
	case domain.KindEmergencyStopTriggered, domain.KindSafetyViolation, domain.KindSafetyEventLogged, domain.KindSessionRecorded:
		return 1
	}
	return 0
}

var _ domain.EventPublisher = (*MQTTPublisher)(nil)
