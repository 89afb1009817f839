package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"vdev/internal/config"
	"vdev/internal/logging"
)

const (
	defaultDisconnectQuiesce = 250 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxReconnectInterval     = 2 * time.Minute
)

// mqttClient is the subset of the paho client the publisher uses.
type mqttClient interface {
	Connect() pahomqtt.Token
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	IsConnectionOpen() bool
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes events to an MQTT broker.
type MQTTPublisher struct {
	client   mqttClient
	prefix   string
	clientID string
	qos      byte
	timeout  time.Duration
	logger   *slog.Logger
}

// New builds the publisher described by cfg: MQTT when enabled, otherwise a no-op.
func New(cfg config.MQTT, logger *slog.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}
	publisher := newMQTTPublisher(cfg, logger, nil)
	if err := publisher.connect(); err != nil {
		return nil, err
	}
	return publisher, nil
}

func newMQTTPublisher(cfg config.MQTT, logger *slog.Logger, client mqttClient) *MQTTPublisher {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &MQTTPublisher{
		prefix:   strings.Trim(cfg.TopicPrefix, "/"),
		clientID: cfg.ClientID,
		qos:      byte(cfg.QoS),
		timeout:  timeout,
		logger:   logging.NewComponentLogger(logger, "mqtt"),
	}
	if client == nil {
		client = pahomqtt.NewClient(p.clientOptions(cfg))
	}
	p.client = client
	return p
}

func (p *MQTTPublisher) clientOptions(cfg config.MQTT) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(p.timeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWill(p.statusTopic(), p.statusPayload("offline", "unexpected_disconnect"), 1, true)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logging.WarnWithContext(p.logger, "mqtt connection lost", "mqtt_connection_lost",
			logging.Error(err),
			logging.String(logging.FieldImpact, "device events are not published until reconnect"),
		)
	})
	return opts
}

func (p *MQTTPublisher) connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	p.client.Publish(p.statusTopic(), p.qos, true, p.statusPayload("online", "")).WaitTimeout(p.timeout)
	p.logger.Info("mqtt publisher connected",
		logging.String(logging.FieldEventType, "mqtt_connected"),
		logging.String("topic_prefix", p.prefix),
	)
	return nil
}

// Publish sends event on its device topic.
func (p *MQTTPublisher) Publish(ctx context.Context, event Event) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	payload, err := event.payload()
	if err != nil {
		return fmt.Errorf("%w: marshal event: %w", ErrPublishFailed, err)
	}
	token := p.client.Publish(Topic(p.prefix, event), p.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close publishes the graceful offline status and disconnects.
func (p *MQTTPublisher) Close() error {
	if p.client == nil {
		return nil
	}
	if p.client.IsConnectionOpen() {
		p.client.Publish(p.statusTopic(), p.qos, true, p.statusPayload("offline", "graceful_shutdown")).WaitTimeout(p.timeout)
	}
	p.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

func (p *MQTTPublisher) statusTopic() string {
	return p.prefix + "/status"
}

func (p *MQTTPublisher) statusPayload(status, reason string) string {
	if reason == "" {
		return fmt.Sprintf(`{"status":%q,"client_id":%q,"timestamp":%q}`,
			status, p.clientID, time.Now().UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf(`{"status":%q,"client_id":%q,"reason":%q,"timestamp":%q}`,
		status, p.clientID, reason, time.Now().UTC().Format(time.RFC3339))
}
