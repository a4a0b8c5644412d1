package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	beaconPublishTimeout = 2 * time.Second
	// amqpDialTimeout bounds each connection attempt.
	amqpDialTimeout = 5 * time.Second
)

// Advertiser broadcasts the short status beacon to anything nearby that
// listens.
type Advertiser interface {
	Advertise(ctx context.Context, line string) error
	Close() error
}

// BeaconTopic is the topic or routing key a device's beacon is published
// under.
func BeaconTopic(prefix, deviceID string) string {
	return fmt.Sprintf("%s/%s/beacon", prefix, deviceID)
}

// MQTTBeacon publishes the beacon as a retained MQTT message.
type MQTTBeacon struct {
	client mqtt.Client
	topic  string
	logger *zap.Logger
}

// MQTTBeaconOptions configures an MQTTBeacon.
type MQTTBeaconOptions struct {
	Broker   string
	User     string
	Password string
	Topic    string
	DeviceID string
}

func NewMQTTBeacon(opts MQTTBeaconOptions, logger *zap.Logger) (*MQTTBeacon, error) {
	if opts.Broker == "" {
		return nil, errors.New("no MQTT broker configured")
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(fmt.Sprintf("vibenode-%s", opts.DeviceID))
	co.SetUsername(opts.User)
	co.SetPassword(opts.Password)
	co.SetKeepAlive(60 * time.Second)
	co.SetPingTimeout(10 * time.Second)
	co.SetConnectTimeout(10 * time.Second)
	co.SetAutoReconnect(true)

	co.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", opts.Broker))
	}
	co.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return &MQTTBeacon{
		client: client,
		topic:  BeaconTopic(opts.Topic, opts.DeviceID),
		logger: logger,
	}, nil
}

func (b *MQTTBeacon) Advertise(ctx context.Context, line string) error {
	token := b.client.Publish(b.topic, 0, true, line)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(beaconPublishTimeout):
		return errors.New("beacon publish timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish beacon: %w", err)
	}
	b.logger.Debug("Published beacon", zap.String("topic", b.topic))
	return nil
}

func (b *MQTTBeacon) Close() error {
	b.client.Disconnect(250)
	return nil
}

// AMQPBeacon publishes the beacon to a topic exchange. With RabbitMQ's
// MQTT plugin, publishing to amq.topic reaches MQTT subscribers too.
type AMQPBeacon struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// AMQPBeaconOptions configures an AMQPBeacon.
type AMQPBeaconOptions struct {
	URL      string
	Exchange string
	Topic    string
	DeviceID string
}

func NewAMQPBeacon(opts AMQPBeaconOptions, logger *zap.Logger) (*AMQPBeacon, error) {
	logger.Info("Connecting to RabbitMQ", zap.String("exchange", opts.Exchange))

	var conn *amqp.Connection
	var err error
	maxRetries := 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err = amqp.DialConfig(opts.URL, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(amqpDialTimeout),
		})
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))
		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if opts.Exchange != "amq.topic" {
		err = channel.ExchangeDeclare(
			opts.Exchange, // name
			"topic",       // type
			true,          // durable
			false,         // auto-deleted
			false,         // internal
			false,         // no-wait
			nil,           // arguments
		)
		if err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare exchange: %w", err)
		}
	}

	return &AMQPBeacon{
		conn:    conn,
		channel: channel,
		// Topic exchanges separate words with dots; MQTT slashes map to dots.
		exchange:   opts.Exchange,
		routingKey: fmt.Sprintf("%s.%s.beacon", opts.Topic, opts.DeviceID),
		logger:     logger,
	}, nil
}

func (b *AMQPBeacon) Advertise(ctx context.Context, line string) error {
	ctx, cancel := context.WithTimeout(ctx, beaconPublishTimeout)
	defer cancel()

	err := b.channel.PublishWithContext(ctx,
		b.exchange,   // exchange
		b.routingKey, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType: "text/plain",
			Body:        []byte(line),
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish beacon: %w", err)
	}
	b.logger.Debug("Published beacon", zap.String("routing_key", b.routingKey))
	return nil
}

func (b *AMQPBeacon) Close() error {
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			b.logger.Error("Error closing channel", zap.Error(err))
		}
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// LogBeacon writes the beacon to the structured log only. It is used when
// no broker is configured.
type LogBeacon struct {
	logger *zap.Logger
}

func NewLogBeacon(logger *zap.Logger) *LogBeacon {
	return &LogBeacon{logger: logger}
}

func (b *LogBeacon) Advertise(ctx context.Context, line string) error {
	b.logger.Info("Beacon", zap.String("line", line))
	return nil
}

func (b *LogBeacon) Close() error { return nil }
