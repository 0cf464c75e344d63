package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-deploybot/pkg/config"
)

const (
	defaultExchange   = "deploybot"
	reconnectInterval = 5 * time.Second
)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		exchange:        settings.Exchange,
		reconnectTicker: time.NewTicker(reconnectInterval),
		stopReconnect:   make(chan struct{}),
	}
	if broker.exchange == "" {
		broker.exchange = defaultExchange
	}

	if err := broker.connect(); err != nil {
		return nil, err
	}

	go broker.watchConnection()

	return broker, nil
}

// amqpChannel is the subset of *amqp.Channel the broker uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type rabbitMqBroker struct {
	connection      *amqp.Connection
	openChannel     func() (amqpChannel, error)
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	exchange        string
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
}

// Publish sends the message to the configured topic exchange, routed by the message topic.
func (r *rabbitMqBroker) Publish(ctx context.Context, msg *Message) error {
	ctx, span := otel.Tracer("go-deploybot/broker").Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(r.exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(msg.Topic),
		),
	)
	defer span.End()

	amqpHeaders := make(amqp.Table)
	for k, v := range headersWithTrace(ctx, msg) {
		amqpHeaders[k] = v
	}

	pc, err := r.acquire()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer r.release(pc)

	// Declaring an existing exchange with the same arguments is a no-op.
	err = pc.channel.ExchangeDeclare(
		r.exchange, // name of the exchange
		"topic",    // type of the exchange
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	err = pc.channel.Publish(
		r.exchange, msg.Topic, false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: msg.Key,
			Body:          msg.Payload,
			Headers:       amqpHeaders,
		},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
	)

	return nil
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopReconnect != nil {
		close(r.stopReconnect)
	}
	if r.reconnectTicker != nil {
		r.reconnectTicker.Stop()
	}

	close(r.channelPool)
	for pc := range r.channelPool {
		if err := pc.channel.Close(); err != nil {
			logrus.WithError(err).Debug("closing pooled channel")
		}
	}

	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}
