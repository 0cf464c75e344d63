package broker

import (
	"context"
	"errors"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-deploybot/pkg/config"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

var NewKafkaBroker KafkaBrokerCreator = func(_ context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	if len(settings.Brokers) == 0 {
		return nil, errors.New("kafka brokers must not be empty")
	}
	return &kafkaBroker{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(settings.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}, nil
}

type kafkaBroker struct {
	writer kafkaWriter
}

func (k *kafkaBroker) Publish(ctx context.Context, msg *Message) error {
	ctx, span := otel.Tracer("go-deploybot/broker").Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Topic),
		),
	)
	defer span.End()

	headers := headersWithTrace(ctx, msg)
	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: k, Value: []byte(v)})
	}

	// Hash balancing on the key keeps one pipeline's events on one partition.
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Payload,
		Headers: kafkaHeaders,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
	)
	return nil
}

func (k *kafkaBroker) Close() error {
	return k.writer.Close()
}
