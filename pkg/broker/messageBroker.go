package broker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Message is one record republished to the metrics pipeline.
type Message struct {
	// Topic is the Pub/Sub or Kafka topic, or the RabbitMQ routing key.
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
}

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	Publish(ctx context.Context, msg *Message) error
	// Close cleans up any resources (connections).
	Close() error
}

// headersWithTrace returns the message headers with the current trace context injected.
func headersWithTrace(ctx context.Context, msg *Message) map[string]string {
	headers := make(map[string]string, len(msg.Headers)+2)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return headers
}
