package broker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-deploybot/pkg/config"
)

// NewBroker builds the configured broker. Callers check cfg.Enabled first.
func NewBroker(ctx context.Context, cfg *config.BrokerSettings) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg)
	case "kafka":
		return NewKafkaBroker(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
