package config

// BrokerSettings holds configuration for republishing events to a message broker.
type BrokerSettings struct {
	Type        string   `mapstructure:"type" validate:"omitempty,oneof=none rabbitmq gcp-pubsub kafka"`
	URL         string   `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange    string   `mapstructure:"exchange"`
	ProjectID   string   `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // GCP Pub/Sub only
	PoolSize    int      `mapstructure:"pool_size"`                                         // RabbitMQ only
	Brokers     []string `mapstructure:"brokers" validate:"required_if=Type kafka"`         // Kafka only
	EventsTopic string   `mapstructure:"events_topic"`
	AlertsTopic string   `mapstructure:"alerts_topic"`
}

// Enabled reports whether a broker should be constructed at all.
func (b BrokerSettings) Enabled() bool {
	return b.Type != "" && b.Type != "none"
}
