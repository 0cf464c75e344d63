package config

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	// TracingURL is the OTLP/HTTP collector host:port. Tracing is disabled when empty.
	TracingURL string `mapstructure:"tracing_url" validate:"omitempty,hostname_port"`
}

// LoggingSettings configures the process logger.
type LoggingSettings struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
}
