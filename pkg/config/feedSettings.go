package config

import "time"

const (
	DefaultConsecutiveFailures = 3
	DefaultStaleAfter          = 2 * time.Hour
)

// FeedSettings declares one notification subscriber.
type FeedSettings struct {
	Channel     string   `mapstructure:"channel" validate:"required"`
	MessageType string   `mapstructure:"message_type" validate:"required,oneof=gocd-deploy freight-deploy"`
	Filter      string   `mapstructure:"filter" validate:"omitempty,oneof=all failures"`
	Pipelines   []string `mapstructure:"pipelines"`
}

// AlertSettings declares a consecutive-failure / stale-deploy alert subscriber.
type AlertSettings struct {
	Channel             string        `mapstructure:"channel" validate:"required"`
	Pipelines           []string      `mapstructure:"pipelines"`
	ConsecutiveFailures int           `mapstructure:"consecutive_failures" validate:"gte=0"`
	StaleAfter          time.Duration `mapstructure:"stale_after" validate:"gte=0"`
}

// SlackSettings configures the Slack collaborator.
type SlackSettings struct {
	Token  string `mapstructure:"token" validate:"required"`
	APIURL string `mapstructure:"api_url" validate:"omitempty,url"`
}

// GitHubSettings configures commit comparisons.
type GitHubSettings struct {
	Token   string `mapstructure:"token"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	Owner   string `mapstructure:"owner"`
	Repo    string `mapstructure:"repo"`
}

// ServerSettings configures webhook ingress.
type ServerSettings struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// LinkSettings holds base URLs used when rendering messages.
type LinkSettings struct {
	GoCDURL    string `mapstructure:"gocd_url" validate:"omitempty,url"`
	FreightURL string `mapstructure:"freight_url" validate:"omitempty,url"`
	GitHubURL  string `mapstructure:"github_url" validate:"omitempty,url"`
}
