package config

import (
	"errors"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Settings struct {
	Database      DbSettings      `mapstructure:"database"`
	Broker        BrokerSettings  `mapstructure:"broker"`
	Slack         SlackSettings   `mapstructure:"slack"`
	GitHub        GitHubSettings  `mapstructure:"github"`
	Server        ServerSettings  `mapstructure:"server"`
	Links         LinkSettings    `mapstructure:"links"`
	Feeds         []FeedSettings  `mapstructure:"feeds" validate:"dive"`
	Alerts        []AlertSettings `mapstructure:"alerts" validate:"dive"`
	Logging       LoggingSettings `mapstructure:"logging"`
	Observability Observability   `mapstructure:"observability"` // Observability settings
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// ApplyDefaults fills in values that are optional in the config file.
func (c *Settings) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "go-deploybot"
	}
	if c.Broker.PoolSize <= 0 {
		c.Broker.PoolSize = 5
	}
	for i := range c.Feeds {
		if c.Feeds[i].Filter == "" {
			c.Feeds[i].Filter = "all"
		}
	}
	for i := range c.Alerts {
		if c.Alerts[i].ConsecutiveFailures == 0 {
			c.Alerts[i].ConsecutiveFailures = DefaultConsecutiveFailures
		}
		if c.Alerts[i].StaleAfter == 0 {
			c.Alerts[i].StaleAfter = DefaultStaleAfter
		}
	}
}

// LoadFromFile reads deploybot.yaml from filePath, merges deploybot.<ENVIRONMENT>.yaml over it,
// then applies DEPLOYBOT_* environment overrides. A .env file is loaded first when present.
func LoadFromFile(filePath string) (*Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("could not load .env file")
	}

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("deploybot")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		logrus.WithError(err).Info("no config file found, relying on environment")
	}

	if err := mergeConfig(filePath, "deploybot."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("DEPLOYBOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like DEPLOYBOT_DATABASE_TYPE

	// Bind environment variables explicitly so Unmarshal sees keys absent from the file
	for _, key := range []string{
		"database.type",
		"database.dsn",
		"database.uri",
		"database.db_name",
		"database.migrate",
		"broker.type",
		"broker.url",
		"broker.exchange",
		"broker.project_id",
		"broker.pool_size",
		"broker.events_topic",
		"broker.alerts_topic",
		"slack.token",
		"slack.api_url",
		"github.token",
		"github.base_url",
		"github.owner",
		"github.repo",
		"server.addr",
		"links.gocd_url",
		"links.freight_url",
		"links.github_url",
		"logging.level",
		"logging.format",
		"observability.service_name",
		"observability.tracing_url",
	} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	return viper.Unmarshal(c)
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
