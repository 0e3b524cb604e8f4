package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/andersnauman/dmarc-collector/shared/utils"
)

// Config holds all configuration for the collector
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Source        SourceConfig        `mapstructure:"source"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Verbose bool   `mapstructure:"verbose"`
	Format  string `mapstructure:"format"` // "json", "text"
}

type ElasticsearchConfig struct {
	Addresses      []string      `mapstructure:"addresses"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Insecure       bool          `mapstructure:"insecure"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// ReindexTimeout bounds a blocking reindex, which outlives any single
	// ordinary request.
	ReindexTimeout time.Duration `mapstructure:"reindex_timeout"`
}

// RetryConfig governs the wait for the store at startup. Zero MaxAttempts
// means no attempt limit; zero MaxElapsedTime means no deadline. Both limits
// are only lifted entirely when Forever is set.
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	Forever         bool          `mapstructure:"forever"`
}

type SourceConfig struct {
	Type      string `mapstructure:"type"` // "folder"
	Folder    string `mapstructure:"folder"`
	Recursive bool   `mapstructure:"recursive"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
	Namespace      string `mapstructure:"namespace"`
}

// Keys shared by flags, environment variables (DMARC_ prefix, dashes become
// underscores) and defaults.
const (
	KeyEnvironment     = "environment"
	KeyVerbose         = "verbose"
	KeyLogFormat       = "log-format"
	KeyHost            = "host"
	KeyUser            = "user"
	KeyPassword        = "password"
	KeyInsecure        = "insecure"
	KeyRequestTimeout  = "request-timeout"
	KeyReindexTimeout  = "reindex-timeout"
	KeyConnectInitial  = "connect-initial-interval"
	KeyConnectFactor   = "connect-multiplier"
	KeyConnectMaxDelay = "connect-max-interval"
	KeyConnectDeadline = "connect-max-elapsed"
	KeyConnectAttempts = "connect-max-attempts"
	KeyConnectForever  = "connect-forever"
	KeySourceType      = "source-type"
	KeyFolder          = "folder"
	KeyRecursive       = "recursive"
	KeyKafkaBrokers    = "kafka-brokers"
	KeyKafkaTopic      = "kafka-topic"
	KeyKafkaTimeout    = "kafka-timeout"
	KeyPushgateway     = "pushgateway"
	KeyMetricsJob      = "metrics-job"
)

var defaults = map[string]any{
	KeyEnvironment:     "development",
	KeyVerbose:         false,
	KeyLogFormat:       "json",
	KeyInsecure:        false,
	KeyRequestTimeout:  "3s",
	KeyReindexTimeout:  "1h",
	KeyConnectInitial:  "1s",
	KeyConnectFactor:   2.0,
	KeyConnectMaxDelay: "30s",
	KeyConnectDeadline: "2m",
	KeyConnectAttempts: 0,
	KeyConnectForever:  false,
	KeySourceType:      "folder",
	KeyFolder:          "example",
	KeyRecursive:       true,
	KeyKafkaTopic:      "dmarc.reports.stored",
	KeyKafkaTimeout:    "10s",
	KeyMetricsJob:      "dmarc_collector",
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DMARC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	return v
}

// Load builds the configuration from v
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Environment: v.GetString(KeyEnvironment),
		Logging: LoggingConfig{
			Verbose: v.GetBool(KeyVerbose),
			Format:  v.GetString(KeyLogFormat),
		},
		Elasticsearch: ElasticsearchConfig{
			Addresses:      utils.SplitList(v.GetString(KeyHost)),
			Username:       v.GetString(KeyUser),
			Password:       v.GetString(KeyPassword),
			Insecure:       v.GetBool(KeyInsecure),
			RequestTimeout: v.GetDuration(KeyRequestTimeout),
			ReindexTimeout: v.GetDuration(KeyReindexTimeout),
		},
		Retry: RetryConfig{
			InitialInterval: v.GetDuration(KeyConnectInitial),
			Multiplier:      v.GetFloat64(KeyConnectFactor),
			MaxInterval:     v.GetDuration(KeyConnectMaxDelay),
			MaxElapsedTime:  v.GetDuration(KeyConnectDeadline),
			MaxAttempts:     v.GetInt(KeyConnectAttempts),
			Forever:         v.GetBool(KeyConnectForever),
		},
		Source: SourceConfig{
			Type:      v.GetString(KeySourceType),
			Folder:    v.GetString(KeyFolder),
			Recursive: v.GetBool(KeyRecursive),
		},
		Kafka: KafkaConfig{
			Brokers:      utils.SplitList(v.GetString(KeyKafkaBrokers)),
			Topic:        v.GetString(KeyKafkaTopic),
			WriteTimeout: v.GetDuration(KeyKafkaTimeout),
		},
		Metrics: MetricsConfig{
			PushgatewayURL: v.GetString(KeyPushgateway),
			Job:            v.GetString(KeyMetricsJob),
			Namespace:      "dmarc",
		},
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// ConfigurationError is a fatal startup error that retrying cannot fix.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "json", "text":
	default:
		return &ConfigurationError{Field: KeyLogFormat, Reason: fmt.Sprintf("unsupported format %q", c.Logging.Format)}
	}

	if c.Source.Type != "folder" {
		return &ConfigurationError{Field: KeySourceType, Reason: fmt.Sprintf("unsupported source type %q", c.Source.Type)}
	}

	if c.Source.Folder == "" {
		return &ConfigurationError{Field: KeyFolder, Reason: "folder is required"}
	}

	if c.Elasticsearch.RequestTimeout <= 0 {
		return &ConfigurationError{Field: KeyRequestTimeout, Reason: "request timeout must be positive"}
	}

	if c.Elasticsearch.ReindexTimeout <= 0 {
		return &ConfigurationError{Field: KeyReindexTimeout, Reason: "reindex timeout must be positive"}
	}

	if c.Retry.InitialInterval <= 0 {
		return &ConfigurationError{Field: KeyConnectInitial, Reason: "initial interval must be positive"}
	}

	if c.Retry.Multiplier < 1 {
		return &ConfigurationError{Field: KeyConnectFactor, Reason: "multiplier must be at least 1"}
	}

	if c.Retry.MaxAttempts < 0 {
		return &ConfigurationError{Field: KeyConnectAttempts, Reason: "max attempts cannot be negative"}
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return &ConfigurationError{Field: KeyKafkaTopic, Reason: "topic is required when brokers are set"}
	}

	return nil
}

// RequireStore checks the settings needed to talk to Elasticsearch. Missing
// credentials are a configuration error, never a connectivity one.
func (c *Config) RequireStore() error {
	if len(c.Elasticsearch.Addresses) == 0 {
		return &ConfigurationError{Field: KeyHost, Reason: "elasticsearch host is required"}
	}

	if c.Elasticsearch.Username == "" || c.Elasticsearch.Password == "" {
		return &ConfigurationError{Field: KeyUser, Reason: "missing username or password"}
	}

	return nil
}
