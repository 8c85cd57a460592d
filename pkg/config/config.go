// Package config holds the runtime configuration of the processing core.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/plaenen/eventcore/pkg/retry"
)

// Config is built once at startup and passed to the engine. It is not
// modified afterwards.
type Config struct {
	// EventMailboxBatchSize caps the streams flushed per batch append.
	EventMailboxBatchSize int `env:"EVENTCORE_EVENT_MAILBOX_BATCH_SIZE" envDefault:"1000"`

	RetryInitialInterval time.Duration `env:"EVENTCORE_RETRY_INITIAL_INTERVAL" envDefault:"100ms"`
	RetryMaxInterval     time.Duration `env:"EVENTCORE_RETRY_MAX_INTERVAL"     envDefault:"5s"`
	// RetryMaxAttempts of 0 retries I/O failures until they succeed.
	RetryMaxAttempts int `env:"EVENTCORE_RETRY_MAX_ATTEMPTS" envDefault:"0"`

	AggregateMaxInactive time.Duration `env:"EVENTCORE_AGGREGATE_MAX_INACTIVE" envDefault:"1h"`
	ScanInactiveInterval time.Duration `env:"EVENTCORE_SCAN_INACTIVE_INTERVAL" envDefault:"5s"`

	SQLiteDSN string `env:"EVENTCORE_SQLITE_DSN" envDefault:"./data/eventcore.db"`
	// NATSURL empty starts an embedded server.
	NATSURL       string `env:"EVENTCORE_NATS_URL"`
	NATSStoreDir  string `env:"EVENTCORE_NATS_STORE_DIR" envDefault:"./data/nats"`
	SubjectPrefix string `env:"EVENTCORE_SUBJECT_PREFIX" envDefault:"eventcore"`
	// NATSToken authenticates with an external server. Ignored when sealed
	// credentials are configured.
	NATSToken string `env:"EVENTCORE_NATS_TOKEN"`
	// NATSCredentialsKeeper is a gocloud secrets keeper URL decrypting
	// NATSCredentialsFile.
	NATSCredentialsKeeper string `env:"EVENTCORE_NATS_CREDENTIALS_KEEPER"`
	NATSCredentialsFile   string `env:"EVENTCORE_NATS_CREDENTIALS_FILE"`
	// MessagesTopicURL and ExceptionsTopicURL route application messages and
	// exceptions to a Go CDK topic (mem://, nats://) instead of the NATS bus.
	MessagesTopicURL   string `env:"EVENTCORE_MESSAGES_TOPIC_URL"`
	ExceptionsTopicURL string `env:"EVENTCORE_EXCEPTIONS_TOPIC_URL"`
	// RedisAddr empty keeps handled commands in SQLite.
	RedisAddr string `env:"EVENTCORE_REDIS_ADDR"`

	LogLevel string `env:"EVENTCORE_LOG_LEVEL" envDefault:"info"`

	Environment string `env:"EVENTCORE_ENVIRONMENT" envDefault:"development"`
	// TraceSampleRate above zero stores sampled spans in the SQLite database.
	TraceSampleRate float64 `env:"EVENTCORE_TRACE_SAMPLE_RATE" envDefault:"0"`
	// MetricsInterval is how often metrics are logged; zero disables it.
	MetricsInterval time.Duration `env:"EVENTCORE_METRICS_INTERVAL" envDefault:"0s"`
}

// Default returns the configuration with every default applied.
func Default() Config {
	return Config{
		EventMailboxBatchSize: 1000,
		RetryInitialInterval:  100 * time.Millisecond,
		RetryMaxInterval:      5 * time.Second,
		AggregateMaxInactive:  time.Hour,
		ScanInactiveInterval:  5 * time.Second,
		SQLiteDSN:             "./data/eventcore.db",
		NATSStoreDir:          "./data/nats",
		SubjectPrefix:         "eventcore",
		LogLevel:              "info",
		Environment:           "development",
	}
}

// Load reads the configuration from EVENTCORE_* environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.EventMailboxBatchSize < 1 {
		return fmt.Errorf("event mailbox batch size must be positive, got %d", c.EventMailboxBatchSize)
	}
	if c.RetryInitialInterval <= 0 || c.RetryMaxInterval < c.RetryInitialInterval {
		return fmt.Errorf("invalid retry intervals: initial %s, max %s", c.RetryInitialInterval, c.RetryMaxInterval)
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry max attempts must not be negative, got %d", c.RetryMaxAttempts)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("trace sample rate must be between 0 and 1, got %g", c.TraceSampleRate)
	}
	if (c.NATSCredentialsKeeper == "") != (c.NATSCredentialsFile == "") {
		return fmt.Errorf("NATS credentials keeper and file must be set together")
	}
	if c.ScanInactiveInterval <= 0 {
		return fmt.Errorf("scan inactive interval must be positive, got %s", c.ScanInactiveInterval)
	}
	return nil
}

// Retry returns the retry executor configuration.
func (c Config) Retry() retry.Config {
	rc := retry.DefaultConfig()
	rc.InitialInterval = c.RetryInitialInterval
	rc.MaxInterval = c.RetryMaxInterval
	rc.MaxAttempts = c.RetryMaxAttempts
	return rc
}
