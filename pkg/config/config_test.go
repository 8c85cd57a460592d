package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventcore/pkg/config"
)

func TestLoad(t *testing.T) {
	t.Run("defaults match Default", func(t *testing.T) {
		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, config.Default(), cfg)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("EVENTCORE_EVENT_MAILBOX_BATCH_SIZE", "50")
		t.Setenv("EVENTCORE_RETRY_MAX_ATTEMPTS", "7")
		t.Setenv("EVENTCORE_RETRY_INITIAL_INTERVAL", "10ms")
		t.Setenv("EVENTCORE_AGGREGATE_MAX_INACTIVE", "30m")
		t.Setenv("EVENTCORE_REDIS_ADDR", "localhost:6379")
		t.Setenv("EVENTCORE_MESSAGES_TOPIC_URL", "mem://messages")

		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, 50, cfg.EventMailboxBatchSize)
		assert.Equal(t, 7, cfg.RetryMaxAttempts)
		assert.Equal(t, 10*time.Millisecond, cfg.RetryInitialInterval)
		assert.Equal(t, 30*time.Minute, cfg.AggregateMaxInactive)
		assert.Equal(t, "localhost:6379", cfg.RedisAddr)
		assert.Equal(t, "mem://messages", cfg.MessagesTopicURL)
		assert.Empty(t, cfg.ExceptionsTopicURL)
	})

	t.Run("malformed value", func(t *testing.T) {
		t.Setenv("EVENTCORE_EVENT_MAILBOX_BATCH_SIZE", "lots")

		_, err := config.Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse env:")
	})

	t.Run("invalid value", func(t *testing.T) {
		t.Setenv("EVENTCORE_EVENT_MAILBOX_BATCH_SIZE", "0")

		_, err := config.Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "batch size")
	})
}

func TestConfig_Retry(t *testing.T) {
	cfg := config.Default()
	cfg.RetryMaxAttempts = 3

	rc := cfg.Retry()
	assert.Equal(t, 100*time.Millisecond, rc.InitialInterval)
	assert.Equal(t, 5*time.Second, rc.MaxInterval)
	assert.Equal(t, 3, rc.MaxAttempts)
	assert.Greater(t, rc.Multiplier, 1.0)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"max below initial interval", func(c *config.Config) { c.RetryMaxInterval = time.Millisecond }, "retry intervals"},
		{"negative attempts", func(c *config.Config) { c.RetryMaxAttempts = -1 }, "max attempts"},
		{"sample rate above one", func(c *config.Config) { c.TraceSampleRate = 1.5 }, "sample rate"},
		{"zero scan interval", func(c *config.Config) { c.ScanInactiveInterval = 0 }, "scan inactive"},
		{"keeper without file", func(c *config.Config) { c.NATSCredentialsKeeper = "base64key://" }, "credentials keeper"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, config.Default().Validate())
}
