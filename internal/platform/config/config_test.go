package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.Equal(t, time.Second, cfg.Ledger.PollInterval)
		assert.Equal(t, "petmarket.operations", cfg.Kafka.Topic)
		assert.Empty(t, cfg.Kafka.Brokers)
		assert.Equal(t, []string{"localhost:*"}, cfg.Server.AllowedOrigins)
		assert.Equal(t, 5*time.Minute, cfg.Redis.GuardTTL)
		assert.Equal(t, []byte("dev-secret-key-change-in-production"), cfg.SessionSecret())
	})

	t.Run("reads overrides", func(t *testing.T) {
		t.Setenv("PETMARKET_ADDR", ":9090")
		t.Setenv("PETMARKET_LEDGER_SETTLE_TIMEOUT", "2m")
		t.Setenv("PETMARKET_KAFKA_BROKERS", "a:9092, b:9092,a:9092,")
		t.Setenv("PETMARKET_SESSION_SECRET", "s3cret")

		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.Server.Addr)
		assert.Equal(t, 2*time.Minute, cfg.Ledger.SettleTimeout)
		assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, []byte("s3cret"), cfg.SessionSecret())
	})

	t.Run("rejects missing secret outside dev", func(t *testing.T) {
		t.Setenv("PETMARKET_ENV", "prod")
		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session secret")
	})

	t.Run("rejects a guard ttl shorter than settlement", func(t *testing.T) {
		t.Setenv("PETMARKET_REDIS_URL", "redis://localhost:6379/0")
		t.Setenv("PETMARKET_REDIS_GUARD_TTL", "60s")
		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "guard ttl")
	})

	t.Run("rejects a guard ttl shorter than a write", func(t *testing.T) {
		t.Setenv("PETMARKET_REDIS_URL", "redis://localhost:6379/0")
		t.Setenv("PETMARKET_REDIS_GUARD_TTL", "3m")
		t.Setenv("PETMARKET_WRITE_TIMEOUT", "4m")
		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceed the write timeout")
	})

	t.Run("rejects an unbounded write with the redis guard", func(t *testing.T) {
		t.Setenv("PETMARKET_REDIS_URL", "redis://localhost:6379/0")
		t.Setenv("PETMARKET_WRITE_TIMEOUT", "0s")
		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "write timeout must be set")
	})

	t.Run("accepts the redis guard defaults", func(t *testing.T) {
		t.Setenv("PETMARKET_REDIS_URL", "redis://localhost:6379/0")
		_, err := FromEnv()
		require.NoError(t, err)
	})

	t.Run("rejects non-positive rate limit", func(t *testing.T) {
		t.Setenv("PETMARKET_LEDGER_RATE_LIMIT", "0")
		_, err := FromEnv()
		require.Error(t, err)
	})
}
