package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.EventStore)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 500*time.Millisecond, cfg.RelayPollInterval)
	assert.Equal(t, 100, cfg.RelayBatchSize)
	assert.Equal(t, 3, cfg.ListenerMaxRetries)
	assert.Equal(t, "eventcore", cfg.JWTIssuer)
	assert.Equal(t, time.Hour, cfg.JWTExpiry)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("EVENT_STORE", "dynamo")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RELAY_POLL_INTERVAL", "2s")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, BackendDynamo, cfg.EventStore)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2*time.Second, cfg.RelayPollInterval)
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Setenv("EVENT_STORE", "mongo")

	_, err := Load()

	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	base := Config{
		EventStore:        BackendPostgres,
		KafkaBrokers:      []string{"localhost:9092"},
		RelayBatchSize:    10,
		RelayPollInterval: time.Second,
		RelayRetention:    time.Hour,
		RelayPurgeEvery:   time.Minute,
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no brokers", func(c *Config) { c.KafkaBrokers = nil }},
		{"zero batch", func(c *Config) { c.RelayBatchSize = 0 }},
		{"zero interval", func(c *Config) { c.RelayPollInterval = 0 }},
		{"negative retries", func(c *Config) { c.ListenerMaxRetries = -1 }},
		{"zero retention", func(c *Config) { c.RelayRetention = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
