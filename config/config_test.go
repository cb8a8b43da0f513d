package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.MaxLocationsPerMinute)
	assert.Equal(t, 50, cfg.MaxBatchSize)
	assert.Equal(t, time.Minute, cfg.CourierTimeout)
	assert.Equal(t, 30*time.Second, cfg.CleanupInterval)
	assert.Equal(t, 30*time.Second, cfg.GracePeriod)
	assert.Equal(t, "memory", cfg.PresenceBackend)
	assert.Equal(t, "memory", cfg.BrokerBackend)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MAX_LOCATIONS_PER_MINUTE", "10")
	t.Setenv("COURIER_TIMEOUT_MS", "5000")
	t.Setenv("KAFKA_BROKERS", "kafka1:9092, kafka2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.MaxLocationsPerMinute)
	assert.Equal(t, 5*time.Second, cfg.CourierTimeout)
	assert.Equal(t, []string{"kafka1:9092", "kafka2:9092"}, cfg.KafkaBrokers)
}

func TestRejectsUnknownBackends(t *testing.T) {
	t.Setenv("PRESENCE_BACKEND", "etcd")
	_, err := Load()
	assert.Error(t, err)
}

func TestKafkaRequiresBrokers(t *testing.T) {
	t.Setenv("BROKER_BACKEND", "kafka")
	_, err := Load()
	assert.Error(t, err)
}
