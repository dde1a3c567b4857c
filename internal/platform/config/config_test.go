package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 10*time.Minute, cfg.EvidenceTTL)
	assert.Equal(t, 5, cfg.RetryMax)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBase)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, 10, cfg.Redis.PoolSize)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CROSSLOCK_ADDR", ":9090")
	t.Setenv("CROSSLOCK_STORE", "redis")
	t.Setenv("CROSSLOCK_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CROSSLOCK_KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("CROSSLOCK_EVIDENCE_TTL", "1h")
	t.Setenv("CROSSLOCK_RETRY_MAX", "3")
	t.Setenv("CROSSLOCK_PEER_URL", "https://peer.example.com")

	cfg := FromEnv()

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, time.Hour, cfg.EvidenceTTL)
	assert.Equal(t, 3, cfg.RetryMax)
	assert.Equal(t, "https://peer.example.com", cfg.PeerURL)
}

func TestFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("CROSSLOCK_RETRY_MAX", "many")
	t.Setenv("CROSSLOCK_EVIDENCE_TTL", "soon")

	cfg := FromEnv()

	assert.Equal(t, 5, cfg.RetryMax)
	assert.Equal(t, 10*time.Minute, cfg.EvidenceTTL)
}
