package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Gateway captures process-level configuration. FromEnv builds it from
// environment variables so main stays lean.
type Gateway struct {
	Addr          string
	JWTSigningKey string
	APIClientID   string
	APISecret     string

	// PeerURL is the base URL of the counterparty gateway's message
	// endpoint. PeerPublicKey is its hex-encoded Ed25519 public key.
	PeerURL       string
	PeerPublicKey string

	// StoreBackend selects the session store: memory, redis, or postgres.
	StoreBackend string
	Redis        RedisConfig
	PostgresURL  string

	// Kafka audit publishing is optional; empty brokers disables it.
	KafkaBrokers []string
	KafkaTopic   string

	// SigningSeed is a hex-encoded 32-byte Ed25519 seed for this gateway's
	// identity key. Empty means generate an ephemeral dev key at startup.
	SigningSeed string

	EvidenceTTL   time.Duration
	RetryMax      int
	RetryBase     time.Duration
	SweepInterval time.Duration
}

// RedisConfig mirrors the go-redis options we care about.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Gateway config from environment variables with development
// defaults that must be overridden in production.
func FromEnv() Gateway {
	cfg := Gateway{
		Addr:          envOr("CROSSLOCK_ADDR", ":8080"),
		JWTSigningKey: envOr("CROSSLOCK_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		APIClientID:   envOr("CROSSLOCK_API_CLIENT_ID", "crosslock-dev"),
		APISecret:     envOr("CROSSLOCK_API_SECRET", "dev-secret"),
		PeerURL:       os.Getenv("CROSSLOCK_PEER_URL"),
		PeerPublicKey: os.Getenv("CROSSLOCK_PEER_PUBLIC_KEY"),
		StoreBackend:  envOr("CROSSLOCK_STORE", "memory"),
		PostgresURL:   os.Getenv("CROSSLOCK_POSTGRES_URL"),
		KafkaTopic:    envOr("CROSSLOCK_KAFKA_TOPIC", "crosslock.transfer.audit"),
		SigningSeed:   os.Getenv("CROSSLOCK_SIGNING_SEED"),
		EvidenceTTL:   envDuration("CROSSLOCK_EVIDENCE_TTL", 10*time.Minute),
		RetryMax:      envInt("CROSSLOCK_RETRY_MAX", 5),
		RetryBase:     envDuration("CROSSLOCK_RETRY_BASE", 250*time.Millisecond),
		SweepInterval: envDuration("CROSSLOCK_SWEEP_INTERVAL", 15*time.Second),
	}

	if brokers := os.Getenv("CROSSLOCK_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	cfg.Redis = RedisConfig{
		URL:          os.Getenv("CROSSLOCK_REDIS_URL"),
		PoolSize:     envInt("CROSSLOCK_REDIS_POOL_SIZE", 10),
		MinIdleConns: envInt("CROSSLOCK_REDIS_MIN_IDLE", 2),
		DialTimeout:  envDuration("CROSSLOCK_REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  envDuration("CROSSLOCK_REDIS_READ_TIMEOUT", 3*time.Second),
		WriteTimeout: envDuration("CROSSLOCK_REDIS_WRITE_TIMEOUT", 3*time.Second),
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
