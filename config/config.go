// Package config reads the fleetwatch configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized option. All durations are parsed from
// millisecond env values.
type Config struct {
	// Address the HTTP/websocket listener binds to.
	Address string

	// ServerID identifies this instance in logs and events. Random when unset.
	ServerID string

	LogLevel string

	// Courier update budget per rolling minute. Zero disables limiting.
	MaxLocationsPerMinute int

	// Simultaneous websocket connections allowed per remote IP. Zero means unlimited.
	MaxConnectionsPerIP int

	// Couriers allowed per branch. Zero means unlimited.
	MaxCouriersPerBranch int

	// Samples accepted from a single courier:location:batch message.
	MaxBatchSize int

	// A courier with no update for this long is considered offline;
	// hard eviction happens at twice this value.
	CourierTimeout time.Duration

	// How often the eviction sweeper runs.
	CleanupInterval time.Duration

	// How long a disconnected session lingers to absorb quick reconnects.
	GracePeriod time.Duration

	// History buffer bounds.
	HistoryWindow     time.Duration
	HistoryMaxSamples int

	// Backend selection: "memory" or "redis" for presence,
	// "memory", "redis" or "kafka" for the fanout broker.
	PresenceBackend string
	BrokerBackend   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads the environment and applies defaults.
func Load() (*Config, error) {
	c := &Config{
		Address:               getenv("ADDRESS", ":9090"),
		ServerID:              getenv("SERVER_ID", ""),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		MaxLocationsPerMinute: getenvInt("MAX_LOCATIONS_PER_MINUTE", 30),
		MaxConnectionsPerIP:   getenvInt("MAX_CONNECTIONS_PER_IP", 0),
		MaxCouriersPerBranch:  getenvInt("MAX_COURIERS_PER_BRANCH", 0),
		MaxBatchSize:          getenvInt("MAX_BATCH_SIZE", 50),
		CourierTimeout:        getenvMs("COURIER_TIMEOUT_MS", 60_000),
		CleanupInterval:       getenvMs("CLEANUP_INTERVAL_MS", 30_000),
		GracePeriod:           getenvMs("GRACE_PERIOD_MS", 30_000),
		HistoryWindow:         getenvMs("HISTORY_WINDOW_MS", 300_000),
		HistoryMaxSamples:     getenvInt("HISTORY_MAX_SAMPLES", 120),
		PresenceBackend:       getenv("PRESENCE_BACKEND", "memory"),
		BrokerBackend:         getenv("BROKER_BACKEND", "memory"),
		RedisAddr:             getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         getenv("REDIS_PASSWORD", ""),
		RedisDB:               getenvInt("REDIS_DB", 0),
		KafkaTopic:            getenv("KAFKA_TOPIC", "fleet.events"),
	}

	if brokers := getenv("KAFKA_BROKERS", ""); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.KafkaBrokers = append(c.KafkaBrokers, b)
			}
		}
	}

	switch c.PresenceBackend {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("config: unknown PRESENCE_BACKEND %q", c.PresenceBackend)
	}

	switch c.BrokerBackend {
	case "memory", "redis":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("config: BROKER_BACKEND=kafka requires KAFKA_BROKERS")
		}
	default:
		return nil, fmt.Errorf("config: unknown BROKER_BACKEND %q", c.BrokerBackend)
	}

	if c.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("config: MAX_BATCH_SIZE must be positive")
	}
	if c.CourierTimeout <= 0 || c.CleanupInterval <= 0 {
		return nil, fmt.Errorf("config: COURIER_TIMEOUT_MS and CLEANUP_INTERVAL_MS must be positive")
	}

	return c, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvMs(key string, fallback int64) time.Duration {
	ms := fallback
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			ms = n
		}
	}
	return time.Duration(ms) * time.Millisecond
}
