package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration, read from the environment with
// an optional .env overlay.
type Config struct {
	Instruments []string

	EventLogDir string
	OutboxDir   string

	KafkaBrokers []string
	CommandTopic string
	EventTopic   string
	ConsumerGroup string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DepthTTL      time.Duration

	HTTPAddr string
	LogLevel string

	BroadcastInterval time.Duration
}

func Load() Config {
	// Missing .env is fine; plain env vars still apply.
	_ = godotenv.Load()

	return Config{
		Instruments:       splitList(getenv("INSTRUMENTS", "BTC_USD")),
		EventLogDir:       getenv("EVENT_LOG_DIR", "./data/eventlog"),
		OutboxDir:         getenv("OUTBOX_DIR", "./data/outbox"),
		KafkaBrokers:      splitList(getenv("KAFKA_BROKERS", "127.0.0.1:9092")),
		CommandTopic:      getenv("COMMAND_TOPIC", "commands"),
		EventTopic:        getenv("EVENT_TOPIC", "events"),
		ConsumerGroup:     getenv("CONSUMER_GROUP", "matching-core"),
		RedisAddr:         getenv("REDIS_ADDR", ""),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           0,
		DepthTTL:          getDuration("DEPTH_TTL", 5*time.Minute),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		BroadcastInterval: getDuration("BROADCAST_INTERVAL", 250*time.Millisecond),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
