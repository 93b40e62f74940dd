package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Almacenamiento
	LocalDeployment bool
	SQLitePath      string
	PostgresDSN     string
	MongoURI        string
	MongoDatabase   string

	// Broker y cache
	KafkaBrokers     []string
	KafkaTopicPrefix string
	KafkaAckTopic    string
	RedisAddr        string
	CacheTTL         time.Duration

	// Archivo analítico (opcional)
	ClickHouseAddr     string
	ClickHouseDatabase string

	// Parámetros del subsistema
	UnackQueryLimit  int
	ReplayBatchSize  int
	MaxRetries       int
	ReplayPeriod     time.Duration
	PublishTimeout   time.Duration
	RetentionDays    int
	RetainFailedDays int
	SweepPeriod      time.Duration

	HTTPPort string
}

func LoadConfig() *Config {
	getEnv := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}
	getEnvInt := func(key string, fallback int) int {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return fallback
	}
	getEnvDuration := func(key string, fallback time.Duration) time.Duration {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
		return fallback
	}

	kafkaBrokers := strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ",")

	return &Config{
		LocalDeployment: getEnv("LOCAL_DEPLOYMENT", "true") == "true",
		SQLitePath:      getEnv("SQLITE_PATH", "./relaylab_outbox.db"),
		PostgresDSN:     getEnv("POSTGRES_DSN", "postgres://localhost:5432/relaylab"),
		MongoURI:        getEnv("MONGO_URI", ""),
		MongoDatabase:   getEnv("MONGO_DATABASE", "relaylab"),

		KafkaBrokers:     kafkaBrokers,
		KafkaTopicPrefix: getEnv("KAFKA_TOPIC_PREFIX", "interapp"),
		KafkaAckTopic:    getEnv("KAFKA_ACK_TOPIC", "interapp.acks"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		CacheTTL:         5 * time.Minute,

		ClickHouseAddr:     getEnv("CLICKHOUSE_ADDR", ""),
		ClickHouseDatabase: getEnv("CLICKHOUSE_DATABASE", "relaylab"),

		UnackQueryLimit:  getEnvInt("UNACK_QUERY_LIMIT", 500),
		ReplayBatchSize:  getEnvInt("REPLAY_BATCH_SIZE", 100),
		MaxRetries:       getEnvInt("MAX_RETRIES", 10),
		ReplayPeriod:     getEnvDuration("REPLAY_PERIOD", 30*time.Second),
		PublishTimeout:   getEnvDuration("PUBLISH_TIMEOUT", 10*time.Second),
		RetentionDays:    getEnvInt("RETENTION_DAYS", 7),
		RetainFailedDays: getEnvInt("RETAIN_FAILED_DAYS", 30),
		SweepPeriod:      getEnvDuration("SWEEP_PERIOD", 6*time.Hour),

		HTTPPort: getEnv("HTTP_PORT", "8080"),
	}
}
