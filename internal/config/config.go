package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures every tunable of the dispatch API process. Values
// come from the environment with defaults that let the binary run locally
// on the in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaActivityTopic string

	PGDSN string

	DefaultRadiusKm       float64
	MatcherResultLimit    int
	MatcherCandidateLimit int
	MatcherLocationMaxAge time.Duration

	CacheListTTL  time.Duration
	CacheStatsTTL time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		RedisGeoKey:           "pending_requests_geo",
		KafkaLocationTopic:    "provider-locations",
		KafkaActivityTopic:    "dispatch-activity",
		DefaultRadiusKm:       30,
		MatcherResultLimit:    20,
		MatcherCandidateLimit: 100,
		MatcherLocationMaxAge: 15 * time.Minute,
		CacheListTTL:          60 * time.Second,
		CacheStatsTTL:         120 * time.Second,
		LogLevel:              "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	envParsed(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", time.ParseDuration, &errs)
	envParsed(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", time.ParseDuration, &errs)
	envParsed(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", time.ParseDuration, &errs)
	envParsed(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", time.ParseDuration, &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaActivityTopic, "KAFKA_ACTIVITY_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	envParsed(&cfg.DefaultRadiusKm, "MATCHER_DEFAULT_RADIUS_KM", parseFloat, &errs)
	envParsed(&cfg.MatcherResultLimit, "MATCHER_RESULT_LIMIT", strconv.Atoi, &errs)
	envParsed(&cfg.MatcherCandidateLimit, "MATCHER_CANDIDATE_LIMIT", strconv.Atoi, &errs)
	envParsed(&cfg.MatcherLocationMaxAge, "MATCHER_LOCATION_MAX_AGE", time.ParseDuration, &errs)

	envParsed(&cfg.CacheListTTL, "CACHE_LIST_TTL", time.ParseDuration, &errs)
	envParsed(&cfg.CacheStatsTTL, "CACHE_STATS_TTL", time.ParseDuration, &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.DefaultRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_DEFAULT_RADIUS_KM must be > 0"))
	}
	if cfg.MatcherResultLimit <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_RESULT_LIMIT must be > 0"))
	}
	if cfg.MatcherCandidateLimit < cfg.MatcherResultLimit {
		errs = append(errs, fmt.Errorf("MATCHER_CANDIDATE_LIMIT must be >= MATCHER_RESULT_LIMIT"))
	}
	if cfg.MatcherLocationMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_LOCATION_MAX_AGE must be > 0"))
	}
	if cfg.CacheListTTL <= 0 || cfg.CacheStatsTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache TTLs must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the Kafka location consumer.
type ConsumerConfig struct {
	KafkaBrokers []string
	Topic        string
	GroupID      string

	PGDSN string

	MetricsAddr  string
	RetryMax     int
	RetryBackoff time.Duration

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		Topic:        "provider-locations",
		GroupID:      "provider-location-consumer",
		MetricsAddr:  ":9102",
		RetryMax:     3,
		RetryBackoff: 100 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP_ID")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	envParsed(&cfg.RetryMax, "CONSUMER_RETRY_MAX", strconv.Atoi, &errs)
	envParsed(&cfg.RetryBackoff, "CONSUMER_RETRY_BACKOFF", time.ParseDuration, &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if cfg.RetryMax <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_MAX must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// envParsed overwrites target when key is set, collecting parse failures
// instead of stopping at the first one.
func envParsed[T any](target *T, key string, parse func(string) (T, error), errs *[]error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := parse(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*target = v
}

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
