package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotsync/libs/config"
)

const (
	SnapshotMemory   = "memory"
	SnapshotRedis    = "redis"
	SnapshotPostgres = "postgres"
)

type Settings struct {
	ServiceName string
	Port        string
	Location    *time.Location

	PollInterval     time.Duration
	PollInitialDelay time.Duration
	PollingEnabled   bool
	FetchTimeout     time.Duration

	BackendBaseURL string
	BackendTimeout time.Duration

	SnapshotBackend string
	SnapshotTTL     time.Duration
	DatabaseURL     string
	RedisAddr       string

	KafkaBrokers      string
	KafkaGroupID      string
	KafkaChangesTopic string
	KafkaSavedTopic   string

	MaxSessions        int
	RefreshDebounce    time.Duration
	ManualRefreshEvery time.Duration

	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBackend  string
	RateLimitFailOpen bool

	CORSAllowedOrigins []string
	RequestTimeout     time.Duration
}

// Load reads the environment. The first invalid variable aborts with an
// error naming it.
func Load() (Settings, error) {
	s := Settings{
		ServiceName:        config.String("SERVICE_NAME", "availability-service"),
		SnapshotBackend:    strings.ToLower(config.String("SNAPSHOT_BACKEND", SnapshotMemory)),
		DatabaseURL:        config.String("DATABASE_URL", ""),
		RedisAddr:          config.String("REDIS_ADDR", ""),
		KafkaBrokers:       config.String("KAFKA_BROKERS", ""),
		KafkaGroupID:       config.String("KAFKA_GROUP_ID", "availability-service"),
		KafkaChangesTopic:  config.String("KAFKA_CHANGES_TOPIC", "availability.changed.v1"),
		KafkaSavedTopic:    config.String("KAFKA_SAVED_TOPIC", "availability.day.saved.v1"),
		RateLimitBackend:   strings.ToLower(config.String("RATE_LIMIT_BACKEND", "memory")),
		CORSAllowedOrigins: config.List("CORS_ALLOWED_ORIGINS", ""),
	}

	var err error
	if s.Port, err = config.Port("PORT", "8090"); err != nil {
		return Settings{}, err
	}
	if s.Location, err = config.Location("AVAILABILITY_TIMEZONE", "UTC"); err != nil {
		return Settings{}, err
	}
	if s.BackendBaseURL, err = config.RequiredString("BACKEND_BASE_URL"); err != nil {
		return Settings{}, err
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"POLL_INTERVAL", 30 * time.Second, &s.PollInterval},
		{"POLL_INITIAL_DELAY", time.Second, &s.PollInitialDelay},
		{"FETCH_TIMEOUT", 10 * time.Second, &s.FetchTimeout},
		{"BACKEND_TIMEOUT", 5 * time.Second, &s.BackendTimeout},
		{"SNAPSHOT_TTL", 24 * time.Hour, &s.SnapshotTTL},
		{"REFRESH_DEBOUNCE", 500 * time.Millisecond, &s.RefreshDebounce},
		{"MANUAL_REFRESH_EVERY", 2 * time.Second, &s.ManualRefreshEvery},
		{"RATE_LIMIT_WINDOW", time.Minute, &s.RateLimitWindow},
		{"REQUEST_TIMEOUT", 30 * time.Second, &s.RequestTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = config.Duration(d.key, d.fallback); err != nil {
			return Settings{}, err
		}
	}
	if s.PollInterval == 0 {
		return Settings{}, fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if s.RequestTimeout == 0 {
		return Settings{}, fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	if s.PollingEnabled, err = config.Bool("POLLING_ENABLED", true); err != nil {
		return Settings{}, err
	}
	if s.RateLimitEnabled, err = config.Bool("RATE_LIMIT_ENABLED", true); err != nil {
		return Settings{}, err
	}
	if s.RateLimitFailOpen, err = config.Bool("RATE_LIMIT_FAIL_OPEN", true); err != nil {
		return Settings{}, err
	}
	if s.MaxSessions, err = config.Int("MAX_SESSIONS", 256); err != nil {
		return Settings{}, err
	}
	if s.RateLimitRequests, err = config.Int("RATE_LIMIT_REQUESTS", 30); err != nil {
		return Settings{}, err
	}

	switch s.SnapshotBackend {
	case SnapshotMemory:
	case SnapshotRedis:
		if s.RedisAddr == "" {
			return Settings{}, fmt.Errorf("REDIS_ADDR is required when SNAPSHOT_BACKEND=redis")
		}
	case SnapshotPostgres:
		if s.DatabaseURL == "" {
			return Settings{}, fmt.Errorf("DATABASE_URL is required when SNAPSHOT_BACKEND=postgres")
		}
	default:
		return Settings{}, fmt.Errorf("SNAPSHOT_BACKEND must be memory, redis, or postgres (got %q)", s.SnapshotBackend)
	}
	if s.RateLimitBackend == "redis" && s.RedisAddr == "" {
		return Settings{}, fmt.Errorf("REDIS_ADDR is required when RATE_LIMIT_BACKEND=redis")
	}
	return s, nil
}
