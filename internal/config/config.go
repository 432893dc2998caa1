package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	AMQP       AMQPConfig
	Dispatcher DispatcherConfig
	Enqueue    EnqueueConfig
	Cache      CacheConfig
	Bots       BotsConfig
	Log        LogConfig
}

type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig selects the storage dialect. Driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	// QueryTimeout bounds every statement; zero leaves only the caller's ctx.
	QueryTimeout    time.Duration
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

type AMQPConfig struct {
	URL   string
	Queue string
}

type DispatcherConfig struct {
	Interval            time.Duration
	BatchSize           int
	MaxAttempts         int
	RetryBaseDelay      time.Duration
	SendTimeout         time.Duration
	GlobalSpacing       time.Duration
	PerBotSpacing       time.Duration
	StaleAfter          time.Duration
	MaintenanceSchedule string
}

// MaxEnqueueChunkSize keeps one chunk's IN lists within the database's
// bind-parameter limit.
const MaxEnqueueChunkSize = 10000

type EnqueueConfig struct {
	ChunkSize int
}

type CacheConfig struct {
	CredentialTTL time.Duration
}

type BotsConfig struct {
	RegistryPath string
	APIURL       string
}

type LogConfig struct {
	Level  string
	Format string
}

// LoadDotEnv reads .env when present. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadAll builds the configuration from the environment and reports every
// invalid or missing key at once.
func LoadAll() (*Config, error) {
	r := &envReader{}

	cfg := &Config{
		Server: ServerConfig{
			Address:      r.str("SERVER_ADDRESS", ":8080"),
			ReadTimeout:  r.duration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: r.duration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Database: loadDatabaseConfig(r),
		Redis:    loadRedisConfig(r),
		AMQP: AMQPConfig{
			URL:   r.str("AMQP_URL", ""),
			Queue: r.str("AMQP_EVENTS_QUEUE", "behavior_events"),
		},
		Dispatcher: DispatcherConfig{
			Interval:            r.duration("DISPATCH_INTERVAL", 2*time.Second),
			BatchSize:           r.integer("DISPATCH_BATCH_SIZE", 100),
			MaxAttempts:         r.integer("MAX_ATTEMPTS", 5),
			RetryBaseDelay:      r.duration("RETRY_BASE_DELAY", 30*time.Second),
			SendTimeout:         r.duration("SEND_TIMEOUT", 15*time.Second),
			GlobalSpacing:       r.duration("SEND_GLOBAL_SPACING", 35*time.Millisecond),
			PerBotSpacing:       r.duration("SEND_PER_BOT_SPACING", 50*time.Millisecond),
			StaleAfter:          r.duration("STALE_SENDING_AFTER", 5*time.Minute),
			MaintenanceSchedule: r.str("MAINTENANCE_SCHEDULE", "@every 1m"),
		},
		Enqueue: EnqueueConfig{
			ChunkSize: r.integer("ENQUEUE_CHUNK_SIZE", 1000),
		},
		Cache: CacheConfig{
			CredentialTTL: r.duration("CREDENTIAL_CACHE_TTL", 5*time.Minute),
		},
		Bots: BotsConfig{
			RegistryPath: r.str("BOT_REGISTRY_PATH", "bots.yaml"),
			APIURL:       r.str("TELEGRAM_API_URL", ""),
		},
		Log: LogConfig{
			Level:  r.str("LOG_LEVEL", "info"),
			Format: r.str("LOG_FORMAT", "json"),
		},
	}

	validate(cfg, r)
	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDatabaseConfig(r *envReader) DatabaseConfig {
	cfg := DatabaseConfig{
		Driver:          strings.ToLower(r.str("DB_DRIVER", "postgres")),
		DSN:             r.str("DATABASE_URL", ""),
		MaxOpenConns:    r.integer("DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    r.integer("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: r.duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnectTimeout:  r.duration("DB_CONNECT_TIMEOUT", 5*time.Second),
		QueryTimeout:    r.duration("DB_QUERY_TIMEOUT", 10*time.Second),
	}
	if cfg.DSN != "" || cfg.Driver != "postgres" {
		return cfg
	}

	// Fall back to discrete DB_* variables.
	host := os.Getenv("DB_HOST")
	if host == "" {
		r.fail("missing required env var: DATABASE_URL (or DB_HOST)")
		return cfg
	}
	cfg.DSN = fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), host,
		r.str("DB_PORT", "5432"), os.Getenv("DB_NAME"), r.str("DB_SSLMODE", "disable"),
	)
	return cfg
}

func loadRedisConfig(r *envReader) RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}
	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       r.integer("REDIS_DB", 0),
	}
}

func validate(cfg *Config, r *envReader) {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		r.fail("DB_DRIVER must be postgres or sqlite, got %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == "" {
		r.fail("DATABASE_URL is required for the sqlite driver")
	}
	if cfg.Dispatcher.BatchSize <= 0 {
		r.fail("DISPATCH_BATCH_SIZE must be > 0")
	}
	if cfg.Dispatcher.Interval <= 0 {
		r.fail("DISPATCH_INTERVAL must be > 0")
	}
	if cfg.Dispatcher.MaxAttempts <= 0 {
		r.fail("MAX_ATTEMPTS must be > 0")
	}
	if cfg.Dispatcher.SendTimeout <= 0 {
		r.fail("SEND_TIMEOUT must be > 0")
	}
	if cfg.Dispatcher.GlobalSpacing < 0 || cfg.Dispatcher.PerBotSpacing < 0 {
		r.fail("send spacing must not be negative")
	}
	if cfg.Dispatcher.StaleAfter <= cfg.Dispatcher.SendTimeout {
		r.fail("STALE_SENDING_AFTER must be longer than SEND_TIMEOUT")
	}
	if cfg.Database.QueryTimeout < 0 {
		r.fail("DB_QUERY_TIMEOUT must not be negative")
	}
	if cfg.Enqueue.ChunkSize <= 0 || cfg.Enqueue.ChunkSize > MaxEnqueueChunkSize {
		r.fail("ENQUEUE_CHUNK_SIZE must be between 1 and %d", MaxEnqueueChunkSize)
	}
	if cfg.Cache.CredentialTTL <= 0 {
		r.fail("CREDENTIAL_CACHE_TTL must be > 0")
	}
}

type envReader struct {
	errs []error
}

func (r *envReader) fail(format string, args ...any) {
	r.errs = append(r.errs, fmt.Errorf(format, args...))
}

func (r *envReader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (r *envReader) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.fail("invalid int for env %s: %s", key, v)
		return def
	}
	return i
}

// duration accepts Go duration strings ("30s") or bare seconds ("30").
func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail("invalid duration for env %s: %s", key, v)
		return def
	}
	return d
}
