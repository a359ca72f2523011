package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	pstrings "srdwatch/pkg/platform/strings"
)

// Config is the full process configuration.
type Config struct {
	Server   Server
	Log      Log
	Database Database
	SRD      SRD
	Redis    RedisConfig
	Kafka    Kafka
	Outbox   Outbox
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type Log struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

// Database selects the SQL driver. Supported drivers: sqlite3, pgx, postgres.
type Database struct {
	Driver string
	DSN    string
}

// SRD configures the upstream status API and how results are recorded.
type SRD struct {
	Endpoint           string
	FetchTimeout       time.Duration
	FetchAttempts      int
	HistoryMode        string
	RecheckConcurrency int
}

// RedisConfig enables the distributed locker when URL is set.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LockTTL      time.Duration
}

// Kafka enables outbox publishing when Brokers is non-empty.
type Kafka struct {
	Brokers  []string
	Topic    string
	ClientID string
}

type Outbox struct {
	Interval  time.Duration
	BatchSize int
}

const (
	DefaultEndpoint = "https://srd.sassa.gov.za/srdweb/api/web/outcome"
	DefaultTopic    = "srd.status.events"
	DefaultSQLite   = "file:srdwatch.db?_foreign_keys=on&_busy_timeout=5000"
)

// Load reads the given .env files (".env" when none are named) into the
// process environment, then builds a Config. Missing files are not an error
// and variables already set in the environment win.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading env file: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables, applying defaults for
// every key that is unset.
func FromEnv() (Config, error) {
	r := &reader{}
	cfg := Config{
		Server: Server{
			Addr:            r.str("SRDWATCH_ADDR", ":8080"),
			ShutdownTimeout: r.duration("SRDWATCH_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: Log{
			Level:  strings.ToLower(r.str("SRDWATCH_LOG_LEVEL", "info")),
			Format: strings.ToLower(r.str("SRDWATCH_LOG_FORMAT", "text")),
		},
		Database: Database{
			Driver: r.str("SRDWATCH_DB_DRIVER", "sqlite3"),
			DSN:    r.str("SRDWATCH_DB_DSN", DefaultSQLite),
		},
		SRD: SRD{
			Endpoint:           r.str("SRD_API_URL", DefaultEndpoint),
			FetchTimeout:       r.duration("SRD_FETCH_TIMEOUT", 15*time.Second),
			FetchAttempts:      r.integer("SRD_FETCH_ATTEMPTS", 1),
			HistoryMode:        r.str("SRDWATCH_HISTORY_MODE", "latest"),
			RecheckConcurrency: r.integer("SRDWATCH_RECHECK_CONCURRENCY", 4),
		},
		Redis: RedisConfig{
			URL:          r.str("REDIS_URL", ""),
			PoolSize:     r.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: r.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  r.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  r.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: r.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			LockTTL:      r.duration("REDIS_LOCK_TTL", 30*time.Second),
		},
		Kafka: Kafka{
			Brokers:  r.list("KAFKA_BROKERS"),
			Topic:    r.str("KAFKA_TOPIC", DefaultTopic),
			ClientID: r.str("KAFKA_CLIENT_ID", "srdwatch"),
		},
		Outbox: Outbox{
			Interval:  r.duration("OUTBOX_INTERVAL", 2*time.Second),
			BatchSize: r.integer("OUTBOX_BATCH_SIZE", 100),
		},
	}
	if r.err != nil {
		return Config{}, r.err
	}
	return cfg, nil
}

// reader collects the first parse error so FromEnv can report it once.
type reader struct {
	err error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

func (r *reader) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) list(key string) []string {
	return pstrings.SplitList(os.Getenv(key), ",")
}

func (r *reader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}
