// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DB        DBConfig        `mapstructure:"db"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	API       APIConfig       `mapstructure:"api"`
	FetchSvc  FetchSvcConfig  `mapstructure:"fetchsvc"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig holds the token signing secret and lifetimes.
type AuthConfig struct {
	TokenSecret  string        `mapstructure:"token_secret"`
	AccessTTL    time.Duration `mapstructure:"access_ttl"`
	RefreshTTL   time.Duration `mapstructure:"refresh_ttl"`
	CookieSecure bool          `mapstructure:"cookie_secure"`
}

// DBConfig controls access to Postgres. An empty DSN keeps users, sessions
// and results in memory.
type DBConfig struct {
	DSN              string        `mapstructure:"dsn"`
	MaxConns         int32         `mapstructure:"max_conns"`
	MinConns         int32         `mapstructure:"min_conns"`
	MaxConnLifetime  time.Duration `mapstructure:"max_conn_lifetime"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	AutoMigrate      bool          `mapstructure:"auto_migrate"`
}

// QueueConfig selects the job queue backend and its retry behavior.
type QueueConfig struct {
	// Backend is one of memory, postgres, badger.
	Backend           string        `mapstructure:"backend"`
	BadgerPath        string        `mapstructure:"badger_path"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Count           int           `mapstructure:"count"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	ThrottleTimeout time.Duration `mapstructure:"throttle_timeout"`
	ErrorPause      time.Duration `mapstructure:"error_pause"`
}

// FetchConfig picks how workers obtain page content.
type FetchConfig struct {
	// Backend is service (remote Fetch Service), headless (in-process Chrome)
	// or auto (service, re-rendered in Chrome when the page is an app shell).
	Backend    string `mapstructure:"backend"`
	ServiceURL string `mapstructure:"service_url"`
	UserAgent  string `mapstructure:"user_agent"`
}

// HeadlessConfig configures the Chrome renderer used by fetchsvc and the
// headless fetch backend.
type HeadlessConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Settle            time.Duration `mapstructure:"settle"`
	PromotionMinBytes int           `mapstructure:"promotion_min_bytes"`
}

// RateLimitConfig throttles fetches per domain.
type RateLimitConfig struct {
	Enabled      bool         `mapstructure:"enabled"`
	DefaultRPS   float64      `mapstructure:"default_rps"`
	DefaultBurst int          `mapstructure:"default_burst"`
	Domains      []DomainRate `mapstructure:"domains"`
}

// DomainRate overrides the default rate for one host. Hosts are listed rather
// than keyed because Viper splits map keys on dots.
type DomainRate struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// PerDomainRPS flattens Domains for the limiter.
func (c RateLimitConfig) PerDomainRPS() map[string]float64 {
	out := make(map[string]float64, len(c.Domains))
	for _, d := range c.Domains {
		out[d.Host] = d.RPS
	}
	return out
}

// StorageConfig sets where fetched pages are archived.
type StorageConfig struct {
	// Backend is one of none, memory, gcs, local.
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PublisherConfig selects where job lifecycle events go.
type PublisherConfig struct {
	// Backend is one of none, memory, pubsub, kafka.
	Backend      string        `mapstructure:"backend"`
	Topic        string        `mapstructure:"topic"`
	ProjectID    string        `mapstructure:"project_id"`
	KafkaBrokers []string      `mapstructure:"kafka_brokers"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// APIConfig bounds result paging.
type APIConfig struct {
	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size"`
}

// FetchSvcConfig controls the companion headless fetch service.
type FetchSvcConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from .env, an optional file and the environment.
// Environment variables use the SCRAPER_ prefix, e.g. SCRAPER_DB_DSN.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadDotEnv never overrides variables that are already set.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.access_ttl", "5m")
	v.SetDefault("auth.refresh_ttl", "168h")
	v.SetDefault("auth.cookie_secure", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.statement_timeout", "5s")
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.badger_path", "data/queue")
	v.SetDefault("queue.visibility_timeout", "2m")
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.retry_base_delay", "1s")
	v.SetDefault("queue.retry_max_delay", "30s")
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.fetch_timeout", "30s")
	v.SetDefault("worker.throttle_timeout", "10s")
	v.SetDefault("worker.error_pause", "1s")
	v.SetDefault("fetch.backend", "service")
	v.SetDefault("fetch.service_url", "http://localhost:8000")
	v.SetDefault("fetch.user_agent", "scrape-dispatch/0.1")
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("headless.settle", "500ms")
	v.SetDefault("headless.promotion_min_bytes", 2048)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "data/pages")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("publisher.topic", "scrape-jobs")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.kafka_brokers", []string{})
	v.SetDefault("publisher.write_timeout", "10s")
	v.SetDefault("api.default_page_size", 50)
	v.SetDefault("api.max_page_size", 100)
	v.SetDefault("fetchsvc.port", 8000)
	v.SetDefault("fetchsvc.request_timeout", "60s")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return fmt.Errorf("auth.access_ttl and auth.refresh_ttl must be > 0")
	}
	if c.Worker.Count < 0 {
		return fmt.Errorf("worker.count must be >= 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	// A lease must outlive one full attempt or a second worker runs the job
	// while the first is still inside it.
	if c.Queue.VisibilityTimeout > 0 {
		attempt := c.Worker.ThrottleTimeout + c.Worker.FetchTimeout + c.DB.StatementTimeout
		if c.Queue.VisibilityTimeout <= attempt {
			return fmt.Errorf("queue.visibility_timeout (%s) must exceed worker.throttle_timeout + worker.fetch_timeout + db.statement_timeout (%s)",
				c.Queue.VisibilityTimeout, attempt)
		}
	}
	switch c.Queue.Backend {
	case "memory", "badger":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("queue.backend postgres requires db.dsn")
		}
	default:
		return fmt.Errorf("queue.backend %q is not one of memory, postgres, badger", c.Queue.Backend)
	}
	switch c.Fetch.Backend {
	case "service", "auto":
		u, err := url.Parse(c.Fetch.ServiceURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("fetch.service_url must be an absolute URL")
		}
	case "headless":
	default:
		return fmt.Errorf("fetch.backend %q is not one of service, headless, auto", c.Fetch.Backend)
	}
	switch c.Storage.Backend {
	case "none", "memory", "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of none, memory, gcs, local", c.Storage.Backend)
	}
	switch c.Publisher.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id must be set when publisher.backend is pubsub")
		}
	case "kafka":
		if len(c.Publisher.KafkaBrokers) == 0 {
			return fmt.Errorf("publisher.kafka_brokers must be set when publisher.backend is kafka")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not one of none, memory, pubsub, kafka", c.Publisher.Backend)
	}
	if c.API.DefaultPageSize <= 0 || c.API.MaxPageSize < c.API.DefaultPageSize {
		return fmt.Errorf("api.default_page_size must be > 0 and <= api.max_page_size")
	}
	return nil
}

// RequireSecret reports whether the token secret is usable. Only commands that
// issue or verify tokens call it.
func (c Config) RequireSecret() error {
	if len(c.Auth.TokenSecret) < 16 {
		return fmt.Errorf("auth.token_secret must be at least 16 bytes")
	}
	return nil
}
