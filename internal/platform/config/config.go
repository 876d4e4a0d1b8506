package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"petmarket/pkg/platform/strings"
)

// Config is the process configuration, read once at startup.
type Config struct {
	Server    Server
	Log       Log
	Ledger    Ledger
	Storage   Storage
	Session   Session
	Catalogue Catalogue
	Redis     RedisConfig
	Postgres  PostgresConfig
	Kafka     Kafka
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `env:"PETMARKET_ADDR" envDefault:":8080"`
	Env             string        `env:"PETMARKET_ENV" envDefault:"dev"`
	ShutdownTimeout time.Duration `env:"PETMARKET_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// WriteTimeout bounds a single background write (submit + settle + re-query).
	WriteTimeout time.Duration `env:"PETMARKET_WRITE_TIMEOUT" envDefault:"2m"`
	// AllowedOrigins are the origin patterns accepted on the asset stream.
	AllowedOrigins []string `env:"PETMARKET_ALLOWED_ORIGINS" envSeparator:"," envDefault:"localhost:*"`
}

type Log struct {
	Level      string `env:"PETMARKET_LOG_LEVEL" envDefault:"info"`
	File       string `env:"PETMARKET_LOG_FILE"`
	MaxSizeMB  int    `env:"PETMARKET_LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"PETMARKET_LOG_MAX_BACKUPS" envDefault:"5"`
}

// Ledger configures the access node client and the custodial marketplace account.
type Ledger struct {
	URL                string        `env:"PETMARKET_LEDGER_URL" envDefault:"http://localhost:8888"`
	MarketplaceAddress string        `env:"PETMARKET_LEDGER_MARKETPLACE_ADDRESS" envDefault:"0xf8d6e0586b0a20c7"`
	ContractAddress    string        `env:"PETMARKET_LEDGER_CONTRACT_ADDRESS" envDefault:"0xf8d6e0586b0a20c7"`
	RateLimit          float64       `env:"PETMARKET_LEDGER_RATE_LIMIT" envDefault:"20"`
	Burst              int           `env:"PETMARKET_LEDGER_BURST" envDefault:"10"`
	RequestTimeout     time.Duration `env:"PETMARKET_LEDGER_REQUEST_TIMEOUT" envDefault:"10s"`
	PollInterval       time.Duration `env:"PETMARKET_LEDGER_POLL_INTERVAL" envDefault:"1s"`
	SettleTimeout      time.Duration `env:"PETMARKET_LEDGER_SETTLE_TIMEOUT" envDefault:"90s"`
	BreakerThreshold   int           `env:"PETMARKET_LEDGER_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerCooldown    time.Duration `env:"PETMARKET_LEDGER_BREAKER_COOLDOWN" envDefault:"15s"`
	ScanConcurrency    int           `env:"PETMARKET_LEDGER_SCAN_CONCURRENCY" envDefault:"8"`
}

// Storage configures the metadata pinning service. An empty URL disables uploads.
type Storage struct {
	URL     string        `env:"PETMARKET_STORAGE_URL"`
	Token   string        `env:"PETMARKET_STORAGE_TOKEN"`
	Gateway string        `env:"PETMARKET_STORAGE_GATEWAY" envDefault:"https://nftstorage.link"`
	Timeout time.Duration `env:"PETMARKET_STORAGE_TIMEOUT" envDefault:"30s"`
}

// Session configures the wallet identity callback provider.
type Session struct {
	Secret      string `env:"PETMARKET_SESSION_SECRET"`
	Issuer      string `env:"PETMARKET_SESSION_ISSUER" envDefault:"wallet-discovery"`
	LoginURL    string `env:"PETMARKET_SESSION_LOGIN_URL" envDefault:"http://localhost:8701/authn"`
	SignUpURL   string `env:"PETMARKET_SESSION_SIGNUP_URL" envDefault:"http://localhost:8701/signup"`
	CallbackURL string `env:"PETMARKET_SESSION_CALLBACK_URL" envDefault:"http://localhost:8080/session/callback"`
}

type Catalogue struct {
	// File points at a YAML catalogue; empty uses the embedded default.
	File string `env:"PETMARKET_CATALOGUE_FILE"`
}

// RedisConfig enables the distributed write guard when URL is set.
type RedisConfig struct {
	URL          string        `env:"PETMARKET_REDIS_URL"`
	PoolSize     int           `env:"PETMARKET_REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"PETMARKET_REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"PETMARKET_REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"PETMARKET_REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"PETMARKET_REDIS_WRITE_TIMEOUT" envDefault:"3s"`
	GuardTTL     time.Duration `env:"PETMARKET_REDIS_GUARD_TTL" envDefault:"5m"`
}

// PostgresConfig enables the persistent operation journal when DSN is set.
type PostgresConfig struct {
	DSN             string        `env:"PETMARKET_POSTGRES_DSN"`
	MaxOpenConns    int           `env:"PETMARKET_POSTGRES_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"PETMARKET_POSTGRES_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"PETMARKET_POSTGRES_CONN_MAX_LIFETIME" envDefault:"30m"`
}

// Kafka enables the journal event sink when Brokers is non-empty.
type Kafka struct {
	Brokers []string `env:"PETMARKET_KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"PETMARKET_KAFKA_TOPIC" envDefault:"petmarket.operations"`
}

// FromEnv parses and validates the configuration from environment variables.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Kafka.Brokers = strings.DedupeAndTrim(cfg.Kafka.Brokers)
	cfg.Server.AllowedOrigins = strings.DedupeAndTrim(cfg.Server.AllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.Ledger.URL == "" {
		errs = append(errs, errors.New("ledger url is required"))
	}
	if c.Ledger.MarketplaceAddress == "" {
		errs = append(errs, errors.New("marketplace address is required"))
	}
	if c.Ledger.RateLimit <= 0 {
		errs = append(errs, errors.New("ledger rate limit must be positive"))
	}
	if c.Ledger.PollInterval <= 0 || c.Ledger.SettleTimeout <= 0 {
		errs = append(errs, errors.New("ledger poll interval and settle timeout must be positive"))
	}
	if c.Ledger.ScanConcurrency <= 0 {
		errs = append(errs, errors.New("ledger scan concurrency must be positive"))
	}
	if c.Session.Secret == "" && c.Server.Env != "dev" {
		errs = append(errs, errors.New("session secret is required outside dev"))
	}
	if c.Redis.URL != "" {
		// the guard is held for the whole write
		switch {
		case c.Server.WriteTimeout <= 0:
			errs = append(errs, errors.New("write timeout must be set when the redis guard is enabled"))
		case c.Redis.GuardTTL <= c.Server.WriteTimeout:
			errs = append(errs, errors.New("redis guard ttl must exceed the write timeout"))
		}
		if c.Redis.GuardTTL <= c.Ledger.SettleTimeout {
			errs = append(errs, errors.New("redis guard ttl must exceed the ledger settle timeout"))
		}
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

// SessionSecret returns the configured signing secret, falling back to a
// development value in dev.
func (c Config) SessionSecret() []byte {
	if c.Session.Secret == "" {
		return []byte("dev-secret-key-change-in-production")
	}
	return []byte(c.Session.Secret)
}
