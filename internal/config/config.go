package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sevigo/invoice-relay/internal/logger"
)

// Config holds the application's configuration values.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DBConfig        `mapstructure:"database"`
	Logging   logger.Config   `mapstructure:"logging"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Retention RetentionConfig `mapstructure:"retention"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Authority AuthorityConfig `mapstructure:"authority"`
	Provider  ProviderConfig  `mapstructure:"provider"`

	SourcesFile string `mapstructure:"sources_file"`
	// Sources is loaded from SourcesFile once at start and never mutated.
	Sources *Sources `mapstructure:"-"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DBConfig describes the Postgres connection. Driver "sqlite" keeps jobs in a
// single file at Path; driver "memory" swaps in the in-process store for local runs.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	Path            string        `mapstructure:"path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN renders the lib/pq connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
}

type IngestConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type WorkerConfig struct {
	Workers      int           `mapstructure:"workers"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	// Embedded runs the pool inside the server process. Dedicated worker
	// processes are started with the CLI worker command.
	Embedded bool `mapstructure:"embedded"`
}

type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	Jitter    float64       `mapstructure:"jitter"`
}

type RetentionConfig struct {
	KeepFor time.Duration `mapstructure:"keep_for"`
}

type NotifyConfig struct {
	ChatWebhookURL string              `mapstructure:"chat_webhook_url"`
	Timeout        time.Duration       `mapstructure:"timeout"`
	Recipients     map[string][]string `mapstructure:"recipients"`
	// DefaultRecipients receive alerts for tenants without their own list.
	DefaultRecipients []string `mapstructure:"default_recipients"`
}

type AuthorityConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Scopes       []string      `mapstructure:"scopes"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ProviderConfig is the accounting provider API the accounting handler reads
// referenced resources from.
type ProviderConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// LoadConfig reads configuration from config.yaml and RELAY_* environment
// variables, sets sensible defaults, loads the per-source table and validates
// the result.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/invoice-relay")
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		slog.Warn("no config file found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	sources, err := LoadSources(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}
	cfg.Sources = sources

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.username", "relay")
	v.SetDefault("database.password", "relay")
	v.SetDefault("database.database", "invoice_relay")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "data/invoice-relay.db")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("ingest.timeout", 5*time.Second)
	v.SetDefault("ingest.max_body_bytes", 1<<20)

	v.SetDefault("worker.workers", 4)
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.job_timeout", 60*time.Second)
	v.SetDefault("worker.stale_after", 15*time.Minute)
	v.SetDefault("worker.reap_interval", time.Minute)
	v.SetDefault("worker.embedded", true)

	v.SetDefault("retry.base_delay", 5*time.Minute)
	v.SetDefault("retry.max_delay", 6*time.Hour)
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("retention.keep_for", 30*24*time.Hour)

	v.SetDefault("notify.timeout", 10*time.Second)

	v.SetDefault("authority.timeout", 30*time.Second)
	v.SetDefault("provider.timeout", 15*time.Second)

	v.SetDefault("sources_file", "sources.yaml")
}

// Validate checks the values that would otherwise fail deep inside a worker.
func (c *Config) Validate() error {
	if c.Worker.Workers <= 0 {
		return fmt.Errorf("worker.workers must be positive, got %d", c.Worker.Workers)
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be positive, got %d", c.Worker.BatchSize)
	}
	if c.Worker.PollInterval <= 0 || c.Worker.JobTimeout <= 0 {
		return errors.New("worker.poll_interval and worker.job_timeout must be positive")
	}
	if c.Worker.StaleAfter <= c.Worker.JobTimeout {
		return fmt.Errorf("worker.stale_after (%s) must exceed worker.job_timeout (%s)", c.Worker.StaleAfter, c.Worker.JobTimeout)
	}
	if c.Retry.BaseDelay < time.Minute {
		return fmt.Errorf("retry.base_delay must be at least 1m, got %s", c.Retry.BaseDelay)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry.max_delay must not be below retry.base_delay")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0,1], got %v", c.Retry.Jitter)
	}
	if c.Ingest.Timeout <= 0 || c.Ingest.MaxBodyBytes <= 0 {
		return errors.New("ingest.timeout and ingest.max_body_bytes must be positive")
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Sources == nil || c.Sources.Len() == 0 {
		return errors.New("no sources configured")
	}
	return nil
}
