package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/ignite/email-verifier/internal/pkg/httpretry"
	"github.com/ignite/email-verifier/internal/worker"
)

// lockTTLMargin is added to the fetch budget when deriving the lock TTL.
const lockTTLMargin = 30 * time.Second

// ErrInvalidConfig wraps every validation failure returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all configuration for the verifier process
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Redis  RedisConfig  `yaml:"redis"`
	Run    RunConfig    `yaml:"run"`
	Probe  ProbeConfig  `yaml:"probe"`
	Status StatusConfig `yaml:"status"`
	Log    LogConfig    `yaml:"log"`
}

// Store backends
const (
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
)

// StoreConfig selects and configures the backlog store.
type StoreConfig struct {
	Backend         string `yaml:"backend"` // "supabase" or "postgres"
	SupabaseURL     string `yaml:"supabase_url"`
	SupabaseKey     string `yaml:"supabase_key"`
	DatabaseURL     string `yaml:"database_url"`
	Table           string `yaml:"table"`
	FetchRPC        string `yaml:"fetch_rpc"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	MaxRetries      *int   `yaml:"max_retries"` // nil = default, 0 disables retries
	RetryFailed     bool   `yaml:"retry_failed"`      // postgres only
	ClaimTTLMinutes int    `yaml:"claim_ttl_minutes"` // postgres only
}

// Timeout returns the per-request store timeout as a duration
func (c StoreConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Retries returns the retry count for store requests.
func (c StoreConfig) Retries() int {
	if c.MaxRetries == nil {
		return httpretry.DefaultMaxRetries
	}
	return *c.MaxRetries
}

// FetchBudget bounds one backlog fetch: a single query for postgres,
// every retry and backoff for the REST backend.
func (c StoreConfig) FetchBudget() time.Duration {
	if c.Backend == BackendPostgres {
		return c.Timeout()
	}
	return httpretry.MaxElapsed(c.Timeout(), c.Retries())
}

// ClaimTTL returns how long a claimed row stays reserved
func (c StoreConfig) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLMinutes) * time.Minute
}

// RedisConfig enables the cross-process fetch lock.
type RedisConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	LockKey        string `yaml:"lock_key"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"` // 0 = derived from the store's fetch budget
}

// LockTTL returns the configured lock expiry; zero when unset.
func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// FetchLockTTL returns the expiry of the cross-process fetch lock. The lock
// must outlive the slowest fetch it guards, so an unset TTL is derived
// from the store's fetch budget.
func (cfg *Config) FetchLockTTL() time.Duration {
	if ttl := cfg.Redis.LockTTL(); ttl > 0 {
		return ttl
	}
	return cfg.Store.FetchBudget() + lockTTLMargin
}

// RunConfig holds the Run Controller inputs.
type RunConfig struct {
	MaxRuntime     time.Duration `yaml:"max_runtime"`
	Workers        int           `yaml:"workers"`
	LowWater       int           `yaml:"low_water"`
	BatchSize      int           `yaml:"batch_size"`
	RefillPolicy   string        `yaml:"refill_policy"`
	LaunchStagger  time.Duration `yaml:"launch_stagger"`
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// ProbeConfig holds SMTP probe settings.
type ProbeConfig struct {
	Port         int           `yaml:"port"`
	Timeout      time.Duration `yaml:"timeout"`
	HeloDomain   string        `yaml:"helo_domain"`
	MailFrom     string        `yaml:"mail_from"`
	StrictSyntax bool          `yaml:"strict_syntax"`
	DNSTimeout   time.Duration `yaml:"dns_timeout"`
}

// StatusConfig holds the optional status server settings.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on. Defaults to true.
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file. An empty path yields
// the defaults so the process can run from environment variables alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendSupabase
	}
	if cfg.Store.Table == "" {
		cfg.Store.Table = "gmail"
	}
	if cfg.Store.FetchRPC == "" {
		cfg.Store.FetchRPC = "get_emails_to_verify"
	}
	if cfg.Store.TimeoutSeconds == 0 {
		cfg.Store.TimeoutSeconds = 30
	}
	if cfg.Store.ClaimTTLMinutes == 0 {
		cfg.Store.ClaimTTLMinutes = 30
	}

	if cfg.Redis.Address == "" {
		cfg.Redis.Address = "localhost:6379"
	}
	if cfg.Redis.LockKey == "" {
		cfg.Redis.LockKey = "verifier:fetch"
	}

	if cfg.Run.MaxRuntime == 0 {
		cfg.Run.MaxRuntime = 5 * time.Hour
	}
	if cfg.Run.Workers == 0 {
		cfg.Run.Workers = 3
	}
	if cfg.Run.LowWater == 0 {
		cfg.Run.LowWater = 20
	}
	if cfg.Run.BatchSize == 0 {
		cfg.Run.BatchSize = 500
	}
	if cfg.Run.RefillPolicy == "" {
		cfg.Run.RefillPolicy = worker.RefillBelowLowWater
	}
	if cfg.Run.LaunchStagger == 0 {
		cfg.Run.LaunchStagger = 2 * time.Second
	}
	if cfg.Run.DequeueTimeout == 0 {
		cfg.Run.DequeueTimeout = 5 * time.Second
	}
	if cfg.Run.ShutdownGrace == 0 {
		cfg.Run.ShutdownGrace = 15 * time.Second
	}

	if cfg.Probe.Port == 0 {
		cfg.Probe.Port = 25
	}
	if cfg.Probe.Timeout == 0 {
		cfg.Probe.Timeout = 10 * time.Second
	}
	if cfg.Probe.HeloDomain == "" {
		cfg.Probe.HeloDomain = "localhost"
	}
	if cfg.Probe.MailFrom == "" {
		cfg.Probe.MailFrom = "test@example.com"
	}
	if cfg.Probe.DNSTimeout == 0 {
		cfg.Probe.DNSTimeout = 5 * time.Second
	}

	if cfg.Status.Addr == "" {
		cfg.Status.Addr = ":8081"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so credentials can live in .env locally and in real env vars in CI.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SUPABASE_URL"); v != "" {
		cfg.Store.SupabaseURL = v
	}
	if v := os.Getenv("SUPABASE_KEY"); v != "" {
		cfg.Store.SupabaseKey = v
	}
	// A bare DATABASE_URL with no Supabase credentials selects the postgres backend.
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
		if cfg.Store.SupabaseURL == "" {
			cfg.Store.Backend = BackendPostgres
		}
	}
	if v := os.Getenv("VERIFIER_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("VERIFIER_TABLE"); v != "" {
		cfg.Store.Table = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		opts, err := redis.ParseURL(v)
		if err != nil {
			return nil, fmt.Errorf("%w: REDIS_URL: %v", ErrInvalidConfig, err)
		}
		cfg.Redis.Address = opts.Addr
		cfg.Redis.Password = opts.Password
		cfg.Redis.DB = opts.DB
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Address = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("VERIFIER_MAX_RUNTIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: VERIFIER_MAX_RUNTIME: %v", ErrInvalidConfig, err)
		}
		cfg.Run.MaxRuntime = d
	}
	if err := envInt("VERIFIER_WORKERS", &cfg.Run.Workers); err != nil {
		return nil, err
	}
	if err := envInt("VERIFIER_LOW_WATER", &cfg.Run.LowWater); err != nil {
		return nil, err
	}
	if err := envInt("VERIFIER_BATCH_SIZE", &cfg.Run.BatchSize); err != nil {
		return nil, err
	}
	if v := os.Getenv("VERIFIER_REFILL_POLICY"); v != "" {
		cfg.Run.RefillPolicy = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	*dst = n
	return nil
}

// Validate checks cross-field requirements that defaults cannot fix.
func (cfg *Config) Validate() error {
	switch cfg.Store.Backend {
	case BackendSupabase:
		if cfg.Store.SupabaseURL == "" || cfg.Store.SupabaseKey == "" {
			return fmt.Errorf("%w: supabase backend requires SUPABASE_URL and SUPABASE_KEY", ErrInvalidConfig)
		}
	case BackendPostgres:
		if cfg.Store.DatabaseURL == "" {
			return fmt.Errorf("%w: postgres backend requires DATABASE_URL", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, cfg.Store.Backend)
	}

	switch cfg.Run.RefillPolicy {
	case worker.RefillBelowLowWater, worker.RefillWhenEmpty:
	default:
		return fmt.Errorf("%w: unknown refill policy %q", ErrInvalidConfig, cfg.Run.RefillPolicy)
	}

	if cfg.Run.Workers < 1 {
		return fmt.Errorf("%w: run.workers must be >= 1", ErrInvalidConfig)
	}
	if cfg.Run.BatchSize < 1 {
		return fmt.Errorf("%w: run.batch_size must be >= 1", ErrInvalidConfig)
	}
	if cfg.Run.LowWater < 0 {
		return fmt.Errorf("%w: run.low_water must be >= 0", ErrInvalidConfig)
	}
	if cfg.Run.MaxRuntime < 0 {
		return fmt.Errorf("%w: run.max_runtime must be positive", ErrInvalidConfig)
	}
	if cfg.Store.MaxRetries != nil && *cfg.Store.MaxRetries < 0 {
		return fmt.Errorf("%w: store.max_retries must be >= 0", ErrInvalidConfig)
	}
	if cfg.Redis.LockTTLSeconds < 0 {
		return fmt.Errorf("%w: redis.lock_ttl_seconds must be >= 0", ErrInvalidConfig)
	}
	if cfg.Redis.Enabled && cfg.FetchLockTTL() <= cfg.Store.FetchBudget() {
		return fmt.Errorf("%w: redis.lock_ttl_seconds (%s) must exceed the worst-case fetch (%s)",
			ErrInvalidConfig, cfg.FetchLockTTL(), cfg.Store.FetchBudget())
	}
	if cfg.Probe.Port < 1 || cfg.Probe.Port > 65535 {
		return fmt.Errorf("%w: probe.port out of range", ErrInvalidConfig)
	}
	return nil
}
