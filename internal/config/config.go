// Package config assembles runtime configuration. Environment variables are
// the primary surface; an optional YAML file tunes server behavior that has
// no business meaning (timeouts, worker counts, rate limits).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Storage provider names accepted in STORAGE_PROVIDER.
const (
	ProviderS3       = "s3"
	ProviderSupabase = "supabase"
	ProviderMemory   = "memory"
)

// Config is the full runtime configuration for the platform.
type Config struct {
	Env     string
	Port    int
	BaseURL string

	DatabaseURL string

	Storage StorageConfig

	KDFWorkFactor int
	InviteTTL     time.Duration
	SessionTTL    time.Duration

	OAuthJWTSecret string
	AllowedOrigins []string

	RedisAddr     string
	RedisPassword string

	PubSubProjectID string
	PubSubTopic     string

	TasksProjectID string
	TasksLocation  string
	TasksQueue     string

	Tuning Tuning
}

// StorageConfig selects and parameterizes the blob backend.
type StorageConfig struct {
	Provider    string
	Bucket      string
	Region      string
	Endpoint    string // custom S3 endpoint (minio etc.), optional
	SupabaseURL string
	SupabaseKey string
	URLTTL      time.Duration
}

// Tuning holds the YAML-tunable server knobs. Zero values are replaced by
// defaults in Load.
type Tuning struct {
	ReadTimeoutSeconds   int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds  int `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds   int `yaml:"idle_timeout_seconds"`
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
	DBCallTimeoutSeconds int `yaml:"db_call_timeout_seconds"`

	LoginRatePerMinute int `yaml:"login_rate_per_minute"`
	WebhookWorkers     int `yaml:"webhook_workers"`
	KDFConcurrency     int `yaml:"kdf_concurrency"`

	PageLimitDefault int `yaml:"page_limit_default"`
	PageLimitMax     int `yaml:"page_limit_max"`
}

func defaultTuning() Tuning {
	return Tuning{
		ReadTimeoutSeconds:   15,
		WriteTimeoutSeconds:  30,
		IdleTimeoutSeconds:   60,
		ShutdownGraceSeconds: 15,
		DBCallTimeoutSeconds: 10,
		LoginRatePerMinute:   20,
		WebhookWorkers:       4,
		KDFConcurrency:       4,
		PageLimitDefault:     20,
		PageLimitMax:         100,
	}
}

// Load builds the configuration from the environment plus the optional
// CONFIG_PATH YAML file. Any returned error is a configuration error and
// the host process should exit with code 1.
func Load() (*Config, error) {
	cfg := &Config{
		Env:     envStr("ENV", "development"),
		Port:    envInt("PORT", 8080),
		BaseURL: strings.TrimRight(os.Getenv("BASE_URL"), "/"),

		DatabaseURL: os.Getenv("DB_URL"),

		Storage: StorageConfig{
			Provider:    envStr("STORAGE_PROVIDER", ProviderMemory),
			Bucket:      os.Getenv("STORAGE_BUCKET"),
			Region:      os.Getenv("STORAGE_REGION"),
			Endpoint:    os.Getenv("STORAGE_ENDPOINT"),
			SupabaseURL: os.Getenv("SUPABASE_URL"),
			SupabaseKey: os.Getenv("SUPABASE_SERVICE_KEY"),
			URLTTL:      time.Duration(envInt("STORAGE_URL_TTL_SECONDS", 3600)) * time.Second,
		},

		KDFWorkFactor: envInt("KDF_WORK_FACTOR", 12),
		InviteTTL:     time.Duration(envInt("INVITE_TTL_HOURS", 168)) * time.Hour,
		SessionTTL:    time.Duration(envInt("SESSION_TTL_HOURS", 24)) * time.Hour,

		OAuthJWTSecret: os.Getenv("OAUTH_JWT_SECRET"),
		AllowedOrigins: splitList(os.Getenv("ALLOWED_ORIGINS")),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		PubSubProjectID: os.Getenv("PUBSUB_PROJECT_ID"),
		PubSubTopic:     envStr("PUBSUB_TOPIC", "nexus-events"),

		TasksProjectID: os.Getenv("TASKS_PROJECT_ID"),
		TasksLocation:  os.Getenv("TASKS_LOCATION"),
		TasksQueue:     os.Getenv("TASKS_QUEUE"),

		Tuning: defaultTuning(),
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cfg.loadTuning(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadTuning(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	t := defaultTuning()
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.Tuning = t
	return nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DB_URL is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("config: BASE_URL is required")
	}
	if c.KDFWorkFactor < 12 {
		return fmt.Errorf("config: KDF_WORK_FACTOR must be >= 12, got %d", c.KDFWorkFactor)
	}
	if c.KDFWorkFactor > 31 {
		return fmt.Errorf("config: KDF_WORK_FACTOR must be <= 31, got %d", c.KDFWorkFactor)
	}
	if c.Storage.URLTTL <= 0 || c.Storage.URLTTL > time.Hour {
		return fmt.Errorf("config: STORAGE_URL_TTL_SECONDS must be in (0, 3600]")
	}
	if c.InviteTTL <= 0 {
		return fmt.Errorf("config: INVITE_TTL_HOURS must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("config: SESSION_TTL_HOURS must be positive")
	}
	switch c.Storage.Provider {
	case ProviderMemory:
	case ProviderS3:
		if c.Storage.Bucket == "" || c.Storage.Region == "" {
			return fmt.Errorf("config: STORAGE_BUCKET and STORAGE_REGION are required for the s3 provider")
		}
	case ProviderSupabase:
		if c.Storage.Bucket == "" || c.Storage.SupabaseURL == "" || c.Storage.SupabaseKey == "" {
			return fmt.Errorf("config: STORAGE_BUCKET, SUPABASE_URL and SUPABASE_SERVICE_KEY are required for the supabase provider")
		}
	default:
		return fmt.Errorf("config: unknown STORAGE_PROVIDER %q", c.Storage.Provider)
	}
	return nil
}

// IsProduction reports whether the process runs with ENV=production.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// DBCallTimeout is the default per-database-call deadline.
func (c *Config) DBCallTimeout() time.Duration {
	return time.Duration(c.Tuning.DBCallTimeoutSeconds) * time.Second
}

// InviteURL renders the public acceptance URL for an invite token.
func (c *Config) InviteURL(token string) string {
	return c.BaseURL + "/invites/" + token + "/accept"
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
