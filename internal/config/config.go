package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	// MigrationsDir overrides the embedded migrations when set.
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
	RedisURL      string `mapstructure:"REDIS_URL"`

	StoreBackend       string `mapstructure:"STORE_BACKEND"`
	SettingsBackend    string `mapstructure:"SETTINGS_BACKEND"`
	SettingsSQLitePath string `mapstructure:"SETTINGS_SQLITE_PATH"`

	AccessionSpecimenStrategy string `mapstructure:"ACCESSION_SPECIMEN_STRATEGY"`
	AccessionMaxAttempts      int    `mapstructure:"ACCESSION_MAX_ATTEMPTS"`
	AccessionDomainMax        uint64 `mapstructure:"ACCESSION_DOMAIN_MAX"`
	AccessionProvisionKeys    bool   `mapstructure:"ACCESSION_PROVISION_KEYS"`

	WebhookViralURL        string        `mapstructure:"WEBHOOK_VIRAL_URL"`
	WebhookAntibodyURL     string        `mapstructure:"WEBHOOK_ANTIBODY_URL"`
	WebhookTubeURL         string        `mapstructure:"WEBHOOK_TUBE_URL"`
	WebhookUsername        string        `mapstructure:"WEBHOOK_USERNAME"`
	WebhookPassword        string        `mapstructure:"WEBHOOK_PASSWORD"`
	WebhookSigningSecret   string        `mapstructure:"WEBHOOK_SIGNING_SECRET"`
	WebhookTimeout         time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
	WebhookBatchSize       int           `mapstructure:"WEBHOOK_BATCH_SIZE"`
	WebhookAssumeDelivered bool          `mapstructure:"WEBHOOK_ASSUME_DELIVERED"`
	WebhookLock            string        `mapstructure:"WEBHOOK_LOCK"`
	WebhookLockDir         string        `mapstructure:"WEBHOOK_LOCK_DIR"`
	WebhookLockTTL         time.Duration `mapstructure:"WEBHOOK_LOCK_TTL"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR", "REDIS_URL",
	"STORE_BACKEND", "SETTINGS_BACKEND", "SETTINGS_SQLITE_PATH",
	"ACCESSION_SPECIMEN_STRATEGY", "ACCESSION_MAX_ATTEMPTS", "ACCESSION_DOMAIN_MAX", "ACCESSION_PROVISION_KEYS",
	"WEBHOOK_VIRAL_URL", "WEBHOOK_ANTIBODY_URL", "WEBHOOK_TUBE_URL", "WEBHOOK_USERNAME", "WEBHOOK_PASSWORD",
	"WEBHOOK_SIGNING_SECRET", "WEBHOOK_TIMEOUT", "WEBHOOK_BATCH_SIZE", "WEBHOOK_ASSUME_DELIVERED",
	"WEBHOOK_LOCK", "WEBHOOK_LOCK_DIR", "WEBHOOK_LOCK_TTL",
}

// Load reads the configuration from the environment and an optional .env
// file, then validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("STORE_BACKEND", "postgres")
	v.SetDefault("SETTINGS_BACKEND", "postgres")
	v.SetDefault("SETTINGS_SQLITE_PATH", "labtrack-settings.db")
	v.SetDefault("ACCESSION_SPECIMEN_STRATEGY", "fpe")
	v.SetDefault("ACCESSION_MAX_ATTEMPTS", 1000)
	v.SetDefault("ACCESSION_DOMAIN_MAX", uint64(4294967295))
	v.SetDefault("ACCESSION_PROVISION_KEYS", true)
	v.SetDefault("WEBHOOK_TIMEOUT", "30s")
	v.SetDefault("WEBHOOK_BATCH_SIZE", 100)
	v.SetDefault("WEBHOOK_ASSUME_DELIVERED", true)
	v.SetDefault("WEBHOOK_LOCK", "memory")
	v.SetDefault("WEBHOOK_LOCK_DIR", "/tmp/labtrack-locks")
	v.SetDefault("WEBHOOK_LOCK_TTL", "5m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.SettingsBackend = strings.ToLower(strings.TrimSpace(c.SettingsBackend))
	c.AccessionSpecimenStrategy = strings.ToLower(strings.TrimSpace(c.AccessionSpecimenStrategy))
	c.WebhookLock = strings.ToLower(strings.TrimSpace(c.WebhookLock))
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NeedsDatabase reports whether any backend is PostgreSQL.
func (c *Config) NeedsDatabase() bool {
	return c.StoreBackend == "postgres" || c.SettingsBackend == "postgres"
}

// WebhookURLs maps record kind names to their configured endpoints. Kinds
// without an endpoint are left out.
func (c *Config) WebhookURLs() map[string]string {
	out := make(map[string]string)
	for kind, url := range map[string]string{
		"viral_result":             c.WebhookViralURL,
		"antibody_result":          c.WebhookAntibodyURL,
		"tube_external_processing": c.WebhookTubeURL,
	} {
		if strings.TrimSpace(url) != "" {
			out[kind] = strings.TrimSpace(url)
		}
	}
	return out
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, ", "), value)
}

// Validate checks that the configuration is safe to run. Key material kept
// only in memory would make issued specimen IDs unreconstructable, so
// production refuses the memory settings backend.
func (c *Config) Validate() error {
	if err := oneOf("STORE_BACKEND", c.StoreBackend, "postgres", "memory"); err != nil {
		return err
	}
	if err := oneOf("SETTINGS_BACKEND", c.SettingsBackend, "postgres", "sqlite", "memory"); err != nil {
		return err
	}
	if err := oneOf("ACCESSION_SPECIMEN_STRATEGY", c.AccessionSpecimenStrategy, "fpe", "random"); err != nil {
		return err
	}
	if err := oneOf("WEBHOOK_LOCK", c.WebhookLock, "memory", "file", "redis"); err != nil {
		return err
	}

	if c.NeedsDatabase() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.SettingsBackend == "sqlite" && c.SettingsSQLitePath == "" {
		return fmt.Errorf("SETTINGS_SQLITE_PATH is required when SETTINGS_BACKEND is \"sqlite\"")
	}
	if c.IsProduction() && (c.SettingsBackend == "memory" || c.StoreBackend == "memory") {
		return fmt.Errorf("memory backends are not allowed in production")
	}

	if c.AccessionMaxAttempts < 1 {
		return fmt.Errorf("ACCESSION_MAX_ATTEMPTS must be positive, got %d", c.AccessionMaxAttempts)
	}
	if c.AccessionDomainMax < 999999 {
		return fmt.Errorf("ACCESSION_DOMAIN_MAX must be at least 999999, got %d", c.AccessionDomainMax)
	}

	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be positive, got %s", c.WebhookTimeout)
	}
	if c.WebhookBatchSize < 1 {
		return fmt.Errorf("WEBHOOK_BATCH_SIZE must be positive, got %d", c.WebhookBatchSize)
	}
	if c.WebhookLock == "redis" && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when WEBHOOK_LOCK is \"redis\"")
	}
	// The lease is renewed before each batch, so it must outlive one request.
	if c.WebhookLock == "redis" && c.WebhookLockTTL <= c.WebhookTimeout {
		return fmt.Errorf("WEBHOOK_LOCK_TTL (%s) must exceed WEBHOOK_TIMEOUT (%s)", c.WebhookLockTTL, c.WebhookTimeout)
	}
	if c.WebhookLock == "file" && c.WebhookLockDir == "" {
		return fmt.Errorf("WEBHOOK_LOCK_DIR is required when WEBHOOK_LOCK is \"file\"")
	}
	if len(c.WebhookURLs()) > 0 && c.WebhookUsername == "" {
		return fmt.Errorf("WEBHOOK_USERNAME is required when a webhook endpoint is configured")
	}
	return nil
}
