package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch engine.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	HTTP     HTTPConfig     `yaml:"http"`
	SES      SESConfig      `yaml:"ses"`
	S3       S3Config       `yaml:"s3"`
	Log      LogConfig      `yaml:"log"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

func (c DatabaseConfig) Lifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

// RedisConfig enables the Redis dispatch lock. When URL is empty the
// dispatcher falls back to PostgreSQL advisory locks.
type RedisConfig struct {
	URL            string `yaml:"url"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// HTTPConfig holds the ops API listener settings.
type HTTPConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the listen host. Containers listen on all interfaces.
func (c HTTPConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	return c.Host
}

// Addr returns host:port for http.Server.
func (c HTTPConfig) Addr() string {
	return c.GetHost() + ":" + strconv.Itoa(c.Port)
}

// SESConfig holds the credentials used by servers with transport "ses".
// Empty keys use the default AWS credential chain.
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// S3Config holds where run reports are archived. Reports are skipped when
// Bucket is empty.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
}

// LogConfig configures internal/pkg/logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether recipient addresses are masked. Defaults to true.
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// DispatchConfig is threaded into every dispatcher at construction.
type DispatchConfig struct {
	// SleepBetweenSending pauses after every message, in seconds.
	SleepBetweenSending float64 `yaml:"sleep_between_sending"`
	// RestartConnectionBetweenSending closes and reopens the transport
	// session after every message.
	RestartConnectionBetweenSending bool `yaml:"restart_connection_between_sending"`
	// HardLimit is the hourly credit of servers with messages_per_hour 0.
	HardLimit           int `yaml:"hard_limit"`
	IdleIntervalSeconds int `yaml:"idle_interval_seconds"`
	RefreshSeconds      int `yaml:"refresh_interval_seconds"`
	// StatusCheckEvery re-reads the campaign status after this many
	// recipients of a sequential run.
	StatusCheckEvery    int    `yaml:"status_check_every"`
	UniqueKeyLength     int    `yaml:"unique_key_length"`
	UniqueKeyCharset    string `yaml:"unique_key_charset"`
	DefaultHeaderSender string `yaml:"default_header_sender"`
	DefaultHeaderReply  string `yaml:"default_header_reply"`
	SiteDomain          string `yaml:"site_domain"`
	MediaURL            string `yaml:"media_url"`
	SigningKey          string `yaml:"signing_key"`
	TestMode            bool   `yaml:"test_mode"`
}

func (c DispatchConfig) Sleep() time.Duration {
	return time.Duration(c.SleepBetweenSending * float64(time.Second))
}

func (c DispatchConfig) IdleInterval() time.Duration {
	return time.Duration(c.IdleIntervalSeconds) * time.Second
}

func (c DispatchConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshSeconds) * time.Second
}

// DefaultUniqueKeyCharset is used when unique_key_charset is unset.
const DefaultUniqueKeyCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Load reads a YAML config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Redis.LockTTLSeconds == 0 {
		cfg.Redis.LockTTLSeconds = 60
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "localhost"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = cfg.SES.Region
	}
	if cfg.S3.Prefix == "" {
		cfg.S3.Prefix = "newsletter-runs"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Dispatch.HardLimit == 0 {
		cfg.Dispatch.HardLimit = 10000
	}
	if cfg.Dispatch.IdleIntervalSeconds == 0 {
		cfg.Dispatch.IdleIntervalSeconds = 600
	}
	if cfg.Dispatch.RefreshSeconds == 0 {
		cfg.Dispatch.RefreshSeconds = 60
	}
	if cfg.Dispatch.UniqueKeyLength == 0 {
		cfg.Dispatch.UniqueKeyLength = 8
	}
	if cfg.Dispatch.UniqueKeyCharset == "" {
		cfg.Dispatch.UniqueKeyCharset = DefaultUniqueKeyCharset
	}
	if cfg.Dispatch.SiteDomain == "" {
		cfg.Dispatch.SiteDomain = "localhost"
	}
}

// LoadFromEnv loads .env if present, reads the YAML file and applies
// environment overrides for secrets and deployment-specific values.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("HTTP_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = port
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("REPORT_BUCKET"); v != "" {
		cfg.S3.Bucket = v
	}
	if v := os.Getenv("SIGNING_KEY"); v != "" {
		cfg.Dispatch.SigningKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if os.Getenv("NEWSLETTER_TEST_MODE") == "true" {
		cfg.Dispatch.TestMode = true
	}

	return cfg, nil
}
