// Package config provides environment-variable-first configuration loading
// with optional YAML file and .env fallback for the dispatch service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MinJWTSecretLength is the shortest accepted session signing secret.
const MinJWTSecretLength = 32

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Blob      BlobConfig      `yaml:"blob"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Upload    UploadConfig    `yaml:"upload"`
	Inbound   InboundConfig   `yaml:"inbound"`
	SMTP      SMTPConfig      `yaml:"smtp"`

	// Provider selects the transport: ses, graph, smtp, gmail or stdout.
	// Empty auto-detects from the configured credentials.
	Provider string         `yaml:"provider"`
	Throttle ThrottleConfig `yaml:"throttle"`
	SES      SESConfig      `yaml:"ses"`
	Graph    GraphConfig    `yaml:"graph"`
	Relay    RelayConfig    `yaml:"relay"`
	Gmail    GmailConfig    `yaml:"gmail"`
	Stdout   StdoutConfig   `yaml:"stdout"`
}

// ServerConfig holds the HTTP API listener settings.
type ServerConfig struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

// TLSConfig holds TLS certificate file paths. TLS is off unless Enabled;
// without files a self-signed certificate is generated.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AuthConfig holds session token verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// RateLimitConfig holds the per-identity send quota.
type RateLimitConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
	// Store is memory, redis or sql.
	Store string `yaml:"store"`
}

// DatabaseConfig selects the record store. An empty Type keeps records in
// memory.
type DatabaseConfig struct {
	Type            string        `yaml:"type"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds the Redis connection used by the rate-window store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// BlobConfig selects where uploaded attachments are written. Attachment
// URLs outside the store are fetched only under FetchAllow.
type BlobConfig struct {
	// Store is s3 or bolt.
	Store    string   `yaml:"store"`
	BoltPath string   `yaml:"bolt_path"`
	S3       S3Config `yaml:"s3"`
	// FetchAllow lists http(s) base URLs attachments may be downloaded from.
	FetchAllow []string `yaml:"fetch_allow"`
	// FetchConcurrency bounds parallel remote attachment fetches.
	FetchConcurrency int `yaml:"fetch_concurrency"`
}

// S3Config holds the attachment bucket settings.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	PublicBaseURL   string `yaml:"public_base_url"`
}

// DispatchConfig holds the orchestrator settings.
type DispatchConfig struct {
	AllowedDomain         string        `yaml:"allowed_domain"`
	RequireAllAttachments bool          `yaml:"require_all_attachments"`
	TransmitTimeout       time.Duration `yaml:"transmit_timeout"`
	MessageIDDomain       string        `yaml:"message_id_domain"`
}

// UploadConfig holds attachment size limits.
type UploadConfig struct {
	MaxFileSize  int64 `yaml:"max_file_size"`
	MaxTotalSize int64 `yaml:"max_total_size"`
}

// InboundConfig holds limits for uploaded .eml files.
type InboundConfig struct {
	MaxSize int64 `yaml:"max_size"`
}

// SMTPConfig holds the optional SMTP submission listener settings.
type SMTPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// ThrottleConfig bounds the rate at which messages reach the transport.
type ThrottleConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// SESConfig holds AWS SES settings.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	Sender           string `yaml:"sender"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// RelayConfig holds the upstream SMTP relay settings.
type RelayConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TLSMode            string `yaml:"tls_mode"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	Sender             string `yaml:"sender"`
}

// GmailConfig holds the Gmail API service account settings.
type GmailConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	Sender          string `yaml:"sender"`
}

// StdoutConfig holds the development transport settings.
type StdoutConfig struct {
	// Raw prints the full MIME message instead of a summary.
	Raw bool `yaml:"raw"`
}

// LoadDotEnv reads KEY=VALUE pairs from the given files (".env" when none
// are given) into the process environment. Variables already set are kept.
// Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least %d characters", MinJWTSecretLength))
	}
	if c.RateLimit.Limit <= 0 {
		errs = append(errs, errors.New("rate_limit.limit must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}

	switch c.RateLimit.Store {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis rate limit store"))
		}
	case "sql":
		if c.Database.Type == "" {
			errs = append(errs, errors.New("database.type is required for the sql rate limit store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rate_limit.store %q (supported: memory, redis, sql)", c.RateLimit.Store))
	}

	switch c.Database.Type {
	case "":
	case "postgres", "mysql", "sqlite":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.type %q (supported: postgres, mysql, sqlite)", c.Database.Type))
	}

	switch c.Blob.Store {
	case "bolt":
		if c.Blob.BoltPath == "" {
			errs = append(errs, errors.New("blob.bolt_path is required for the bolt store"))
		}
	case "s3":
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob.store %q (supported: bolt, s3)", c.Blob.Store))
	}
	for _, base := range c.Blob.FetchAllow {
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("blob.fetch_allow entry %q must be an http(s) URL with a host", base))
		}
	}

	switch c.Provider {
	case "", "stdout":
	case "ses":
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses provider requires ses.region and ses.sender"))
		}
	case "graph":
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("graph provider requires tenant_id, client_id, client_secret and sender"))
		}
	case "smtp":
		if !c.RelayConfigured() {
			errs = append(errs, errors.New("smtp provider requires relay.host"))
		}
	case "gmail":
		if !c.GmailConfigured() {
			errs = append(errs, errors.New("gmail provider requires gmail.credentials_file"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q (supported: ses, graph, smtp, gmail, stdout)", c.Provider))
	}

	return errors.Join(errs...)
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// RelayConfigured returns true if an upstream SMTP relay host is set.
func (c *Config) RelayConfigured() bool {
	return c.Relay.Host != ""
}

// GmailConfigured returns true if a service account key file is set.
func (c *Config) GmailConfigured() bool {
	return c.Gmail.CredentialsFile != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Server.Listen = ":8080"
	c.Server.AllowedOrigins = []string{"*"}
	c.Server.MaxBodyBytes = 40 << 20

	c.Logging.Level = "info"
	c.Logging.MaxSizeMB = 100
	c.Logging.MaxBackups = 5
	c.Logging.MaxAgeDays = 28

	c.RateLimit.Limit = 100
	c.RateLimit.Window = time.Hour
	c.RateLimit.Store = "memory"

	c.Database.MaxOpenConns = 10
	c.Database.MaxIdleConns = 5
	c.Database.ConnMaxLifetime = 30 * time.Minute

	c.Redis.Prefix = "mail-dispatch:ratelimit:"

	c.Blob.Store = "bolt"
	c.Blob.BoltPath = "attachments.db"
	c.Blob.FetchConcurrency = 4

	c.Dispatch.TransmitTimeout = 30 * time.Second

	c.Upload.MaxFileSize = 10 << 20
	c.Upload.MaxTotalSize = 25 << 20
	c.Inbound.MaxSize = 10 << 20

	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = 25 << 20

	c.Relay.Port = 587
	c.Relay.TLSMode = "starttls"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	e := &envReader{}

	e.string("HTTP_LISTEN", &c.Server.Listen)
	e.list("CORS_ALLOWED_ORIGINS", &c.Server.AllowedOrigins)
	e.int64("HTTP_MAX_BODY_BYTES", &c.Server.MaxBodyBytes)

	e.bool("TLS_ENABLED", &c.TLS.Enabled)
	e.string("TLS_CERT_FILE", &c.TLS.CertFile)
	e.string("TLS_KEY_FILE", &c.TLS.KeyFile)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	e.string("LOG_FILE", &c.Logging.File)
	e.int("LOG_MAX_SIZE_MB", &c.Logging.MaxSizeMB)
	e.int("LOG_MAX_BACKUPS", &c.Logging.MaxBackups)
	e.int("LOG_MAX_AGE_DAYS", &c.Logging.MaxAgeDays)

	e.string("JWT_SECRET", &c.Auth.JWTSecret)
	e.string("JWT_ISSUER", &c.Auth.Issuer)

	e.int("EMAIL_RATE_LIMIT", &c.RateLimit.Limit)
	e.duration("EMAIL_RATE_WINDOW", &c.RateLimit.Window)
	e.lower("RATE_LIMIT_STORE", &c.RateLimit.Store)

	e.lower("DATABASE_TYPE", &c.Database.Type)
	e.string("DATABASE_DSN", &c.Database.DSN)
	e.int("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	e.int("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	e.duration("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetime)

	e.string("REDIS_ADDR", &c.Redis.Addr)
	e.string("REDIS_PASSWORD", &c.Redis.Password)
	e.int("REDIS_DB", &c.Redis.DB)
	e.string("REDIS_PREFIX", &c.Redis.Prefix)

	e.lower("BLOB_STORE", &c.Blob.Store)
	e.string("BLOB_BOLT_PATH", &c.Blob.BoltPath)
	e.int("BLOB_FETCH_CONCURRENCY", &c.Blob.FetchConcurrency)
	e.list("BLOB_FETCH_ALLOW", &c.Blob.FetchAllow)
	e.string("S3_BUCKET", &c.Blob.S3.Bucket)
	e.string("S3_REGION", &c.Blob.S3.Region)
	e.string("S3_ENDPOINT", &c.Blob.S3.Endpoint)
	e.string("S3_ACCESS_KEY_ID", &c.Blob.S3.AccessKeyID)
	e.string("S3_SECRET_ACCESS_KEY", &c.Blob.S3.SecretAccessKey)
	e.bool("S3_USE_PATH_STYLE", &c.Blob.S3.UsePathStyle)
	e.string("S3_PUBLIC_BASE_URL", &c.Blob.S3.PublicBaseURL)

	e.string("ALLOWED_DOMAIN", &c.Dispatch.AllowedDomain)
	e.bool("REQUIRE_ALL_ATTACHMENTS", &c.Dispatch.RequireAllAttachments)
	e.duration("TRANSMIT_TIMEOUT", &c.Dispatch.TransmitTimeout)
	e.string("MESSAGE_ID_DOMAIN", &c.Dispatch.MessageIDDomain)

	e.int64("UPLOAD_MAX_FILE_SIZE", &c.Upload.MaxFileSize)
	e.int64("UPLOAD_MAX_TOTAL_SIZE", &c.Upload.MaxTotalSize)
	e.int64("INBOUND_MAX_SIZE", &c.Inbound.MaxSize)

	e.bool("SMTP_ENABLED", &c.SMTP.Enabled)
	e.string("SMTP_LISTEN", &c.SMTP.Listen)
	e.string("SMTP_HOSTNAME", &c.SMTP.Hostname)
	e.int64("SMTP_MAX_MESSAGE_SIZE", &c.SMTP.MaxMessageSize)

	e.lower("PROVIDER", &c.Provider)
	e.float("PROVIDER_RATE_PER_SECOND", &c.Throttle.PerSecond)
	e.int("PROVIDER_RATE_BURST", &c.Throttle.Burst)

	e.string("SES_REGION", &c.SES.Region)
	e.string("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	e.string("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)
	e.string("SES_SENDER", &c.SES.Sender)
	e.string("SES_CONFIGURATION_SET", &c.SES.ConfigurationSet)

	e.string("GRAPH_TENANT_ID", &c.Graph.TenantID)
	e.string("GRAPH_CLIENT_ID", &c.Graph.ClientID)
	e.string("GRAPH_CLIENT_SECRET", &c.Graph.ClientSecret)
	e.string("GRAPH_SENDER", &c.Graph.Sender)

	e.string("RELAY_HOST", &c.Relay.Host)
	e.int("RELAY_PORT", &c.Relay.Port)
	e.string("RELAY_USERNAME", &c.Relay.Username)
	e.string("RELAY_PASSWORD", &c.Relay.Password)
	e.lower("RELAY_TLS_MODE", &c.Relay.TLSMode)
	e.bool("RELAY_INSECURE_SKIP_VERIFY", &c.Relay.InsecureSkipVerify)
	e.string("RELAY_SENDER", &c.Relay.Sender)

	e.string("GMAIL_CREDENTIALS_FILE", &c.Gmail.CredentialsFile)
	e.string("GMAIL_SENDER", &c.Gmail.Sender)

	e.bool("STDOUT_RAW", &c.Stdout.Raw)

	return e.err()
}

// envReader applies non-empty environment variables and collects parse
// errors.
type envReader struct {
	errs []error
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}

func (e *envReader) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, value, err))
}

func (e *envReader) string(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) lower(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.ToLower(strings.TrimSpace(v))
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func (e *envReader) int(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

// duration accepts Go durations ("90m") or a bare number of seconds.
func (e *envReader) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}
