package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"aiInterview/internal/errcode"
)

// Config aggregates application settings that may be sourced from files or environment variables.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Interview InterviewConfig `mapstructure:"interview"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig contains connection options for PostgreSQL.
// Name is the base logical database; role partitions derive their own names from it.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	LogSQL   bool   `mapstructure:"log_sql"`
}

// RedisConfig 包含 Redis 连接配置。
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MinIOConfig contains connection options for MinIO/S3-compatible storage.
// Transcript archiving is skipped entirely when Enabled is false.
type MinIOConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Endpoint         string `mapstructure:"endpoint"`
	PublicEndpoint   string `mapstructure:"public_endpoint"`
	Region           string `mapstructure:"region"`
	BucketLookup     string `mapstructure:"bucket_lookup"`
	AccessKeyID      string `mapstructure:"access_key_id"`
	SecretAccessKey  string `mapstructure:"secret_access_key"`
	UseSSL           bool   `mapstructure:"use_ssl"`
	Bucket           string `mapstructure:"bucket"`
	AutoCreateBucket bool   `mapstructure:"auto_create_bucket"`
}

// AuthConfig 描述 JWT 密钥与登录保护参数。
type AuthConfig struct {
	PrivateKeyPath        string        `mapstructure:"private_key_path"`
	PublicKeyPath         string        `mapstructure:"public_key_path"`
	AccessTokenTTL        time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL       time.Duration `mapstructure:"refresh_token_ttl"`
	LoginRateLimitPerHour int           `mapstructure:"login_rate_limit_per_hour"`
	LoginLockThreshold    int           `mapstructure:"login_lock_threshold"`
	LoginLockTTL          time.Duration `mapstructure:"login_lock_ttl"`
	CookieDomain          string        `mapstructure:"cookie_domain"`
}

// AgentConfig points at the remote interview agent.
type AgentConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// InterviewConfig holds session and finalization tuning.
type InterviewConfig struct {
	FinalizeTimeout        time.Duration `mapstructure:"finalize_timeout"`
	PersistTimeout         time.Duration `mapstructure:"persist_timeout"`
	DefaultDurationMinutes int           `mapstructure:"default_duration_minutes"`
	SessionRetention       time.Duration `mapstructure:"session_retention"`
	TickInterval           time.Duration `mapstructure:"tick_interval"`
}

// WorkerConfig contains asynq server settings.
type WorkerConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	PersistRetries int `mapstructure:"persist_retries"`
}

// DSN builds a lib/pq compatible connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

// WithName returns a copy of the config that targets another logical database on the same server.
func (d DatabaseConfig) WithName(name string) DatabaseConfig {
	d.Name = name
	return d
}

// Load reads configuration solely from environment variables (with optional defaults).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.API.AllowedOrigins = splitList(cfg.API.AllowedOrigins)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad wraps Load and panics on failure.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// ReadKeyPair loads the PEM encoded RSA key pair referenced by the auth section.
func (a AuthConfig) ReadKeyPair() (privatePEM, publicPEM []byte, err error) {
	privatePEM, err = os.ReadFile(a.PrivateKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read private key %q: %w", a.PrivateKeyPath, err)
	}
	publicPEM, err = os.ReadFile(a.PublicKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read public key %q: %w", a.PublicKeyPath, err)
	}
	return privatePEM, publicPEM, nil
}

// LoadDatabase 只读取数据库段，供不需要完整配置的命令行工具使用。
func LoadDatabase() (DatabaseConfig, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return DatabaseConfig{}, fmt.Errorf("bind env: %w", err)
	}
	return DatabaseConfig{
		Host:     v.GetString("database.host"),
		Port:     v.GetInt("database.port"),
		Name:     v.GetString("database.name"),
		User:     v.GetString("database.user"),
		Password: v.GetString("database.password"),
		SSLMode:  v.GetString("database.sslmode"),
		LogSQL:   v.GetBool("database.log_sql"),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "interview")
	v.SetDefault("database.user", "interview")
	v.SetDefault("database.password", "interview")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.log_sql", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("minio.enabled", false)
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.public_endpoint", "http://localhost:9000")
	v.SetDefault("minio.bucket_lookup", "auto")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", "interview-transcripts")
	v.SetDefault("minio.auto_create_bucket", true)
	v.SetDefault("auth.private_key_path", "keys/jwt_private.pem")
	v.SetDefault("auth.public_key_path", "keys/jwt_public.pem")
	v.SetDefault("auth.access_token_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_token_ttl", 7*24*time.Hour)
	v.SetDefault("auth.login_rate_limit_per_hour", 10)
	v.SetDefault("auth.login_lock_threshold", 5)
	v.SetDefault("auth.login_lock_ttl", 15*time.Minute)
	v.SetDefault("agent.base_url", "http://localhost:8000/api")
	v.SetDefault("agent.request_timeout", 30*time.Second)
	v.SetDefault("interview.finalize_timeout", 15*time.Second)
	v.SetDefault("interview.persist_timeout", 12*time.Second)
	v.SetDefault("interview.default_duration_minutes", 20)
	v.SetDefault("interview.session_retention", 10*time.Minute)
	v.SetDefault("interview.tick_interval", time.Second)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.persist_retries", 8)
}

func bindEnv(v *viper.Viper) error {
	mappings := map[string]string{
		"api.port":                           "API_PORT",
		"api.allowed_origins":                "API_ALLOWED_ORIGINS",
		"database.host":                      "DATABASE_HOST",
		"database.port":                      "DATABASE_PORT",
		"database.name":                      "POSTGRES_DB",
		"database.user":                      "POSTGRES_USER",
		"database.password":                  "POSTGRES_PASSWORD",
		"database.sslmode":                   "DATABASE_SSLMODE",
		"database.log_sql":                   "DATABASE_LOG_SQL",
		"redis.host":                         "REDIS_HOST",
		"redis.port":                         "REDIS_PORT",
		"minio.enabled":                      "MINIO_ENABLED",
		"minio.endpoint":                     "MINIO_ENDPOINT",
		"minio.public_endpoint":              "MINIO_PUBLIC_ENDPOINT",
		"minio.region":                       "MINIO_REGION",
		"minio.bucket_lookup":                "MINIO_BUCKET_LOOKUP",
		"minio.access_key_id":                "MINIO_ACCESS_KEY_ID",
		"minio.secret_access_key":            "MINIO_SECRET_ACCESS_KEY",
		"minio.use_ssl":                      "MINIO_USE_SSL",
		"minio.bucket":                       "MINIO_BUCKET",
		"minio.auto_create_bucket":           "MINIO_AUTO_CREATE_BUCKET",
		"auth.private_key_path":              "AUTH_PRIVATE_KEY_PATH",
		"auth.public_key_path":               "AUTH_PUBLIC_KEY_PATH",
		"auth.access_token_ttl":              "AUTH_ACCESS_TOKEN_TTL",
		"auth.refresh_token_ttl":             "AUTH_REFRESH_TOKEN_TTL",
		"auth.login_rate_limit_per_hour":     "AUTH_LOGIN_RATE_LIMIT_PER_HOUR",
		"auth.login_lock_threshold":          "AUTH_LOGIN_LOCK_THRESHOLD",
		"auth.login_lock_ttl":                "AUTH_LOGIN_LOCK_TTL",
		"auth.cookie_domain":                 "AUTH_COOKIE_DOMAIN",
		"agent.base_url":                     "INTERVIEW_AGENT_URL",
		"agent.request_timeout":              "INTERVIEW_AGENT_TIMEOUT",
		"interview.finalize_timeout":         "INTERVIEW_FINALIZE_TIMEOUT",
		"interview.persist_timeout":          "INTERVIEW_PERSIST_TIMEOUT",
		"interview.default_duration_minutes": "INTERVIEW_DEFAULT_DURATION_MINUTES",
		"interview.session_retention":        "INTERVIEW_SESSION_RETENTION",
		"interview.tick_interval":            "INTERVIEW_TICK_INTERVAL",
		"worker.concurrency":                 "WORKER_CONCURRENCY",
		"worker.persist_retries":             "WORKER_PERSIST_RETRIES",
	}

	for key, env := range mappings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, env, err)
		}
	}

	return nil
}

func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func validate(cfg Config) error {
	if cfg.API.Port <= 0 {
		return errors.New("api port must be positive")
	}
	if err := ValidateDatabase(cfg.Database); err != nil {
		return err
	}
	if cfg.Redis.Host == "" {
		return errors.New("redis host is required")
	}
	if cfg.Redis.Port <= 0 {
		return errors.New("redis port must be positive")
	}
	if cfg.MinIO.Enabled {
		if cfg.MinIO.Endpoint == "" {
			return errors.New("minio endpoint is required")
		}
		if cfg.MinIO.AccessKeyID == "" {
			return errors.New("minio access key id is required")
		}
		if cfg.MinIO.SecretAccessKey == "" {
			return errors.New("minio secret access key is required")
		}
		if cfg.MinIO.Bucket == "" {
			return errors.New("minio bucket is required")
		}
	}
	if cfg.Agent.BaseURL == "" {
		return errors.New("interview agent url is required")
	}
	if cfg.Interview.FinalizeTimeout <= 0 || cfg.Interview.PersistTimeout <= 0 {
		return errors.New("interview timeouts must be positive")
	}
	if cfg.Interview.TickInterval <= 0 {
		return errors.New("interview tick interval must be positive")
	}
	if cfg.Interview.DefaultDurationMinutes < 1 || cfg.Interview.DefaultDurationMinutes > 180 {
		return errors.New("interview default duration must be within 1..180 minutes")
	}
	return nil
}

// ValidateDatabase reports a configuration error when no base connection target is configured.
func ValidateDatabase(d DatabaseConfig) error {
	if strings.TrimSpace(d.Host) == "" {
		return fmt.Errorf("%w: database host is required", errcode.ErrConfiguration)
	}
	if d.Port <= 0 {
		return fmt.Errorf("%w: database port must be positive", errcode.ErrConfiguration)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: database name is required", errcode.ErrConfiguration)
	}
	if d.User == "" {
		return fmt.Errorf("%w: database user is required", errcode.ErrConfiguration)
	}
	if d.SSLMode == "" {
		return fmt.Errorf("%w: database sslmode is required", errcode.ErrConfiguration)
	}
	return nil
}
