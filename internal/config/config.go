// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	Port     int    `env:"PORT" envDefault:"5001"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	// QueueURL points at the Redis instance backing the URL queue, the rate
	// limiter and worker task delivery.
	QueueURL string `env:"QUEUE_URL,required,notEmpty"`

	// Token signing secrets. The two must differ so a user token can never
	// pass verification as a job token or vice versa.
	UserTokenSecret string        `env:"USER_TOKEN_SECRET,required,notEmpty"`
	JobTokenSecret  string        `env:"JOB_TOKEN_SECRET,required,notEmpty"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"24h"`
	JobTokenTTL     time.Duration `env:"JOB_TOKEN_TTL" envDefault:"1h"`

	// Dispatch and queue tuning.
	LeaseDuration        time.Duration `env:"LEASE_DURATION" envDefault:"5m"`
	WorkerConcurrency    int           `env:"WORKER_CONCURRENCY" envDefault:"2"`
	DispatchPollInterval time.Duration `env:"DISPATCH_POLL_INTERVAL" envDefault:"1s"`
	URLMaxAttempts       int           `env:"URL_MAX_ATTEMPTS" envDefault:"3"`
	QueueMaxAttempts     int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"5"`

	// Sliding-window rate limiting. The worker window applies to the
	// worker_read class only.
	RateLimitWindow       time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"900s"`
	RateLimitWorkerWindow time.Duration `env:"RATE_LIMIT_WORKER_WINDOW" envDefault:"300s"`

	// Result uploads.
	MaxFileSize       int64  `env:"MAX_FILE_SIZE" envDefault:"52428800"`
	MaxFilesPerUpload int    `env:"MAX_FILES_PER_UPLOAD" envDefault:"5"`
	UploadDir         string `env:"UPLOAD_DIR" envDefault:"./data/uploads"`

	// Defaults stamped onto new users and accounts.
	SignupCredits            int64 `env:"SIGNUP_CREDITS" envDefault:"0"`
	DefaultMaxConcurrentJobs int   `env:"DEFAULT_MAX_CONCURRENT_JOBS" envDefault:"3"`
	DefaultMaxMonthlyJobs    int   `env:"DEFAULT_MAX_MONTHLY_JOBS" envDefault:"100"`
	DefaultDailyRequestLimit int   `env:"DEFAULT_DAILY_REQUEST_LIMIT" envDefault:"150"`

	// Account registry penalties.
	AccountCooldown      time.Duration `env:"ACCOUNT_COOLDOWN" envDefault:"30m"`
	AccountBlockDuration time.Duration `env:"ACCOUNT_BLOCK_DURATION" envDefault:"60m"`

	AdminUsername string `env:"ADMIN_USERNAME"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	// EventBrokers enables job lifecycle event publishing when non-empty.
	EventBrokers []string `env:"EVENT_BROKERS" envSeparator:","`
	EventTopic   string   `env:"EVENT_TOPIC" envDefault:"scrape.job-events"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"scrape-orchestrator"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"300"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"35s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	DataRetentionDays int           `env:"DATA_RETENTION_DAYS" envDefault:"90"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`
}

// AdminEnabled returns true if admin endpoints should be mounted.
func (c Config) AdminEnabled() bool {
	return c.AdminUsername != "" && c.AdminPassword != ""
}

// EventsEnabled reports whether job lifecycle events should be published.
func (c Config) EventsEnabled() bool { return len(c.EventBrokers) > 0 }

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the services must not start with.
func (c Config) Validate() error {
	if c.UserTokenSecret == c.JobTokenSecret {
		return fmt.Errorf("USER_TOKEN_SECRET and JOB_TOKEN_SECRET must differ")
	}
	if c.JobTokenTTL <= 0 || c.JobTokenTTL > time.Hour {
		return fmt.Errorf("JOB_TOKEN_TTL must be in (0, 1h], got %s", c.JobTokenTTL)
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("LEASE_DURATION must be positive, got %s", c.LeaseDuration)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.MaxFilesPerUpload < 1 {
		return fmt.Errorf("MAX_FILES_PER_UPLOAD must be at least 1, got %d", c.MaxFilesPerUpload)
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
