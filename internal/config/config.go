package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort     string   `envconfig:"API_PORT" default:"8080"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Transport
	// ----------------------------
	Transport         string            `envconfig:"TRANSPORT" default:"smtp"`
	MailFrom          string            `envconfig:"MAIL_FROM" default:"noreply@eventpost.local"`
	MailReplyTo       string            `envconfig:"MAIL_REPLY_TO" default:""`
	ProviderTemplates map[string]string `envconfig:"PROVIDER_TEMPLATES" default:""`

	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`

	// ----------------------------
	// SES / Resend
	// ----------------------------
	AWSRegion           string `envconfig:"AWS_REGION" default:"us-east-1"`
	SESConfigurationSet string `envconfig:"SES_CONFIGURATION_SET" default:""`
	ResendAPIKey        string `envconfig:"RESEND_API_KEY" default:""`

	// ----------------------------
	// Broker
	// ----------------------------
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	QueuePrefix string `envconfig:"QUEUE_PREFIX" default:"eventpost:mail"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount      int           `envconfig:"WORKER_COUNT" default:"3"`
	RateLimit        int           `envconfig:"RATE_LIMIT" default:"10"`
	MaxAttempts      int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	BackoffBase      time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	JobTimeout       time.Duration `envconfig:"JOB_TIMEOUT" default:"30s"`
	PollInterval     time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	RemoveOnComplete bool          `envconfig:"REMOVE_ON_COMPLETE" default:"false"`

	// ----------------------------
	// Retention
	// ----------------------------
	CompletedRetention time.Duration `envconfig:"COMPLETED_RETENTION" default:"168h"`
	FailedRetention    time.Duration `envconfig:"FAILED_RETENTION" default:"720h"`
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`

	// ----------------------------
	// Analytics
	// ----------------------------
	AnalyticsDriver string `envconfig:"ANALYTICS_DRIVER" default:"memory"`
	DatabaseURL     string `envconfig:"DATABASE_URL" default:""`
	MongoURI        string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDatabase   string `envconfig:"MONGO_DATABASE" default:"eventpost"`

	// ----------------------------
	// Templates
	// ----------------------------
	TemplateDir  string `envconfig:"TEMPLATE_DIR" default:""`
	AppName      string `envconfig:"APP_NAME" default:"EventPost"`
	SupportEmail string `envconfig:"SUPPORT_EMAIL" default:"support@eventpost.local"`
	SupportURL   string `envconfig:"SUPPORT_URL" default:"https://eventpost.local/support"`
	DashboardURL string `envconfig:"DASHBOARD_URL" default:"https://eventpost.local/dashboard"`

	// ----------------------------
	// Webhooks
	// ----------------------------
	WebhookSecret string `envconfig:"WEBHOOK_SECRET" default:""`

	// ----------------------------
	// Tracking
	// ----------------------------
	// Open and click tracking is on only when both are set.
	TrackingBaseURL string `envconfig:"TRACKING_BASE_URL" default:""`
	TrackingSecret  string `envconfig:"TRACKING_SECRET" default:""`

	// ----------------------------
	// Bulk upload
	// ----------------------------
	BulkMaxRows int `envconfig:"BULK_MAX_ROWS" default:"10000"`

	// ----------------------------
	// Logging
	// ----------------------------
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"LOG_FORMAT" default:"json"`
	LogRedactPII bool   `envconfig:"LOG_REDACT_PII" default:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Transport {
	case "smtp", "ses", "resend":
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.Transport == "resend" && c.ResendAPIKey == "" {
		return fmt.Errorf("RESEND_API_KEY is required for the resend transport")
	}

	switch c.AnalyticsDriver {
	case "memory", "mongo":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres analytics driver")
		}
	default:
		return fmt.Errorf("unsupported analytics driver %q", c.AnalyticsDriver)
	}

	if (c.TrackingBaseURL == "") != (c.TrackingSecret == "") {
		return fmt.Errorf("TRACKING_BASE_URL and TRACKING_SECRET must be set together")
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}

	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if c.RateLimit < 1 {
		return fmt.Errorf("RATE_LIMIT must be at least 1")
	}
	if c.BackoffBase <= 0 || c.JobTimeout <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("BACKOFF_BASE, JOB_TIMEOUT and POLL_INTERVAL must be positive")
	}
	return nil
}
