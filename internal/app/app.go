// Package app wires the long-lived components together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"EventPost/internal/analytics"
	"EventPost/internal/api"
	"EventPost/internal/config"
	"EventPost/internal/db"
	"EventPost/internal/docstore"
	"EventPost/internal/email"
	"EventPost/internal/health"
	"EventPost/internal/metrics"
	"EventPost/internal/queue"
	"EventPost/internal/templates"
	"EventPost/internal/tracking"
	"EventPost/internal/worker"
)

const (
	redisConnectTimeout = 30 * time.Second
	gaugeInterval       = 15 * time.Second
)

// App owns every component built from one Config. Nothing here is global;
// commands build an App and pass its parts explicitly.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Redis     *redis.Client
	Broker    *queue.Broker
	Renderer  *templates.Renderer
	Mailer    *email.Mailer
	Store     analytics.Store
	Analytics *analytics.Service
	Pool      *worker.Pool
	Sweeper   *queue.Sweeper
	Reporter  *metrics.Reporter
	Tracking  *tracking.Links

	wg sync.WaitGroup
}

type options struct {
	transport email.Transport
}

type Option func(*options)

// WithTransport replaces the transport the config would select.
func WithTransport(t email.Transport) Option {
	return func(o *options) { o.transport = t }
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger}

	client, broker, err := ConnectQueue(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Redis, a.Broker = client, broker

	transport := o.transport
	if transport == nil {
		transport, err = NewTransport(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Renderer = NewRenderer(cfg, logger)
	a.Mailer = email.NewMailer(a.Renderer, transport, cfg.MailFrom, cfg.MailReplyTo)
	a.Tracking = tracking.NewLinks(cfg.TrackingBaseURL, cfg.TrackingSecret)
	if a.Tracking != nil {
		a.Mailer.WithTracking(a.Tracking)
	}

	a.Store, err = OpenStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Analytics = analytics.NewService(a.Store, logger)

	a.Pool = worker.NewPool(a.Broker, a.Mailer, worker.Config{
		Workers:      cfg.WorkerCount,
		RateLimit:    cfg.RateLimit,
		BackoffBase:  cfg.BackoffBase,
		PollInterval: cfg.PollInterval,
	}, logger)
	a.Pool.Subscribe(metrics.Recorder{})
	a.Pool.Subscribe(a.Analytics)

	a.Sweeper = queue.NewSweeper(a.Broker, queue.SweeperConfig{
		Interval:           cfg.SweepInterval,
		CompletedRetention: cfg.CompletedRetention,
		FailedRetention:    cfg.FailedRetention,
	}, logger)
	a.Reporter = metrics.NewReporter(a.Broker, metrics.DefaultScanLimit, logger)

	logger.Info("app initialised",
		zap.String("transport", a.Mailer.TransportName()),
		zap.String("analytics_driver", cfg.AnalyticsDriver),
		zap.Int("workers", cfg.WorkerCount),
		zap.Bool("tracking", a.Tracking != nil),
	)

	return a, nil
}

// ConnectQueue opens redis and the broker on top of it.
func ConnectQueue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redis.Client, *queue.Broker, error) {
	client, err := queue.Connect(ctx, cfg.RedisURL, redisConnectTimeout, logger)
	if err != nil {
		return nil, nil, err
	}

	broker := queue.NewBroker(client, queue.Config{
		Prefix:           cfg.QueuePrefix,
		MaxAttempts:      cfg.MaxAttempts,
		Timeout:          cfg.JobTimeout,
		RemoveOnComplete: cfg.RemoveOnComplete,
	})
	return client, broker, nil
}

func NewTransport(ctx context.Context, cfg *config.Config) (email.Transport, error) {
	switch cfg.Transport {
	case "smtp":
		return email.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.MailFrom), nil
	case "ses":
		return email.NewSES(ctx, cfg.AWSRegion, cfg.SESConfigurationSet, cfg.ProviderTemplates)
	case "resend":
		return email.NewResend(cfg.ResendAPIKey), nil
	}
	return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
}

// NewRenderer reads templates from TemplateDir when set, else the built-in set.
func NewRenderer(cfg *config.Config, logger *zap.Logger) *templates.Renderer {
	fsys := templates.Embedded()
	if cfg.TemplateDir != "" {
		fsys = os.DirFS(cfg.TemplateDir)
	}
	return templates.New(fsys, templates.Defaults{
		AppName:      cfg.AppName,
		SupportEmail: cfg.SupportEmail,
		SupportURL:   cfg.SupportURL,
		DashboardURL: cfg.DashboardURL,
	}, logger)
}

func OpenStore(ctx context.Context, cfg *config.Config) (analytics.Store, error) {
	switch cfg.AnalyticsDriver {
	case "memory":
		return analytics.NewMemoryStore(), nil
	case "postgres":
		s, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres analytics store: %w", err)
		}
		return s, nil
	case "mongo":
		s, err := docstore.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("open mongo analytics store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported analytics driver %q", cfg.AnalyticsDriver)
}

// Checks are the readiness checks for the shared dependencies.
func (a *App) Checks() health.Checks {
	return health.Checks{
		"redis":     a.Broker.Ping,
		"analytics": a.Analytics.Ping,
	}
}

func (a *App) APIServer() *api.Server {
	return api.NewServer(api.Deps{
		Queue:     a.Broker,
		Analytics: a.Analytics,
		Reporter:  a.Reporter,
		Checks:    a.Checks(),
		Logger:    a.Logger,
	}, api.Options{
		CORSOrigins:   a.Config.CORSOrigins,
		WebhookSecret: a.Config.WebhookSecret,
		MaxBulkRows:   a.Config.BulkMaxRows,
		Tracking:      a.Tracking,
	})
}

// StartBackground starts the worker pool, the sweeper and the gauge
// refresher. They stop when ctx is cancelled; StopBackground waits for them.
func (a *App) StartBackground(ctx context.Context) {
	a.Pool.Start(ctx)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.Sweeper.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.Reporter.Run(ctx, gaugeInterval)
	}()
}

func (a *App) StopBackground() {
	a.Pool.Stop()
	a.wg.Wait()
}

func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	return errors.Join(errs...)
}
