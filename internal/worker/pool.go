package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"EventPost/internal/email"
	"EventPost/internal/logging"
	"EventPost/internal/models"
	"EventPost/internal/queue"
)

var ErrJobTimeout = errors.New("job timed out")

// Broker is the part of the queue the pool drives.
type Broker interface {
	Claim(ctx context.Context) (*models.Job, error)
	Complete(ctx context.Context, job *models.Job, providerMessageID string) error
	Retry(ctx context.Context, job *models.Job, reason string, delay time.Duration) error
	Fail(ctx context.Context, job *models.Job, reason string) error
}

// Deliverer sends one job and returns the provider message id.
type Deliverer interface {
	Deliver(ctx context.Context, job *models.Job) (string, error)
	TransportName() string
}

// Subscriber receives job lifecycle events.
type Subscriber interface {
	OnJobEvent(ctx context.Context, ev models.JobEvent)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, ev models.JobEvent)

func (f SubscriberFunc) OnJobEvent(ctx context.Context, ev models.JobEvent) { f(ctx, ev) }

type Config struct {
	Workers      int
	RateLimit    int
	BackoffBase  time.Duration
	PollInterval time.Duration
}

type Pool struct {
	broker    Broker
	deliverer Deliverer
	limiter   *rate.Limiter
	cfg       Config
	logger    *zap.Logger

	subscribers []Subscriber

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(broker Broker, deliverer Deliverer, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}

	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = cfg.RateLimit
	}

	return &Pool{
		broker:    broker,
		deliverer: deliverer,
		limiter:   rate.NewLimiter(limit, burst),
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Subscribe registers s for job events. Call before Start.
func (p *Pool) Subscribe(s Subscriber) {
	p.subscribers = append(p.subscribers, s)
}

// Start launches the workers. They run until ctx is cancelled or Stop is
// called.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)

		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Stop stops claiming new jobs and waits for in-flight ones to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Info("worker started")

	for {
		if ctx.Err() != nil {
			logger.Info("worker shutting down")
			return
		}

		// ----------------------------
		// Claim
		// ----------------------------
		job, err := p.broker.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("failed to claim job", zap.Error(err))
			}
			p.idle(ctx)
			continue
		}
		if job == nil {
			p.idle(ctx)
			continue
		}

		// ----------------------------
		// Rate Limit
		// ----------------------------
		if err := p.limiter.Wait(ctx); err != nil {
			// The lease expires and the sweeper puts the job back.
			logger.Warn("rate limiter stopped by context",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			return
		}

		// In-flight jobs finish even when shutdown starts.
		p.Process(context.WithoutCancel(ctx), job)
	}
}

func (p *Pool) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.PollInterval):
	}
}

// Process runs one delivery attempt for a claimed job and records the
// outcome with the broker.
func (p *Pool) Process(ctx context.Context, job *models.Job) {
	start := time.Now()
	transport := p.deliverer.TransportName()

	providerID, err := p.deliver(ctx, job)
	elapsed := time.Since(start)

	// ----------------------------
	// Success
	// ----------------------------
	if err == nil {
		if cErr := p.broker.Complete(ctx, job, providerID); cErr != nil {
			p.logger.Error("failed to mark job completed",
				zap.String("job_id", job.ID),
				zap.Error(cErr),
			)
			return
		}

		p.logger.Info("email sent successfully",
			zap.String("job_id", job.ID),
			logging.Recipient(job.Request.To),
			zap.String("template", job.Request.Template),
			zap.String("provider_message_id", providerID),
		)

		p.publish(ctx, models.JobEvent{
			Type:              models.EventCompleted,
			Job:               *job,
			ProviderMessageID: providerID,
			Transport:         transport,
			Duration:          elapsed,
		})
		return
	}

	// ----------------------------
	// Failure
	// ----------------------------
	job.AttemptsMade++
	reason := email.FailureReason(err)

	if email.IsPermanent(err) || job.AttemptsMade >= job.MaxAttempts {
		if fErr := p.broker.Fail(ctx, job, reason); fErr != nil {
			p.logger.Error("failed to mark job failed",
				zap.String("job_id", job.ID),
				zap.Error(fErr),
			)
			return
		}

		p.logger.Error("email send failed",
			zap.String("job_id", job.ID),
			logging.Recipient(job.Request.To),
			zap.String("template", job.Request.Template),
			zap.Int("attempts", job.AttemptsMade),
			zap.Error(err),
		)

		p.publish(ctx, models.JobEvent{
			Type:      models.EventFailed,
			Job:       *job,
			Transport: transport,
			Err:       err,
			Duration:  elapsed,
		})
		return
	}

	delay := queue.Backoff(p.cfg.BackoffBase, job.AttemptsMade)
	if rErr := p.broker.Retry(ctx, job, reason, delay); rErr != nil {
		p.logger.Error("failed to schedule retry",
			zap.String("job_id", job.ID),
			zap.Error(rErr),
		)
		return
	}

	p.logger.Warn("email send failed, retrying",
		zap.String("job_id", job.ID),
		logging.Recipient(job.Request.To),
		zap.Int("attempts", job.AttemptsMade),
		zap.Duration("retry_in", delay),
		zap.Error(err),
	)

	p.publish(ctx, models.JobEvent{
		Type:      models.EventRetrying,
		Job:       *job,
		Transport: transport,
		Err:       err,
		Delay:     delay,
		Duration:  elapsed,
	})
}

type result struct {
	id  string
	err error
}

// deliver bounds the attempt by the job timeout. On timeout the provider call
// is abandoned, not cancelled, and its result is discarded.
func (p *Pool) deliver(ctx context.Context, job *models.Job) (string, error) {
	if job.Timeout <= 0 {
		return p.deliverer.Deliver(ctx, job)
	}

	// The abandoned call may outlive the attempt, so it gets its own copy.
	snapshot := *job
	done := make(chan result, 1)
	go func() {
		id, err := p.deliverer.Deliver(context.WithoutCancel(ctx), &snapshot)
		done <- result{id: id, err: err}
	}()

	timer := time.NewTimer(job.Timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.id, r.err
	case <-timer.C:
		return "", fmt.Errorf("%w after %s", ErrJobTimeout, job.Timeout)
	}
}

func (p *Pool) publish(ctx context.Context, ev models.JobEvent) {
	for _, s := range p.subscribers {
		p.notify(ctx, s, ev)
	}
}

func (p *Pool) notify(ctx context.Context, s Subscriber, ev models.JobEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job event subscriber panicked",
				zap.String("job_id", ev.Job.ID),
				zap.String("event", string(ev.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	s.OnJobEvent(ctx, ev)
}
