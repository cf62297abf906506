package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type SweeperConfig struct {
	Interval           time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

// SweepResult reports what one sweep pass did. Skipped is set when another
// replica held the lock.
type SweepResult struct {
	Recovered int64
	Removed   int64
	Skipped   bool
}

// Sweeper recovers stalled jobs and purges expired ones. Only one replica
// sweeps at a time.
type Sweeper struct {
	broker *Broker
	lock   *Lock
	cfg    SweeperConfig
	logger *zap.Logger
}

func NewSweeper(broker *Broker, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = 7 * 24 * time.Hour
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = 30 * 24 * time.Hour
	}
	return &Sweeper{
		broker: broker,
		lock:   NewLock(broker.client, broker.key("sweep-lock"), cfg.Interval),
		cfg:    cfg,
		logger: logger.Named("sweeper"),
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	ok, err := s.lock.Acquire(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	if !ok {
		s.logger.Debug("sweep lock held elsewhere, skipping")
		return SweepResult{Skipped: true}, nil
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release sweep lock", zap.Error(err))
		}
	}()

	var res SweepResult

	res.Recovered, err = s.broker.RecoverStalled(ctx)
	if err != nil {
		return res, err
	}

	now := s.broker.now()
	res.Removed, err = s.broker.Sweep(ctx,
		now.Add(-s.cfg.CompletedRetention),
		now.Add(-s.cfg.FailedRetention),
	)
	if err != nil {
		return res, err
	}

	if res.Recovered > 0 || res.Removed > 0 {
		s.logger.Info("sweep finished",
			zap.Int64("recovered", res.Recovered),
			zap.Int64("removed", res.Removed),
		)
	}
	return res, nil
}
