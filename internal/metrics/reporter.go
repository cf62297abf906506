package metrics

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"EventPost/internal/models"
)

// DefaultScanLimit bounds how many finished jobs per state Breakdown reads.
const DefaultScanLimit = 5000

// Queue is the read side of the delivery queue.
type Queue interface {
	Counts(ctx context.Context) (map[models.JobState]int64, error)
	List(ctx context.Context, state models.JobState, limit int64) ([]*models.Job, error)
}

type Snapshot struct {
	Counts      map[models.JobState]int64 `json:"counts"`
	SuccessRate float64                   `json:"successRate"`
	At          time.Time                 `json:"at"`
}

type Outcome struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type Breakdown struct {
	ByTemplate     map[string]*Outcome `json:"byTemplate"`
	ByHour         map[string]*Outcome `json:"byHour"`
	FailureReasons map[string]int64    `json:"failureReasons"`
	Scanned        int                 `json:"scanned"`
}

type Reporter struct {
	queue     Queue
	scanLimit int64
	logger    *zap.Logger
}

func NewReporter(queue Queue, scanLimit int64, logger *zap.Logger) *Reporter {
	if scanLimit <= 0 {
		scanLimit = DefaultScanLimit
	}
	return &Reporter{queue: queue, scanLimit: scanLimit, logger: logger.Named("reporter")}
}

// Snapshot reads the queue counts and refreshes the queue_jobs gauge.
func (r *Reporter) Snapshot(ctx context.Context) (*Snapshot, error) {
	counts, err := r.queue.Counts(ctx)
	if err != nil {
		return nil, err
	}

	for _, s := range models.JobStates {
		QueueJobs.WithLabelValues(string(s)).Set(float64(counts[s]))
	}

	return &Snapshot{
		Counts:      counts,
		SuccessRate: SuccessRate(counts[models.JobCompleted], counts[models.JobFailed]),
		At:          time.Now().UTC(),
	}, nil
}

// SuccessRate is completed/(completed+failed), or 0 before any job finished.
func SuccessRate(completed, failed int64) float64 {
	if completed+failed == 0 {
		return 0
	}
	return float64(completed) / float64(completed+failed)
}

// Breakdown groups the retained finished jobs by template and by hour, and
// tallies failure reasons.
func (r *Reporter) Breakdown(ctx context.Context) (*Breakdown, error) {
	b := &Breakdown{
		ByTemplate:     make(map[string]*Outcome),
		ByHour:         make(map[string]*Outcome),
		FailureReasons: make(map[string]int64),
	}

	for _, state := range []models.JobState{models.JobCompleted, models.JobFailed} {
		jobs, err := r.queue.List(ctx, state, r.scanLimit)
		if err != nil {
			return nil, err
		}

		for _, job := range jobs {
			b.Scanned++

			tmpl := outcome(b.ByTemplate, job.Request.Template)
			var hour *Outcome
			if job.FinishedAt != nil {
				hour = outcome(b.ByHour, job.FinishedAt.UTC().Truncate(time.Hour).Format(time.RFC3339))
			}

			if state == models.JobCompleted {
				tmpl.Completed++
				if hour != nil {
					hour.Completed++
				}
				continue
			}

			tmpl.Failed++
			if hour != nil {
				hour.Failed++
			}
			b.FailureReasons[ReasonPrefix(job.FailedReason)]++
		}
	}

	return b, nil
}

func outcome(m map[string]*Outcome, key string) *Outcome {
	o, ok := m[key]
	if !ok {
		o = &Outcome{}
		m[key] = o
	}
	return o
}

// ReasonPrefix is the part of a failure reason before the first colon.
func ReasonPrefix(reason string) string {
	if i := strings.Index(reason, ":"); i >= 0 {
		reason = reason[:i]
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "unknown"
	}
	return reason
}

// Run refreshes the queue gauges every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Snapshot(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("failed to refresh queue gauges", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
