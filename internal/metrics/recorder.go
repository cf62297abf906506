package metrics

import (
	"context"

	"EventPost/internal/models"
)

// Recorder updates the delivery counters from worker job events.
type Recorder struct{}

func (Recorder) OnJobEvent(_ context.Context, ev models.JobEvent) {
	if ev.Transport != "" {
		SendDuration.WithLabelValues(ev.Transport).Observe(ev.Duration.Seconds())
	}

	switch ev.Type {
	case models.EventCompleted:
		EmailsSent.Inc()
	case models.EventFailed:
		EmailFailures.Inc()
	case models.EventRetrying:
		EmailRetries.WithLabelValues(ev.Job.Request.Template).Inc()
	}
}
