package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"EventPost/internal/models"
)

type fakeQueue struct {
	counts map[models.JobState]int64
	jobs   map[models.JobState][]*models.Job
	err    error
}

func (f *fakeQueue) Counts(context.Context) (map[models.JobState]int64, error) {
	return f.counts, f.err
}

func (f *fakeQueue) List(_ context.Context, state models.JobState, limit int64) ([]*models.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	jobs := f.jobs[state]
	if int64(len(jobs)) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func finished(template string, at time.Time, reason string) *models.Job {
	return &models.Job{
		Request:      models.SendRequest{Template: template},
		FinishedAt:   &at,
		FailedReason: reason,
	}
}

func TestSuccessRate(t *testing.T) {
	t.Parallel()

	assert.Zero(t, SuccessRate(0, 0))
	assert.Equal(t, 1.0, SuccessRate(5, 0))
	assert.Zero(t, SuccessRate(0, 3))
	assert.InDelta(t, 0.75, SuccessRate(3, 1), 1e-9)
}

func TestReasonPrefix(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"smtp send failed: dial tcp: connection refused": "smtp send failed",
		"job timed out after 30s":                        "job timed out after 30s",
		"  ses send failed : MessageRejected":            "ses send failed",
		"":                                               "unknown",
		": leading colon":                                "unknown",
	}
	for in, want := range tests {
		assert.Equal(t, want, ReasonPrefix(in), in)
	}
}

func TestReporter_Snapshot(t *testing.T) {
	q := &fakeQueue{counts: map[models.JobState]int64{
		models.JobWaiting:   4,
		models.JobActive:    1,
		models.JobCompleted: 9,
		models.JobFailed:    1,
		models.JobDelayed:   2,
	}}
	r := NewReporter(q, 0, zap.NewNop())

	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.9, snap.SuccessRate, 1e-9)
	assert.Equal(t, int64(4), snap.Counts[models.JobWaiting])

	assert.Equal(t, 4.0, testutil.ToFloat64(QueueJobs.WithLabelValues("waiting")))
	assert.Equal(t, 2.0, testutil.ToFloat64(QueueJobs.WithLabelValues("delayed")))
}

func TestReporter_SnapshotEmptyQueue(t *testing.T) {
	t.Parallel()

	r := NewReporter(&fakeQueue{counts: map[models.JobState]int64{}}, 0, zap.NewNop())
	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.SuccessRate)
}

func TestReporter_SnapshotError(t *testing.T) {
	t.Parallel()

	r := NewReporter(&fakeQueue{err: errors.New("redis down")}, 0, zap.NewNop())
	_, err := r.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestReporter_Breakdown(t *testing.T) {
	t.Parallel()

	h1 := time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC)
	h2 := time.Date(2025, 3, 1, 11, 45, 0, 0, time.UTC)

	q := &fakeQueue{jobs: map[models.JobState][]*models.Job{
		models.JobCompleted: {
			finished("booking-confirmation", h1, ""),
			finished("booking-confirmation", h2, ""),
			finished("status-update", h2, ""),
		},
		models.JobFailed: {
			finished("booking-confirmation", h2, "dial tcp: connection refused"),
			finished("password-reset", h1, "550 mailbox unavailable: no such user"),
			finished("password-reset", h1, "550 mailbox unavailable: disabled"),
			finished("status-update", h1, "job timed out after 30s"),
		},
	}}
	r := NewReporter(q, 0, zap.NewNop())

	b, err := r.Breakdown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, b.Scanned)

	assert.Equal(t, &Outcome{Completed: 2, Failed: 1}, b.ByTemplate["booking-confirmation"])
	assert.Equal(t, &Outcome{Completed: 1, Failed: 1}, b.ByTemplate["status-update"])
	assert.Equal(t, &Outcome{Failed: 2}, b.ByTemplate["password-reset"])

	assert.Equal(t, &Outcome{Completed: 1, Failed: 3}, b.ByHour["2025-03-01T10:00:00Z"])
	assert.Equal(t, &Outcome{Completed: 2, Failed: 1}, b.ByHour["2025-03-01T11:00:00Z"])

	assert.Equal(t, map[string]int64{
		"dial tcp":                1,
		"550 mailbox unavailable": 2,
		"job timed out after 30s": 1,
	}, b.FailureReasons)
}

func TestReporter_BreakdownHonoursScanLimit(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	q := &fakeQueue{jobs: map[models.JobState][]*models.Job{
		models.JobCompleted: {finished("a", at, ""), finished("a", at, ""), finished("a", at, "")},
	}}
	r := NewReporter(q, 2, zap.NewNop())

	b, err := r.Breakdown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, b.Scanned)
}

func TestRecorder(t *testing.T) {
	before := testutil.ToFloat64(EmailsSent)
	failuresBefore := testutil.ToFloat64(EmailFailures)
	retriesBefore := testutil.ToFloat64(EmailRetries.WithLabelValues("status-update"))

	job := models.Job{Request: models.SendRequest{Template: "status-update"}}
	var rec Recorder
	rec.OnJobEvent(context.Background(), models.JobEvent{Type: models.EventCompleted, Job: job, Transport: "smtp", Duration: time.Second})
	rec.OnJobEvent(context.Background(), models.JobEvent{Type: models.EventRetrying, Job: job, Transport: "smtp"})
	rec.OnJobEvent(context.Background(), models.JobEvent{Type: models.EventFailed, Job: job, Transport: "smtp"})

	assert.Equal(t, before+1, testutil.ToFloat64(EmailsSent))
	assert.Equal(t, failuresBefore+1, testutil.ToFloat64(EmailFailures))
	assert.Equal(t, retriesBefore+1, testutil.ToFloat64(EmailRetries.WithLabelValues("status-update")))
}

func TestInitIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Init()
		Init()
	})
}
