package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"EventPost/internal/logging"
	"EventPost/internal/metrics"
	"EventPost/internal/models"
)

// DefaultWindow is the reporting window when the caller gives none.
const DefaultWindow = 24 * time.Hour

// EventExtra carries the optional parts of a provider event.
type EventExtra struct {
	BounceReason string
	Metadata     models.Metadata
	At           time.Time
}

// Service is the write and read API over a Store. Write methods never return
// errors: a failed analytics write must not affect delivery, so failures are
// logged and dropped.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger.Named("analytics"), now: time.Now}
}

func (s *Service) RecordSent(ctx context.Context, messageID, template, recipient string, meta models.Metadata) {
	if messageID == "" {
		s.logger.Warn("analytics record skipped, no provider message id",
			zap.String("template", template),
			logging.Recipient(recipient),
		)
		return
	}

	rec := &models.EmailAnalytic{
		MessageID: messageID,
		Template:  template,
		Recipient: recipient,
		Status:    models.StatusSent,
		SendTime:  s.now().UTC(),
		Links:     []models.LinkStat{},
		Metadata:  s.cleanMetadata(messageID, meta),
	}

	err := s.store.Insert(ctx, rec)
	switch {
	case errors.Is(err, ErrDuplicate):
		s.logger.Warn("analytics record already exists", zap.String("message_id", messageID))
		return
	case err != nil:
		s.logger.Error("analytics write failed",
			zap.String("op", "record_sent"),
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		return
	}

	metrics.AnalyticsEvents.WithLabelValues(string(models.StatusSent)).Inc()
}

// RecordEvent applies a provider event. Events for unknown messages are
// expected when a webhook races the initial write; they are logged and
// dropped.
func (s *Service) RecordEvent(ctx context.Context, messageID string, status models.EmailStatus, extra EventExtra) {
	if status == models.StatusSent {
		// The sent record is written by the worker, not by provider events.
		return
	}

	at := extra.At
	if at.IsZero() {
		at = s.now()
	}

	err := s.store.ApplyEvent(ctx, messageID, Event{
		Status:       status,
		At:           at.UTC(),
		BounceReason: extra.BounceReason,
		Metadata:     s.cleanMetadata(messageID, extra.Metadata),
	})
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.Warn("unattributed analytics event",
			zap.String("message_id", messageID),
			zap.String("status", string(status)),
		)
		return
	case err != nil:
		s.logger.Error("analytics write failed",
			zap.String("op", "record_event"),
			zap.String("message_id", messageID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}

	metrics.AnalyticsEvents.WithLabelValues(string(status)).Inc()
}

func (s *Service) RecordClick(ctx context.Context, messageID, url, ip, userAgent string) {
	if url == "" {
		s.logger.Warn("click without url ignored", zap.String("message_id", messageID))
		return
	}

	err := s.store.RecordClick(ctx, messageID, Click{
		URL:       url,
		IP:        ip,
		UserAgent: userAgent,
		At:        s.now().UTC(),
	})
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.Warn("unattributed analytics event",
			zap.String("message_id", messageID),
			zap.String("status", string(models.StatusClicked)),
		)
		return
	case err != nil:
		s.logger.Error("analytics write failed",
			zap.String("op", "record_click"),
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		return
	}

	metrics.AnalyticsEvents.WithLabelValues(string(models.StatusClicked)).Inc()
}

// OnJobEvent creates the analytics record once a job has been handed to the
// provider.
func (s *Service) OnJobEvent(ctx context.Context, ev models.JobEvent) {
	if ev.Type != models.EventCompleted {
		return
	}

	req := ev.Job.Request
	s.RecordSent(ctx, ev.ProviderMessageID, req.Template, req.To, models.Metadata{
		models.MetaJobID:     ev.Job.ID,
		models.MetaSubject:   req.Subject,
		models.MetaPriority:  string(req.Priority),
		models.MetaAttempts:  strconv.Itoa(ev.Job.AttemptsMade + 1),
		models.MetaTransport: ev.Transport,
	})
}

// GetAnalytics rolls up records sent within the filter window, the trailing
// 24 hours by default.
func (s *Service) GetAnalytics(ctx context.Context, f Filter) (*Report, error) {
	if f.To.IsZero() {
		f.To = s.now()
	}
	if f.From.IsZero() {
		f.From = f.To.Add(-DefaultWindow)
	}
	f.From, f.To = f.From.UTC(), f.To.UTC()
	if !f.From.Before(f.To) {
		return nil, fmt.Errorf("%w: from %s is not before to %s", ErrInvalidPeriod, f.From.Format(time.RFC3339), f.To.Format(time.RFC3339))
	}

	report, err := s.store.Aggregate(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("aggregate analytics: %w", err)
	}
	report.Period = Period{From: f.From, To: f.To}
	return report, nil
}

func (s *Service) Get(ctx context.Context, messageID string) (*models.EmailAnalytic, error) {
	return s.store.Get(ctx, messageID)
}

// MessageForJob resolves the provider message id a job was sent as. Lookup
// failures are logged and reported as not found.
func (s *Service) MessageForJob(ctx context.Context, jobID string) (string, bool) {
	id, err := s.store.MessageIDForJob(ctx, jobID)
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.Warn("no analytics record for job", zap.String("job_id", jobID))
		return "", false
	case err != nil:
		s.logger.Error("analytics lookup failed",
			zap.String("op", "message_for_job"),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return "", false
	}
	return id, true
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// cleanMetadata drops keys outside the known set, logging what it dropped.
func (s *Service) cleanMetadata(messageID string, meta models.Metadata) models.Metadata {
	if len(meta) == 0 {
		return nil
	}
	if err := meta.Validate(); err == nil {
		return meta
	}

	out := make(models.Metadata, len(meta))
	for k, v := range meta {
		if (models.Metadata{k: v}).Validate() != nil {
			s.logger.Warn("dropping unknown metadata key",
				zap.String("message_id", messageID),
				zap.String("key", k),
			)
			continue
		}
		out[k] = v
	}
	return out
}
