// Package api is the HTTP surface over the delivery queue and analytics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"EventPost/internal/analytics"
	"EventPost/internal/csvparser"
	"EventPost/internal/logging"
	"EventPost/internal/metrics"
	"EventPost/internal/models"
	"EventPost/internal/queue"
	"EventPost/internal/templates"
)

const (
	maxRequestSize = 256 * 1024
	maxUploadSize  = 10 << 20

	defaultMaxBulkRows = 10000
)

// Queue is the producer side of the delivery queue.
type Queue interface {
	Enqueue(ctx context.Context, req models.SendRequest, opts queue.Options) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
}

type Reporter interface {
	Snapshot(ctx context.Context) (*metrics.Snapshot, error)
	Breakdown(ctx context.Context) (*metrics.Breakdown, error)
}

type Handler struct {
	queue     Queue
	analytics *analytics.Service
	reporter  Reporter
	validator *validator.Validate
	opts      Options
	log       *zap.Logger
}

func NewHandler(deps Deps, opts Options) *Handler {
	if opts.MaxBulkRows <= 0 {
		opts.MaxBulkRows = defaultMaxBulkRows
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		queue:     deps.Queue,
		analytics: deps.Analytics,
		reporter:  deps.Reporter,
		validator: v,
		opts:      opts,
		log:       deps.Logger.Named("api"),
	}
}

type queuedResponse struct {
	ID    string          `json:"id"`
	State models.JobState `json:"state"`
}

// QueueEmail handles POST /api/v1/emails.
func (h *Handler) QueueEmail(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)

	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validate(req); err != nil {
		writeValidationError(w, err)
		return
	}

	job, err := h.queue.Enqueue(r.Context(), req, queue.Options{Priority: req.Priority})
	if err != nil {
		h.enqueueFailed(w, req, err)
		return
	}

	h.log.Info("email queued",
		zap.String("job_id", job.ID),
		zap.String("template", req.Template),
		logging.Recipient(req.To),
	)

	writeJSON(w, http.StatusAccepted, queuedResponse{ID: job.ID, State: job.State})
}

type bulkResponse struct {
	Queued  int                    `json:"queued"`
	IDs     []string               `json:"ids"`
	Skipped []csvparser.SkippedRow `json:"skipped,omitempty"`
}

const skipInvalidEmail = "invalid email"

// QueueBulk handles POST /api/v1/emails/bulk: a multipart CSV upload in the
// "file" field, one recipient per row, sharing the subject and template form
// values.
func (h *Handler) QueueBulk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	list, err := csvparser.ParseRecipientRows(file, h.opts.MaxBulkRows)
	switch {
	case errors.Is(err, csvparser.ErrTooManyRows):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	priority := models.Priority(strings.ToLower(r.FormValue("priority")))
	reqs := csvparser.Requests(list.Rows, r.FormValue("subject"), r.FormValue("template"), priority)

	// The shared fields decide the whole upload; bad addresses only skip
	// their own row.
	if len(reqs) > 0 {
		sample := reqs[0]
		sample.To = "check@example.com"
		if err := h.validate(sample); err != nil {
			writeValidationError(w, err)
			return
		}
	}

	resp := bulkResponse{IDs: make([]string, 0, len(reqs)), Skipped: list.Skipped}
	for i, req := range reqs {
		if err := h.validate(req); err != nil {
			resp.Skipped = append(resp.Skipped, csvparser.SkippedRow{
				Line:   list.Rows[i].Line,
				Email:  req.To,
				Reason: skipInvalidEmail,
			})
			continue
		}

		job, err := h.queue.Enqueue(r.Context(), req, queue.Options{Priority: req.Priority})
		if err != nil {
			h.log.Error("bulk enqueue interrupted",
				zap.Int("queued", len(resp.IDs)),
				zap.Int("total", len(reqs)),
				zap.Error(err),
			)
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"error":  "email queue unavailable",
				"queued": len(resp.IDs),
				"ids":    resp.IDs,
			})
			return
		}
		resp.IDs = append(resp.IDs, job.ID)
	}
	resp.Queued = len(resp.IDs)

	h.log.Info("bulk emails queued",
		zap.Int("queued", resp.Queued),
		zap.Int("skipped", len(resp.Skipped)),
		zap.String("template", r.FormValue("template")),
	)

	writeJSON(w, http.StatusAccepted, resp)
}

// GetJob handles GET /api/v1/emails/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, queue.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "email queue unavailable")
		return
	case err != nil:
		h.log.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// QueueStats handles GET /api/v1/queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.reporter.Snapshot(r.Context())
	if err != nil {
		h.log.Error("queue snapshot failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "email queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// QueueBreakdown handles GET /api/v1/queue/breakdown.
func (h *Handler) QueueBreakdown(w http.ResponseWriter, r *http.Request) {
	b, err := h.reporter.Breakdown(r.Context())
	if err != nil {
		h.log.Error("queue breakdown failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "email queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) validate(req models.SendRequest) error {
	if err := h.validator.Struct(req); err != nil {
		return err
	}
	if !templates.InCatalog(req.Template) {
		return errors.New("unknown template " + req.Template)
	}
	return nil
}

func (h *Handler) enqueueFailed(w http.ResponseWriter, req models.SendRequest, err error) {
	h.log.Error("enqueue failed",
		zap.String("template", req.Template),
		logging.Recipient(req.To),
		zap.Error(err),
	)
	if errors.Is(err, queue.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "email queue unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}
