package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"EventPost/internal/analytics"
	"EventPost/internal/models"
	"EventPost/internal/signing"
)

const maxWebhookSize = 1 << 20

// providerEvent is one entry of an email event webhook.
type providerEvent struct {
	Event        string            `json:"event"`
	MessageID    string            `json:"messageId"`
	Timestamp    *time.Time        `json:"timestamp,omitempty"`
	BounceReason string            `json:"bounceReason,omitempty"`
	URL          string            `json:"url,omitempty"`
	IP           string            `json:"ip,omitempty"`
	UserAgent    string            `json:"userAgent,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type webhookResponse struct {
	Accepted int `json:"accepted"`
	Ignored  int `json:"ignored"`
}

// EmailEvents handles POST /webhooks/email-events. The body is one event or
// an array of them. Events for unknown messages are accepted and dropped by
// the analytics service.
func (h *Handler) EmailEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if h.opts.WebhookSecret != "" {
		err := signing.Verify(h.opts.WebhookSecret, body,
			r.Header.Get(signing.TimestampHeader),
			r.Header.Get(signing.SignatureHeader),
			time.Now(), signing.DefaultMaxSkew)
		if err != nil {
			h.log.Warn("webhook signature rejected", zap.Error(err))
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	events, err := decodeEvents(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var resp webhookResponse
	for _, ev := range events {
		if h.applyEvent(r, ev) {
			resp.Accepted++
		} else {
			resp.Ignored++
		}
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func decodeEvents(body []byte) ([]providerEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	if body[0] == '[' {
		var events []providerEvent
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, err
		}
		return events, nil
	}

	var ev providerEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return []providerEvent{ev}, nil
}

// applyEvent routes one provider event into analytics and reports whether it
// was usable.
func (h *Handler) applyEvent(r *http.Request, ev providerEvent) bool {
	status, ok := models.ParseEmailStatus(ev.Event)
	if !ok || status == models.StatusSent || ev.MessageID == "" {
		h.log.Debug("webhook event ignored",
			zap.String("event", ev.Event),
			zap.String("message_id", ev.MessageID),
		)
		return false
	}

	if status == models.StatusClicked && ev.URL != "" {
		h.analytics.RecordClick(r.Context(), ev.MessageID, ev.URL, ev.IP, ev.UserAgent)
		return true
	}

	extra := analytics.EventExtra{
		BounceReason: ev.BounceReason,
		Metadata:     models.Metadata(ev.Metadata),
	}
	if ev.Timestamp != nil {
		extra.At = *ev.Timestamp
	}
	h.analytics.RecordEvent(r.Context(), ev.MessageID, status, extra)
	return true
}

// TrackClick handles GET /track/click/{jobId}. Only links carrying a valid
// signature are recorded and followed.
func (h *Handler) TrackClick(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	target := r.URL.Query().Get("url")

	if err := h.opts.Tracking.VerifyClick(jobID, target, r.URL.Query().Get("sig")); err != nil {
		h.log.Warn("tracking link rejected", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusForbidden, "invalid tracking link")
		return
	}

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) url")
		return
	}

	if messageID, ok := h.analytics.MessageForJob(r.Context(), jobID); ok {
		h.analytics.RecordClick(r.Context(), messageID, target, r.RemoteAddr, r.UserAgent())
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// 1x1 transparent GIF.
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackOpen handles GET /track/open/{jobId}.
func (h *Handler) TrackOpen(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	if err := h.opts.Tracking.VerifyOpen(jobID, r.URL.Query().Get("sig")); err != nil {
		h.log.Warn("tracking pixel rejected", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusForbidden, "invalid tracking link")
		return
	}

	if messageID, ok := h.analytics.MessageForJob(r.Context(), jobID); ok {
		h.analytics.RecordEvent(r.Context(), messageID, models.StatusOpened, analytics.EventExtra{
			Metadata: models.Metadata{
				models.MetaIPAddress: r.RemoteAddr,
				models.MetaUserAgent: r.UserAgent(),
			},
		})
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, max-age=0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixel)
}
