package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"EventPost/internal/analytics"
)

// maxPeriodDays bounds period= so the window start cannot overflow.
const maxPeriodDays = 3660

// GetAnalytics handles GET /api/v1/analytics. The window is either
// period=<duration> ending now (24h, 7d) or explicit RFC3339 from/to.
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := analytics.Filter{
		Template:  q.Get("template"),
		Recipient: q.Get("recipient"),
	}

	if p := q.Get("period"); p != "" {
		d, err := parsePeriod(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.To = time.Now().UTC()
		f.From = f.To.Add(-d)
	}

	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be an RFC3339 timestamp", name))
			return
		}
		*dst = t
	}

	report, err := h.analytics.GetAnalytics(r.Context(), f)
	switch {
	case errors.Is(err, analytics.ErrInvalidPeriod):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.Error("analytics query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// GetMessage handles GET /api/v1/analytics/messages/{id}.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	rec, err := h.analytics.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, analytics.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
		return
	case err != nil:
		h.log.Error("analytics lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// parsePeriod accepts Go durations plus a whole-day "Nd" form.
func parsePeriod(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid period %q", s)
		}
		if n > maxPeriodDays {
			return 0, fmt.Errorf("period %q is longer than %d days", s, maxPeriodDays)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid period %q", s)
	}
	if d > maxPeriodDays*24*time.Hour {
		return 0, fmt.Errorf("period %q is longer than %d days", s, maxPeriodDays)
	}
	return d, nil
}
