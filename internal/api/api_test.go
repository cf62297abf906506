package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"EventPost/internal/analytics"
	"EventPost/internal/csvparser"
	"EventPost/internal/health"
	"EventPost/internal/metrics"
	"EventPost/internal/models"
	"EventPost/internal/queue"
	"EventPost/internal/signing"
	"EventPost/internal/tracking"
)

type testEnv struct {
	srv       *httptest.Server
	mr        *miniredis.Miniredis
	broker    *queue.Broker
	analytics *analytics.Service
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	logger := zap.NewNop()
	broker := queue.NewBroker(client, queue.Config{})
	svc := analytics.NewService(analytics.NewMemoryStore(), logger)

	server := NewServer(Deps{
		Queue:     broker,
		Analytics: svc,
		Reporter:  metrics.NewReporter(broker, 0, logger),
		Checks: health.Checks{
			"redis":     broker.Ping,
			"analytics": svc.Ping,
		},
		Logger: logger,
	}, opts)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, mr: mr, broker: broker, analytics: svc}
}

func (e *testEnv) postJSON(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestQueueEmail(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	resp := env.postJSON(t, "/api/v1/emails", `{
		"to": "jane@example.com",
		"subject": "Your booking",
		"template": "booking-confirmation",
		"data": {"name": "Jane"},
		"priority": "high"
	}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var queued queuedResponse
	decode(t, resp, &queued)
	assert.True(t, strings.HasPrefix(queued.ID, "job_"))
	assert.Equal(t, models.JobWaiting, queued.State)

	job, err := env.broker.Get(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", job.Request.To)
	assert.Equal(t, models.PriorityHigh, job.Request.Priority)

	jobResp := env.get(t, "/api/v1/emails/jobs/"+queued.ID)
	require.Equal(t, http.StatusOK, jobResp.StatusCode)
	var got models.Job
	decode(t, jobResp, &got)
	assert.Equal(t, queued.ID, got.ID)
	assert.Equal(t, "booking-confirmation", got.Request.Template)
}

func TestQueueEmail_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"malformed json", `{"to":`, ""},
		{"bad recipient", `{"to":"nope","subject":"Hi","template":"status-update"}`, "to"},
		{"missing subject", `{"to":"jane@example.com","template":"status-update"}`, "subject"},
		{"bad priority", `{"to":"jane@example.com","subject":"Hi","template":"status-update","priority":"urgent"}`, "priority"},
		{"unknown template", `{"to":"jane@example.com","subject":"Hi","template":"newsletter"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.postJSON(t, "/api/v1/emails", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body errorResponse
			decode(t, resp, &body)
			assert.NotEmpty(t, body.Error)
			if tt.wantField != "" {
				assert.Contains(t, body.Fields, tt.wantField)
			}
		})
	}

	counts, err := env.broker.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[models.JobWaiting])
}

func TestQueueEmail_QueueUnavailable(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	env.mr.Close()

	resp := env.postJSON(t, "/api/v1/emails", `{"to":"jane@example.com","subject":"Hi","template":"status-update"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	resp := env.get(t, "/api/v1/emails/jobs/job_missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueBulk(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("subject", "Doors open at 9"))
	require.NoError(t, mw.WriteField("template", "status-update"))
	fw, err := mw.CreateFormFile("file", "attendees.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("Email,name\njane@example.com,Jane\nnot-an-address,Bob\njohn@example.com,John\nbroken\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.srv.URL+"/api/v1/emails/bulk", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body bulkResponse
	decode(t, resp, &body)
	assert.Equal(t, 2, body.Queued)
	assert.Len(t, body.IDs, 2)
	assert.Equal(t, []csvparser.SkippedRow{
		{Line: 5, Reason: csvparser.SkipColumnCount},
		{Line: 3, Email: "not-an-address", Reason: "invalid email"},
	}, body.Skipped)

	job, err := env.broker.Get(context.Background(), body.IDs[0])
	require.NoError(t, err)
	assert.Equal(t, "Doors open at 9", job.Request.Subject)
	assert.Equal(t, "Jane", job.Request.Data["name"])
}

func TestQueueBulk_RejectsOversizedUpload(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{MaxBulkRows: 2})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("subject", "Hi"))
	require.NoError(t, mw.WriteField("template", "status-update"))
	fw, err := mw.CreateFormFile("file", "attendees.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("Email\na@example.com\nb@example.com\nc@example.com\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.srv.URL+"/api/v1/emails/bulk", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	counts, err := env.broker.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[models.JobWaiting])
}

func TestQueueBulk_RejectsUnknownTemplate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("subject", "Hi"))
	require.NoError(t, mw.WriteField("template", "newsletter"))
	fw, err := mw.CreateFormFile("file", "attendees.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("Email\njane@example.com\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.srv.URL+"/api/v1/emails/bulk", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEmailEvents(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	env.analytics.RecordSent(ctx, "msg-1", "booking-confirmation", "jane@example.com", nil)

	resp := env.postJSON(t, "/webhooks/email-events", `[
		{"event": "delivered", "messageId": "msg-1"},
		{"event": "exploded", "messageId": "msg-1"},
		{"event": "clicked", "messageId": "msg-1", "url": "https://example.com/tickets", "ip": "10.0.0.1"},
		{"event": "opened", "messageId": "unknown-id"}
	]`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body webhookResponse
	decode(t, resp, &body)
	assert.Equal(t, webhookResponse{Accepted: 3, Ignored: 1}, body)

	rec, err := env.analytics.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClicked, rec.Status)
	assert.NotNil(t, rec.DeliveryTime)
	require.Len(t, rec.Links, 1)
	assert.Equal(t, int64(1), rec.Links[0].ClickCount)
}

func TestEmailEvents_SingleObject(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	env.analytics.RecordSent(ctx, "msg-2", "status-update", "jane@example.com", nil)

	resp := env.postJSON(t, "/webhooks/email-events", `{"event":"bounced","messageId":"msg-2","bounceReason":"mailbox full"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	rec, err := env.analytics.Get(ctx, "msg-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBounced, rec.Status)
	assert.Equal(t, "mailbox full", rec.BounceReason)

	bad := env.postJSON(t, "/webhooks/email-events", `not json`)
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestEmailEvents_Signature(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{WebhookSecret: "whsec"})

	payload := []byte(`{"event":"delivered","messageId":"msg-1"}`)

	unsigned := env.postJSON(t, "/webhooks/email-events", string(payload))
	assert.Equal(t, http.StatusUnauthorized, unsigned.StatusCode)

	now := time.Now()
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/webhooks/email-events", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.TimestampHeader, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(signing.SignatureHeader, signing.Sign("whsec", payload, now))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestTracking(t *testing.T) {
	t.Parallel()
	links := tracking.NewLinks("https://t.example.com", "track-secret")
	env := newTestEnv(t, Options{Tracking: links})
	ctx := context.Background()

	env.analytics.RecordSent(ctx, "msg-3", "exhibitor-booking", "jane@example.com", models.Metadata{
		models.MetaJobID: "job-3",
	})

	open := env.get(t, strings.TrimPrefix(links.OpenURL("job-3"), "https://t.example.com"))
	assert.Equal(t, http.StatusOK, open.StatusCode)
	assert.Equal(t, "image/gif", open.Header.Get("Content-Type"))

	rec, err := env.analytics.Get(ctx, "msg-3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpened, rec.Status)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	click, err := client.Get(env.srv.URL + strings.TrimPrefix(links.ClickURL("job-3", "https://example.com/booth"), "https://t.example.com"))
	require.NoError(t, err)
	defer click.Body.Close()
	assert.Equal(t, http.StatusFound, click.StatusCode)
	assert.Equal(t, "https://example.com/booth", click.Header.Get("Location"))

	rec, err = env.analytics.Get(ctx, "msg-3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClicked, rec.Status)
	require.Len(t, rec.Links, 1)
	assert.Equal(t, "https://example.com/booth", rec.Links[0].URL)

	bad := env.get(t, strings.TrimPrefix(links.ClickURL("job-3", "javascript:alert(1)"), "https://t.example.com"))
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestTracking_RejectsUnsignedLinks(t *testing.T) {
	t.Parallel()
	links := tracking.NewLinks("https://t.example.com", "track-secret")
	env := newTestEnv(t, Options{Tracking: links})
	ctx := context.Background()

	env.analytics.RecordSent(ctx, "msg-4", "status-update", "jane@example.com", models.Metadata{
		models.MetaJobID: "job-4",
	})

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	signed, err := url.Parse(links.ClickURL("job-4", "https://example.com/booth"))
	require.NoError(t, err)
	forged := signed.Query()
	forged.Set("url", "https://evil.example")

	for _, path := range []string{
		"/track/click/job-4?url=https%3A%2F%2Fevil.example",
		"/track/click/job-4?" + forged.Encode(),
		"/track/open/job-4",
		"/track/open/job-4?sig=deadbeef",
	} {
		resp, err := client.Get(env.srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
		assert.Empty(t, resp.Header.Get("Location"), path)
	}

	rec, err := env.analytics.Get(ctx, "msg-4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, rec.Status)
	assert.Empty(t, rec.Links)
}

func TestTracking_RoutesOffWithoutSecret(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	resp := env.get(t, "/track/click/job-1?url=https%3A%2F%2Fexample.com")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetAnalytics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	env.analytics.RecordSent(ctx, "msg-a", "booking-confirmation", "jane@example.com", nil)
	env.analytics.RecordSent(ctx, "msg-b", "status-update", "john@example.com", nil)
	env.analytics.RecordEvent(ctx, "msg-b", models.StatusDelivered, analytics.EventExtra{})

	resp := env.get(t, "/api/v1/analytics?period=24h")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report analytics.Report
	decode(t, resp, &report)
	require.Len(t, report.StatusBreakdown, 2)
	assert.Equal(t, int64(1), report.StatusBreakdown[0].Count)
	assert.Empty(t, report.ClickAnalytics)
	assert.Equal(t, 24*time.Hour, report.Period.To.Sub(report.Period.From))

	filtered := env.get(t, "/api/v1/analytics?template=status-update")
	require.Equal(t, http.StatusOK, filtered.StatusCode)
	var only analytics.Report
	decode(t, filtered, &only)
	require.Len(t, only.StatusBreakdown, 1)
	assert.Equal(t, models.StatusDelivered, only.StatusBreakdown[0].Status)

	tests := []struct {
		name  string
		query string
	}{
		{"bad period", "period=soon"},
		{"bad from", "from=yesterday"},
		{"inverted window", "from=2025-03-02T00:00:00Z&to=2025-03-01T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.get(t, "/api/v1/analytics?"+tt.query)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestGetMessage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	env.analytics.RecordSent(context.Background(), "msg-4", "password-reset", "jane@example.com", nil)

	resp := env.get(t, "/api/v1/analytics/messages/msg-4")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec models.EmailAnalytic
	decode(t, resp, &rec)
	assert.Equal(t, "password-reset", rec.Template)

	missing := env.get(t, "/api/v1/analytics/messages/nope")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestQueueStats(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	_, err := env.broker.Enqueue(context.Background(), models.SendRequest{
		To: "jane@example.com", Subject: "Hi", Template: "status-update",
	}, queue.Options{})
	require.NoError(t, err)

	resp := env.get(t, "/api/v1/queue/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap metrics.Snapshot
	decode(t, resp, &snap)
	assert.Equal(t, int64(1), snap.Counts[models.JobWaiting])
	assert.Zero(t, snap.SuccessRate)

	breakdown := env.get(t, "/api/v1/queue/breakdown")
	assert.Equal(t, http.StatusOK, breakdown.StatusCode)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	live := env.get(t, "/health/live")
	assert.Equal(t, http.StatusOK, live.StatusCode)

	ready := env.get(t, "/health/ready")
	require.Equal(t, http.StatusOK, ready.StatusCode)
	var body health.Response
	decode(t, ready, &body)
	assert.Equal(t, health.StatusHealthy, body.Status)
	assert.Contains(t, body.Checks, "redis")

	env.mr.Close()
	down := env.get(t, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, down.StatusCode)
}

func TestParsePeriod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"24h", 24 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"0d", 0, true},
		{"-1h", 0, true},
		{"week", 0, true},
		{"3660d", 3660 * 24 * time.Hour, false},
		{"3661d", 0, true},
		{"200000d", 0, true},
		{"99999999999999999999d", 0, true},
		{"100000h", 0, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := parsePeriod(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
