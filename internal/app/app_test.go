package app

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"EventPost/internal/config"
	"EventPost/internal/email"
	"EventPost/internal/models"
	"EventPost/internal/queue"
)

type outbox struct {
	mu   sync.Mutex
	sent []*email.Message
}

func (o *outbox) Name() string { return "outbox" }

func (o *outbox) Send(_ context.Context, msg *email.Message) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return fmt.Sprintf("msg-%d", len(o.sent)), nil
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

func testConfig(redisAddr string) *config.Config {
	return &config.Config{
		Transport:          "smtp",
		SMTPHost:           "localhost",
		SMTPPort:           1025,
		MailFrom:           "EventPost <noreply@eventpost.local>",
		RedisURL:           "redis://" + redisAddr,
		QueuePrefix:        "test:mail",
		WorkerCount:        2,
		RateLimit:          100,
		MaxAttempts:        3,
		BackoffBase:        10 * time.Millisecond,
		JobTimeout:         time.Second,
		PollInterval:       5 * time.Millisecond,
		CompletedRetention: time.Hour,
		FailedRetention:    time.Hour,
		SweepInterval:      time.Hour,
		AnalyticsDriver:    "memory",
		AppName:            "EventPost",
	}
}

func TestApp_QueueToAnalytics(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	box := &outbox{}
	a, err := New(ctx, testConfig(mr.Addr()), zap.NewNop(), WithTransport(box))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv := httptest.NewServer(a.APIServer().Handler())
	t.Cleanup(srv.Close)

	a.StartBackground(ctx)

	resp, err := http.Post(srv.URL+"/api/v1/emails", "application/json", strings.NewReader(
		`{"to":"jane@example.com","subject":"Your ticket","template":"booking-confirmation","data":{"name":"Jane"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var queued struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&queued))

	require.Eventually(t, func() bool {
		job, err := a.Broker.Get(ctx, queued.ID)
		return err == nil && job.State == models.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, box.count())
	assert.Contains(t, box.sent[0].HTML, "Jane")
	assert.Equal(t, "Your ticket", box.sent[0].Subject)

	require.Eventually(t, func() bool {
		_, err := a.Analytics.Get(ctx, "msg-1")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	rec, err := a.Analytics.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, rec.Status)
	assert.Equal(t, queued.ID, rec.Metadata[models.MetaJobID])
	assert.Equal(t, "outbox", rec.Metadata[models.MetaTransport])
	assert.Equal(t, "1", rec.Metadata[models.MetaAttempts])

	cancel()
	a.StopBackground()
}

func TestApp_TrackedDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(mr.Addr())
	cfg.TrackingBaseURL = "https://t.example.com"
	cfg.TrackingSecret = "track-secret"

	box := &outbox{}
	a, err := New(ctx, cfg, zap.NewNop(), WithTransport(box))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv := httptest.NewServer(a.APIServer().Handler())
	t.Cleanup(srv.Close)

	a.StartBackground(ctx)

	job, err := a.Broker.Enqueue(ctx, models.SendRequest{
		To:       "jane@example.com",
		Subject:  "Reset",
		Template: "password-reset",
		Data:     map[string]interface{}{"reset_url": "https://example.com/reset?token=abc"},
	}, queue.Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := a.Analytics.Get(ctx, "msg-1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, box.count())
	body := box.sent[0].HTML
	assert.NotContains(t, body, `href="https://example.com/reset`)
	assert.Contains(t, body, `href="https://t.example.com/track/click/`+job.ID+`?sig=`)

	pixel := regexp.MustCompile(`<img src="https://t\.example\.com(/track/open/[^"]+)"`).FindStringSubmatch(body)
	require.Len(t, pixel, 2)

	resp, err := http.Get(srv.URL + html.UnescapeString(pixel[1]))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rec, err := a.Analytics.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpened, rec.Status)

	cancel()
	a.StopBackground()
}

func TestNewTransport(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		transport string
		want      string
		wantErr   bool
	}{
		{"smtp", "smtp", false},
		{"resend", "resend", false},
		{"pigeon", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.transport, func(t *testing.T) {
			cfg := &config.Config{Transport: tt.transport, ResendAPIKey: "re_test", MailFrom: "noreply@eventpost.local"}
			tr, err := NewTransport(ctx, cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tr.Name())
		})
	}
}

func TestOpenStore(t *testing.T) {
	store, err := OpenStore(context.Background(), &config.Config{AnalyticsDriver: "memory"})
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))

	_, err = OpenStore(context.Background(), &config.Config{AnalyticsDriver: "sqlite"})
	assert.Error(t, err)
}

func TestNew_RedisUnavailable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	cfg := testConfig("127.0.0.1:1")
	_, err := New(ctx, cfg, zap.NewNop(), WithTransport(&outbox{}))
	assert.Error(t, err)
}
