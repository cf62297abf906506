// Package storetest holds the behaviour every analytics.Store backend must
// share. Backends call Run from their own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EventPost/internal/analytics"
	"EventPost/internal/models"
)

// Run exercises store. Every subtest writes its own message ids and a
// distinct send-time window, so one store can serve all of them.
func Run(t *testing.T, store analytics.Store) {
	t.Helper()

	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, store) })
	t.Run("DuplicateInsert", func(t *testing.T) { testDuplicateInsert(t, store) })
	t.Run("ApplyEvent", func(t *testing.T) { testApplyEvent(t, store) })
	t.Run("BounceReasonOnlyWhileBounced", func(t *testing.T) { testBounceReasonOnlyWhileBounced(t, store) })
	t.Run("ApplyEventUnknown", func(t *testing.T) { testApplyEventUnknown(t, store) })
	t.Run("TimestampFloor", func(t *testing.T) { testTimestampFloor(t, store) })
	t.Run("RecordClick", func(t *testing.T) { testRecordClick(t, store) })
	t.Run("ConcurrentClicks", func(t *testing.T) { testConcurrentClicks(t, store) })
	t.Run("MessageIDForJob", func(t *testing.T) { testMessageIDForJob(t, store) })
	t.Run("Aggregate", func(t *testing.T) { testAggregate(t, store) })
}

func at(year int, offset time.Duration) time.Time {
	return time.Date(year, 6, 1, 12, 0, 0, 0, time.UTC).Add(offset)
}

func insert(t *testing.T, store analytics.Store, id, template, recipient string, sent time.Time) {
	t.Helper()
	require.NoError(t, store.Insert(context.Background(), &models.EmailAnalytic{
		MessageID: id,
		Template:  template,
		Recipient: recipient,
		Status:    models.StatusSent,
		SendTime:  sent,
		Links:     []models.LinkStat{},
		Metadata:  models.Metadata{models.MetaJobID: "job-" + id},
	}))
}

func testInsertAndGet(t *testing.T, store analytics.Store) {
	ctx := context.Background()
	sent := at(2001, 0)
	insert(t, store, "ig-1", "booking-confirmation", "jane@example.com", sent)

	rec, err := store.Get(ctx, "ig-1")
	require.NoError(t, err)
	assert.Equal(t, "ig-1", rec.MessageID)
	assert.Equal(t, "booking-confirmation", rec.Template)
	assert.Equal(t, "jane@example.com", rec.Recipient)
	assert.Equal(t, models.StatusSent, rec.Status)
	assert.True(t, sent.Equal(rec.SendTime))
	assert.Nil(t, rec.DeliveryTime)
	assert.Empty(t, rec.Links)
	assert.Equal(t, "job-ig-1", rec.Metadata[models.MetaJobID])

	_, err = store.Get(ctx, "ig-missing")
	assert.ErrorIs(t, err, analytics.ErrNotFound)
}

func testDuplicateInsert(t *testing.T, store analytics.Store) {
	insert(t, store, "dup-1", "status-update", "jane@example.com", at(2002, 0))

	err := store.Insert(context.Background(), &models.EmailAnalytic{
		MessageID: "dup-1",
		Template:  "status-update",
		Recipient: "other@example.com",
		Status:    models.StatusSent,
		SendTime:  at(2002, time.Hour),
	})
	assert.ErrorIs(t, err, analytics.ErrDuplicate)
}

func testApplyEvent(t *testing.T, store analytics.Store) {
	ctx := context.Background()
	sent := at(2003, 0)
	insert(t, store, "ev-1", "booking-confirmation", "jane@example.com", sent)

	require.NoError(t, store.ApplyEvent(ctx, "ev-1", analytics.Event{
		Status: models.StatusDelivered,
		At:     sent.Add(time.Minute),
	}))
	require.NoError(t, store.ApplyEvent(ctx, "ev-1", analytics.Event{
		Status:       models.StatusBounced,
		At:           sent.Add(2 * time.Minute),
		BounceReason: "mailbox full",
		Metadata:     models.Metadata{models.MetaProviderEventID: "evt-1"},
	}))

	rec, err := store.Get(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBounced, rec.Status)
	require.NotNil(t, rec.DeliveryTime)
	assert.True(t, sent.Add(time.Minute).Equal(*rec.DeliveryTime))
	require.NotNil(t, rec.BounceTime)
	assert.True(t, sent.Add(2*time.Minute).Equal(*rec.BounceTime))
	assert.Equal(t, "mailbox full", rec.BounceReason)
	assert.Equal(t, "evt-1", rec.Metadata[models.MetaProviderEventID])
	assert.Equal(t, "job-ev-1", rec.Metadata[models.MetaJobID], "metadata is merged, not replaced")
}

func testBounceReasonOnlyWhileBounced(t *testing.T, store analytics.Store) {
	ctx := context.Background()
	sent := at(2009, 0)
	insert(t, store, "br-1", "booking-confirmation", "jane@example.com", sent)
	insert(t, store, "br-2", "booking-confirmation", "john@example.com", sent)

	require.NoError(t, store.ApplyEvent(ctx, "br-1", analytics.Event{
		Status:       models.StatusDelivered,
		At:           sent.Add(time.Minute),
		BounceReason: "should not be kept",
	}))
	rec, err := store.Get(ctx, "br-1")
	require.NoError(t, err)
	assert.Empty(t, rec.BounceReason)

	require.NoError(t, store.ApplyEvent(ctx, "br-1", analytics.Event{
		Status:       models.StatusBounced,
		At:           sent.Add(2 * time.Minute),
		BounceReason: "no such user",
	}))
	rec, err = store.Get(ctx, "br-1")
	require.NoError(t, err)
	assert.Equal(t, "no such user", rec.BounceReason)

	require.NoError(t, store.ApplyEvent(ctx, "br-1", analytics.Event{
		Status: models.StatusOpened,
		At:     sent.Add(3 * time.Minute),
	}))
	rec, err = store.Get(ctx, "br-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpened, rec.Status)
	assert.Empty(t, rec.BounceReason)

	require.NoError(t, store.ApplyEvent(ctx, "br-2", analytics.Event{
		Status:       models.StatusBounced,
		At:           sent.Add(time.Minute),
		BounceReason: "mailbox full",
	}))
	require.NoError(t, store.RecordClick(ctx, "br-2", analytics.Click{URL: "https://example.com/a", At: sent.Add(2 * time.Minute)}))
	rec, err = store.Get(ctx, "br-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClicked, rec.Status)
	assert.Empty(t, rec.BounceReason)
}

func testApplyEventUnknown(t *testing.T, store analytics.Store) {
	err := store.ApplyEvent(context.Background(), "ev-missing", analytics.Event{
		Status: models.StatusOpened,
		At:     at(2004, 0),
	})
	assert.ErrorIs(t, err, analytics.ErrNotFound)

	err = store.RecordClick(context.Background(), "ev-missing", analytics.Click{URL: "https://example.com", At: at(2004, 0)})
	assert.ErrorIs(t, err, analytics.ErrNotFound)
}

func testTimestampFloor(t *testing.T, store analytics.Store) {
	ctx := context.Background()
	sent := at(2005, 0)
	insert(t, store, "floor-1", "booking-confirmation", "jane@example.com", sent)

	require.NoError(t, store.ApplyEvent(ctx, "floor-1", analytics.Event{
		Status: models.StatusOpened,
		At:     sent.Add(-time.Hour),
	}))
	require.NoError(t, store.RecordClick(ctx, "floor-1", analytics.Click{
		URL: "https://example.com/a",
		At:  sent.Add(-time.Hour),
	}))

	rec, err := store.Get(ctx, "floor-1")
	require.NoError(t, err)
	require.NotNil(t, rec.OpenTime)
	assert.True(t, sent.Equal(*rec.OpenTime))
	require.NotNil(t, rec.ClickTime)
	assert.True(t, sent.Equal(*rec.ClickTime))
	require.Len(t, rec.Links, 1)
	assert.True(t, sent.Equal(rec.Links[0].LastClicked))
}

func testRecordClick(t *testing.T, store analytics.Store) {
	ctx := context.Background()
	sent := at(2006, 0)
	insert(t, store, "click-1", "booking-confirmation", "jane@example.com", sent)

	require.NoError(t, store.RecordClick(ctx, "click-1", analytics.Click{
		URL: "https://example.com/a", IP: "1.1.1.1", UserAgent: "ua-1", At: sent.Add(time.Minute),
	}))
	require.NoError(t, store.RecordClick(ctx, "click-1", analytics.Click{
		URL: "https://example.com/a", IP: "2.2.2.2", UserAgent: "ua-2", At: sent.Add(2 * time.Minute),
	}))
	require.NoError(t, store.RecordClick(ctx, "click-1", analytics.Click{
		URL: "https://example.com/b", At: sent.Add(3 * time.Minute),
	}))

	rec, err := store.Get(ctx, "click-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClicked, rec.Status)
	require.NotNil(t, rec.ClickTime)
	assert.True(t, sent.Add(3*time.Minute).Equal(*rec.ClickTime))

	links := map[string]models.LinkStat{}
	for _, l := range rec.Links {
		links[l.URL] = l
	}
	require.Len(t, links, 2)
	a := links["https://example.com/a"]
	assert.Equal(t, int64(2), a.ClickCount)
	assert.Equal(t, "2.2.2.2", a.LastIP)
	assert.Equal(t, "ua-2", a.LastUserAgent)
	assert.True(t, sent.Add(2*time.Minute).Equal(a.LastClicked))
	assert.Equal(t, int64(1), links["https://example.com/b"].ClickCount)
}

func testConcurrentClicks(t *testing.T, store analytics.Store) {
	ctx := context.Background()
	sent := at(2007, 0)
	insert(t, store, "race-1", "booking-confirmation", "jane@example.com", sent)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.RecordClick(ctx, "race-1", analytics.Click{URL: "https://example.com/a", At: sent.Add(time.Second)})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := store.Get(ctx, "race-1")
	require.NoError(t, err)
	require.Len(t, rec.Links, 1)
	assert.Equal(t, int64(n), rec.Links[0].ClickCount)
}

func testMessageIDForJob(t *testing.T, store analytics.Store) {
	ctx := context.Background()
	insert(t, store, "job-lookup-1", "booking-confirmation", "jane@example.com", at(2010, 0))

	id, err := store.MessageIDForJob(ctx, "job-job-lookup-1")
	require.NoError(t, err)
	assert.Equal(t, "job-lookup-1", id)

	_, err = store.MessageIDForJob(ctx, "job-nobody")
	assert.ErrorIs(t, err, analytics.ErrNotFound)
}

func testAggregate(t *testing.T, store analytics.Store) {
	ctx := context.Background()
	sent := at(2008, 0)

	insert(t, store, "agg-1", "booking-confirmation", "jane@example.com", sent)
	insert(t, store, "agg-2", "status-update", "john@example.com", sent.Add(time.Minute))
	insert(t, store, "agg-3", "booking-confirmation", "ann@example.com", sent.Add(2*time.Minute))
	insert(t, store, "agg-4", "password-reset", "ann@example.com", sent.Add(3*time.Minute))
	insert(t, store, "agg-out", "booking-confirmation", "late@example.com", sent.Add(48*time.Hour))

	require.NoError(t, store.ApplyEvent(ctx, "agg-2", analytics.Event{Status: models.StatusDelivered, At: sent.Add(time.Hour)}))
	require.NoError(t, store.ApplyEvent(ctx, "agg-4", analytics.Event{Status: models.StatusDelivered, At: sent.Add(time.Hour)}))
	for _, c := range []struct{ id, url string }{
		{"agg-1", "https://example.com/a"},
		{"agg-1", "https://example.com/a"},
		{"agg-3", "https://example.com/a"},
		{"agg-3", "https://example.com/b"},
		{"agg-out", "https://example.com/a"},
	} {
		require.NoError(t, store.RecordClick(ctx, c.id, analytics.Click{URL: c.url, At: sent.Add(time.Hour)}))
	}

	report, err := store.Aggregate(ctx, analytics.Filter{From: sent.Add(-time.Hour), To: sent.Add(time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, []analytics.StatusCount{
		{Status: models.StatusClicked, Count: 2, Templates: []string{"booking-confirmation"}},
		{Status: models.StatusDelivered, Count: 2, Templates: []string{"password-reset", "status-update"}},
	}, report.StatusBreakdown)
	assert.Equal(t, []analytics.LinkClicks{
		{URL: "https://example.com/a", TotalClicks: 3, UniqueClicks: 2},
		{URL: "https://example.com/b", TotalClicks: 1, UniqueClicks: 1},
	}, report.ClickAnalytics)

	byTemplate, err := store.Aggregate(ctx, analytics.Filter{
		From:     sent.Add(-time.Hour),
		To:       sent.Add(time.Hour),
		Template: "password-reset",
	})
	require.NoError(t, err)
	assert.Equal(t, []analytics.StatusCount{
		{Status: models.StatusDelivered, Count: 1, Templates: []string{"password-reset"}},
	}, byTemplate.StatusBreakdown)
	assert.Empty(t, byTemplate.ClickAnalytics)

	empty, err := store.Aggregate(ctx, analytics.Filter{From: at(1990, 0), To: at(1990, time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, empty.StatusBreakdown)
	assert.Empty(t, empty.ClickAnalytics)
}
