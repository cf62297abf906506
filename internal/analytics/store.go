// Package analytics records what happened to each delivered message after it
// left the queue: delivery, opens, clicks, bounces.
package analytics

import (
	"context"
	"errors"
	"sort"
	"time"

	"EventPost/internal/models"
)

var (
	ErrNotFound      = errors.New("analytics record not found")
	ErrDuplicate     = errors.New("analytics record already exists")
	ErrInvalidPeriod = errors.New("invalid analytics period")
)

// Event is a status change reported for a message. At is never stored
// earlier than the record's send time.
type Event struct {
	Status       models.EmailStatus
	At           time.Time
	BounceReason string
	Metadata     models.Metadata
}

// StoredReason is the bounce reason a record holds after ev. Any status other
// than bounced clears it.
func (ev Event) StoredReason() string {
	if ev.Status != models.StatusBounced {
		return ""
	}
	return ev.BounceReason
}

type Click struct {
	URL       string
	IP        string
	UserAgent string
	At        time.Time
}

// Filter selects records by send time. Empty Template and Recipient match
// everything.
type Filter struct {
	Template  string
	Recipient string
	From      time.Time
	To        time.Time
}

type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type StatusCount struct {
	Status    models.EmailStatus `json:"status"`
	Count     int64              `json:"count"`
	Templates []string           `json:"templates"`
}

// LinkClicks rolls up one URL. UniqueClicks counts distinct recipients.
type LinkClicks struct {
	URL          string `json:"url"`
	TotalClicks  int64  `json:"totalClicks"`
	UniqueClicks int64  `json:"uniqueClicks"`
}

type Report struct {
	Period          Period        `json:"period"`
	StatusBreakdown []StatusCount `json:"statusBreakdown"`
	ClickAnalytics  []LinkClicks  `json:"clickAnalytics"`
}

// Store persists analytics records. Updates to a single record must be
// atomic in the backend; callers never read-modify-write.
type Store interface {
	Insert(ctx context.Context, rec *models.EmailAnalytic) error
	ApplyEvent(ctx context.Context, messageID string, ev Event) error
	RecordClick(ctx context.Context, messageID string, c Click) error
	Get(ctx context.Context, messageID string) (*models.EmailAnalytic, error)
	// MessageIDForJob finds the record whose job_id metadata is jobID.
	MessageIDForJob(ctx context.Context, jobID string) (string, error)
	Aggregate(ctx context.Context, f Filter) (*Report, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// SortReport puts the breakdowns in display order: busiest first, then by
// name. Backends call it before returning a report.
func SortReport(r *Report) {
	sort.Slice(r.StatusBreakdown, func(i, j int) bool {
		a, b := r.StatusBreakdown[i], r.StatusBreakdown[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Status < b.Status
	})
	for i := range r.StatusBreakdown {
		sort.Strings(r.StatusBreakdown[i].Templates)
	}
	sort.Slice(r.ClickAnalytics, func(i, j int) bool {
		a, b := r.ClickAnalytics[i], r.ClickAnalytics[j]
		if a.TotalClicks != b.TotalClicks {
			return a.TotalClicks > b.TotalClicks
		}
		return a.URL < b.URL
	})
	if r.StatusBreakdown == nil {
		r.StatusBreakdown = []StatusCount{}
	}
	if r.ClickAnalytics == nil {
		r.ClickAnalytics = []LinkClicks{}
	}
}

// NotBefore returns at, or floor when at is earlier.
func NotBefore(at, floor time.Time) time.Time {
	if at.Before(floor) {
		return floor
	}
	return at
}
