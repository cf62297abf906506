package analytics

import (
	"context"
	"sync"
	"time"

	"EventPost/internal/models"
)

// MemoryStore keeps records in process memory. Every update holds the write
// lock, so concurrent events on one record cannot lose each other.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.EmailAnalytic
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.EmailAnalytic)}
}

func (s *MemoryStore) Insert(_ context.Context, rec *models.EmailAnalytic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.MessageID]; ok {
		return ErrDuplicate
	}
	s.records[rec.MessageID] = clone(rec)
	return nil
}

func (s *MemoryStore) ApplyEvent(_ context.Context, messageID string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		return ErrNotFound
	}

	rec.Status = ev.Status
	rec.SetTime(ev.Status, NotBefore(ev.At, rec.SendTime))
	rec.BounceReason = ev.StoredReason()
	if len(ev.Metadata) > 0 {
		rec.Metadata = rec.Metadata.Merge(ev.Metadata)
	}
	return nil
}

func (s *MemoryStore) RecordClick(_ context.Context, messageID string, c Click) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		return ErrNotFound
	}

	at := NotBefore(c.At, rec.SendTime)

	idx := -1
	for i := range rec.Links {
		if rec.Links[i].URL == c.URL {
			idx = i
			break
		}
	}
	if idx < 0 {
		rec.Links = append(rec.Links, models.LinkStat{URL: c.URL})
		idx = len(rec.Links) - 1
	}

	link := &rec.Links[idx]
	link.ClickCount++
	link.LastClicked = at
	link.LastIP = c.IP
	link.LastUserAgent = c.UserAgent

	rec.Status = models.StatusClicked
	rec.SetTime(models.StatusClicked, at)
	rec.BounceReason = ""
	return nil
}

func (s *MemoryStore) Get(_ context.Context, messageID string) (*models.EmailAnalytic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

func (s *MemoryStore) MessageIDForJob(_ context.Context, jobID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, rec := range s.records {
		if rec.Metadata[models.MetaJobID] == jobID {
			return id, nil
		}
	}
	return "", ErrNotFound
}

func (s *MemoryStore) Aggregate(_ context.Context, f Filter) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type statusAcc struct {
		count     int64
		templates map[string]struct{}
	}
	type linkAcc struct {
		total      int64
		recipients map[string]struct{}
	}

	statuses := make(map[models.EmailStatus]*statusAcc)
	links := make(map[string]*linkAcc)

	for _, rec := range s.records {
		if !matches(rec, f) {
			continue
		}

		sa, ok := statuses[rec.Status]
		if !ok {
			sa = &statusAcc{templates: make(map[string]struct{})}
			statuses[rec.Status] = sa
		}
		sa.count++
		sa.templates[rec.Template] = struct{}{}

		for _, l := range rec.Links {
			la, ok := links[l.URL]
			if !ok {
				la = &linkAcc{recipients: make(map[string]struct{})}
				links[l.URL] = la
			}
			la.total += l.ClickCount
			la.recipients[rec.Recipient] = struct{}{}
		}
	}

	report := &Report{}
	for status, sa := range statuses {
		sc := StatusCount{Status: status, Count: sa.count, Templates: make([]string, 0, len(sa.templates))}
		for t := range sa.templates {
			sc.Templates = append(sc.Templates, t)
		}
		report.StatusBreakdown = append(report.StatusBreakdown, sc)
	}
	for url, la := range links {
		report.ClickAnalytics = append(report.ClickAnalytics, LinkClicks{
			URL:          url,
			TotalClicks:  la.total,
			UniqueClicks: int64(len(la.recipients)),
		})
	}

	SortReport(report)
	return report, nil
}

func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func matches(rec *models.EmailAnalytic, f Filter) bool {
	if rec.SendTime.Before(f.From) || rec.SendTime.After(f.To) {
		return false
	}
	if f.Template != "" && rec.Template != f.Template {
		return false
	}
	if f.Recipient != "" && rec.Recipient != f.Recipient {
		return false
	}
	return true
}

func clone(rec *models.EmailAnalytic) *models.EmailAnalytic {
	out := *rec
	out.Links = append([]models.LinkStat{}, rec.Links...)
	if rec.Metadata != nil {
		out.Metadata = rec.Metadata.Merge(nil)
	}
	out.DeliveryTime = copyTime(rec.DeliveryTime)
	out.OpenTime = copyTime(rec.OpenTime)
	out.ClickTime = copyTime(rec.ClickTime)
	out.BounceTime = copyTime(rec.BounceTime)
	out.SpamTime = copyTime(rec.SpamTime)
	out.UnsubscribeTime = copyTime(rec.UnsubscribeTime)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
