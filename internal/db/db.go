// Package db is the postgres analytics backend.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"EventPost/internal/analytics"
	"EventPost/internal/models"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS email_analytics (
			message_id       TEXT PRIMARY KEY,
			template         TEXT NOT NULL,
			recipient        TEXT NOT NULL,
			status           TEXT NOT NULL,
			send_time        TIMESTAMPTZ NOT NULL,
			delivery_time    TIMESTAMPTZ,
			open_time        TIMESTAMPTZ,
			click_time       TIMESTAMPTZ,
			bounce_time      TIMESTAMPTZ,
			spam_time        TIMESTAMPTZ,
			unsubscribe_time TIMESTAMPTZ,
			bounce_reason    TEXT NOT NULL DEFAULT '',
			metadata         JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS email_analytic_links (
			message_id      TEXT NOT NULL REFERENCES email_analytics(message_id) ON DELETE CASCADE,
			url             TEXT NOT NULL,
			click_count     BIGINT NOT NULL DEFAULT 0,
			last_clicked    TIMESTAMPTZ NOT NULL,
			last_ip         TEXT NOT NULL DEFAULT '',
			last_user_agent TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (message_id, url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_email_analytics_send_time ON email_analytics(send_time)`,
		`CREATE INDEX IF NOT EXISTS idx_email_analytics_template ON email_analytics(template, send_time)`,
		`CREATE INDEX IF NOT EXISTS idx_email_analytics_recipient ON email_analytics(recipient, send_time)`,
		`CREATE INDEX IF NOT EXISTS idx_email_analytics_job_id ON email_analytics((metadata->>'job_id'))`,
	}

	for _, q := range queries {
		if _, err := s.Pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, rec *models.EmailAnalytic) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	tag, err := s.Pool.Exec(ctx,
		`INSERT INTO email_analytics
		 (message_id, template, recipient, status, send_time, bounce_reason, metadata)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (message_id) DO NOTHING`,
		rec.MessageID,
		rec.Template,
		rec.Recipient,
		string(rec.Status),
		rec.SendTime,
		rec.BounceReason,
		meta,
	)
	if err != nil {
		return fmt.Errorf("insert analytics %s: %w", rec.MessageID, err)
	}
	if tag.RowsAffected() == 0 {
		return analytics.ErrDuplicate
	}
	return nil
}

// ApplyEvent is a single UPDATE, so concurrent events on one message are
// serialised by the row lock.
func (s *Store) ApplyEvent(ctx context.Context, messageID string, ev analytics.Event) error {
	column := ev.Status.TimeField()
	if column == "" {
		return fmt.Errorf("unknown status %q", ev.Status)
	}

	meta, err := encodeMetadata(ev.Metadata)
	if err != nil {
		return err
	}

	// column comes from a fixed set of names, never from input.
	query := fmt.Sprintf(
		`UPDATE email_analytics
		 SET status=$2,
		     %s = GREATEST($3::timestamptz, send_time),
		     bounce_reason = $4,
		     metadata = metadata || $5::jsonb
		 WHERE message_id=$1`, column)

	tag, err := s.Pool.Exec(ctx, query,
		messageID,
		string(ev.Status),
		ev.At,
		ev.StoredReason(),
		meta,
	)
	if err != nil {
		return fmt.Errorf("apply %s to %s: %w", ev.Status, messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return analytics.ErrNotFound
	}
	return nil
}

func (s *Store) RecordClick(ctx context.Context, messageID string, c analytics.Click) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		var clickedAt time.Time
		err := tx.QueryRow(ctx,
			`UPDATE email_analytics
			 SET status=$2,
			     click_time = GREATEST($3::timestamptz, send_time),
			     bounce_reason = ''
			 WHERE message_id=$1
			 RETURNING click_time`,
			messageID,
			string(models.StatusClicked),
			c.At,
		).Scan(&clickedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return analytics.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("record click on %s: %w", messageID, err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO email_analytic_links
			 (message_id, url, click_count, last_clicked, last_ip, last_user_agent)
			 VALUES ($1,$2,1,$3,$4,$5)
			 ON CONFLICT (message_id, url) DO UPDATE
			 SET click_count = email_analytic_links.click_count + 1,
			     last_clicked = EXCLUDED.last_clicked,
			     last_ip = EXCLUDED.last_ip,
			     last_user_agent = EXCLUDED.last_user_agent`,
			messageID,
			c.URL,
			clickedAt,
			c.IP,
			c.UserAgent,
		)
		if err != nil {
			return fmt.Errorf("record link click on %s: %w", messageID, err)
		}
		return nil
	})
}

func (s *Store) MessageIDForJob(ctx context.Context, jobID string) (string, error) {
	var id string
	err := s.Pool.QueryRow(ctx,
		`SELECT message_id FROM email_analytics WHERE metadata->>'job_id' = $1 LIMIT 1`,
		jobID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", analytics.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find message for job %s: %w", jobID, err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, messageID string) (*models.EmailAnalytic, error) {
	var (
		rec    models.EmailAnalytic
		status string
		meta   []byte
	)
	err := s.Pool.QueryRow(ctx,
		`SELECT message_id, template, recipient, status, send_time,
		        delivery_time, open_time, click_time, bounce_time, spam_time, unsubscribe_time,
		        bounce_reason, metadata
		 FROM email_analytics WHERE message_id=$1`,
		messageID,
	).Scan(
		&rec.MessageID, &rec.Template, &rec.Recipient, &status, &rec.SendTime,
		&rec.DeliveryTime, &rec.OpenTime, &rec.ClickTime, &rec.BounceTime, &rec.SpamTime, &rec.UnsubscribeTime,
		&rec.BounceReason, &meta,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, analytics.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analytics %s: %w", messageID, err)
	}
	rec.Status = models.EmailStatus(status)

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", messageID, err)
		}
		if len(rec.Metadata) == 0 {
			rec.Metadata = nil
		}
	}

	rows, err := s.Pool.Query(ctx,
		`SELECT url, click_count, last_clicked, last_ip, last_user_agent
		 FROM email_analytic_links WHERE message_id=$1 ORDER BY url`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("get links for %s: %w", messageID, err)
	}
	defer rows.Close()

	rec.Links = []models.LinkStat{}
	for rows.Next() {
		var l models.LinkStat
		if err := rows.Scan(&l.URL, &l.ClickCount, &l.LastClicked, &l.LastIP, &l.LastUserAgent); err != nil {
			return nil, fmt.Errorf("scan link for %s: %w", messageID, err)
		}
		rec.Links = append(rec.Links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get links for %s: %w", messageID, err)
	}

	return &rec, nil
}

const windowClause = `a.send_time >= $1 AND a.send_time <= $2
	 AND ($3::text = '' OR a.template = $3::text)
	 AND ($4::text = '' OR a.recipient = $4::text)`

func (s *Store) Aggregate(ctx context.Context, f analytics.Filter) (*analytics.Report, error) {
	args := []any{f.From, f.To, f.Template, f.Recipient}
	report := &analytics.Report{}

	rows, err := s.Pool.Query(ctx,
		`SELECT a.status, COUNT(*), array_agg(DISTINCT a.template)
		 FROM email_analytics a
		 WHERE `+windowClause+`
		 GROUP BY a.status`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate status: %w", err)
	}
	for rows.Next() {
		var (
			sc     analytics.StatusCount
			status string
		)
		if err := rows.Scan(&status, &sc.Count, &sc.Templates); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status row: %w", err)
		}
		sc.Status = models.EmailStatus(status)
		report.StatusBreakdown = append(report.StatusBreakdown, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregate status: %w", err)
	}

	rows, err = s.Pool.Query(ctx,
		`SELECT l.url, SUM(l.click_count)::bigint, COUNT(DISTINCT a.recipient)
		 FROM email_analytic_links l
		 JOIN email_analytics a ON a.message_id = l.message_id
		 WHERE `+windowClause+`
		 GROUP BY l.url`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate clicks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var lc analytics.LinkClicks
		if err := rows.Scan(&lc.URL, &lc.TotalClicks, &lc.UniqueClicks); err != nil {
			return nil, fmt.Errorf("scan click row: %w", err)
		}
		report.ClickAnalytics = append(report.ClickAnalytics, lc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregate clicks: %w", err)
	}

	analytics.SortReport(report)
	return report, nil
}

func encodeMetadata(m models.Metadata) ([]byte, error) {
	if m == nil {
		m = models.Metadata{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}
