// Package docstore is the MongoDB analytics backend. Each message is one
// document with its links embedded.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"EventPost/internal/analytics"
	"EventPost/internal/models"
)

const collectionName = "email_analytics"

type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func New(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return &Store{
		client: client,
		coll:   client.Database(database).Collection(collectionName),
	}, nil
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "send_time", Value: 1}}},
		{Keys: bson.D{{Key: "template", Value: 1}, {Key: "send_time", Value: 1}}},
		{Keys: bson.D{{Key: "recipient", Value: 1}, {Key: "send_time", Value: 1}}},
		{Keys: bson.D{{Key: "metadata.job_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, rec *models.EmailAnalytic) error {
	doc := *rec
	if doc.Links == nil {
		doc.Links = []models.LinkStat{}
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return analytics.ErrDuplicate
		}
		return fmt.Errorf("insert analytics %s: %w", rec.MessageID, err)
	}
	return nil
}

// ApplyEvent uses a pipeline update so the timestamp floor is computed
// against the stored send_time in the same write.
func (s *Store) ApplyEvent(ctx context.Context, messageID string, ev analytics.Event) error {
	field := ev.Status.TimeField()
	if field == "" {
		return fmt.Errorf("unknown status %q", ev.Status)
	}

	set := bson.D{
		{Key: "status", Value: string(ev.Status)},
		{Key: field, Value: bson.D{{Key: "$max", Value: bson.A{ev.At, "$send_time"}}}},
		{Key: "bounce_reason", Value: literal(ev.StoredReason())},
	}
	for k, v := range ev.Metadata {
		if !safeKey(k) {
			continue
		}
		set = append(set, bson.E{Key: "metadata." + k, Value: literal(v)})
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": messageID},
		mongo.Pipeline{{{Key: "$set", Value: set}}},
	)
	if err != nil {
		return fmt.Errorf("apply %s to %s: %w", ev.Status, messageID, err)
	}
	if res.MatchedCount == 0 {
		return analytics.ErrNotFound
	}
	return nil
}

// RecordClick increments an existing link in place, or pushes a new one when
// the url has not been seen. A lost race on the push falls back to the
// increment.
func (s *Store) RecordClick(ctx context.Context, messageID string, c analytics.Click) error {
	var head struct {
		SendTime time.Time `bson:"send_time"`
	}
	err := s.coll.FindOne(ctx, bson.M{"_id": messageID},
		options.FindOne().SetProjection(bson.M{"send_time": 1}),
	).Decode(&head)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return analytics.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("record click on %s: %w", messageID, err)
	}

	at := analytics.NotBefore(c.At, head.SendTime)

	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": messageID, "links.url": c.URL},
			bson.M{
				"$inc": bson.M{"links.$[l].click_count": 1},
				"$set": bson.M{
					"links.$[l].last_clicked":    at,
					"links.$[l].last_ip":         c.IP,
					"links.$[l].last_user_agent": c.UserAgent,
					"status":                     string(models.StatusClicked),
					"click_time":                 at,
					"bounce_reason":              "",
				},
			},
			options.Update().SetArrayFilters(options.ArrayFilters{
				Filters: []interface{}{bson.M{"l.url": c.URL}},
			}),
		)
		if err != nil {
			return fmt.Errorf("record click on %s: %w", messageID, err)
		}
		if res.MatchedCount > 0 {
			return nil
		}

		res, err = s.coll.UpdateOne(ctx,
			bson.M{"_id": messageID, "links.url": bson.M{"$ne": c.URL}},
			bson.M{
				"$push": bson.M{"links": models.LinkStat{
					URL:           c.URL,
					ClickCount:    1,
					LastClicked:   at,
					LastIP:        c.IP,
					LastUserAgent: c.UserAgent,
				}},
				"$set": bson.M{
					"status":        string(models.StatusClicked),
					"click_time":    at,
					"bounce_reason": "",
				},
			},
		)
		if err != nil {
			return fmt.Errorf("record click on %s: %w", messageID, err)
		}
		if res.MatchedCount > 0 {
			return nil
		}
	}

	return fmt.Errorf("record click on %s: link update kept conflicting", messageID)
}

func (s *Store) MessageIDForJob(ctx context.Context, jobID string) (string, error) {
	var head struct {
		ID string `bson:"_id"`
	}
	err := s.coll.FindOne(ctx, bson.M{"metadata." + models.MetaJobID: jobID},
		options.FindOne().SetProjection(bson.M{"_id": 1}),
	).Decode(&head)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", analytics.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find message for job %s: %w", jobID, err)
	}
	return head.ID, nil
}

func (s *Store) Get(ctx context.Context, messageID string) (*models.EmailAnalytic, error) {
	var rec models.EmailAnalytic
	err := s.coll.FindOne(ctx, bson.M{"_id": messageID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, analytics.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analytics %s: %w", messageID, err)
	}
	if rec.Links == nil {
		rec.Links = []models.LinkStat{}
	}
	return &rec, nil
}

func (s *Store) Aggregate(ctx context.Context, f analytics.Filter) (*analytics.Report, error) {
	match := bson.D{{Key: "send_time", Value: bson.D{{Key: "$gte", Value: f.From}, {Key: "$lte", Value: f.To}}}}
	if f.Template != "" {
		match = append(match, bson.E{Key: "template", Value: f.Template})
	}
	if f.Recipient != "" {
		match = append(match, bson.E{Key: "recipient", Value: f.Recipient})
	}

	report := &analytics.Report{}

	var statusRows []struct {
		Status    string   `bson:"_id"`
		Count     int64    `bson:"count"`
		Templates []string `bson:"templates"`
	}
	if err := s.aggregate(ctx, &statusRows, mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "templates", Value: bson.D{{Key: "$addToSet", Value: "$template"}}},
		}}},
	}); err != nil {
		return nil, fmt.Errorf("aggregate status: %w", err)
	}
	for _, r := range statusRows {
		report.StatusBreakdown = append(report.StatusBreakdown, analytics.StatusCount{
			Status:    models.EmailStatus(r.Status),
			Count:     r.Count,
			Templates: r.Templates,
		})
	}

	var clickRows []struct {
		URL    string `bson:"_id"`
		Total  int64  `bson:"total"`
		Unique int64  `bson:"unique"`
	}
	if err := s.aggregate(ctx, &clickRows, mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$unwind", Value: "$links"}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$links.url"},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$links.click_count"}}},
			{Key: "recipients", Value: bson.D{{Key: "$addToSet", Value: "$recipient"}}},
		}}},
		{{Key: "$project", Value: bson.D{
			{Key: "total", Value: 1},
			{Key: "unique", Value: bson.D{{Key: "$size", Value: "$recipients"}}},
		}}},
	}); err != nil {
		return nil, fmt.Errorf("aggregate clicks: %w", err)
	}
	for _, r := range clickRows {
		report.ClickAnalytics = append(report.ClickAnalytics, analytics.LinkClicks{
			URL:          r.URL,
			TotalClicks:  r.Total,
			UniqueClicks: r.Unique,
		})
	}

	analytics.SortReport(report)
	return report, nil
}

func (s *Store) aggregate(ctx context.Context, out interface{}, pipeline mongo.Pipeline) error {
	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return err
	}
	return cur.All(ctx, out)
}

// literal stops pipeline updates from reading user values as field paths.
func literal(v string) bson.D {
	return bson.D{{Key: "$literal", Value: v}}
}

func safeKey(k string) bool {
	return k != "" && !strings.ContainsAny(k, ".$")
}
