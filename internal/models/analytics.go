package models

import (
	"fmt"
	"strings"
	"time"
)

type EmailStatus string

const (
	StatusSent         EmailStatus = "sent"
	StatusDelivered    EmailStatus = "delivered"
	StatusOpened       EmailStatus = "opened"
	StatusClicked      EmailStatus = "clicked"
	StatusBounced      EmailStatus = "bounced"
	StatusSpam         EmailStatus = "spam"
	StatusUnsubscribed EmailStatus = "unsubscribed"
)

var EmailStatuses = []EmailStatus{
	StatusSent, StatusDelivered, StatusOpened, StatusClicked,
	StatusBounced, StatusSpam, StatusUnsubscribed,
}

func ParseEmailStatus(s string) (EmailStatus, bool) {
	for _, st := range EmailStatuses {
		if string(st) == strings.ToLower(strings.TrimSpace(s)) {
			return st, true
		}
	}
	return "", false
}

// TimeField is the name of the timestamp field the status sets, shared by the
// storage backends.
func (s EmailStatus) TimeField() string {
	switch s {
	case StatusSent:
		return "send_time"
	case StatusDelivered:
		return "delivery_time"
	case StatusOpened:
		return "open_time"
	case StatusClicked:
		return "click_time"
	case StatusBounced:
		return "bounce_time"
	case StatusSpam:
		return "spam_time"
	case StatusUnsubscribed:
		return "unsubscribe_time"
	}
	return ""
}

// EmailAnalytic tracks one delivered message, keyed by the provider message id.
type EmailAnalytic struct {
	MessageID string      `json:"message_id" bson:"_id"`
	Template  string      `json:"template" bson:"template"`
	Recipient string      `json:"recipient" bson:"recipient"`
	Status    EmailStatus `json:"status" bson:"status"`

	SendTime        time.Time  `json:"send_time" bson:"send_time"`
	DeliveryTime    *time.Time `json:"delivery_time,omitempty" bson:"delivery_time,omitempty"`
	OpenTime        *time.Time `json:"open_time,omitempty" bson:"open_time,omitempty"`
	ClickTime       *time.Time `json:"click_time,omitempty" bson:"click_time,omitempty"`
	BounceTime      *time.Time `json:"bounce_time,omitempty" bson:"bounce_time,omitempty"`
	SpamTime        *time.Time `json:"spam_time,omitempty" bson:"spam_time,omitempty"`
	UnsubscribeTime *time.Time `json:"unsubscribe_time,omitempty" bson:"unsubscribe_time,omitempty"`

	BounceReason string     `json:"bounce_reason,omitempty" bson:"bounce_reason,omitempty"`
	Links        []LinkStat `json:"links" bson:"links"`
	Metadata     Metadata   `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// SetTime stores at in the timestamp field that belongs to status.
func (a *EmailAnalytic) SetTime(status EmailStatus, at time.Time) {
	t := at
	switch status {
	case StatusSent:
		a.SendTime = t
	case StatusDelivered:
		a.DeliveryTime = &t
	case StatusOpened:
		a.OpenTime = &t
	case StatusClicked:
		a.ClickTime = &t
	case StatusBounced:
		a.BounceTime = &t
	case StatusSpam:
		a.SpamTime = &t
	case StatusUnsubscribed:
		a.UnsubscribeTime = &t
	}
}

type LinkStat struct {
	URL           string    `json:"url" bson:"url"`
	ClickCount    int64     `json:"click_count" bson:"click_count"`
	LastClicked   time.Time `json:"last_clicked" bson:"last_clicked"`
	LastIP        string    `json:"last_ip,omitempty" bson:"last_ip,omitempty"`
	LastUserAgent string    `json:"last_user_agent,omitempty" bson:"last_user_agent,omitempty"`
}

// MetadataKey names an analytics metadata entry.
type MetadataKey = string

// Known metadata keys. Anything else must use the "x-" prefix.
const (
	MetaJobID           MetadataKey = "job_id"
	MetaSubject         MetadataKey = "subject"
	MetaPriority        MetadataKey = "priority"
	MetaAttempts        MetadataKey = "attempts"
	MetaTransport       MetadataKey = "transport"
	MetaIPAddress       MetadataKey = "ip_address"
	MetaUserAgent       MetadataKey = "user_agent"
	MetaProviderEventID MetadataKey = "provider_event_id"
)

const customMetadataPrefix = "x-"

var knownMetadataKeys = map[string]bool{
	MetaJobID:           true,
	MetaSubject:         true,
	MetaPriority:        true,
	MetaAttempts:        true,
	MetaTransport:       true,
	MetaIPAddress:       true,
	MetaUserAgent:       true,
	MetaProviderEventID: true,
}

type Metadata map[MetadataKey]string

func (m Metadata) Validate() error {
	for k := range m {
		if knownMetadataKeys[k] {
			continue
		}
		if strings.HasPrefix(k, customMetadataPrefix) && len(k) > len(customMetadataPrefix) {
			continue
		}
		return fmt.Errorf("unknown metadata key %q", k)
	}
	return nil
}

// Merge returns a copy of m with the entries of other laid over it.
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}
