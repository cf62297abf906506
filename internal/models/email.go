package models

import "time"

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank orders priority classes; lower ranks are claimed first.
func (p Priority) Rank() int {
	if p == PriorityHigh {
		return 0
	}
	return 1
}

// SendRequest is what a controller hands to the queue. It only lives inside
// the broker until a worker claims it.
type SendRequest struct {
	To       string                 `json:"to" validate:"required,email"`
	Subject  string                 `json:"subject" validate:"required,max=255"`
	Template string                 `json:"template" validate:"required"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Priority Priority               `json:"priority,omitempty" validate:"omitempty,oneof=normal high"`
}

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobDelayed   JobState = "delayed"
)

// JobStates lists every state in reporting order.
var JobStates = []JobState{JobWaiting, JobActive, JobCompleted, JobFailed, JobDelayed}

type Job struct {
	ID      string      `json:"id"`
	Request SendRequest `json:"request"`

	AttemptsMade int           `json:"attempts_made"`
	MaxAttempts  int           `json:"max_attempts"`
	Timeout      time.Duration `json:"timeout"`
	State        JobState      `json:"state"`

	FailedReason      string `json:"failed_reason,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

type JobEventType string

const (
	EventCompleted JobEventType = "completed"
	EventFailed    JobEventType = "failed"
	EventRetrying  JobEventType = "retrying"
)

// JobEvent is published by the worker pool whenever a job attempt ends.
type JobEvent struct {
	Type              JobEventType
	Job               Job
	ProviderMessageID string
	Transport         string
	Err               error
	Delay             time.Duration
	Duration          time.Duration
}
