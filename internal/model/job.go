package model

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a job within the queue engine.
type JobState string

const (
	JobStateCreated   JobState = "created"
	JobStateActive    JobState = "active"
	JobStateRetry     JobState = "retry"
	JobStateCompleted JobState = "completed"
	JobStateCancelled JobState = "cancelled"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether the state is a successful terminal state.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateCancelled
}

// Job is a unit of work stored by the queue engine. The payload is an
// opaque serialized blob; the broker never inspects it.
type Job struct {
	ID           string
	Queue        string
	Payload      json.RawMessage
	State        JobState
	Priority     int
	RetryCount   int
	RetryLimit   int
	RetryDelay   time.Duration
	RetryBackoff bool
	SingletonKey string
	Output       json.RawMessage
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}
