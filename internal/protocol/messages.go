// Package protocol defines the JSON message shapes exchanged over the
// broker's WebSocket connection.
package protocol

import (
	"encoding/json"
	"time"
)

// Client-to-server message types.
const (
	TypeSendJob        = "send_job"
	TypeScheduleJob    = "schedule_job"
	TypeRegisterWorker = "register_worker"
	TypeSendBatch      = "send_batch"
	TypeWaitForBatch   = "wait_for_batch"
	TypeCancelJob      = "cancel_job"
	TypeGetQueueSize   = "get_queue_size"
	TypeGetJob         = "get_job"
	TypeJobStarted     = "job_started"
	TypeJobCompleted   = "job_completed"
	TypeJobFailed      = "job_failed"
)

// Server-to-client message types.
const (
	TypeReply        = "reply"
	TypeError        = "error"
	TypeClientReady  = "client_ready"
	TypeWorkRequest  = "work_request"
	TypeJobCancelled = "job_cancelled"
)

// Envelope is the framing for every message on the wire. Requests carry a
// client-chosen correlation ID which the matching reply echoes back; push
// events carry no ID.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JobOptions are the delivery options a client may attach to a job.
// Pointer fields distinguish "omitted" from explicit zero values; the
// broker applies defaults for omitted fields.
type JobOptions struct {
	Priority     *int       `json:"priority,omitempty"`
	StartAfter   *time.Time `json:"startAfter,omitempty"`
	ExpireIn     string     `json:"expireIn,omitempty"`
	RetryLimit   *int       `json:"retryLimit,omitempty"`
	RetryDelay   *int       `json:"retryDelay,omitempty"`
	RetryBackoff *bool      `json:"retryBackoff,omitempty"`
	SingletonKey string     `json:"singletonKey,omitempty"`
}

// WorkOptions tune how jobs are delivered to a registered worker.
type WorkOptions struct {
	TeamSize        int `json:"teamSize,omitempty"`
	TeamConcurrency int `json:"teamConcurrency,omitempty"`
}

// SendJobRequest is the payload of a send_job message.
type SendJobRequest struct {
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
	Options *JobOptions     `json:"options,omitempty"`
}

// ScheduleJobRequest is the payload of a schedule_job message.
type ScheduleJobRequest struct {
	Name        string          `json:"name"`
	CronPattern string          `json:"cronPattern"`
	Data        json.RawMessage `json:"data"`
	Options     *JobOptions     `json:"options,omitempty"`
}

// RegisterWorkerRequest is the payload of a register_worker message.
type RegisterWorkerRequest struct {
	JobName string       `json:"jobName"`
	Options *WorkOptions `json:"options,omitempty"`
}

// BatchJob is one entry of a send_batch request.
type BatchJob struct {
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
	Options *JobOptions     `json:"options,omitempty"`
}

// SendBatchRequest is the payload of a send_batch message.
type SendBatchRequest struct {
	Jobs []BatchJob `json:"jobs"`
}

// WaitForBatchRequest is the payload of a wait_for_batch message.
type WaitForBatchRequest struct {
	BatchID string `json:"batchId"`
}

// JobRequest addresses a single job by name and ID.
type JobRequest struct {
	JobName string `json:"jobName"`
	JobID   string `json:"jobId"`
}

// GetQueueSizeRequest is the payload of a get_queue_size message.
type GetQueueSizeRequest struct {
	JobName string `json:"jobName"`
	State   string `json:"state,omitempty"`
}

// LifecycleReport is the payload of job_started, job_completed and
// job_failed messages.
type LifecycleReport struct {
	JobName string          `json:"jobName"`
	JobID   string          `json:"jobId"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ClientReady is pushed once after a successful handshake.
type ClientReady struct {
	ID         string `json:"id"`
	CustomerID string `json:"customerId"`
}

// SendJobReply acknowledges a published job.
type SendJobReply struct {
	JobID string `json:"jobId"`
}

// ScheduleJobReply acknowledges a registered schedule.
type ScheduleJobReply struct {
	ScheduleID string `json:"scheduleId"`
}

// SuccessReply is the generic acknowledgement shape.
type SuccessReply struct {
	Success bool `json:"success"`
}

// SendBatchReply acknowledges a published batch.
type SendBatchReply struct {
	BatchID string   `json:"batchId"`
	JobIDs  []string `json:"jobIds"`
}

// QueueSizeReply carries a queue size count.
type QueueSizeReply struct {
	QueueSize int64 `json:"queueSize"`
}

// GetJobReply carries a job lookup result; Job is null when no such job
// exists.
type GetJobReply struct {
	Job *JobView `json:"job"`
}

// JobView is the wire representation of a stored job.
type JobView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	State       string          `json:"state"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retryCount"`
	RetryLimit  int             `json:"retryLimit"`
	Output      json.RawMessage `json:"output,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// ErrorReply is the uniform error shape returned for any failed request.
type ErrorReply struct {
	Error string `json:"error"`
}

// ErrorEvent is pushed before the server tears down an unauthenticated
// connection.
type ErrorEvent struct {
	Message string `json:"message"`
}

// WorkRequest is the push event delivering one job to a registered worker.
type WorkRequest struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	State      string          `json:"state"`
	RetryCount int             `json:"retryCount"`
	Priority   int             `json:"priority"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// JobStartedEvent is fanned out to every connected session.
type JobStartedEvent struct {
	JobName   string    `json:"jobName"`
	JobID     string    `json:"jobId"`
	StartedAt time.Time `json:"startedAt"`
}

// JobCompletedEvent is fanned out to every connected session.
type JobCompletedEvent struct {
	JobName     string          `json:"jobName"`
	JobID       string          `json:"jobId"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`
}

// JobFailedEvent is fanned out to every connected session.
type JobFailedEvent struct {
	JobName  string    `json:"jobName"`
	JobID    string    `json:"jobId"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// JobCancelledEvent is fanned out after a successful cancel_job.
type JobCancelledEvent struct {
	JobID       string    `json:"jobId"`
	CancelledAt time.Time `json:"cancelledAt"`
}

// NewReply builds a reply envelope correlated to a request.
func NewReply(id string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: TypeReply, ID: id, Data: raw}, nil
}

// NewEvent builds an uncorrelated push envelope.
func NewEvent(eventType string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: eventType, Data: raw}, nil
}
