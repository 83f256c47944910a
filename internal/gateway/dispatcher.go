// Package gateway implements the broker's WebSocket protocol: connection
// authentication, the per-request dispatcher and lifecycle event fanout.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaudehloBiz/jobber-backend/internal/engine"
	"github.com/BaudehloBiz/jobber-backend/internal/metrics"
	"github.com/BaudehloBiz/jobber-backend/internal/model"
	"github.com/BaudehloBiz/jobber-backend/internal/namespace"
	"github.com/BaudehloBiz/jobber-backend/internal/protocol"
	"github.com/BaudehloBiz/jobber-backend/internal/session"
)

// ErrNotAuthenticated is returned for any request arriving on a connection
// without a registered session.
var ErrNotAuthenticated = errors.New("client not authenticated")

// Broker is the facade surface the dispatcher depends on.
type Broker interface {
	Publish(ctx context.Context, queue string, payload []byte, opts *protocol.JobOptions) (string, error)
	Subscribe(ctx context.Context, queue string, opts engine.WorkOptions, handler engine.WorkHandler) (*engine.Subscription, error)
	Cancel(ctx context.Context, queue, jobID string) error
	QueueSize(ctx context.Context, queue string, states ...model.JobState) (int64, error)
	GetJob(ctx context.Context, queue, jobID string) (*model.Job, error)
	Schedule(ctx context.Context, queue, cronExpr string, payload []byte, opts *protocol.JobOptions) error
}

// Dispatcher routes protocol requests to their handlers. It is stateless;
// all per-connection state lives in the session registry.
type Dispatcher struct {
	broker   Broker
	registry *session.Registry
	fanout   *Fanout
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(broker Broker, registry *session.Registry, fanout *Fanout, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		broker:   broker,
		registry: registry,
		fanout:   fanout,
		metrics:  m,
		logger:   logger,
	}
}

// Dispatch handles one inbound envelope and returns the reply to send, or
// nil for fire-and-forget messages. Failures of any kind — facade errors,
// malformed payloads, handler panics — become a uniform error reply; they
// never escape to the transport layer.
func (d *Dispatcher) Dispatch(ctx context.Context, connID string, env *protocol.Envelope) *protocol.Envelope {
	result, err := d.handle(ctx, connID, env)
	if err != nil {
		d.metrics.RecordRequest(env.Type, "error")
		d.logger.Warn("request failed",
			zap.String("type", env.Type),
			zap.String("conn_id", connID),
			zap.Error(err))
		return errorReply(env.ID, err)
	}

	d.metrics.RecordRequest(env.Type, "ok")
	if result == nil {
		return nil
	}

	reply, mErr := protocol.NewReply(env.ID, result)
	if mErr != nil {
		return errorReply(env.ID, mErr)
	}
	return reply
}

func (d *Dispatcher) handle(ctx context.Context, connID string, env *protocol.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	switch env.Type {
	case protocol.TypeSendJob:
		return d.handleSendJob(ctx, connID, env.Data)
	case protocol.TypeScheduleJob:
		return d.handleScheduleJob(ctx, connID, env.Data)
	case protocol.TypeRegisterWorker:
		return d.handleRegisterWorker(ctx, connID, env.Data)
	case protocol.TypeSendBatch:
		return d.handleSendBatch(ctx, connID, env.Data)
	case protocol.TypeWaitForBatch:
		return d.handleWaitForBatch(connID, env.Data)
	case protocol.TypeCancelJob:
		return d.handleCancelJob(ctx, connID, env.Data)
	case protocol.TypeGetQueueSize:
		return d.handleGetQueueSize(ctx, connID, env.Data)
	case protocol.TypeGetJob:
		return d.handleGetJob(ctx, connID, env.Data)
	case protocol.TypeJobStarted, protocol.TypeJobCompleted, protocol.TypeJobFailed:
		return d.handleLifecycleReport(ctx, env.Type, env.Data)
	default:
		return nil, fmt.Errorf("unknown message type: %s", env.Type)
	}
}

// requireSession resolves the session for a connection; its tenant ID is
// the only source of queue names, which is what keeps cross-tenant
// addressing impossible.
func (d *Dispatcher) requireSession(connID string) (*model.Session, error) {
	sess, ok := d.registry.Get(connID)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	return sess, nil
}

func (d *Dispatcher) handleSendJob(ctx context.Context, connID string, data json.RawMessage) (any, error) {
	sess, err := d.requireSession(connID)
	if err != nil {
		return nil, err
	}

	var req protocol.SendJobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	if req.Name == "" {
		return nil, errors.New("job name is required")
	}

	queue := namespace.Queue(sess.TenantID, req.Name)
	jobID, err := d.broker.Publish(ctx, queue, req.Data, req.Options)
	if err != nil {
		return nil, err
	}

	d.logger.Info("job published",
		zap.String("queue", queue),
		zap.String("job_id", jobID),
		zap.String("session_id", sess.ID))
	return protocol.SendJobReply{JobID: jobID}, nil
}

func (d *Dispatcher) handleScheduleJob(ctx context.Context, connID string, data json.RawMessage) (any, error) {
	sess, err := d.requireSession(connID)
	if err != nil {
		return nil, err
	}

	var req protocol.ScheduleJobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	if req.Name == "" {
		return nil, errors.New("job name is required")
	}

	queue := namespace.Queue(sess.TenantID, req.Name)
	if err := d.broker.Schedule(ctx, queue, req.CronPattern, req.Data, req.Options); err != nil {
		return nil, err
	}

	scheduleID := fmt.Sprintf("schedule-%s", uuid.NewString())
	d.logger.Info("job scheduled",
		zap.String("queue", queue),
		zap.String("cron", req.CronPattern),
		zap.String("schedule_id", scheduleID))
	return protocol.ScheduleJobReply{ScheduleID: scheduleID}, nil
}

func (d *Dispatcher) handleRegisterWorker(ctx context.Context, connID string, data json.RawMessage) (any, error) {
	sess, err := d.requireSession(connID)
	if err != nil {
		return nil, err
	}

	var req protocol.RegisterWorkerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	if req.JobName == "" {
		return nil, errors.New("job name is required")
	}

	queue := namespace.Queue(sess.TenantID, req.JobName)

	var workOpts engine.WorkOptions
	if req.Options != nil {
		workOpts.BatchSize = req.Options.TeamSize
		workOpts.Concurrency = req.Options.TeamConcurrency
	}

	sub, err := d.broker.Subscribe(ctx, queue, workOpts, d.workForwarder(sess, req.JobName))
	if err != nil {
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}

	sess.AddWorker(req.JobName)
	sess.AddSubscription(sub)

	d.logger.Info("worker registered",
		zap.String("queue", queue),
		zap.String("session_id", sess.ID))
	return protocol.SuccessReply{Success: true}, nil
}

// workForwarder adapts an engine subscription to session push: every
// delivered job becomes a work_request on the owning session's outbound
// channel. A send that cannot be enqueued fails the batch back to the
// engine so the jobs are redelivered.
func (d *Dispatcher) workForwarder(sess *model.Session, jobName string) engine.WorkHandler {
	return func(ctx context.Context, jobs []*model.Job) error {
		for _, job := range jobs {
			env, err := protocol.NewEvent(protocol.TypeWorkRequest, protocol.WorkRequest{
				ID:         job.ID,
				Name:       jobName,
				Data:       job.Payload,
				State:      string(model.JobStateCreated),
				RetryCount: job.RetryCount,
				Priority:   job.Priority,
				CreatedAt:  job.CreatedAt,
			})
			if err != nil {
				return err
			}

			if !sess.TrySend(env) {
				d.metrics.RecordDroppedPush()
				return fmt.Errorf("session %s cannot accept work offer for job %s", sess.ID, job.ID)
			}
			d.metrics.RecordWorkOffer()
		}
		return nil
	}
}

// handleSendBatch publishes jobs sequentially with fail-fast semantics:
// jobs before a failure stay enqueued, the failing job aborts the loop and
// later jobs are never attempted.
func (d *Dispatcher) handleSendBatch(ctx context.Context, connID string, data json.RawMessage) (any, error) {
	sess, err := d.requireSession(connID)
	if err != nil {
		return nil, err
	}

	var req protocol.SendBatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	if len(req.Jobs) == 0 {
		return nil, errors.New("batch is empty")
	}

	batchID := fmt.Sprintf("batch-%s", uuid.NewString())
	jobIDs := make([]string, 0, len(req.Jobs))

	for _, batchJob := range req.Jobs {
		if batchJob.Name == "" {
			return nil, errors.New("job name is required")
		}
		queue := namespace.Queue(sess.TenantID, batchJob.Name)
		jobID, err := d.broker.Publish(ctx, queue, batchJob.Data, batchJob.Options)
		if err != nil {
			return nil, fmt.Errorf("batch %s failed at job %d: %w", batchID, len(jobIDs), err)
		}
		jobIDs = append(jobIDs, jobID)
	}

	d.logger.Info("batch published",
		zap.String("batch_id", batchID),
		zap.Int("jobs", len(jobIDs)),
		zap.String("session_id", sess.ID))
	return protocol.SendBatchReply{BatchID: batchID, JobIDs: jobIDs}, nil
}

// handleWaitForBatch acknowledges a batch. Batch publishes are
// synchronous, so every job of an acknowledged batch is already enqueued
// by the time the send_batch reply went out; the wait has nothing left to
// block on.
func (d *Dispatcher) handleWaitForBatch(connID string, data json.RawMessage) (any, error) {
	if _, err := d.requireSession(connID); err != nil {
		return nil, err
	}

	var req protocol.WaitForBatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	if req.BatchID == "" {
		return nil, errors.New("batch id is required")
	}

	return protocol.SuccessReply{Success: true}, nil
}

func (d *Dispatcher) handleCancelJob(ctx context.Context, connID string, data json.RawMessage) (any, error) {
	sess, err := d.requireSession(connID)
	if err != nil {
		return nil, err
	}

	var req protocol.JobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}

	queue := namespace.Queue(sess.TenantID, req.JobName)
	if err := d.broker.Cancel(ctx, queue, req.JobID); err != nil {
		return nil, err
	}

	d.fanout.Broadcast(ctx, protocol.TypeJobCancelled, protocol.JobCancelledEvent{
		JobID:       req.JobID,
		CancelledAt: time.Now(),
	})

	d.logger.Info("job cancelled",
		zap.String("queue", queue),
		zap.String("job_id", req.JobID))
	return protocol.SuccessReply{Success: true}, nil
}

func (d *Dispatcher) handleGetQueueSize(ctx context.Context, connID string, data json.RawMessage) (any, error) {
	sess, err := d.requireSession(connID)
	if err != nil {
		return nil, err
	}

	var req protocol.GetQueueSizeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}

	var states []model.JobState
	if req.State != "" {
		states = append(states, model.JobState(req.State))
	}

	queue := namespace.Queue(sess.TenantID, req.JobName)
	count, err := d.broker.QueueSize(ctx, queue, states...)
	if err != nil {
		return nil, err
	}

	return protocol.QueueSizeReply{QueueSize: count}, nil
}

func (d *Dispatcher) handleGetJob(ctx context.Context, connID string, data json.RawMessage) (any, error) {
	sess, err := d.requireSession(connID)
	if err != nil {
		return nil, err
	}

	var req protocol.JobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}

	queue := namespace.Queue(sess.TenantID, req.JobName)
	job, err := d.broker.GetJob(ctx, queue, req.JobID)
	if errors.Is(err, engine.ErrJobNotFound) {
		return protocol.GetJobReply{Job: nil}, nil
	}
	if err != nil {
		return nil, err
	}

	return protocol.GetJobReply{Job: &protocol.JobView{
		ID:          job.ID,
		Name:        req.JobName,
		Data:        job.Payload,
		State:       string(job.State),
		Priority:    job.Priority,
		RetryCount:  job.RetryCount,
		RetryLimit:  job.RetryLimit,
		Output:      job.Output,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}}, nil
}

// handleLifecycleReport broadcasts a job lifecycle event to every
// connected session, independent of tenant. The missing tenant scoping is
// a documented limitation of the protocol, not an oversight here.
func (d *Dispatcher) handleLifecycleReport(ctx context.Context, msgType string, data json.RawMessage) (any, error) {
	var report protocol.LifecycleReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}

	now := time.Now()
	switch msgType {
	case protocol.TypeJobStarted:
		d.fanout.Broadcast(ctx, msgType, protocol.JobStartedEvent{
			JobName:   report.JobName,
			JobID:     report.JobID,
			StartedAt: now,
		})
	case protocol.TypeJobCompleted:
		d.fanout.Broadcast(ctx, msgType, protocol.JobCompletedEvent{
			JobName:     report.JobName,
			JobID:       report.JobID,
			Result:      report.Result,
			CompletedAt: now,
		})
	case protocol.TypeJobFailed:
		d.fanout.Broadcast(ctx, msgType, protocol.JobFailedEvent{
			JobName:  report.JobName,
			JobID:    report.JobID,
			Error:    report.Error,
			FailedAt: now,
		})
	}

	d.logger.Info("lifecycle report",
		zap.String("event", msgType),
		zap.String("job_id", report.JobID))
	return nil, nil
}

func errorReply(id string, err error) *protocol.Envelope {
	reply, mErr := protocol.NewReply(id, protocol.ErrorReply{Error: err.Error()})
	if mErr != nil {
		// ErrorReply marshalling cannot realistically fail; fall back to a
		// bare reply rather than dropping the correlation id.
		return &protocol.Envelope{Type: protocol.TypeReply, ID: id}
	}
	return reply
}
