// Package broker adapts the durable queue engine for the protocol
// dispatcher: option normalization, auto-provisioning of missing queues,
// worker handler fault containment and synchronous completion waits.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaudehloBiz/jobber-backend/internal/engine"
	"github.com/BaudehloBiz/jobber-backend/internal/model"
	"github.com/BaudehloBiz/jobber-backend/internal/observe"
	"github.com/BaudehloBiz/jobber-backend/internal/protocol"
)

// waitPollInterval is the fixed interval WaitForCompletion polls job state.
const waitPollInterval = time.Second

// ErrWaitTimeout is returned when a job does not reach a terminal state
// within the caller's deadline.
var ErrWaitTimeout = errors.New("timed out waiting for job")

// Facade exposes the queue engine to the dispatcher with the broker's
// failure-recovery policy applied.
type Facade struct {
	engine engine.Engine
	sink   observe.Sink
	logger *zap.Logger
}

// New creates a broker facade over the given engine.
func New(eng engine.Engine, sink observe.Sink, logger *zap.Logger) *Facade {
	return &Facade{
		engine: eng,
		sink:   sink,
		logger: logger,
	}
}

// Publish normalizes options and publishes a job. When the engine reports
// the queue as missing, the facade provisions it once and retries the
// publish exactly once; any other failure propagates verbatim.
func (f *Facade) Publish(ctx context.Context, queue string, payload []byte, opts *protocol.JobOptions) (string, error) {
	defer f.observe("publish", time.Now())

	sendOpts, err := NormalizeOptions(opts)
	if err != nil {
		return "", err
	}

	jobID, err := f.engine.Send(ctx, queue, payload, sendOpts)
	if errors.Is(err, engine.ErrQueueMissing) {
		f.logger.Info("auto-provisioning missing queue", zap.String("queue", queue))
		if cqErr := f.engine.CreateQueue(ctx, queue); cqErr != nil {
			return "", fmt.Errorf("failed to provision queue %s: %w", queue, cqErr)
		}
		jobID, err = f.engine.Send(ctx, queue, payload, sendOpts)
	}
	if err != nil {
		return "", err
	}

	f.logger.Debug("job published",
		zap.String("queue", queue),
		zap.String("job_id", jobID))
	return jobID, nil
}

// Subscribe registers a long-lived work handler. Handler panics and errors
// are captured to the observability sink and returned to the engine so its
// retry bookkeeping advances; they never terminate the process.
func (f *Facade) Subscribe(ctx context.Context, queue string, opts engine.WorkOptions, handler engine.WorkHandler) (*engine.Subscription, error) {
	defer f.observe("subscribe", time.Now())

	wrapped := func(ctx context.Context, jobs []*model.Job) error {
		err := f.invokeHandler(ctx, jobs, handler)
		if err != nil {
			f.sink.CaptureException(err)
			f.logger.Error("worker handler fault",
				zap.String("queue", queue),
				zap.Int("batch_size", len(jobs)),
				zap.Error(err))
		}
		return err
	}

	return f.engine.Work(ctx, queue, opts, wrapped)
}

func (f *Facade) invokeHandler(ctx context.Context, jobs []*model.Job, handler engine.WorkHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker handler panic: %v", r)
		}
	}()
	return handler(ctx, jobs)
}

// Cancel cancels a job. Best-effort; engine errors, including job-not-found,
// propagate to the caller.
func (f *Facade) Cancel(ctx context.Context, queue, jobID string) error {
	defer f.observe("cancel", time.Now())
	return f.engine.Cancel(ctx, queue, jobID)
}

// QueueSize returns the number of jobs in a queue, optionally filtered to
// specific states.
func (f *Facade) QueueSize(ctx context.Context, queue string, states ...model.JobState) (int64, error) {
	defer f.observe("queue_size", time.Now())
	return f.engine.QueueSize(ctx, queue, states...)
}

// GetJob fetches a job by ID.
func (f *Facade) GetJob(ctx context.Context, queue, jobID string) (*model.Job, error) {
	defer f.observe("get_job", time.Now())
	return f.engine.GetJobByID(ctx, queue, jobID)
}

// Schedule registers a recurring publish. The cron expression is validated
// before it reaches the engine; idempotent registration is the engine's
// responsibility.
func (f *Facade) Schedule(ctx context.Context, queue, cronExpr string, payload []byte, opts *protocol.JobOptions) error {
	defer f.observe("schedule", time.Now())

	if _, err := engine.ParseSchedule(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	sendOpts, err := NormalizeOptions(opts)
	if err != nil {
		return err
	}

	return f.engine.Schedule(ctx, queue, cronExpr, payload, sendOpts)
}

// WaitForCompletion polls a job's state every second until it reaches a
// terminal state or maxWait elapses. Used by synchronous test and
// operational callers only, never on the interactive request path.
func (f *Facade) WaitForCompletion(ctx context.Context, queue, jobID string, maxWait time.Duration) error {
	defer f.observe("wait_for_completion", time.Now())

	deadline := time.Now().Add(maxWait)
	for {
		job, err := f.engine.GetJobByID(ctx, queue, jobID)
		if err != nil {
			return err
		}

		// A job in the retry state always has another attempt coming, no
		// matter its retry count; only the failed state is final.
		switch {
		case job.State.Terminal():
			return nil
		case job.State == model.JobStateFailed:
			return fmt.Errorf("job %s failed with state %s, output: %s",
				jobID, job.State, string(job.Output))
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("job %s did not complete in %s: %w", jobID, maxWait, ErrWaitTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

func (f *Facade) observe(operation string, start time.Time) {
	f.sink.ObserveDuration(operation, time.Since(start))
}
