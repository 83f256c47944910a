// Package engine defines the durable queue engine contract the broker
// depends on, and provides its PostgreSQL implementation. The engine owns
// storage, retry bookkeeping and delivery; the broker facade only maps
// onto these operations.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/BaudehloBiz/jobber-backend/internal/model"
)

// Failure kinds the broker facade discriminates. ErrQueueMissing triggers
// auto-provisioning; everything else propagates verbatim.
var (
	ErrQueueMissing = errors.New("queue does not exist")
	ErrJobNotFound  = errors.New("job not found")
)

// SendOptions are the fully-normalized delivery options for a publish.
// Callers go through the broker facade, which applies defaults; the engine
// stores what it is given.
type SendOptions struct {
	Priority     int
	StartAfter   time.Time
	ExpireIn     time.Duration
	RetryLimit   int
	RetryDelay   time.Duration
	RetryBackoff bool
	SingletonKey string
}

// WorkOptions tune a subscription's delivery loops. Concurrency is the
// number of parallel poll loops; SKIP LOCKED fetching keeps them from
// double-delivering.
type WorkOptions struct {
	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
}

// WorkHandler is invoked with batches of dequeued jobs. Returning an error
// fails the whole batch back to the engine so its retry bookkeeping
// advances. Handlers may be invoked concurrently.
type WorkHandler func(ctx context.Context, jobs []*model.Job) error

// Engine is the durable queue engine contract.
type Engine interface {
	// CreateQueue provisions a queue. Creating an existing queue is a no-op.
	CreateQueue(ctx context.Context, queue string) error

	// Send publishes a job and returns its engine-assigned identifier.
	// Returns ErrQueueMissing when the queue has not been provisioned.
	Send(ctx context.Context, queue string, payload []byte, opts SendOptions) (string, error)

	// Work registers a long-lived work handler for a queue. The engine
	// drives the handler with job batches until the subscription is
	// cancelled or the engine shuts down.
	Work(ctx context.Context, queue string, opts WorkOptions, handler WorkHandler) (*Subscription, error)

	// Cancel moves a non-terminal job to the cancelled state. Returns
	// ErrJobNotFound when no such job exists in the queue.
	Cancel(ctx context.Context, queue, jobID string) error

	// GetJobByID fetches a job. Returns ErrJobNotFound when absent.
	GetJobByID(ctx context.Context, queue, jobID string) (*model.Job, error)

	// QueueSize counts jobs in the given states; with no states it counts
	// jobs still awaiting or undergoing delivery.
	QueueSize(ctx context.Context, queue string, states ...model.JobState) (int64, error)

	// Schedule registers a recurring publish. Registration is idempotent
	// per queue: a second call replaces the previous schedule.
	Schedule(ctx context.Context, queue, cronExpr string, payload []byte, opts SendOptions) error
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Subscription is the handle for a registered work handler.
type Subscription struct {
	ID    string
	Queue string

	cancel   context.CancelFunc
	done     chan struct{}
	cancelOnce sync.Once
}

// NewSubscription builds a subscription handle around a cancel function.
func NewSubscription(id, queue string, cancel context.CancelFunc) *Subscription {
	return &Subscription{
		ID:     id,
		Queue:  queue,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Cancel stops the subscription's delivery loop. Jobs already handed to
// the handler finish normally.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancel()
	})
}

// Done is closed when the delivery loop has fully stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
