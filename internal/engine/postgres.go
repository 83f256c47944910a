package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/BaudehloBiz/jobber-backend/internal/model"
)

// Postgres config defaults.
const (
	defaultPollInterval        = 2 * time.Second
	defaultBatchSize           = 10
	defaultScheduleInterval    = 30 * time.Second
	defaultMaintenanceInterval = time.Minute
)

// foreignKeyViolation is the PostgreSQL error code raised when a job is
// inserted for a queue that has not been provisioned.
const foreignKeyViolation = "23503"

// Config holds Postgres engine configuration.
type Config struct {
	URL                 string
	PollInterval        time.Duration
	BatchSize           int
	ScheduleInterval    time.Duration
	MaintenanceInterval time.Duration
}

// Postgres is the PostgreSQL-backed queue engine. Jobs, queues and
// schedules live in ordinary tables; delivery uses FOR UPDATE SKIP LOCKED
// batch fetches so multiple subscriptions never double-deliver.
type Postgres struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *zap.Logger

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPostgres creates a Postgres engine and verifies connectivity.
func NewPostgres(ctx context.Context, cfg Config, logger *zap.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = defaultScheduleInterval
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	return &Postgres{
		pool:    pool,
		cfg:     cfg,
		logger:  logger,
		rootCtx: rootCtx,
		cancel:  cancel,
	}, nil
}

// Migrate creates the engine's tables and indexes if they do not exist.
func (e *Postgres) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS queues (
			name text PRIMARY KEY,
			created_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id uuid PRIMARY KEY,
			queue_name text NOT NULL REFERENCES queues(name),
			state text NOT NULL DEFAULT 'created',
			priority int NOT NULL DEFAULT 0,
			payload jsonb,
			retry_limit int NOT NULL DEFAULT 3,
			retry_count int NOT NULL DEFAULT 0,
			retry_delay_seconds int NOT NULL DEFAULT 1,
			retry_backoff boolean NOT NULL DEFAULT true,
			start_after timestamptz NOT NULL DEFAULT now(),
			expire_in_seconds bigint,
			singleton_key text,
			output jsonb,
			created_at timestamptz NOT NULL DEFAULT now(),
			started_at timestamptz,
			completed_at timestamptz
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_fetch_idx
			ON jobs (queue_name, state, start_after, priority DESC, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS jobs_singleton_idx
			ON jobs (queue_name, singleton_key)
			WHERE singleton_key IS NOT NULL AND state IN ('created', 'retry', 'active')`,
		`CREATE TABLE IF NOT EXISTS schedules (
			queue_name text PRIMARY KEY,
			cron text NOT NULL,
			payload jsonb,
			options jsonb,
			next_fire_at timestamptz NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range statements {
		if _, err := e.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateQueue provisions a queue; creating an existing queue is a no-op.
func (e *Postgres) CreateQueue(ctx context.Context, queue string) error {
	e.logger.Info("creating queue", zap.String("queue", queue))

	_, err := e.pool.Exec(ctx,
		`INSERT INTO queues (name) VALUES ($1) ON CONFLICT DO NOTHING`, queue)
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", queue, err)
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx so Send can run inside
// the scheduler's transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Send publishes a job and returns its identifier.
func (e *Postgres) Send(ctx context.Context, queue string, payload []byte, opts SendOptions) (string, error) {
	return e.send(ctx, e.pool, queue, payload, opts)
}

func (e *Postgres) send(ctx context.Context, q querier, queue string, payload []byte, opts SendOptions) (string, error) {
	startAfter := opts.StartAfter
	if startAfter.IsZero() {
		startAfter = time.Now()
	}

	var expireIn *int64
	if opts.ExpireIn > 0 {
		secs := int64(opts.ExpireIn / time.Second)
		expireIn = &secs
	}

	var singletonKey *string
	if opts.SingletonKey != "" {
		singletonKey = &opts.SingletonKey
	}

	var id string
	err := q.QueryRow(ctx, `
		INSERT INTO jobs (
			id, queue_name, state, priority, payload,
			retry_limit, retry_delay_seconds, retry_backoff,
			start_after, expire_in_seconds, singleton_key
		)
		VALUES ($1, $2, 'created', $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		uuid.NewString(), queue, opts.Priority, payload,
		opts.RetryLimit, int(opts.RetryDelay/time.Second), opts.RetryBackoff,
		startAfter, expireIn, singletonKey,
	).Scan(&id)

	if err == nil {
		return id, nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		// Singleton conflict: a live job with this dedup key already
		// exists; return its id.
		lookupErr := q.QueryRow(ctx, `
			SELECT id FROM jobs
			WHERE queue_name = $1 AND singleton_key = $2
			  AND state IN ('created', 'retry', 'active')
			LIMIT 1`,
			queue, opts.SingletonKey,
		).Scan(&id)
		if lookupErr != nil {
			return "", fmt.Errorf("failed to resolve singleton job in %s: %w", queue, lookupErr)
		}
		return id, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return "", fmt.Errorf("queue %s: %w", queue, ErrQueueMissing)
	}

	return "", fmt.Errorf("failed to publish to %s: %w", queue, err)
}

// Work registers a long-lived work handler for a queue. The delivery loop
// is detached from the caller's context; it runs until the subscription is
// cancelled or the engine shuts down.
func (e *Postgres) Work(ctx context.Context, queue string, opts WorkOptions, handler WorkHandler) (*Subscription, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = e.cfg.BatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = e.cfg.PollInterval
	}

	subCtx, cancel := context.WithCancel(e.rootCtx)
	sub := NewSubscription(uuid.NewString(), queue, cancel)

	e.logger.Debug("registering work handler",
		zap.String("queue", queue),
		zap.String("subscription_id", sub.ID),
		zap.Int("batch_size", opts.BatchSize),
		zap.Int("concurrency", opts.Concurrency),
	)

	var loops sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		e.wg.Add(1)
		loops.Add(1)
		go func() {
			defer loops.Done()
			e.workLoop(subCtx, queue, opts, handler)
		}()
	}
	go func() {
		loops.Wait()
		close(sub.done)
	}()

	return sub, nil
}

func (e *Postgres) workLoop(ctx context.Context, queue string, opts WorkOptions, handler WorkHandler) {
	defer e.wg.Done()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain available work before sleeping again.
		for ctx.Err() == nil {
			jobs, err := e.fetchBatch(ctx, queue, opts.BatchSize)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Error("batch fetch failed",
						zap.String("queue", queue),
						zap.Error(err))
				}
				break
			}
			if len(jobs) == 0 {
				break
			}

			if err := handler(ctx, jobs); err != nil {
				e.failJobs(ctx, jobs, err)
			} else {
				e.completeJobs(ctx, jobs)
			}

			if len(jobs) < opts.BatchSize {
				break
			}
		}
	}
}

func (e *Postgres) fetchBatch(ctx context.Context, queue string, limit int) ([]*model.Job, error) {
	rows, err := e.pool.Query(ctx, `
		WITH next AS (
			SELECT id FROM jobs
			WHERE queue_name = $1 AND state IN ('created', 'retry') AND start_after <= now()
			ORDER BY priority DESC, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j SET state = 'active', started_at = now()
		FROM next WHERE j.id = next.id
		RETURNING j.id, j.queue_name, j.payload, j.state, j.priority,
			j.retry_count, j.retry_limit, j.retry_delay_seconds, j.retry_backoff,
			j.output, j.created_at, j.started_at, j.completed_at`,
		queue, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]*model.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func (e *Postgres) completeJobs(ctx context.Context, jobs []*model.Job) {
	ids := jobIDs(jobs)
	_, err := e.pool.Exec(ctx, `
		UPDATE jobs SET state = 'completed', completed_at = now()
		WHERE id = ANY($1) AND state = 'active'`, ids)
	if err != nil && ctx.Err() == nil {
		e.logger.Error("failed to complete jobs", zap.Strings("job_ids", ids), zap.Error(err))
	}
}

func (e *Postgres) failJobs(ctx context.Context, jobs []*model.Job, cause error) {
	ids := jobIDs(jobs)
	output, _ := json.Marshal(map[string]string{"message": cause.Error()})

	// Jobs with retries left go back to the queue after their delay
	// (doubled per attempt when backoff is set); exhausted jobs fail.
	_, err := e.pool.Exec(ctx, `
		UPDATE jobs SET
			state = CASE WHEN retry_count < retry_limit THEN 'retry' ELSE 'failed' END,
			retry_count = retry_count + 1,
			start_after = CASE WHEN retry_count < retry_limit
				THEN now() + make_interval(secs =>
					retry_delay_seconds * CASE WHEN retry_backoff THEN power(2, retry_count) ELSE 1 END)
				ELSE start_after END,
			completed_at = CASE WHEN retry_count >= retry_limit THEN now() ELSE completed_at END,
			output = $2
		WHERE id = ANY($1) AND state = 'active'`, ids, output)
	if err != nil && ctx.Err() == nil {
		e.logger.Error("failed to fail jobs", zap.Strings("job_ids", ids), zap.Error(err))
	}
}

// Cancel moves a non-terminal job to the cancelled state. Cancelling a job
// that already reached a terminal state is a no-op.
func (e *Postgres) Cancel(ctx context.Context, queue, jobID string) error {
	if _, err := uuid.Parse(jobID); err != nil {
		return fmt.Errorf("job %s in queue %s: %w", jobID, queue, ErrJobNotFound)
	}

	tag, err := e.pool.Exec(ctx, `
		UPDATE jobs SET state = 'cancelled', completed_at = now()
		WHERE queue_name = $1 AND id = $2 AND state IN ('created', 'retry', 'active')`,
		queue, jobID)
	if err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = e.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE queue_name = $1 AND id = $2)`,
		queue, jobID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to look up job %s: %w", jobID, err)
	}
	if !exists {
		return fmt.Errorf("job %s in queue %s: %w", jobID, queue, ErrJobNotFound)
	}
	return nil
}

// GetJobByID fetches a job from a queue.
func (e *Postgres) GetJobByID(ctx context.Context, queue, jobID string) (*model.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("job %s in queue %s: %w", jobID, queue, ErrJobNotFound)
	}

	row := e.pool.QueryRow(ctx, `
		SELECT id, queue_name, payload, state, priority,
			retry_count, retry_limit, retry_delay_seconds, retry_backoff,
			output, created_at, started_at, completed_at
		FROM jobs WHERE queue_name = $1 AND id = $2`,
		queue, jobID)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s in queue %s: %w", jobID, queue, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

// QueueSize counts jobs in the given states; with no states it counts jobs
// awaiting or undergoing delivery.
func (e *Postgres) QueueSize(ctx context.Context, queue string, states ...model.JobState) (int64, error) {
	if len(states) == 0 {
		states = []model.JobState{model.JobStateCreated, model.JobStateRetry, model.JobStateActive}
	}
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}

	var count int64
	err := e.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE queue_name = $1 AND state = ANY($2)`,
		queue, names).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get queue size for %s: %w", queue, err)
	}
	return count, nil
}

// Schedule registers a recurring publish for a queue. A second call for
// the same queue replaces the previous schedule.
func (e *Postgres) Schedule(ctx context.Context, queue, cronExpr string, payload []byte, opts SendOptions) error {
	sched, err := ParseSchedule(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("failed to encode schedule options: %w", err)
	}

	_, err = e.pool.Exec(ctx, `
		INSERT INTO schedules (queue_name, cron, payload, options, next_fire_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (queue_name) DO UPDATE SET
			cron = EXCLUDED.cron,
			payload = EXCLUDED.payload,
			options = EXCLUDED.options,
			next_fire_at = EXCLUDED.next_fire_at,
			updated_at = now()`,
		queue, cronExpr, payload, optsJSON, sched.Next(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to register schedule for %s: %w", queue, err)
	}
	return nil
}

// Ping checks the database connection.
func (e *Postgres) Ping(ctx context.Context) error {
	return e.pool.Ping(ctx)
}

// Close stops all delivery loops and releases the connection pool.
func (e *Postgres) Close() {
	e.cancel()
	e.wg.Wait()
	e.pool.Close()
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job        model.Job
		state      string
		retryDelay int
	)
	err := row.Scan(
		&job.ID, &job.Queue, &job.Payload, &state, &job.Priority,
		&job.RetryCount, &job.RetryLimit, &retryDelay, &job.RetryBackoff,
		&job.Output, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.State = model.JobState(state)
	job.RetryDelay = time.Duration(retryDelay) * time.Second
	return &job, nil
}

func jobIDs(jobs []*model.Job) []string {
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	return ids
}
