package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// StartScheduler launches the background loops that fire due schedules and
// expire overrunning jobs. Call once after Migrate.
func (e *Postgres) StartScheduler() {
	e.wg.Add(2)
	go e.scheduleLoop(e.rootCtx)
	go e.maintenanceLoop(e.rootCtx)
}

func (e *Postgres) scheduleLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.ScheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.fireDueSchedules(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("schedule tick failed", zap.Error(err))
			}
		}
	}
}

// fireDueSchedules publishes a job for every schedule whose next fire time
// has passed and advances it. SKIP LOCKED keeps concurrent ticks (or a
// second broker instance sharing the database) from double-firing.
func (e *Postgres) fireDueSchedules(ctx context.Context) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT queue_name, cron, payload, options
		FROM schedules
		WHERE next_fire_at <= now()
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return err
	}

	type due struct {
		queue    string
		cron     string
		payload  []byte
		optsJSON []byte
	}
	var dues []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.queue, &d.cron, &d.payload, &d.optsJSON); err != nil {
			rows.Close()
			return err
		}
		dues = append(dues, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range dues {
		var opts SendOptions
		if len(d.optsJSON) > 0 {
			if err := json.Unmarshal(d.optsJSON, &opts); err != nil {
				e.logger.Error("bad schedule options, skipping fire",
					zap.String("queue", d.queue), zap.Error(err))
				continue
			}
		}
		// Scheduled publishes must not carry a stale start time.
		opts.StartAfter = time.Time{}

		jobID, err := e.send(ctx, tx, d.queue, d.payload, opts)
		if errors.Is(err, ErrQueueMissing) {
			if _, cqErr := tx.Exec(ctx,
				`INSERT INTO queues (name) VALUES ($1) ON CONFLICT DO NOTHING`, d.queue); cqErr != nil {
				return cqErr
			}
			jobID, err = e.send(ctx, tx, d.queue, d.payload, opts)
		}
		if err != nil {
			e.logger.Error("scheduled publish failed",
				zap.String("queue", d.queue), zap.Error(err))
			continue
		}

		sched, err := ParseSchedule(d.cron)
		if err != nil {
			e.logger.Error("stored cron no longer parses, disabling schedule",
				zap.String("queue", d.queue), zap.String("cron", d.cron), zap.Error(err))
			if _, delErr := tx.Exec(ctx,
				`DELETE FROM schedules WHERE queue_name = $1`, d.queue); delErr != nil {
				return delErr
			}
			continue
		}

		if _, err := tx.Exec(ctx, `
			UPDATE schedules SET next_fire_at = $2, updated_at = now()
			WHERE queue_name = $1`,
			d.queue, sched.Next(time.Now())); err != nil {
			return err
		}

		e.logger.Info("fired schedule",
			zap.String("queue", d.queue),
			zap.String("job_id", jobID))
	}

	return tx.Commit(ctx)
}

func (e *Postgres) maintenanceLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.expireOverdueJobs(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("maintenance tick failed", zap.Error(err))
			}
		}
	}
}

// expireOverdueJobs fails active jobs that exceeded their expiry, routing
// them through the same retry bookkeeping as handler failures.
func (e *Postgres) expireOverdueJobs(ctx context.Context) error {
	tag, err := e.pool.Exec(ctx, `
		UPDATE jobs SET
			state = CASE WHEN retry_count < retry_limit THEN 'retry' ELSE 'failed' END,
			retry_count = retry_count + 1,
			start_after = now(),
			completed_at = CASE WHEN retry_count >= retry_limit THEN now() ELSE completed_at END,
			output = '{"message": "job expired"}'
		WHERE state = 'active'
		  AND expire_in_seconds IS NOT NULL
		  AND started_at + make_interval(secs => expire_in_seconds) < now()`)
	if err != nil {
		return err
	}
	if n := tag.RowsAffected(); n > 0 {
		e.logger.Warn("expired overrunning jobs", zap.Int64("count", n))
	}
	return nil
}
