// Package scheduler is the durable cron/interval scheduler. Jobs live in the
// scheduler_jobs table shared by every replica; each replica polls for due
// jobs and claims them with FOR UPDATE SKIP LOCKED, so a job fires exactly
// once per due time no matter how many replicas run. The callback executes
// inside the claiming transaction, which also gives one-instance-at-a-time
// per job: a replica holding the row keeps everyone else off it.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/floww-sh/floww/internal/store"
)

// DefaultMisfireGrace is how late a claimed fire may be before it is dropped
// instead of executed.
const DefaultMisfireGrace = 30 * time.Second

// pollInterval is how often each replica checks for due jobs.
const pollInterval = time.Second

// claimBatch caps how many due jobs one tick claims.
const claimBatch = 10

// Trigger describes when a job fires. Exactly one field is set.
type Trigger struct {
	CronExpression  string
	IntervalSeconds int64
}

// next computes the fire time after now. Missed fires coalesce because the
// computation always starts from now, never from the last scheduled time.
func (t Trigger) next(now time.Time) (time.Time, error) {
	switch {
	case t.CronExpression != "":
		sched, err := cron.ParseStandard(t.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", t.CronExpression, err)
		}
		return sched.Next(now.UTC()), nil
	case t.IntervalSeconds > 0:
		return now.UTC().Add(time.Duration(t.IntervalSeconds) * time.Second), nil
	default:
		return time.Time{}, errors.New("trigger needs a cron expression or an interval")
	}
}

func triggerOf(job *store.SchedulerJob) Trigger {
	var t Trigger
	if job.CronExpr != nil {
		t.CronExpression = *job.CronExpr
	}
	if job.IntervalSeconds != nil {
		t.IntervalSeconds = *job.IntervalSeconds
	}
	return t
}

// Dispatcher is the downstream the cron callback hands matched work to.
// Implemented by internal/dispatch.
type Dispatcher interface {
	Dispatch(ctx context.Context, trigger *store.Trigger, eventData map[string]any, executionID string) error
}

// Scheduler owns the durable job table and the per-replica claim loop.
type Scheduler struct {
	db         *store.DB
	log        *zap.Logger
	dispatcher Dispatcher
	grace      time.Duration
}

// New builds a Scheduler. grace <= 0 selects DefaultMisfireGrace.
func New(db *store.DB, dispatcher Dispatcher, log *zap.Logger, grace time.Duration) *Scheduler {
	if grace <= 0 {
		grace = DefaultMisfireGrace
	}
	return &Scheduler{db: db, log: log, dispatcher: dispatcher, grace: grace}
}

// AddJob upserts a job, replacing any existing schedule under the same id.
func (s *Scheduler) AddJob(ctx context.Context, id string, trig Trigger) error {
	now := time.Now().UTC()
	next, err := trig.next(now)
	if err != nil {
		return err
	}
	var cronExpr *string
	var interval *int64
	if trig.CronExpression != "" {
		cronExpr = &trig.CronExpression
	} else {
		interval = &trig.IntervalSeconds
	}
	_, err = s.db.Conn().ExecContext(ctx, `
		INSERT INTO scheduler_jobs (id, cron_expr, interval_seconds, next_fire_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			cron_expr = EXCLUDED.cron_expr,
			interval_seconds = EXCLUDED.interval_seconds,
			next_fire_at = EXCLUDED.next_fire_at,
			updated_at = EXCLUDED.updated_at`,
		id, cronExpr, interval, next, now)
	if err != nil {
		return fmt.Errorf("add scheduler job %s: %w", id, err)
	}
	return nil
}

// RemoveJob deletes a job. Removing an absent job is not an error.
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error {
	_, err := s.db.Conn().ExecContext(ctx, `DELETE FROM scheduler_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove scheduler job %s: %w", id, err)
	}
	return nil
}

// GetJob returns one job, or store.ErrNotFound.
func (s *Scheduler) GetJob(ctx context.Context, id string) (*store.SchedulerJob, error) {
	var job store.SchedulerJob
	err := s.db.Conn().GetContext(ctx, &job, `
		SELECT id, cron_expr, interval_seconds, next_fire_at, last_fired_at, updated_at
		FROM scheduler_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduler job %s: %w", id, err)
	}
	return &job, nil
}

// ListJobs returns every job ordered by next fire time.
func (s *Scheduler) ListJobs(ctx context.Context) ([]store.SchedulerJob, error) {
	var jobs []store.SchedulerJob
	err := s.db.Conn().SelectContext(ctx, &jobs, `
		SELECT id, cron_expr, interval_seconds, next_fire_at, last_fired_at, updated_at
		FROM scheduler_jobs ORDER BY next_fire_at`)
	if err != nil {
		return nil, fmt.Errorf("list scheduler jobs: %w", err)
	}
	return jobs, nil
}

// RescheduleJob changes an existing job's schedule. store.ErrNotFound when
// the job does not exist.
func (s *Scheduler) RescheduleJob(ctx context.Context, id string, trig Trigger) error {
	now := time.Now().UTC()
	next, err := trig.next(now)
	if err != nil {
		return err
	}
	var cronExpr *string
	var interval *int64
	if trig.CronExpression != "" {
		cronExpr = &trig.CronExpression
	} else {
		interval = &trig.IntervalSeconds
	}
	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE scheduler_jobs
		SET cron_expr = $2, interval_seconds = $3, next_fire_at = $4, updated_at = $5
		WHERE id = $1`,
		id, cronExpr, interval, next, now)
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SyncAllRecurringTasks reconciles the job table against the recurring task
// rows: every task gets a job with its current schedule, and orphan jobs
// carrying the recurring task prefix are removed. Idempotent; runs at
// startup.
func (s *Scheduler) SyncAllRecurringTasks(ctx context.Context) error {
	tasks, err := s.db.Recurring.List(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		jobID := store.JobID(task.ID)
		wanted[jobID] = true

		trigger, err := s.db.Triggers.FindByScheduleID(ctx, task.ID)
		if err != nil {
			s.log.Warn("recurring task has no trigger, skipping",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		trig, err := scheduleOf(trigger)
		if err != nil {
			s.log.Warn("recurring task trigger carries no schedule",
				zap.String("task_id", task.ID),
				zap.String("trigger_id", trigger.ID), zap.Error(err))
			continue
		}
		if err := s.AddJob(ctx, jobID, trig); err != nil {
			return err
		}
	}

	jobs, err := s.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if !strings.HasPrefix(job.ID, store.JobIDPrefix) || wanted[job.ID] {
			continue
		}
		s.log.Info("removing orphan scheduler job", zap.String("job_id", job.ID))
		if err := s.RemoveJob(ctx, job.ID); err != nil {
			return err
		}
	}
	return nil
}

// scheduleOf extracts the schedule from a trigger's input payload. Cron
// triggers carry an expression; poll triggers carry an interval.
func scheduleOf(t *store.Trigger) (Trigger, error) {
	input := gjson.ParseBytes(t.Input)
	if expr := input.Get("expression").String(); expr != "" {
		return Trigger{CronExpression: expr}, nil
	}
	if iv := input.Get("poll_interval_seconds").Int(); iv > 0 {
		return Trigger{IntervalSeconds: iv}, nil
	}
	if t.ProviderType == "google_calendar" {
		return Trigger{IntervalSeconds: 300}, nil
	}
	return Trigger{}, fmt.Errorf("trigger %s input has no expression or interval", t.ID)
}

// Run polls for due jobs until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.claimDue(ctx); err != nil {
				s.log.Error("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// claimDue claims and fires due jobs inside one transaction. Rows claimed
// here are invisible to other replicas until commit.
func (s *Scheduler) claimDue(ctx context.Context) error {
	now := time.Now().UTC()
	tx, err := s.db.Conn().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var due []store.SchedulerJob
	err = tx.SelectContext(ctx, &due, `
		SELECT id, cron_expr, interval_seconds, next_fire_at, last_fired_at, updated_at
		FROM scheduler_jobs
		WHERE next_fire_at <= $1
		ORDER BY next_fire_at
		FOR UPDATE SKIP LOCKED
		LIMIT $2`, now, claimBatch)
	if err != nil {
		return fmt.Errorf("select due jobs: %w", err)
	}

	for i := range due {
		job := &due[i]
		late := now.Sub(job.NextFireAt)
		if late > s.grace {
			s.log.Warn("dropping misfired job",
				zap.String("job_id", job.ID),
				zap.Duration("late", late),
				zap.Duration("grace", s.grace))
		} else {
			s.fire(ctx, job)
		}

		next, err := triggerOf(job).next(now)
		if err != nil {
			return fmt.Errorf("compute next fire for %s: %w", job.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE scheduler_jobs
			SET next_fire_at = $2, last_fired_at = $3, updated_at = $3
			WHERE id = $1`, job.ID, next, now); err != nil {
			return fmt.Errorf("advance job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}

// fire runs one job's callback. Errors are logged, never propagated: a
// failing callback must not wedge the claim loop.
func (s *Scheduler) fire(ctx context.Context, job *store.SchedulerJob) {
	if !strings.HasPrefix(job.ID, store.JobIDPrefix) {
		s.log.Warn("no callback for job", zap.String("job_id", job.ID))
		return
	}
	taskID := strings.TrimPrefix(job.ID, store.JobIDPrefix)
	if err := s.ExecuteCronJob(ctx, taskID, job); err != nil {
		s.log.Error("cron job failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}

// ExecuteCronJob is the callback behind recurring-task jobs: it records a
// RECEIVED execution and hands the trigger to the dispatcher with the
// standard cron event payload.
func (s *Scheduler) ExecuteCronJob(ctx context.Context, taskID string, job *store.SchedulerJob) error {
	trigger, err := s.db.Triggers.FindByScheduleID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("resolve trigger for task %s: %w", taskID, err)
	}

	exec, err := s.db.Executions.Create(ctx, trigger.WorkflowID, trigger.ID)
	if err != nil {
		return err
	}

	data := map[string]any{
		"scheduledTime": time.Now().UTC().Format(time.RFC3339),
	}
	if job.CronExpr != nil {
		data["expression"] = *job.CronExpr
	}

	s.log.Info("firing scheduled trigger",
		zap.String("trigger_id", trigger.ID),
		zap.String("workflow_id", trigger.WorkflowID),
		zap.String("execution_id", exec.ID))
	return s.dispatcher.Dispatch(ctx, trigger, data, exec.ID)
}
