package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// RecurringTaskStore persists the rows that shadow scheduler jobs. One row
// per scheduled trigger; the scheduler job id is "recurring_task_<id>".
type RecurringTaskStore struct {
	db *sqlx.DB
}

// JobIDPrefix prefixes every scheduler job owned by a recurring task.
const JobIDPrefix = "recurring_task_"

// JobID returns the scheduler job id for a recurring task.
func JobID(taskID string) string { return JobIDPrefix + taskID }

func (s *RecurringTaskStore) Create(ctx context.Context, triggerID string) (*RecurringTask, error) {
	rt := RecurringTask{
		ID:        uuid.New().String(),
		TriggerID: triggerID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recurring_tasks (id, trigger_id, created_at)
		VALUES ($1, $2, $3)`, rt.ID, rt.TriggerID, rt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create recurring task: %w", err)
	}
	return &rt, nil
}

func (s *RecurringTaskStore) FindByTrigger(ctx context.Context, triggerID string) (*RecurringTask, error) {
	var rt RecurringTask
	err := s.db.GetContext(ctx, &rt, `
		SELECT id, trigger_id, created_at FROM recurring_tasks WHERE trigger_id = $1`, triggerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find recurring task: %w", err)
	}
	return &rt, nil
}

func (s *RecurringTaskStore) List(ctx context.Context) ([]RecurringTask, error) {
	var out []RecurringTask
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, trigger_id, created_at FROM recurring_tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list recurring tasks: %w", err)
	}
	return out, nil
}

func (s *RecurringTaskStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recurring_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete recurring task: %w", err)
	}
	return nil
}
