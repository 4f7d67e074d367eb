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

// ExecutionStore is the append-then-update invocation log. Transitions are
// guarded in SQL so the state machine can never move backward, no matter how
// callbacks interleave.
//
//	RECEIVED ──► STARTED ──► COMPLETED
//	    │           │
//	    │           └──► FAILED / TIMEOUT
//	    └──► NO_DEPLOYMENT
type ExecutionStore struct {
	db *sqlx.DB
}

// ErrInvalidTransition is returned when a terminal or out-of-order update is
// attempted.
var ErrInvalidTransition = errors.New("store: invalid execution status transition")

const executionColumns = `
	id, workflow_id, trigger_id, deployment_id, status, received_at,
	started_at, completed_at, error_message, error_stack, logs`

// Create appends a RECEIVED row for a (workflow, trigger) pair.
func (s *ExecutionStore) Create(ctx context.Context, workflowID, triggerID string) (*Execution, error) {
	e := Execution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		TriggerID:  triggerID,
		Status:     ExecutionReceived,
		ReceivedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_history (id, workflow_id, trigger_id, status, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.WorkflowID, e.TriggerID, e.Status, e.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return &e, nil
}

// MarkStarted transitions RECEIVED -> STARTED and links the deployment.
// Callers must commit this before invoking the runtime so the runtime's
// completion callback can always find a STARTED row.
func (s *ExecutionStore) MarkStarted(ctx context.Context, id, deploymentID string) error {
	return s.transition(ctx, `
		UPDATE execution_history
		SET status = 'STARTED', started_at = $2, deployment_id = $3
		WHERE id = $1 AND status = 'RECEIVED'`,
		id, time.Now().UTC(), deploymentID)
}

// MarkCompleted transitions STARTED -> COMPLETED.
func (s *ExecutionStore) MarkCompleted(ctx context.Context, id string, logs *string) error {
	return s.transition(ctx, `
		UPDATE execution_history
		SET status = 'COMPLETED', completed_at = $2, logs = COALESCE($3, logs)
		WHERE id = $1 AND status = 'STARTED'`,
		id, time.Now().UTC(), logs)
}

// MarkFailed transitions STARTED -> FAILED with error details.
func (s *ExecutionStore) MarkFailed(ctx context.Context, id, errMsg string, stack, logs *string) error {
	return s.transition(ctx, `
		UPDATE execution_history
		SET status = 'FAILED', completed_at = $2, error_message = $3,
		    error_stack = $4, logs = COALESCE($5, logs)
		WHERE id = $1 AND status = 'STARTED'`,
		id, time.Now().UTC(), errMsg, stack, logs)
}

// MarkTimeout transitions STARTED -> TIMEOUT.
func (s *ExecutionStore) MarkTimeout(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE execution_history
		SET status = 'TIMEOUT', completed_at = $2
		WHERE id = $1 AND status = 'STARTED'`,
		id, time.Now().UTC())
}

// MarkNoDeployment terminates a RECEIVED row whose workflow had no active
// deployment at dispatch time.
func (s *ExecutionStore) MarkNoDeployment(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE execution_history
		SET status = 'NO_DEPLOYMENT', completed_at = $2
		WHERE id = $1 AND status = 'RECEIVED'`,
		id, time.Now().UTC())
}

func (s *ExecutionStore) transition(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("execution transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("execution transition: %w", err)
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *ExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	var e Execution
	err := s.db.GetContext(ctx, &e,
		`SELECT `+executionColumns+` FROM execution_history WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return &e, nil
}

// ListByWorkflow pages through a workflow's executions, newest first,
// optionally filtered by status.
func (s *ExecutionStore) ListByWorkflow(ctx context.Context, workflowID string, status ExecutionStatus, limit, offset int) ([]Execution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []Execution
	var err error
	if status != "" {
		err = s.db.SelectContext(ctx, &out, `
			SELECT `+executionColumns+` FROM execution_history
			WHERE workflow_id = $1 AND status = $2
			ORDER BY received_at DESC LIMIT $3 OFFSET $4`,
			workflowID, status, limit, offset)
	} else {
		err = s.db.SelectContext(ctx, &out, `
			SELECT `+executionColumns+` FROM execution_history
			WHERE workflow_id = $1
			ORDER BY received_at DESC LIMIT $2 OFFSET $3`,
			workflowID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

// ListRecent returns the newest executions across all workflows (admin view).
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]Execution, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []Execution
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+executionColumns+` FROM execution_history
		ORDER BY received_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent executions: %w", err)
	}
	return out, nil
}
