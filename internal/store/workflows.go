package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WorkflowStore reads workflows and their deployments. The dispatcher and
// lifecycle manager only ever need reads here; workflow CRUD is out of core.
type WorkflowStore struct {
	db *sqlx.DB
}

func (s *WorkflowStore) Get(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	err := s.db.GetContext(ctx, &wf,
		`SELECT id, namespace_id, name, description, created_at FROM workflows WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return &wf, nil
}

// LatestActiveDeployment returns the most recent ACTIVE deployment for a
// workflow, or ErrNotFound when the workflow has none.
func (s *WorkflowStore) LatestActiveDeployment(ctx context.Context, workflowID string) (*Deployment, error) {
	var d Deployment
	err := s.db.GetContext(ctx, &d, `
		SELECT id, workflow_id, runtime_id, code, entrypoint, status,
		       trigger_definitions, deployed_at, deployed_by
		FROM workflow_deployments
		WHERE workflow_id = $1 AND status = 'ACTIVE'
		ORDER BY deployed_at DESC
		LIMIT 1`, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest active deployment: %w", err)
	}
	return &d, nil
}

func (s *WorkflowStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	var d Deployment
	err := s.db.GetContext(ctx, &d, `
		SELECT id, workflow_id, runtime_id, code, entrypoint, status,
		       trigger_definitions, deployed_at, deployed_by
		FROM workflow_deployments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	return &d, nil
}
