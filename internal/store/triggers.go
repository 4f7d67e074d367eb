package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// TriggerStore is the trigger registry: the durable table of declared
// triggers and their externally-materialized state.
type TriggerStore struct {
	db *sqlx.DB
}

const triggerColumns = `
	t.id, t.workflow_id, t.provider_id, t.trigger_type, t.input, t.state,
	t.created_at, p.type AS provider_type, p.alias AS provider_alias,
	p.namespace_id AS namespace_id`

// Identity is the reconcile-equality tuple of a trigger.
// CanonicalJSON normalization means two inputs with reordered keys compare
// equal.
func Identity(providerType, providerAlias, triggerType string, input json.RawMessage) string {
	return fmt.Sprintf("%s/%s/%s/%s", providerType, providerAlias, triggerType, CanonicalJSON(input))
}

// IdentityOf returns the identity tuple of a stored trigger. The provider
// columns must be populated (every TriggerStore query joins them).
func IdentityOf(t *Trigger) string {
	return Identity(t.ProviderType, t.ProviderAlias, t.TriggerType, t.Input)
}

// CanonicalJSON re-encodes a JSON document with object keys sorted, so that
// byte comparison equals structural comparison. Invalid input is returned
// verbatim.
func CanonicalJSON(raw json.RawMessage) string {
	var v any
	if len(raw) == 0 {
		return "{}"
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(canonicalize(v))
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// canonicalize rebuilds maps so encoding/json emits keys in sorted order.
// encoding/json already sorts map[string]any keys; the rebuild exists for
// nested structures decoded into other container types.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(map[string]any, len(t))
		for _, k := range keys {
			m[k] = canonicalize(t[k])
		}
		return m
	case []any:
		for i := range t {
			t[i] = canonicalize(t[i])
		}
		return t
	default:
		return v
	}
}

func (s *TriggerStore) Get(ctx context.Context, id string) (*Trigger, error) {
	var t Trigger
	err := s.db.GetContext(ctx, &t, `
		SELECT `+triggerColumns+`
		FROM triggers t JOIN providers p ON p.id = t.provider_id
		WHERE t.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	return &t, nil
}

func (s *TriggerStore) ListByWorkflow(ctx context.Context, workflowID string) ([]Trigger, error) {
	var out []Trigger
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+triggerColumns+`
		FROM triggers t JOIN providers p ON p.id = t.provider_id
		WHERE t.workflow_id = $1 ORDER BY t.created_at`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list triggers by workflow: %w", err)
	}
	return out, nil
}

func (s *TriggerStore) ListByProvider(ctx context.Context, providerID string) ([]Trigger, error) {
	var out []Trigger
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+triggerColumns+`
		FROM triggers t JOIN providers p ON p.id = t.provider_id
		WHERE t.provider_id = $1 ORDER BY t.created_at`, providerID)
	if err != nil {
		return nil, fmt.Errorf("list triggers by provider: %w", err)
	}
	return out, nil
}

// Insert creates a placeholder trigger row with empty state. The lifecycle
// manager persists adapter-returned state afterwards via UpdateState, or
// deletes the placeholder when the adapter create fails.
func (s *TriggerStore) Insert(ctx context.Context, workflowID, providerID, triggerType string, input json.RawMessage) (*Trigger, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	t := Trigger{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		ProviderID:  providerID,
		TriggerType: triggerType,
		Input:       input,
		State:       json.RawMessage(`{}`),
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO triggers (id, workflow_id, provider_id, trigger_type, input, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.WorkflowID, t.ProviderID, t.TriggerType, t.Input, t.State, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert trigger: %w", err)
	}
	return &t, nil
}

func (s *TriggerStore) UpdateState(ctx context.Context, id string, state json.RawMessage) error {
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET state = $2 WHERE id = $1`, id, state)
	if err != nil {
		return fmt.Errorf("update trigger state: %w", err)
	}
	return nil
}

func (s *TriggerStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	return nil
}

// FindByScheduleID resolves the trigger behind a scheduler job via its
// recurring task row.
func (s *TriggerStore) FindByScheduleID(ctx context.Context, recurringTaskID string) (*Trigger, error) {
	var t Trigger
	err := s.db.GetContext(ctx, &t, `
		SELECT `+triggerColumns+`
		FROM triggers t
		JOIN providers p ON p.id = t.provider_id
		JOIN recurring_tasks r ON r.trigger_id = t.id
		WHERE r.id = $1`, recurringTaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find trigger by schedule: %w", err)
	}
	return &t, nil
}
