package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// WebhookStore handles incoming-webhook rows: the mapping from public URL
// paths to the trigger or provider that owns them.
type WebhookStore struct {
	db *sqlx.DB
}

// NormalizePath forces a leading slash and strips any trailing slash, so
// lookup is exact regardless of how the caller spelled the URL.
func NormalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func (s *WebhookStore) FindByPath(ctx context.Context, path string) (*IncomingWebhook, error) {
	var w IncomingWebhook
	err := s.db.GetContext(ctx, &w, `
		SELECT id, path, method, trigger_id, provider_id, created_at
		FROM incoming_webhooks WHERE path = $1`, NormalizePath(path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find webhook by path: %w", err)
	}
	return &w, nil
}

// FindByProvider returns the provider-scoped webhook when one exists,
// supporting the reuseExisting behavior of adapter webhook registration.
func (s *WebhookStore) FindByProvider(ctx context.Context, providerID string) (*IncomingWebhook, error) {
	var w IncomingWebhook
	err := s.db.GetContext(ctx, &w, `
		SELECT id, path, method, trigger_id, provider_id, created_at
		FROM incoming_webhooks WHERE provider_id = $1
		ORDER BY created_at LIMIT 1`, providerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find webhook by provider: %w", err)
	}
	return &w, nil
}

func (s *WebhookStore) FindByTrigger(ctx context.Context, triggerID string) (*IncomingWebhook, error) {
	var w IncomingWebhook
	err := s.db.GetContext(ctx, &w, `
		SELECT id, path, method, trigger_id, provider_id, created_at
		FROM incoming_webhooks WHERE trigger_id = $1`, triggerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find webhook by trigger: %w", err)
	}
	return &w, nil
}

// Create inserts a webhook row. Exactly one of triggerID / providerID must be
// non-empty; the check constraint enforces the same at the database.
func (s *WebhookStore) Create(ctx context.Context, path, method, triggerID, providerID string) (*IncomingWebhook, error) {
	if (triggerID == "") == (providerID == "") {
		return nil, errors.New("webhook must be owned by exactly one of trigger or provider")
	}
	w := IncomingWebhook{
		ID:        uuid.New().String(),
		Path:      NormalizePath(path),
		Method:    method,
		CreatedAt: time.Now().UTC(),
	}
	if triggerID != "" {
		w.TriggerID = &triggerID
	}
	if providerID != "" {
		w.ProviderID = &providerID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incoming_webhooks (id, path, method, trigger_id, provider_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.Path, w.Method, w.TriggerID, w.ProviderID, w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return &w, nil
}

func (s *WebhookStore) DeleteByTrigger(ctx context.Context, triggerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM incoming_webhooks WHERE trigger_id = $1`, triggerID)
	if err != nil {
		return fmt.Errorf("delete webhooks by trigger: %w", err)
	}
	return nil
}
