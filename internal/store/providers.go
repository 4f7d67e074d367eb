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

// ProviderStore handles provider rows. Configs are stored encrypted; this
// layer never sees plaintext.
type ProviderStore struct {
	db *sqlx.DB
}

func (s *ProviderStore) Get(ctx context.Context, id string) (*Provider, error) {
	var p Provider
	err := s.db.GetContext(ctx, &p, `
		SELECT id, namespace_id, type, alias, encrypted_config, created_at
		FROM providers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return &p, nil
}

// Find resolves a provider by its (namespace, type, alias) identity.
func (s *ProviderStore) Find(ctx context.Context, namespaceID, ptype, alias string) (*Provider, error) {
	var p Provider
	err := s.db.GetContext(ctx, &p, `
		SELECT id, namespace_id, type, alias, encrypted_config, created_at
		FROM providers WHERE namespace_id = $1 AND type = $2 AND alias = $3`,
		namespaceID, ptype, alias)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find provider: %w", err)
	}
	return &p, nil
}

// Create inserts a provider row. The unique constraint on
// (namespace_id, type, alias) makes concurrent creates race-safe.
func (s *ProviderStore) Create(ctx context.Context, namespaceID, ptype, alias string, encryptedConfig []byte) (*Provider, error) {
	p := Provider{
		ID:              uuid.New().String(),
		NamespaceID:     namespaceID,
		Type:            ptype,
		Alias:           alias,
		EncryptedConfig: encryptedConfig,
		CreatedAt:       time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (id, namespace_id, type, alias, encrypted_config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (namespace_id, type, alias) DO NOTHING`,
		p.ID, p.NamespaceID, p.Type, p.Alias, p.EncryptedConfig, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	return s.Find(ctx, namespaceID, ptype, alias)
}

// ListByNamespace returns every provider in a namespace; the dispatcher uses
// this to build the decrypted providerConfigs map.
func (s *ProviderStore) ListByNamespace(ctx context.Context, namespaceID string) ([]Provider, error) {
	var out []Provider
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, namespace_id, type, alias, encrypted_config, created_at
		FROM providers WHERE namespace_id = $1 ORDER BY type, alias`, namespaceID)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	return out, nil
}
