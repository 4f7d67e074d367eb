package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// NamespaceStore reads namespace rows. Namespace CRUD itself lives outside
// the core; the core only resolves scoping.
type NamespaceStore struct {
	db *sqlx.DB
}

func (s *NamespaceStore) Get(ctx context.Context, id string) (*Namespace, error) {
	var ns Namespace
	err := s.db.GetContext(ctx, &ns,
		`SELECT id, owner_kind, owner_id, name, created_at FROM namespaces WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get namespace: %w", err)
	}
	return &ns, nil
}
