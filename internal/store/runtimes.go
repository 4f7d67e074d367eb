package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// RuntimeStore handles content-addressed runtime rows and their creation logs.
type RuntimeStore struct {
	db *sqlx.DB
}

// ConfigHash computes the deterministic hash of a runtime config. Keys are
// hashed in sorted order so semantically equal configs collide.
func ConfigHash(config map[string]any) string {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		v, _ := json.Marshal(config[k])
		fmt.Fprintf(h, "%s=%s;", k, v)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Upsert returns the runtime whose config hash matches, inserting a fresh
// IN_PROGRESS row when none exists. Two requests with identical config get
// the same runtime.
func (s *RuntimeStore) Upsert(ctx context.Context, config map[string]any) (*Runtime, bool, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, false, fmt.Errorf("marshal runtime config: %w", err)
	}
	hash := ConfigHash(config)

	var rt Runtime
	err = s.db.GetContext(ctx, &rt, `
		SELECT id, config, config_hash, status, created_at
		FROM runtimes WHERE config_hash = $1`, hash)
	if err == nil {
		return &rt, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("lookup runtime: %w", err)
	}

	rt = Runtime{
		ID:         uuid.New().String(),
		Config:     raw,
		ConfigHash: hash,
		Status:     RuntimeInProgress,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runtimes (id, config, config_hash, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (config_hash) DO NOTHING`,
		rt.ID, rt.Config, rt.ConfigHash, rt.Status, rt.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert runtime: %w", err)
	}

	// A concurrent upsert may have won the conflict; read back the row that
	// actually owns the hash.
	err = s.db.GetContext(ctx, &rt, `
		SELECT id, config, config_hash, status, created_at
		FROM runtimes WHERE config_hash = $1`, hash)
	if err != nil {
		return nil, false, fmt.Errorf("read back runtime: %w", err)
	}
	return &rt, true, nil
}

func (s *RuntimeStore) Get(ctx context.Context, id string) (*Runtime, error) {
	var rt Runtime
	err := s.db.GetContext(ctx, &rt, `
		SELECT id, config, config_hash, status, created_at FROM runtimes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get runtime: %w", err)
	}
	return &rt, nil
}

func (s *RuntimeStore) SetStatus(ctx context.Context, id string, status RuntimeStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runtimes SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set runtime status: %w", err)
	}
	return nil
}

// AppendLog records one creation-log line for a runtime.
func (s *RuntimeStore) AppendLog(ctx context.Context, runtimeID, level, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_logs (runtime_id, ts, level, message)
		VALUES ($1, $2, $3, $4)`,
		runtimeID, time.Now().UTC(), strings.ToLower(level), message)
	if err != nil {
		return fmt.Errorf("append runtime log: %w", err)
	}
	return nil
}

func (s *RuntimeStore) Logs(ctx context.Context, runtimeID string) ([]RuntimeLog, error) {
	var logs []RuntimeLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT id, runtime_id, ts, level, message
		FROM runtime_logs WHERE runtime_id = $1 ORDER BY ts`, runtimeID)
	if err != nil {
		return nil, fmt.Errorf("list runtime logs: %w", err)
	}
	return logs, nil
}
