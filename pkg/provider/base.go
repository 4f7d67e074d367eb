package provider

import (
	"context"
	"encoding/json"
)

// BaseAdapter provides the default behavior shared by all providers. Embed
// it in your adapter to inherit these defaults; override any method that
// needs provider-specific behavior.
type BaseAdapter struct{}

// HasSetupSteps defaults to true: most providers need explicit credentials.
func (b *BaseAdapter) HasSetupSteps() bool { return true }

// Create defaults to no external side effect and empty state.
func (b *BaseAdapter) Create(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

// Refresh defaults to returning the stored state unchanged.
func (b *BaseAdapter) Refresh(ctx context.Context, cfg Config, t TriggerHandle) (json.RawMessage, error) {
	return t.State, nil
}

// Destroy defaults to nothing to tear down.
func (b *BaseAdapter) Destroy(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) error {
	return nil
}

// ValidateWebhook defaults to no handshake.
func (b *BaseAdapter) ValidateWebhook(ctx context.Context, cfg Config, ev *Event) (*Response, error) {
	return nil, nil
}

// Match defaults to firing every candidate unfiltered.
func (b *BaseAdapter) Match(ctx context.Context, cfg Config, ev *Event, candidates []TriggerHandle) ([]TriggerHandle, error) {
	return candidates, nil
}
