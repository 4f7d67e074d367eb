package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/robfig/cron/v3"
)

// BuiltinAdapter implements the provider with no external service behind it:
// plain incoming webhooks, cron schedules, and manual invocation. It has no
// setup steps, so the lifecycle manager auto-creates a builtin provider with
// empty config the first time a trigger references one.
type BuiltinAdapter struct{ BaseAdapter }

func init() {
	Register(&BuiltinAdapter{})
}

var _ Adapter = (*BuiltinAdapter)(nil)

// BuiltinWebhookInput configures an onWebhook trigger. Path is optional; a
// random path is minted when empty. InputSchema optionally constrains manual
// invocations (onManual shares the shape).
type BuiltinWebhookInput struct {
	Path        string          `json:"path,omitempty"`
	Method      string          `json:"method,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// BuiltinCronInput configures an onCron trigger.
type BuiltinCronInput struct {
	Expression string `json:"expression"`
}

// BuiltinState is the externally-materialized state of a builtin trigger.
type BuiltinState struct {
	WebhookID       string `json:"webhook_id,omitempty"`
	URL             string `json:"url,omitempty"`
	RecurringTaskID string `json:"recurring_task_id,omitempty"`
}

func (b *BuiltinAdapter) Name() string        { return "builtin" }
func (b *BuiltinAdapter) DisplayName() string { return "Built-in" }
func (b *BuiltinAdapter) HasSetupSteps() bool { return false }

func (b *BuiltinAdapter) TriggerTypes() []string {
	return []string{"onWebhook", "onCron", "onManual"}
}

func (b *BuiltinAdapter) Create(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) (json.RawMessage, error) {
	switch t.TriggerType {
	case "onWebhook":
		var input BuiltinWebhookInput
		if err := json.Unmarshal(t.Input, &input); err != nil {
			return nil, fmt.Errorf("decode webhook input: %w", err)
		}
		method := input.Method
		if method == "" {
			method = http.MethodPost
		}
		hook, err := utils.RegisterWebhook(ctx, WebhookRequest{
			Path:   input.Path,
			Method: method,
			Owner:  OwnerTrigger,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(BuiltinState{WebhookID: hook.ID, URL: hook.URL})

	case "onCron":
		var input BuiltinCronInput
		if err := json.Unmarshal(t.Input, &input); err != nil {
			return nil, fmt.Errorf("decode cron input: %w", err)
		}
		if _, err := cron.ParseStandard(input.Expression); err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", input.Expression, err)
		}
		task, err := utils.RegisterRecurringTask(ctx, RecurringTaskRequest{
			CronExpression: input.Expression,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(BuiltinState{RecurringTaskID: task.ID})

	case "onManual":
		return json.RawMessage(`{}`), nil

	default:
		return nil, fmt.Errorf("unknown builtin trigger type %q", t.TriggerType)
	}
}

func (b *BuiltinAdapter) Destroy(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) error {
	if t.TriggerType == "onCron" {
		return utils.UnregisterRecurringTask(ctx)
	}
	// Webhook rows cascade with the trigger row; nothing external to undo.
	return nil
}

// Match is inherited from BaseAdapter: builtin webhooks are path-dispatched,
// so every candidate the ingress resolved for the path fires.
