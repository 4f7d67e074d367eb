package runtime

import "encoding/json"

// ProviderRef identifies the provider instance behind a firing trigger.
type ProviderRef struct {
	Type  string `json:"type"`
	Alias string `json:"alias"`
}

// TriggerRef is the trigger section of an invocation payload.
type TriggerRef struct {
	Provider    ProviderRef     `json:"provider"`
	TriggerType string          `json:"triggerType"`
	Input       json.RawMessage `json:"input"`
}

// Payload is the wire format delivered to every backend. Data carries the
// event: method/path/headers/body/query/params for webhooks, scheduledTime
// and expression for cron, manually_triggered/triggered_by/input_data for
// manual runs.
type Payload struct {
	Trigger         TriggerRef                `json:"trigger"`
	Data            map[string]any            `json:"data"`
	BackendURL      string                    `json:"backendUrl"`
	AuthToken       string                    `json:"authToken"`
	ExecutionID     string                    `json:"executionId"`
	ProviderConfigs map[string]map[string]any `json:"providerConfigs"`
}
