// Package provider defines the adapter abstraction for event providers.
//
// The core interface is [Adapter], which carries two responsibility sets:
// reconcile (create/refresh/destroy the external artifact behind a trigger —
// a third-party webhook, a poll schedule) and match (decide which candidate
// triggers an inbound event should fire). Provider-specific implementations
// live in this package (e.g. [GitLabAdapter], [SlackAdapter]) and register
// themselves via init(); the ingress and lifecycle layers stay
// provider-agnostic, so new providers are additive.
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// Config is a decrypted provider configuration (credentials, endpoints).
// Adapters decode the fields they need; unknown keys are ignored.
type Config map[string]any

// Str returns a string field of the config, or "" when absent.
func (c Config) Str(key string) string {
	v, _ := c[key].(string)
	return v
}

// TriggerHandle is the adapter-facing view of a registered trigger. Input and
// State stay opaque JSON at this boundary; each adapter decodes them into its
// own typed structs on entry.
type TriggerHandle struct {
	ID          string
	WorkflowID  string
	ProviderID  string
	TriggerType string
	Input       json.RawMessage
	State       json.RawMessage
}

// WebhookOwner says whether a registered webhook belongs to a single trigger
// or is shared by every trigger of the provider.
type WebhookOwner string

const (
	OwnerTrigger  WebhookOwner = "trigger"
	OwnerProvider WebhookOwner = "provider"
)

// WebhookRequest asks the lifecycle layer to mint an incoming-webhook row.
// Path is optional; when set it is normalized under /webhook/<workflowId>/.
// ReuseExisting returns the provider-scoped webhook when one already exists
// (only meaningful with OwnerProvider).
type WebhookRequest struct {
	Path          string
	Method        string
	Owner         WebhookOwner
	ReuseExisting bool
}

// WebhookInfo describes a registered incoming webhook.
type WebhookInfo struct {
	ID     string
	URL    string
	Path   string
	Method string
}

// RecurringTaskRequest asks for a durable scheduler job. Exactly one of
// CronExpression / IntervalSeconds is set.
type RecurringTaskRequest struct {
	CronExpression  string
	IntervalSeconds int64
}

// RecurringTaskInfo describes a registered recurring task.
type RecurringTaskInfo struct {
	ID string
}

// Utils is the narrow capability facade the lifecycle manager hands to
// adapters during reconcile. Its methods are the only way an adapter can
// mutate the registry or schedule a job, keeping adapters side-effect-scoped
// to the trigger currently being reconciled.
type Utils interface {
	RegisterWebhook(ctx context.Context, req WebhookRequest) (*WebhookInfo, error)
	RegisterRecurringTask(ctx context.Context, req RecurringTaskRequest) (*RecurringTaskInfo, error)
	UnregisterRecurringTask(ctx context.Context) error
}

// Event is one inbound webhook delivery, already read off the wire. Matching
// over an Event is deterministic and side-effect-free.
type Event struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
	Query   url.Values
	Params  map[string]string
}

// Header returns a request header value, "" when absent.
func (e *Event) Header(name string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers.Get(name)
}

// Response short-circuits webhook processing; used for provider handshakes
// (Slack url_verification, Discord PING).
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// JSONResponse builds a Response with an application/json body.
func JSONResponse(status int, v any) *Response {
	body, _ := json.Marshal(v)
	return &Response{Status: status, ContentType: "application/json", Body: body}
}

// Adapter is one provider implementation. All blocking methods take a
// context; reconcile methods may call out to third-party APIs, match methods
// must not.
type Adapter interface {
	// Name returns the short identifier (e.g., "gitlab", "slack").
	Name() string

	// DisplayName returns a human-readable name (e.g., "GitLab").
	DisplayName() string

	// HasSetupSteps reports whether the provider needs explicit user
	// configuration before triggers can reference it. Providers without
	// setup steps (builtin, kvstore) are auto-created with empty config.
	HasSetupSteps() bool

	// TriggerTypes lists the trigger_type discriminators this provider
	// understands.
	TriggerTypes() []string

	// Create materializes the external side effect for a new trigger and
	// returns the opaque state to persist (webhook id, schedule id, ...).
	Create(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) (json.RawMessage, error)

	// Refresh verifies the external artifact still exists and returns the
	// (possibly updated) state. Idempotent.
	Refresh(ctx context.Context, cfg Config, t TriggerHandle) (json.RawMessage, error)

	// Destroy tears down the external artifact. Must tolerate externals
	// that are already gone.
	Destroy(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) error

	// ValidateWebhook handles challenge/verification handshakes. A non-nil
	// Response is returned to the caller verbatim and stops processing.
	ValidateWebhook(ctx context.Context, cfg Config, ev *Event) (*Response, error)

	// Match returns the subset of candidate triggers the event should fire.
	Match(ctx context.Context, cfg Config, ev *Event, candidates []TriggerHandle) ([]TriggerHandle, error)
}
