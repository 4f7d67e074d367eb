package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// GitLabAdapter implements Adapter for GitLab project webhooks.
type GitLabAdapter struct{ BaseAdapter }

func init() {
	Register(&GitLabAdapter{})
}

// Compile-time interface check.
var _ Adapter = (*GitLabAdapter)(nil)

// GitLabInput is the filter payload of a gitlab trigger.
type GitLabInput struct {
	ProjectID string `json:"projectId"`
	GroupID   string `json:"groupId,omitempty"`
}

// GitLabState is the externally-materialized state of a gitlab trigger.
type GitLabState struct {
	WebhookID int64  `json:"webhook_id"`
	ProjectID string `json:"project_id"`
	URL       string `json:"url"`
}

func (g *GitLabAdapter) Name() string        { return "gitlab" }
func (g *GitLabAdapter) DisplayName() string { return "GitLab" }

func (g *GitLabAdapter) TriggerTypes() []string {
	return []string{
		"onPush", "onTagPush", "onMergeRequest", "onMergeRequestComment",
		"onIssue", "onPipeline",
	}
}

// gitlabEventTypes maps the webhook body event_type (falling back to
// object_kind for push-style hooks) to our trigger_type discriminators.
var gitlabEventTypes = map[string]string{
	"push":          "onPush",
	"tag_push":      "onTagPush",
	"merge_request": "onMergeRequest",
	"note":          "onMergeRequestComment",
	"issue":         "onIssue",
	"pipeline":      "onPipeline",
}

// apiBaseURL computes the REST API base from the provider config, defaulting
// to gitlab.com.
func (g *GitLabAdapter) apiBaseURL(cfg Config) string {
	base := cfg.Str("base_url")
	if base == "" {
		base = "https://gitlab.com"
	}
	return strings.TrimRight(base, "/") + "/api/v4"
}

func (g *GitLabAdapter) authHeaders(cfg Config) map[string]string {
	return map[string]string{"PRIVATE-TOKEN": cfg.Str("token")}
}

// gitlabHookEvents returns the per-event flags GitLab expects when creating
// a project hook for a given trigger type.
func gitlabHookEvents(triggerType string) map[string]any {
	switch triggerType {
	case "onPush":
		return map[string]any{"push_events": true}
	case "onTagPush":
		return map[string]any{"tag_push_events": true}
	case "onMergeRequest":
		return map[string]any{"merge_requests_events": true}
	case "onMergeRequestComment":
		return map[string]any{"note_events": true}
	case "onIssue":
		return map[string]any{"issues_events": true}
	case "onPipeline":
		return map[string]any{"pipeline_events": true}
	default:
		return map[string]any{}
	}
}

// Create registers a trigger-owned incoming webhook and POSTs a project hook
// pointing at it.
func (g *GitLabAdapter) Create(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) (json.RawMessage, error) {
	var input GitLabInput
	if err := json.Unmarshal(t.Input, &input); err != nil {
		return nil, fmt.Errorf("decode gitlab input: %w", err)
	}
	if input.ProjectID == "" {
		return nil, fmt.Errorf("gitlab trigger %s requires projectId", t.TriggerType)
	}

	hook, err := utils.RegisterWebhook(ctx, WebhookRequest{Owner: OwnerTrigger, Method: http.MethodPost})
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"url":                     hook.URL,
		"enable_ssl_verification": true,
	}
	for k, v := range gitlabHookEvents(t.TriggerType) {
		body[k] = v
	}

	var created struct {
		ID int64 `json:"id"`
	}
	url := fmt.Sprintf("%s/projects/%s/hooks", g.apiBaseURL(cfg), input.ProjectID)
	if err := doJSON(ctx, http.MethodPost, url, g.authHeaders(cfg), body, &created); err != nil {
		return nil, fmt.Errorf("create gitlab hook: %w", err)
	}

	return json.Marshal(GitLabState{
		WebhookID: created.ID,
		ProjectID: input.ProjectID,
		URL:       hook.URL,
	})
}

// Refresh verifies the project hook still exists; a vanished hook surfaces
// as an error so the operator sees the drift.
func (g *GitLabAdapter) Refresh(ctx context.Context, cfg Config, t TriggerHandle) (json.RawMessage, error) {
	var state GitLabState
	if err := json.Unmarshal(t.State, &state); err != nil || state.WebhookID == 0 {
		return t.State, nil
	}

	url := fmt.Sprintf("%s/projects/%s/hooks/%d", g.apiBaseURL(cfg), state.ProjectID, state.WebhookID)
	if err := doJSON(ctx, http.MethodGet, url, g.authHeaders(cfg), nil, nil); err != nil {
		return nil, fmt.Errorf("refresh gitlab hook %d: %w", state.WebhookID, err)
	}
	return t.State, nil
}

// Destroy deletes the project hook. Already-deleted hooks are fine.
func (g *GitLabAdapter) Destroy(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) error {
	var state GitLabState
	if err := json.Unmarshal(t.State, &state); err != nil || state.WebhookID == 0 {
		return nil
	}

	url := fmt.Sprintf("%s/projects/%s/hooks/%d", g.apiBaseURL(cfg), state.ProjectID, state.WebhookID)
	if err := doJSON(ctx, http.MethodDelete, url, g.authHeaders(cfg), nil, nil); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete gitlab hook %d: %w", state.WebhookID, err)
	}
	return nil
}

// Match maps the webhook body's event_type (object_kind fallback) to a
// trigger type and filters candidates by projectId / groupId.
func (g *GitLabAdapter) Match(ctx context.Context, cfg Config, ev *Event, candidates []TriggerHandle) ([]TriggerHandle, error) {
	body := gjson.ParseBytes(ev.Body)

	eventType := body.Get("event_type").String()
	if eventType == "" {
		eventType = body.Get("object_kind").String()
	}
	triggerType, ok := gitlabEventTypes[eventType]
	if !ok {
		return nil, nil
	}

	projectID := body.Get("project.id").String()
	groupID := body.Get("group_id").String()
	if groupID == "" {
		groupID = body.Get("project.namespace_id").String()
	}

	var matched []TriggerHandle
	for _, cand := range candidates {
		if cand.TriggerType != triggerType {
			continue
		}
		var input GitLabInput
		if err := json.Unmarshal(cand.Input, &input); err != nil {
			continue
		}
		if input.ProjectID != "" && input.ProjectID != projectID {
			continue
		}
		if input.GroupID != "" && input.GroupID != groupID {
			continue
		}
		matched = append(matched, cand)
	}
	return matched, nil
}
