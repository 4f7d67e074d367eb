package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// JiraAdapter implements Adapter for Jira webhooks.
type JiraAdapter struct{ BaseAdapter }

func init() {
	Register(&JiraAdapter{})
}

var _ Adapter = (*JiraAdapter)(nil)

// JiraInput is the filter payload of a jira trigger.
type JiraInput struct {
	ProjectKey string `json:"project_key,omitempty"`
	IssueType  string `json:"issue_type,omitempty"`
}

// JiraState is the externally-materialized state of a jira trigger.
type JiraState struct {
	WebhookID string `json:"webhook_id"`
	URL       string `json:"url"`
}

func (j *JiraAdapter) Name() string        { return "jira" }
func (j *JiraAdapter) DisplayName() string { return "Jira" }

func (j *JiraAdapter) TriggerTypes() []string {
	return []string{"onIssueCreated", "onIssueUpdated", "onCommentAdded"}
}

// jiraEvents maps the body's webhookEvent field to trigger types and back
// to the event names used at hook registration.
var jiraEvents = map[string]string{
	"jira:issue_created": "onIssueCreated",
	"jira:issue_updated": "onIssueUpdated",
	"comment_created":    "onCommentAdded",
}

func jiraHookEvent(triggerType string) string {
	for event, tt := range jiraEvents {
		if tt == triggerType {
			return event
		}
	}
	return ""
}

func (j *JiraAdapter) baseURL(cfg Config) string {
	return strings.TrimRight(cfg.Str("base_url"), "/")
}

func (j *JiraAdapter) authHeaders(cfg Config) map[string]string {
	// Jira Cloud API tokens use basic auth (email:token); the config stores
	// the pre-encoded value.
	return map[string]string{"Authorization": "Basic " + cfg.Str("basic_auth")}
}

func (j *JiraAdapter) Create(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) (json.RawMessage, error) {
	event := jiraHookEvent(t.TriggerType)
	if event == "" {
		return nil, fmt.Errorf("unknown jira trigger type %q", t.TriggerType)
	}
	if j.baseURL(cfg) == "" {
		return nil, fmt.Errorf("jira provider config requires base_url")
	}

	hook, err := utils.RegisterWebhook(ctx, WebhookRequest{Owner: OwnerTrigger, Method: http.MethodPost})
	if err != nil {
		return nil, err
	}

	var created struct {
		Self string `json:"self"`
	}
	body := map[string]any{
		"name":   "floww trigger " + t.ID,
		"url":    hook.URL,
		"events": []string{event},
	}
	url := j.baseURL(cfg) + "/rest/webhooks/1.0/webhook"
	if err := doJSON(ctx, http.MethodPost, url, j.authHeaders(cfg), body, &created); err != nil {
		return nil, fmt.Errorf("create jira webhook: %w", err)
	}

	// Jira identifies the hook by its self URL; keep the trailing id.
	id := created.Self
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		id = id[i+1:]
	}
	return json.Marshal(JiraState{WebhookID: id, URL: hook.URL})
}

func (j *JiraAdapter) Refresh(ctx context.Context, cfg Config, t TriggerHandle) (json.RawMessage, error) {
	var state JiraState
	if err := json.Unmarshal(t.State, &state); err != nil || state.WebhookID == "" {
		return t.State, nil
	}
	url := j.baseURL(cfg) + "/rest/webhooks/1.0/webhook/" + state.WebhookID
	if err := doJSON(ctx, http.MethodGet, url, j.authHeaders(cfg), nil, nil); err != nil {
		return nil, fmt.Errorf("refresh jira webhook %s: %w", state.WebhookID, err)
	}
	return t.State, nil
}

func (j *JiraAdapter) Destroy(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) error {
	var state JiraState
	if err := json.Unmarshal(t.State, &state); err != nil || state.WebhookID == "" {
		return nil
	}
	url := j.baseURL(cfg) + "/rest/webhooks/1.0/webhook/" + state.WebhookID
	if err := doJSON(ctx, http.MethodDelete, url, j.authHeaders(cfg), nil, nil); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete jira webhook %s: %w", state.WebhookID, err)
	}
	return nil
}

func (j *JiraAdapter) Match(ctx context.Context, cfg Config, ev *Event, candidates []TriggerHandle) ([]TriggerHandle, error) {
	body := gjson.ParseBytes(ev.Body)
	triggerType, ok := jiraEvents[body.Get("webhookEvent").String()]
	if !ok {
		return nil, nil
	}

	projectKey := body.Get("issue.fields.project.key").String()
	issueType := body.Get("issue.fields.issuetype.name").String()

	var matched []TriggerHandle
	for _, cand := range candidates {
		if cand.TriggerType != triggerType {
			continue
		}
		var input JiraInput
		if err := json.Unmarshal(cand.Input, &input); err != nil {
			continue
		}
		if input.ProjectKey != "" && !strings.EqualFold(input.ProjectKey, projectKey) {
			continue
		}
		if input.IssueType != "" && !strings.EqualFold(input.IssueType, issueType) {
			continue
		}
		matched = append(matched, cand)
	}
	return matched, nil
}
