package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// GitHubAdapter implements Adapter for GitHub repository webhooks.
type GitHubAdapter struct{ BaseAdapter }

func init() {
	Register(&GitHubAdapter{})
}

var _ Adapter = (*GitHubAdapter)(nil)

// GitHubInput is the filter payload of a github trigger. Actions narrows
// action-bearing events (opened, closed, ...) when non-empty.
type GitHubInput struct {
	Owner      string   `json:"owner"`
	Repository string   `json:"repository"`
	Actions    []string `json:"actions,omitempty"`
}

// GitHubState is the externally-materialized state of a github trigger.
type GitHubState struct {
	WebhookID  int64  `json:"webhook_id"`
	Owner      string `json:"owner"`
	Repository string `json:"repository"`
	URL        string `json:"url"`
}

func (g *GitHubAdapter) Name() string        { return "github" }
func (g *GitHubAdapter) DisplayName() string { return "GitHub" }

func (g *GitHubAdapter) TriggerTypes() []string {
	return []string{
		"onPush", "onPullRequest", "onIssue", "onIssueComment",
		"onRelease", "onWorkflowRun",
	}
}

// githubEvents maps the X-GitHub-Event header to trigger types and the hook
// subscription name used at creation. ping deliveries are dropped at match.
var githubEvents = map[string]string{
	"push":          "onPush",
	"pull_request":  "onPullRequest",
	"issues":        "onIssue",
	"issue_comment": "onIssueComment",
	"release":       "onRelease",
	"workflow_run":  "onWorkflowRun",
}

// githubHookEvent is the inverse of githubEvents for hook creation.
func githubHookEvent(triggerType string) string {
	for event, tt := range githubEvents {
		if tt == triggerType {
			return event
		}
	}
	return ""
}

// apiBaseURL returns the REST API base URL for a given GitHub instance.
// For github.com it returns "https://api.github.com"; for GitHub Enterprise
// Server it returns "<base>/api/v3".
func (g *GitHubAdapter) apiBaseURL(cfg Config) string {
	base := strings.TrimRight(cfg.Str("base_url"), "/")
	if base == "" || base == "https://github.com" {
		return "https://api.github.com"
	}
	return base + "/api/v3"
}

func (g *GitHubAdapter) authHeaders(cfg Config) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + cfg.Str("token"),
		"Accept":        "application/vnd.github+json",
	}
}

func (g *GitHubAdapter) Create(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) (json.RawMessage, error) {
	var input GitHubInput
	if err := json.Unmarshal(t.Input, &input); err != nil {
		return nil, fmt.Errorf("decode github input: %w", err)
	}
	if input.Owner == "" || input.Repository == "" {
		return nil, fmt.Errorf("github trigger %s requires owner and repository", t.TriggerType)
	}
	event := githubHookEvent(t.TriggerType)
	if event == "" {
		return nil, fmt.Errorf("unknown github trigger type %q", t.TriggerType)
	}

	hook, err := utils.RegisterWebhook(ctx, WebhookRequest{Owner: OwnerTrigger, Method: http.MethodPost})
	if err != nil {
		return nil, err
	}

	var created struct {
		ID int64 `json:"id"`
	}
	url := fmt.Sprintf("%s/repos/%s/%s/hooks", g.apiBaseURL(cfg), input.Owner, input.Repository)
	body := map[string]any{
		"config": map[string]any{"url": hook.URL, "content_type": "json"},
		"events": []string{event},
		"active": true,
	}
	if err := doJSON(ctx, http.MethodPost, url, g.authHeaders(cfg), body, &created); err != nil {
		return nil, fmt.Errorf("create github hook: %w", err)
	}

	return json.Marshal(GitHubState{
		WebhookID:  created.ID,
		Owner:      input.Owner,
		Repository: input.Repository,
		URL:        hook.URL,
	})
}

func (g *GitHubAdapter) Refresh(ctx context.Context, cfg Config, t TriggerHandle) (json.RawMessage, error) {
	var state GitHubState
	if err := json.Unmarshal(t.State, &state); err != nil || state.WebhookID == 0 {
		return t.State, nil
	}

	url := fmt.Sprintf("%s/repos/%s/%s/hooks/%d",
		g.apiBaseURL(cfg), state.Owner, state.Repository, state.WebhookID)
	if err := doJSON(ctx, http.MethodGet, url, g.authHeaders(cfg), nil, nil); err != nil {
		return nil, fmt.Errorf("refresh github hook %d: %w", state.WebhookID, err)
	}
	return t.State, nil
}

func (g *GitHubAdapter) Destroy(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) error {
	var state GitHubState
	if err := json.Unmarshal(t.State, &state); err != nil || state.WebhookID == 0 {
		return nil
	}

	url := fmt.Sprintf("%s/repos/%s/%s/hooks/%d",
		g.apiBaseURL(cfg), state.Owner, state.Repository, state.WebhookID)
	if err := doJSON(ctx, http.MethodDelete, url, g.authHeaders(cfg), nil, nil); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete github hook %d: %w", state.WebhookID, err)
	}
	return nil
}

// Match dispatches on the X-GitHub-Event header and filters by owner,
// repository, and (for action-bearing events) the actions list.
func (g *GitHubAdapter) Match(ctx context.Context, cfg Config, ev *Event, candidates []TriggerHandle) ([]TriggerHandle, error) {
	event := ev.Header("X-GitHub-Event")
	if event == "" || event == "ping" {
		return nil, nil
	}
	triggerType, ok := githubEvents[event]
	if !ok {
		return nil, nil
	}

	body := gjson.ParseBytes(ev.Body)
	owner := body.Get("repository.owner.login").String()
	repo := body.Get("repository.name").String()
	action := body.Get("action").String()

	var matched []TriggerHandle
	for _, cand := range candidates {
		if cand.TriggerType != triggerType {
			continue
		}
		var input GitHubInput
		if err := json.Unmarshal(cand.Input, &input); err != nil {
			continue
		}
		if input.Owner != "" && !strings.EqualFold(input.Owner, owner) {
			continue
		}
		if input.Repository != "" && !strings.EqualFold(input.Repository, repo) {
			continue
		}
		if len(input.Actions) > 0 && !containsFold(input.Actions, action) {
			continue
		}
		matched = append(matched, cand)
	}
	return matched, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
