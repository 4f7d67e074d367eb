package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/slack-go/slack/slackevents"
)

// SlackAdapter implements Adapter for the Slack Events API. Slack delivers
// every workspace event to one app-level endpoint, so the incoming webhook is
// provider-owned and shared by all of the provider's triggers.
type SlackAdapter struct{ BaseAdapter }

func init() {
	Register(&SlackAdapter{})
}

var _ Adapter = (*SlackAdapter)(nil)

// SlackMessageInput is the filter payload of a slack onMessage trigger.
type SlackMessageInput struct {
	ChannelID             string `json:"channel_id,omitempty"`
	UserID                string `json:"user_id,omitempty"`
	IncludeThreadMessages bool   `json:"include_thread_messages,omitempty"`
}

// SlackState records the shared provider webhook a trigger is attached to.
type SlackState struct {
	WebhookID string `json:"webhook_id"`
	URL       string `json:"url"`
}

func (s *SlackAdapter) Name() string        { return "slack" }
func (s *SlackAdapter) DisplayName() string { return "Slack" }

func (s *SlackAdapter) TriggerTypes() []string {
	return []string{"onMessage"}
}

// Create ensures the provider-scoped events endpoint exists and records it.
// The endpoint URL must be configured once in the Slack app's Event
// Subscriptions; reconcile cannot do that through the API.
func (s *SlackAdapter) Create(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) (json.RawMessage, error) {
	var input SlackMessageInput
	if err := json.Unmarshal(t.Input, &input); err != nil {
		return nil, fmt.Errorf("decode slack input: %w", err)
	}

	hook, err := utils.RegisterWebhook(ctx, WebhookRequest{
		Owner:         OwnerProvider,
		Method:        http.MethodPost,
		ReuseExisting: true,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(SlackState{WebhookID: hook.ID, URL: hook.URL})
}

// ValidateWebhook answers Slack's url_verification handshake with the
// challenge string.
func (s *SlackAdapter) ValidateWebhook(ctx context.Context, cfg Config, ev *Event) (*Response, error) {
	outer, err := slackevents.ParseEvent(json.RawMessage(ev.Body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, nil
	}
	if outer.Type != slackevents.URLVerification {
		return nil, nil
	}
	var challenge slackevents.ChallengeResponse
	if err := json.Unmarshal(ev.Body, &challenge); err != nil {
		return nil, fmt.Errorf("decode slack challenge: %w", err)
	}
	return JSONResponse(http.StatusOK, map[string]string{"challenge": challenge.Challenge}), nil
}

// Match fires onMessage triggers for event_callback envelopes carrying a
// message event. Bot messages are ignored, as are subtypes other than plain
// messages and thread broadcasts.
func (s *SlackAdapter) Match(ctx context.Context, cfg Config, ev *Event, candidates []TriggerHandle) ([]TriggerHandle, error) {
	outer, err := slackevents.ParseEvent(json.RawMessage(ev.Body), slackevents.OptionNoVerifyToken())
	if err != nil || outer.Type != slackevents.CallbackEvent {
		return nil, nil
	}
	msg, ok := outer.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return nil, nil
	}
	if msg.BotID != "" {
		return nil, nil
	}
	if msg.SubType != "" && msg.SubType != "thread_broadcast" {
		return nil, nil
	}
	isThreadReply := msg.ThreadTimeStamp != "" && msg.ThreadTimeStamp != msg.TimeStamp

	var matched []TriggerHandle
	for _, cand := range candidates {
		if cand.TriggerType != "onMessage" {
			continue
		}
		var input SlackMessageInput
		if err := json.Unmarshal(cand.Input, &input); err != nil {
			continue
		}
		if input.ChannelID != "" && input.ChannelID != msg.Channel {
			continue
		}
		if input.UserID != "" && input.UserID != msg.User {
			continue
		}
		if isThreadReply && !input.IncludeThreadMessages {
			continue
		}
		matched = append(matched, cand)
	}
	return matched, nil
}
