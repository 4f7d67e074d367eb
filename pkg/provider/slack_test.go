package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
)

func TestSlackValidateWebhook(t *testing.T) {
	adapter := &SlackAdapter{}

	t.Run("url_verification returns challenge", func(t *testing.T) {
		body := `{"type":"url_verification","token":"tok","challenge":"abc123"}`
		resp, err := adapter.ValidateWebhook(context.Background(), Config{}, &Event{Body: []byte(body)})
		if err != nil {
			t.Fatalf("ValidateWebhook returned error: %v", err)
		}
		if resp == nil {
			t.Fatal("expected a handshake response")
		}
		if resp.Status != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.Status)
		}
		var out map[string]string
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if out["challenge"] != "abc123" {
			t.Errorf("challenge = %q, want abc123", out["challenge"])
		}
	})

	t.Run("event_callback passes through", func(t *testing.T) {
		body := `{"type":"event_callback","event":{"type":"message","text":"hi"}}`
		resp, err := adapter.ValidateWebhook(context.Background(), Config{}, &Event{Body: []byte(body)})
		if err != nil {
			t.Fatalf("ValidateWebhook returned error: %v", err)
		}
		if resp != nil {
			t.Errorf("expected nil response, got %+v", resp)
		}
	})
}

func slackMessageBody(channel, user, ts, threadTS, botID, subtype string) string {
	body := map[string]any{
		"type": "event_callback",
		"event": map[string]any{
			"type":      "message",
			"channel":   channel,
			"user":      user,
			"ts":        ts,
			"thread_ts": threadTS,
			"bot_id":    botID,
			"subtype":   subtype,
			"text":      "hello",
		},
	}
	raw, _ := json.Marshal(body)
	return string(raw)
}

func TestSlackMatch(t *testing.T) {
	adapter := &SlackAdapter{}
	candidates := []TriggerHandle{
		{ID: "any", TriggerType: "onMessage", Input: json.RawMessage(`{}`)},
		{ID: "chan", TriggerType: "onMessage", Input: json.RawMessage(`{"channel_id":"C111"}`)},
		{ID: "threads", TriggerType: "onMessage", Input: json.RawMessage(`{"include_thread_messages":true}`)},
	}

	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "plain channel message",
			body: slackMessageBody("C111", "U1", "1.0", "", "", ""),
			want: []string{"any", "chan", "threads"},
		},
		{
			name: "other channel filtered",
			body: slackMessageBody("C222", "U1", "1.0", "", "", ""),
			want: []string{"any", "threads"},
		},
		{
			name: "thread reply needs opt-in",
			body: slackMessageBody("C111", "U1", "2.0", "1.0", "", ""),
			want: []string{"threads"},
		},
		{
			name: "thread root is not a reply",
			body: slackMessageBody("C111", "U1", "1.0", "1.0", "", ""),
			want: []string{"any", "chan", "threads"},
		},
		{
			name: "bot message dropped",
			body: slackMessageBody("C111", "U1", "1.0", "", "B042", ""),
			want: nil,
		},
		{
			name: "channel_join subtype dropped",
			body: slackMessageBody("C111", "U1", "1.0", "", "", "channel_join"),
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := adapter.Match(context.Background(), Config{}, &Event{Body: []byte(tt.body)}, candidates)
			if err != nil {
				t.Fatalf("Match returned error: %v", err)
			}
			var ids []string
			for _, h := range got {
				ids = append(ids, h.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("matched %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("matched %v, want %v", ids, tt.want)
				}
			}
		})
	}
}

func TestSlackCreateReusesProviderWebhook(t *testing.T) {
	adapter := &SlackAdapter{}
	utils := &fakeUtils{}
	trigger := TriggerHandle{ID: "t1", TriggerType: "onMessage", Input: json.RawMessage(`{}`)}

	if _, err := adapter.Create(context.Background(), Config{}, trigger, utils); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if len(utils.webhookReqs) != 1 {
		t.Fatalf("expected one webhook registration, got %d", len(utils.webhookReqs))
	}
	req := utils.webhookReqs[0]
	if req.Owner != OwnerProvider || !req.ReuseExisting {
		t.Errorf("expected shared provider webhook, got %+v", req)
	}
}
