package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
)

func TestDiscordValidateWebhook(t *testing.T) {
	adapter := &DiscordAdapter{}

	t.Run("ping answered with pong", func(t *testing.T) {
		resp, err := adapter.ValidateWebhook(context.Background(), Config{}, &Event{Body: []byte(`{"type":1}`)})
		if err != nil {
			t.Fatalf("ValidateWebhook returned error: %v", err)
		}
		if resp == nil {
			t.Fatal("expected a pong response")
		}
		var out map[string]int
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if out["type"] != 1 {
			t.Errorf("pong type = %d, want 1", out["type"])
		}
	})

	t.Run("dispatch passes through", func(t *testing.T) {
		body := `{"t":"MESSAGE_CREATE","d":{"content":"hi"}}`
		resp, err := adapter.ValidateWebhook(context.Background(), Config{}, &Event{Body: []byte(body)})
		if err != nil {
			t.Fatalf("ValidateWebhook returned error: %v", err)
		}
		if resp != nil {
			t.Errorf("expected nil response, got %+v", resp)
		}
	})
}

func TestDiscordMatch(t *testing.T) {
	adapter := &DiscordAdapter{}
	candidates := []TriggerHandle{
		{ID: "msg", TriggerType: "onMessage", Input: json.RawMessage(`{"channel_id":"C1"}`)},
		{ID: "msg-edits", TriggerType: "onMessage", Input: json.RawMessage(`{"include_edits":true}`)},
		{ID: "msg-bots", TriggerType: "onMessage", Input: json.RawMessage(`{"include_bots":true}`)},
		{ID: "react", TriggerType: "onReaction", Input: json.RawMessage(`{"emoji":"🎉"}`)},
		{ID: "join", TriggerType: "onMemberJoin", Input: json.RawMessage(`{"guild_id":"G1"}`)},
	}

	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "message create in channel",
			body: `{"t":"MESSAGE_CREATE","d":{"guild_id":"G1","channel_id":"C1","author":{"id":"U1","bot":false}}}`,
			want: []string{"msg", "msg-edits", "msg-bots"},
		},
		{
			name: "edited message needs opt-in",
			body: `{"t":"MESSAGE_UPDATE","d":{"guild_id":"G1","channel_id":"C1","author":{"id":"U1"}}}`,
			want: []string{"msg-edits"},
		},
		{
			name: "bot message needs opt-in",
			body: `{"t":"MESSAGE_CREATE","d":{"guild_id":"G1","channel_id":"C2","author":{"id":"U9","bot":true}}}`,
			want: []string{"msg-bots"},
		},
		{
			name: "reaction filtered by emoji",
			body: `{"t":"MESSAGE_REACTION_ADD","d":{"guild_id":"G1","channel_id":"C1","user_id":"U1","emoji":{"name":"🎉"}}}`,
			want: []string{"react"},
		},
		{
			name: "wrong emoji matches nothing",
			body: `{"t":"MESSAGE_REACTION_ADD","d":{"guild_id":"G1","channel_id":"C1","user_id":"U1","emoji":{"name":"👀"}}}`,
			want: nil,
		},
		{
			name: "member join filtered by guild",
			body: `{"t":"GUILD_MEMBER_ADD","d":{"guild_id":"G1","user":{"id":"U2"}}}`,
			want: []string{"join"},
		},
		{
			name: "unhandled dispatch matches nothing",
			body: `{"t":"TYPING_START","d":{}}`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &Event{Method: http.MethodPost, Body: []byte(tt.body)}
			got, err := adapter.Match(context.Background(), Config{}, ev, candidates)
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
