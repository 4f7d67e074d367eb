package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/tidwall/gjson"
)

// DiscordAdapter implements Adapter for Discord gateway-style dispatches
// forwarded to one app-level endpoint; like Slack, the webhook is
// provider-owned and shared.
type DiscordAdapter struct{ BaseAdapter }

func init() {
	Register(&DiscordAdapter{})
}

var _ Adapter = (*DiscordAdapter)(nil)

// DiscordInput is the filter payload of a discord trigger.
type DiscordInput struct {
	GuildID      string `json:"guild_id,omitempty"`
	ChannelID    string `json:"channel_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Emoji        string `json:"emoji,omitempty"`
	IncludeBots  bool   `json:"include_bots,omitempty"`
	IncludeEdits bool   `json:"include_edits,omitempty"`
}

// DiscordState records the shared provider webhook a trigger is attached to.
type DiscordState struct {
	WebhookID string `json:"webhook_id"`
	URL       string `json:"url"`
}

func (d *DiscordAdapter) Name() string        { return "discord" }
func (d *DiscordAdapter) DisplayName() string { return "Discord" }

func (d *DiscordAdapter) TriggerTypes() []string {
	return []string{"onMessage", "onReaction", "onMemberJoin", "onMemberLeave", "onMemberUpdate"}
}

// discordDispatch maps the gateway dispatch t field to trigger types.
var discordDispatch = map[string]string{
	"MESSAGE_CREATE":       "onMessage",
	"MESSAGE_UPDATE":       "onMessage",
	"MESSAGE_REACTION_ADD": "onReaction",
	"GUILD_MEMBER_ADD":     "onMemberJoin",
	"GUILD_MEMBER_REMOVE":  "onMemberLeave",
	"GUILD_MEMBER_UPDATE":  "onMemberUpdate",
}

func (d *DiscordAdapter) Create(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) (json.RawMessage, error) {
	hook, err := utils.RegisterWebhook(ctx, WebhookRequest{
		Owner:         OwnerProvider,
		Method:        http.MethodPost,
		ReuseExisting: true,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(DiscordState{WebhookID: hook.ID, URL: hook.URL})
}

// ValidateWebhook answers Discord's PING (interaction type 1) with a PONG.
func (d *DiscordAdapter) ValidateWebhook(ctx context.Context, cfg Config, ev *Event) (*Response, error) {
	if gjson.GetBytes(ev.Body, "type").Int() == int64(discordgo.InteractionPing) {
		return JSONResponse(http.StatusOK, map[string]int{
			"type": int(discordgo.InteractionResponsePong),
		}), nil
	}
	return nil, nil
}

// discordEvent is the normalized view of one dispatch used for filtering.
type discordEvent struct {
	triggerType string
	guildID     string
	channelID   string
	userID      string
	emoji       string
	fromBot     bool
	isEdit      bool
}

// parseDispatch decodes the dispatch envelope's d payload with discordgo's
// types for the event class named by t.
func parseDispatch(body []byte) (*discordEvent, error) {
	t := gjson.GetBytes(body, "t").String()
	triggerType, ok := discordDispatch[t]
	if !ok {
		return nil, fmt.Errorf("unhandled dispatch %q", t)
	}
	data := []byte(gjson.GetBytes(body, "d").Raw)
	out := &discordEvent{triggerType: triggerType, isEdit: t == "MESSAGE_UPDATE"}

	switch t {
	case "MESSAGE_CREATE", "MESSAGE_UPDATE":
		var msg discordgo.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode message dispatch: %w", err)
		}
		out.guildID = msg.GuildID
		out.channelID = msg.ChannelID
		if msg.Author != nil {
			out.userID = msg.Author.ID
			out.fromBot = msg.Author.Bot
		}
	case "MESSAGE_REACTION_ADD":
		var reaction discordgo.MessageReaction
		if err := json.Unmarshal(data, &reaction); err != nil {
			return nil, fmt.Errorf("decode reaction dispatch: %w", err)
		}
		out.guildID = reaction.GuildID
		out.channelID = reaction.ChannelID
		out.userID = reaction.UserID
		out.emoji = reaction.Emoji.Name
	default: // GUILD_MEMBER_{ADD,REMOVE,UPDATE}
		var member discordgo.Member
		if err := json.Unmarshal(data, &member); err != nil {
			return nil, fmt.Errorf("decode member dispatch: %w", err)
		}
		out.guildID = member.GuildID
		if member.User != nil {
			out.userID = member.User.ID
			out.fromBot = member.User.Bot
		}
	}
	return out, nil
}

func (d *DiscordAdapter) Match(ctx context.Context, cfg Config, ev *Event, candidates []TriggerHandle) ([]TriggerHandle, error) {
	event, err := parseDispatch(ev.Body)
	if err != nil {
		return nil, nil
	}

	var matched []TriggerHandle
	for _, cand := range candidates {
		if cand.TriggerType != event.triggerType {
			continue
		}
		var input DiscordInput
		if err := json.Unmarshal(cand.Input, &input); err != nil {
			continue
		}
		if event.fromBot && !input.IncludeBots {
			continue
		}
		if event.isEdit && !input.IncludeEdits {
			continue
		}
		if input.GuildID != "" && input.GuildID != event.guildID {
			continue
		}
		if input.ChannelID != "" && input.ChannelID != event.channelID {
			continue
		}
		if input.UserID != "" && input.UserID != event.userID {
			continue
		}
		if input.Emoji != "" && input.Emoji != event.emoji {
			continue
		}
		matched = append(matched, cand)
	}
	return matched, nil
}
