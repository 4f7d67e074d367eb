package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// GoogleCalendarAdapter implements Adapter for Google Calendar. Calendar has
// no webhook path in this system; triggers are poll-based, so reconcile
// registers an interval recurring task and keeps the incremental sync token
// in state between polls.
type GoogleCalendarAdapter struct{ BaseAdapter }

func init() {
	Register(&GoogleCalendarAdapter{})
}

var _ Adapter = (*GoogleCalendarAdapter)(nil)

// defaultPollInterval is used when the trigger input does not set one.
const defaultPollInterval = 300

// GoogleCalendarInput configures a poll trigger.
type GoogleCalendarInput struct {
	CalendarID          string `json:"calendar_id"`
	PollIntervalSeconds int64  `json:"poll_interval_seconds,omitempty"`
}

// GoogleCalendarState holds the schedule id and the incremental sync token.
type GoogleCalendarState struct {
	RecurringTaskID string `json:"recurring_task_id"`
	SyncToken       string `json:"sync_token,omitempty"`
}

func (g *GoogleCalendarAdapter) Name() string        { return "google_calendar" }
func (g *GoogleCalendarAdapter) DisplayName() string { return "Google Calendar" }

func (g *GoogleCalendarAdapter) TriggerTypes() []string {
	return []string{"onEventCreated", "onEventUpdated"}
}

func (g *GoogleCalendarAdapter) Create(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) (json.RawMessage, error) {
	var input GoogleCalendarInput
	if err := json.Unmarshal(t.Input, &input); err != nil {
		return nil, fmt.Errorf("decode calendar input: %w", err)
	}
	if input.CalendarID == "" {
		return nil, fmt.Errorf("google_calendar trigger %s requires calendar_id", t.TriggerType)
	}
	interval := input.PollIntervalSeconds
	if interval <= 0 {
		interval = defaultPollInterval
	}

	task, err := utils.RegisterRecurringTask(ctx, RecurringTaskRequest{IntervalSeconds: interval})
	if err != nil {
		return nil, err
	}
	return json.Marshal(GoogleCalendarState{RecurringTaskID: task.ID})
}

func (g *GoogleCalendarAdapter) Destroy(ctx context.Context, cfg Config, t TriggerHandle, utils Utils) error {
	return utils.UnregisterRecurringTask(ctx)
}
