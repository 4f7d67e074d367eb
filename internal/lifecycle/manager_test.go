package lifecycle

import (
	"context"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/floww-sh/floww/internal/scheduler"
	"github.com/floww-sh/floww/internal/secrets"
	"github.com/floww-sh/floww/internal/store"
	"github.com/floww-sh/floww/pkg/provider"
)

// countingAdapter records lifecycle calls; it has no setup steps so the
// manager auto-creates its provider rows.
type countingAdapter struct {
	provider.BaseAdapter
	created    []string
	refreshed  []string
	destroyed  []string
	createErr  error
	destroyErr error
}

func (c *countingAdapter) Name() string        { return "counting" }
func (c *countingAdapter) DisplayName() string { return "Counting" }
func (c *countingAdapter) HasSetupSteps() bool { return false }

func (c *countingAdapter) TriggerTypes() []string { return []string{"onThing"} }

func (c *countingAdapter) Create(ctx context.Context, cfg provider.Config, t provider.TriggerHandle, utils provider.Utils) (json.RawMessage, error) {
	if c.createErr != nil {
		return nil, c.createErr
	}
	c.created = append(c.created, t.TriggerType)
	return json.RawMessage(`{"ok":true}`), nil
}

func (c *countingAdapter) Refresh(ctx context.Context, cfg provider.Config, t provider.TriggerHandle) (json.RawMessage, error) {
	c.refreshed = append(c.refreshed, t.ID)
	return t.State, nil
}

func (c *countingAdapter) Destroy(ctx context.Context, cfg provider.Config, t provider.TriggerHandle, utils provider.Utils) error {
	c.destroyed = append(c.destroyed, t.ID)
	return c.destroyErr
}

type fakeSched struct {
	added   []string
	removed []string
}

func (f *fakeSched) AddJob(ctx context.Context, id string, trig scheduler.Trigger) error {
	f.added = append(f.added, id)
	return nil
}
func (f *fakeSched) RemoveJob(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func testManager(t *testing.T) (*Manager, *fakeSched, sqlmock.Sqlmock, *secrets.Box) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	db := store.New(sqlx.NewDb(raw, "sqlmock"))

	box, err := secrets.NewBox(hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	sched := &fakeSched{}
	m := New(db, box, sched, "https://api.example.com", zap.NewNop())
	return m, sched, mock, box
}

func providerRows(box *secrets.Box, t *testing.T, id, ns, ptype, alias string) *sqlmock.Rows {
	t.Helper()
	sealed, err := box.SealJSON(map[string]any{})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return sqlmock.NewRows([]string{
		"id", "namespace_id", "type", "alias", "encrypted_config", "created_at",
	}).AddRow(id, ns, ptype, alias, sealed, time.Now().UTC())
}

func triggerRows(rows ...[]any) *sqlmock.Rows {
	out := sqlmock.NewRows([]string{
		"id", "workflow_id", "provider_id", "trigger_type", "input", "state",
		"created_at", "provider_type", "provider_alias", "namespace_id",
	})
	for _, r := range rows {
		vals := make([]driver.Value, len(r))
		for i, v := range r {
			vals[i] = v
		}
		out.AddRow(vals...)
	}
	return out
}

func TestSyncAddsDesiredTrigger(t *testing.T) {
	adapter := &countingAdapter{}
	provider.Register(adapter)
	m, _, mock, box := testManager(t)

	// Provider auto-create: miss, insert, read back.
	mock.ExpectQuery("SELECT (.+) FROM providers WHERE namespace_id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO providers").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM providers WHERE namespace_id").
		WillReturnRows(providerRows(box, t, "pr-1", "ns-1", "counting", "default"))

	// No existing triggers, no active deployment.
	mock.ExpectQuery("SELECT (.+) FROM triggers t").
		WillReturnRows(triggerRows())
	mock.ExpectQuery("SELECT (.+) FROM workflow_deployments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	// Placeholder insert, then state update after adapter create.
	mock.ExpectExec("INSERT INTO triggers").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE triggers SET state").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// URL collection.
	mock.ExpectQuery("SELECT (.+) FROM triggers t").
		WillReturnRows(triggerRows([]any{
			"tr-1", "wf-1", "pr-1", "onThing", []byte(`{}`), []byte(`{"ok":true}`),
			time.Now().UTC(), "counting", "default", "ns-1",
		}))
	mock.ExpectQuery("SELECT (.+) FROM incoming_webhooks WHERE trigger_id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "path", "method", "trigger_id", "provider_id", "created_at",
		}).AddRow("wh-1", "/webhook/abc", "POST", "tr-1", nil, time.Now().UTC()))

	desired := []DesiredTrigger{{
		ProviderType: "counting",
		TriggerType:  "onThing",
		Input:        json.RawMessage(`{"k":"v"}`),
	}}
	urls, err := m.Sync(context.Background(), "wf-1", "ns-1", desired)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if len(adapter.created) != 1 {
		t.Errorf("adapter.Create calls = %d, want 1", len(adapter.created))
	}
	if len(urls) != 1 || urls[0] != "https://api.example.com/webhook/abc" {
		t.Errorf("urls = %v", urls)
	}
}

func TestSyncProtectsDeployedIdentities(t *testing.T) {
	adapter := &countingAdapter{}
	provider.Register(adapter)
	m, _, mock, box := testManager(t)

	input := json.RawMessage(`{"k":"v"}`)

	// Provider exists already (desired references it for the kept trigger).
	mock.ExpectQuery("SELECT (.+) FROM providers WHERE namespace_id").
		WillReturnRows(providerRows(box, t, "pr-1", "ns-1", "counting", "default"))

	// Two existing triggers: one desired, one only referenced by the
	// deployment snapshot.
	mock.ExpectQuery("SELECT (.+) FROM triggers t").
		WillReturnRows(triggerRows(
			[]any{"tr-keep", "wf-1", "pr-1", "onThing", input, []byte(`{}`),
				time.Now().UTC(), "counting", "default", "ns-1"},
			[]any{"tr-deployed", "wf-1", "pr-1", "onThing", json.RawMessage(`{"k":"deployed"}`), []byte(`{}`),
				time.Now().UTC(), "counting", "default", "ns-1"},
		))

	defs := `[{"provider":{"type":"counting","alias":"default"},"triggerType":"onThing","input":{"k":"deployed"}}]`
	mock.ExpectQuery("SELECT (.+) FROM workflow_deployments").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workflow_id", "runtime_id", "code", "entrypoint", "status",
			"trigger_definitions", "deployed_at", "deployed_by",
		}).AddRow("dep-1", "wf-1", "rt-1", []byte(`{}`), "index.ts",
			store.DeploymentActive, []byte(defs), time.Now().UTC(), nil))

	// Kept trigger refresh writes state back.
	mock.ExpectExec("UPDATE triggers SET state").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// URL collection finds nothing.
	mock.ExpectQuery("SELECT (.+) FROM triggers t").
		WillReturnRows(triggerRows())

	desired := []DesiredTrigger{{
		ProviderType: "counting",
		TriggerType:  "onThing",
		Input:        input,
	}}
	if _, err := m.Sync(context.Background(), "wf-1", "ns-1", desired); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if len(adapter.destroyed) != 0 {
		t.Errorf("deployed trigger was destroyed: %v", adapter.destroyed)
	}
	if len(adapter.refreshed) != 1 || adapter.refreshed[0] != "tr-keep" {
		t.Errorf("refreshed = %v, want [tr-keep]", adapter.refreshed)
	}
}

func TestSyncAggregatesCreateFailures(t *testing.T) {
	adapter := &countingAdapter{createErr: context.DeadlineExceeded}
	provider.Register(adapter)
	m, _, mock, box := testManager(t)

	mock.ExpectQuery("SELECT (.+) FROM providers WHERE namespace_id").
		WillReturnRows(providerRows(box, t, "pr-1", "ns-1", "counting", "default"))
	mock.ExpectQuery("SELECT (.+) FROM triggers t").
		WillReturnRows(triggerRows())
	mock.ExpectQuery("SELECT (.+) FROM workflow_deployments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO triggers").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Failed create removes the placeholder row.
	mock.ExpectExec("DELETE FROM triggers").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM triggers t").
		WillReturnRows(triggerRows())

	desired := []DesiredTrigger{{ProviderType: "counting", TriggerType: "onThing"}}
	_, err := m.Sync(context.Background(), "wf-1", "ns-1", desired)

	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("err = %v, want *SyncError", err)
	}
	if len(syncErr.Failures) != 1 {
		t.Errorf("failures = %+v", syncErr.Failures)
	}
}

func TestSyncRemovesUndeclaredTrigger(t *testing.T) {
	adapter := &countingAdapter{}
	provider.Register(adapter)
	m, _, mock, box := testManager(t)

	// One registered trigger, nothing desired, no deployment protecting it.
	mock.ExpectQuery("SELECT (.+) FROM triggers t").
		WillReturnRows(triggerRows([]any{
			"tr-old", "wf-1", "pr-1", "onThing", []byte(`{}`), []byte(`{"ok":true}`),
			time.Now().UTC(), "counting", "default", "ns-1",
		}))
	mock.ExpectQuery("SELECT (.+) FROM workflow_deployments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	// Removal path loads the provider by id, then deletes the row.
	mock.ExpectQuery("SELECT (.+) FROM providers WHERE id").
		WillReturnRows(providerRows(box, t, "pr-1", "ns-1", "counting", "default"))
	mock.ExpectExec("DELETE FROM triggers").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// URL collection over the emptied set.
	mock.ExpectQuery("SELECT (.+) FROM triggers t").
		WillReturnRows(triggerRows())

	urls, err := m.Sync(context.Background(), "wf-1", "ns-1", nil)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if len(urls) != 0 {
		t.Errorf("urls = %v, want none", urls)
	}
	if len(adapter.destroyed) != 1 || adapter.destroyed[0] != "tr-old" {
		t.Errorf("destroyed = %v, want [tr-old]", adapter.destroyed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSyncKeepsRowOnDestroyFailure(t *testing.T) {
	adapter := &countingAdapter{destroyErr: errors.New("remote hook gone wrong")}
	provider.Register(adapter)
	m, _, mock, box := testManager(t)

	mock.ExpectQuery("SELECT (.+) FROM triggers t").
		WillReturnRows(triggerRows([]any{
			"tr-old", "wf-1", "pr-1", "onThing", []byte(`{}`), []byte(`{"ok":true}`),
			time.Now().UTC(), "counting", "default", "ns-1",
		}))
	mock.ExpectQuery("SELECT (.+) FROM workflow_deployments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM providers WHERE id").
		WillReturnRows(providerRows(box, t, "pr-1", "ns-1", "counting", "default"))

	// No DELETE: the failed destroy keeps the row for the next sync.
	mock.ExpectQuery("SELECT (.+) FROM triggers t").
		WillReturnRows(triggerRows([]any{
			"tr-old", "wf-1", "pr-1", "onThing", []byte(`{}`), []byte(`{"ok":true}`),
			time.Now().UTC(), "counting", "default", "ns-1",
		}))
	mock.ExpectQuery("SELECT (.+) FROM incoming_webhooks WHERE trigger_id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM incoming_webhooks WHERE provider_id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := m.Sync(context.Background(), "wf-1", "ns-1", nil); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if len(adapter.destroyed) != 1 {
		t.Errorf("destroy attempts = %d, want 1", len(adapter.destroyed))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSyncFailsFastOnMissingConfiguredProvider(t *testing.T) {
	m, _, mock, _ := testManager(t)

	// gitlab has setup steps, so a missing row is a hard error.
	mock.ExpectQuery("SELECT (.+) FROM providers WHERE namespace_id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	desired := []DesiredTrigger{{ProviderType: "gitlab", TriggerType: "onPush"}}
	if _, err := m.Sync(context.Background(), "wf-1", "ns-1", desired); err == nil {
		t.Fatal("expected error for unconfigured provider")
	}
}

func TestRegisterRecurringTaskAddsJob(t *testing.T) {
	m, sched, mock, _ := testManager(t)

	mock.ExpectExec("INSERT INTO recurring_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	trigger := &store.Trigger{ID: "tr-1", WorkflowID: "wf-1", ProviderID: "pr-1"}
	u := &syncUtils{m: m, trigger: trigger}

	info, err := u.RegisterRecurringTask(context.Background(), provider.RecurringTaskRequest{
		CronExpression: "*/5 * * * *",
	})
	if err != nil {
		t.Fatalf("RegisterRecurringTask returned error: %v", err)
	}
	if len(sched.added) != 1 || sched.added[0] != store.JobID(info.ID) {
		t.Errorf("scheduler jobs added = %v", sched.added)
	}
}

func TestRegisterWebhookPaths(t *testing.T) {
	m, _, mock, _ := testManager(t)
	trigger := &store.Trigger{ID: "tr-1", WorkflowID: "wf-1", ProviderID: "pr-1"}
	u := &syncUtils{m: m, trigger: trigger}

	t.Run("explicit path scoped under workflow", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO incoming_webhooks").
			WillReturnResult(sqlmock.NewResult(0, 1))
		info, err := u.RegisterWebhook(context.Background(), provider.WebhookRequest{
			Path:   "orders/new",
			Method: "POST",
			Owner:  provider.OwnerTrigger,
		})
		if err != nil {
			t.Fatalf("RegisterWebhook returned error: %v", err)
		}
		if info.Path != "/webhook/wf-1/orders/new" {
			t.Errorf("path = %q", info.Path)
		}
		if info.URL != "https://api.example.com/webhook/wf-1/orders/new" {
			t.Errorf("url = %q", info.URL)
		}
	})

	t.Run("empty path gets random segment", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO incoming_webhooks").
			WillReturnResult(sqlmock.NewResult(0, 1))
		info, err := u.RegisterWebhook(context.Background(), provider.WebhookRequest{
			Method: "POST",
			Owner:  provider.OwnerTrigger,
		})
		if err != nil {
			t.Fatalf("RegisterWebhook returned error: %v", err)
		}
		if len(info.Path) <= len("/webhook/") {
			t.Errorf("path = %q", info.Path)
		}
	})

	t.Run("provider webhook reused", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM incoming_webhooks WHERE provider_id").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "path", "method", "trigger_id", "provider_id", "created_at",
			}).AddRow("wh-1", "/webhook/shared", "POST", nil, "pr-1", time.Now().UTC()))
		info, err := u.RegisterWebhook(context.Background(), provider.WebhookRequest{
			Method:        "POST",
			Owner:         provider.OwnerProvider,
			ReuseExisting: true,
		})
		if err != nil {
			t.Fatalf("RegisterWebhook returned error: %v", err)
		}
		if info.ID != "wh-1" || info.Path != "/webhook/shared" {
			t.Errorf("info = %+v", info)
		}
	})
}
