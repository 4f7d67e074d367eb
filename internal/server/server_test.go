package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/floww-sh/floww/internal/bus"
	"github.com/floww-sh/floww/internal/dispatch"
	"github.com/floww-sh/floww/internal/lifecycle"
	"github.com/floww-sh/floww/internal/secrets"
	"github.com/floww-sh/floww/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type dispatchCall struct {
	trigger     *store.Trigger
	data        map[string]any
	executionID string
}

type fakeDispatcher struct {
	calls chan dispatchCall
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, trigger *store.Trigger, data map[string]any, executionID string) error {
	f.calls <- dispatchCall{trigger: trigger, data: data, executionID: executionID}
	return nil
}

type fakeSyncer struct {
	urls         []string
	err          error
	gotWorkflow  string
	gotNamespace string
	gotDesired   []lifecycle.DesiredTrigger
}

func (f *fakeSyncer) Sync(ctx context.Context, workflowID, namespaceID string, desired []lifecycle.DesiredTrigger) ([]string, error) {
	f.gotWorkflow = workflowID
	f.gotNamespace = namespaceID
	f.gotDesired = desired
	return f.urls, f.err
}

func testServer(t *testing.T) (http.Handler, sqlmock.Sqlmock, *fakeDispatcher, *fakeSyncer, *secrets.Box, *dispatch.TokenIssuer) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	db := store.New(sqlx.NewDb(raw, "sqlmock"))

	box, err := secrets.NewBox(hex.EncodeToString([]byte(testSecret)))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	events, err := bus.New("", zap.NewNop())
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	tokens := dispatch.NewTokenIssuer(testSecret, 5*time.Minute)
	dispatcher := &fakeDispatcher{calls: make(chan dispatchCall, 4)}
	syncer := &fakeSyncer{}

	srv := New(db, box, dispatcher, syncer, events, tokens,
		&fakeRuntimeBackend{}, &fakeImageResolver{image: "registry/app@sha256:abc"}, zap.NewNop())
	return srv.Handler(), mock, dispatcher, syncer, box, tokens
}

func webhookRow(id, path, method string, triggerID, providerID *string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "path", "method", "trigger_id", "provider_id", "created_at",
	}).AddRow(id, path, method, triggerID, providerID, time.Now().UTC())
}

func triggerRow(id, workflowID, providerID, triggerType, input, ptype, alias string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "workflow_id", "provider_id", "trigger_type", "input", "state",
		"created_at", "provider_type", "provider_alias", "namespace_id",
	}).AddRow(id, workflowID, providerID, triggerType, []byte(input), []byte(`{}`),
		time.Now().UTC(), ptype, alias, "ns-1")
}

func providerRow(t *testing.T, box *secrets.Box, id, ptype, alias string, cfg map[string]any) *sqlmock.Rows {
	t.Helper()
	sealed, err := box.SealJSON(cfg)
	if err != nil {
		t.Fatalf("seal config: %v", err)
	}
	return sqlmock.NewRows([]string{
		"id", "namespace_id", "type", "alias", "encrypted_config", "created_at",
	}).AddRow(id, "ns-1", ptype, alias, sealed, time.Now().UTC())
}

func strPtr(s string) *string { return &s }

// ────────────────────────── webhook ingress ──────────────────────────

func TestWebhookUnknownPath(t *testing.T) {
	handler, mock, _, _, _, _ := testServer(t)

	mock.ExpectQuery("SELECT (.+) FROM incoming_webhooks").
		WithArgs("/webhook/nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookSlackURLVerification(t *testing.T) {
	handler, mock, _, _, box, _ := testServer(t)

	mock.ExpectQuery("SELECT (.+) FROM incoming_webhooks").
		WillReturnRows(webhookRow("wh-1", "/webhook/slack-1", "POST", nil, strPtr("pr-slack")))
	mock.ExpectQuery("SELECT (.+) FROM triggers").
		WillReturnRows(triggerRow("tr-1", "wf-1", "pr-slack", "onMessage",
			`{"channel_id":"C1"}`, "slack", "default"))
	mock.ExpectQuery("SELECT (.+) FROM providers").
		WillReturnRows(providerRow(t, box, "pr-slack", "slack", "default",
			map[string]any{"bot_token": "xoxb-1"}))

	body := `{"type":"url_verification","challenge":"abc123"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/slack-1", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "abc123") {
		t.Errorf("handshake response missing challenge: %s", rec.Body.String())
	}
}

func TestWebhookInvokesMatchingTrigger(t *testing.T) {
	handler, mock, dispatcher, _, box, _ := testServer(t)

	mock.ExpectQuery("SELECT (.+) FROM incoming_webhooks").
		WithArgs("/webhook/wf-1/orders").
		WillReturnRows(webhookRow("wh-1", "/webhook/wf-1/orders", "POST", strPtr("tr-1"), nil))
	mock.ExpectQuery("SELECT (.+) FROM triggers").
		WithArgs("tr-1").
		WillReturnRows(triggerRow("tr-1", "wf-1", "pr-1", "onWebhook", `{}`, "builtin", "default"))
	mock.ExpectQuery("SELECT (.+) FROM providers").
		WithArgs("pr-1").
		WillReturnRows(providerRow(t, box, "pr-1", "builtin", "default", map[string]any{}))
	mock.ExpectExec("INSERT INTO execution_history").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/webhook/wf-1/orders?source=cli", strings.NewReader(`{"order":42}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "invoked" || resp["workflow_id"] != "wf-1" || resp["webhook_id"] != "wh-1" {
		t.Errorf("response = %v", resp)
	}

	select {
	case call := <-dispatcher.calls:
		if call.trigger.ID != "tr-1" || call.executionID == "" {
			t.Errorf("dispatch call = %+v", call)
		}
		if call.data["method"] != "POST" || call.data["path"] != "/webhook/wf-1/orders" {
			t.Errorf("event data = %+v", call.data)
		}
		query, _ := call.data["query"].(map[string]string)
		if query["source"] != "cli" {
			t.Errorf("query = %+v", call.data["query"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never ran")
	}
}

func TestWebhookNoMatch(t *testing.T) {
	handler, mock, dispatcher, _, box, _ := testServer(t)

	mock.ExpectQuery("SELECT (.+) FROM incoming_webhooks").
		WillReturnRows(webhookRow("wh-1", "/webhook/gh-1", "POST", nil, strPtr("pr-gh")))
	mock.ExpectQuery("SELECT (.+) FROM triggers").
		WillReturnRows(triggerRow("tr-1", "wf-1", "pr-gh", "onPush",
			`{"owner":"floww-sh","repo":"floww"}`, "github", "default"))
	mock.ExpectQuery("SELECT (.+) FROM providers").
		WillReturnRows(providerRow(t, box, "pr-gh", "github", "default",
			map[string]any{"token": "ghp_x"}))

	req := httptest.NewRequest(http.MethodPost, "/webhook/gh-1",
		strings.NewReader(`{"repository":{"full_name":"someone/else"}}`))
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No active deployment") {
		t.Errorf("zero-match response = %s", rec.Body.String())
	}
	select {
	case call := <-dispatcher.calls:
		t.Errorf("unexpected dispatch: %+v", call)
	case <-time.After(100 * time.Millisecond):
	}
}

// ────────────────────────── execution callbacks ──────────────────────────

func executionRows(id, workflowID string, status store.ExecutionStatus) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "workflow_id", "trigger_id", "deployment_id", "status", "received_at",
		"started_at", "completed_at", "error_message", "error_stack", "logs",
	}).AddRow(id, workflowID, "tr-1", strPtr("dep-1"), status, now, &now, nil, nil, nil, nil)
}

func TestExecutionCompleteCallback(t *testing.T) {
	handler, mock, _, _, _, tokens := testServer(t)

	token, err := tokens.Mint("dep-1", "wf-1", "ns-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	mock.ExpectQuery("SELECT (.+) FROM execution_history").
		WithArgs("ex-1").
		WillReturnRows(executionRows("ex-1", "wf-1", store.ExecutionStarted))
	mock.ExpectExec("UPDATE execution_history").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/executions/ex-1/complete",
		strings.NewReader(`{"logs":"done"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestExecutionCompleteRejectsForeignToken(t *testing.T) {
	handler, mock, _, _, _, tokens := testServer(t)

	token, err := tokens.Mint("dep-9", "wf-other", "ns-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	mock.ExpectQuery("SELECT (.+) FROM execution_history").
		WillReturnRows(executionRows("ex-1", "wf-1", store.ExecutionStarted))

	req := httptest.NewRequest(http.MethodPost, "/api/executions/ex-1/complete", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestExecutionCompleteRequiresToken(t *testing.T) {
	handler, _, _, _, _, _ := testServer(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/executions/ex-1/complete", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestExecutionFailConflictsWhenNotStarted(t *testing.T) {
	handler, mock, _, _, _, tokens := testServer(t)

	token, err := tokens.Mint("dep-1", "wf-1", "ns-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	mock.ExpectQuery("SELECT (.+) FROM execution_history").
		WillReturnRows(executionRows("ex-1", "wf-1", store.ExecutionCompleted))
	// Guarded transition matches zero rows for a terminal execution.
	mock.ExpectExec("UPDATE execution_history").
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest(http.MethodPost, "/api/executions/ex-1/fail",
		strings.NewReader(`{"error":"boom"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

// ────────────────────────── manual invoke ──────────────────────────

func TestManualInvokeDispatches(t *testing.T) {
	handler, mock, dispatcher, _, _, _ := testServer(t)

	mock.ExpectQuery("SELECT (.+) FROM triggers").
		WithArgs("tr-1").
		WillReturnRows(triggerRow("tr-1", "wf-1", "pr-1", "onManual", `{}`, "builtin", "default"))
	mock.ExpectExec("INSERT INTO execution_history").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"input":{"name":"deploy"},"triggered_by":"tester"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/api/triggers/tr-1/invoke", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "invoked" || resp["execution_id"] == "" {
		t.Errorf("response = %v", resp)
	}

	select {
	case call := <-dispatcher.calls:
		if call.data["manually_triggered"] != true || call.data["triggered_by"] != "tester" {
			t.Errorf("event data = %+v", call.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never ran")
	}
}

func TestManualInvokeValidatesInputSchema(t *testing.T) {
	handler, mock, dispatcher, _, _, _ := testServer(t)

	input := `{"input_schema":{"type":"object","required":["name"]}}`
	mock.ExpectQuery("SELECT (.+) FROM triggers").
		WillReturnRows(triggerRow("tr-1", "wf-1", "pr-1", "onManual", input, "builtin", "default"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/api/triggers/tr-1/invoke", strings.NewReader(`{"input":{}}`)))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	select {
	case call := <-dispatcher.calls:
		t.Errorf("unexpected dispatch: %+v", call)
	case <-time.After(100 * time.Millisecond):
	}
}

// ────────────────────────── trigger sync ──────────────────────────

func workflowRows(id, namespaceID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "namespace_id", "name", "description", "created_at",
	}).AddRow(id, namespaceID, "orders", "", time.Now().UTC())
}

func namespaceRows(id string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "owner_kind", "owner_id", "name", "created_at",
	}).AddRow(id, "user", "u-1", "acme", time.Now().UTC())
}

func TestSyncTriggersReturnsURLs(t *testing.T) {
	handler, mock, _, syncer, _, _ := testServer(t)
	syncer.urls = []string{"https://api.example.com/webhook/abc"}

	mock.ExpectQuery("SELECT (.+) FROM workflows").
		WithArgs("wf-1").
		WillReturnRows(workflowRows("wf-1", "ns-1"))
	mock.ExpectQuery("SELECT (.+) FROM namespaces").
		WithArgs("ns-1").
		WillReturnRows(namespaceRows("ns-1"))

	body := `{"triggers":[{"provider_type":"builtin","trigger_type":"onWebhook","input":{"path":"orders"}}]}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/api/workflows/wf-1/triggers/sync", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if syncer.gotWorkflow != "wf-1" || syncer.gotNamespace != "ns-1" {
		t.Errorf("sync scope = (%q, %q)", syncer.gotWorkflow, syncer.gotNamespace)
	}
	if len(syncer.gotDesired) != 1 || syncer.gotDesired[0].ProviderType != "builtin" {
		t.Errorf("desired = %+v", syncer.gotDesired)
	}
	if !strings.Contains(rec.Body.String(), "/webhook/abc") {
		t.Errorf("response missing webhook url: %s", rec.Body.String())
	}
}

func TestSyncTriggersSurfacesCreateFailures(t *testing.T) {
	handler, mock, _, syncer, _, _ := testServer(t)
	syncer.err = &lifecycle.SyncError{Failures: []lifecycle.TriggerFailure{
		{Identity: "gitlab/default/onPush/{}", Message: "hook registration refused"},
	}}

	mock.ExpectQuery("SELECT (.+) FROM workflows").
		WillReturnRows(workflowRows("wf-1", "ns-1"))
	mock.ExpectQuery("SELECT (.+) FROM namespaces").
		WillReturnRows(namespaceRows("ns-1"))

	body := `{"triggers":[{"provider_type":"gitlab","trigger_type":"onPush"}]}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/api/workflows/wf-1/triggers/sync", strings.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "hook registration refused") {
		t.Errorf("response missing failure detail: %s", rec.Body.String())
	}
}

func TestSyncTriggersRejectsIncompleteEntries(t *testing.T) {
	handler, mock, _, _, _, _ := testServer(t)

	mock.ExpectQuery("SELECT (.+) FROM workflows").
		WillReturnRows(workflowRows("wf-1", "ns-1"))
	mock.ExpectQuery("SELECT (.+) FROM namespaces").
		WillReturnRows(namespaceRows("ns-1"))

	body := `{"triggers":[{"provider_type":"","trigger_type":"onPush"}]}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/api/workflows/wf-1/triggers/sync", strings.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSyncTriggersRejectsDanglingNamespace(t *testing.T) {
	handler, mock, _, syncer, _, _ := testServer(t)

	mock.ExpectQuery("SELECT (.+) FROM workflows").
		WillReturnRows(workflowRows("wf-1", "ns-gone"))
	mock.ExpectQuery("SELECT (.+) FROM namespaces").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	body := `{"triggers":[{"provider_type":"builtin","trigger_type":"onWebhook"}]}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/api/workflows/wf-1/triggers/sync", strings.NewReader(body)))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
	if syncer.gotWorkflow != "" {
		t.Errorf("sync ran for a dangling namespace: %q", syncer.gotWorkflow)
	}
}

// ────────────────────────── health ──────────────────────────

func TestHealthz(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer raw.Close()
	db := store.New(sqlx.NewDb(raw, "sqlmock"))

	box, err := secrets.NewBox(hex.EncodeToString([]byte(testSecret)))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	events, _ := bus.New("", zap.NewNop())
	srv := New(db, box, &fakeDispatcher{calls: make(chan dispatchCall, 1)}, &fakeSyncer{},
		events, dispatch.NewTokenIssuer(testSecret, time.Minute),
		&fakeRuntimeBackend{}, &fakeImageResolver{}, zap.NewNop())

	mock.ExpectPing()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
