// Package lifecycle reconciles the declared triggers of a workflow against
// the trigger registry and the external artifacts behind them (third-party
// webhooks, schedules). The manager owns the diff; the provider adapters own
// the side effects.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/floww-sh/floww/internal/scheduler"
	"github.com/floww-sh/floww/internal/secrets"
	"github.com/floww-sh/floww/internal/store"
	"github.com/floww-sh/floww/pkg/provider"
)

// SchedulerAPI is the slice of the scheduler the lifecycle layer drives.
type SchedulerAPI interface {
	AddJob(ctx context.Context, id string, trig scheduler.Trigger) error
	RemoveJob(ctx context.Context, id string) error
}

// DesiredTrigger is one entry of the caller's declared trigger set.
type DesiredTrigger struct {
	ProviderType  string          `json:"provider_type" validate:"required"`
	ProviderAlias string          `json:"provider_alias"`
	TriggerType   string          `json:"trigger_type" validate:"required"`
	Input         json.RawMessage `json:"input"`
}

// TriggerFailure is one failed adapter create inside a sync.
type TriggerFailure struct {
	Identity string `json:"identity"`
	Message  string `json:"message"`
}

// SyncError aggregates per-trigger create failures. Changes already flushed
// to the registry before the failure are not rolled back.
type SyncError struct {
	Failures []TriggerFailure
}

func (e *SyncError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Identity + ": " + f.Message
	}
	return "trigger sync failed: " + strings.Join(msgs, "; ")
}

// Manager reconciles trigger state for workflows.
type Manager struct {
	db        *store.DB
	box       *secrets.Box
	sched     SchedulerAPI
	publicURL string
	log       *zap.Logger
}

func New(db *store.DB, box *secrets.Box, sched SchedulerAPI, publicURL string, log *zap.Logger) *Manager {
	return &Manager{db: db, box: box, sched: sched, publicURL: publicURL, log: log}
}

// Sync reconciles the workflow's registered triggers with the desired set.
// It returns the webhook URLs of the resulting trigger set. Identities
// referenced by the latest ACTIVE deployment are never removed, even when
// absent from desired: a dev-mode edit must not tear down the artifacts the
// running deployment depends on. Create failures are isolated per trigger
// and aggregated into a *SyncError.
func (m *Manager) Sync(ctx context.Context, workflowID, namespaceID string, desired []DesiredTrigger) ([]string, error) {
	// ── Step 1: resolve providers, auto-creating no-setup types ──
	providers, err := m.resolveProviders(ctx, namespaceID, desired)
	if err != nil {
		return nil, err
	}

	// ── Step 2: existing identity map ──
	existing, err := m.db.Triggers.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	existingMap := make(map[string]*store.Trigger, len(existing))
	for i := range existing {
		existingMap[store.IdentityOf(&existing[i])] = &existing[i]
	}

	// ── Step 3: desired identity map ──
	desiredMap := make(map[string]DesiredTrigger, len(desired))
	for _, d := range desired {
		desiredMap[identityOfDesired(d)] = d
	}

	// ── Step 4: deployed identities are protected ──
	deployed, err := m.deployedIdentities(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	// ── Step 5: diff ──
	var toRemove []*store.Trigger
	for id, t := range existingMap {
		if _, want := desiredMap[id]; !want && !deployed[id] {
			toRemove = append(toRemove, t)
		}
	}
	var toAdd []DesiredTrigger
	var toKeep []*store.Trigger
	for id, d := range desiredMap {
		if t, ok := existingMap[id]; ok {
			toKeep = append(toKeep, t)
		} else {
			toAdd = append(toAdd, d)
		}
	}

	// ── Step 6: removals ──
	for _, t := range toRemove {
		if err := m.destroyTrigger(ctx, t, providers); err != nil {
			m.log.Error("trigger destroy failed, keeping row",
				zap.String("trigger_id", t.ID), zap.Error(err))
			continue
		}
		if err := m.db.Triggers.Delete(ctx, t.ID); err != nil {
			return nil, err
		}
	}

	// ── Step 7: additions, failure-isolated ──
	var failures []TriggerFailure
	for _, d := range toAdd {
		if err := m.createTrigger(ctx, workflowID, namespaceID, d, providers); err != nil {
			m.log.Warn("trigger create failed",
				zap.String("identity", identityOfDesired(d)), zap.Error(err))
			failures = append(failures, TriggerFailure{
				Identity: identityOfDesired(d),
				Message:  err.Error(),
			})
		}
	}

	// ── Step 8: refresh kept triggers ──
	for _, t := range toKeep {
		if err := m.refreshTrigger(ctx, t, providers); err != nil {
			m.log.Warn("trigger refresh failed",
				zap.String("trigger_id", t.ID), zap.Error(err))
		}
	}

	urls, err := m.webhookURLs(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	// ── Step 9: aggregate create failures ──
	if len(failures) > 0 {
		return urls, &SyncError{Failures: failures}
	}
	// ── Step 10: expose webhook URLs ──
	return urls, nil
}

// boundProvider pairs a provider row with its decrypted config.
type boundProvider struct {
	row *store.Provider
	cfg provider.Config
}

func providerKey(ptype, alias string) string { return ptype + ":" + alias }

// resolveProviders loads every provider the desired set references. Types
// without setup steps are created on first reference with empty config;
// anything else missing fails the sync up front.
func (m *Manager) resolveProviders(ctx context.Context, namespaceID string, desired []DesiredTrigger) (map[string]*boundProvider, error) {
	out := map[string]*boundProvider{}
	for _, d := range desired {
		alias := d.ProviderAlias
		if alias == "" {
			alias = "default"
		}
		key := providerKey(d.ProviderType, alias)
		if _, ok := out[key]; ok {
			continue
		}

		row, err := m.db.Providers.Find(ctx, namespaceID, d.ProviderType, alias)
		if errors.Is(err, store.ErrNotFound) {
			if !provider.AutoCreatable(d.ProviderType) {
				return nil, fmt.Errorf("provider %s is not configured in this namespace", key)
			}
			sealed, sealErr := m.box.SealJSON(map[string]any{})
			if sealErr != nil {
				return nil, sealErr
			}
			row, err = m.db.Providers.Create(ctx, namespaceID, d.ProviderType, alias, sealed)
		}
		if err != nil {
			return nil, err
		}

		cfg, err := m.box.OpenJSON(row.EncryptedConfig)
		if err != nil {
			return nil, fmt.Errorf("decrypt provider %s config: %w", key, err)
		}
		out[key] = &boundProvider{row: row, cfg: provider.Config(cfg)}
	}
	return out, nil
}

// deployedIdentities reads the trigger_definitions snapshot of the latest
// ACTIVE deployment into an identity set.
func (m *Manager) deployedIdentities(ctx context.Context, workflowID string) (map[string]bool, error) {
	dep, err := m.db.Workflows.LatestActiveDeployment(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := map[string]bool{}
	for _, def := range gjson.ParseBytes(dep.TriggerDefinitions).Array() {
		alias := def.Get("provider.alias").String()
		if alias == "" {
			alias = "default"
		}
		id := store.Identity(
			def.Get("provider.type").String(),
			alias,
			def.Get("triggerType").String(),
			json.RawMessage(def.Get("input").Raw),
		)
		out[id] = true
	}
	return out, nil
}

func identityOfDesired(d DesiredTrigger) string {
	alias := d.ProviderAlias
	if alias == "" {
		alias = "default"
	}
	return store.Identity(d.ProviderType, alias, d.TriggerType, d.Input)
}

func (m *Manager) adapterFor(ctx context.Context, t *store.Trigger, providers map[string]*boundProvider) (provider.Adapter, *boundProvider, error) {
	bp, ok := providers[providerKey(t.ProviderType, t.ProviderAlias)]
	if !ok {
		// Removal path: the provider may not be in the desired set anymore.
		row, err := m.db.Providers.Get(ctx, t.ProviderID)
		if err != nil {
			return nil, nil, err
		}
		cfg, err := m.box.OpenJSON(row.EncryptedConfig)
		if err != nil {
			return nil, nil, err
		}
		bp = &boundProvider{row: row, cfg: provider.Config(cfg)}
	}
	a, err := provider.Get(t.ProviderType)
	if err != nil {
		return nil, nil, err
	}
	return a, bp, nil
}

func handleOf(t *store.Trigger) provider.TriggerHandle {
	return provider.TriggerHandle{
		ID:          t.ID,
		WorkflowID:  t.WorkflowID,
		ProviderID:  t.ProviderID,
		TriggerType: t.TriggerType,
		Input:       t.Input,
		State:       t.State,
	}
}

func (m *Manager) createTrigger(ctx context.Context, workflowID, namespaceID string, d DesiredTrigger, providers map[string]*boundProvider) error {
	alias := d.ProviderAlias
	if alias == "" {
		alias = "default"
	}
	bp := providers[providerKey(d.ProviderType, alias)]
	adapter, err := provider.Get(d.ProviderType)
	if err != nil {
		return err
	}

	input := d.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	placeholder, err := m.db.Triggers.Insert(ctx, workflowID, bp.row.ID, d.TriggerType, input)
	if err != nil {
		return err
	}
	placeholder.ProviderType = d.ProviderType
	placeholder.ProviderAlias = alias
	placeholder.NamespaceID = namespaceID

	u := &syncUtils{m: m, trigger: placeholder}
	state, err := adapter.Create(ctx, bp.cfg, handleOf(placeholder), u)
	if err != nil {
		// Adapter create is not atomic with the row: remove the placeholder
		// and surface the error to the aggregate.
		if delErr := m.db.Triggers.Delete(ctx, placeholder.ID); delErr != nil {
			m.log.Error("placeholder cleanup failed",
				zap.String("trigger_id", placeholder.ID), zap.Error(delErr))
		}
		return err
	}
	return m.db.Triggers.UpdateState(ctx, placeholder.ID, state)
}

func (m *Manager) refreshTrigger(ctx context.Context, t *store.Trigger, providers map[string]*boundProvider) error {
	adapter, bp, err := m.adapterFor(ctx, t, providers)
	if err != nil {
		return err
	}
	state, err := adapter.Refresh(ctx, bp.cfg, handleOf(t))
	if err != nil {
		return err
	}
	return m.db.Triggers.UpdateState(ctx, t.ID, state)
}

func (m *Manager) destroyTrigger(ctx context.Context, t *store.Trigger, providers map[string]*boundProvider) error {
	adapter, bp, err := m.adapterFor(ctx, t, providers)
	if err != nil {
		return err
	}
	u := &syncUtils{m: m, trigger: t}
	return adapter.Destroy(ctx, bp.cfg, handleOf(t), u)
}

// webhookURLs collects the public URL of every webhook attached to the
// workflow's triggers or their providers.
func (m *Manager) webhookURLs(ctx context.Context, workflowID string) ([]string, error) {
	triggers, err := m.db.Triggers.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var urls []string
	for i := range triggers {
		t := &triggers[i]
		hook, err := m.db.Webhooks.FindByTrigger(ctx, t.ID)
		if errors.Is(err, store.ErrNotFound) {
			hook, err = m.db.Webhooks.FindByProvider(ctx, t.ProviderID)
		}
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		url := m.publicURL + hook.Path
		if !seen[url] {
			seen[url] = true
			urls = append(urls, url)
		}
	}
	return urls, nil
}

// ────────────────────────────────────────────────────────────────────────────
// Adapter utils facade
// ────────────────────────────────────────────────────────────────────────────

// syncUtils scopes registry side effects to the trigger being reconciled.
type syncUtils struct {
	m       *Manager
	trigger *store.Trigger
}

var _ provider.Utils = (*syncUtils)(nil)

// RegisterWebhook mints an incoming-webhook row. Explicit paths are scoped
// under the workflow; empty paths get a random UUID path. Provider-owned
// requests with ReuseExisting return the already-registered provider hook.
func (u *syncUtils) RegisterWebhook(ctx context.Context, req provider.WebhookRequest) (*provider.WebhookInfo, error) {
	if req.Owner == provider.OwnerProvider && req.ReuseExisting {
		existing, err := u.m.db.Webhooks.FindByProvider(ctx, u.trigger.ProviderID)
		if err == nil {
			return u.info(existing), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	path := req.Path
	if path != "" {
		path = "/webhook/" + u.trigger.WorkflowID + "/" + strings.TrimPrefix(path, "/")
	} else {
		path = "/webhook/" + uuid.New().String()
	}

	var triggerID, providerID string
	switch req.Owner {
	case provider.OwnerProvider:
		providerID = u.trigger.ProviderID
	default:
		triggerID = u.trigger.ID
	}
	hook, err := u.m.db.Webhooks.Create(ctx, path, req.Method, triggerID, providerID)
	if err != nil {
		return nil, err
	}
	return u.info(hook), nil
}

func (u *syncUtils) info(w *store.IncomingWebhook) *provider.WebhookInfo {
	return &provider.WebhookInfo{
		ID:     w.ID,
		URL:    u.m.publicURL + w.Path,
		Path:   w.Path,
		Method: w.Method,
	}
}

// RegisterRecurringTask persists the task row and immediately inserts the
// scheduler job backing it.
func (u *syncUtils) RegisterRecurringTask(ctx context.Context, req provider.RecurringTaskRequest) (*provider.RecurringTaskInfo, error) {
	task, err := u.m.db.Recurring.Create(ctx, u.trigger.ID)
	if err != nil {
		return nil, err
	}
	trig := scheduler.Trigger{
		CronExpression:  req.CronExpression,
		IntervalSeconds: req.IntervalSeconds,
	}
	if err := u.m.sched.AddJob(ctx, store.JobID(task.ID), trig); err != nil {
		return nil, err
	}
	return &provider.RecurringTaskInfo{ID: task.ID}, nil
}

// UnregisterRecurringTask removes the scheduler job and the task row for
// the current trigger. Absence is not an error.
func (u *syncUtils) UnregisterRecurringTask(ctx context.Context) error {
	task, err := u.m.db.Recurring.FindByTrigger(ctx, u.trigger.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := u.m.sched.RemoveJob(ctx, store.JobID(task.ID)); err != nil {
		return err
	}
	return u.m.db.Recurring.Delete(ctx, task.ID)
}
