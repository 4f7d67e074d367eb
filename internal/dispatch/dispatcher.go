// Package dispatch carries a matched trigger event to the workflow runtime:
// deployment selection, history bookkeeping, payload assembly, and the
// fire-and-forget invocation.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/floww-sh/floww/internal/runtime"
	"github.com/floww-sh/floww/internal/secrets"
	"github.com/floww-sh/floww/internal/store"
)

// invokeTimeout bounds the detached runtime invocation.
const invokeTimeout = 90 * time.Second

// ImageResolver pins an image hash to a digest reference.
type ImageResolver interface {
	Resolve(ctx context.Context, imageHash string) (string, error)
}

// Dispatcher drives one execution from matched trigger to runtime invoke.
type Dispatcher struct {
	db        *store.DB
	box       *secrets.Box
	resolver  ImageResolver
	backend   runtime.Backend
	tokens    *TokenIssuer
	publicURL string
	log       *zap.Logger

	// invoke and invokeTimeout are swapped by tests to observe the
	// detached call.
	invoke        func(ctx context.Context, rt *store.Runtime, image string, payload *runtime.Payload) error
	invokeTimeout time.Duration
}

func New(db *store.DB, box *secrets.Box, resolver ImageResolver, backend runtime.Backend, tokens *TokenIssuer, publicURL string, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		db:        db,
		box:       box,
		resolver:  resolver,
		backend:   backend,
		tokens:    tokens,
		publicURL: publicURL,
		log:       log,
	}
	d.invoke = backend.InvokeTrigger
	d.invokeTimeout = invokeTimeout
	return d
}

// Dispatch runs the execution pipeline for one trigger firing. The STARTED
// transition is committed before the runtime is invoked, so the runtime's
// completion callback always finds a STARTED row. The invocation itself is
// detached; its failure marks the execution FAILED but never propagates.
func (d *Dispatcher) Dispatch(ctx context.Context, trigger *store.Trigger, eventData map[string]any, executionID string) error {
	log := d.log.With(
		zap.String("trigger_id", trigger.ID),
		zap.String("workflow_id", trigger.WorkflowID),
		zap.String("execution_id", executionID))

	// ── Step 1: deployment selection ──
	deployment, err := d.db.Workflows.LatestActiveDeployment(ctx, trigger.WorkflowID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("no active deployment, recording NO_DEPLOYMENT")
		return d.db.Executions.MarkNoDeployment(ctx, executionID)
	}
	if err != nil {
		return err
	}

	// ── Step 2: mint the invocation token ──
	token, err := d.tokens.Mint(deployment.ID, trigger.WorkflowID, trigger.NamespaceID)
	if err != nil {
		return err
	}

	// ── Step 3: STARTED, committed before any invoke ──
	if err := d.db.Executions.MarkStarted(ctx, executionID, deployment.ID); err != nil {
		return fmt.Errorf("mark execution started: %w", err)
	}

	// ── Step 4: image resolution ──
	rt, err := d.db.Runtimes.Get(ctx, deployment.RuntimeID)
	if err != nil {
		return fmt.Errorf("load runtime %s: %w", deployment.RuntimeID, err)
	}
	imageHash := gjson.GetBytes(rt.Config, "image_hash").String()
	image, err := d.resolver.Resolve(ctx, imageHash)
	if err != nil {
		log.Error("image unresolved, not invoking", zap.String("image_hash", imageHash), zap.Error(err))
		return nil
	}

	// ── Step 5: provider configs ──
	providerConfigs, err := d.namespaceProviderConfigs(ctx, trigger.NamespaceID)
	if err != nil {
		return err
	}

	// ── Step 6: payload ──
	payload := &runtime.Payload{
		Trigger: runtime.TriggerRef{
			Provider:    runtime.ProviderRef{Type: trigger.ProviderType, Alias: trigger.ProviderAlias},
			TriggerType: trigger.TriggerType,
			Input:       trigger.Input,
		},
		Data:            eventData,
		BackendURL:      d.publicURL,
		AuthToken:       token,
		ExecutionID:     executionID,
		ProviderConfigs: providerConfigs,
	}

	// ── Step 7: detached invoke ──
	go func() {
		ictx, cancel := context.WithTimeout(context.Background(), d.invokeTimeout)
		defer cancel()
		if err := d.invoke(ictx, rt, image, payload); err != nil {
			log.Error("runtime invocation failed", zap.Error(err))
			// The invoke context may already be expired (that is often why
			// we are here); the bookkeeping write gets its own.
			mctx, mcancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer mcancel()
			if markErr := d.db.Executions.MarkFailed(mctx, executionID, err.Error(), nil, nil); markErr != nil {
				log.Error("mark execution failed errored", zap.Error(markErr))
			}
		}
	}()
	return nil
}

// namespaceProviderConfigs decrypts every provider config in the namespace
// into the "type:alias" map the payload carries. A config that fails to
// decrypt is skipped with a log line rather than failing the dispatch.
func (d *Dispatcher) namespaceProviderConfigs(ctx context.Context, namespaceID string) (map[string]map[string]any, error) {
	providers, err := d.db.Providers.ListByNamespace(ctx, namespaceID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]any, len(providers))
	for _, p := range providers {
		cfg, err := d.box.OpenJSON(p.EncryptedConfig)
		if err != nil {
			d.log.Warn("cannot decrypt provider config, skipping",
				zap.String("provider_id", p.ID),
				zap.String("type", p.Type), zap.Error(err))
			continue
		}
		out[p.Type+":"+p.Alias] = cfg
	}
	return out, nil
}

// WebhookEventData builds the dispatch payload data for an inbound webhook.
func WebhookEventData(method, path string, headers map[string]string, body []byte, query map[string]string, params map[string]string) map[string]any {
	var parsed any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			parsed = string(body)
		}
	}
	return map[string]any{
		"method":  method,
		"path":    path,
		"headers": headers,
		"body":    parsed,
		"query":   query,
		"params":  params,
	}
}

// ManualEventData builds the dispatch payload data for a manual invocation.
func ManualEventData(triggeredBy string, input json.RawMessage) map[string]any {
	var parsed any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &parsed); err != nil {
			parsed = string(input)
		}
	}
	return map[string]any{
		"manually_triggered": true,
		"triggered_by":       triggeredBy,
		"input_data":         parsed,
	}
}
