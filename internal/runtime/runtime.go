// Package runtime abstracts the execution backend that runs user workflow
// code. Three backends exist: docker (long-lived warm containers), lambda
// (managed functions), and kubernetes (on-demand pods). The dispatcher and
// the maintenance loop only see the Backend interface.
package runtime

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/floww-sh/floww/internal/config"
	"github.com/floww-sh/floww/internal/store"
)

// ProvisionState is the outcome of a provisioning attempt.
type ProvisionState struct {
	Status store.RuntimeStatus
	Logs   []string
}

// Err converts a FAILED state into an error carrying the provisioning log,
// so callers that need the runtime up can fail fast.
func (s *ProvisionState) Err() error {
	if s == nil || s.Status != store.RuntimeFailed {
		return nil
	}
	if len(s.Logs) == 0 {
		return fmt.Errorf("runtime provisioning failed")
	}
	return fmt.Errorf("runtime provisioning failed: %s", strings.Join(s.Logs, "; "))
}

// Backend provisions execution units and fires invocations at them.
// InvokeTrigger is fire-and-forget: errors surface to the caller for
// history bookkeeping, but completion is reported out-of-band by the
// workload calling back into the API.
type Backend interface {
	// CreateRuntime idempotently provisions the execution unit for a
	// runtime row. Long provisioning continues in the background; progress
	// is visible through RuntimeStatus.
	CreateRuntime(ctx context.Context, rt *store.Runtime, image string) (*ProvisionState, error)

	// RuntimeStatus probes provisioning state without mutating anything.
	RuntimeStatus(ctx context.Context, rt *store.Runtime) (*ProvisionState, error)

	// InvokeTrigger delivers one execution payload to the runtime.
	InvokeTrigger(ctx context.Context, rt *store.Runtime, image string, payload *Payload) error

	// TeardownUnusedRuntimes reaps idle or exited execution units. Called
	// periodically by the maintenance loop.
	TeardownUnusedRuntimes(ctx context.Context) error
}

// NewBackend builds the backend selected by RUNTIME_TYPE.
func NewBackend(cfg *config.Settings, log *zap.Logger) (Backend, error) {
	switch cfg.RuntimeType {
	case config.RuntimeDocker:
		return NewDockerBackend(cfg, log)
	case config.RuntimeLambda:
		return NewLambdaBackend(context.Background(), log)
	case config.RuntimeKubernetes:
		return NewKubernetesBackend(log)
	default:
		return nil, fmt.Errorf("unknown runtime type %q", cfg.RuntimeType)
	}
}
