package store

import (
	"encoding/json"
	"time"
)

// OwnerKind discriminates who owns a namespace. Modeled as a flat sum with a
// database check constraint rather than a pointer graph.
type OwnerKind string

const (
	OwnerUser         OwnerKind = "user"
	OwnerOrganization OwnerKind = "organization"
)

// Namespace is the scoping unit owning providers, triggers, workflows and
// secrets. The matcher never crosses namespaces.
type Namespace struct {
	ID        string    `db:"id"`
	OwnerKind OwnerKind `db:"owner_kind"`
	OwnerID   string    `db:"owner_id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

// Workflow is a user-declared automation unit. (namespace_id, name) is unique.
type Workflow struct {
	ID          string    `db:"id"`
	NamespaceID string    `db:"namespace_id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
}

// DeploymentStatus is the lifecycle state of a workflow deployment.
type DeploymentStatus string

const (
	DeploymentActive   DeploymentStatus = "ACTIVE"
	DeploymentInactive DeploymentStatus = "INACTIVE"
	DeploymentFailed   DeploymentStatus = "FAILED"
)

// Deployment is an immutable snapshot of user code plus a runtime reference.
// At most one ACTIVE deployment exists per workflow; the dispatcher picks the
// most recent ACTIVE one.
type Deployment struct {
	ID         string           `db:"id"`
	WorkflowID string           `db:"workflow_id"`
	RuntimeID  string           `db:"runtime_id"`
	// Code maps filename -> source; Entrypoint names the file executed first.
	Code       json.RawMessage  `db:"code"`
	Entrypoint string           `db:"entrypoint"`
	Status     DeploymentStatus `db:"status"`
	// TriggerDefinitions is the identity snapshot taken at deploy time,
	// read by the lifecycle manager's deployed-identity protection.
	TriggerDefinitions json.RawMessage `db:"trigger_definitions"`
	DeployedAt         time.Time       `db:"deployed_at"`
	DeployedBy         *string         `db:"deployed_by"`
}

// RuntimeStatus is the provisioning state of an execution backend instance.
type RuntimeStatus string

const (
	RuntimeInProgress RuntimeStatus = "IN_PROGRESS"
	RuntimeCompleted  RuntimeStatus = "COMPLETED"
	RuntimeFailed     RuntimeStatus = "FAILED"
)

// Runtime is a content-addressed provisioned execution unit for an image.
// ConfigHash is the deterministic hash of Config; two requests with the same
// config resolve to the same row.
type Runtime struct {
	ID         string          `db:"id"`
	Config     json.RawMessage `db:"config"`
	ConfigHash string          `db:"config_hash"`
	Status     RuntimeStatus   `db:"status"`
	CreatedAt  time.Time       `db:"created_at"`
}

// RuntimeLog is one creation-log entry for a runtime.
type RuntimeLog struct {
	ID        int64     `db:"id"`
	RuntimeID string    `db:"runtime_id"`
	Timestamp time.Time `db:"ts"`
	Level     string    `db:"level"`
	Message   string    `db:"message"`
}

// Provider is a namespace-scoped configured integration with an external
// service. Config is stored encrypted; decryption happens at dispatch time.
type Provider struct {
	ID              string    `db:"id"`
	NamespaceID     string    `db:"namespace_id"`
	Type            string    `db:"type"`
	Alias           string    `db:"alias"`
	EncryptedConfig []byte    `db:"encrypted_config"`
	CreatedAt       time.Time `db:"created_at"`
}

// Trigger is a declared subscription of a workflow to a provider event class.
// Input is the provider-scoped filter payload; State holds externally
// materialized identifiers (webhook id, schedule id, sync token) and is set
// only after a successful adapter create.
type Trigger struct {
	ID          string          `db:"id"`
	WorkflowID  string          `db:"workflow_id"`
	ProviderID  string          `db:"provider_id"`
	TriggerType string          `db:"trigger_type"`
	Input       json.RawMessage `db:"input"`
	State       json.RawMessage `db:"state"`
	CreatedAt   time.Time       `db:"created_at"`

	// Joined provider columns, populated by queries that need them.
	ProviderType  string `db:"provider_type"`
	ProviderAlias string `db:"provider_alias"`
	NamespaceID   string `db:"namespace_id"`
}

// IncomingWebhook maps a public URL path to either a single trigger or a
// whole provider (many triggers share one provider webhook, e.g. Slack
// Events). Exactly one of TriggerID / ProviderID is set.
type IncomingWebhook struct {
	ID         string    `db:"id"`
	Path       string    `db:"path"`
	Method     string    `db:"method"`
	TriggerID  *string   `db:"trigger_id"`
	ProviderID *string   `db:"provider_id"`
	CreatedAt  time.Time `db:"created_at"`
}

// RecurringTask marks a trigger as schedule-bearing. Its presence implies a
// scheduler job with id "recurring_task_<id>".
type RecurringTask struct {
	ID        string    `db:"id"`
	TriggerID string    `db:"trigger_id"`
	CreatedAt time.Time `db:"created_at"`
}

// ExecutionStatus is the lifecycle state of one invocation attempt.
type ExecutionStatus string

const (
	ExecutionReceived     ExecutionStatus = "RECEIVED"
	ExecutionStarted      ExecutionStatus = "STARTED"
	ExecutionCompleted    ExecutionStatus = "COMPLETED"
	ExecutionFailed       ExecutionStatus = "FAILED"
	ExecutionTimeout      ExecutionStatus = "TIMEOUT"
	ExecutionNoDeployment ExecutionStatus = "NO_DEPLOYMENT"
)

// Execution is one row of the append-then-update invocation log.
// DurationMS is derived from the timestamps, never stored.
type Execution struct {
	ID           string          `db:"id"`
	WorkflowID   string          `db:"workflow_id"`
	TriggerID    string          `db:"trigger_id"`
	DeploymentID *string         `db:"deployment_id"`
	Status       ExecutionStatus `db:"status"`
	ReceivedAt   time.Time       `db:"received_at"`
	StartedAt    *time.Time      `db:"started_at"`
	CompletedAt  *time.Time      `db:"completed_at"`
	ErrorMessage *string         `db:"error_message"`
	ErrorStack   *string         `db:"error_stack"`
	Logs         *string         `db:"logs"`
}

// DurationMS returns completed_at - started_at in milliseconds, or 0 when
// either timestamp is unset.
func (e *Execution) DurationMS() int64 {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt).Milliseconds()
}

// SchedulerJob is one durable scheduler entry shared across replicas.
// Either CronExpr or IntervalSeconds is set.
type SchedulerJob struct {
	ID              string     `db:"id"`
	CronExpr        *string    `db:"cron_expr"`
	IntervalSeconds *int64     `db:"interval_seconds"`
	NextFireAt      time.Time  `db:"next_fire_at"`
	LastFiredAt     *time.Time `db:"last_fired_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}
