// Package scheduler is the orchestrator's view of an external scheduler: a
// set of schedulable units and the runs they produce.
package scheduler

import (
	"context"
	"time"
)

// DefaultTimezone applies when a schedule does not name one.
const DefaultTimezone = "UTC"

// RetryPolicy is passed through to the scheduler unit unchanged.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
}

// UnitSpec describes the desired state of one scheduler unit.
type UnitSpec struct {
	UnitID     string
	Workflow   string
	Cron       string
	Timezone   string
	Enabled    bool
	Retry      RetryPolicy
	Definition string
}

// RunReport is the scheduler's view of a run. State is the scheduler's own
// vocabulary; see Observe.
type RunReport struct {
	State     string
	StartedAt *time.Time
	EndedAt   *time.Time
}

// Gateway is the control API of an external scheduler. Every call is
// idempotent for the same arguments. Trigger is idempotent per correlation id.
type Gateway interface {
	UpsertUnit(ctx context.Context, spec UnitSpec) error
	DisableUnit(ctx context.Context, unitID string) error
	DeleteUnit(ctx context.Context, unitID string) error
	Trigger(ctx context.Context, unitID, correlationID string, params map[string]any) (string, error)
	GetRunStatus(ctx context.Context, externalRunID string) (RunReport, error)
	Cancel(ctx context.Context, externalRunID string) error
}

// Operation names used in logs and metrics.
const (
	OpUpsertUnit   = "upsert_unit"
	OpDisableUnit  = "disable_unit"
	OpDeleteUnit   = "delete_unit"
	OpTrigger      = "trigger"
	OpGetRunStatus = "get_run_status"
	OpCancel       = "cancel"
)
