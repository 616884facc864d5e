// Package temporal implements the scheduler gateway on Temporal. Units are
// Temporal schedules and runs are workflow executions whose id is the
// orchestrator's run id.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/scheduler"
	"github.com/flowplane/flowplane/pkg/logger"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
)

// Gateway implements scheduler.Gateway.
type Gateway struct {
	client       client.Client
	taskQueue    string
	workflowType string
}

func NewGateway(c client.Client, cfg *Config) *Gateway {
	return &Gateway{client: c, taskQueue: cfg.TaskQueue, workflowType: cfg.WorkflowType}
}

// EnsureTemporalCron expands 5 and 6 field expressions to the 7 field form
// Temporal expects. Descriptors pass through.
func EnsureTemporalCron(cronExpr string) string {
	if strings.HasPrefix(cronExpr, "@") {
		return cronExpr
	}
	fields := strings.Fields(cronExpr)
	switch len(fields) {
	case 5:
		return "0 " + cronExpr + " *"
	case 6:
		return cronExpr + " *"
	default:
		return cronExpr
	}
}

func timezoneOf(spec scheduler.UnitSpec) string {
	if spec.Timezone == "" {
		return scheduler.DefaultTimezone
	}
	return spec.Timezone
}

func isNotFound(err error) bool {
	var notFoundErr *serviceerror.NotFound
	return errors.As(err, &notFoundErr)
}

func (g *Gateway) action(spec scheduler.UnitSpec) *client.ScheduleWorkflowAction {
	action := &client.ScheduleWorkflowAction{
		ID:        spec.UnitID,
		Workflow:  g.workflowType,
		TaskQueue: g.taskQueue,
		Args: []any{map[string]any{
			"workflow":   spec.Workflow,
			"definition": spec.Definition,
		}},
		Memo: map[string]any{"unit_id": spec.UnitID, "workflow": spec.Workflow},
	}
	if spec.Retry.MaxAttempts > 0 {
		action.RetryPolicy = &temporal.RetryPolicy{
			MaximumAttempts: int32(spec.Retry.MaxAttempts),
			InitialInterval: spec.Retry.Delay,
		}
	}
	return action
}

// UpsertUnit creates the schedule or rewrites its spec, action and paused state.
func (g *Gateway) UpsertUnit(ctx context.Context, spec scheduler.UnitSpec) error {
	log := logger.FromContext(ctx).With("schedule_id", spec.UnitID, "workflow", spec.Workflow)
	handle := g.client.ScheduleClient().GetHandle(ctx, spec.UnitID)
	_, err := handle.Describe(ctx)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to describe schedule %s: %w", spec.UnitID, err)
	}
	cronExpr := EnsureTemporalCron(spec.Cron)
	if err != nil {
		_, err = g.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID: spec.UnitID,
			Spec: client.ScheduleSpec{
				CronExpressions: []string{cronExpr},
				TimeZoneName:    timezoneOf(spec),
			},
			Action: g.action(spec),
			Paused: !spec.Enabled,
			Memo:   map[string]any{"workflow": spec.Workflow},
		})
		if err != nil {
			return fmt.Errorf("failed to create schedule %s: %w", spec.UnitID, err)
		}
		log.Info("Schedule created", "enabled", spec.Enabled)
		return nil
	}
	err = handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			schedule := input.Description.Schedule
			if schedule.Spec == nil {
				schedule.Spec = &client.ScheduleSpec{}
			}
			schedule.Spec.CronExpressions = []string{cronExpr}
			schedule.Spec.TimeZoneName = timezoneOf(spec)
			if schedule.State == nil {
				schedule.State = &client.ScheduleState{}
			}
			schedule.State.Paused = !spec.Enabled
			schedule.Action = g.action(spec)
			return &client.ScheduleUpdate{Schedule: &schedule}, nil
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update schedule %s: %w", spec.UnitID, err)
	}
	log.Info("Schedule updated", "enabled", spec.Enabled)
	return nil
}

// DisableUnit pauses the schedule. A missing schedule is already disabled.
func (g *Gateway) DisableUnit(ctx context.Context, unitID string) error {
	handle := g.client.ScheduleClient().GetHandle(ctx, unitID)
	err := handle.Pause(ctx, client.SchedulePauseOptions{Note: "disabled by flowplane"})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to pause schedule %s: %w", unitID, err)
	}
	return nil
}

// DeleteUnit removes the schedule. A missing schedule is already deleted.
func (g *Gateway) DeleteUnit(ctx context.Context, unitID string) error {
	handle := g.client.ScheduleClient().GetHandle(ctx, unitID)
	if err := handle.Delete(ctx); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete schedule %s: %w", unitID, err)
	}
	return nil
}

// Trigger starts a workflow execution whose id is the correlation id, so a
// duplicate start is detected by Temporal itself.
func (g *Gateway) Trigger(ctx context.Context, unitID, correlationID string, params map[string]any) (string, error) {
	options := client.StartWorkflowOptions{
		ID:                                       correlationID,
		TaskQueue:                                g.taskQueue,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		Memo:                                     map[string]any{"unit_id": unitID},
	}
	input := map[string]any{"unit_id": unitID, "run_id": correlationID, "params": params}
	run, err := g.client.ExecuteWorkflow(ctx, options, g.workflowType, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			logger.FromContext(ctx).Debug("Workflow already started, treating trigger as done", "run_id", correlationID)
			return correlationID, nil
		}
		return "", fmt.Errorf("failed to start workflow %s: %w", correlationID, err)
	}
	return run.GetID(), nil
}

var statusNames = map[enumspb.WorkflowExecutionStatus]string{
	enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:          "running",
	enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:        "completed",
	enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:           "failed",
	enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:         "canceled",
	enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:       "terminated",
	enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW: "continued_as_new",
	enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:        "timed_out",
}

func (g *Gateway) GetRunStatus(ctx context.Context, externalRunID string) (scheduler.RunReport, error) {
	resp, err := g.client.DescribeWorkflowExecution(ctx, externalRunID, "")
	if err != nil {
		if isNotFound(err) {
			return scheduler.RunReport{}, core.Errorf(core.ErrNotFound, "workflow execution %s", externalRunID)
		}
		return scheduler.RunReport{}, fmt.Errorf("failed to describe workflow %s: %w", externalRunID, err)
	}
	info := resp.GetWorkflowExecutionInfo()
	state, ok := statusNames[info.GetStatus()]
	if !ok {
		state = info.GetStatus().String()
	}
	report := scheduler.RunReport{State: state}
	if ts := info.GetStartTime(); ts != nil {
		t := ts.AsTime().UTC()
		report.StartedAt = &t
	}
	if ts := info.GetCloseTime(); ts != nil && ts.AsTime().Unix() > 0 {
		t := ts.AsTime().UTC()
		report.EndedAt = &t
	}
	return report, nil
}

// Cancel requests cancellation. A missing execution has nothing to cancel.
func (g *Gateway) Cancel(ctx context.Context, externalRunID string) error {
	if err := g.client.CancelWorkflow(ctx, externalRunID, ""); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to cancel workflow %s: %w", externalRunID, err)
	}
	return nil
}
