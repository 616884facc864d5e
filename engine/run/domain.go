// Package run owns WorkflowRun records: the coordinator creates them and
// requests stops, the reconciler drives them through the state machine.
package run

import (
	"maps"
	"time"
)

type Type string

const (
	TypeScheduled     Type = "SCHEDULED"
	TypeManualTrigger Type = "MANUAL_TRIGGER"
	TypeBackfill      Type = "BACKFILL"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRunning  Status = "RUNNING"
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	StatusStopping Status = "STOPPING"
	StatusStopped  Status = "STOPPED"
	StatusTimeout  Status = "TIMEOUT"
)

// NonTerminal lists the statuses a sweep reconciles.
var NonTerminal = []Status{StatusPending, StatusRunning, StatusStopping}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusStopped, StatusTimeout:
		return true
	default:
		return false
	}
}

// DateLayout formats logical dates and backfill run id suffixes.
const DateLayout = "2006-01-02"

const idTimestampLayout = "20060102T150405.000000000"

// Run is one execution attempt of a workflow. EndedAt is set iff Status is
// terminal.
type Run struct {
	RunID          string         `json:"run_id"`
	WorkflowName   string         `json:"workflow_name"`
	Type           Type           `json:"run_type"`
	Status         Status         `json:"status"`
	Parameters     map[string]any `json:"parameters"`
	LogicalDate    *time.Time     `json:"logical_date,omitempty"`
	TriggeredBy    string         `json:"triggered_by"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	ExternalRunID  string         `json:"external_run_id,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	StoppedBy      string         `json:"stopped_by,omitempty"`
	LastObservedAt time.Time      `json:"last_observed_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Version        int64          `json:"version"`
}

func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Parameters = maps.Clone(r.Parameters)
	if r.LogicalDate != nil {
		d := *r.LogicalDate
		out.LogicalDate = &d
	}
	if r.EndedAt != nil {
		e := *r.EndedAt
		out.EndedAt = &e
	}
	return &out
}

// NewRunID returns <name>_<UTC timestamp with nanoseconds>.
func NewRunID(name string, at time.Time) string {
	return name + "_" + at.UTC().Format(idTimestampLayout)
}

// BackfillRunID returns <name>_<YYYY-MM-DD>.
func BackfillRunID(name string, date time.Time) string {
	return name + "_" + date.Format(DateLayout)
}

// Filter narrows List. Results are ordered by StartedAt descending.
type Filter struct {
	WorkflowName string     `form:"workflow"`
	Statuses     []Status   `form:"status"`
	Type         Type       `form:"run_type"`
	Since        *time.Time `form:"since"    time_format:"2006-01-02T15:04:05Z07:00"`
	Limit        int        `form:"limit"`
}

// DefaultListLimit applies when Filter.Limit is zero.
const DefaultListLimit = 100

func (f Filter) Matches(r *Run) bool {
	if f.WorkflowName != "" && r.WorkflowName != f.WorkflowName {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Since != nil && r.StartedAt.Before(*f.Since) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Batch reports one backfill request. It is never persisted.
type Batch struct {
	WorkflowName string         `json:"workflow_name"`
	StartDate    string         `json:"start_date"`
	EndDate      string         `json:"end_date"`
	Parameters   map[string]any `json:"parameters"`
	RunIDs       []string       `json:"run_ids"`
	Runs         []*Run         `json:"runs"`
	Triggered    int            `json:"triggered"`
	Aborted      bool           `json:"aborted"`
	// Errors maps members of a parallel batch whose outcome could not be
	// recorded to the redacted cause. Those members stay PENDING.
	Errors map[string]string `json:"errors,omitempty"`
}
