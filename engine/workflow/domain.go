// Package workflow owns the Workflow aggregate: registration of CODE and
// MANUAL definitions, arbitration between them, pausing and removal.
package workflow

import (
	"sort"
	"time"

	"github.com/flowplane/flowplane/engine/scheduler"
)

type SourceType string

const (
	SourceCode   SourceType = "CODE"
	SourceManual SourceType = "MANUAL"
)

func (s SourceType) IsValid() bool {
	return s == SourceCode || s == SourceManual
}

type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusPaused     Status = "PAUSED"
	StatusOverridden Status = "OVERRIDDEN"
)

// Schedule is stored verbatim apart from timezone defaulting.
type Schedule struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone"`
}

// Workflow is one registered definition. A name has at most one row per
// source type.
type Workflow struct {
	Name               string                `json:"name"`
	SourceType         SourceType            `json:"source_type"`
	Status             Status                `json:"status"`
	Schedule           Schedule              `json:"schedule"`
	Owner              string                `json:"owner"`
	Team               string                `json:"team,omitempty"`
	DefinitionLocation string                `json:"definition_location"`
	UnitID             string                `json:"unit_id"`
	Retry              scheduler.RetryPolicy `json:"retry"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
	Version            int64                 `json:"version"`
}

func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	out := *w
	return &out
}

// UnitSpec builds the scheduler unit for this row.
func (w *Workflow) UnitSpec(enabled bool) scheduler.UnitSpec {
	return scheduler.UnitSpec{
		UnitID:     w.UnitID,
		Workflow:   w.Name,
		Cron:       w.Schedule.Cron,
		Timezone:   w.Schedule.Timezone,
		Enabled:    enabled,
		Retry:      w.Retry,
		Definition: w.DefinitionLocation,
	}
}

// Effective applies the precedence rule to the rows of one name: the CODE
// row when present, otherwise the MANUAL row.
func Effective(rows []*Workflow) *Workflow {
	var manual *Workflow
	for _, row := range rows {
		switch row.SourceType {
		case SourceCode:
			return row
		case SourceManual:
			manual = row
		}
	}
	return manual
}

func bySource(rows []*Workflow, source SourceType) *Workflow {
	for _, row := range rows {
		if row.SourceType == source {
			return row
		}
	}
	return nil
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	SourceType SourceType `form:"source_type" json:"source_type,omitempty"`
	Status     Status     `form:"status"      json:"status,omitempty"`
	Owner      string     `form:"owner"       json:"owner,omitempty"`
	Team       string     `form:"team"        json:"team,omitempty"`
}

func (f Filter) Matches(w *Workflow) bool {
	switch {
	case f.SourceType != "" && w.SourceType != f.SourceType:
		return false
	case f.Status != "" && w.Status != f.Status:
		return false
	case f.Owner != "" && w.Owner != f.Owner:
		return false
	case f.Team != "" && w.Team != f.Team:
		return false
	}
	return true
}

// EffectiveRows groups rows by name and keeps the effective row of each,
// ordered by name.
func EffectiveRows(rows []*Workflow) []*Workflow {
	groups := make(map[string][]*Workflow)
	for _, row := range rows {
		groups[row.Name] = append(groups[row.Name], row)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Workflow, 0, len(names))
	for _, name := range names {
		out = append(out, Effective(groups[name]))
	}
	return out
}
