package scheduler

import (
	"fmt"
	"strings"
)

// Observation is a scheduler report reduced to what the run state machine
// understands.
type Observation string

const (
	ObservedPending   Observation = "pending"
	ObservedRunning   Observation = "running"
	ObservedSucceeded Observation = "succeeded"
	ObservedFailed    Observation = "failed"
	ObservedCancelled Observation = "cancelled"
)

// vocabulary is the single mapping from scheduler states to observations.
// Keys are lower snake case.
var vocabulary = map[string]Observation{
	"queued":            ObservedPending,
	"scheduled":         ObservedPending,
	"pending":           ObservedPending,
	"deferred":          ObservedPending,
	"up_for_reschedule": ObservedPending,
	"running":           ObservedRunning,
	"up_for_retry":      ObservedRunning,
	"restarting":        ObservedRunning,
	"continued_as_new":  ObservedRunning,
	"success":           ObservedSucceeded,
	"completed":         ObservedSucceeded,
	"failed":            ObservedFailed,
	"upstream_failed":   ObservedFailed,
	"timed_out":         ObservedFailed,
	"canceled":          ObservedCancelled,
	"cancelled":         ObservedCancelled,
	"terminated":        ObservedCancelled,
	"removed":           ObservedCancelled,
}

// NormalizeState lowercases raw and joins words with underscores.
func NormalizeState(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

// Observe maps a raw scheduler state. Unknown states are reported as failed
// and the returned reason carries the raw value.
func Observe(raw string) (Observation, string) {
	if obs, ok := vocabulary[NormalizeState(raw)]; ok {
		return obs, ""
	}
	return ObservedFailed, fmt.Sprintf("unknown scheduler state: %s", raw)
}
