package scheduler

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/flowplane/flowplane/engine/core"
)

// Call records one invocation against a Fake.
type Call struct {
	Op     string
	Target string
}

// FakeUnit is the Fake's record of an upserted unit.
type FakeUnit struct {
	Spec    UnitSpec
	Enabled bool
}

// FakeRun is the Fake's record of a triggered run.
type FakeRun struct {
	UnitID        string
	CorrelationID string
	Params        map[string]any
	Report        RunReport
	Cancelled     bool
}

// Fake is an in-memory Gateway. It backs the memory scheduler driver and
// tests, and can be told to fail specific operations.
type Fake struct {
	mu       sync.Mutex
	units    map[string]*FakeUnit
	runs     map[string]*FakeRun
	calls    []Call
	failures map[string][]error
	sticky   map[string]error
	now      func() time.Time
}

func NewFake() *Fake {
	return &Fake{
		units:    make(map[string]*FakeUnit),
		runs:     make(map[string]*FakeRun),
		failures: make(map[string][]error),
		sticky:   make(map[string]error),
		now:      time.Now,
	}
}

// FailNext makes the next call of op return err. Calls queue up in order.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// FailAlways makes every call of op return err until cleared with a nil err.
func (f *Fake) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.sticky, op)
		return
	}
	f.sticky[op] = err
}

func (f *Fake) record(op, target string) error {
	f.calls = append(f.calls, Call{Op: op, Target: target})
	if err, ok := f.sticky[op]; ok {
		return err
	}
	if queued := f.failures[op]; len(queued) > 0 {
		f.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

// Calls returns a copy of every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsOf returns the targets of every recorded call of op.
func (f *Fake) CallsOf(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c.Target)
		}
	}
	return out
}

// Unit returns a copy of the unit record.
func (f *Fake) Unit(unitID string) (FakeUnit, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[unitID]
	if !ok {
		return FakeUnit{}, false
	}
	return *u, true
}

// Run returns a copy of the run record.
func (f *Fake) Run(externalRunID string) (FakeRun, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[externalRunID]
	if !ok {
		return FakeRun{}, false
	}
	out := *r
	out.Params = maps.Clone(r.Params)
	return out, true
}

// SetRunState overrides what GetRunStatus reports for a run.
func (f *Fake) SetRunState(externalRunID, state string, startedAt, endedAt *time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[externalRunID]
	if !ok {
		r = &FakeRun{}
		f.runs[externalRunID] = r
	}
	r.Report = RunReport{State: state, StartedAt: startedAt, EndedAt: endedAt}
}

func (f *Fake) UpsertUnit(_ context.Context, spec UnitSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpUpsertUnit, spec.UnitID); err != nil {
		return err
	}
	f.units[spec.UnitID] = &FakeUnit{Spec: spec, Enabled: spec.Enabled}
	return nil
}

func (f *Fake) DisableUnit(_ context.Context, unitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpDisableUnit, unitID); err != nil {
		return err
	}
	if u, ok := f.units[unitID]; ok {
		u.Enabled = false
		u.Spec.Enabled = false
	}
	return nil
}

func (f *Fake) DeleteUnit(_ context.Context, unitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpDeleteUnit, unitID); err != nil {
		return err
	}
	delete(f.units, unitID)
	return nil
}

// Trigger returns unitID/correlationID as the external id. A repeat with the
// same correlation id and parameters returns the existing run.
func (f *Fake) Trigger(_ context.Context, unitID, correlationID string, params map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpTrigger, correlationID); err != nil {
		return "", err
	}
	if _, ok := f.units[unitID]; !ok {
		return "", fmt.Errorf("unit %s does not exist", unitID)
	}
	externalID := unitID + "/" + correlationID
	if existing, ok := f.runs[externalID]; ok && existing.CorrelationID == correlationID {
		if !core.SameParams(existing.Params, params) {
			return "", fmt.Errorf("run %s already exists with different parameters", externalID)
		}
		return externalID, nil
	}
	started := f.now().UTC()
	f.runs[externalID] = &FakeRun{
		UnitID:        unitID,
		CorrelationID: correlationID,
		Params:        maps.Clone(params),
		Report:        RunReport{State: "queued", StartedAt: &started},
	}
	return externalID, nil
}

func (f *Fake) GetRunStatus(_ context.Context, externalRunID string) (RunReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpGetRunStatus, externalRunID); err != nil {
		return RunReport{}, err
	}
	r, ok := f.runs[externalRunID]
	if !ok {
		return RunReport{}, core.Errorf(core.ErrNotFound, "scheduler run %s", externalRunID)
	}
	return r.Report, nil
}

// Cancel marks the run cancelled. Like real schedulers, the reported state
// only changes to cancelled if the run had not already finished.
func (f *Fake) Cancel(_ context.Context, externalRunID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpCancel, externalRunID); err != nil {
		return err
	}
	r, ok := f.runs[externalRunID]
	if !ok {
		return core.Errorf(core.ErrNotFound, "scheduler run %s", externalRunID)
	}
	r.Cancelled = true
	switch obs, _ := Observe(r.Report.State); obs {
	case ObservedSucceeded, ObservedFailed, ObservedCancelled:
	default:
		ended := f.now().UTC()
		r.Report.State = "cancelled"
		r.Report.EndedAt = &ended
	}
	return nil
}
