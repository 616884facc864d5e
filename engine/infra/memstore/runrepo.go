package memstore

import (
	"context"
	"sort"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/run"
)

// RunRepo implements run.Repository.
type RunRepo struct {
	store *Store
}

func (r *RunRepo) Create(_ context.Context, runs ...*run.Run) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	seen := make(map[string]struct{}, len(runs))
	for _, item := range runs {
		if _, ok := r.store.runs[item.RunID]; ok {
			return core.Errorf(core.ErrAlreadyExists, "run %s", item.RunID)
		}
		if _, ok := seen[item.RunID]; ok {
			return core.Errorf(core.ErrAlreadyExists, "run %s", item.RunID)
		}
		seen[item.RunID] = struct{}{}
	}
	for _, item := range runs {
		item.Version = 1
		r.store.runs[item.RunID] = item.Clone()
	}
	return nil
}

func (r *RunRepo) Get(_ context.Context, runID string) (*run.Run, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	item, ok := r.store.runs[runID]
	if !ok {
		return nil, core.Errorf(core.ErrNotFound, "run %s", runID)
	}
	return item.Clone(), nil
}

func (r *RunRepo) GetByExternalID(_ context.Context, externalRunID string) (*run.Run, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, item := range r.store.runs {
		if item.ExternalRunID == externalRunID {
			return item.Clone(), nil
		}
	}
	return nil, core.Errorf(core.ErrNotFound, "run with external id %s", externalRunID)
}

func (r *RunRepo) Update(_ context.Context, item *run.Run) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	stored, ok := r.store.runs[item.RunID]
	if !ok {
		return core.Errorf(core.ErrNotFound, "run %s", item.RunID)
	}
	if stored.Version != item.Version {
		return run.ErrStaleVersion
	}
	item.Version++
	r.store.runs[item.RunID] = item.Clone()
	return nil
}

func (r *RunRepo) List(_ context.Context, filter run.Filter) ([]*run.Run, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*run.Run
	for _, item := range r.store.runs {
		if filter.Matches(item) {
			out = append(out, item.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID > out[j].RunID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *RunRepo) HasNonTerminal(_ context.Context, workflowName string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, item := range r.store.runs {
		if item.WorkflowName == workflowName && !item.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}
