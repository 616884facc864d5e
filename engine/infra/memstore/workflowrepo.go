package memstore

import (
	"context"
	"maps"
	"sort"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/workflow"
)

// WorkflowRepo implements workflow.Repository. Inside WithTx it works on a
// private table and holds the store's write lock.
type WorkflowRepo struct {
	store *Store
	table map[workflowKey]*workflow.Workflow
}

func (r *WorkflowRepo) rlock() func() {
	if r.table != nil {
		return func() {}
	}
	r.store.mu.RLock()
	return r.store.mu.RUnlock
}

func (r *WorkflowRepo) lock() func() {
	if r.table != nil {
		return func() {}
	}
	r.store.mu.Lock()
	return r.store.mu.Unlock
}

func (r *WorkflowRepo) rows() map[workflowKey]*workflow.Workflow {
	if r.table != nil {
		return r.table
	}
	return r.store.workflows
}

func (r *WorkflowRepo) Get(_ context.Context, name string, source workflow.SourceType) (*workflow.Workflow, error) {
	defer r.rlock()()
	wf, ok := r.rows()[workflowKey{name, source}]
	if !ok {
		return nil, core.Errorf(core.ErrNotFound, "workflow %s (%s)", name, source)
	}
	return wf.Clone(), nil
}

func (r *WorkflowRepo) ListByName(_ context.Context, name string) ([]*workflow.Workflow, error) {
	defer r.rlock()()
	var out []*workflow.Workflow
	for _, source := range []workflow.SourceType{workflow.SourceCode, workflow.SourceManual} {
		if wf, ok := r.rows()[workflowKey{name, source}]; ok {
			out = append(out, wf.Clone())
		}
	}
	return out, nil
}

func (r *WorkflowRepo) List(_ context.Context, filter workflow.Filter) ([]*workflow.Workflow, error) {
	defer r.rlock()()
	out := make([]*workflow.Workflow, 0, len(r.rows()))
	for _, wf := range r.rows() {
		if filter.Matches(wf) {
			out = append(out, wf.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].SourceType < out[j].SourceType
	})
	return out, nil
}

// Save checks the version like the SQL repository and mirrors its
// one-ACTIVE-per-name unique index.
func (r *WorkflowRepo) Save(_ context.Context, wf *workflow.Workflow) error {
	defer r.lock()()
	rows := r.rows()
	key := workflowKey{wf.Name, wf.SourceType}
	prev, ok := rows[key]
	if ok != (wf.Version != 0) || (ok && prev.Version != wf.Version) {
		return workflow.ErrStaleVersion
	}
	if wf.Status == workflow.StatusActive {
		for k, other := range rows {
			if k.name == wf.Name && k != key && other.Status == workflow.StatusActive {
				return core.Errorf(core.ErrConflict, "workflow %s already has an ACTIVE %s row", wf.Name, k.source)
			}
		}
	}
	stored := wf.Clone()
	stored.Version = wf.Version + 1
	if ok {
		stored.CreatedAt = prev.CreatedAt
	}
	rows[key] = stored
	wf.Version = stored.Version
	wf.CreatedAt = stored.CreatedAt
	return nil
}

func (r *WorkflowRepo) Delete(_ context.Context, name string, source workflow.SourceType, version int64) error {
	defer r.lock()()
	key := workflowKey{name, source}
	prev, ok := r.rows()[key]
	if !ok {
		return core.Errorf(core.ErrNotFound, "workflow %s (%s)", name, source)
	}
	if prev.Version != version {
		return workflow.ErrStaleVersion
	}
	delete(r.rows(), key)
	return nil
}

func (r *WorkflowRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx workflow.Repository) error) error {
	if r.table != nil {
		return fn(ctx, r)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	tx := &WorkflowRepo{store: r.store, table: make(map[workflowKey]*workflow.Workflow, len(r.store.workflows))}
	for k, v := range r.store.workflows {
		tx.table[k] = v.Clone()
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.store.workflows = maps.Clone(tx.table)
	return nil
}
