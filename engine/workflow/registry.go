package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/definition"
	"github.com/flowplane/flowplane/engine/scheduler"
	"github.com/flowplane/flowplane/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
)

var (
	validate    = validator.New()
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
)

// RegisterInput is a registration request. Definition is the raw YAML or
// JSON document.
type RegisterInput struct {
	Name       string                `json:"name"        validate:"required,max=128"`
	SourceType SourceType            `json:"source_type" validate:"required,oneof=CODE MANUAL"`
	Definition []byte                `json:"definition"  validate:"required"`
	Schedule   Schedule              `json:"schedule"`
	Owner      string                `json:"owner"       validate:"required"`
	Team       string                `json:"team"`
	Retry      scheduler.RetryPolicy `json:"retry"`
	Force      bool                  `json:"force"`
}

// UnitNamer derives the scheduler unit id of a row.
type UnitNamer func(prefix string, source SourceType, name string) string

// DefaultUnitNamer yields <prefix>-<source>-<slug(name)>.
func DefaultUnitNamer(prefix string, source SourceType, name string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, strings.ToLower(string(source)), slug.Make(name))
}

type Config struct {
	UnitPrefix string
	LeaseTTL   time.Duration
	LeaseWait  time.Duration
}

func DefaultConfig() *Config {
	return &Config{UnitPrefix: "flowplane", LeaseTTL: 2 * time.Minute, LeaseWait: 2 * time.Second}
}

type Option func(*Registry)

func WithRunChecker(runs RunChecker) Option {
	return func(r *Registry) { r.runs = runs }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithUnitNamer(namer UnitNamer) Option {
	return func(r *Registry) { r.unitID = namer }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry keeps the definition store, the scheduler and the relational rows
// in agreement. Mutations of one name read and commit under a lease and make
// their remote calls in between with no lease held.
type Registry struct {
	repo    Repository
	store   definition.Store
	gateway scheduler.Gateway
	locker  core.Locker
	runs    RunChecker
	metrics *Metrics
	unitID  UnitNamer
	cfg     *Config
	now     func() time.Time
}

func NewRegistry(
	repo Repository,
	store definition.Store,
	gateway scheduler.Gateway,
	locker core.Locker,
	cfg *Config,
	opts ...Option,
) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	r := &Registry{
		repo:    repo,
		store:   store,
		gateway: gateway,
		locker:  locker,
		unitID:  DefaultUnitNamer,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// withLease runs fn while holding the name lease. The lease covers reading
// or committing rows and is never held across a definition store or
// scheduler call.
func (r *Registry) withLease(ctx context.Context, name string, fn func() error) error {
	lease, err := core.AcquireLease(ctx, r.locker, "workflow:"+name, r.cfg.LeaseTTL, r.cfg.LeaseWait)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.FromContext(ctx).Warn("Failed to release workflow lease", "workflow", name, "error", err)
		}
	}()
	return fn()
}

func (r *Registry) rowsOf(ctx context.Context, name string) ([]*Workflow, error) {
	var rows []*Workflow
	err := r.withLease(ctx, name, func() error {
		var err error
		rows, err = r.repo.ListByName(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to load workflow %s: %w", name, err)
		}
		return nil
	})
	return rows, err
}

// commit applies fn in one transaction under the lease. Rows written by fn
// carry the version read before the remote calls, so a mutation that got in
// between fails the commit with ErrStaleVersion.
func (r *Registry) commit(ctx context.Context, name string, fn func(ctx context.Context, tx Repository) error) error {
	return r.withLease(ctx, name, func() error {
		return r.repo.WithTx(ctx, fn)
	})
}

func validateRegister(in *RegisterInput) error {
	if err := validate.Struct(in); err != nil {
		return core.NewError(core.ErrValidation, "invalid registration", err)
	}
	if !namePattern.MatchString(in.Name) {
		return core.Errorf(core.ErrValidation, "workflow name %q must match %s", in.Name, namePattern.String())
	}
	if in.Retry.MaxAttempts < 0 || in.Retry.Delay < 0 {
		return core.Errorf(core.ErrValidation, "retry policy must not be negative")
	}
	return ValidateDocument(in.Name, in.Definition)
}

// Register records a CODE or MANUAL definition. The blob is written first,
// then the scheduler unit, then the relational rows.
func (r *Registry) Register(ctx context.Context, in *RegisterInput) (*Workflow, error) {
	if err := validateRegister(in); err != nil {
		return nil, err
	}
	sched, err := NormalizeSchedule(in.Schedule)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).With("workflow", in.Name, "source", in.SourceType)
	rows, err := r.rowsOf(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	existing := bySource(rows, in.SourceType)
	if existing != nil && !in.Force {
		return nil, core.Errorf(core.ErrAlreadyExists, "workflow %s (%s) is already registered", in.Name, in.SourceType)
	}
	now := r.now().UTC()
	wf := &Workflow{
		Name:       in.Name,
		SourceType: in.SourceType,
		Status:     StatusActive,
		Schedule:   sched,
		Owner:      in.Owner,
		Team:       in.Team,
		UnitID:     r.unitID(r.cfg.UnitPrefix, in.SourceType, in.Name),
		Retry:      in.Retry,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing != nil {
		wf.CreatedAt = existing.CreatedAt
		wf.Version = existing.Version
		if existing.Status == StatusPaused {
			wf.Status = StatusPaused
		}
	}
	if in.SourceType == SourceCode {
		err = r.registerCode(ctx, wf, in.Definition, bySource(rows, SourceManual))
	} else {
		err = r.registerManual(ctx, wf, in.Definition, bySource(rows, SourceCode))
	}
	if err != nil {
		return nil, err
	}
	r.metrics.RecordMutation(ctx, OpRegister, in.SourceType)
	log.Info("Workflow registered", "status", wf.Status, "unit_id", wf.UnitID, "forced", existing != nil)
	return wf, nil
}

func (r *Registry) putDefinition(ctx context.Context, wf *Workflow, doc []byte) error {
	location, err := r.store.Put(ctx, DefinitionPath(wf.SourceType, wf.Name), doc)
	if err != nil {
		return core.Wrap(core.ErrDefinitionStoreUnavailable, "failed to store definition", err)
	}
	wf.DefinitionLocation = location
	return nil
}

func (r *Registry) registerManual(ctx context.Context, wf *Workflow, doc []byte, code *Workflow) error {
	if code != nil {
		wf.Status = StatusOverridden
	}
	if err := r.putDefinition(ctx, wf, doc); err != nil {
		return err
	}
	if wf.Status != StatusOverridden {
		if err := r.gateway.UpsertUnit(ctx, wf.UnitSpec(wf.Status == StatusActive)); err != nil {
			return core.Wrap(core.ErrSchedulerUnavailable, "failed to upsert scheduler unit", err)
		}
	}
	err := r.commit(ctx, wf.Name, func(ctx context.Context, tx Repository) error {
		return tx.Save(ctx, wf)
	})
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", wf.Name, err)
	}
	return nil
}

func (r *Registry) registerCode(ctx context.Context, wf *Workflow, doc []byte, manual *Workflow) error {
	if err := r.putDefinition(ctx, wf, doc); err != nil {
		return err
	}
	if manual != nil && manual.Status != StatusOverridden {
		if err := r.gateway.DisableUnit(ctx, manual.UnitID); err != nil {
			return core.Wrap(core.ErrSchedulerUnavailable, "failed to disable overridden scheduler unit", err)
		}
	}
	if err := r.gateway.UpsertUnit(ctx, wf.UnitSpec(wf.Status == StatusActive)); err != nil {
		return core.Wrap(core.ErrSchedulerUnavailable, "failed to upsert scheduler unit", err)
	}
	err := r.commit(ctx, wf.Name, func(ctx context.Context, tx Repository) error {
		if manual != nil && manual.Status != StatusOverridden {
			overridden := manual.Clone()
			overridden.Status = StatusOverridden
			overridden.UpdatedAt = wf.UpdatedAt
			if err := tx.Save(ctx, overridden); err != nil {
				return err
			}
		}
		return tx.Save(ctx, wf)
	})
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", wf.Name, err)
	}
	return nil
}

// Unregister removes a MANUAL workflow. CODE workflows are removed only by
// the deployment pipeline through ObserveCodeRemoval.
func (r *Registry) Unregister(ctx context.Context, name string, source SourceType, force bool) error {
	if source == SourceCode {
		return core.Errorf(core.ErrPermissionDenied, "CODE workflows are managed by the deployment pipeline")
	}
	if source != SourceManual {
		return core.Errorf(core.ErrValidation, "unknown source type %q", source)
	}
	var wf *Workflow
	err := r.withLease(ctx, name, func() error {
		var err error
		wf, err = r.repo.Get(ctx, name, SourceManual)
		if err != nil {
			return err
		}
		// runs in flight under an OVERRIDDEN row belong to the CODE unit
		if force || r.runs == nil || wf.Status == StatusOverridden {
			return nil
		}
		active, err := r.runs.HasNonTerminal(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to check runs of %s: %w", name, err)
		}
		if active {
			return core.Errorf(core.ErrConflict, "workflow %s has runs in flight", name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := r.gateway.DeleteUnit(ctx, wf.UnitID); err != nil {
		return core.Wrap(core.ErrSchedulerUnavailable, "failed to delete scheduler unit", err)
	}
	if err := r.store.Delete(ctx, wf.DefinitionLocation); err != nil && !errors.Is(err, core.ErrNotFound) {
		return core.Wrap(core.ErrDefinitionStoreUnavailable, "failed to delete definition", err)
	}
	err = r.commit(ctx, name, func(ctx context.Context, tx Repository) error {
		return tx.Delete(ctx, name, SourceManual, wf.Version)
	})
	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", name, err)
	}
	r.metrics.RecordMutation(ctx, OpUnregister, SourceManual)
	logger.FromContext(ctx).Info("Workflow unregistered", "workflow", name, "forced", force)
	return nil
}

func (r *Registry) effectiveForUpdate(ctx context.Context, name string) (*Workflow, error) {
	rows, err := r.repo.ListByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", name, err)
	}
	wf := Effective(rows)
	if wf == nil {
		return nil, core.Errorf(core.ErrNotFound, "workflow %s", name)
	}
	if wf.Status == StatusOverridden {
		return nil, core.Errorf(core.ErrInvalidState, "workflow %s is overridden", name)
	}
	return wf.Clone(), nil
}

// Pause disables the effective row's scheduler unit. Runs in flight are
// left alone.
func (r *Registry) Pause(ctx context.Context, name string) (*Workflow, error) {
	return r.setPaused(ctx, name, true)
}

func (r *Registry) Unpause(ctx context.Context, name string) (*Workflow, error) {
	return r.setPaused(ctx, name, false)
}

func (r *Registry) setPaused(ctx context.Context, name string, paused bool) (*Workflow, error) {
	var wf *Workflow
	err := r.withLease(ctx, name, func() error {
		var err error
		wf, err = r.effectiveForUpdate(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	op, status := OpUnpause, StatusActive
	if paused {
		op, status = OpPause, StatusPaused
		err = r.gateway.DisableUnit(ctx, wf.UnitID)
	} else {
		err = r.gateway.UpsertUnit(ctx, wf.UnitSpec(true))
	}
	if err != nil {
		return nil, core.Wrap(core.ErrSchedulerUnavailable, "failed to update scheduler unit", err)
	}
	wf.Status = status
	wf.UpdatedAt = r.now().UTC()
	err = r.commit(ctx, name, func(ctx context.Context, tx Repository) error {
		return tx.Save(ctx, wf)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save workflow %s: %w", name, err)
	}
	r.metrics.RecordMutation(ctx, op, wf.SourceType)
	logger.FromContext(ctx).Info("Workflow status changed", "workflow", name, "status", status)
	return wf, nil
}

// ObserveCodeRemoval handles a CODE definition withdrawn by the deployment
// pipeline, restoring an overridden MANUAL row to ACTIVE.
func (r *Registry) ObserveCodeRemoval(ctx context.Context, name string) error {
	log := logger.FromContext(ctx).With("workflow", name)
	rows, err := r.rowsOf(ctx, name)
	if err != nil {
		return err
	}
	code := bySource(rows, SourceCode)
	if code == nil {
		return core.Errorf(core.ErrNotFound, "CODE workflow %s", name)
	}
	if err := r.gateway.DeleteUnit(ctx, code.UnitID); err != nil {
		return core.Wrap(core.ErrSchedulerUnavailable, "failed to delete scheduler unit", err)
	}
	var restored *Workflow
	if manual := bySource(rows, SourceManual); manual != nil {
		restored = manual.Clone()
		if restored.Status == StatusOverridden {
			restored.Status = StatusActive
		}
		if err := r.gateway.UpsertUnit(ctx, restored.UnitSpec(restored.Status == StatusActive)); err != nil {
			return core.Wrap(core.ErrSchedulerUnavailable, "failed to restore scheduler unit", err)
		}
		restored.UpdatedAt = r.now().UTC()
	}
	err = r.commit(ctx, name, func(ctx context.Context, tx Repository) error {
		if err := tx.Delete(ctx, name, SourceCode, code.Version); err != nil {
			return err
		}
		if restored != nil {
			return tx.Save(ctx, restored)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove CODE workflow %s: %w", name, err)
	}
	if err := r.store.Delete(ctx, code.DefinitionLocation); err != nil && !errors.Is(err, core.ErrNotFound) {
		log.Warn("CODE definition left behind", "location", code.DefinitionLocation, "error", err)
	}
	r.metrics.RecordMutation(ctx, OpCodeRemoval, SourceCode)
	log.Info("CODE workflow removed", "restored_manual", restored != nil)
	return nil
}

// Get returns the effective row for name.
func (r *Registry) Get(ctx context.Context, name string) (*Workflow, error) {
	rows, err := r.repo.ListByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", name, err)
	}
	wf := Effective(rows)
	if wf == nil {
		return nil, core.Errorf(core.ErrNotFound, "workflow %s", name)
	}
	return wf, nil
}

func (r *Registry) GetBySource(ctx context.Context, name string, source SourceType) (*Workflow, error) {
	if !source.IsValid() {
		return nil, core.Errorf(core.ErrValidation, "unknown source type %q", source)
	}
	return r.repo.Get(ctx, name, source)
}

// List returns effective rows matching filter. A filter naming a source type
// lists that source's rows, overridden ones included.
func (r *Registry) List(ctx context.Context, filter Filter) ([]*Workflow, error) {
	if filter.SourceType != "" {
		if !filter.SourceType.IsValid() {
			return nil, core.Errorf(core.ErrValidation, "unknown source type %q", filter.SourceType)
		}
		return r.repo.List(ctx, filter)
	}
	rows, err := r.repo.List(ctx, Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	out := make([]*Workflow, 0, len(rows))
	for _, wf := range EffectiveRows(rows) {
		if filter.Matches(wf) {
			out = append(out, wf)
		}
	}
	return out, nil
}

// LoadDefinition returns the effective row's document.
func (r *Registry) LoadDefinition(ctx context.Context, name string) ([]byte, error) {
	wf, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	doc, err := r.store.Get(ctx, wf.DefinitionLocation)
	if err != nil {
		return nil, core.Wrap(core.ErrDefinitionStoreUnavailable, "failed to load definition", err)
	}
	return doc, nil
}
