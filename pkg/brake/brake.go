// Package brake implements the emergency-stop orchestrator. A Brake owns the
// staged-permission store, enforces the planner/executor role split, evaluates
// staging guards, and triggers the actual registry revocations. Every mutating
// operation is serialized under one mutex, registry round trips included, so
// the validate-then-revoke window of Execute cannot interleave with other
// brake operations.
package brake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/estop/pkg/audit"
	"github.com/Mindburn-Labs/estop/pkg/auth"
	"github.com/Mindburn-Labs/estop/pkg/permission"
	"github.com/Mindburn-Labs/estop/pkg/plan"
	"github.com/Mindburn-Labs/estop/pkg/policy"
	"github.com/Mindburn-Labs/estop/pkg/registry"
)

var (
	// ErrAccessDenied rejects an actor calling an entry point outside its role.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotHeld aborts execution when a staged permission is no longer held
	// in the registry. Another administrator revoked it since planning.
	ErrNotHeld = errors.New("permission not held in registry")

	// Store sentinels re-exported so callers handle one error surface.
	ErrInvalidState   = plan.ErrInvalidState
	ErrRootCapability = plan.ErrRootCapability
	ErrAlreadyPlanned = plan.ErrAlreadyPlanned
	ErrNotPlanned     = plan.ErrNotPlanned
)

// Config assembles a Brake. Registry and Recorder are mandatory collaborators;
// an unrecorded brake operation must not be possible.
type Config struct {
	// Account is the service identity the brake presents to the registry
	// when granting and revoking.
	Account   uuid.UUID
	Planners  []uuid.UUID
	Executors []uuid.UUID
	Registry  registry.Registry
	Recorder  audit.Recorder
	// Guards is optional; nil means no staging guards.
	Guards *policy.GuardSet
	// Clock is optional; nil means time.Now. Tests pin it.
	Clock func() time.Time
}

// Brake is the emergency-stop orchestrator. Planner and executor sets are
// fixed at construction; changing membership means constructing a new brake.
type Brake struct {
	mu        sync.Mutex
	account   uuid.UUID
	planners  map[uuid.UUID]bool
	executors map[uuid.UUID]bool
	registry  registry.Registry
	recorder  audit.Recorder
	guards    *policy.GuardSet
	clock     func() time.Time
	plans     *plan.Store
}

// New validates the configuration and returns a ready brake. An empty planner
// or executor set is a construction error: the role split degenerates.
func New(cfg Config) (*Brake, error) {
	if cfg.Account == uuid.Nil {
		return nil, errors.New("service account required")
	}
	if len(cfg.Planners) == 0 {
		return nil, errors.New("at least one planner required")
	}
	if len(cfg.Executors) == 0 {
		return nil, errors.New("at least one executor required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry required")
	}
	if cfg.Recorder == nil {
		return nil, errors.New("recorder required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	b := &Brake{
		account:   cfg.Account,
		planners:  make(map[uuid.UUID]bool, len(cfg.Planners)),
		executors: make(map[uuid.UUID]bool, len(cfg.Executors)),
		registry:  cfg.Registry,
		recorder:  cfg.Recorder,
		guards:    cfg.Guards,
		clock:     clock,
		plans:     plan.NewStore(),
	}
	for _, p := range cfg.Planners {
		if p == uuid.Nil {
			return nil, errors.New("nil account in planners")
		}
		b.planners[p] = true
	}
	for _, e := range cfg.Executors {
		if e == uuid.Nil {
			return nil, errors.New("nil account in executors")
		}
		b.executors[e] = true
	}
	return b, nil
}

// Plan stages a fresh batch for a target with no current plan. The target ends
// Planned even when the batch is empty.
func (b *Brake) Plan(ctx context.Context, actor, target uuid.UUID, perms []permission.Permission) error {
	if err := b.requirePlanner(actor); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if st := b.plans.State(target); st != plan.Unplanned {
		return fmt.Errorf("%w: target %s is %s", ErrInvalidState, target, st)
	}
	if err := b.checkGuards(target, perms, len(perms)); err != nil {
		return err
	}
	if err := b.plans.Create(target, perms); err != nil {
		return err
	}
	return b.emitBatch(ctx, audit.KindPlanned, actor, target, perms)
}

// Add appends a batch to the target's plan, creating it implicitly if the
// target is Unplanned. Executed plans cannot grow.
func (b *Brake) Add(ctx context.Context, actor, target uuid.UUID, perms []permission.Permission) error {
	if err := b.requirePlanner(actor); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if st := b.plans.State(target); st == plan.Executed {
		return fmt.Errorf("%w: target %s is %s", ErrInvalidState, target, st)
	}
	if err := b.checkGuards(target, perms, b.plans.Len(target)+len(perms)); err != nil {
		return err
	}
	if err := b.plans.Extend(target, perms); err != nil {
		return err
	}
	return b.emitBatch(ctx, audit.KindAdded, actor, target, perms)
}

// Remove unstages a batch from a Planned target. Every permission must be
// staged, or nothing is removed.
func (b *Brake) Remove(ctx context.Context, actor, target uuid.UUID, perms []permission.Permission) error {
	if err := b.requirePlanner(actor); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if st := b.plans.State(target); st != plan.Planned {
		return fmt.Errorf("%w: target %s is %s", ErrInvalidState, target, st)
	}
	if err := b.plans.Remove(target, perms); err != nil {
		return err
	}
	return b.emitBatch(ctx, audit.KindRemoved, actor, target, perms)
}

// Cancel drops a Planned plan entirely. The target is Unplanned afterward and
// a fresh plan may be staged.
func (b *Brake) Cancel(ctx context.Context, actor, target uuid.UUID) error {
	if err := b.requirePlanner(actor); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if st := b.plans.State(target); st != plan.Planned {
		return fmt.Errorf("%w: target %s is %s", ErrInvalidState, target, st)
	}
	cleared := b.plans.Clear(target)
	if err := b.emitBatch(ctx, audit.KindRemoved, actor, target, cleared); err != nil {
		return err
	}
	return b.emit(ctx, targetEvent(audit.KindCancelled, target, actor))
}

// Execute revokes every staged permission in the registry. Two passes over
// stored order: first every permission is re-checked against the registry,
// then every one is revoked. A failed check aborts with zero revocations; the
// registry may have drifted since planning and a plan that no longer matches
// reality must not half-fire. A revoke failure mid-apply surfaces as an error
// with the plan left Planned; the registry is the system of record and the
// caller escalates instead of estop inventing a remote rollback.
func (b *Brake) Execute(ctx context.Context, actor, target uuid.UUID) error {
	if err := b.requireExecutor(actor); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if st := b.plans.State(target); st != plan.Planned {
		return fmt.Errorf("%w: target %s is %s", ErrInvalidState, target, st)
	}
	perms := b.plans.Permissions(target)
	svcCtx := auth.WithActor(ctx, b.account)

	// 1. Validate: every staged permission must still be held by the target.
	for _, p := range perms {
		held, err := b.registry.HasRole(svcCtx, p.Contact, p.Capability, target)
		if err != nil {
			return fmt.Errorf("registry check failed for %s: %w", p, err)
		}
		if !held {
			return fmt.Errorf("%w: %s", ErrNotHeld, p)
		}
	}

	// 2. Apply in stored order.
	for _, p := range perms {
		if err := b.registry.RevokeRole(svcCtx, p.Contact, p.Capability, target); err != nil {
			return fmt.Errorf("revoke failed for %s: %w", p, err)
		}
	}

	if err := b.plans.MarkExecuted(target); err != nil {
		return err
	}
	return b.emit(ctx, targetEvent(audit.KindExecuted, target, actor))
}

// Restore re-grants every permission of an Executed plan and returns the
// target to Planned. Grants are idempotent in the registry, so no existence
// pre-check is needed.
func (b *Brake) Restore(ctx context.Context, actor, target uuid.UUID) error {
	if err := b.requirePlanner(actor); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if st := b.plans.State(target); st != plan.Executed {
		return fmt.Errorf("%w: target %s is %s", ErrInvalidState, target, st)
	}
	perms := b.plans.Permissions(target)
	svcCtx := auth.WithActor(ctx, b.account)

	for _, p := range perms {
		if err := b.registry.GrantRole(svcCtx, p.Contact, p.Capability, target); err != nil {
			return fmt.Errorf("grant failed for %s: %w", p, err)
		}
	}

	if err := b.plans.MarkPlanned(target); err != nil {
		return err
	}
	return b.emit(ctx, targetEvent(audit.KindRestored, target, actor))
}

// Terminate closes out an Executed plan permanently. The staged set is
// dropped; the revocations stand and cannot be restored through the brake.
func (b *Brake) Terminate(ctx context.Context, actor, target uuid.UUID) error {
	if err := b.requirePlanner(actor); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if st := b.plans.State(target); st != plan.Executed {
		return fmt.Errorf("%w: target %s is %s", ErrInvalidState, target, st)
	}
	cleared := b.plans.Clear(target)
	if err := b.emitBatch(ctx, audit.KindRemoved, actor, target, cleared); err != nil {
		return err
	}
	return b.emit(ctx, targetEvent(audit.KindTerminated, target, actor))
}

// State reports the target's plan state.
func (b *Brake) State(target uuid.UUID) plan.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plans.State(target)
}

// Contains reports whether the permission is staged for the target.
func (b *Brake) Contains(target uuid.UUID, p permission.Permission) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plans.Contains(target, p)
}

// IndexOf reports the stored position of a staged permission.
func (b *Brake) IndexOf(target uuid.UUID, p permission.Permission) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plans.IndexOf(target, p)
}

// Total reports how many permissions are staged for the target.
func (b *Brake) Total(target uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plans.Len(target)
}

// PermissionAt returns the staged permission at position i.
func (b *Brake) PermissionAt(target uuid.UUID, i int) (permission.Permission, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plans.At(target, i)
}

// Permissions returns the target's staged permissions in stored order.
func (b *Brake) Permissions(target uuid.UUID) []permission.Permission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plans.Permissions(target)
}

// Targets lists every target with a live plan.
func (b *Brake) Targets() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plans.Targets()
}

// IsPlanner reports planner membership.
func (b *Brake) IsPlanner(account uuid.UUID) bool { return b.planners[account] }

// IsExecutor reports executor membership.
func (b *Brake) IsExecutor(account uuid.UUID) bool { return b.executors[account] }

// Account returns the brake's service identity.
func (b *Brake) Account() uuid.UUID { return b.account }

// PermissionToID packs a permission into its 32-byte identifier.
func (b *Brake) PermissionToID(p permission.Permission) permission.ID { return p.ID() }

// IDToPermission unpacks an identifier.
func (b *Brake) IDToPermission(id permission.ID) permission.Permission { return id.Permission() }

func (b *Brake) requirePlanner(actor uuid.UUID) error {
	if !b.planners[actor] {
		return fmt.Errorf("%w: account %s is not a planner", ErrAccessDenied, actor)
	}
	return nil
}

func (b *Brake) requireExecutor(actor uuid.UUID) error {
	if !b.executors[actor] {
		return fmt.Errorf("%w: account %s is not an executor", ErrAccessDenied, actor)
	}
	return nil
}

func (b *Brake) checkGuards(target uuid.UUID, perms []permission.Permission, planSize int) error {
	for _, p := range perms {
		if err := b.guards.Check(policy.Input{Target: target, Permission: p, PlanSize: planSize}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Brake) emitBatch(ctx context.Context, kind audit.EventKind, actor, target uuid.UUID, perms []permission.Permission) error {
	for _, p := range perms {
		if err := b.emit(ctx, permEvent(kind, target, actor, p)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Brake) emit(ctx context.Context, ev *audit.Event) error {
	ev.ID = uuid.New()
	ev.Timestamp = b.clock()
	if err := b.recorder.Record(ctx, ev); err != nil {
		return fmt.Errorf("audit recording failed: %w", err)
	}
	return nil
}

func permEvent(kind audit.EventKind, target, actor uuid.UUID, p permission.Permission) *audit.Event {
	pc := p
	return &audit.Event{
		Kind:         kind,
		Target:       target,
		Actor:        actor,
		Permission:   &pc,
		PermissionID: p.ID().String(),
	}
}

func targetEvent(kind audit.EventKind, target, actor uuid.UUID) *audit.Event {
	return &audit.Event{Kind: kind, Target: target, Actor: actor}
}
