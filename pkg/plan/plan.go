// Package plan implements the staged-permission store. Each target account
// owns at most one plan: an ordered batch of permissions awaiting revocation,
// together with an inverse index for constant-time membership checks. The
// store enforces state preconditions only; role authorization belongs to the
// orchestrator that owns the store.
package plan

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/estop/pkg/permission"
)

// State is the lifecycle position of a target's plan.
type State int

const (
	// Unplanned is the zero value: nothing staged. A target with no record
	// at all is Unplanned.
	Unplanned State = iota
	// Planned means a batch is staged and may be extended, shrunk,
	// cancelled, or executed.
	Planned
	// Executed means the staged batch has been revoked in the registry and
	// may be restored or terminated.
	Executed
)

func (s State) String() string {
	switch s {
	case Unplanned:
		return "UNPLANNED"
	case Planned:
		return "PLANNED"
	case Executed:
		return "EXECUTED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrInvalidState rejects an operation not legal in the plan's current state.
	ErrInvalidState = errors.New("invalid plan state")
	// ErrRootCapability rejects any attempt to stage the root capability.
	ErrRootCapability = errors.New("root capability cannot be staged")
	// ErrAlreadyPlanned rejects staging a permission twice for the same target.
	ErrAlreadyPlanned = errors.New("permission already planned")
	// ErrNotPlanned rejects removing a permission that is not staged.
	ErrNotPlanned = errors.New("permission not planned")
)

// record is one target's plan: permissions in stored order plus the inverse
// index mapping each permission id to its position. Presence in the index is
// the membership test; there is no sentinel position.
type record struct {
	state State
	perms []permission.Permission
	index map[permission.ID]int
}

func newRecord() *record {
	return &record{index: make(map[permission.ID]int)}
}

// Store holds the plans of all targets. It is not internally locked: the
// orchestrator serializes access and holds the lock across each operation.
type Store struct {
	plans map[uuid.UUID]*record
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{plans: make(map[uuid.UUID]*record)}
}

// Create stages a batch for a target with no current plan. The target must be
// Unplanned. On success the plan is Planned, even for an empty batch.
func (s *Store) Create(target uuid.UUID, perms []permission.Permission) error {
	return s.stage(target, perms, false)
}

// Extend appends a batch to a target's plan, creating the plan implicitly if
// the target is Unplanned. The target must not be Executed.
func (s *Store) Extend(target uuid.UUID, perms []permission.Permission) error {
	return s.stage(target, perms, true)
}

func (s *Store) stage(target uuid.UUID, perms []permission.Permission, allowExtend bool) error {
	rec := s.plans[target]
	state := Unplanned
	if rec != nil {
		state = rec.state
	}
	switch {
	case state == Unplanned:
	case state == Planned && allowExtend:
	default:
		return fmt.Errorf("%w: target %s is %s", ErrInvalidState, target, state)
	}

	// 1. Validate the whole batch. A single rejection aborts with no mutation.
	staged := make(map[permission.ID]bool, len(perms))
	for _, p := range perms {
		if p.Capability.IsRoot() {
			return fmt.Errorf("%w: contact %s", ErrRootCapability, p.Contact)
		}
		id := p.ID()
		if staged[id] {
			return fmt.Errorf("%w: %s duplicated in batch", ErrAlreadyPlanned, p)
		}
		if rec != nil {
			if _, held := rec.index[id]; held {
				return fmt.Errorf("%w: %s", ErrAlreadyPlanned, p)
			}
		}
		staged[id] = true
	}

	// 2. Apply.
	if rec == nil {
		rec = newRecord()
		s.plans[target] = rec
	}
	for _, p := range perms {
		rec.index[p.ID()] = len(rec.perms)
		rec.perms = append(rec.perms, p)
	}
	rec.state = Planned
	return nil
}

// Remove unstages a batch from a Planned target. Every permission in the
// batch must currently be staged; otherwise nothing is removed. Removal swaps
// the outgoing element with the last one, so stored order is not preserved.
func (s *Store) Remove(target uuid.UUID, perms []permission.Permission) error {
	rec := s.plans[target]
	if rec == nil || rec.state != Planned {
		return fmt.Errorf("%w: target %s is %s", ErrInvalidState, target, s.State(target))
	}

	// 1. Validate. A duplicate within the batch counts as missing on its
	// second occurrence, mirroring sequential removal.
	pending := make(map[permission.ID]bool, len(perms))
	for _, p := range perms {
		id := p.ID()
		if _, held := rec.index[id]; !held || pending[id] {
			return fmt.Errorf("%w: %s", ErrNotPlanned, p)
		}
		pending[id] = true
	}

	// 2. Apply.
	for _, p := range perms {
		rec.remove(p.ID())
	}
	return nil
}

// remove drops one staged permission by swapping it with the last element and
// shrinking the slice, then fixing the moved element's index entry.
func (r *record) remove(id permission.ID) {
	pos := r.index[id]
	last := len(r.perms) - 1
	moved := r.perms[last]
	r.perms[pos] = moved
	r.index[moved.ID()] = pos
	r.perms = r.perms[:last]
	delete(r.index, id)
}

// Clear drops the target's plan entirely, returning the permissions that were
// staged, in stored order. The target is Unplanned afterward. Clearing an
// unknown target returns nil.
func (s *Store) Clear(target uuid.UUID) []permission.Permission {
	rec := s.plans[target]
	if rec == nil {
		return nil
	}
	delete(s.plans, target)
	return rec.perms
}

// MarkExecuted transitions a Planned target to Executed.
func (s *Store) MarkExecuted(target uuid.UUID) error {
	rec := s.plans[target]
	if rec == nil || rec.state != Planned {
		return fmt.Errorf("%w: target %s is %s", ErrInvalidState, target, s.State(target))
	}
	rec.state = Executed
	return nil
}

// MarkPlanned transitions an Executed target back to Planned.
func (s *Store) MarkPlanned(target uuid.UUID) error {
	rec := s.plans[target]
	if rec == nil || rec.state != Executed {
		return fmt.Errorf("%w: target %s is %s", ErrInvalidState, target, s.State(target))
	}
	rec.state = Planned
	return nil
}

// State reports the target's current plan state.
func (s *Store) State(target uuid.UUID) State {
	if rec := s.plans[target]; rec != nil {
		return rec.state
	}
	return Unplanned
}

// Contains reports whether the permission is staged for the target.
func (s *Store) Contains(target uuid.UUID, p permission.Permission) bool {
	_, ok := s.IndexOf(target, p)
	return ok
}

// IndexOf reports the stored position of a staged permission.
func (s *Store) IndexOf(target uuid.UUID, p permission.Permission) (int, bool) {
	rec := s.plans[target]
	if rec == nil {
		return 0, false
	}
	pos, ok := rec.index[p.ID()]
	return pos, ok
}

// Len reports how many permissions are staged for the target.
func (s *Store) Len(target uuid.UUID) int {
	if rec := s.plans[target]; rec != nil {
		return len(rec.perms)
	}
	return 0
}

// At returns the staged permission at position i.
func (s *Store) At(target uuid.UUID, i int) (permission.Permission, bool) {
	rec := s.plans[target]
	if rec == nil || i < 0 || i >= len(rec.perms) {
		return permission.Permission{}, false
	}
	return rec.perms[i], true
}

// Permissions returns a copy of the target's staged permissions in stored order.
func (s *Store) Permissions(target uuid.UUID) []permission.Permission {
	rec := s.plans[target]
	if rec == nil || len(rec.perms) == 0 {
		return nil
	}
	out := make([]permission.Permission, len(rec.perms))
	copy(out, rec.perms)
	return out
}

// Targets lists every target with a live record.
func (s *Store) Targets() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s.plans))
	for t := range s.plans {
		out = append(out, t)
	}
	return out
}
