// Package registry defines the external permission registry the brake acts
// against. The registry is the source of truth for which accounts hold which
// capabilities on which contacts; estop stages and triggers changes but never
// owns the data, and other administrators keep mutating it independently.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/estop/pkg/auth"
	"github.com/Mindburn-Labs/estop/pkg/permission"
)

// ErrNotAuthorized rejects a mutation whose acting account holds neither
// admin rights nor the root capability on the contact.
var ErrNotAuthorized = errors.New("actor not authorized for contact")

// Registry acts as the source of truth for granted roles.
//
// HasRole is an exact membership test: it reports whether the account holds
// precisely that capability on that contact, with no root bypass. Execution
// relies on this exactness to detect drift between planning and triggering.
// GrantRole and RevokeRole are idempotent and require the acting account
// (bound to ctx via auth.WithActor) to be authorized for the contact.
type Registry interface {
	HasRole(ctx context.Context, contact uuid.UUID, capability permission.Capability, account uuid.UUID) (bool, error)
	GrantRole(ctx context.Context, contact uuid.UUID, capability permission.Capability, account uuid.UUID) error
	RevokeRole(ctx context.Context, contact uuid.UUID, capability permission.Capability, account uuid.UUID) error
}

type roleKey struct {
	contact    uuid.UUID
	capability permission.Capability
	account    uuid.UUID
}

type adminKey struct {
	contact uuid.UUID
	account uuid.UUID
}

// InMemoryRegistry is a thread-safe in-memory implementation. Other admins
// may mutate it concurrently with the brake, which is exactly the drift the
// execute-time HasRole check defends against.
type InMemoryRegistry struct {
	mu     sync.RWMutex
	roles  map[roleKey]bool
	admins map[adminKey]bool
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		roles:  make(map[roleKey]bool),
		admins: make(map[adminKey]bool),
	}
}

// SetAdmin pre-authorizes an account as administrator of a contact. This is
// how the brake's service account obtains its rights at bootstrap.
func (r *InMemoryRegistry) SetAdmin(ctx context.Context, contact, account uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admins[adminKey{contact, account}] = true
	return nil
}

// Seed grants a role directly, bypassing authorization. The registry's
// initial state simply exists; estop is not the one who created it.
func (r *InMemoryRegistry) Seed(contact uuid.UUID, capability permission.Capability, account uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[roleKey{contact, capability, account}] = true
}

func (r *InMemoryRegistry) HasRole(ctx context.Context, contact uuid.UUID, capability permission.Capability, account uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[roleKey{contact, capability, account}], nil
}

func (r *InMemoryRegistry) GrantRole(ctx context.Context, contact uuid.UUID, capability permission.Capability, account uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorize(ctx, contact); err != nil {
		return err
	}
	r.roles[roleKey{contact, capability, account}] = true
	return nil
}

func (r *InMemoryRegistry) RevokeRole(ctx context.Context, contact uuid.UUID, capability permission.Capability, account uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorize(ctx, contact); err != nil {
		return err
	}
	delete(r.roles, roleKey{contact, capability, account})
	return nil
}

// authorize checks the acting account against the contact's admins. Holding
// the root capability on the contact counts as unrestricted admin. Callers
// hold the write lock.
func (r *InMemoryRegistry) authorize(ctx context.Context, contact uuid.UUID) error {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("%w: no actor bound to context", ErrNotAuthorized)
	}
	if r.admins[adminKey{contact, actor}] || r.roles[roleKey{contact, permission.Root, actor}] {
		return nil
	}
	return fmt.Errorf("%w: account %s on contact %s", ErrNotAuthorized, actor, contact)
}
