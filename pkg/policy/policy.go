// Package policy implements staging guards and the operator policy file.
// Guards are CEL predicates every permission must pass before it can be
// staged; the policy file declares role membership and the guard list.
package policy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/estop/pkg/permission"
)

// ErrGuardRejected reports a permission denied by a staging guard.
var ErrGuardRejected = errors.New("guard rejected permission")

// Guard is one named CEL predicate. The expression must evaluate to bool.
type Guard struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// Input is the evaluation context for one staged permission.
type Input struct {
	Target     uuid.UUID
	Permission permission.Permission
	// PlanSize is the size the target's plan will have if the whole batch
	// is accepted.
	PlanSize int
}

// GuardSet evaluates ordered guards against staged permissions. Programs are
// compiled once and cached; any compile or evaluation failure denies the
// permission (fail closed).
type GuardSet struct {
	env      *cel.Env
	guards   []Guard
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewGuardSet compiles every guard eagerly so a malformed policy file fails
// at startup rather than at plan time.
func NewGuardSet(guards []Guard) (*GuardSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("target", cel.StringType),
		cel.Variable("contact", cel.StringType),
		cel.Variable("capability", cel.StringType),
		cel.Variable("plan_size", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	s := &GuardSet{
		env:      env,
		guards:   guards,
		prgCache: make(map[string]cel.Program),
	}
	for _, g := range guards {
		if _, err := s.program(g.Expr); err != nil {
			return nil, fmt.Errorf("guard %q: %w", g.Name, err)
		}
	}
	return s, nil
}

// Len reports the number of guards.
func (s *GuardSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.guards)
}

// Check evaluates every guard against the input. The first guard that
// evaluates false or errors rejects the permission.
func (s *GuardSet) Check(in Input) error {
	if s == nil {
		return nil
	}
	input := map[string]any{
		"target":     in.Target.String(),
		"contact":    in.Permission.Contact.String(),
		"capability": in.Permission.Capability.String(),
		"plan_size":  in.PlanSize,
	}
	for _, g := range s.guards {
		allowed, err := s.evaluate(g.Expr, input)
		if err != nil {
			return fmt.Errorf("%w: guard %q errored: %v", ErrGuardRejected, g.Name, err)
		}
		if !allowed {
			return fmt.Errorf("%w: guard %q on %s", ErrGuardRejected, g.Name, in.Permission)
		}
	}
	return nil
}

func (s *GuardSet) program(expr string) (cel.Program, error) {
	s.mu.RLock()
	prg, hit := s.prgCache[expr]
	s.mu.RUnlock()
	if hit {
		return prg, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double check
	if prg, hit = s.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := s.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := s.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000), // Hard limit on computational complexity
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	s.prgCache[expr] = prg
	return prg, nil
}

func (s *GuardSet) evaluate(expr string, input map[string]any) (bool, error) {
	prg, err := s.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
