package brake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/estop/pkg/audit"
	"github.com/Mindburn-Labs/estop/pkg/auth"
	"github.com/Mindburn-Labs/estop/pkg/permission"
	"github.com/Mindburn-Labs/estop/pkg/plan"
	"github.com/Mindburn-Labs/estop/pkg/policy"
	"github.com/Mindburn-Labs/estop/pkg/registry"
)

var (
	svcAccount = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	planner    = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	executor   = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
	stranger   = uuid.MustParse("00000000-0000-0000-0000-00000000000d")
	otherAdmin = uuid.MustParse("00000000-0000-0000-0000-00000000000e")

	target   = uuid.MustParse("11111111-0000-0000-0000-000000000001")
	contactA = uuid.MustParse("22222222-0000-0000-0000-000000000001")
	contactB = uuid.MustParse("22222222-0000-0000-0000-000000000002")
)

var testClock = func() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

type fixture struct {
	brake *Brake
	reg   *registry.InMemoryRegistry
}

func newFixture(t *testing.T, recorder audit.Recorder) *fixture {
	t.Helper()
	reg := registry.NewInMemoryRegistry()
	ctx := context.Background()
	require.NoError(t, reg.SetAdmin(ctx, contactA, svcAccount))
	require.NoError(t, reg.SetAdmin(ctx, contactB, svcAccount))

	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	b, err := New(Config{
		Account:   svcAccount,
		Planners:  []uuid.UUID{planner},
		Executors: []uuid.UUID{executor},
		Registry:  reg,
		Recorder:  recorder,
		Clock:     testClock,
	})
	require.NoError(t, err)
	return &fixture{brake: b, reg: reg}
}

// heldPerm builds a permission and seeds the registry so the target holds it.
func (f *fixture) heldPerm(contact uuid.UUID, sig string) permission.Permission {
	p := permission.Permission{Contact: contact, Capability: permission.CapabilityNamed(sig)}
	f.reg.Seed(p.Contact, p.Capability, target)
	return p
}

func (f *fixture) held(t *testing.T, p permission.Permission) bool {
	t.Helper()
	ok, err := f.reg.HasRole(context.Background(), p.Contact, p.Capability, target)
	require.NoError(t, err)
	return ok
}

func TestNew(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	base := Config{
		Account:   svcAccount,
		Planners:  []uuid.UUID{planner},
		Executors: []uuid.UUID{executor},
		Registry:  reg,
		Recorder:  audit.NopRecorder{},
	}

	t.Run("Success", func(t *testing.T) {
		b, err := New(base)
		require.NoError(t, err)
		assert.True(t, b.IsPlanner(planner))
		assert.False(t, b.IsPlanner(executor))
		assert.True(t, b.IsExecutor(executor))
		assert.False(t, b.IsExecutor(planner))
		assert.Equal(t, svcAccount, b.Account())
	})

	t.Run("Fail: Nil Service Account", func(t *testing.T) {
		cfg := base
		cfg.Account = uuid.Nil
		_, err := New(cfg)
		require.ErrorContains(t, err, "service account")
	})

	t.Run("Fail: No Planners", func(t *testing.T) {
		cfg := base
		cfg.Planners = nil
		_, err := New(cfg)
		require.ErrorContains(t, err, "planner")
	})

	t.Run("Fail: No Executors", func(t *testing.T) {
		cfg := base
		cfg.Executors = nil
		_, err := New(cfg)
		require.ErrorContains(t, err, "executor")
	})

	t.Run("Fail: Nil Registry", func(t *testing.T) {
		cfg := base
		cfg.Registry = nil
		_, err := New(cfg)
		require.ErrorContains(t, err, "registry")
	})

	t.Run("Fail: Nil Recorder", func(t *testing.T) {
		cfg := base
		cfg.Recorder = nil
		_, err := New(cfg)
		require.ErrorContains(t, err, "recorder")
	})

	t.Run("Fail: Nil Account In Role Set", func(t *testing.T) {
		cfg := base
		cfg.Planners = []uuid.UUID{planner, uuid.Nil}
		_, err := New(cfg)
		require.ErrorContains(t, err, "nil account")
	})
}

func TestBrake_RoleSeparation(t *testing.T) {
	ctx := context.Background()

	t.Run("Fail: Executor Cannot Stage", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.heldPerm(contactA, "pause()")

		require.ErrorIs(t, f.brake.Plan(ctx, executor, target, []permission.Permission{p}), ErrAccessDenied)
		require.ErrorIs(t, f.brake.Add(ctx, executor, target, []permission.Permission{p}), ErrAccessDenied)
		require.ErrorIs(t, f.brake.Remove(ctx, executor, target, []permission.Permission{p}), ErrAccessDenied)
		require.ErrorIs(t, f.brake.Cancel(ctx, executor, target), ErrAccessDenied)
		require.ErrorIs(t, f.brake.Restore(ctx, executor, target), ErrAccessDenied)
		require.ErrorIs(t, f.brake.Terminate(ctx, executor, target), ErrAccessDenied)

		// No side effects.
		assert.Equal(t, plan.Unplanned, f.brake.State(target))
	})

	t.Run("Fail: Planner Cannot Execute", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.heldPerm(contactA, "pause()")
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p}))

		require.ErrorIs(t, f.brake.Execute(ctx, planner, target), ErrAccessDenied)
		assert.Equal(t, plan.Planned, f.brake.State(target))
		assert.True(t, f.held(t, p), "nothing may be revoked on a denied call")
	})

	t.Run("Fail: Stranger Denied Everywhere", func(t *testing.T) {
		f := newFixture(t, nil)
		require.ErrorIs(t, f.brake.Plan(ctx, stranger, target, nil), ErrAccessDenied)
		require.ErrorIs(t, f.brake.Execute(ctx, stranger, target), ErrAccessDenied)
	})

	t.Run("Access Check Precedes State Check", func(t *testing.T) {
		f := newFixture(t, nil)
		// Target is Unplanned, which would be an invalid state for Execute,
		// but the planner must be refused on role grounds first.
		err := f.brake.Execute(ctx, planner, target)
		require.ErrorIs(t, err, ErrAccessDenied)
		require.NotErrorIs(t, err, ErrInvalidState)
	})

	t.Run("Success: Dual-Role Account", func(t *testing.T) {
		f := newFixture(t, nil)
		both := uuid.MustParse("00000000-0000-0000-0000-0000000000ff")
		b, err := New(Config{
			Account:   svcAccount,
			Planners:  []uuid.UUID{both},
			Executors: []uuid.UUID{both},
			Registry:  f.reg,
			Recorder:  audit.NopRecorder{},
			Clock:     testClock,
		})
		require.NoError(t, err)

		p := f.heldPerm(contactA, "pause()")
		require.NoError(t, b.Plan(ctx, both, target, []permission.Permission{p}))
		require.NoError(t, b.Execute(ctx, both, target))
		assert.Equal(t, plan.Executed, b.State(target))
	})

	t.Run("Read Queries Need No Role", func(t *testing.T) {
		f := newFixture(t, nil)
		assert.Equal(t, plan.Unplanned, f.brake.State(target))
		assert.Zero(t, f.brake.Total(target))
	})
}

func TestBrake_Plan(t *testing.T) {
	ctx := context.Background()

	t.Run("Success: Stages And Transitions", func(t *testing.T) {
		f := newFixture(t, nil)
		p1 := f.heldPerm(contactA, "pause()")
		p2 := f.heldPerm(contactB, "mint(account,amount)")

		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p1, p2}))

		assert.Equal(t, plan.Planned, f.brake.State(target))
		assert.Equal(t, 2, f.brake.Total(target))
		assert.True(t, f.brake.Contains(target, p1))
		pos, ok := f.brake.IndexOf(target, p2)
		require.True(t, ok)
		assert.Equal(t, 1, pos)
		got, ok := f.brake.PermissionAt(target, 0)
		require.True(t, ok)
		assert.Equal(t, p1, got)
	})

	t.Run("Success: Empty Batch Still Transitions", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.brake.Plan(ctx, planner, target, nil))
		assert.Equal(t, plan.Planned, f.brake.State(target))
		assert.Zero(t, f.brake.Total(target))
	})

	t.Run("Fail: Target Already Planned", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.brake.Plan(ctx, planner, target, nil))
		err := f.brake.Plan(ctx, planner, target, nil)
		require.ErrorIs(t, err, ErrInvalidState)
		assert.Contains(t, err.Error(), "PLANNED")
	})

	t.Run("Fail: Root Capability Refused", func(t *testing.T) {
		f := newFixture(t, nil)
		good := f.heldPerm(contactA, "pause()")
		root := permission.Permission{Contact: contactA, Capability: permission.Root}

		err := f.brake.Plan(ctx, planner, target, []permission.Permission{good, root})
		require.ErrorIs(t, err, ErrRootCapability)
		assert.Equal(t, plan.Unplanned, f.brake.State(target), "batch must be all or nothing")
	})

	t.Run("Fail: Duplicate Within Batch", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.heldPerm(contactA, "pause()")
		err := f.brake.Plan(ctx, planner, target, []permission.Permission{p, p})
		require.ErrorIs(t, err, ErrAlreadyPlanned)
		assert.Equal(t, plan.Unplanned, f.brake.State(target))
	})

	t.Run("Success: Replan After Cancel", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.heldPerm(contactA, "pause()")
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p}))
		require.NoError(t, f.brake.Cancel(ctx, planner, target))
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p}))
		assert.Equal(t, 1, f.brake.Total(target))
	})
}

func TestBrake_Add(t *testing.T) {
	ctx := context.Background()

	t.Run("Success: Implicit Create", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.heldPerm(contactA, "pause()")
		require.NoError(t, f.brake.Add(ctx, planner, target, []permission.Permission{p}))
		assert.Equal(t, plan.Planned, f.brake.State(target))
	})

	t.Run("Success: Appends In Order", func(t *testing.T) {
		f := newFixture(t, nil)
		p1 := f.heldPerm(contactA, "pause()")
		p2 := f.heldPerm(contactB, "burn(amount)")
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p1}))
		require.NoError(t, f.brake.Add(ctx, planner, target, []permission.Permission{p2}))

		pos, ok := f.brake.IndexOf(target, p2)
		require.True(t, ok)
		assert.Equal(t, 1, pos)
	})

	t.Run("Fail: Already Staged", func(t *testing.T) {
		f := newFixture(t, nil)
		p1 := f.heldPerm(contactA, "pause()")
		p2 := f.heldPerm(contactB, "burn(amount)")
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p1}))

		err := f.brake.Add(ctx, planner, target, []permission.Permission{p2, p1})
		require.ErrorIs(t, err, ErrAlreadyPlanned)
		assert.False(t, f.brake.Contains(target, p2), "batch must be all or nothing")
		assert.Equal(t, 1, f.brake.Total(target))
	})

	t.Run("Fail: Executed Plans Cannot Grow", func(t *testing.T) {
		f := executedFixture(t)
		p := f.heldPerm(contactB, "burn(amount)")
		err := f.brake.Add(ctx, planner, target, []permission.Permission{p})
		require.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestBrake_Remove(t *testing.T) {
	ctx := context.Background()

	t.Run("Success: Swap With Last", func(t *testing.T) {
		f := newFixture(t, nil)
		p1 := f.heldPerm(contactA, "pause()")
		p2 := f.heldPerm(contactA, "unpause()")
		p3 := f.heldPerm(contactB, "mint(account,amount)")
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p1, p2, p3}))

		require.NoError(t, f.brake.Remove(ctx, planner, target, []permission.Permission{p1}))

		assert.Equal(t, 2, f.brake.Total(target))
		assert.False(t, f.brake.Contains(target, p1))
		// The last element moved into the vacated slot.
		got, ok := f.brake.PermissionAt(target, 0)
		require.True(t, ok)
		assert.Equal(t, p3, got)
	})

	t.Run("Success: Drained Plan Stays Planned", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.heldPerm(contactA, "pause()")
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p}))
		require.NoError(t, f.brake.Remove(ctx, planner, target, []permission.Permission{p}))

		assert.Equal(t, plan.Planned, f.brake.State(target))
		assert.Zero(t, f.brake.Total(target))
	})

	t.Run("Fail: Not Planned Permission", func(t *testing.T) {
		f := newFixture(t, nil)
		p1 := f.heldPerm(contactA, "pause()")
		p2 := f.heldPerm(contactB, "burn(amount)")
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p1}))

		err := f.brake.Remove(ctx, planner, target, []permission.Permission{p1, p2})
		require.ErrorIs(t, err, ErrNotPlanned)
		assert.True(t, f.brake.Contains(target, p1), "batch must be all or nothing")
	})

	t.Run("Fail: Nothing Staged", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.heldPerm(contactA, "pause()")
		err := f.brake.Remove(ctx, planner, target, []permission.Permission{p})
		require.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestBrake_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("Success: Clears Everything", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.heldPerm(contactA, "pause()")
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p}))

		require.NoError(t, f.brake.Cancel(ctx, planner, target))

		assert.Equal(t, plan.Unplanned, f.brake.State(target))
		assert.Nil(t, f.brake.Permissions(target))
		assert.True(t, f.held(t, p), "cancel never touches the registry")
	})

	t.Run("Fail: Unplanned Target", func(t *testing.T) {
		f := newFixture(t, nil)
		require.ErrorIs(t, f.brake.Cancel(ctx, planner, target), ErrInvalidState)
	})

	t.Run("Fail: Executed Target", func(t *testing.T) {
		f := executedFixture(t)
		require.ErrorIs(t, f.brake.Cancel(ctx, planner, target), ErrInvalidState)
	})
}

// executedFixture stages and executes one permission on the shared target.
func executedFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := newFixture(t, nil)
	p := f.heldPerm(contactA, "pause()")
	require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p}))
	require.NoError(t, f.brake.Execute(ctx, executor, target))
	return f
}

func TestBrake_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("Success: Revokes All Staged", func(t *testing.T) {
		f := newFixture(t, nil)
		p1 := f.heldPerm(contactA, "pause()")
		p2 := f.heldPerm(contactB, "mint(account,amount)")
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p1, p2}))

		require.NoError(t, f.brake.Execute(ctx, executor, target))

		assert.Equal(t, plan.Executed, f.brake.State(target))
		assert.False(t, f.held(t, p1))
		assert.False(t, f.held(t, p2))
		// The staged set survives execution so restore can re-grant it.
		assert.Equal(t, 2, f.brake.Total(target))
	})

	t.Run("Success: Empty Plan", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.brake.Plan(ctx, planner, target, nil))
		require.NoError(t, f.brake.Execute(ctx, executor, target))
		assert.Equal(t, plan.Executed, f.brake.State(target))
	})

	t.Run("Fail: Unplanned Target", func(t *testing.T) {
		f := newFixture(t, nil)
		require.ErrorIs(t, f.brake.Execute(ctx, executor, target), ErrInvalidState)
	})

	t.Run("Fail: Already Executed", func(t *testing.T) {
		f := executedFixture(t)
		require.ErrorIs(t, f.brake.Execute(ctx, executor, target), ErrInvalidState)
	})

	t.Run("Fail: Permission Never Held", func(t *testing.T) {
		f := newFixture(t, nil)
		held := f.heldPerm(contactA, "pause()")
		ghost := permission.Permission{Contact: contactB, Capability: permission.CapabilityNamed("burn(amount)")}
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{held, ghost}))

		err := f.brake.Execute(ctx, executor, target)
		require.ErrorIs(t, err, ErrNotHeld)
		assert.Contains(t, err.Error(), ghost.String())
		assert.Equal(t, plan.Planned, f.brake.State(target))
		assert.True(t, f.held(t, held), "no partial revocation on a failed check")
	})

	t.Run("Fail: Revoked By Another Admin Since Planning", func(t *testing.T) {
		f := newFixture(t, nil)
		p1 := f.heldPerm(contactA, "pause()")
		p2 := f.heldPerm(contactB, "mint(account,amount)")
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p1, p2}))

		// Drift: someone else revokes p2 between planning and execution.
		require.NoError(t, f.reg.SetAdmin(ctx, contactB, otherAdmin))
		adminCtx := auth.WithActor(ctx, otherAdmin)
		require.NoError(t, f.reg.RevokeRole(adminCtx, p2.Contact, p2.Capability, target))

		err := f.brake.Execute(ctx, executor, target)
		require.ErrorIs(t, err, ErrNotHeld)
		assert.True(t, f.held(t, p1))
		assert.Equal(t, plan.Planned, f.brake.State(target))
	})

	t.Run("Fail: Registry Check Error Aborts Cleanly", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.heldPerm(contactA, "pause()")
		faulty := &faultyRegistry{Registry: f.reg, hasRoleErr: errors.New("registry unreachable")}
		b := rebuildBrake(t, f, faulty)
		require.NoError(t, b.Plan(ctx, planner, target, []permission.Permission{p}))

		err := b.Execute(ctx, executor, target)
		require.ErrorContains(t, err, "registry check failed")
		assert.Equal(t, plan.Planned, b.State(target))
		assert.True(t, f.held(t, p))
	})

	t.Run("Fail: Revoke Error Mid-Apply Surfaces", func(t *testing.T) {
		f := newFixture(t, nil)
		p1 := f.heldPerm(contactA, "pause()")
		p2 := f.heldPerm(contactB, "mint(account,amount)")
		faulty := &faultyRegistry{Registry: f.reg, revokeErrAfter: 2}
		b := rebuildBrake(t, f, faulty)
		require.NoError(t, b.Plan(ctx, planner, target, []permission.Permission{p1, p2}))

		err := b.Execute(ctx, executor, target)
		require.ErrorContains(t, err, "revoke failed")
		// The plan stays Planned; the registry keeps what it applied. The
		// operator inspects and retries or escalates.
		assert.Equal(t, plan.Planned, b.State(target))
		assert.False(t, f.held(t, p1))
		assert.True(t, f.held(t, p2))
	})

	t.Run("Fail: Service Account Not Authorized", func(t *testing.T) {
		f := newFixture(t, nil)
		orphan := uuid.MustParse("22222222-0000-0000-0000-00000000ffff")
		p := permission.Permission{Contact: orphan, Capability: permission.CapabilityNamed("pause()")}
		f.reg.Seed(p.Contact, p.Capability, target)
		// No SetAdmin for the service account on this contact.
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p}))

		err := f.brake.Execute(ctx, executor, target)
		require.ErrorIs(t, err, registry.ErrNotAuthorized)
		assert.Equal(t, plan.Planned, f.brake.State(target))
	})
}

func TestBrake_Restore(t *testing.T) {
	ctx := context.Background()

	t.Run("Success: Grants Everything Back", func(t *testing.T) {
		f := newFixture(t, nil)
		p1 := f.heldPerm(contactA, "pause()")
		p2 := f.heldPerm(contactB, "mint(account,amount)")
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p1, p2}))
		require.NoError(t, f.brake.Execute(ctx, executor, target))
		require.False(t, f.held(t, p1))

		require.NoError(t, f.brake.Restore(ctx, planner, target))

		assert.Equal(t, plan.Planned, f.brake.State(target))
		assert.True(t, f.held(t, p1))
		assert.True(t, f.held(t, p2))
	})

	t.Run("Success: Execute Restore Execute Cycle", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.heldPerm(contactA, "pause()")
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p}))

		for i := 0; i < 3; i++ {
			require.NoError(t, f.brake.Execute(ctx, executor, target))
			require.False(t, f.held(t, p))
			require.NoError(t, f.brake.Restore(ctx, planner, target))
			require.True(t, f.held(t, p))
		}
		assert.Equal(t, plan.Planned, f.brake.State(target))
		assert.Equal(t, 1, f.brake.Total(target))
	})

	t.Run("Fail: Planned Target", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.brake.Plan(ctx, planner, target, nil))
		require.ErrorIs(t, f.brake.Restore(ctx, planner, target), ErrInvalidState)
	})

	t.Run("Fail: Grant Error Surfaces", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.heldPerm(contactA, "pause()")
		faulty := &faultyRegistry{Registry: f.reg, grantErr: errors.New("registry unreachable")}
		b := rebuildBrake(t, f, faulty)
		require.NoError(t, b.Plan(ctx, planner, target, []permission.Permission{p}))
		require.NoError(t, b.Execute(ctx, executor, target))

		err := b.Restore(ctx, planner, target)
		require.ErrorContains(t, err, "grant failed")
		assert.Equal(t, plan.Executed, b.State(target))
	})
}

func TestBrake_Terminate(t *testing.T) {
	ctx := context.Background()

	t.Run("Success: Permanent Close-Out", func(t *testing.T) {
		f := newFixture(t, nil)
		p := f.heldPerm(contactA, "pause()")
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p}))
		require.NoError(t, f.brake.Execute(ctx, executor, target))

		require.NoError(t, f.brake.Terminate(ctx, planner, target))

		assert.Equal(t, plan.Unplanned, f.brake.State(target))
		assert.Nil(t, f.brake.Permissions(target))
		assert.False(t, f.held(t, p), "revocations stand after terminate")
		// Nothing left to restore.
		require.ErrorIs(t, f.brake.Restore(ctx, planner, target), ErrInvalidState)
	})

	t.Run("Success: Replan After Terminate", func(t *testing.T) {
		f := executedFixture(t)
		require.NoError(t, f.brake.Terminate(ctx, planner, target))
		require.NoError(t, f.brake.Plan(ctx, planner, target, nil))
		assert.Equal(t, plan.Planned, f.brake.State(target))
	})

	t.Run("Fail: Planned Target", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.brake.Plan(ctx, planner, target, nil))
		require.ErrorIs(t, f.brake.Terminate(ctx, planner, target), ErrInvalidState)
	})

	t.Run("Fail: Unplanned Target", func(t *testing.T) {
		f := newFixture(t, nil)
		require.ErrorIs(t, f.brake.Terminate(ctx, planner, target), ErrInvalidState)
	})
}

func TestBrake_Guards(t *testing.T) {
	ctx := context.Background()

	newGuardedBrake := func(t *testing.T, f *fixture, guards []policy.Guard) *Brake {
		t.Helper()
		gs, err := policy.NewGuardSet(guards)
		require.NoError(t, err)
		b, err := New(Config{
			Account:   svcAccount,
			Planners:  []uuid.UUID{planner},
			Executors: []uuid.UUID{executor},
			Registry:  f.reg,
			Recorder:  audit.NopRecorder{},
			Guards:    gs,
			Clock:     testClock,
		})
		require.NoError(t, err)
		return b
	}

	t.Run("Fail: Guard Rejects Staging", func(t *testing.T) {
		f := newFixture(t, nil)
		b := newGuardedBrake(t, f, []policy.Guard{{Name: "max-two", Expr: "plan_size <= 2"}})
		perms := []permission.Permission{
			f.heldPerm(contactA, "pause()"),
			f.heldPerm(contactA, "unpause()"),
			f.heldPerm(contactB, "mint(account,amount)"),
		}

		err := b.Plan(ctx, planner, target, perms)
		require.ErrorIs(t, err, policy.ErrGuardRejected)
		assert.Equal(t, plan.Unplanned, b.State(target), "guard rejection stages nothing")
	})

	t.Run("Success: Guard Sees Resulting Size On Add", func(t *testing.T) {
		f := newFixture(t, nil)
		b := newGuardedBrake(t, f, []policy.Guard{{Name: "max-two", Expr: "plan_size <= 2"}})
		p1 := f.heldPerm(contactA, "pause()")
		p2 := f.heldPerm(contactA, "unpause()")
		p3 := f.heldPerm(contactB, "mint(account,amount)")

		require.NoError(t, b.Plan(ctx, planner, target, []permission.Permission{p1}))
		require.NoError(t, b.Add(ctx, planner, target, []permission.Permission{p2}))

		err := b.Add(ctx, planner, target, []permission.Permission{p3})
		require.ErrorIs(t, err, policy.ErrGuardRejected)
		assert.Equal(t, 2, b.Total(target))
	})

	t.Run("Guards Only Gate Staging", func(t *testing.T) {
		f := newFixture(t, nil)
		b := newGuardedBrake(t, f, []policy.Guard{{Name: "deny-all", Expr: "false"}})
		require.ErrorIs(t, b.Plan(ctx, planner, target, []permission.Permission{f.heldPerm(contactA, "pause()")}), policy.ErrGuardRejected)
		// An empty batch consults no guard, and narrowing operations never do.
		require.NoError(t, b.Plan(ctx, planner, target, nil))
		require.NoError(t, b.Cancel(ctx, planner, target))
	})
}

// captureRecorder keeps every event for assertions.
type captureRecorder struct {
	events []*audit.Event
	err    error
}

func (c *captureRecorder) Record(_ context.Context, ev *audit.Event) error {
	if c.err != nil {
		return c.err
	}
	copied := *ev
	c.events = append(c.events, &copied)
	return nil
}

func (c *captureRecorder) kinds() []audit.EventKind {
	out := make([]audit.EventKind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

func TestBrake_AuditTrail(t *testing.T) {
	ctx := context.Background()

	t.Run("Full Lifecycle Event Sequence", func(t *testing.T) {
		rec := &captureRecorder{}
		f := newFixture(t, rec)
		p1 := f.heldPerm(contactA, "pause()")
		p2 := f.heldPerm(contactB, "mint(account,amount)")

		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p1}))
		require.NoError(t, f.brake.Add(ctx, planner, target, []permission.Permission{p2}))
		require.NoError(t, f.brake.Remove(ctx, planner, target, []permission.Permission{p2}))
		require.NoError(t, f.brake.Execute(ctx, executor, target))
		require.NoError(t, f.brake.Restore(ctx, planner, target))
		require.NoError(t, f.brake.Execute(ctx, executor, target))
		require.NoError(t, f.brake.Terminate(ctx, planner, target))

		assert.Equal(t, []audit.EventKind{
			audit.KindPlanned,
			audit.KindAdded,
			audit.KindRemoved,
			audit.KindExecuted,
			audit.KindRestored,
			audit.KindExecuted,
			audit.KindRemoved,
			audit.KindTerminated,
		}, rec.kinds())

		first := rec.events[0]
		require.NotNil(t, first.Permission)
		assert.Equal(t, p1, *first.Permission)
		assert.Equal(t, p1.ID().String(), first.PermissionID)
		assert.Equal(t, planner, first.Actor)
		assert.Equal(t, target, first.Target)
		assert.Equal(t, testClock(), first.Timestamp)
		assert.NotEqual(t, uuid.Nil, first.ID)

		executed := rec.events[3]
		assert.Nil(t, executed.Permission)
		assert.Equal(t, executor, executed.Actor)
	})

	t.Run("Cancel Emits Removed Then Cancelled", func(t *testing.T) {
		rec := &captureRecorder{}
		f := newFixture(t, rec)
		p1 := f.heldPerm(contactA, "pause()")
		p2 := f.heldPerm(contactA, "unpause()")
		require.NoError(t, f.brake.Plan(ctx, planner, target, []permission.Permission{p1, p2}))
		require.NoError(t, f.brake.Cancel(ctx, planner, target))

		assert.Equal(t, []audit.EventKind{
			audit.KindPlanned, audit.KindPlanned,
			audit.KindRemoved, audit.KindRemoved,
			audit.KindCancelled,
		}, rec.kinds())
	})

	t.Run("Fail: Recorder Error Surfaces", func(t *testing.T) {
		rec := &captureRecorder{err: errors.New("journal unavailable")}
		f := newFixture(t, rec)
		p := f.heldPerm(contactA, "pause()")

		err := f.brake.Plan(ctx, planner, target, []permission.Permission{p})
		require.ErrorContains(t, err, "audit recording failed")
		// The staging itself happened; only its recording did not. The
		// caller sees the error and must reconcile.
		assert.Equal(t, plan.Planned, f.brake.State(target))
	})
}

func TestBrake_CodecPassthrough(t *testing.T) {
	f := newFixture(t, nil)
	p := permission.Permission{Contact: contactA, Capability: permission.CapabilityNamed("pause()")}

	id := f.brake.PermissionToID(p)
	assert.Equal(t, p.ID(), id)
	assert.Equal(t, p, f.brake.IDToPermission(id))
}

// faultyRegistry wraps a real registry with failure injection.
type faultyRegistry struct {
	registry.Registry
	hasRoleErr     error
	grantErr       error
	revokeErrAfter int // fail on the Nth revoke, 1-based; 0 disables
	revokeCalls    int
}

func (f *faultyRegistry) HasRole(ctx context.Context, contact uuid.UUID, capability permission.Capability, account uuid.UUID) (bool, error) {
	if f.hasRoleErr != nil {
		return false, f.hasRoleErr
	}
	return f.Registry.HasRole(ctx, contact, capability, account)
}

func (f *faultyRegistry) GrantRole(ctx context.Context, contact uuid.UUID, capability permission.Capability, account uuid.UUID) error {
	if f.grantErr != nil {
		return f.grantErr
	}
	return f.Registry.GrantRole(ctx, contact, capability, account)
}

func (f *faultyRegistry) RevokeRole(ctx context.Context, contact uuid.UUID, capability permission.Capability, account uuid.UUID) error {
	f.revokeCalls++
	if f.revokeErrAfter > 0 && f.revokeCalls >= f.revokeErrAfter {
		return errors.New("registry unreachable")
	}
	return f.Registry.RevokeRole(ctx, contact, capability, account)
}

// rebuildBrake constructs a brake over a substitute registry, keeping the
// fixture's roles and clock.
func rebuildBrake(t *testing.T, f *fixture, reg registry.Registry) *Brake {
	t.Helper()
	b, err := New(Config{
		Account:   svcAccount,
		Planners:  []uuid.UUID{planner},
		Executors: []uuid.UUID{executor},
		Registry:  reg,
		Recorder:  audit.NopRecorder{},
		Clock:     testClock,
	})
	require.NoError(t, err)
	return b
}
