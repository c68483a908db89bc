// Package replay reconstructs staged-permission state from the notification
// stream. Folding the full event history of a journal yields, per target, the
// same plan the live store holds; operators use it to audit that the stream
// and the store agree, and to inspect exported archives offline.
package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/estop/pkg/audit"
	"github.com/Mindburn-Labs/estop/pkg/permission"
	"github.com/Mindburn-Labs/estop/pkg/plan"
)

// Snapshot is one target's reconstructed plan.
type Snapshot struct {
	State       plan.State
	Permissions []permission.Permission
	index       map[permission.ID]int
}

func newSnapshot() *Snapshot {
	return &Snapshot{State: plan.Planned, index: make(map[permission.ID]int)}
}

// Contains reports whether the reconstruction has the permission staged.
func (s *Snapshot) Contains(p permission.Permission) bool {
	_, ok := s.index[p.ID()]
	return ok
}

// IndexOf reports the reconstructed position of a staged permission.
func (s *Snapshot) IndexOf(p permission.Permission) (int, bool) {
	pos, ok := s.index[p.ID()]
	return pos, ok
}

func (s *Snapshot) stage(p permission.Permission) error {
	id := p.ID()
	if _, dup := s.index[id]; dup {
		return fmt.Errorf("%s already staged", p)
	}
	s.index[id] = len(s.Permissions)
	s.Permissions = append(s.Permissions, p)
	return nil
}

// unstage removes with the same swap-with-last move the live store uses, so
// reconstructed positions match live positions exactly.
func (s *Snapshot) unstage(p permission.Permission) error {
	id := p.ID()
	pos, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%s not staged", p)
	}
	last := len(s.Permissions) - 1
	moved := s.Permissions[last]
	s.Permissions[pos] = moved
	s.index[moved.ID()] = pos
	s.Permissions = s.Permissions[:last]
	delete(s.index, id)
	return nil
}

// RebuildFromFile reads a JSONL event export and rebuilds state offline.
func RebuildFromFile(path string) (map[uuid.UUID]*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open events: %w", err)
	}
	defer f.Close()

	return RebuildFromReader(f)
}

// RebuildFromReader rebuilds state from a JSONL event stream, such as an
// archive written by the S3 archiver. A trailing checkpoint attestation line
// carries no kind and is skipped.
func RebuildFromReader(r io.Reader) (map[uuid.UUID]*Snapshot, error) {
	dec := json.NewDecoder(r)

	var events []*audit.Event
	for dec.More() {
		var ev audit.Event
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		if ev.Kind == "" {
			continue
		}
		events = append(events, &ev)
	}

	return Rebuild(events)
}

// Rebuild folds an ordered event stream into per-target snapshots. The stream
// must be complete from its genesis: per-permission events against unknown
// state are treated as corruption. One caveat: a plan created empty becomes
// visible to reconstruction only at its first per-target event, because the
// creation itself emits no permission events.
func Rebuild(events []*audit.Event) (map[uuid.UUID]*Snapshot, error) {
	snapshots := make(map[uuid.UUID]*Snapshot)

	for i, ev := range events {
		switch ev.Kind {
		case audit.KindPlanned, audit.KindAdded:
			if ev.Permission == nil {
				return nil, fmt.Errorf("event %d (%s): missing permission", i, ev.Kind)
			}
			snap := snapshots[ev.Target]
			if snap == nil {
				snap = newSnapshot()
				snapshots[ev.Target] = snap
			}
			snap.State = plan.Planned
			if err := snap.stage(*ev.Permission); err != nil {
				return nil, fmt.Errorf("event %d (%s): %w", i, ev.Kind, err)
			}

		case audit.KindRemoved:
			if ev.Permission == nil {
				return nil, fmt.Errorf("event %d (%s): missing permission", i, ev.Kind)
			}
			snap := snapshots[ev.Target]
			if snap == nil {
				return nil, fmt.Errorf("event %d (%s): target %s has no plan", i, ev.Kind, ev.Target)
			}
			if err := snap.unstage(*ev.Permission); err != nil {
				return nil, fmt.Errorf("event %d (%s): %w", i, ev.Kind, err)
			}

		case audit.KindCancelled, audit.KindTerminated:
			delete(snapshots, ev.Target)

		case audit.KindExecuted:
			snap := snapshots[ev.Target]
			if snap == nil {
				// An empty plan executed; it produced no staging events.
				snap = newSnapshot()
				snapshots[ev.Target] = snap
			}
			snap.State = plan.Executed

		case audit.KindRestored:
			snap := snapshots[ev.Target]
			if snap == nil {
				snap = newSnapshot()
				snapshots[ev.Target] = snap
			}
			snap.State = plan.Planned

		case audit.KindCheckpoint:
			// Journal artifact, not a state transition.

		default:
			return nil, fmt.Errorf("event %d: unknown kind %q", i, ev.Kind)
		}
	}
	return snapshots, nil
}

// LiveView is the read surface Diff compares a reconstruction against. Both
// the plan store and the brake satisfy it.
type LiveView interface {
	Targets() []uuid.UUID
	State(target uuid.UUID) plan.State
	Permissions(target uuid.UUID) []permission.Permission
}

// Drift is one disagreement between a reconstruction and live state.
type Drift struct {
	Target uuid.UUID `json:"target"`
	Field  string    `json:"field"`
	Want   string    `json:"want"` // reconstructed
	Got    string    `json:"got"`  // live
}

func (d Drift) String() string {
	return fmt.Sprintf("target %s: %s reconstructed %s, live %s", d.Target, d.Field, d.Want, d.Got)
}

// Diff compares a reconstruction with live state and reports every
// disagreement, ordered by target. An empty result means the stream and the
// store agree.
func Diff(snapshots map[uuid.UUID]*Snapshot, live LiveView) []Drift {
	seen := make(map[uuid.UUID]bool)
	var targets []uuid.UUID
	for _, t := range live.Targets() {
		if !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	for t := range snapshots {
		if !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].String() < targets[j].String()
	})

	var drifts []Drift
	for _, t := range targets {
		wantState := plan.Unplanned
		var wantPerms []permission.Permission
		if snap := snapshots[t]; snap != nil {
			wantState = snap.State
			wantPerms = snap.Permissions
		}
		gotState := live.State(t)
		gotPerms := live.Permissions(t)

		if wantState != gotState {
			drifts = append(drifts, Drift{
				Target: t, Field: "state",
				Want: wantState.String(), Got: gotState.String(),
			})
			continue
		}
		if !equalPerms(wantPerms, gotPerms) {
			drifts = append(drifts, Drift{
				Target: t, Field: "permissions",
				Want: renderPerms(wantPerms), Got: renderPerms(gotPerms),
			})
		}
	}
	return drifts
}

func equalPerms(a, b []permission.Permission) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func renderPerms(perms []permission.Permission) string {
	if len(perms) == 0 {
		return "(none)"
	}
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}
