// Package audit implements the brake's notification stream: append-only
// events with hash chaining, so that the staged state of any target can be
// reconstructed and tampering detected.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/estop/pkg/permission"
)

// EventKind categorizes brake events.
type EventKind string

const (
	// Per-permission kinds. Permission and PermissionID are set.
	KindPlanned EventKind = "planned"
	KindAdded   EventKind = "added"
	KindRemoved EventKind = "removed"

	// Per-target kinds. Permission is nil.
	KindCancelled  EventKind = "cancelled"
	KindExecuted   EventKind = "executed"
	KindRestored   EventKind = "restored"
	KindTerminated EventKind = "terminated"

	// KindCheckpoint marks a signed head attestation in exported streams.
	KindCheckpoint EventKind = "checkpoint"
)

// Event is a single immutable brake notification. Seq, PrevHash and Hash are
// assigned by chaining recorders; other recorders pass them through.
type Event struct {
	ID           uuid.UUID              `json:"id"`
	Seq          uint64                 `json:"seq"`
	Kind         EventKind              `json:"kind"`
	Target       uuid.UUID              `json:"target"`
	Actor        uuid.UUID              `json:"actor"`
	Permission   *permission.Permission `json:"permission,omitempty"`
	PermissionID string                 `json:"permission_id,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	PrevHash     string                 `json:"prev_hash,omitempty"`
	Hash         string                 `json:"hash,omitempty"`
}

// Recorder persists or forwards brake events. Recording is mandatory: an
// error from Record surfaces as the operation's error.
type Recorder interface {
	Record(ctx context.Context, ev *Event) error
}

// MultiRecorder fans an event out to several recorders in order. A chaining
// recorder placed first assigns Seq and hashes before the others see them.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, ev *Event) error {
	for i, r := range m {
		if err := r.Record(ctx, ev); err != nil {
			return fmt.Errorf("recorder %d failed: %w", i, err)
		}
	}
	return nil
}

// NopRecorder discards every event. Useful for tests that exercise the brake
// without caring about the stream.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, ev *Event) error { return nil }
