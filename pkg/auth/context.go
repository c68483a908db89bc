package auth

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const actorKey contextKey = "actor"

// WithActor binds the acting account to the context. Downstream callers
// (registry mutations, audit events) read the actor back out; it is never
// taken from request bodies.
func WithActor(ctx context.Context, account uuid.UUID) context.Context {
	return context.WithValue(ctx, actorKey, account)
}

// ActorFromContext retrieves the acting account bound by WithActor.
func ActorFromContext(ctx context.Context) (uuid.UUID, bool) {
	actor, ok := ctx.Value(actorKey).(uuid.UUID)
	return actor, ok
}
