package shared

import "context"

type contextKey string

const actorKey contextKey = "actor"

// ContextWithActor stores the acting user id in the context.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorKey, actorID)
}

// ActorFromContext returns the acting user id, zero when absent.
func ActorFromContext(ctx context.Context) int64 {
	if id, ok := ctx.Value(actorKey).(int64); ok {
		return id
	}
	return 0
}
