package core

import "context"

type contextKey string

const ctxKeyActor contextKey = "actor"

// ContextWithActor records who performs an operation, for resolved_by.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ctxKeyActor, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyActor).(string); ok {
		return v
	}
	return ""
}
