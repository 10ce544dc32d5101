// Package requestctx provides request-scoped values (actor and correlation
// identifiers) set by server middleware and consumed by audit logging.
package requestctx

import "context"

type contextKey struct{ name string }

var (
	actorKey       = &contextKey{"actor"}
	correlationKey = &contextKey{"correlation_id"}
)

// SetActor stores the authenticated actor identifier in the context.
func SetActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// Actor returns the actor identifier from context, or "" if not set.
func Actor(ctx context.Context) string {
	v, _ := ctx.Value(actorKey).(string)
	return v
}

// SetCorrelationID stores a correlation identifier in the context.
func SetCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the correlation identifier from context, or "" if not set.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationKey).(string)
	return v
}
