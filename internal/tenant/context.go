package tenant

import "context"

type accessContextKey struct{}

// ContextWithAccess attaches the resolved access context to the request context.
func ContextWithAccess(ctx context.Context, access AccessContext) context.Context {
	return context.WithValue(ctx, accessContextKey{}, &access)
}

// AccessFromContext extracts the resolved access context if present.
func AccessFromContext(ctx context.Context) (AccessContext, bool) {
	if ctx == nil {
		return AccessContext{}, false
	}
	v, ok := ctx.Value(accessContextKey{}).(*AccessContext)
	if !ok || v == nil {
		return AccessContext{}, false
	}
	return *v, true
}
