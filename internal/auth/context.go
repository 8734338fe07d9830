// ABOUTME: Context helpers for carrying the authenticated identity through requests
// ABOUTME: Same WithAuth/FromContext pattern for HTTP handlers and the relay

package auth

import "context"

type contextKey struct{}

// WithIdentity returns a context carrying the authenticated identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the authenticated identity, or nil if none is attached.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}
