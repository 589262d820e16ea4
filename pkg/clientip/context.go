package clientip

import "context"

type contextKey struct{}

// SetIPToContext stores the resolved client IP in context.
func SetIPToContext(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, contextKey{}, ip)
}

// GetIPFromContext retrieves the client IP from context.
// Returns an empty string when no IP was stored.
func GetIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(contextKey{}).(string)
	return ip
}
