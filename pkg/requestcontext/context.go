// Package requestcontext carries request-scoped values from the HTTP
// middleware to handlers and the services they call, so log lines and
// journal entries can be correlated without passing *http.Request around.
package requestcontext

import "context"

type key int

const (
	requestIDKey key = iota
	clientIPKey
)

// WithRequestID returns ctx carrying the correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID is empty outside a request, e.g. during a resync round.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}
