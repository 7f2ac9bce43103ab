package providers

import "context"

type runIDKeyType struct{}

var runIDKey = runIDKeyType{}

// WithRequestID returns a context carrying the request's run id, which
// PostChatCompletion forwards upstream as X-Request-ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// GetRequestID extracts the run id from context, or "" if none was set.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}
