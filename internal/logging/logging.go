// Package logging configures the sidecar's slog logger: JSON output, a
// runtime-adjustable level, and a redacting handler so provider API keys and
// auth headers never reach the log stream.
package logging

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// redactedKeys are attribute keys whose values are always stripped: auth
// headers, cookies, and anything that could carry a request body.
var redactedKeys = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"cookie":              true,
	"set-cookie":          true,
	"body":                true,
	"request_body":        true,
	"req_body":            true,
}

// redactedSubstrings catch credential-bearing keys by fragment, e.g.
// "api_key", "vault_password", "admin_token".
var redactedSubstrings = []string{"key", "token", "secret", "password"}

// globalLevel backs the JSON handler so SetLevel can change verbosity at
// runtime (SIGHUP reload) without recreating the logger.
var globalLevel = new(slog.LevelVar)

// Setup initializes the global slog logger at the given level and installs
// the redacting handler. The returned logger is also set as slog's default.
func Setup(level string) *slog.Logger {
	SetLevel(level)

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: globalLevel})
	logger := slog.New(&RedactingHandler{base: base})
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the global log level dynamically. Valid values are
// "debug", "warn", "error"; anything else means "info".
func SetLevel(level string) {
	switch level {
	case "debug":
		globalLevel.Set(slog.LevelDebug)
	case "warn":
		globalLevel.Set(slog.LevelWarn)
	case "error":
		globalLevel.Set(slog.LevelError)
	default:
		globalLevel.Set(slog.LevelInfo)
	}
}

// RedactingHandler wraps an slog.Handler and replaces sensitive attribute
// values with "[REDACTED]" before they are emitted.
type RedactingHandler struct {
	base slog.Handler
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	redacted := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})
	return h.base.Handle(ctx, redacted)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var redacted []slog.Attr
	for _, a := range attrs {
		redacted = append(redacted, redactAttr(a))
	}
	return &RedactingHandler{base: h.base.WithAttrs(redacted)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{base: h.base.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if redactedKeys[key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	for _, frag := range redactedSubstrings {
		if strings.Contains(key, frag) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}

// RequestLogger returns chi middleware that logs one line per HTTP request.
// The run id (X-Request-ID or chi's generated id) is attached so a request's
// log line, shadow recommendation, and upstream call all correlate. Request
// bodies and auth headers are never logged.
func RequestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			runID := r.Header.Get("X-Request-ID")
			if runID == "" {
				runID = middleware.GetReqID(r.Context())
			}

			next.ServeHTTP(ww, r)

			logger.Info("http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("run_id", runID),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
