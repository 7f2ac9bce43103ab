package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// PostChatCompletion sends the rewritten request body to the provider's
// chat-completion endpoint and returns the raw response, whatever its status.
// The sidecar mirrors upstream responses verbatim, so a non-2xx here is not an
// error; an error return means the call itself failed (network, DNS, TLS,
// context deadline). The response body is wrapped so the client span ends when
// the caller closes it.
func PostChatCompletion(ctx context.Context, client *http.Client, creds Credentials, payload any, extraHeaders map[string]string) (*http.Response, error) {
	url := creds.BaseURL + "/v1/chat/completions"

	ctx, span := otel.Tracer("slimclaw.providers").Start(ctx, "provider.chat_completion",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)

	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		span.End()
		return nil, fmt.Errorf("marshal outgoing body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		span.End()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	// Forward the run id so upstream logs correlate with the shadow
	// recommendation emitted for this request.
	if reqID := GetRequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	// Propagate W3C trace context (traceparent/tracestate) to the provider.
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		span.End()
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	resp.Body = &spanCloser{ReadCloser: resp.Body, span: span}
	return resp, nil
}

// spanCloser wraps an io.ReadCloser and ends the associated OTel span on
// Close. The stream body is read asynchronously by the caller, so the span
// lifecycle follows the body rather than this function's return.
type spanCloser struct {
	io.ReadCloser
	span trace.Span
}

func (sc *spanCloser) Close() error {
	err := sc.ReadCloser.Close()
	sc.span.End()
	return err
}
