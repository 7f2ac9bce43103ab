package sidecar

import (
	"io"
	"net/http"

	"github.com/jordanhubbard/slimclaw/internal/routing"
)

// streamBufferSize is the copy-loop chunk size; small enough that partial SSE
// frames flush promptly without buffering the whole response.
const streamBufferSize = 32 * 1024

// buildOutgoingBody clones the caller's request body, rewrites the model to
// the routing decision's target, and attaches the thinking annex when the
// decision carries one. Every other caller-supplied field (temperature,
// stream, tools, ...) passes through untouched.
func buildOutgoingBody(raw map[string]any, decision routing.Output) map[string]any {
	outgoing := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		outgoing[k] = v
	}
	outgoing["model"] = decision.Model
	if decision.Thinking != nil {
		outgoing["thinking"] = map[string]any{
			"type":          decision.Thinking.Type,
			"budget_tokens": decision.Thinking.BudgetTokens,
		}
	}
	return outgoing
}

// streamCopy copies src to dst in fixed-size chunks, flushing after each
// write so Server-Sent-Event framing reaches the client promptly. It returns
// the number of bytes copied.
func streamCopy(dst http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, streamBufferSize)
	var total int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return total, writeErr
			}
			total += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}
