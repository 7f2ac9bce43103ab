package sidecar

import (
	"encoding/json"
	"fmt"

	"github.com/jordanhubbard/slimclaw/internal/classifier"
)

// chatRequest is the subset of an OpenAI-compatible chat-completion request
// body the sidecar needs to read. Unknown fields are preserved in Raw so the
// outgoing body can be rewritten without dropping caller-supplied options
// (temperature, stream, tools, ...).
type chatRequest struct {
	Model    string         `json:"model"`
	Messages []wireMessage  `json:"messages"`
	Raw      map[string]any `json:"-"`
}

type wireMessage struct {
	Role      string            `json:"role"`
	Content   json.RawMessage   `json:"content"`
	ToolCalls []json.RawMessage `json:"tool_calls,omitempty"`
}

type wireContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseChatRequest decodes the raw JSON body twice: once into the typed
// struct for the fields the pipeline needs, once into a generic map so the
// outgoing body can be rewritten (model, thinking) without losing any
// caller-supplied field.
func parseChatRequest(body []byte) (chatRequest, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return chatRequest{}, fmt.Errorf("parse request body: %w", err)
	}
	if err := json.Unmarshal(body, &req.Raw); err != nil {
		return chatRequest{}, fmt.Errorf("parse request body: %w", err)
	}
	return req, nil
}

// toClassifierMessages flattens the wire message list into the classifier's
// read-only Message view. Malformed content (neither a string nor a block
// list) contributes zero text.
func toClassifierMessages(messages []wireMessage) []classifier.Message {
	out := make([]classifier.Message, 0, len(messages))
	for _, m := range messages {
		cm := classifier.Message{Role: m.Role, ToolCalls: len(m.ToolCalls)}

		var asString string
		if err := json.Unmarshal(m.Content, &asString); err == nil {
			cm.Content = asString
			out = append(out, cm)
			continue
		}

		var blocks []wireContentBlock
		if err := json.Unmarshal(m.Content, &blocks); err == nil {
			for _, b := range blocks {
				cm.ContentBlocks = append(cm.ContentBlocks, classifier.ContentBlock{Type: b.Type, Text: b.Text})
			}
		}
		out = append(out, cm)
	}
	return out
}
