// Package upstream implements the streaming and compact HTTP clients for the
// Codex backend: SSE framing, event alias normalization, idle/size guards,
// and the SSRF-safe image inlining helper used before forwarding a request.
package upstream

import "encoding/json"

// Event is a single SSE event read from the upstream stream. Only the
// fields needed for control flow are parsed; everything else is kept as
// raw JSON and forwarded verbatim, per the tagged-variant design in
// spec.md §9 ("dynamic-typing hotspots").
type Event struct {
	// Type is the normalized event type (after alias rewriting), e.g.
	// "response.completed", "response.output_text.delta".
	Type string
	// Raw is the full JSON payload of the data: line(s), with Type
	// patched to the normalized name when an alias rewrite applied.
	Raw json.RawMessage
	// ErrorCode and ErrorMessage are populated when Type is
	// "response.failed" or "error".
	ErrorCode    string
	ErrorMessage string
	// Usage is populated when the event carries response.completed.usage.
	Usage *Usage
}

// Usage is the token accounting carried on a response.completed event.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	CachedInputTokens int64 `json:"cached_tokens"`
	ReasoningTokens   int64 `json:"reasoning_tokens"`
}

// IsTerminal reports whether Type is one of the three events that end a
// response lifecycle.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case "response.completed", "response.failed", "response.incomplete":
		return true
	default:
		return false
	}
}

// IsFailure reports whether Type indicates an error event.
func (e Event) IsFailure() bool {
	return e.Type == "response.failed" || e.Type == "error"
}

// eventAliases rewrites legacy event names to their current form, applied
// on the wire before delivery (spec.md §4.J).
var eventAliases = map[string]string{
	"response.text.delta":    "response.output_text.delta",
	"response.text.done":     "response.output_text.done",
	"response.message.delta": "response.output_text.delta",
	"response.content.delta": "response.output_text.delta",
}

// normalizeEventType returns the canonical event type for t.
func normalizeEventType(t string) string {
	if canonical, ok := eventAliases[t]; ok {
		return canonical
	}
	return t
}

// minimalEventEnvelope documents the shape of the fields needed for
// control flow. Nothing decodes into it: parseEvent in sse.go reads the
// same fields with gjson, without a full unmarshal.
type minimalEventEnvelope struct {
	Type  string `json:"type"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		Usage *Usage `json:"usage"`
	} `json:"response"`
}
