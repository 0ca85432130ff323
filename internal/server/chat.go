package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/codexlb/codexlb/internal/codexlb"
	"github.com/codexlb/codexlb/internal/upstream"
)

// chatRequest is the OpenAI chat-completions shape the gateway accepts
// and internally maps onto the responses API.
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Stream         bool          `json:"stream"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	User           string        `json:"user,omitempty"`
	PromptCacheKey string        `json:"prompt_cache_key,omitempty"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentText flattens a chat message content (string or typed parts)
// into plain text.
func (m chatMessage) contentText() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// toResponsesPayload maps the chat request onto the responses API body.
func (c chatRequest) toResponsesPayload() ([]byte, error) {
	type contentPart struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	type inputItem struct {
		Type    string        `json:"type"`
		Role    string        `json:"role"`
		Content []contentPart `json:"content"`
	}
	payload := map[string]any{
		"model":  c.Model,
		"stream": true,
	}
	items := make([]inputItem, 0, len(c.Messages))
	for _, m := range c.Messages {
		items = append(items, inputItem{
			Type:    "message",
			Role:    m.Role,
			Content: []contentPart{{Type: "input_text", Text: m.contentText()}},
		})
	}
	payload["input"] = items
	if c.MaxTokens > 0 {
		payload["max_output_tokens"] = c.MaxTokens
	}
	cacheKey := c.PromptCacheKey
	if cacheKey == "" {
		cacheKey = c.User
	}
	if cacheKey != "" {
		payload["prompt_cache_key"] = cacheKey
	}
	return json.Marshal(payload)
}

// handleChatCompletions accepts the OpenAI chat shape and serves it from
// the responses pipeline, translating events back into chat chunks.
func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("model and messages are required", "invalid_request_error", "invalid_request"))
		return
	}

	body, err := req.toResponsesPayload()
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := s.deps.Proxy.Stream(r.Context(), s.proxyRequest(r, body))
	if err != nil {
		writeError(w, err)
		return
	}

	requestID := codexlb.RequestIDFromContext(r.Context())
	if req.Stream {
		s.streamChatChunks(w, r, req.Model, requestID, events)
		return
	}
	s.collectChatCompletion(w, req.Model, requestID, events)
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func toChatUsage(u *upstream.Usage) *chatUsage {
	if u == nil {
		return nil
	}
	return &chatUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

// streamChatChunks forwards output text deltas as chat-completion chunks,
// ending with a finish_reason chunk and the [DONE] sentinel.
func (s *server) streamChatChunks(w http.ResponseWriter, r *http.Request, model, requestID string, events <-chan upstream.Event) {
	s.setUsageHeaders(w, r)
	writeSSEHeaders(w)
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	chunkID := "chatcmpl-" + requestID
	var usage *upstream.Usage

	for ev := range events {
		if ev.Usage != nil {
			usage = ev.Usage
		}
		switch ev.Type {
		case "response.output_text.delta":
			text := jsonField(ev.Raw, "delta")
			chunk := map[string]any{
				"id":      chunkID,
				"object":  "chat.completion.chunk",
				"model":   model,
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": text}}},
			}
			data, _ := json.Marshal(chunk)
			writeSSEData(w, data)
			flush()
		case "response.completed", "response.incomplete":
			finish := "stop"
			if ev.Type == "response.incomplete" {
				finish = "length"
			}
			chunk := map[string]any{
				"id":      chunkID,
				"object":  "chat.completion.chunk",
				"model":   model,
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": finish}},
			}
			if u := toChatUsage(usage); u != nil {
				chunk["usage"] = u
			}
			data, _ := json.Marshal(chunk)
			writeSSEData(w, data)
			writeSSEDone(w)
			flush()
			return
		case "response.failed", "error":
			writeSSEError(w, fmt.Sprintf("%s: %s", ev.ErrorCode, ev.ErrorMessage))
			writeSSEDone(w)
			flush()
			return
		}
	}
}

// collectChatCompletion drains the stream into a single chat completion
// body.
func (s *server) collectChatCompletion(w http.ResponseWriter, model, requestID string, events <-chan upstream.Event) {
	var (
		text  strings.Builder
		usage *upstream.Usage
	)
	for ev := range events {
		if ev.Usage != nil {
			usage = ev.Usage
		}
		switch ev.Type {
		case "response.output_text.delta":
			text.WriteString(jsonField(ev.Raw, "delta"))
		case "response.failed", "error":
			status := http.StatusBadGateway
			switch {
			case ev.ErrorCode == "no_accounts" || ev.ErrorCode == "all_blocked" || ev.ErrorCode == "all_deactivated":
				status = http.StatusServiceUnavailable
			case codexlb.ClassifyErrorCode(ev.ErrorCode) == codexlb.KindValidation:
				status = http.StatusBadRequest
			case codexlb.ClassifyErrorCode(ev.ErrorCode) == codexlb.KindRateLimit || codexlb.ClassifyErrorCode(ev.ErrorCode) == codexlb.KindQuota:
				status = http.StatusTooManyRequests
			}
			writeJSON(w, status, errorEnvelope(ev.ErrorMessage, "server_error", codexlb.NormalizedCode(ev.ErrorCode)))
			return
		case "response.completed", "response.incomplete":
			finish := "stop"
			if ev.Type == "response.incomplete" {
				finish = "length"
			}
			resp := map[string]any{
				"id":     "chatcmpl-" + requestID,
				"object": "chat.completion",
				"model":  model,
				"choices": []map[string]any{{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": text.String()},
					"finish_reason": finish,
				}},
			}
			if u := toChatUsage(usage); u != nil {
				resp["usage"] = u
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}
	writeJSON(w, http.StatusBadGateway, errorEnvelope("stream ended without a terminal event", "server_error", "stream_incomplete"))
}

func jsonField(raw json.RawMessage, field string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(obj[field], &s); err != nil {
		return ""
	}
	return s
}
