package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/codexlb/codexlb/internal/codexlb"
)

// bodyPool reuses buffers for request body reads, avoiding per-request
// allocations from json.NewDecoder (which cannot be pooled/reset).
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed request body size (4 MB).
const maxRequestBody = 4 << 20

// readBody reads the request body via bodyPool and returns a copy, or
// false after writing a 400.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bodyPool.Put(buf)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("invalid request body", "invalid_request_error", "invalid_request"))
		return nil, false
	}
	body := make([]byte, buf.Len())
	copy(body, buf.Bytes())
	return body, true
}

// decodeJSON unmarshals the request body into v, writing a 400 on error.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, errorEnvelope("invalid request body", "invalid_request_error", "invalid_request"))
		return false
	}
	return true
}

// errorEnvelope builds the OpenAI-compatible error body.
func errorEnvelope(message, typ, code string) codexlb.ErrorEnvelope {
	return codexlb.ErrorEnvelope{Error: codexlb.ErrorBody{
		Message: message,
		Type:    typ,
		Code:    code,
	}}
}

// adminError is the internal dashboard error envelope.
type adminError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func adminErrorEnvelope(code, message string) adminError {
	var e adminError
	e.Error.Code = code
	e.Error.Message = message
	return e
}

// writeError maps err to the right status and envelope.
func writeError(w http.ResponseWriter, err error) {
	var perr *codexlb.ProxyResponseError
	if errors.As(err, &perr) {
		writeJSON(w, perr.Status, perr.Envelope)
		return
	}
	var cerr *codexlb.ClientPayloadError
	if errors.As(err, &cerr) {
		env := errorEnvelope(cerr.Message, "invalid_request_error", "invalid_request")
		if cerr.Param != "" {
			env.Error.Param = &cerr.Param
		}
		writeJSON(w, http.StatusBadRequest, env)
		return
	}
	writeJSON(w, codexlb.ErrorStatus(err), errorEnvelope(err.Error(), "server_error", ""))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
