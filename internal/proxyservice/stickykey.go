package proxyservice

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/tidwall/gjson"

	"github.com/codexlb/codexlb/internal/codexlb"
)

// stickyKey derives the session fingerprint from the payload's
// prompt_cache_key. The raw key is hashed (keyed when a secret is
// configured) so it never reaches storage or logs.
func (s *Service) stickyKey(body []byte) string {
	raw := gjson.GetBytes(body, "prompt_cache_key").String()
	if raw == "" {
		return ""
	}
	return s.fingerprint(raw)
}

func (s *Service) fingerprint(value string) string {
	if len(s.keySecret) > 0 {
		mac := hmac.New(sha256.New, s.keySecret)
		mac.Write([]byte(value))
		return hex.EncodeToString(mac.Sum(nil))
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// disallowedFields are payload fields the proxy rejects up front: the
// upstream conversation-state machinery is not supported behind the pool.
var disallowedFields = []struct {
	path    string
	param   string
	message string
}{
	{"store", "store", "store=true is not supported"},
	{"previous_response_id", "previous_response_id", "previous_response_id is not supported"},
}

// ValidatePayload rejects malformed JSON and disallowed fields before any
// account is consumed. Returns *codexlb.ClientPayloadError on rejection.
func ValidatePayload(body []byte) error {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return &codexlb.ClientPayloadError{Message: "request body must be valid JSON"}
	}
	for _, f := range disallowedFields {
		v := gjson.GetBytes(body, f.path)
		if !v.Exists() {
			continue
		}
		if f.path == "store" && v.Type == gjson.False {
			continue
		}
		return &codexlb.ClientPayloadError{Param: f.param, Message: f.message}
	}
	// file_id inputs are rejected; file content must arrive by URL.
	items := gjson.GetBytes(body, "input")
	if items.IsArray() {
		var rejected bool
		items.ForEach(func(_, item gjson.Result) bool {
			if item.Get("file_id").Exists() {
				rejected = true
				return false
			}
			return true
		})
		if rejected {
			return &codexlb.ClientPayloadError{Param: "file_id", Message: "file_id inputs are not supported"}
		}
	}
	return nil
}
