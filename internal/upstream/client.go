package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"

	"github.com/codexlb/codexlb/internal/codexlb"
)

// hopByHopHeaders must never be forwarded between client and upstream,
// matching the gateway's native-proxy passthrough rules.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Authorization":       {},
	"Chatgpt-Account-Id":  {},
	"Content-Length":      {},
	"Host":                {},
}

// Config holds the tunables for the upstream client.
type Config struct {
	BaseURL       string
	IdleTimeout   time.Duration
	MaxEventBytes int
	ImageInline   ImageInlineConfig
}

// Client is the Codex upstream HTTP client: SSE streaming and compact JSON
// calls, built on a dnscache-backed transport exactly like the gateway's
// provider clients (internal/provider/openai/client.go, internal/provider/proxy.go).
type Client struct {
	baseURL  string
	http     *http.Client
	cfg      Config
	resolver *dnscache.Resolver
}

// New returns a Client pointed at cfg.BaseURL, using resolver for cached
// DNS lookups on the pooled transport.
func New(cfg Config, resolver *dnscache.Resolver) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxEventBytes <= 0 {
		cfg.MaxEventBytes = DefaultMaxEventSize
	}
	t := NewTransport(resolver)
	return &Client{baseURL: cfg.BaseURL, http: &http.Client{Transport: t}, cfg: cfg, resolver: resolver}
}

// NewTransport returns a tuned *http.Transport with DNS caching, matching
// internal/provider/proxy.go's NewTransport.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// StreamRequest is the input to Stream.
type StreamRequest struct {
	Body             []byte // passthrough JSON payload
	InboundHeaders   http.Header
	AccessToken      string
	ChatGPTAccountID string
	RequestID        string
}

// Stream opens an SSE connection to ${base}/codex/responses and returns an
// iterator-style channel of normalized Events. The channel is closed when
// the stream ends (terminal event, context cancellation, or a guard
// fires); a guard failure is delivered as a synthesized response.failed
// event rather than a bare error, matching spec.md §4.J.
func (c *Client) Stream(ctx context.Context, req StreamRequest) (<-chan Event, error) {
	req.Body = InlineImages(ctx, c.cfg.ImageInline, c.resolver, req.Body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/codex/responses", bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("upstream: create stream request: %w", err)
	}
	c.applyHeaders(httpReq, req, true)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: stream request: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, c.parseErrorEnvelope(resp)
	}

	ch := make(chan Event, 4)
	go c.pumpStream(ctx, resp, ch)
	return ch, nil
}

func (c *Client) pumpStream(ctx context.Context, resp *http.Response, ch chan<- Event) {
	defer close(ch)
	defer resp.Body.Close()

	fr := newFrameReader(resp.Body, c.cfg.IdleTimeout, c.cfg.MaxEventBytes)
	defer fr.stop()
	sawTerminal := false

	// deliver never blocks past cancellation, so an abandoned consumer
	// cannot strand this goroutine on a full channel.
	deliver := func(ev Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		frame, err := fr.next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			if err == errIdleTimeout {
				deliver(FailureEvent("stream_idle_timeout", fmt.Sprintf("no data for %s", c.cfg.IdleTimeout)))
				return
			}
			if tooLarge, ok := err.(*eventTooLargeErr); ok {
				deliver(FailureEvent("stream_event_too_large", tooLarge.Error()))
				return
			}
			if ctx.Err() != nil {
				return
			}
			deliver(FailureEvent("upstream_error", err.Error()))
			return
		}
		if frame.data == "" && frame.event == "" {
			continue
		}
		if frame.data == "[DONE]" {
			break
		}

		ev := parseEvent(frame)
		if ev.IsTerminal() {
			sawTerminal = true
		}
		if !deliver(ev) {
			return
		}
		if ev.IsTerminal() {
			return
		}
	}

	if !sawTerminal {
		deliver(FailureEvent("stream_incomplete", "stream ended without a terminal event"))
	}
}

// FailureEvent synthesizes a terminal response.failed event for failures
// that never produced one on the wire (guards, empty pools, transport
// errors).
func FailureEvent(code, message string) Event {
	raw, _ := json.Marshal(map[string]any{
		"type": "response.failed",
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
	return Event{Type: "response.failed", Raw: raw, ErrorCode: code, ErrorMessage: message}
}

// Compact performs the non-streaming compact JSON call to
// ${base}/codex/responses/compact and returns the raw response body (or a
// parsed error envelope via error return).
func (c *Client) Compact(ctx context.Context, req StreamRequest) ([]byte, error) {
	req.Body = InlineImages(ctx, c.cfg.ImageInline, c.resolver, req.Body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/codex/responses/compact", bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("upstream: create compact request: %w", err)
	}
	c.applyHeaders(httpReq, req, false)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: compact request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, c.parseErrorEnvelope(resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("upstream: read compact response: %w", err)
	}
	return body, nil
}

// UsageResponse is the parsed body of GET ${base}/usage.
type UsageResponse struct {
	RateLimit struct {
		PrimaryWindow   *WindowUsage `json:"primary_window"`
		SecondaryWindow *WindowUsage `json:"secondary_window"`
	} `json:"rate_limit"`
	Credits struct {
		Has       bool    `json:"has"`
		Unlimited bool    `json:"unlimited"`
		Balance   float64 `json:"balance"`
	} `json:"credits"`
}

// WindowUsage is one window entry of UsageResponse.
type WindowUsage struct {
	UsedPercent       float64 `json:"used_percent"`
	ResetAt           int64   `json:"reset_at"`
	LimitWindowSeconds int    `json:"limit_window_seconds"`
}

// FetchUsage calls GET ${base}/usage for the given access token /
// chatgpt-account-id pair, used by the usage refresher (spec.md §4.L).
func (c *Client) FetchUsage(ctx context.Context, accessToken, chatgptAccountID string) (*UsageResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/usage", nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: create usage request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	if chatgptAccountID != "" {
		httpReq.Header.Set("chatgpt-account-id", chatgptAccountID)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: usage request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{Status: resp.StatusCode, Phase: "usage"}
	}
	var out UsageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("upstream: decode usage response: %w", err)
	}
	return &out, nil
}

// StatusError carries an upstream HTTP status plus the call phase, used by
// the usage refresher to classify failures without blocking the tick.
type StatusError struct {
	Status int
	Phase  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s: HTTP %d", e.Phase, e.Status)
}

func (e *StatusError) HTTPStatus() int { return e.Status }

func (c *Client) applyHeaders(r *http.Request, req StreamRequest, streaming bool) {
	for key, vals := range req.InboundHeaders {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		r.Header[key] = vals
	}
	r.Header.Set("Authorization", "Bearer "+req.AccessToken)
	if req.ChatGPTAccountID != "" {
		r.Header.Set("chatgpt-account-id", req.ChatGPTAccountID)
	}
	r.Header.Set("Content-Type", "application/json")
	if streaming {
		r.Header.Set("Accept", "text/event-stream")
	} else {
		r.Header.Set("Accept", "application/json")
	}
	if req.RequestID != "" {
		r.Header.Set("x-request-id", req.RequestID)
	}
}

func (c *Client) parseErrorEnvelope(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env codexlb.ErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		env.Error.Message = string(body)
		env.Error.Type = "server_error"
	}
	return &codexlb.ProxyResponseError{Status: resp.StatusCode, Envelope: env}
}
