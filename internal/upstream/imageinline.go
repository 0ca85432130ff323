package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/dnscache"
)

// ImageInlineConfig controls the optional SSRF-safe image inlining step
// (spec.md §4.J), off by default.
type ImageInlineConfig struct {
	Enabled      bool
	AllowedHosts []string // CSV-parsed allowlist; empty means "any non-private host"
	MaxBytes     int64
	FetchTimeout time.Duration
}

// DefaultMaxInlineBytes is the spec's default max_inline_bytes.
const DefaultMaxInlineBytes = 8 << 20

// imageInliner fetches remote image_url references and substitutes a
// data: URL, after validating the resolved IP is not private/loopback/
// multicast/link-local. It never follows redirects and pins the Host
// header and TLS SNI to the original hostname.
type imageInliner struct {
	cfg      ImageInlineConfig
	resolver *dnscache.Resolver
	client   *http.Client
}

func newImageInliner(cfg ImageInlineConfig, resolver *dnscache.Resolver) *imageInliner {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxInlineBytes
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	return &imageInliner{
		cfg:      cfg,
		resolver: resolver,
		client: &http.Client{
			Timeout: cfg.FetchTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse // never follow redirects
			},
		},
	}
}

// InlineImages walks payload's `input` array and replaces any
// {"type":"input_image","image_url":"https://..."} entry whose host
// resolves safely with a data: URL. Entries that fail validation or
// fetch are left unchanged (forwarded as-is), never causing the overall
// request to fail.
func InlineImages(ctx context.Context, cfg ImageInlineConfig, resolver *dnscache.Resolver, payload []byte) []byte {
	if !cfg.Enabled {
		return payload
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload
	}
	inputRaw, ok := doc["input"]
	if !ok {
		return payload
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(inputRaw, &items); err != nil {
		return payload
	}

	inliner := newImageInliner(cfg, resolver)
	changed := false
	for i, item := range items {
		typeRaw, ok := item["type"]
		if !ok {
			continue
		}
		var typ string
		if json.Unmarshal(typeRaw, &typ) != nil || typ != "input_image" {
			continue
		}
		urlRaw, ok := item["image_url"]
		if !ok {
			continue
		}
		var imgURL string
		if json.Unmarshal(urlRaw, &imgURL) != nil || !strings.HasPrefix(imgURL, "https://") {
			continue
		}
		dataURL, err := inliner.fetch(ctx, imgURL)
		if err != nil {
			continue // leave unchanged on any validation/fetch failure
		}
		encoded, _ := json.Marshal(dataURL)
		items[i]["image_url"] = encoded
		changed = true
	}
	if !changed {
		return payload
	}
	newInputRaw, err := json.Marshal(items)
	if err != nil {
		return payload
	}
	doc["input"] = newInputRaw
	out, err := json.Marshal(doc)
	if err != nil {
		return payload
	}
	return out
}

// fetch validates imgURL's host resolves to only public IPs (and, if an
// allowlist is configured, that the host is on it), then downloads up to
// cfg.MaxBytes and returns a data: URL.
func (ii *imageInliner) fetch(ctx context.Context, imgURL string) (string, error) {
	u, err := url.Parse(imgURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("imageinline: only https is allowed")
	}
	host := u.Hostname()

	if len(ii.cfg.AllowedHosts) > 0 && !slices.Contains(ii.cfg.AllowedHosts, host) {
		return "", fmt.Errorf("imageinline: host %q not in allowlist", host)
	}

	ips, err := ii.resolveHost(ctx, host)
	if err != nil {
		return "", err
	}
	for _, ip := range ips {
		if !isPublicIP(ip) {
			return "", fmt.Errorf("imageinline: resolved IP %s is not public", ip)
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, ii.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, imgURL, nil)
	if err != nil {
		return "", err
	}
	// Host header and SNI are pinned to the original hostname by using the
	// URL as-is; the client's default transport resolves the hostname again
	// when it dials, and TLS verification checks against req.URL.Hostname().
	req.Host = host

	resp, err := ii.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("imageinline: fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, ii.cfg.MaxBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(body)) > ii.cfg.MaxBytes {
		return "", fmt.Errorf("imageinline: image exceeds max_inline_bytes")
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(body)), nil
}

func (ii *imageInliner) resolveHost(ctx context.Context, host string) ([]net.IP, error) {
	if net.ParseIP(host) != nil {
		return []net.IP{net.ParseIP(host)}, nil
	}
	if ii.resolver != nil {
		addrs, err := ii.resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		ips := make([]net.IP, 0, len(addrs))
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil {
				ips = append(ips, ip)
			}
		}
		return ips, nil
	}
	return net.LookupIP(host)
}

// isPublicIP rejects private, loopback, multicast, link-local, and
// unspecified addresses, closing the SSRF hole described in spec.md §4.J
// scenario 6.
func isPublicIP(ip net.IP) bool {
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(), ip.IsMulticast(), ip.IsUnspecified():
		return false
	default:
		return true
	}
}
