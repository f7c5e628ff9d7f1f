// target.go
// ---------
// This file defines GatewayTarget, the resolved gateway base plus proxy context path.
//
// Every request URL is built by Resolve and nowhere else, so the effective URL is always
// <base><context-path><operation-path> with exactly one separator between segments,
// independent of leading or trailing slashes on any of the inputs.
package gatewaybridge

import (
	"fmt"
	"net/url"
	"strings"
)

// GatewayTarget is resolved once per client and shared by all operations.
type GatewayTarget struct {
	base     url.URL
	segments []string // decoded base path segments followed by context path segments
	context  string   // canonical context path, e.g. "/gateway/cdp-proxy-api/ssb-sse-api/api/v1"
}

// NewGatewayTarget validates the gateway base authority and proxy context path. The base must
// be an absolute http(s) URL without query or fragment.
func NewGatewayTarget(base, contextPath string) (*GatewayTarget, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return nil, fmt.Errorf("%w: gateway base is empty", ErrInvalidConfig)
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: gateway base %q: %v", ErrInvalidConfig, base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: gateway base %q must use http or https", ErrInvalidConfig, base)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: gateway base %q has no host", ErrInvalidConfig, base)
	}
	if u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return nil, fmt.Errorf("%w: gateway base %q must not carry userinfo, query or fragment", ErrInvalidConfig, base)
	}

	baseSegs, err := splitSegments(u.EscapedPath())
	if err != nil {
		return nil, fmt.Errorf("%w: gateway base: %v", ErrInvalidConfig, err)
	}
	ctxSegs, err := splitSegments(contextPath)
	if err != nil {
		return nil, fmt.Errorf("%w: context path: %v", ErrInvalidConfig, err)
	}

	t := &GatewayTarget{
		base:     url.URL{Scheme: u.Scheme, Host: u.Host},
		segments: append(baseSegs, ctxSegs...),
	}
	if len(ctxSegs) > 0 {
		t.context = joinEscaped(ctxSegs)
	}
	return t, nil
}

// Base returns the scheme and authority of the gateway.
func (t *GatewayTarget) Base() string {
	return t.base.String()
}

// ContextPath returns the canonical proxy context path, "" when none is configured.
func (t *GatewayTarget) ContextPath() string {
	return t.context
}

// Resolve returns the absolute URL for an operation path. The operation path may carry a
// query string. Absolute URLs, empty paths and dot segments are rejected with ErrInvalidPath.
// An escaped slash (%2F) stays inside its segment.
func (t *GatewayTarget) Resolve(operationPath string) (string, error) {
	op := strings.TrimSpace(operationPath)
	if op == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	ref, err := url.Parse(op)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidPath, op, err)
	}
	if ref.Scheme != "" || ref.Host != "" || ref.User != nil {
		return "", fmt.Errorf("%w: %q is absolute; pass a path relative to the gateway context", ErrInvalidPath, op)
	}
	opSegs, err := splitSegments(ref.EscapedPath())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if len(opSegs) == 0 {
		return "", fmt.Errorf("%w: %q names no resource", ErrInvalidPath, op)
	}

	segs := make([]string, 0, len(t.segments)+len(opSegs))
	segs = append(segs, t.segments...)
	segs = append(segs, opSegs...)

	u := t.base
	u.Path = "/" + strings.Join(segs, "/")
	u.RawPath = joinEscaped(segs)
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

// splitSegments splits an escaped path and decodes each segment. Empty segments produced by
// leading, trailing or repeated slashes are dropped; dot segments, escaped or not, are errors.
func splitSegments(p string) ([]string, error) {
	var segs []string
	for _, raw := range strings.Split(strings.TrimSpace(p), "/") {
		s, err := url.PathUnescape(raw)
		if err != nil {
			return nil, fmt.Errorf("segment %q: %v", raw, err)
		}
		switch s {
		case "":
			continue
		case ".", "..":
			return nil, fmt.Errorf("dot segment in %q", p)
		}
		segs = append(segs, s)
	}
	return segs, nil
}

func joinEscaped(segs []string) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteByte('/')
		b.WriteString(strings.ReplaceAll((&url.URL{Path: s}).EscapedPath(), "/", "%2F"))
	}
	return b.String()
}
