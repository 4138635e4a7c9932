// Package canon implements the proxy URL algorithm shared by the forwarding pipeline, the content
// rewriter and (in spirit) the injected client script.
//
// A canonical URL has exactly one form: ProxyBase + "/" + absoluteTargetURL. Values with a non-web
// scheme (data:, blob:, javascript:, mailto:, fragments) are never touched.
package canon

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

var (
	// passThroughPattern matches values that must never be proxied.
	passThroughPattern = regexp.MustCompile(`(?i)^(data:|blob:|javascript:|#)`)

	// absolutePattern matches an absolute URL with a scheme the proxy understands.
	absolutePattern = regexp.MustCompile(`(?i)^(https?|wss?)://`)

	// embeddedPattern matches the scheme marker of a target URL embedded in a proxy URL path.
	embeddedPattern = regexp.MustCompile(`(?i)/(https?|wss?)://`)

	// httpTargetPattern matches a decoded HTTP target.
	httpTargetPattern = regexp.MustCompile(`(?i)^https?://[^/]+`)
)

// ErrNotSocketURL is returned when an upgrade request path does not carry a ws:// or wss:// target.
var ErrNotSocketURL = errors.New("path is not an absolute ws:// or wss:// URL")

// Context holds everything needed to canonicalize URLs found on one page or response.
type Context struct {
	// ProxyBase is the origin (scheme, host and port) the proxy is reachable at, without a trailing slash.
	ProxyBase string

	// TargetBase is the absolute URL relative values are resolved against.
	TargetBase string

	// PageOrigin is an alternate origin that also counts as "already proxied". The browser fills it from
	// window.location; on the server it is normally empty.
	PageOrigin string

	// Aggressive lists hostnames that are forced through the proxy when a value cannot be parsed.
	Aggressive []string
}

// Canonicalize maps raw onto its proxy form. Applying it twice yields the same result as once.
func (c Context) Canonicalize(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" || IsPassThrough(value) {
		return value
	}

	if c.IsProxied(value) {
		return value
	}

	target := value
	if strings.HasPrefix(value, "//") {
		target = SchemeFor(c.TargetBase) + value
	}

	if absolutePattern.MatchString(target) {
		return c.wrap(target)
	}

	base, baseErr := url.Parse(c.TargetBase)
	if baseErr != nil {
		return c.fallback(value)
	}
	ref, refErr := url.Parse(target)
	if refErr != nil {
		return c.fallback(value)
	}

	resolved := base.ResolveReference(ref)
	if !IsWebScheme(resolved.Scheme) {
		return value
	}

	return c.wrap(resolved.String())
}

// IsProxied reports whether value already points at the proxy and embeds a target URL.
func (c Context) IsProxied(value string) bool {
	if !embeddedPattern.MatchString(value) {
		return false
	}

	return c.hasProxyPrefix(value)
}

// wrap prefixes an absolute URL with the proxy base, unless it is already served by the proxy.
func (c Context) wrap(absolute string) string {
	if c.hasProxyPrefix(absolute) {
		return absolute
	}

	return c.ProxyBase + "/" + absolute
}

func (c Context) hasProxyPrefix(value string) bool {
	if c.ProxyBase != "" && strings.HasPrefix(value, c.ProxyBase) {
		return true
	}

	return c.PageOrigin != "" && strings.HasPrefix(value, c.PageOrigin)
}

// fallback handles values that could not be parsed. Values mentioning an aggressive domain are forced
// through the proxy as https URLs; everything else is returned unchanged so the page keeps working.
func (c Context) fallback(value string) string {
	if strings.HasPrefix(value, "http") || strings.HasPrefix(value, "/") {
		return value
	}

	for _, domain := range c.Aggressive {
		if domain != "" && strings.Contains(value, domain) {
			return c.ProxyBase + "/https://" + value
		}
	}

	return value
}

// IsPassThrough reports whether value uses a scheme (or is a fragment) that is never proxied.
func IsPassThrough(value string) bool {
	return passThroughPattern.MatchString(value)
}

// IsWebScheme reports whether scheme is one the proxy carries.
func IsWebScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "http", "https", "ws", "wss":
		return true
	}

	return false
}

// SchemeFor returns the scheme (with colon) used for protocol-relative URLs found under base.
func SchemeFor(base string) string {
	lower := strings.ToLower(base)
	switch {
	case strings.HasPrefix(lower, "wss"):
		return "wss:"
	case strings.HasPrefix(lower, "ws"):
		return "ws:"
	default:
		return "https:"
	}
}
