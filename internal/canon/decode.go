package canon

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// socketTargetPattern matches a decoded WebSocket target.
var socketTargetPattern = regexp.MustCompile(`(?i)^wss?://[^/]+`)

// DecodeTarget returns the absolute target URL carried by an inbound request.
//
// The request URI is expected to look like "/https://example.com/path?query". When it does not (a page
// script built a URL the interception layer missed), the target is recovered from the Referer header of
// a proxied page: the remainder is resolved as a root-relative path against the page's target.
// The second return value is false when no target could be found; callers serve the control panel then.
func DecodeTarget(requestURI, referer, proxyHost string) (string, bool) {
	target := strings.TrimPrefix(requestURI, "/")

	if target != "" && !httpTargetPattern.MatchString(target) {
		if recovered, ok := recoverFromReferer(target, referer, proxyHost); ok {
			target = recovered
		}
	}

	if !httpTargetPattern.MatchString(target) {
		return "", false
	}

	return target, true
}

// DecodeSocketTarget returns the ws:// or wss:// URL carried by an upgrade request.
func DecodeSocketTarget(requestURI string) (*url.URL, error) {
	target := strings.TrimPrefix(requestURI, "/")
	if !socketTargetPattern.MatchString(target) {
		return nil, fmt.Errorf("%w: %q", ErrNotSocketURL, requestURI)
	}

	u, parseErr := url.Parse(target)
	if parseErr != nil {
		return nil, fmt.Errorf("unable to parse websocket target %q: %w", target, parseErr)
	}

	return u, nil
}

// RefererTarget extracts the target URL embedded in a referer that points at a proxied page, e.g.
// "http://localhost:7891/https://www.example.com/video/1" gives "https://www.example.com/video/1".
func RefererTarget(referer, proxyHost string) (string, bool) {
	if referer == "" || proxyHost == "" {
		return "", false
	}

	marker := proxyHost + "/"
	index := strings.Index(referer, marker)
	if index == -1 {
		return "", false
	}

	target := referer[index+len(marker):]
	if !httpTargetPattern.MatchString(target) {
		return "", false
	}

	return target, true
}

// recoverFromReferer resolves the path-only remainder of a request URI against the referer's target.
func recoverFromReferer(remainder, referer, proxyHost string) (string, bool) {
	refererTarget, ok := RefererTarget(referer, proxyHost)
	if !ok {
		return "", false
	}

	base, baseErr := url.Parse(refererTarget)
	if baseErr != nil {
		return "", false
	}
	ref, refErr := url.Parse("/" + remainder)
	if refErr != nil {
		return "", false
	}

	return base.ResolveReference(ref).String(), true
}
