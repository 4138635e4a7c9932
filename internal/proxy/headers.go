package proxy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/TheHackerDev/uaproxy/internal/canon"
)

// upstreamAcceptEncoding lists the codings the proxy can decode before rewriting.
const upstreamAcceptEncoding = "gzip, deflate, br, zstd"

// copiedResponseHeaders are relayed from every upstream response.
var copiedResponseHeaders = []string{"Content-Type", "Cache-Control", "Expires"}

// streamedResponseHeaders are relayed only when the body passes through unchanged, since they describe
// its exact bytes.
var streamedResponseHeaders = []string{"Accept-Ranges", "Content-Range", "Content-Disposition", "Last-Modified", "Etag"}

// blockedResponseHeaders must never reach the browser; they would stop the interception script or framing.
var blockedResponseHeaders = []string{"Content-Security-Policy", "X-Content-Security-Policy", "X-Webkit-Csp", "X-Frame-Options"}

// droppedRequestHeaders are never forwarded upstream.
var droppedRequestHeaders = []string{"Host", "Connection", "Content-Length", "Proxy-Connection", "Keep-Alive"}

// forwardHeaders builds the headers of the upstream request for target from the inbound headers.
// proxyHost is the host (and port) the browser used to reach the proxy.
func (proxy *Proxy) forwardHeaders(inbound http.Header, target *url.URL, proxyHost string) http.Header {
	header := inbound.Clone()
	if header == nil {
		header = http.Header{}
	}
	targetOrigin := originOf(target)

	// Identity
	header.Set("User-Agent", proxy.cfg.Policy.UserAgent())
	header.Set("Accept-Encoding", upstreamAcceptEncoding)

	// Referer: the proxied page's real URL, else the target's own origin
	if refererTarget, ok := canon.RefererTarget(inbound.Get("Referer"), proxyHost); ok {
		header.Set("Referer", refererTarget)
	} else {
		header.Set("Referer", targetOrigin+"/")
	}
	if pinned, ok := proxy.cfg.Policy.RefererFor(target.Hostname()); ok {
		header.Set("Referer", pinned)
	}

	// Origin: never the proxy
	if inboundOrigin := inbound.Get("Origin"); inboundOrigin != "" && strings.Contains(inboundOrigin, proxyHost) {
		header.Set("Origin", targetOrigin)
		if refererURL, parseErr := url.Parse(header.Get("Referer")); parseErr == nil && refererURL.Host != "" &&
			proxy.cfg.Policy.InOriginFamily(refererURL.Hostname()) {
			header.Set("Origin", originOf(refererURL))
		}
	}

	if strings.EqualFold(header.Get("Sec-Fetch-Site"), "cross-site") {
		header.Set("Sec-Fetch-Site", "same-site")
	}

	for _, name := range droppedRequestHeaders {
		header.Del(name)
	}

	return header
}

// socketHeaders builds the headers of the upstream websocket handshake to target.
func (proxy *Proxy) socketHeaders(inbound http.Header, target *url.URL, proxyHost string) http.Header {
	header := inbound.Clone()
	if header == nil {
		header = http.Header{}
	}

	socketOrigin := proxy.cfg.Policy.SocketOrigin(target.Hostname())
	header.Set("Origin", socketOrigin)
	if refererTarget, ok := canon.RefererTarget(inbound.Get("Referer"), proxyHost); ok {
		header.Set("Referer", refererTarget)
	} else {
		header.Set("Referer", socketOrigin+"/")
	}

	header.Set("User-Agent", proxy.cfg.Policy.UserAgent())
	header.Set("Connection", "Upgrade")
	header.Set("Upgrade", "websocket")

	// The key is regenerated for the upstream handshake and extensions are never negotiated, since the
	// frames pass through untouched.
	for _, name := range []string{"Host", "Sec-Websocket-Key", "Sec-Websocket-Extensions", "Sec-Websocket-Accept", "Content-Length", "Proxy-Connection", "Keep-Alive"} {
		header.Del(name)
	}

	return header
}

// writeResponseHeaders sets the headers every proxied response carries: the relayed upstream headers, the
// permissive CORS policy and the rewritten cookies.
func writeResponseHeaders(dst, upstream http.Header) {
	for _, name := range copiedResponseHeaders {
		if value := upstream.Get(name); value != "" {
			dst.Set(name, value)
		}
	}

	writeCORSHeaders(dst)

	for _, cookie := range upstream.Values("Set-Cookie") {
		dst.Add("Set-Cookie", rewriteSetCookie(cookie))
	}

	for _, name := range blockedResponseHeaders {
		dst.Del(name)
	}
}

// writeStreamHeaders relays the headers that are only valid for an unchanged body.
func writeStreamHeaders(dst, upstream http.Header) {
	for _, name := range streamedResponseHeaders {
		if value := upstream.Get(name); value != "" {
			dst.Set(name, value)
		}
	}
}

func writeCORSHeaders(dst http.Header) {
	dst.Set("Access-Control-Allow-Origin", "*")
	dst.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
	dst.Set("Access-Control-Allow-Headers", "*")
	dst.Set("Access-Control-Allow-Credentials", "true")
}

// rewriteSetCookie drops the Domain and Secure attributes so the browser stores the cookie for the
// (usually plain-http) proxy origin.
func rewriteSetCookie(value string) string {
	parts := strings.Split(value, ";")
	kept := []string{parts[0]}
	for _, attr := range parts[1:] {
		name, _, _ := strings.Cut(attr, "=")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "domain", "secure":
			continue
		}
		kept = append(kept, attr)
	}

	return strings.Join(kept, ";")
}

// originOf returns the scheme and host of u.
func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + u.Host
}
