package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	xproxy "golang.org/x/net/proxy"
	"golang.org/x/net/html/charset"

	"github.com/TheHackerDev/uaproxy/internal/canon"
	"github.com/TheHackerDev/uaproxy/internal/config"
	"github.com/TheHackerDev/uaproxy/internal/proxy/injector"
	"github.com/TheHackerDev/uaproxy/internal/proxy/rewriter"
	internalHttp "github.com/TheHackerDev/uaproxy/internal/shared/http"
	"github.com/TheHackerDev/uaproxy/internal/webui"
)

// NewProxy returns a new, properly instantiated Proxy object.
// Any errors returned should be considered fatal.
func NewProxy(cfg *config.Config, pluginInjector *injector.Injector, webUI *webui.WebUI) (*Proxy, error) {
	proxy := &Proxy{
		cfg:            cfg,
		pluginInjector: pluginInjector,
		webUI:          webUI,
		metrics:        newMetrics(),
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	// Initialize a custom HTTP client
	transport := &http.Transport{
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // Upstream certificates are never validated
			MinVersion:         tls.VersionTLS10,
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          1024,             // Large number, but not unlimited
		MaxIdleConnsPerHost:   100,              // default is 2, this leaves a lot of flexibility for the client
		IdleConnTimeout:       90 * time.Second, // Same as the default http client
		ResponseHeaderTimeout: cfg.UpstreamTimeout,
		// Bodies are decoded by the proxy itself, so the browser's codings can be rewritten
		DisableCompression: true,
	}

	// Send all upstream traffic through the upstream proxy, if one is set
	if upstreamProxy := cfg.UpstreamProxyURL(); upstreamProxy != nil {
		transport.Proxy = http.ProxyURL(upstreamProxy)
	}

	proxy.httpClient = &http.Client{
		Transport: transport,
		// Do not follow redirects; they are rewritten and handed back to the browser.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	var dialerErr error
	if proxy.socketDialer, dialerErr = newSocketDialer(cfg.UpstreamProxyURL(), dialer); dialerErr != nil {
		return nil, dialerErr
	}

	return proxy, nil
}

// Proxy stores the configuration data for the proxy, and runs the proxy service through the Run method.
// A Proxy object should *always* be instantiated via the NewProxy function.
type Proxy struct {
	// cfg holds the policy, the runtime settings and the limits.
	cfg *config.Config

	// pluginInjector serves the client interception script.
	pluginInjector *injector.Injector

	// webUI renders the control panel.
	webUI *webui.WebUI

	// httpClient is used by the proxy's HTTP handler to forward traffic to remote servers.
	httpClient *http.Client

	// socketDialer opens the upstream connections of websocket tunnels.
	socketDialer xproxy.Dialer

	metrics *metrics
}

// Run starts the proxy.
// Any errors returned should be considered fatal.
func (proxy *Proxy) Run() error {
	proxyServer := &http.Server{
		Addr:    proxy.cfg.ListenAddr,
		Handler: proxy.Handler(),

		// No write timeout: media responses and tunnels are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       40 * time.Second,
	}

	log.WithField("address", proxy.cfg.ListenAddr).Info("proxy listening")
	return proxyServer.ListenAndServe()
}

// Handler returns the proxy's HTTP handler. Routing is done by hand rather than with a ServeMux, which
// would clean the "//" out of embedded target URLs.
func (proxy *Proxy) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodOptions:
			// Preflight requests are answered locally
			writeCORSHeaders(w.Header())
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == injector.ScriptPath:
			proxy.pluginInjector.ServeHTTP(w, r)
		case r.URL.Path == config.APIPath:
			proxy.cfg.SettingsHandler(w, r)
		case websocket.IsWebSocketUpgrade(r):
			proxy.tunnel(w, r)
		default:
			target, ok := canon.DecodeTarget(r.RequestURI, r.Header.Get("Referer"), r.Host)
			if !ok {
				proxy.webUI.ServeHTTP(w, r)
				return
			}
			proxy.forward(w, r, target)
		}
	}
}

// forward fetches target for the inbound request and relays the response, rewritten by content type.
func (proxy *Proxy) forward(w http.ResponseWriter, r *http.Request, target string) {
	logger := log.WithFields(log.Fields{
		"method": r.Method,
		"target": target,
	})

	targetURL, parseErr := url.Parse(target)
	if parseErr != nil {
		proxy.fail(w, logger, fmt.Errorf("unable to parse target URL: %w", parseErr))
		return
	}

	// One snapshot of the runtime settings per request
	settings := proxy.cfg.Settings.Load()
	ctx := canon.Context{
		ProxyBase:  proxyBase(r),
		TargetBase: targetURL.String(),
		Aggressive: proxy.cfg.Policy.Aggressive,
	}

	// Forward the request to the remote server
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	upstreamReq, reqErr := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), body)
	if reqErr != nil {
		proxy.fail(w, logger, fmt.Errorf("unable to create upstream request: %w", reqErr))
		return
	}
	upstreamReq.Header = proxy.forwardHeaders(r.Header, targetURL, r.Host)
	if body != nil {
		upstreamReq.ContentLength = r.ContentLength
	}

	start := time.Now()
	resp, forwardErr := proxy.httpClient.Do(upstreamReq)
	if forwardErr != nil {
		proxy.fail(w, logger, fmt.Errorf("unable to forward request: %w", forwardErr))
		return
	}
	defer resp.Body.Close()
	proxy.metrics.upstreamDuration.Observe(time.Since(start).Seconds())

	logger = logger.WithField("status", resp.StatusCode)

	// Redirects are rewritten, never followed
	if location := resp.Header.Get("Location"); location != "" && internalHttp.IsRedirect(resp.StatusCode) {
		absolute, locationErr := targetURL.Parse(location)
		if locationErr != nil {
			proxy.fail(w, logger, fmt.Errorf("unable to resolve redirect location %q: %w", location, locationErr))
			return
		}

		writeResponseHeaders(w.Header(), resp.Header)
		w.Header().Set("Location", ctx.Canonicalize(absolute.String()))
		w.WriteHeader(resp.StatusCode)
		proxy.metrics.requests.WithLabelValues(modeRedirect).Inc()
		logger.WithField("location", w.Header().Get("Location")).Debug("redirect rewritten")
		return
	}

	writeResponseHeaders(w.Header(), resp.Header)

	mode := bodyMode(resp.Header.Get("Content-Type"))
	if r.Method == http.MethodHead || !internalHttp.BodyAllowedForStatus(resp.StatusCode) {
		w.WriteHeader(resp.StatusCode)
		proxy.metrics.requests.WithLabelValues(mode).Inc()
		return
	}

	// A body the proxy cannot decode is relayed as-is, encoding included
	encoding := resp.Header.Get("Content-Encoding")
	if resp.ContentLength == 0 {
		encoding = ""
	}
	if !internalHttp.IsSupportedEncoding(encoding) {
		logger.WithField("encoding", encoding).Debug("relaying body with unsupported encoding untouched")
		w.Header().Set("Content-Encoding", encoding)
		proxy.stream(w, logger, resp, resp.Body, resp.ContentLength)
		proxy.metrics.requests.WithLabelValues(modeStream).Inc()
		return
	}

	decoded, decodeErr := internalHttp.DecodeReader(encoding, resp.Body)
	if decodeErr != nil {
		proxy.fail(w, logger, fmt.Errorf("unable to decode response body: %w", decodeErr))
		return
	}
	defer decoded.Close()

	// The length is only known when nothing had to be decoded
	length := int64(-1)
	if isIdentity(encoding) {
		length = resp.ContentLength
	}

	switch mode {
	case modeHTML, modeCSS:
		raw, readErr := internalHttp.ReadBody(decoded, proxy.cfg.MaxRewriteBytes)
		if errors.Is(readErr, internalHttp.ErrBodyTooLarge) {
			logger = logger.WithField("limit", proxy.cfg.MaxRewriteBytes)
			if mode == modeHTML {
				var injected bool
				if raw, injected = proxy.injectPrefix(raw, ctx, settings); injected {
					length = -1
					logger.Warn("page too large to rewrite, relaying it with only the interception script injected")
				} else {
					logger.Warn("page too large to rewrite and no injection point found, relaying it unprotected")
				}
			} else {
				logger.Warn("stylesheet too large to rewrite, relaying it unchanged")
			}
			proxy.stream(w, logger, resp, io.MultiReader(bytes.NewReader(raw), decoded), length)
			proxy.metrics.requests.WithLabelValues(modeStream).Inc()
			return
		}
		if readErr != nil {
			proxy.fail(w, logger, fmt.Errorf("unable to read response body: %w", readErr))
			return
		}

		rewritten, rewriteErr := proxy.rewrite(mode, raw, resp.Header.Get("Content-Type"), ctx, settings)
		if rewriteErr != nil {
			proxy.fail(w, logger, rewriteErr)
			return
		}

		if mode == modeHTML {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		} else {
			w.Header().Set("Content-Type", "text/css; charset=utf-8")
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
		w.WriteHeader(resp.StatusCode)
		if _, writeErr := w.Write(rewritten); writeErr != nil {
			logWriteErr(logger, writeErr)
		}
	default:
		proxy.stream(w, logger, resp, decoded, length)
	}

	proxy.metrics.requests.WithLabelValues(mode).Inc()
	logger.WithField("mode", mode).Debug("request proxied")
}

// rewrite transcodes an HTML or CSS body to UTF-8 and rewrites its URLs.
func (proxy *Proxy) rewrite(mode string, raw []byte, contentType string, ctx canon.Context, settings config.RewriteConfig) ([]byte, error) {
	utf8Body, decodeErr := decodeBody(raw, contentType)
	if decodeErr != nil {
		return nil, decodeErr
	}

	if mode == modeCSS {
		return []byte(rewriter.CSS(string(utf8Body), ctx)), nil
	}

	bootstrap, bootstrapErr := injector.Bootstrap(ctx.ProxyBase, settings)
	if bootstrapErr != nil {
		return nil, bootstrapErr
	}

	return rewriter.HTML(bytes.NewReader(utf8Body), ctx, rewriter.Options{
		ProcessLinks: settings.ProcessLinks,
		Inject:       bootstrap,
	})
}

// injectPrefix adds the referrer meta and the bootstrap to the start of a page that is streamed unrewritten.
func (proxy *Proxy) injectPrefix(prefix []byte, ctx canon.Context, settings config.RewriteConfig) ([]byte, bool) {
	bootstrap, bootstrapErr := injector.Bootstrap(ctx.ProxyBase, settings)
	if bootstrapErr != nil {
		log.WithError(bootstrapErr).Error("unable to render bootstrap for streamed page")
		return prefix, false
	}

	return rewriter.InjectPrefix(prefix, rewriter.ReferrerMeta+bootstrap)
}

// decodeBody returns raw as UTF-8. A charset declared in the content type or by a BOM is always honored.
// Otherwise a body that is already valid UTF-8 is kept as-is, and only the rest is transcoded from the
// sniffed encoding (meta prescan, else windows-1252).
func decodeBody(raw []byte, contentType string) ([]byte, error) {
	encoding, name, certain := charset.DetermineEncoding(raw, contentType)
	if !certain && utf8.Valid(raw) {
		return raw, nil
	}

	decoded, transcodeErr := encoding.NewDecoder().Bytes(raw)
	if transcodeErr != nil {
		return nil, fmt.Errorf("unable to transcode body from %s: %w", name, transcodeErr)
	}

	return decoded, nil
}

// stream relays body unchanged with the upstream status.
func (proxy *Proxy) stream(w http.ResponseWriter, logger *log.Entry, resp *http.Response, body io.Reader, length int64) {
	writeStreamHeaders(w.Header(), resp.Header)
	if length >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	}
	w.WriteHeader(resp.StatusCode)

	if _, copyErr := io.Copy(&flushWriter{w: w, rc: http.NewResponseController(w)}, body); copyErr != nil {
		logWriteErr(logger, copyErr)
	}
}

// fail answers with the proxy's error page.
func (proxy *Proxy) fail(w http.ResponseWriter, logger *log.Entry, err error) {
	if isTimeout(err) {
		logger.WithError(err).Warn("upstream request timed out")
	} else {
		logger.WithError(err).Error("unable to proxy request")
	}
	proxy.metrics.requests.WithLabelValues(modeError).Inc()

	http.Error(w, "Proxy Error: "+err.Error(), http.StatusInternalServerError)
}

// flushWriter flushes after every write so streamed responses (event streams, media) reach the browser
// as they arrive.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, writeErr := fw.w.Write(p)
	if writeErr != nil {
		return n, writeErr
	}
	if flushErr := fw.rc.Flush(); flushErr != nil && !errors.Is(flushErr, http.ErrNotSupported) {
		return n, flushErr
	}
	return n, nil
}

// bodyMode picks how a response body is handled from its content type.
func bodyMode(contentType string) string {
	lower := strings.ToLower(contentType)
	switch {
	case strings.Contains(lower, "text/html"):
		return modeHTML
	case strings.Contains(lower, "text/css"):
		return modeCSS
	case strings.Contains(lower, "application/javascript"), strings.Contains(lower, "text/javascript"):
		return modeScript
	default:
		return modeStream
	}
}

// proxyBase returns the origin the browser used to reach the proxy.
func proxyBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}

	return scheme + "://" + r.Host
}

func isIdentity(encoding string) bool {
	encoding = strings.TrimSpace(encoding)
	return encoding == "" || strings.EqualFold(encoding, "identity")
}

// logWriteErr logs a failed write to the browser, unless the browser simply went away.
func logWriteErr(logger *log.Entry, err error) {
	if isDisconnect(err) || isTimeout(err) {
		logger.WithError(err).Debug("client went away while writing response")
		return
	}
	logger.WithError(err).Error("unable to write response to the client")
}

// isTimeout checks if err was caused by a timeout. To be specific, it is true if err is or was caused by a
// context.Canceled, context.DeadlineExceeded or an implementer of net.Error where Timeout() is true.
func isTimeout(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
