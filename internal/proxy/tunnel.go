package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/TheHackerDev/uaproxy/internal/canon"
)

// Tunnel states, in the order a successful tunnel passes through them.
const (
	stateReceived  = "received"
	stateDecoded   = "decoded"
	stateHeaders   = "headers"
	stateDialing   = "dialing"
	stateHandshake = "handshake"
	statePiping    = "piping"
	stateClosed    = "closed"
	stateErrored   = "errored"
)

// socketGUID is the fixed GUID of the websocket accept-key computation (RFC 6455, section 1.3).
const socketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// tunnelSession tracks one websocket tunnel for logging.
type tunnelSession struct {
	logger *log.Entry
	state  string
}

func newTunnelSession(r *http.Request) *tunnelSession {
	id, idErr := uuid.NewV4()
	if idErr != nil {
		log.WithError(idErr).Error("unable to generate websocket session id")
	}

	session := &tunnelSession{
		logger: log.WithFields(log.Fields{
			"session": id.String(),
			"path":    r.RequestURI,
		}),
	}
	session.enter(stateReceived)

	return session
}

func (session *tunnelSession) enter(state string) {
	session.state = state
	session.logger.WithField("state", state).Debug("websocket tunnel state changed")
}

// fail moves the session to the errored state. Ordinary disconnects are logged at debug level only.
func (session *tunnelSession) fail(err error, msg string) {
	failedIn := session.state
	session.state = stateErrored

	entry := session.logger.WithError(err).WithFields(log.Fields{"state": stateErrored, "failedIn": failedIn})
	if isDisconnect(err) {
		entry.Debug(msg)
		return
	}
	entry.Error(msg)
}

// tunnel relays a websocket upgrade for "/ws(s)://host/path" to the target host and then splices the two
// connections without inspecting frames.
func (proxy *Proxy) tunnel(w http.ResponseWriter, r *http.Request) {
	session := newTunnelSession(r)

	// Hijack the connection to handle it at the TCP layer
	hijacker, hijackOk := w.(http.Hijacker)
	if !hijackOk {
		session.fail(errors.New("response writer does not support hijacking"), "unable to take over websocket connection")
		http.Error(w, "proxy server does not support hijacking of HTTP connections", http.StatusInternalServerError)
		return
	}
	downstream, downstreamBuf, hijackErr := hijacker.Hijack()
	if hijackErr != nil {
		session.fail(hijackErr, "unable to hijack websocket connection")
		proxy.metrics.tunnels.WithLabelValues(tunnelFailed).Inc()
		return
	}
	defer func() {
		_ = downstream.Close()
	}()

	target, decodeErr := canon.DecodeSocketTarget(r.RequestURI)
	if decodeErr != nil {
		session.logger.WithError(decodeErr).Warn("rejecting websocket upgrade without a websocket target")
		proxy.metrics.tunnels.WithLabelValues(tunnelRejected).Inc()
		return
	}
	session.logger = session.logger.WithField("target", target.String())
	session.enter(stateDecoded)

	// Tunnels are long-lived; drop any deadline inherited from the server
	if deadlineErr := downstream.SetDeadline(time.Time{}); deadlineErr != nil {
		session.fail(deadlineErr, "unable to remove deadlines from websocket connection")
		proxy.metrics.tunnels.WithLabelValues(tunnelFailed).Inc()
		return
	}

	header := proxy.socketHeaders(r.Header, target, r.Host)
	upstreamKey, keyErr := newSocketKey()
	if keyErr != nil {
		session.fail(keyErr, "unable to generate websocket key")
		proxy.metrics.tunnels.WithLabelValues(tunnelFailed).Inc()
		return
	}
	header.Set("Sec-WebSocket-Key", upstreamKey)
	session.enter(stateHeaders)

	ctx, cancel := context.WithTimeout(r.Context(), proxy.cfg.DialTimeout)
	defer cancel()

	session.enter(stateDialing)
	upstream, dialErr := proxy.dialSocket(ctx, target)
	if dialErr != nil {
		session.fail(dialErr, "unable to connect to websocket server")
		proxy.metrics.tunnels.WithLabelValues(tunnelFailed).Inc()
		return
	}
	defer func() {
		_ = upstream.Close()
	}()

	session.enter(stateHandshake)
	deadline, _ := ctx.Deadline()
	resp, upstreamBuf, handshakeErr := handshake(upstream, target, header, deadline)
	if handshakeErr != nil {
		session.fail(handshakeErr, "websocket handshake with server failed")
		proxy.metrics.tunnels.WithLabelValues(tunnelFailed).Inc()
		return
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		session.logger.WithField("status", resp.StatusCode).Warn("websocket server refused the upgrade")
		proxy.metrics.tunnels.WithLabelValues(tunnelRefused).Inc()
		if _, writeErr := downstream.Write([]byte("HTTP/1.1 " + resp.Status + "\r\n\r\n")); writeErr != nil {
			session.fail(writeErr, "unable to relay websocket refusal to client")
		}
		return
	}

	// The browser checks the accept key against its own key, not the one sent upstream
	resp.Header.Set("Sec-WebSocket-Accept", computeAcceptKey(r.Header.Get("Sec-WebSocket-Key")))

	var reply bytes.Buffer
	reply.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	if headerErr := resp.Header.Write(&reply); headerErr != nil {
		session.fail(headerErr, "unable to serialize websocket handshake response")
		proxy.metrics.tunnels.WithLabelValues(tunnelFailed).Inc()
		return
	}
	reply.WriteString("\r\n")

	// Frames the server sent along with its handshake response
	if buffered := upstreamBuf.Buffered(); buffered > 0 {
		head, _ := upstreamBuf.Peek(buffered)
		reply.Write(head)
	}

	if _, writeErr := downstream.Write(reply.Bytes()); writeErr != nil {
		session.fail(writeErr, "unable to write websocket handshake response to client")
		proxy.metrics.tunnels.WithLabelValues(tunnelFailed).Inc()
		return
	}

	session.enter(statePiping)
	proxy.metrics.tunnelsActive.Inc()
	defer proxy.metrics.tunnelsActive.Dec()

	// Bytes the browser already sent sit in the hijacked reader and are read first
	client := &bufferedConn{Conn: downstream, reader: downstreamBuf.Reader}
	if spliceErr := splice(context.Background(), client, upstream); spliceErr != nil {
		session.fail(spliceErr, "websocket tunnel failed")
		proxy.metrics.tunnels.WithLabelValues(tunnelFailed).Inc()
		return
	}

	session.enter(stateClosed)
	proxy.metrics.tunnels.WithLabelValues(tunnelClosed).Inc()
}

// dialSocket opens the upstream connection for target, through the upstream proxy when one is set, with
// TLS for wss targets. Certificates are not verified.
func (proxy *Proxy) dialSocket(ctx context.Context, target *url.URL) (net.Conn, error) {
	secure := strings.EqualFold(target.Scheme, "wss")

	port := target.Port()
	if port == "" {
		port = "80"
		if secure {
			port = "443"
		}
	}
	addr := net.JoinHostPort(target.Hostname(), port)

	conn, dialErr := dialContext(ctx, proxy.socketDialer, "tcp", addr)
	if dialErr != nil {
		return nil, fmt.Errorf("unable to dial %s: %w", addr, dialErr)
	}

	if !secure {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{
		InsecureSkipVerify: true,
		ServerName:         target.Hostname(),
		NextProtos:         []string{"http/1.1"},
	})
	if handshakeErr := tlsConn.HandshakeContext(ctx); handshakeErr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("unable to complete TLS handshake with %s: %w", addr, handshakeErr)
	}

	return tlsConn, nil
}

// handshake sends the upgrade request and reads the server's answer, both bounded by deadline.
// The returned reader may hold bytes the server sent after its response headers.
func handshake(upstream net.Conn, target *url.URL, header http.Header, deadline time.Time) (*http.Response, *bufio.Reader, error) {
	if !deadline.IsZero() {
		if deadlineErr := upstream.SetDeadline(deadline); deadlineErr != nil {
			return nil, nil, fmt.Errorf("unable to set handshake deadline: %w", deadlineErr)
		}
	}

	upgradeReq := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Path: target.Path, RawPath: target.RawPath, RawQuery: target.RawQuery},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Host:       target.Host,
	}
	if writeErr := upgradeReq.Write(upstream); writeErr != nil {
		return nil, nil, fmt.Errorf("unable to write upgrade request: %w", writeErr)
	}

	reader := bufio.NewReader(upstream)
	resp, readErr := http.ReadResponse(reader, upgradeReq)
	if readErr != nil {
		return nil, nil, fmt.Errorf("unable to read upgrade response: %w", readErr)
	}

	if deadlineErr := upstream.SetDeadline(time.Time{}); deadlineErr != nil {
		return nil, nil, fmt.Errorf("unable to clear handshake deadline: %w", deadlineErr)
	}

	return resp, reader, nil
}

// newSocketKey returns a fresh Sec-WebSocket-Key value.
func newSocketKey() (string, error) {
	key := make([]byte, 16)
	if _, readErr := rand.Read(key); readErr != nil {
		return "", fmt.Errorf("unable to read random bytes: %w", readErr)
	}

	return base64.StdEncoding.EncodeToString(key), nil
}

// computeAcceptKey returns the Sec-WebSocket-Accept value for a client key.
func computeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + socketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
