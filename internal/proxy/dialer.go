package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"
)

func init() {
	// x/net/proxy only knows SOCKS5; teach it HTTP CONNECT so one FromURL call covers every upstream scheme.
	xproxy.RegisterDialerType("http", newConnectDialer)
	xproxy.RegisterDialerType("https", newConnectDialer)
}

// newSocketDialer returns the dialer used for websocket tunnels: direct, or through the upstream proxy.
func newSocketDialer(upstreamProxy *url.URL, forward *net.Dialer) (xproxy.Dialer, error) {
	if upstreamProxy == nil {
		return forward, nil
	}

	dialer, dialerErr := xproxy.FromURL(upstreamProxy, forward)
	if dialerErr != nil {
		return nil, fmt.Errorf("unable to create upstream proxy dialer for %s: %w", upstreamProxy.Redacted(), dialerErr)
	}

	return dialer, nil
}

// dialContext dials through d, honoring ctx when d supports it.
func dialContext(ctx context.Context, d xproxy.Dialer, network, addr string) (net.Conn, error) {
	if contextDialer, ok := d.(xproxy.ContextDialer); ok {
		return contextDialer.DialContext(ctx, network, addr)
	}

	return d.Dial(network, addr)
}

// connectDialer opens tunnels through an HTTP proxy with the CONNECT method.
type connectDialer struct {
	proxyURL *url.URL
	forward  xproxy.Dialer
}

func newConnectDialer(proxyURL *url.URL, forward xproxy.Dialer) (xproxy.Dialer, error) {
	return &connectDialer{proxyURL: proxyURL, forward: forward}, nil
}

func (d *connectDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *connectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyAddr := d.proxyURL.Host
	if d.proxyURL.Port() == "" {
		port := "80"
		if d.proxyURL.Scheme == "https" {
			port = "443"
		}
		proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), port)
	}

	conn, dialErr := dialContext(ctx, d.forward, network, proxyAddr)
	if dialErr != nil {
		return nil, fmt.Errorf("unable to connect to upstream proxy: %w", dialErr)
	}

	if d.proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: d.proxyURL.Hostname()})
		if handshakeErr := tlsConn.HandshakeContext(ctx); handshakeErr != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("unable to complete TLS handshake with upstream proxy: %w", handshakeErr)
		}
		conn = tlsConn
	}

	// Bound the CONNECT exchange by the dial context
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: http.Header{},
	}
	if user := d.proxyURL.User; user != nil {
		password, _ := user.Password()
		credentials := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + password))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+credentials)
	}

	if writeErr := connectReq.Write(conn); writeErr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("unable to write CONNECT request to upstream proxy: %w", writeErr)
	}

	reader := bufio.NewReader(conn)
	resp, readErr := http.ReadResponse(reader, connectReq)
	if readErr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("unable to read CONNECT response from upstream proxy: %w", readErr)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("upstream proxy refused CONNECT to %s: %s", addr, resp.Status)
	}

	_ = conn.SetDeadline(time.Time{})

	return &bufferedConn{Conn: conn, reader: reader}, nil
}

// bufferedConn is a net.Conn whose first reads drain a bufio.Reader that already consumed part of the
// stream.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}
