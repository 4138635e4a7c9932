package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheHackerDev/uaproxy/internal/policy"
)

// socketURL returns the ws:// address of a tunnel through front to target.
func socketURL(front, target string) string {
	return "ws://" + strings.TrimPrefix(front, "http://") + "/" + target
}

// handshakeRecord keeps the headers an upstream websocket server received.
type handshakeRecord struct {
	mu     sync.Mutex
	header http.Header
}

func (h *handshakeRecord) set(header http.Header) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.header = header.Clone()
}

func (h *handshakeRecord) get() http.Header {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.header
}

// newEchoServer starts a websocket server that greets each client and then echoes its messages. With
// secure set it serves TLS with httptest's self-signed certificate.
func newEchoServer(t *testing.T, record *handshakeRecord, secure bool) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			record.set(r.Header)
			return true
		},
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, upgradeErr := upgrader.Upgrade(w, r, nil)
		if upgradeErr != nil {
			return
		}
		defer conn.Close()

		if writeErr := conn.WriteMessage(websocket.TextMessage, []byte("hello "+r.URL.RequestURI())); writeErr != nil {
			return
		}
		for {
			messageType, message, readErr := conn.ReadMessage()
			if readErr != nil {
				return
			}
			if writeErr := conn.WriteMessage(messageType, message); writeErr != nil {
				return
			}
		}
	})

	var server *httptest.Server
	if secure {
		server = httptest.NewTLSServer(handler)
	} else {
		server = httptest.NewServer(handler)
	}
	t.Cleanup(server.Close)

	return server
}

func TestTunnel(t *testing.T) {
	tests := []struct {
		name   string
		secure bool
		scheme string
	}{
		{"plain upstream", false, "ws://"},
		{"tls upstream with self-signed certificate", true, "wss://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := &handshakeRecord{}
			upstream := newEchoServer(t, record, tt.secure)
			_, front := newTestProxy(t, newTestConfig())

			target := tt.scheme + upstream.Listener.Addr().String() + "/sub?room=7"
			conn, resp, dialErr := websocket.DefaultDialer.Dial(socketURL(front, target), http.Header{
				"User-Agent": {"Mozilla/5.0 (iPhone)"},
				"Origin":     {front},
			})
			require.NoError(t, dialErr)
			defer conn.Close()
			assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

			// The greeting may arrive with the handshake response
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
			_, greeting, readErr := conn.ReadMessage()
			require.NoError(t, readErr)
			assert.Equal(t, "hello /sub?room=7", string(greeting))

			for _, message := range []string{"first", "second", strings.Repeat("z", 70000)} {
				require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(message)))
				_, echoed, echoErr := conn.ReadMessage()
				require.NoError(t, echoErr)
				assert.Equal(t, message, string(echoed))
			}

			seen := record.get()
			require.NotNil(t, seen)
			assert.Equal(t, "https://www.bilibili.com", seen.Get("Origin"))
			assert.Equal(t, "https://www.bilibili.com/", seen.Get("Referer"))
			assert.Equal(t, policy.Default().UserAgent(), seen.Get("User-Agent"))
			assert.Empty(t, seen.Get("Sec-Websocket-Extensions"))
		})
	}
}

func TestTunnelHandshakeTimeout(t *testing.T) {
	// A server that accepts connections and never answers
	listener, listenErr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, listenErr)
	t.Cleanup(func() { _ = listener.Close() })

	var held []net.Conn
	var heldMu sync.Mutex
	go func() {
		for {
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				return
			}
			heldMu.Lock()
			held = append(held, conn)
			heldMu.Unlock()
		}
	}()
	t.Cleanup(func() {
		heldMu.Lock()
		defer heldMu.Unlock()
		for _, conn := range held {
			_ = conn.Close()
		}
	})

	cfg := newTestConfig()
	cfg.DialTimeout = 200 * time.Millisecond
	_, front := newTestProxy(t, cfg)

	tests := []struct {
		name   string
		scheme string
	}{
		{"plain upgrade unanswered", "ws://"},
		{"tls handshake unanswered", "wss://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

			start := time.Now()
			conn, _, dialErr := dialer.Dial(socketURL(front, tt.scheme+listener.Addr().String()+"/sub"), nil)
			if conn != nil {
				conn.Close()
			}

			// The proxy gave up and closed the browser side well before the client's own timeout
			require.Error(t, dialErr)
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}
}

func TestTunnelRefused(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
	}))
	defer upstream.Close()

	proxy, front := newTestProxy(t, newTestConfig())

	target := "ws://" + strings.TrimPrefix(upstream.URL, "http://") + "/sub"
	_, resp, dialErr := websocket.DefaultDialer.Dial(socketURL(front, target), nil)
	require.ErrorIs(t, dialErr, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	rec := httptest.NewRecorder()
	proxy.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `uaproxy_tunnels_total{result="refused"} 1`)
}

func TestTunnelFailures(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	unreachable := "ws://" + strings.TrimPrefix(closed.URL, "http://") + "/sub"
	closed.Close()

	_, front := newTestProxy(t, newTestConfig())

	tests := []struct {
		name string
		path string
	}{
		{"not a websocket target", "https://example.com/sub"},
		{"relative path", "sub/room"},
		{"unreachable server", unreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, dialErr := websocket.DefaultDialer.Dial(socketURL(front, tt.path), nil)
			if conn != nil {
				conn.Close()
			}
			assert.Error(t, dialErr)
		})
	}
}

func TestComputeAcceptKey(t *testing.T) {
	// Example from RFC 6455, section 1.3
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestNewSocketKey(t *testing.T) {
	first, firstErr := newSocketKey()
	require.NoError(t, firstErr)
	second, secondErr := newSocketKey()
	require.NoError(t, secondErr)

	assert.Len(t, first, 24)
	assert.NotEqual(t, first, second)
}

func TestSplice(t *testing.T) {
	t.Run("relays both ways and ends with either side", func(t *testing.T) {
		clientSide, clientProxy := net.Pipe()
		serverProxy, serverSide := net.Pipe()

		done := make(chan error, 1)
		go func() {
			done <- splice(context.Background(), clientProxy, serverProxy)
		}()

		go func() {
			_, _ = clientSide.Write([]byte("ping"))
		}()
		buf := make([]byte, 4)
		_, readErr := io.ReadFull(serverSide, buf)
		require.NoError(t, readErr)
		assert.Equal(t, "ping", string(buf))

		go func() {
			_, _ = serverSide.Write([]byte("pong"))
		}()
		_, readErr = io.ReadFull(clientSide, buf)
		require.NoError(t, readErr)
		assert.Equal(t, "pong", string(buf))

		require.NoError(t, clientSide.Close())

		select {
		case spliceErr := <-done:
			assert.NoError(t, spliceErr)
		case <-time.After(5 * time.Second):
			t.Fatal("splice did not return after the client closed")
		}

		// The server side was closed along with the client
		_, readErr = serverSide.Read(buf)
		assert.ErrorIs(t, readErr, io.EOF)
	})

	t.Run("ends when the context is canceled", func(t *testing.T) {
		_, clientProxy := net.Pipe()
		serverProxy, _ := net.Pipe()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- splice(ctx, clientProxy, serverProxy)
		}()
		cancel()

		select {
		case spliceErr := <-done:
			assert.NoError(t, spliceErr)
		case <-time.After(5 * time.Second):
			t.Fatal("splice did not return after cancellation")
		}
	})
}

func TestIsDisconnect(t *testing.T) {
	assert.True(t, isDisconnect(io.EOF))
	assert.True(t, isDisconnect(net.ErrClosed))
	assert.True(t, isDisconnect(io.ErrClosedPipe))
	assert.False(t, isDisconnect(nil))
	assert.False(t, isDisconnect(context.DeadlineExceeded))
}
