package websocket

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/voxa"
	"github.com/luciancaetano/voxa/auth"
	"github.com/luciancaetano/voxa/internal/protocol"
	"github.com/luciancaetano/voxa/store"
)

var testMaskKey = [4]byte{0x37, 0xfa, 0x21, 0x3d}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeSession returns a session served over one end of an in-memory pipe
// and the client end.
func pipeSession(t *testing.T, cfg sessionConfig) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	if cfg.logger == nil {
		cfg.logger = discardLogger()
	}
	sess := newSession(server, cfg)
	t.Cleanup(func() {
		sess.terminate()
		client.Close()
	})
	client.SetDeadline(time.Now().Add(5 * time.Second))
	return sess, client
}

// writeClientFrame writes a masked frame from the client end.
func writeClientFrame(t *testing.T, c net.Conn, op protocol.Opcode, payload []byte) {
	t.Helper()
	f := &protocol.Frame{Fin: true, Opcode: op, Masked: true, MaskKey: testMaskKey, Payload: payload}
	if err := protocol.WriteFrame(c, f); err != nil {
		t.Errorf("write client frame: %v", err)
	}
}

type wireMsg struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// drain decodes every message queued on a session that has no write pump.
func drain(t *testing.T, sess *Session) []wireMsg {
	t.Helper()
	var out []wireMsg
	for {
		select {
		case data := <-sess.sendCh:
			var m wireMsg
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("queued message is not JSON: %v", err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

// testServer starts a server on a random local port with a static
// authenticator accepting "alice-token" and "bob-token".
func testServer(t *testing.T, mutate func(cfg *ServerConfig)) (*Server, voxa.MessageStore) {
	t.Helper()
	st := store.NewMemory()
	cfg := &ServerConfig{
		Addr:            "127.0.0.1:0",
		Name:            "test-server",
		Authenticator:   auth.Static(map[string]string{"alice-token": "alice", "bob-token": "bob"}),
		Store:           st,
		RateLimitConfig: NoRateLimit(),
		Logger:          discardLogger(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv := New(cfg)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, st
}

// dialRaw connects and completes the handshake and identity exchange
// without waiting for the authentication reply.
func dialRaw(t *testing.T, srv *Server, token string, lastID *int64) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ident voxa.ServerIdentity
	if err := conn.ReadJSON(&ident); err != nil {
		t.Fatalf("read server identity: %v", err)
	}
	if ident.Name != srv.Name() {
		t.Errorf("server identity name = %q, want %q", ident.Name, srv.Name())
	}
	if err := conn.WriteJSON(voxa.ClientIdentity{Version: voxa.ProtocolVersion, AuthToken: token, LastMessageID: lastID}); err != nil {
		t.Fatalf("write client identity: %v", err)
	}
	return conn
}

// dial connects and authenticates, returning the authenticated payload.
func dial(t *testing.T, srv *Server, token string, lastID *int64) (*websocket.Conn, voxa.Authenticated) {
	t.Helper()
	conn := dialRaw(t, srv, token, lastID)
	m := readWire(t, conn)
	if m.Type != voxa.TypeAuthenticated {
		t.Fatalf("first message type = %q, want %q", m.Type, voxa.TypeAuthenticated)
	}
	var a voxa.Authenticated
	if err := json.Unmarshal(m.Params, &a); err != nil {
		t.Fatalf("decode authenticated: %v", err)
	}
	return conn, a
}

func readWire(t *testing.T, conn *websocket.Conn) wireMsg {
	t.Helper()
	var m wireMsg
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return m
}

// readUntilClose reads until the connection fails and returns the close code,
// or -1 when the error was not a close frame.
func readUntilClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return ce.Code
			}
			return -1
		}
	}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// readServerFrame reads one unmasked frame written by the session.
func readServerFrame(t *testing.T, r *bufio.Reader) *protocol.Frame {
	t.Helper()
	f, err := protocol.ReadFrame(r, 0)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if f.Masked {
		t.Error("server frame is masked")
	}
	return f
}

// upgradePipe completes the opening handshake on a pipe session and returns
// a reader over the frames the session writes.
func upgradePipe(t *testing.T, sess *Session, client net.Conn) *bufio.Reader {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- sess.negotiate() }()

	if _, err := io.WriteString(client, upgradeRequest); err != nil {
		t.Fatalf("write request: %v", err)
	}
	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	resp.Body.Close()
	if err := <-errCh; err != nil {
		t.Fatalf("negotiate() error = %v", err)
	}
	return br
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
