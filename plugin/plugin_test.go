package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/luciancaetano/voxa"
)

// TestHelperProcess is not a real test. It is the plugin process started by
// the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("VOXA_PLUGIN_HELPER") != "1" {
		return
	}
	mode := os.Getenv("VOXA_PLUGIN_MODE")

	err := Serve(os.Stdin, os.Stdout, func(c Call) Result {
		if c.Op == OpInit {
			if mode == "initfail" {
				return Result{Error: "refusing to start on " + c.Server}
			}
			return Result{}
		}
		switch {
		case mode == "hang":
			time.Sleep(time.Minute)
		case c.Kind == "text" && c.Text == "ping":
			params, _ := json.Marshal(map[string]string{"user": c.UserID, "session": c.SessionID})
			return Result{Consumed: true, Replies: []Message{{Type: "pong", Params: params}}}
		case c.Kind == "text" && c.Text == "shout":
			return Result{Consumed: true, Broadcasts: []Message{{Type: "shout", Params: json.RawMessage(`"hey"`)}}}
		case c.Kind == "text" && c.Text == "fail":
			return Result{Error: "cannot handle fail"}
		case c.Kind == "binary":
			fmt.Fprintln(os.Stderr, "binary payload of", len(c.Binary), "bytes")
		}
		return Result{}
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(0)
}

func helperCommand(mode string) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(), "VOXA_PLUGIN_HELPER=1", "VOXA_PLUGIN_MODE="+mode)
	return cmd
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSession struct {
	mu   sync.Mutex
	sent []voxa.ServerMessage
}

func (s *fakeSession) ID() string                  { return "session-1" }
func (s *fakeSession) UserID() string              { return "alice" }
func (s *fakeSession) RemoteAddr() string          { return "127.0.0.1:5000" }
func (s *fakeSession) Context() context.Context    { return context.Background() }
func (s *fakeSession) IsAlive() bool               { return true }
func (s *fakeSession) messages() []voxa.ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]voxa.ServerMessage(nil), s.sent...)
}

func (s *fakeSession) Send(_ context.Context, msg voxa.ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

type fakeServer struct {
	mu         sync.Mutex
	broadcasts []voxa.ServerMessage
}

func (s *fakeServer) Name() string                 { return "test" }
func (s *fakeServer) Sessions() []voxa.Session     { return nil }
func (s *fakeServer) Store() voxa.MessageStore     { return nil }
func (s *fakeServer) SendTo(context.Context, string, voxa.ServerMessage) error { return nil }

func (s *fakeServer) Broadcast(_ context.Context, msg voxa.ServerMessage, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, msg)
	return nil
}

func encode(t *testing.T, msg voxa.ServerMessage) string {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestFunc(t *testing.T) {
	t.Parallel()

	var inits int
	p := FuncWithInit("counter",
		func(voxa.ServerContext) error { inits++; return nil },
		func(_ context.Context, env voxa.Envelope, _ voxa.Session, _ voxa.ServerContext) (bool, error) {
			return env.Kind == voxa.EnvelopeText, nil
		})

	if p.Name() != "counter" {
		t.Errorf("Name() = %q", p.Name())
	}
	if err := p.Init(&fakeServer{}); err != nil || inits != 1 {
		t.Fatalf("Init() = %v, inits = %d", err, inits)
	}
	if ok, _ := p.OnRequest(context.Background(), voxa.DecodeEnvelope([]byte("hi")), &fakeSession{}, nil); !ok {
		t.Error("text envelope should be consumed")
	}
	if ok, _ := p.OnRequest(context.Background(), voxa.DecodeEnvelope([]byte{0xff}), &fakeSession{}, nil); ok {
		t.Error("binary envelope should not be consumed")
	}

	if err := Func("nop", nil).Init(nil); err != nil {
		t.Errorf("Func without init hook: Init() = %v", err)
	}
	if ok, err := Func("nop", nil).OnRequest(context.Background(), voxa.Envelope{}, nil, nil); ok || err != nil {
		t.Errorf("Func without hook: OnRequest() = %v, %v", ok, err)
	}
}

func TestServe(t *testing.T) {
	t.Parallel()

	in := strings.NewReader(`{"op":"init","server":"s1"}` + "\n" + `not json` + "\n" + `{"op":"request","kind":"text","text":"x"}` + "\n")
	var out bytes.Buffer

	err := Serve(in, &out, func(c Call) Result {
		return Result{Consumed: c.Op == OpRequest && c.Text == "x"}
	})
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %q", len(lines), out.String())
	}
	want := []string{
		`{"consumed":false}`,
		"", // decode error, checked below
		`{"consumed":true}`,
	}
	for i, line := range lines {
		if i == 1 {
			if !strings.Contains(line, "decode call") {
				t.Errorf("line %d = %s, want decode error", i, line)
			}
			continue
		}
		if line != want[i] {
			t.Errorf("line %d = %s, want %s", i, line, want[i])
		}
	}
}

func TestProcessRoundTrip(t *testing.T) {
	t.Parallel()

	p := NewProcess("echo", helperCommand("echo"), discardLogger())
	defer p.Close(time.Second)

	srv := &fakeServer{}
	if err := p.Init(srv); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	tests := []struct {
		name          string
		payload       []byte
		wantConsumed  bool
		wantReply     string
		wantBroadcast string
		wantErr       bool
	}{
		{name: "reply", payload: []byte("ping"), wantConsumed: true, wantReply: `{"type":"pong","params":{"session":"session-1","user":"alice"}}`},
		{name: "broadcast", payload: []byte("shout"), wantConsumed: true, wantBroadcast: `{"type":"shout","params":"hey"}`},
		{name: "pass through", payload: []byte(`{"type":"send_message","params":{"channel_id":"c","contents":"x"}}`)},
		{name: "binary", payload: []byte{0xff, 0x00}},
		{name: "plugin error", payload: []byte("fail"), wantErr: true},
	}

	// Calls share one process, so they run in order.
	for _, tt := range tests {
		sess := &fakeSession{}
		srv.broadcasts = nil

		consumed, err := p.OnRequest(context.Background(), voxa.DecodeEnvelope(tt.payload), sess, srv)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: OnRequest() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if consumed != tt.wantConsumed {
			t.Errorf("%s: consumed = %v, want %v", tt.name, consumed, tt.wantConsumed)
		}

		sent := sess.messages()
		if tt.wantReply != "" {
			if len(sent) != 1 || encode(t, sent[0]) != tt.wantReply {
				t.Errorf("%s: replies = %v, want %s", tt.name, sent, tt.wantReply)
			}
		} else if len(sent) != 0 {
			t.Errorf("%s: unexpected replies %v", tt.name, sent)
		}
		if tt.wantBroadcast != "" {
			if len(srv.broadcasts) != 1 || encode(t, srv.broadcasts[0]) != tt.wantBroadcast {
				t.Errorf("%s: broadcasts = %v, want %s", tt.name, srv.broadcasts, tt.wantBroadcast)
			}
		}
	}
}

func TestProcessInitFailure(t *testing.T) {
	t.Parallel()

	p := NewProcess("grumpy", helperCommand("initfail"), discardLogger())
	defer p.Close(time.Second)

	err := p.Init(&fakeServer{})
	if err == nil || !strings.Contains(err.Error(), "refusing to start on test") {
		t.Errorf("Init() error = %v, want init refusal", err)
	}
}

func TestProcessTimeoutKillsChild(t *testing.T) {
	t.Parallel()

	p := NewProcess("slow", helperCommand("hang"), discardLogger())
	defer p.Close(time.Second)
	if err := p.Init(&fakeServer{}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	p.SetTimeout(100 * time.Millisecond)

	start := time.Now()
	_, err := p.OnRequest(context.Background(), voxa.DecodeEnvelope([]byte("x")), &fakeSession{}, &fakeServer{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("OnRequest() error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout was not applied")
	}

	_, err = p.OnRequest(context.Background(), voxa.DecodeEnvelope([]byte("x")), &fakeSession{}, &fakeServer{})
	if !errors.Is(err, ErrProcessExited) {
		t.Errorf("OnRequest() after kill = %v, want ErrProcessExited", err)
	}
}

func TestProcessNotStarted(t *testing.T) {
	t.Parallel()

	p := NewProcess("idle", helperCommand("echo"), discardLogger())
	_, err := p.OnRequest(context.Background(), voxa.Envelope{}, &fakeSession{}, &fakeServer{})
	if !errors.Is(err, ErrProcessExited) {
		t.Errorf("OnRequest() before Init = %v, want ErrProcessExited", err)
	}
	if err := p.Close(time.Second); err != nil {
		t.Errorf("Close() on unstarted process = %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}

	dir := filepath.Join(t.TempDir(), "plugins")

	// The directory is created on first use.
	loaded, err := LoadDir(dir, discardLogger())
	if err != nil {
		t.Fatalf("LoadDir() on missing dir error = %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("loaded %d plugins from an empty dir", len(loaded))
	}

	script := fmt.Sprintf("#!/bin/sh\nVOXA_PLUGIN_HELPER=1 VOXA_PLUGIN_MODE=echo exec %q -test.run='^TestHelperProcess$'\n", os.Args[0])
	files := map[string]struct {
		body string
		mode os.FileMode
	}{
		"echo.sh":    {body: script, mode: 0o755},
		"README.txt": {body: "not a plugin", mode: 0o644},
		"broken":     {body: "#!/nonexistent/interpreter\n", mode: 0o755},
		".hidden":    {body: script, mode: 0o755},
	}
	for name, f := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(f.body), f.mode); err != nil {
			t.Fatal(err)
		}
	}

	loaded, err = LoadDir(dir, discardLogger())
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d plugins, want 1", len(loaded))
	}
	p := loaded[0]
	defer p.Close(time.Second)

	if p.Name() != "echo" {
		t.Errorf("Name() = %q, want echo", p.Name())
	}
	if err := p.Init(&fakeServer{}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	sess := &fakeSession{}
	consumed, err := p.OnRequest(context.Background(), voxa.DecodeEnvelope([]byte("ping")), sess, &fakeServer{})
	if err != nil || !consumed || len(sess.messages()) != 1 {
		t.Errorf("OnRequest() = %v, %v, replies %d", consumed, err, len(sess.messages()))
	}
}
