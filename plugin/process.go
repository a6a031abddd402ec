package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/luciancaetano/voxa"
)

// DefaultCallTimeout bounds one round trip to a plugin process when the
// caller's context has no earlier deadline.
const DefaultCallTimeout = 5 * time.Second

// ErrProcessExited is returned once the plugin process is no longer usable.
var ErrProcessExited = errors.New("plugin process exited")

// Process is a plugin hosted in a child process. Calls are serialized; a
// call that fails or times out kills the child and every later call
// returns ErrProcessExited.
type Process struct {
	name    string
	cmd     *exec.Cmd
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	dead    bool
	stdin   io.WriteCloser
	lines   *bufio.Scanner
	enc     *json.Encoder
	waitErr chan error
	reaper  sync.Once
}

type outcome struct {
	res Result
	err error
}

// NewProcess wraps cmd, which is started by Start or Init. Its stdin and
// stdout must not be set; stderr is forwarded to the logger when unset.
func NewProcess(name string, cmd *exec.Cmd, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		name:    name,
		cmd:     cmd,
		timeout: DefaultCallTimeout,
		logger:  logger.With("plugin", name),
	}
}

// SetTimeout changes the per call timeout.
func (p *Process) SetTimeout(d time.Duration) {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

// Name implements voxa.Plugin.
func (p *Process) Name() string { return p.name }

// Start spawns the child process. Calling it again is a no-op.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked()
}

func (p *Process) startLocked() error {
	if p.started {
		return nil
	}

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if p.cmd.Stderr == nil {
		p.cmd.Stderr = &logWriter{logger: p.logger}
	}
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start plugin %q: %w", p.name, err)
	}

	p.started = true
	p.stdin = stdin
	p.enc = json.NewEncoder(stdin)
	p.lines = bufio.NewScanner(stdout)
	p.lines.Buffer(make([]byte, 64*1024), maxLineSize)
	p.waitErr = make(chan error, 1)

	p.logger.Info("plugin process started", "pid", p.cmd.Process.Pid)
	return nil
}

// Init implements voxa.Plugin. It starts the process if needed and
// performs the init exchange.
func (p *Process) Init(srv voxa.ServerContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.startLocked(); err != nil {
		return err
	}
	res, err := p.callLocked(context.Background(), Call{Op: OpInit, Server: srv.Name()})
	if err != nil {
		return err
	}
	if res.Error != "" {
		return errors.New(res.Error)
	}
	return nil
}

// OnRequest implements voxa.Plugin. Replies are sent to sess and
// broadcasts to every session before it returns.
func (p *Process) OnRequest(ctx context.Context, env voxa.Envelope, sess voxa.Session, srv voxa.ServerContext) (bool, error) {
	call := Call{
		Op:        OpRequest,
		SessionID: sess.ID(),
		UserID:    sess.UserID(),
		Kind:      env.Kind.String(),
		Text:      env.Text,
		Binary:    env.Binary,
	}

	p.mu.Lock()
	res, err := p.callLocked(ctx, call)
	p.mu.Unlock()
	if err != nil {
		return false, err
	}
	if res.Error != "" {
		return false, errors.New(res.Error)
	}

	for _, m := range res.Replies {
		if err := sess.Send(ctx, m.serverMessage()); err != nil {
			return res.Consumed, fmt.Errorf("reply: %w", err)
		}
	}
	for _, m := range res.Broadcasts {
		if err := srv.Broadcast(ctx, m.serverMessage(), ""); err != nil {
			return res.Consumed, fmt.Errorf("broadcast: %w", err)
		}
	}
	return res.Consumed, nil
}

// callLocked writes call and waits for the answer. p.mu must be held.
func (p *Process) callLocked(ctx context.Context, call Call) (Result, error) {
	if !p.started || p.dead {
		return Result{}, ErrProcessExited
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		var out outcome
		if err := p.enc.Encode(call); err != nil {
			out.err = err
		} else if !p.lines.Scan() {
			out.err = p.lines.Err()
			if out.err == nil {
				out.err = io.EOF
			}
		} else {
			out.err = json.Unmarshal(p.lines.Bytes(), &out.res)
		}
		done <- out
	}()

	select {
	case out := <-done:
		if out.err != nil {
			p.killLocked()
			return Result{}, fmt.Errorf("%w: %v", ErrProcessExited, out.err)
		}
		return out.res, nil
	case <-ctx.Done():
		p.killLocked()
		<-done
		return Result{}, fmt.Errorf("plugin %q: %w", p.name, ctx.Err())
	}
}

func (p *Process) killLocked() {
	if p.dead {
		return
	}
	p.dead = true
	p.stdin.Close()
	p.cmd.Process.Kill()
	p.reap()
	p.logger.Warn("plugin process killed")
}

// reap collects the exit status once stdout is no longer read.
func (p *Process) reap() {
	p.reaper.Do(func() {
		go func() { p.waitErr <- p.cmd.Wait() }()
	})
}

// Close closes the child's stdin and waits up to grace for it to exit
// before killing it.
func (p *Process) Close(grace time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	if !p.dead {
		p.dead = true
		p.stdin.Close()
	}
	p.reap()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-p.waitErr:
		p.waitErr <- err
		return nil
	case <-timer.C:
		p.cmd.Process.Kill()
		return fmt.Errorf("plugin %q did not exit within %s", p.name, grace)
	}
}

// logWriter forwards child stderr lines to a logger.
type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(b []byte) (int, error) {
	w.logger.Info("plugin stderr", "output", string(trimNewline(b)))
	return len(b), nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
