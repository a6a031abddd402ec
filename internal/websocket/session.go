package websocket

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/voxa"
	"github.com/luciancaetano/voxa/internal/protocol"
)

// State is the lifecycle stage of a Session.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session errors.
var (
	ErrSessionClosed    = errors.New(voxa.ErrConnectionClosed)
	ErrSendBufferFull   = errors.New(voxa.ErrSendBufferFull)
	ErrRateLimited      = errors.New(voxa.ErrRateLimitExceeded)
	ErrInvalidIdentity  = errors.New(voxa.ErrInvalidIdentity)
	ErrMissingAuthToken = errors.New(voxa.ErrMissingAuthToken)
)

// closeGrace bounds how long shutdown waits for queued messages to flush.
const closeGrace = 2 * time.Second

type sessionConfig struct {
	conn         protocol.ConnConfig
	rateLimit    *RateLimitConfig
	pingInterval time.Duration
	bufferSize   int
	logger       *slog.Logger
}

// Session implements voxa.Session on top of a raw network connection.
//
// The read side (handshake, identity and ReadEnvelope) belongs to the
// goroutine serving the connection. Send may be called from anywhere.
//
// sendCh is never closed. Shutdown closes done instead, which releases
// blocked senders and tells the write pump to flush.
type Session struct {
	id         string
	netConn    net.Conn
	br         *bufio.Reader
	conn       *protocol.Conn
	remoteAddr string
	ctx        context.Context
	cancel     context.CancelFunc
	sendCh     chan []byte
	done       chan struct{}
	state      atomic.Int32

	rateLimiter  *rate.Limiter
	pingInterval time.Duration
	readTimeout  time.Duration

	mu          sync.RWMutex
	closed      bool
	pumping     bool
	userID      string
	logger      *slog.Logger
	closeCode   int
	closeReason string
	sendClose   bool
	pumpDone    chan struct{}
}

func newSession(nc net.Conn, cfg sessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.bufferSize <= 0 {
		cfg.bufferSize = DefaultSendBufferSize
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.New().String()
	remote := nc.RemoteAddr().String()
	br := bufio.NewReader(nc)

	s := &Session{
		id:           id,
		netConn:      nc,
		br:           br,
		conn:         protocol.NewConn(br, nc, cfg.conn),
		remoteAddr:   remote,
		ctx:          ctx,
		cancel:       cancel,
		sendCh:       make(chan []byte, cfg.bufferSize),
		done:         make(chan struct{}),
		logger:       logger.With("session_id", id, "remote_addr", remote),
		rateLimiter:  cfg.rateLimit.newLimiter(),
		pingInterval: cfg.pingInterval,
		readTimeout:  cfg.conn.ReadTimeout,
		pumpDone:     make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the per-connection token.
func (s *Session) ID() string {
	return s.id
}

// UserID returns the authenticated user, or "" before authentication.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// RemoteAddr returns the client's remote network address
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Context returns the session's lifecycle context
func (s *Session) Context() context.Context {
	return s.ctx
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsAlive returns true if the connection is still open
func (s *Session) IsAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Logger returns the session scoped logger.
func (s *Session) Logger() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) setUserID(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.logger = s.logger.With("user_id", userID)
	s.mu.Unlock()
}

// negotiate performs the opening handshake and starts the write pump.
func (s *Session) negotiate() error {
	s.setState(StateHandshaking)

	if s.readTimeout > 0 {
		s.netConn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	if _, err := protocol.Negotiate(s.br, s.netConn); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.pumping = true
	go s.writePump(s.logger)
	return nil
}

// readIdentity blocks for the client identity message.
func (s *Session) readIdentity() (voxa.ClientIdentity, error) {
	s.setState(StateAuthenticating)

	var ident voxa.ClientIdentity
	msg, err := s.conn.ReadMessage()
	if err != nil {
		return ident, err
	}
	if err := json.Unmarshal(msg.Payload, &ident); err != nil {
		return ident, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if ident.AuthToken == "" {
		return ident, ErrMissingAuthToken
	}
	return ident, nil
}

// ReadEnvelope reads the next reassembled message and classifies it.
// Exceeding the rate limit returns ErrRateLimited.
func (s *Session) ReadEnvelope() (voxa.Envelope, error) {
	msg, err := s.conn.ReadMessage()
	if err != nil {
		return voxa.Envelope{}, err
	}
	if s.rateLimiter != nil && !s.rateLimiter.Allow() {
		return voxa.Envelope{}, ErrRateLimited
	}
	return voxa.DecodeEnvelope(msg.Payload), nil
}

// Send encodes msg as JSON and queues it for the write pump. It blocks
// while the send buffer is full, until ctx is done or the session closes.
func (s *Session) Send(ctx context.Context, msg voxa.ServerMessage) error {
	return s.sendValue(ctx, msg)
}

// sendValue queues the JSON encoding of v.
func (s *Session) sendValue(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: %w", voxa.ErrFailedToEncode, err)
	}
	return s.enqueue(ctx, data)
}

// enqueue waits for room in the send buffer. mu is not held while waiting.
func (s *Session) enqueue(ctx context.Context, data []byte) error {
	if !s.IsAlive() {
		return ErrSessionClosed
	}

	select {
	case s.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case <-s.ctx.Done():
		return errors.New(voxa.ErrContextCancelled)
	}
}

// trySend queues data without blocking.
func (s *Session) trySend(data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.sendCh <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close closes the session with a normal closure.
func (s *Session) Close(ctx context.Context) error {
	return s.CloseWithCode(ctx, voxa.CloseNormalClosure, "")
}

// CloseWithCode flushes queued messages, sends a Close frame carrying code
// and reason, then closes the transport. Before the handshake has completed
// nothing is written.
func (s *Session) CloseWithCode(ctx context.Context, code int, reason string) error {
	return s.shutdown(ctx, code, reason, true)
}

// terminate closes the transport without writing a Close frame. Queued
// messages are dropped.
func (s *Session) terminate() error {
	return s.shutdown(context.Background(), 0, "", false)
}

func (s *Session) shutdown(ctx context.Context, code int, reason string, sendClose bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	s.sendClose = sendClose
	s.setState(StateClosing)
	if !sendClose {
		s.cancel()
	}
	pumping := s.pumping
	close(s.done)
	s.mu.Unlock()

	if pumping {
		timer := time.NewTimer(closeGrace)
		select {
		case <-s.pumpDone:
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}

	s.cancel()
	err := s.netConn.Close()
	s.setState(StateClosed)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// writePump pumps messages from the send channel to the connection
func (s *Session) writePump(logger *slog.Logger) {
	var tick <-chan time.Time
	if s.pingInterval > 0 {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer close(s.pumpDone)

	for {
		select {
		case data := <-s.sendCh:
			if !s.writeData(logger, data) {
				return
			}

		case <-s.done:
			s.flush(logger)
			return

		case <-tick:
			// Send ping to keep connection alive
			if s.conn.CloseSent() {
				continue
			}
			if err := s.conn.WritePing(nil); err != nil {
				s.abort()
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// flush writes what is still queued, then the Close frame when one was
// requested. Queued messages are dropped after terminate.
func (s *Session) flush(logger *slog.Logger) {
drain:
	for {
		select {
		case data := <-s.sendCh:
			if !s.writeData(logger, data) {
				return
			}
		default:
			break drain
		}
	}

	s.mu.RLock()
	code, reason, sendClose := s.closeCode, s.closeReason, s.sendClose
	s.mu.RUnlock()
	if sendClose && s.ctx.Err() == nil {
		s.conn.WriteClose(code, reason)
	}
}

// writeData writes one queued message and reports whether the pump should
// keep running. Nothing is written once the session is cancelled or a
// Close frame has gone out.
func (s *Session) writeData(logger *slog.Logger, data []byte) bool {
	if s.ctx.Err() != nil || s.conn.CloseSent() {
		return true
	}
	if err := s.conn.WriteText(data); err != nil {
		logger.Debug("write failed", "error", err)
		s.abort()
		return false
	}
	return true
}

// abort unblocks pending senders and the reader after a write failure.
func (s *Session) abort() {
	s.cancel()
	s.netConn.Close()
}
