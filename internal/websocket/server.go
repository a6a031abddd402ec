package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/luciancaetano/voxa"
	"github.com/luciancaetano/voxa/internal/protocol"
)

// authTimeout bounds a single call to the Authenticator.
const authTimeout = 10 * time.Second

// Server implements voxa.Server and voxa.ServerContext.
type Server struct {
	addr     string
	name     string
	version  string
	auth     voxa.Authenticator
	store    voxa.MessageStore
	registry *Registry
	chain    *Chain
	router   *Router
	logger   *slog.Logger

	sessCfg      sessionConfig
	onConnect    OnConnectFn
	onDisconnect OnClientDisconnectFn

	conns sync.Map // map[string]*Session, every accepted connection
	wg    sync.WaitGroup

	mu        sync.RWMutex
	running   bool
	listener  net.Listener
	startedAt time.Time
}

// New creates a server from cfg. A nil RateLimitConfig means
// DefaultRateLimitConfig().
//
// Example:
//
//	server := New(&ServerConfig{
//	    Addr:          ":7080",
//	    Authenticator: auth.Static(map[string]string{"token": "alice"}),
//	    Store:         store.NewMemory(),
//	    OnConnect: func(sess voxa.Session) {
//	        log.Info("client connected", "user_id", sess.UserID())
//	    },
//	})
func New(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.Name == "" {
		cfg.Name = "voxa"
	}
	if cfg.Version == "" {
		cfg.Version = voxa.ProtocolVersion
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry(logger.With("component", "registry"))
	return &Server{
		addr:     cfg.Addr,
		name:     cfg.Name,
		version:  cfg.Version,
		auth:     cfg.Authenticator,
		store:    cfg.Store,
		registry: registry,
		chain:    NewChain(logger.With("component", "plugins")),
		router:   NewRouter(cfg.Store, registry, logger.With("component", "router")),
		logger:   logger.With("component", "server"),
		sessCfg: sessionConfig{
			conn: protocol.ConnConfig{
				MaxMessageSize: cfg.MaxMessageSize,
				ReadTimeout:    cfg.ReadTimeout,
				WriteTimeout:   cfg.WriteTimeout,
			},
			rateLimit:    cfg.RateLimitConfig,
			pingInterval: cfg.PingInterval,
			bufferSize:   cfg.SendBufferSize,
			logger:       logger.With("component", "session"),
		},
		onConnect:    cfg.OnConnect,
		onDisconnect: cfg.OnClientDisconnect,
	}
}

// Start binds the listener, initialises registered plugins and accepts
// connections in the background until Stop is called or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.auth == nil {
		return errors.New("server requires an authenticator")
	}
	if s.store == nil {
		return errors.New("server requires a message store")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New(voxa.ErrServerAlreadyRunning)
	}
	s.running = true
	s.mu.Unlock()

	if err := s.chain.Init(s); err != nil {
		s.setStopped()
		return err
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.setStopped()
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("listening", "addr", ln.Addr().String(), "name", s.name, "plugins", s.chain.Len())

	s.wg.Add(1)
	go s.acceptLoop(ln)

	context.AfterFunc(ctx, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(stopCtx)
	})
	return nil
}

func (s *Server) setStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Stop closes the listener and every open session, then waits for the
// connection goroutines to finish or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ln := s.listener
	s.listener = nil
	s.startedAt = time.Time{}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	// Close all client connections
	var closers sync.WaitGroup
	s.conns.Range(func(_, value any) bool {
		if sess, ok := value.(*Session); ok {
			closers.Add(1)
			go func() {
				defer closers.Done()
				sess.CloseWithCode(ctx, voxa.CloseGoingAway, "server shutting down")
			}()
		}
		return true
	})
	closers.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("stopped")
	return err
}

// RegisterPlugin appends p to the chain. When the server is already
// running p is initialised first.
func (s *Server) RegisterPlugin(p voxa.Plugin) error {
	s.mu.RLock()
	running := s.running && s.listener != nil
	s.mu.RUnlock()

	if running {
		if err := p.Init(s); err != nil {
			return err
		}
	}
	return s.chain.Register(p)
}

// Addr returns the bound address, or the configured one when not listening.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Name returns the configured server name.
func (s *Server) Name() string {
	return s.name
}

// Version returns the version announced to clients.
func (s *Server) Version() string {
	return s.version
}

// StartedAt returns the time the listener was bound, or the zero time when
// the server is not running.
func (s *Server) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Broadcast queues msg on every registered session except exclude.
func (s *Server) Broadcast(_ context.Context, msg voxa.ServerMessage, exclude string) error {
	_, err := s.registry.Broadcast(msg, exclude)
	return err
}

// SendTo delivers msg to one registered session.
func (s *Server) SendTo(ctx context.Context, sessionID string, msg voxa.ServerMessage) error {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return errors.New(voxa.ErrClientNotFound + ": " + sessionID)
	}
	return sess.Send(ctx, msg)
}

// Sessions returns a snapshot of the registered sessions.
func (s *Server) Sessions() []voxa.Session {
	members := s.registry.Snapshot()
	out := make([]voxa.Session, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

// Store returns the message store.
func (s *Server) Store() voxa.MessageStore {
	return s.store
}

// PluginNames lists the registered plugins in chain order.
func (s *Server) PluginNames() []string {
	plugins := s.chain.Plugins()
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name()
	}
	return names
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if max := time.Second; backoff > max {
				backoff = max
			}
			s.logger.Warn("accept failed", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go s.handleConn(nc)
	}
}

// handleConn drives one connection through its whole lifecycle.
func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()

	sess := newSession(nc, s.sessCfg)
	s.conns.Store(sess.ID(), sess)
	defer s.conns.Delete(sess.ID())

	if err := sess.negotiate(); err != nil {
		sess.Logger().Debug("handshake failed", "error", err)
		sess.terminate()
		return
	}

	if err := sess.sendValue(sess.Context(), voxa.ServerIdentity{Name: s.name, Version: s.version}); err != nil {
		sess.terminate()
		return
	}

	ident, err := sess.readIdentity()
	if err != nil {
		sess.Logger().Debug("identity failed", "error", err)
		s.closeFor(sess, err)
		return
	}

	userID, err := s.authenticate(sess, ident.AuthToken)
	if err != nil && !errors.Is(err, voxa.ErrUnauthorized) {
		s.internalError(sess, fmt.Errorf("authenticate: %w", err))
		return
	}
	if err != nil {
		sess.Logger().Info("authentication failed", "error", err)
		s.deliver(sess, voxa.NewError(voxa.KindUnauthorized, voxa.ErrAuthFailed))
		sess.CloseWithCode(context.Background(), voxa.ClosePolicyViolation, voxa.ErrAuthFailed)
		return
	}
	sess.setUserID(userID)

	sess.setState(StateActive)
	s.registry.Insert(sess)

	voluntary := false
	defer func() {
		s.registry.Remove(sess.ID())
		if s.onDisconnect != nil {
			s.onDisconnect(sess, voluntary)
		}
		sess.Logger().Info("client disconnected", "voluntary", voluntary)
	}()

	var backlog []voxa.Record
	if ident.LastMessageID != nil {
		backlog, err = s.store.FetchAfter(sess.Context(), *ident.LastMessageID)
		if err != nil {
			s.internalError(sess, err)
			return
		}
	}
	if err := sess.Send(sess.Context(), voxa.NewAuthenticated(userID, backlog)); err != nil {
		sess.terminate()
		return
	}

	sess.Logger().Info("client authenticated", "backlog", len(backlog))
	if s.onConnect != nil {
		s.onConnect(sess)
	}

	for {
		env, err := sess.ReadEnvelope()
		if err != nil {
			voluntary = s.closeFor(sess, err)
			return
		}

		if err := s.process(sess.Context(), env, sess); err != nil {
			var reqErr *voxa.RequestError
			if errors.As(err, &reqErr) {
				s.deliver(sess, voxa.NewError(reqErr.Kind, reqErr.Message))
				continue
			}
			s.internalError(sess, err)
			return
		}
	}
}

// process offers env to the plugin chain and then to the router.
func (s *Server) process(ctx context.Context, env voxa.Envelope, sess *Session) error {
	consumed, err := s.chain.Handle(ctx, env, sess, s)
	if err != nil || consumed {
		return err
	}
	return s.router.Dispatch(ctx, env, sess)
}

func (s *Server) authenticate(sess *Session, token string) (string, error) {
	ctx, cancel := context.WithTimeout(sess.Context(), authTimeout)
	defer cancel()
	userID, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", voxa.ErrUnauthorized
	}
	return userID, nil
}

// deliver queues msg for the sender, giving up after a short wait.
func (s *Server) deliver(sess *Session, msg voxa.ServerMessage) {
	ctx, cancel := context.WithTimeout(sess.Context(), time.Second)
	defer cancel()
	if err := sess.Send(ctx, msg); err != nil {
		sess.Logger().Debug("failed to deliver message", "type", msg.Type, "error", err)
	}
}

// internalError removes sess from the registry, then makes a best-effort
// attempt to report the failure before closing with 1011.
func (s *Server) internalError(sess *Session, err error) {
	sess.Logger().Error("internal error", "error", err)
	s.registry.Remove(sess.ID())
	s.deliver(sess, voxa.NewError(voxa.KindInternalError, voxa.ErrInternalFailure))
	sess.CloseWithCode(context.Background(), voxa.CloseInternalError, voxa.ErrInternalFailure)
}

// closeFor tears sess down after a read error and reports whether the peer
// ended the connection itself.
func (s *Server) closeFor(sess *Session, err error) bool {
	s.registry.Remove(sess.ID())

	var (
		closeErr *protocol.CloseError
		protoErr *protocol.ProtocolError
	)
	switch {
	case errors.As(err, &closeErr):
		sess.terminate()
		return true
	case errors.Is(err, io.EOF):
		sess.terminate()
		return true
	case errors.As(err, &protoErr):
		sess.Logger().Warn("protocol violation", "code", protoErr.Code, "error", protoErr.Err)
		sess.terminate()
	case errors.Is(err, ErrRateLimited):
		sess.Logger().Warn("rate limit exceeded")
		sess.CloseWithCode(context.Background(), voxa.ClosePolicyViolation, voxa.ErrRateLimitExceeded)
	case errors.Is(err, ErrInvalidIdentity), errors.Is(err, ErrMissingAuthToken):
		s.deliver(sess, voxa.NewError(voxa.KindUnauthorized, err.Error()))
		sess.CloseWithCode(context.Background(), voxa.ClosePolicyViolation, voxa.ErrInvalidIdentity)
	default:
		sess.Logger().Debug("connection lost", "error", err)
		sess.terminate()
	}
	return false
}
