package ws

import (
	"github.com/luciancaetano/voxa"
	"github.com/luciancaetano/voxa/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnClientDisconnectFn
type ServerConfig = *websocket.ServerConfig

// Server is the concrete relay server returned by New. Besides voxa.Server
// it implements voxa.ServerContext.
type Server = *websocket.Server

// DefaultPingInterval is the keepalive interval NewConfig configures.
const DefaultPingInterval = websocket.DefaultPingInterval

// New creates a relay server from cfg.
//
// Example:
//
//	cfg := ws.NewConfig(":7080", ws.DefaultRateLimitConfig(), auth.Static(tokens), store.NewMemory())
//	cfg.OnConnect = func(sess voxa.Session) {
//	    log.Printf("Client connected: %s (%s)", sess.ID(), sess.UserID())
//	}
//	server := ws.New(cfg)
func New(cfg ServerConfig) Server {
	return websocket.New(cfg)
}

// NewConfig returns a configuration with the required collaborators set and
// keepalive pings every DefaultPingInterval.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, authenticator voxa.Authenticator, store voxa.MessageStore) ServerConfig {
	return &websocket.ServerConfig{
		Addr:            addr,
		RateLimitConfig: rateLimitConfig,
		Authenticator:   authenticator,
		Store:           store,
		PingInterval:    DefaultPingInterval,
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
