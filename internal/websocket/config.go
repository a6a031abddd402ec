package websocket

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/voxa"
)

// OnConnectFn is a callback function that is called when a client has been
// authenticated and inserted into the registry, right before its message
// loop starts.
//
// Note: This function is called synchronously on the connection goroutine.
// Avoid long-running operations that would delay the client's first message.
type OnConnectFn = func(sess voxa.Session)

// OnClientDisconnectFn is a callback type invoked when a registered session ends.
// voluntary is true when the peer closed the connection (Close frame or EOF),
// and false for protocol violations, internal errors and server-initiated
// disconnects.
type OnClientDisconnectFn = func(sess voxa.Session, voluntary bool)

// DefaultPingInterval is the keepalive interval used by the config helpers.
const DefaultPingInterval = 54 * time.Second

// DefaultSendBufferSize is the number of outgoing messages queued per session.
const DefaultSendBufferSize = 256

// ServerConfig holds everything a Server needs.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string

	Authenticator voxa.Authenticator
	Store         voxa.MessageStore

	RateLimitConfig *RateLimitConfig

	// MaxMessageSize bounds a reassembled message. Zero means 10MB.
	MaxMessageSize int64
	// ReadTimeout and WriteTimeout are optional per-connection deadlines.
	// Zero disables them.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// PingInterval enables keepalive pings when positive.
	PingInterval time.Duration
	// SendBufferSize is the per-session outgoing queue length. Zero means 256.
	SendBufferSize int

	Logger *slog.Logger

	OnConnect          OnConnectFn
	OnClientDisconnect OnClientDisconnectFn
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// newLimiter returns nil when rate limiting is disabled.
func (c *RateLimitConfig) newLimiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}
