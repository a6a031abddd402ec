package voxa

import (
	"context"
	"time"
)

// Server defines the lifecycle of a chat relay server.
//
// Clients connect over plain TCP, upgrade to the WebSocket framing protocol,
// authenticate with a token and then exchange JSON messages which are
// persisted through a MessageStore and rebroadcast to every authenticated
// session.
//
// Example usage:
//
//	import "github.com/luciancaetano/voxa/ws"
//
//	cfg := ws.NewConfig(":7080", ws.DefaultRateLimitConfig(), auth.Static(tokens), store.NewMemory())
//	server := ws.New(cfg)
//	server.RegisterPlugin(plugin.Func("echo", onRequest))
//
//	server.Start(ctx)
type Server interface {
	// Start binds the listener and begins accepting connections in the background.
	//
	// Returns an error if the server is already running, if a plugin fails to
	// initialise or if there's a problem binding to the network address.
	Start(ctx context.Context) error

	// Stop closes the listener and every open session.
	Stop(ctx context.Context) error

	// RegisterPlugin appends a plugin to the hook chain. Plugins are consulted
	// in registration order before the core request handlers.
	//
	// Plugins registered after Start are initialised immediately.
	RegisterPlugin(p Plugin) error

	// Addr returns the bound listener address, or the configured address
	// when the server is not running.
	Addr() string
}

// ServerContext is the view of the running server handed to plugins and
// request handlers.
type ServerContext interface {
	// Name returns the configured server name.
	Name() string

	// Broadcast sends msg to every registered session except the one whose
	// ID equals exclude. An empty exclude delivers to all sessions.
	//
	// A failed delivery removes the failing session from the registry but
	// never aborts delivery to the remaining sessions.
	Broadcast(ctx context.Context, msg ServerMessage, exclude string) error

	// SendTo delivers msg to a single registered session.
	SendTo(ctx context.Context, sessionID string, msg ServerMessage) error

	// Sessions returns a snapshot of the registered sessions.
	Sessions() []Session

	// Store returns the message store used by the server.
	Store() MessageStore
}

// Session represents one connected client.
//
// The identifier is a random token generated when the connection is
// accepted. It remains constant for the lifetime of the connection and is
// the only thing used to compare sessions.
type Session interface {
	// ID returns the per-connection token.
	ID() string

	// UserID returns the authenticated user identifier, or an empty string
	// before authentication completes.
	UserID() string

	// RemoteAddr returns the client's remote network address.
	RemoteAddr() string

	// Context is cancelled when the connection closes.
	Context() context.Context

	// Send encodes msg as JSON and queues it for delivery as a text frame.
	// It is safe to call from any goroutine.
	//
	// Returns an error if the connection is closed or its send buffer is full.
	Send(ctx context.Context, msg ServerMessage) error

	// IsAlive returns true while the connection is open.
	IsAlive() bool
}

// Plugin intercepts decoded envelopes before the core handlers see them.
type Plugin interface {
	// Name identifies the plugin in logs.
	Name() string

	// Init is called once before the plugin receives any request.
	Init(srv ServerContext) error

	// OnRequest returns true when the plugin consumed the envelope, in which
	// case no further plugin and no core handler is invoked for it.
	//
	// Implementations must not block other sessions' delivery: any network
	// call made here needs to be bounded by ctx.
	OnRequest(ctx context.Context, env Envelope, sess Session, srv ServerContext) (bool, error)
}

// Authenticator validates a bearer token and returns a stable user id.
// It is invoked exactly once per connection.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, token string) (string, error)

// Authenticate calls f(ctx, token).
func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// MessageStore persists chat messages.
type MessageStore interface {
	// Insert stores a new message and returns the persisted record with its
	// assigned id.
	Insert(ctx context.Context, channelID, author, contents string, at time.Time) (Record, error)

	// FetchAfter returns every record whose id is greater than id, ordered
	// by ascending id.
	FetchAfter(ctx context.Context, id int64) ([]Record, error)
}
