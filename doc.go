// Package voxa provides a WebSocket chat relay server.
//
// Clients connect over plain TCP and upgrade with an RFC 6455 handshake
// implemented by the server itself. After the handshake the server sends its
// identity, the client answers with an auth token, and once authenticated the
// session joins the registry and exchanges JSON messages tagged with a "type"
// field and a "params" payload.
//
// # Architecture
//
// Incoming bytes flow through the following stages:
//
//	frame codec -> handshake (once) -> session -> plugin chain -> router -> store / registry
//
// The frame codec and handshake live in internal/protocol. Sessions, the
// registry, the plugin chain and the router live in internal/websocket and
// are assembled by the ws package.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/voxa/auth"
//	    "github.com/luciancaetano/voxa/plugin"
//	    "github.com/luciancaetano/voxa/store"
//	    "github.com/luciancaetano/voxa/ws"
//	)
//
//	cfg := ws.NewConfig(":7080", ws.DefaultRateLimitConfig(), auth.Static{"secret": "alice"}, store.NewMemory())
//	server := ws.New(cfg)
//
//	// Plugins see every envelope before the core handlers.
//	server.RegisterPlugin(plugin.Func("ping", func(ctx context.Context, env voxa.Envelope, sess voxa.Session, srv voxa.ServerContext) (bool, error) {
//	    if env.Kind != voxa.EnvelopeText || env.Text != "ping" {
//	        return false, nil
//	    }
//	    return true, sess.Send(ctx, voxa.ServerMessage{Type: "pong"})
//	}))
//
//	server.Start(ctx)
//
// # Messages
//
// Clients send send_message, edit_message and delete_message requests. The
// server answers with authenticated, message_create, message_update,
// message_delete and error messages. A send_message is persisted through the
// MessageStore and its record is broadcast to every registered session,
// sender included. Empty contents are rejected with an invalid_request error
// and the connection stays open.
//
// Payloads that are not a known request are delivered to plugins as raw text
// or, when not valid UTF-8, as binary.
//
// # Rate Limiting
//
// Each session has an independent token bucket:
//
//	// Default: 100 messages/second, burst 200
//	rateLimitConfig := ws.DefaultRateLimitConfig()
//
//	// Custom: 50 messages/second, burst 100
//	rateLimitConfig := &ws.RateLimitConfig{
//	    MessagesPerSecond: 50,
//	    Burst:             100,
//	    Enabled:           true,
//	}
//
//	// Disabled
//	rateLimitConfig := ws.NoRateLimit()
//
// When the rate limit is exceeded, the client receives close code 1008 (Policy Violation).
//
// # Close Codes
//
//   - 1000: the client closed normally (its code and reason are echoed)
//   - 1001: server shutdown, or the session fell behind a broadcast
//   - 1002: protocol violation (unmasked frame, bad control frame, bad opcode)
//   - 1008: authentication failure or rate limit exceeded
//   - 1009: message larger than the configured maximum (10MB by default)
//   - 1011: internal error in the store or a plugin
//
// # Important
//
//   - Sessions are identified by a random token, never by their address
//   - Messages from one connection are handled in order; there is no global order
//   - A slow session never blocks a broadcast; it is disconnected instead
package voxa
