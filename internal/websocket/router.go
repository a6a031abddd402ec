package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/luciancaetano/voxa"
)

// Router applies the core semantics of structured requests.
type Router struct {
	store    voxa.MessageStore
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewRouter creates a Router persisting through store and broadcasting
// through registry.
func NewRouter(store voxa.MessageStore, registry *Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:    store,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch handles one envelope that no plugin consumed.
//
// A *voxa.RequestError is reported to the sender only; any other error is
// an internal failure.
func (r *Router) Dispatch(ctx context.Context, env voxa.Envelope, sess voxa.Session) error {
	switch env.Kind {
	case voxa.EnvelopeRequest:
	case voxa.EnvelopeText:
		r.logger.Info("ignoring unrecognised text message", "session_id", sess.ID(), "length", len(env.Text))
		return nil
	case voxa.EnvelopeBinary:
		r.logger.Info("ignoring binary message", "session_id", sess.ID(), "length", len(env.Binary))
		return nil
	}

	switch req := env.Request.(type) {
	case *voxa.SendMessage:
		return r.sendMessage(ctx, req, sess)
	case *voxa.EditMessage:
		// Editing does not touch storage yet.
		r.logger.Info("edit message requested",
			"session_id", sess.ID(), "channel_id", req.ChannelID, "message_id", req.MessageID)
		return nil
	case *voxa.DeleteMessage:
		// Deleting does not touch storage yet.
		r.logger.Info("delete message requested",
			"session_id", sess.ID(), "channel_id", req.ChannelID, "message_id", req.MessageID)
		return nil
	default:
		r.logger.Warn("unhandled request type", "session_id", sess.ID(), "type", fmt.Sprintf("%T", req))
		return nil
	}
}

func (r *Router) sendMessage(ctx context.Context, req *voxa.SendMessage, sess voxa.Session) error {
	if req.Contents == "" {
		return &voxa.RequestError{Kind: voxa.KindInvalidRequest, Message: voxa.ErrEmptyMessage}
	}

	rec, err := r.store.Insert(ctx, req.ChannelID, sess.UserID(), req.Contents, r.now())
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	n, err := r.registry.Broadcast(voxa.NewMessageCreate(rec), "")
	if err != nil {
		return err
	}
	r.logger.Debug("message broadcast",
		"session_id", sess.ID(), "channel_id", rec.ChannelID, "message_id", rec.ID, "recipients", n)
	return nil
}
