package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/luciancaetano/voxa"
)

// Registry is the set of authenticated sessions eligible for broadcast,
// keyed by session ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Insert adds sess, replacing any member with the same ID.
func (r *Registry) Insert(sess *Session) {
	r.mu.Lock()
	r.sessions[sess.ID()] = sess
	r.mu.Unlock()
}

// Remove deletes the member with the given ID and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get returns the member with the given ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Len returns the number of members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the current members in no particular order.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Broadcast queues msg on every member except exclude and returns the
// number of members it was queued for.
//
// Enqueueing never blocks. A member whose buffer is full or that is already
// closed is removed from the registry and closed in the background; the
// remaining members are unaffected.
func (r *Registry) Broadcast(msg voxa.ServerMessage, exclude string) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", voxa.ErrFailedToEncode, err)
	}

	var (
		delivered int
		failed    []*Session
	)

	r.mu.RLock()
	for id, sess := range r.sessions {
		if id == exclude {
			continue
		}
		if err := sess.trySend(data); err != nil {
			failed = append(failed, sess)
			continue
		}
		delivered++
	}
	r.mu.RUnlock()

	for _, sess := range failed {
		if !r.Remove(sess.ID()) {
			continue
		}
		r.logger.Warn("evicting session after failed broadcast",
			"session_id", sess.ID(), "user_id", sess.UserID(), "type", msg.Type)
		go sess.CloseWithCode(context.Background(), voxa.CloseGoingAway, voxa.ErrSendBufferFull)
	}
	return delivered, nil
}
