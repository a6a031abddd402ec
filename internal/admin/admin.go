// Package admin serves a small read-mostly HTTP API describing a running
// voxa server.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/luciancaetano/voxa"
)

// Stats is the part of the relay server the API reports on.
// *websocket.Server satisfies it.
type Stats interface {
	Name() string
	Version() string
	Addr() string
	StartedAt() time.Time
	Sessions() []voxa.Session
	PluginNames() []string
	Broadcast(ctx context.Context, msg voxa.ServerMessage, exclude string) error
}

// Status is returned by GET /api/status.
type Status struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Addr     string   `json:"addr"`
	Running  bool     `json:"running"`
	Uptime   string   `json:"uptime"`
	Sessions int      `json:"sessions"`
	Plugins  []string `json:"plugins"`
}

// SessionInfo is one entry of GET /api/sessions.
type SessionInfo struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	RemoteAddr string `json:"remote_addr"`
}

// BroadcastRequest is the body of POST /api/broadcast.
type BroadcastRequest struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// Server is the admin API.
type Server struct {
	app    *fiber.App
	stats  Stats
	logger *slog.Logger
	now    func() time.Time
}

// New builds the API around stats.
func New(stats Stats, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{stats: stats, logger: logger, now: time.Now}

	app := fiber.New(fiber.Config{
		AppName:               "voxa admin",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/sessions", s.handleSessions)
	api.Post("/broadcast", s.handleBroadcast)

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves the API on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.logger.Info("admin api listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	started := s.stats.StartedAt()
	st := Status{
		Name:     s.stats.Name(),
		Version:  s.stats.Version(),
		Addr:     s.stats.Addr(),
		Running:  !started.IsZero(),
		Sessions: len(s.stats.Sessions()),
		Plugins:  s.stats.PluginNames(),
	}
	if st.Running {
		st.Uptime = s.now().Sub(started).Truncate(time.Second).String()
	}
	if st.Plugins == nil {
		st.Plugins = []string{}
	}
	return c.JSON(st)
}

func (s *Server) handleSessions(c *fiber.Ctx) error {
	sessions := s.stats.Sessions()
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, SessionInfo{
			ID:         sess.ID(),
			UserID:     sess.UserID(),
			RemoteAddr: sess.RemoteAddr(),
		})
	}
	return c.JSON(out)
}

func (s *Server) handleBroadcast(c *fiber.Ctx) error {
	var req BroadcastRequest
	if err := c.BodyParser(&req); err != nil || req.Type == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "body must be {\"type\": ..., \"params\": ...}",
		})
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}
	msg := voxa.ServerMessage{Type: req.Type, Params: params}
	if err := s.stats.Broadcast(c.UserContext(), msg, ""); err != nil {
		s.logger.Error("admin broadcast failed", "type", req.Type, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	s.logger.Info("admin broadcast", "type", req.Type)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"delivered_to": len(s.stats.Sessions()),
	})
}
