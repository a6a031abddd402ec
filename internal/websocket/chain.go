package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/luciancaetano/voxa"
)

// Chain is the ordered list of plugins consulted before the Router.
type Chain struct {
	mu      sync.RWMutex
	plugins []voxa.Plugin
	logger  *slog.Logger
}

// NewChain creates an empty chain.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Register appends p. Plugin names must be unique.
func (c *Chain) Register(p voxa.Plugin) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin %q already registered", p.Name())
		}
	}
	c.plugins = append(c.plugins, p)
	return nil
}

// Init initialises every registered plugin in order and stops at the first failure.
func (c *Chain) Init(srv voxa.ServerContext) error {
	for _, p := range c.Plugins() {
		if err := p.Init(srv); err != nil {
			return fmt.Errorf("init plugin %q: %w", p.Name(), err)
		}
		c.logger.Info("plugin initialised", "plugin", p.Name())
	}
	return nil
}

// Handle offers env to each plugin in registration order. It returns true
// as soon as one consumes it. A plugin error stops the chain and is
// returned wrapped with the plugin name.
//
// No lock is held while plugins run.
func (c *Chain) Handle(ctx context.Context, env voxa.Envelope, sess voxa.Session, srv voxa.ServerContext) (bool, error) {
	for _, p := range c.Plugins() {
		consumed, err := p.OnRequest(ctx, env, sess, srv)
		if err != nil {
			return false, fmt.Errorf("plugin %q: %w", p.Name(), err)
		}
		if consumed {
			c.logger.Debug("envelope consumed by plugin", "plugin", p.Name(), "kind", env.Kind.String())
			return true, nil
		}
	}
	return false, nil
}

// Plugins returns a copy of the registered plugins in order.
func (c *Chain) Plugins() []voxa.Plugin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]voxa.Plugin, len(c.plugins))
	copy(out, c.plugins)
	return out
}

// Len returns the number of registered plugins.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.plugins)
}
