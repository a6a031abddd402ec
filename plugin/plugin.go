// Package plugin provides voxa.Plugin implementations.
//
// Func adapts an in-process function. Process proxies the hook to a child
// process speaking newline delimited JSON on its standard streams; Serve
// implements the child side. LoadDir starts every executable of a
// directory as a Process.
package plugin

import (
	"context"

	"github.com/luciancaetano/voxa"
)

// RequestFunc is the signature of an in-process hook.
type RequestFunc func(ctx context.Context, env voxa.Envelope, sess voxa.Session, srv voxa.ServerContext) (bool, error)

type funcPlugin struct {
	name string
	init func(srv voxa.ServerContext) error
	fn   RequestFunc
}

// Func returns a plugin named name that calls fn for every envelope.
func Func(name string, fn RequestFunc) voxa.Plugin {
	return &funcPlugin{name: name, fn: fn}
}

// FuncWithInit is like Func with an initialisation hook.
func FuncWithInit(name string, init func(srv voxa.ServerContext) error, fn RequestFunc) voxa.Plugin {
	return &funcPlugin{name: name, init: init, fn: fn}
}

func (p *funcPlugin) Name() string { return p.name }

func (p *funcPlugin) Init(srv voxa.ServerContext) error {
	if p.init == nil {
		return nil
	}
	return p.init(srv)
}

func (p *funcPlugin) OnRequest(ctx context.Context, env voxa.Envelope, sess voxa.Session, srv voxa.ServerContext) (bool, error) {
	if p.fn == nil {
		return false, nil
	}
	return p.fn(ctx, env, sess, srv)
}
