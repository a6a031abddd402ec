// Command voxa runs the chat relay server.
//
// Usage:
//
//	voxa [-config config.json]
//
// The configuration may also be passed inline through VX_CONFIG.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/voxa"
	"github.com/luciancaetano/voxa/auth"
	"github.com/luciancaetano/voxa/internal/admin"
	"github.com/luciancaetano/voxa/internal/config"
	"github.com/luciancaetano/voxa/internal/log"
	"github.com/luciancaetano/voxa/internal/websocket"
	"github.com/luciancaetano/voxa/plugin"
	"github.com/luciancaetano/voxa/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "voxa:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := log.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	authenticator, err := newAuthenticator(cfg)
	if err != nil {
		return err
	}

	server := websocket.New(&websocket.ServerConfig{
		Addr:          cfg.Addr,
		Name:          cfg.Name,
		Version:       cfg.Version,
		Authenticator: authenticator,
		Store:         st,
		RateLimitConfig: &websocket.RateLimitConfig{
			MessagesPerSecond: rate.Limit(cfg.RateLimit.MessagesPerSecond),
			Burst:             cfg.RateLimit.Burst,
			Enabled:           cfg.RateLimit.Enabled,
		},
		MaxMessageSize: cfg.MaxMessageSize,
		ReadTimeout:    cfg.ReadTimeout.Std(),
		WriteTimeout:   cfg.WriteTimeout.Std(),
		PingInterval:   cfg.PingInterval.Std(),
		Logger:         logger,
		OnConnect: func(sess voxa.Session) {
			logger.Info("client connected", "session_id", sess.ID(), "user_id", sess.UserID(), "remote_addr", sess.RemoteAddr())
		},
		OnClientDisconnect: func(sess voxa.Session, voluntary bool) {
			logger.Info("client disconnected", "session_id", sess.ID(), "user_id", sess.UserID(), "voluntary", voluntary)
		},
	})

	plugins, err := plugin.LoadDir(cfg.PluginDir, log.Component("plugins"))
	if err != nil {
		return err
	}
	defer func() {
		for _, p := range plugins {
			if err := p.Close(2 * time.Second); err != nil {
				logger.Warn("plugin did not stop cleanly", "plugin", p.Name(), "error", err)
			}
		}
	}()
	for _, p := range plugins {
		if err := server.RegisterPlugin(p); err != nil {
			return err
		}
	}

	if err := server.Start(context.Background()); err != nil {
		return err
	}

	var api *admin.Server
	if cfg.AdminAddr != "" {
		api = admin.New(server, log.Component("admin"))
		go func() {
			if err := api.Listen(cfg.AdminAddr); err != nil {
				logger.Error("admin api stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin api shutdown", "error", err)
		}
	}
	if err := server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Store) (voxa.MessageStore, func(), error) {
	switch cfg.Driver {
	case config.StoreRedis:
		key := cfg.RedisKey
		if key == "" {
			key = store.DefaultRedisKey
		}
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rs, err := store.DialRedis(dialCtx, cfg.RedisAddr, key)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		slog.Info("using redis message store", "addr", cfg.RedisAddr, "key", key)
		return rs, func() { rs.Close() }, nil
	default:
		slog.Info("using in-memory message store")
		return store.NewMemory(), func() {}, nil
	}
}

func newAuthenticator(cfg *config.Config) (voxa.Authenticator, error) {
	switch cfg.Auth.Mode {
	case config.AuthHTTP:
		return auth.NewHTTP(cfg.Auth.URL, cfg.ServerKey, nil), nil
	case config.AuthJWT:
		return auth.NewJWT(cfg.Auth.Secret), nil
	case config.AuthStatic:
		return auth.Static(cfg.Auth.Tokens), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}
