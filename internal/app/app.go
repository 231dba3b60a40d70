// ABOUTME: Composition root wiring config, store, vault, provider registry, bridge and control API
// ABOUTME: Owns startup, autostart, provider sync and graceful shutdown ordering

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-bridge/internal/api"
	"github.com/2389/coven-bridge/internal/auth"
	"github.com/2389/coven-bridge/internal/bridge"
	"github.com/2389/coven-bridge/internal/config"
	"github.com/2389/coven-bridge/internal/process"
	"github.com/2389/coven-bridge/internal/provider"
	"github.com/2389/coven-bridge/internal/store"
	"github.com/2389/coven-bridge/internal/vault"
)

// App is a running coven-bridge instance.
type App struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	registry *provider.Registry
	bridge   *bridge.Bridge
	server   *api.Server

	// alive is the liveness token handed to the bridge; it goes false once
	// shutdown begins.
	alive atomic.Bool
	syncs sync.WaitGroup
	subs  []*bridge.Subscription

	logger *slog.Logger
}

// Option customizes New.
type Option func(*options)

type options struct {
	launcher bridge.Launcher
}

// WithLauncher replaces the launcher derived from the gateway config.
func WithLauncher(l bridge.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// New opens storage and builds every component. Nothing is started.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger.With("component", "app")}
	a.alive.Store(true)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.store = s

	v, err := vault.Open(ctx, s, cfg.Vault.Passphrase, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("opening vault: %w", err)
	}
	a.registry = provider.NewRegistry(s, v, logger)

	launcher := o.launcher
	if launcher == nil {
		launcher = newLauncher(cfg.Gateway, logger)
	}
	b, err := bridge.New(bridge.Options{
		Launcher:        launcher,
		StartupTimeout:  cfg.Gateway.StartupTimeout,
		StopGracePeriod: cfg.Gateway.StopGracePeriod,
		RPCTimeout:      cfg.Gateway.RPCTimeout,
		HealthTimeout:   cfg.Gateway.HealthTimeout,
		Env:             a.providerEnv,
		Liveness:        a.alive.Load,
		Logger:          logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	a.bridge = b

	if err := a.watchGateway(); err != nil {
		_ = s.Close()
		return nil, err
	}

	var verifier auth.TokenVerifier
	if cfg.API.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.API.JWTSecret))
	} else {
		a.logger.Warn("api.jwt_secret not set, control API is unauthenticated")
	}

	a.server = api.NewServer(api.Options{
		Gateway:          b,
		Providers:        a.registry,
		Verifier:         verifier,
		AllowedOrigins:   cfg.API.AllowedOrigins,
		MetricsEnabled:   cfg.Metrics.Enabled,
		MetricsPath:      cfg.Metrics.Path,
		ProvidersChanged: a.providersChanged,
		Logger:           logger,
	})
	return a, nil
}

func newLauncher(g config.GatewayConfig, logger *slog.Logger) bridge.Launcher {
	if g.Transport == config.TransportWebSocket {
		return &process.WebSocketLauncher{
			Command: g.Command,
			Args:    g.Args,
			Dir:     g.WorkDir,
			Env:     g.EnvList(),
			Host:    g.Host,
			Port:    g.Port,
			Token:   g.Token,
			Logger:  logger,
		}
	}
	return &process.ExecLauncher{
		Command: g.Command,
		Args:    g.Args,
		Dir:     g.WorkDir,
		Env:     g.EnvList(),
		Logger:  logger,
	}
}

// watchGateway logs crashes and gateway-reported errors.
func (a *App) watchGateway() error {
	exitSub, err := a.bridge.Subscribe(bridge.EventExit, func(ev bridge.Event) error {
		var info bridge.ExitInfo
		if err := ev.Decode(&info); err != nil {
			return err
		}
		if info.Crashed {
			a.logger.Error("gateway crashed", "pid", info.PID, "code", info.Code, "error", info.Error)
		} else {
			a.logger.Info("gateway exited", "pid", info.PID, "code", info.Code)
		}
		return nil
	})
	if err != nil {
		return err
	}
	errSub, err := a.bridge.Subscribe(bridge.EventError, func(ev bridge.Event) error {
		var info bridge.ErrorInfo
		if err := ev.Decode(&info); err != nil {
			return err
		}
		a.logger.Warn("gateway error", "kind", info.Kind, "message", info.Message)
		return nil
	})
	if err != nil {
		exitSub.Unsubscribe()
		return err
	}
	a.subs = append(a.subs, exitSub, errSub)
	return nil
}

// Bridge returns the gateway bridge.
func (a *App) Bridge() *bridge.Bridge { return a.bridge }

// Registry returns the provider registry.
func (a *App) Registry() *provider.Registry { return a.registry }

// Server returns the control API server.
func (a *App) Server() *api.Server { return a.server }

// Run listens on the configured API address until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.API.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.API.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve autostarts the gateway if configured, serves the API on ln and shuts
// everything down once ctx is cancelled.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if a.cfg.Gateway.Autostart {
		if err := a.bridge.Start(ctx); err != nil {
			// The API stays up so callers can inspect and retry.
			a.logger.Error("gateway autostart failed", "error", err)
		}
	}

	serveErr := a.server.Serve(ctx, ln)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Gateway.StopGracePeriod+5*time.Second)
	defer cancel()
	return errors.Join(serveErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops the gateway, waits for in-flight provider syncs and closes
// storage. Events raised after this point are dropped.
func (a *App) Shutdown(ctx context.Context) error {
	a.alive.Store(false)
	for _, sub := range a.subs {
		sub.Unsubscribe()
	}

	var errs []error
	if err := a.bridge.Stop(ctx); err != nil && bridge.KindOf(err) != bridge.KindNotRunning {
		errs = append(errs, fmt.Errorf("stopping gateway: %w", err))
	}
	if err := a.bridge.Close(); err != nil {
		errs = append(errs, err)
	}
	a.syncs.Wait()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
