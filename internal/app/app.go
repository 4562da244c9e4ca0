// Package app wires the streaming session manager to the process: it
// starts a session from config, reacts to config reloads and turns a lost
// peer into a process exit.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/awim/internal/config"
	"github.com/MrWong99/awim/internal/observe"
	"github.com/MrWong99/awim/internal/transport"
)

// ErrTerminated is returned by [App.Run] when a session ended on its own and
// the config asks the process to exit.
var ErrTerminated = errors.New("app: streaming ended, terminating")

// App owns the [SessionManager] for one process.
type App struct {
	mu  sync.Mutex
	cfg *config.Config

	sessions *SessionManager
	levels   LevelSetter

	stopOnce sync.Once
}

// LevelSetter receives log level changes from config reloads. *slog.LevelVar
// implements it.
type LevelSetter interface {
	Set(slog.Level)
}

// Option configures an [App].
type Option func(*appOptions)

type appOptions struct {
	metrics *observe.Metrics
	listen  transport.ListenFunc
	levels  LevelSetter
}

// WithMetrics sets the metrics the sessions record into.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *appOptions) { o.metrics = m }
}

// WithListen overrides the transport used by sessions.
func WithListen(fn transport.ListenFunc) Option {
	return func(o *appOptions) { o.listen = fn }
}

// WithLogLevel lets config reloads change the log level.
func WithLogLevel(l LevelSetter) Option {
	return func(o *appOptions) { o.levels = l }
}

// New creates an App from a validated config. sources must have a factory
// for cfg.Audio.Source.
func New(cfg *config.Config, sources *config.Registry, opts ...Option) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !slices.Contains(sources.Names(), cfg.Audio.Source) {
		return nil, fmt.Errorf("app: %w: %q", config.ErrSourceNotRegistered, cfg.Audio.Source)
	}

	return &App{
		cfg:    cfg,
		levels: o.levels,
		sessions: NewSessionManager(SessionManagerConfig{
			Stream:  cfg.Stream,
			Audio:   cfg.Audio,
			Sources: sources,
			Metrics: o.metrics,
			Listen:  o.listen,
		}),
	}, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Run starts a session when stream.autostart is set and then blocks until
// ctx is cancelled or a session ends on its own. In the latter case Run
// returns an error wrapping [ErrTerminated] and the session error when
// stream.exit_on_peer_lost is enabled; otherwise it logs and keeps waiting.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	if cfg.Stream.Autostart {
		if err := a.sessions.Start(ctx, cfg.Stream.Port, cfg.Stream.Mode); err != nil {
			return fmt.Errorf("app: autostart: %w", err)
		}
	}

	slog.Info("app running", "autostart", cfg.Stream.Autostart, "mode", cfg.Stream.Mode)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-a.sessions.Terminate():
			if a.Config().Stream.ExitOnPeerLostEnabled() {
				return fmt.Errorf("%w: %w", ErrTerminated, err)
			}
			slog.Warn("app: session ended, waiting for a new start request", "err", err)
		}
	}
}

// ApplyConfig installs a reloaded config. It is suitable as the onChange
// callback of a [config.Watcher].
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) {
	d := config.Diff(old, new)

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()

	if d.LogLevelChanged && a.levels != nil {
		a.levels.Set(d.NewLogLevel.SlogLevel())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.ServerChanged {
		slog.Warn("app: server settings changed; restart the process to apply them")
	}
	if d.SessionRestartRequired() {
		if err := a.sessions.Reconfigure(ctx, new.Stream, new.Audio); err != nil {
			slog.Error("app: apply stream settings", "err", err)
		}
	}
}

// Shutdown stops the live session, if any. It is safe to call more than
// once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		if serr := a.sessions.Stop(ctx); serr != nil && !errors.Is(serr, ErrNoSession) {
			err = serr
		}
		slog.Info("shutdown complete")
	})
	return err
}
