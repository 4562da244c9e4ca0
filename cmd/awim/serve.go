package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/awim/internal/app"
	"github.com/MrWong99/awim/internal/config"
	"github.com/MrWong99/awim/internal/control"
	"github.com/MrWong99/awim/internal/health"
	"github.com/MrWong99/awim/internal/observe"
)

const shutdownTimeout = 10 * time.Second

// configChange is one validated edit of the config file.
type configChange struct {
	old, new *config.Config
}

func runServe(ctx context.Context, path string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	changes := make(chan configChange, 1)
	watcher, err := config.NewWatcher(path, func(old, new *config.Config) {
		select {
		case changes <- configChange{old, new}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found", path)
		}
		return err
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("awim starting",
		"version", version,
		"config", path,
		"listen_addr", cfg.Server.ListenAddr,
		"mode", cfg.Stream.Mode,
		"source", cfg.Audio.Source,
	)
	for _, warn := range config.Warnings(cfg) {
		slog.Warn("config: questionable setting", "warning", warn)
	}

	prov, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := prov.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	application, err := app.New(cfg, newSourceRegistry(),
		app.WithMetrics(metrics),
		app.WithLogLevel(&level),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return application.Run(gctx) })

	if cfg.Server.ListenAddr != "" {
		var checks []health.Checker
		if cfg.Stream.Autostart {
			checks = append(checks, health.Serving("session", application.Sessions().IsRunning))
		}
		srv := &http.Server{
			Addr: cfg.Server.ListenAddr,
			Handler: control.New(control.Config{
				Manager:        application.Sessions(),
				Health:         health.New(checks...),
				MetricsPath:    cfg.Telemetry.MetricsPath,
				MetricsHandler: prov.Handler(),
				Metrics:        metrics,
			}).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error { return serveHTTP(srv, cfg.Server.TLS) })
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error { return watchConfig(gctx, watcher, changes, application) })

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(sctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	switch {
	case runErr == nil, errors.Is(runErr, context.Canceled):
		slog.Info("goodbye")
		return nil
	case errors.Is(runErr, app.ErrTerminated):
		slog.Info("streaming ended, exiting", "reason", runErr)
		return nil
	default:
		return runErr
	}
}

func serveHTTP(srv *http.Server, tls *config.TLSConfig) error {
	slog.Info("control server listening", "addr", srv.Addr, "tls", tls != nil)
	var err error
	if tls != nil {
		err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("control server: %w", err)
}

// watchConfig applies config file edits until ctx ends. SIGHUP forces an
// immediate reload.
func watchConfig(ctx context.Context, w *config.Watcher, changes <-chan configChange, application *app.App) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-changes:
			application.ApplyConfig(ctx, c.old, c.new)
		case <-hup:
			slog.Info("SIGHUP received, reloading config")
			// Reload delivers into changes, which only this loop drains.
			go func() {
				if err := w.Reload(); err != nil {
					slog.Warn("config reload failed", "err", err)
				}
			}()
		}
	}
}

func checkConfig(out io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: ok (mode=%s port=%d source=%s format=%s)\n",
		path, cfg.Stream.Mode, cfg.Stream.Port, cfg.Audio.Source, cfg.Audio.Format())
	for _, warn := range config.Warnings(cfg) {
		fmt.Fprintf(out, "warning: %s\n", warn)
	}
	return nil
}
