// Package session drives one microphone streaming session: it owns an audio
// source and a transport binding, runs the capture/transmit loop on a single
// goroutine, and publishes status events as it moves through its states.
//
// A Session is single-use. Once it reaches a terminal state a new Session
// must be constructed for the next start request.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/awim/internal/observe"
	"github.com/MrWong99/awim/internal/status"
	"github.com/MrWong99/awim/internal/transport"
	"github.com/MrWong99/awim/pkg/audio"
)

// Default timing and limit parameters.
const (
	DefaultUDPReceiveTimeout = 5 * time.Second
	DefaultTCPAcceptTimeout  = 1 * time.Second
	DefaultTCPReadTimeout    = 1 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultPeerLossTimeouts  = 5
	DefaultMaxFrameBytes     = 8 << 20
)

var (
	// ErrPeerLost means the remote peer went away: repeated UDP receive
	// timeouts after streaming began, or a TCP read/write failure.
	ErrPeerLost = errors.New("session: peer lost")

	// ErrFrameTooLarge is returned when a peer requests more bytes than the
	// configured frame limit.
	ErrFrameTooLarge = errors.New("session: requested frame exceeds limit")

	// ErrAlreadyStarted is returned by Start on a session that left Idle.
	ErrAlreadyStarted = errors.New("session: already started")
)

// Config configures a [Session].
type Config struct {
	// Mode is the transport protocol. Required.
	Mode transport.Mode

	// Host is the local address to bind. Empty binds all interfaces.
	Host string

	// Port is the requested port; 0 lets the OS assign one.
	Port int

	// Format is the capture format. Zero value means [audio.DefaultFormat].
	Format audio.Format

	// Source is the capture device. Required; owned by the session.
	Source audio.Source

	// Events receives status events. May be nil.
	Events status.Publisher

	// Metrics records session metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Listen binds the transport. Defaults to [transport.Listen].
	Listen transport.ListenFunc

	// UDPReceiveTimeout bounds each wait for a UDP size probe. Default 5s.
	UDPReceiveTimeout time.Duration

	// TCPAcceptTimeout bounds each wait for the TCP client. Default 1s.
	TCPAcceptTimeout time.Duration

	// TCPReadTimeout bounds each wait for a TCP length prefix. Default 1s.
	TCPReadTimeout time.Duration

	// WriteTimeout bounds every reply. Default 5s.
	WriteTimeout time.Duration

	// PeerLossTimeouts is the number of consecutive UDP receive timeouts,
	// after the first exchange, that mean the peer is gone. Default 5.
	PeerLossTimeouts int

	// MaxFrameBytes caps the byte count a peer may request. Default 8 MiB.
	MaxFrameBytes uint32

	// OnPeerLost is called from the serve goroutine when the session ends
	// on its own because of a peer, protocol or capture failure. It is not
	// called after Stop. May be nil.
	OnPeerLost func(error)
}

func (c *Config) applyDefaults() {
	if c.Format == (audio.Format{}) {
		c.Format = audio.DefaultFormat()
	}
	if c.Listen == nil {
		c.Listen = transport.Listen
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.UDPReceiveTimeout <= 0 {
		c.UDPReceiveTimeout = DefaultUDPReceiveTimeout
	}
	if c.TCPAcceptTimeout <= 0 {
		c.TCPAcceptTimeout = DefaultTCPAcceptTimeout
	}
	if c.TCPReadTimeout <= 0 {
		c.TCPReadTimeout = DefaultTCPReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PeerLossTimeouts <= 0 {
		c.PeerLossTimeouts = DefaultPeerLossTimeouts
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
}

// Session is one streaming session. All exported methods are safe for
// concurrent use.
type Session struct {
	cfg     Config
	src     audio.Source
	metrics *observe.Metrics

	state         atomic.Int32
	running       atomic.Bool
	stopRequested atomic.Bool
	port          atomic.Int32

	mu      sync.Mutex
	binding transport.Binding
	peer    transport.Peer
	err     error

	buf         []byte
	releaseOnce sync.Once
	doneOnce    sync.Once
	done        chan struct{}
}

// New creates an idle session. It panics if cfg.Source is nil or cfg.Mode
// is not a known mode.
func New(cfg Config) *Session {
	if cfg.Source == nil {
		panic("session: nil audio source")
	}
	if !cfg.Mode.Valid() {
		panic(fmt.Sprintf("session: invalid transport mode %q", cfg.Mode))
	}
	cfg.applyDefaults()
	return &Session{
		cfg:     cfg,
		src:     cfg.Source,
		metrics: cfg.Metrics,
		done:    make(chan struct{}),
	}
}

// Mode returns the transport mode.
func (s *Session) Mode() transport.Mode { return s.cfg.Mode }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Running reports whether the session is serving and no stop was requested.
func (s *Session) Running() bool { return s.running.Load() }

// Port returns the bound port, or 0 before binding succeeded.
func (s *Session) Port() int { return int(s.port.Load()) }

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session. It is nil while the session
// runs and after a requested stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start checks microphone permission, binds the transport and launches the
// serve goroutine. Permission and bind failures are terminal: the session
// moves to [StatePermissionFailed] or [StateBindFailed], publishes the
// matching event and releases the source.
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateBinding)) {
		return ErrAlreadyStarted
	}
	ctx, span := observe.StartSpan(ctx, "session.start",
		trace.WithAttributes(
			attribute.String("mode", s.cfg.Mode.String()),
			attribute.Int("port", s.cfg.Port),
		),
	)
	err := s.start(ctx)
	observe.EndSpan(span, err)
	return err
}

func (s *Session) start(ctx context.Context) error {
	mode := s.cfg.Mode.String()
	log := observe.Logger(ctx).With("mode", mode, "port", s.cfg.Port)

	if err := s.src.CheckPermission(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.abort(ctx, StateStopped, "error", ctxErr)
			return ctxErr
		}
		if !errors.Is(err, audio.ErrPermissionDenied) {
			err = fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
		}
		log.Warn("session: microphone permission denied", "err", err)
		s.publish(status.PermissionDenied(true))
		s.abort(ctx, StatePermissionFailed, "permission_denied", err)
		return err
	}

	if err := s.src.Configure(s.cfg.Format); err != nil {
		err = fmt.Errorf("session: configure source: %w", err)
		log.Error("session: cannot configure capture", "format", s.cfg.Format.String(), "err", err)
		s.abort(ctx, StateStopped, "error", err)
		return err
	}

	b, err := s.cfg.Listen(ctx, s.cfg.Mode, s.cfg.Host, s.cfg.Port, transport.WithWriteTimeout(s.cfg.WriteTimeout))
	if err != nil {
		var be *transport.BindError
		if !errors.As(err, &be) {
			err = &transport.BindError{Mode: s.cfg.Mode, Port: s.cfg.Port, Err: err}
		}
		log.Warn("session: bind failed", "err", err)
		s.publish(status.BindError(true))
		s.abort(ctx, StateBindFailed, "bind_error", err)
		return err
	}

	s.mu.Lock()
	s.binding = b
	s.mu.Unlock()
	s.port.Store(int32(b.Port()))
	s.publish(status.PortAssigned(b.Port()))

	s.running.Store(true)
	if s.stopRequested.Load() {
		s.running.Store(false)
	}
	s.state.Store(int32(StateServing))
	s.publish(status.RunningChanged(true))
	s.metrics.RecordSessionStart(ctx, mode, "ok")
	s.metrics.ActiveSessions.Add(ctx, 1)

	log.Info("session: serving", "bound_port", b.Port(), "format", s.cfg.Format.String())
	go s.serve(context.WithoutCancel(ctx))
	return nil
}

// abort finishes a session that never reached Serving.
func (s *Session) abort(ctx context.Context, st State, outcome string, err error) {
	s.releaseSource()
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.state.Store(int32(st))
	s.metrics.RecordSessionStart(ctx, s.cfg.Mode.String(), outcome)
	s.closeDone()
}

// Stop requests the serve loop to end and waits for it. The loop notices
// the request after its current blocking call returns. If ctx expires first,
// the transport and source are closed underneath the loop to unblock it, and
// Stop still waits for the loop to finish. Stop is idempotent.
func (s *Session) Stop(ctx context.Context) error {
	s.stopRequested.Store(true)
	s.running.Store(false)

	if s.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		s.releaseSource()
		s.closeDone()
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
	}

	slog.Warn("session: stop deadline exceeded, closing resources",
		"mode", s.cfg.Mode.String(), "port", s.Port())
	s.forceClose()
	<-s.done
	return nil
}

func (s *Session) forceClose() {
	s.mu.Lock()
	b, p := s.binding, s.peer
	s.mu.Unlock()
	if p != nil {
		_ = p.Close()
	}
	if b != nil {
		_ = b.Close()
	}
	_ = s.src.Stop()
}

func (s *Session) releaseSource() {
	s.releaseOnce.Do(func() {
		if err := s.src.Stop(); err != nil {
			slog.Debug("session: stop source", "err", err)
		}
		if err := s.src.Release(); err != nil {
			slog.Debug("session: release source", "err", err)
		}
	})
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) publish(ev status.Event) {
	if s.cfg.Events != nil {
		s.cfg.Events.Publish(ev)
	}
}
