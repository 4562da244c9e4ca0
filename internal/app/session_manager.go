package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/awim/internal/config"
	"github.com/MrWong99/awim/internal/observe"
	"github.com/MrWong99/awim/internal/session"
	"github.com/MrWong99/awim/internal/status"
	"github.com/MrWong99/awim/internal/transport"
)

var (
	// ErrSessionActive is returned by Start while a session is live.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned by Stop when nothing is live.
	ErrNoSession = errors.New("app: no active session")
)

// Status is a snapshot of the manager's current session.
type Status struct {
	Running bool           `json:"running"`
	Port    int            `json:"port"`
	Mode    transport.Mode `json:"mode,omitempty"`
	State   string         `json:"state"`
	Error   string         `json:"error,omitempty"`
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	// Stream supplies timeouts, host and the default mode.
	Stream config.StreamConfig

	// Audio selects and configures the capture source.
	Audio config.AudioConfig

	// Sources builds the capture source for every new session. Required.
	Sources *config.Registry

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Listen overrides the transport. Defaults to [transport.Listen].
	Listen transport.ListenFunc
}

// SessionManager owns at most one live streaming session and the set of
// status listeners. Start and Stop are serialised; the query methods
// ([SessionManager.CurrentPort], [SessionManager.IsRunning] and
// [SessionManager.Status]) never block on them, so listeners may call them
// from inside a callback.
//
// A listener must not call Start, Stop, Reconfigure or TriggerCurrent. The
// first three wait for the publish in progress, and TriggerCurrent publishes
// itself; either way the callback deadlocks. Hand such calls to another
// goroutine instead.
type SessionManager struct {
	// mu serialises Start, Stop and Reconfigure.
	mu  sync.Mutex
	cfg SessionManagerConfig

	sess atomic.Pointer[session.Session]
	port atomic.Int32

	hub       status.Hub
	terminate chan error
}

// NewSessionManager creates an idle SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Sources == nil {
		panic("app: nil source registry")
	}
	return &SessionManager{
		cfg:       cfg,
		terminate: make(chan error, 1),
	}
}

// Start creates a session on port (0 = auto-assign) using mode and starts
// it. An empty mode falls back to the configured stream mode. Permission
// and bind failures are returned after their status event was published;
// the failed session stays visible through [SessionManager.Status].
func (sm *SessionManager) Start(ctx context.Context, port int, mode transport.Mode) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.start(ctx, port, mode)
}

func (sm *SessionManager) start(ctx context.Context, port int, mode transport.Mode) error {
	if cur := sm.sess.Load(); cur != nil && !cur.State().Terminal() {
		return fmt.Errorf("%w (mode=%s port=%d)", ErrSessionActive, cur.Mode(), cur.Port())
	}
	if mode == "" {
		mode = sm.cfg.Stream.Mode
	}
	if !mode.Valid() {
		return fmt.Errorf("app: invalid transport mode %q", mode)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("app: port %d is out of range [0, 65535]", port)
	}

	src, err := sm.cfg.Sources.Create(sm.cfg.Audio)
	if err != nil {
		return fmt.Errorf("app: create audio source: %w", err)
	}

	st := sm.cfg.Stream
	s := session.New(session.Config{
		Mode:              mode,
		Host:              st.Host,
		Port:              port,
		Format:            sm.cfg.Audio.Format(),
		Source:            src,
		Events:            (*publisher)(sm),
		Metrics:           sm.cfg.Metrics,
		Listen:            sm.cfg.Listen,
		UDPReceiveTimeout: st.UDPReceiveTimeout,
		TCPAcceptTimeout:  st.TCPAcceptTimeout,
		TCPReadTimeout:    st.TCPReadTimeout,
		WriteTimeout:      st.WriteTimeout,
		PeerLossTimeouts:  st.PeerLossTimeouts,
		MaxFrameBytes:     st.MaxFrameBytes,
		OnPeerLost:        sm.peerLost,
	})
	sm.sess.Store(s)

	slog.Info("session manager: starting session", "mode", mode, "port", port, "source", sm.cfg.Audio.Source)
	return s.Start(ctx)
}

// Stop ends the live session and waits for it to release its resources.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.stop(ctx)
}

func (sm *SessionManager) stop(ctx context.Context) error {
	s := sm.sess.Load()
	if s == nil || s.State().Terminal() {
		return ErrNoSession
	}
	return s.Stop(ctx)
}

// Reconfigure replaces the stream and audio settings used for new
// sessions. A live session is restarted with the new settings on the
// configured port and mode.
func (sm *SessionManager) Reconfigure(ctx context.Context, stream config.StreamConfig, audio config.AudioConfig) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.cfg.Stream = stream
	sm.cfg.Audio = audio

	if err := sm.stop(ctx); err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil
		}
		return err
	}
	slog.Info("session manager: restarting session with new settings", "mode", stream.Mode, "port", stream.Port)
	return sm.start(ctx, stream.Port, stream.Mode)
}

// RegisterListener adds l to the status listeners. l runs on the publishing
// goroutine; see [SessionManager] for the calls it may make.
func (sm *SessionManager) RegisterListener(l status.Listener) status.ListenerID {
	return sm.hub.Register(l)
}

// UnregisterListener removes a listener. Unknown IDs are ignored.
func (sm *SessionManager) UnregisterListener(id status.ListenerID) {
	sm.hub.Unregister(id)
}

// Subscribe returns a channel fed with every status event. See
// [status.Hub.Subscribe].
func (sm *SessionManager) Subscribe(buffer int) (<-chan status.Event, func()) {
	return sm.hub.Subscribe(buffer)
}

// CurrentPort returns the last port a session bound, or 0.
func (sm *SessionManager) CurrentPort() int {
	return int(sm.port.Load())
}

// IsRunning reports whether a session is serving.
func (sm *SessionManager) IsRunning() bool {
	s := sm.sess.Load()
	return s != nil && s.Running()
}

// TriggerCurrent republishes the current port and running flag so a newly
// registered listener can catch up. It must not be called from a listener.
func (sm *SessionManager) TriggerCurrent() {
	sm.hub.Publish(status.PortAssigned(sm.CurrentPort()))
	sm.hub.Publish(status.RunningChanged(sm.IsRunning()))
}

// Status returns a snapshot of the current or most recent session.
func (sm *SessionManager) Status() Status {
	s := sm.sess.Load()
	if s == nil {
		return Status{Port: sm.CurrentPort(), State: session.StateIdle.String()}
	}
	st := Status{
		Running: s.Running(),
		Port:    sm.CurrentPort(),
		Mode:    s.Mode(),
		State:   s.State().String(),
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// Terminate delivers the error of a session that ended because its peer or
// its capture failed. The host should exit when it receives one.
func (sm *SessionManager) Terminate() <-chan error {
	return sm.terminate
}

func (sm *SessionManager) peerLost(err error) {
	select {
	case sm.terminate <- err:
	default:
		slog.Debug("session manager: termination request already pending", "err", err)
	}
}

// publisher records the bound port before fanning events out to the hub.
type publisher SessionManager

func (p *publisher) Publish(ev status.Event) {
	if ev.Type == status.EventPortAssigned {
		p.port.Store(int32(ev.Port))
	}
	p.hub.Publish(ev)
}
