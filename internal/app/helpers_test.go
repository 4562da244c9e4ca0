package app_test

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/awim/internal/config"
	"github.com/MrWong99/awim/internal/status"
	"github.com/MrWong99/awim/internal/transport"
	transportmock "github.com/MrWong99/awim/internal/transport/mock"
	"github.com/MrWong99/awim/pkg/audio"
	audiomock "github.com/MrWong99/awim/pkg/audio/mock"
)

// listener hands out a fresh mock binding per Listen call.
type listener struct {
	mu       sync.Mutex
	err      error
	scripts  [][]*transportmock.Peer
	bindings []*transportmock.Binding
}

func (l *listener) Listen(ctx context.Context, mode transport.Mode, host string, port int, opts ...transport.Option) (transport.Binding, error) {
	l.mu.Lock()
	b := &transportmock.Binding{ListenError: l.err}
	if len(l.scripts) > 0 {
		b.Peers = l.scripts[0]
		l.scripts = l.scripts[1:]
	}
	l.bindings = append(l.bindings, b)
	l.mu.Unlock()
	return b.Listen(ctx, mode, host, port, opts...)
}

func (l *listener) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bindings)
}

// sources is a registry whose tone factory returns mock sources.
type sources struct {
	*config.Registry
	created atomic.Int32
	err     error
}

func newSources() *sources {
	s := &sources{Registry: config.NewRegistry()}
	s.Register(config.SourceTone, func(config.AudioConfig) (audio.Source, error) {
		if s.err != nil {
			return nil, s.err
		}
		s.created.Add(1)
		return &audiomock.Source{}, nil
	})
	return s
}

// testConfig returns a valid config with fast timeouts and the tone source.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Audio.Source = config.SourceTone
	cfg.Stream.UDPReceiveTimeout = 10 * time.Millisecond
	cfg.Stream.TCPAcceptTimeout = 10 * time.Millisecond
	cfg.Stream.TCPReadTimeout = 10 * time.Millisecond
	cfg.Stream.PeerLossTimeouts = 2
	return cfg
}

// events collects status events from a listener callback.
type events struct {
	mu  sync.Mutex
	evs []status.Event
}

func (e *events) add(ev status.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev)
}

func (e *events) get() []status.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.evs)
}

func (e *events) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = nil
}

func wantEvents(t *testing.T, got []status.Event, want ...status.Event) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
