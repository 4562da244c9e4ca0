// Package mock provides scriptable in-memory implementations of
// [transport.Binding] and [transport.Peer] for unit tests.
//
// Tests script what a peer sends as a list of [Request] values. Once the
// script is exhausted, blocking calls wait out their timeout and return
// [transport.ErrTimeout], which is how peer silence is simulated without real
// sockets.
//
//	peer := &mock.Peer{Requests: []mock.Request{{Length: 4}}}
//	b := &mock.Binding{Peers: []*mock.Peer{peer}}
//	sess := session.New(session.Config{Source: src, Listen: b.Listen, ...})
package mock

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/MrWong99/awim/internal/transport"
)

// DefaultPort is reported when the binding is asked for port 0 and
// BoundPort is unset.
const DefaultPort = 49152

// Request is one scripted step of a peer.
type Request struct {
	// Length is the requested byte count.
	Length uint32
	// Err, when non-nil, is returned instead of Length.
	Err error
}

// Binding is a mock [transport.Binding].
type Binding struct {
	mu sync.Mutex

	// ListenError is returned by Listen.
	ListenError error

	// BoundPort is the port reported after Listen. Zero means the requested
	// port, or DefaultPort if that was zero too.
	BoundPort int

	// Peers are handed out by Accept in order.
	Peers []*Peer

	// AcceptError, when non-nil, is returned by every Accept.
	AcceptError error

	mode        transport.Mode
	host        string
	port        int
	listenCalls int
	acceptCalls int
	closeCalls  int
	closed      bool
	done        chan struct{}
}

var _ transport.Binding = (*Binding)(nil)

// Listen matches [transport.ListenFunc] and returns b itself.
func (b *Binding) Listen(_ context.Context, mode transport.Mode, host string, port int, _ ...transport.Option) (transport.Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listenCalls++
	b.mode, b.host = mode, host
	if b.ListenError != nil {
		return nil, &transport.BindError{Mode: mode, Port: port, Err: b.ListenError}
	}
	switch {
	case b.BoundPort != 0:
		b.port = b.BoundPort
	case port != 0:
		b.port = port
	default:
		b.port = DefaultPort
	}
	return b, nil
}

func (b *Binding) Mode() transport.Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

func (b *Binding) Port() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port
}

// Accept returns the next scripted peer, or waits out timeout.
func (b *Binding) Accept(timeout time.Duration) (transport.Peer, error) {
	b.mu.Lock()
	b.acceptCalls++
	if b.closed {
		b.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if b.AcceptError != nil {
		err := b.AcceptError
		b.mu.Unlock()
		return nil, err
	}
	if len(b.Peers) > 0 {
		p := b.Peers[0]
		b.Peers = b.Peers[1:]
		b.mu.Unlock()
		return p, nil
	}
	done := b.doneLocked()
	b.mu.Unlock()

	return nil, wait(done, timeout)
}

func (b *Binding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCalls++
	if !b.closed {
		b.closed = true
		close(b.doneLocked())
	}
	return nil
}

func (b *Binding) doneLocked() chan struct{} {
	if b.done == nil {
		b.done = make(chan struct{})
	}
	return b.done
}

// ListenCalls returns how many times Listen was called.
func (b *Binding) ListenCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listenCalls
}

// AcceptCalls returns how many times Accept was called.
func (b *Binding) AcceptCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acceptCalls
}

// Closed reports whether Close was called.
func (b *Binding) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Peer is a mock [transport.Peer].
type Peer struct {
	mu sync.Mutex

	// Requests are returned by NextRequest in order.
	Requests []Request

	// ReplyError, when non-nil, is returned by every Reply.
	ReplyError error

	// Address is reported by Addr. Defaults to 127.0.0.1:50000.
	Address net.Addr

	replies      [][]byte
	requestCalls int
	closed       bool
	done         chan struct{}
}

var _ transport.Peer = (*Peer)(nil)

func (p *Peer) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Address == nil {
		return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
	}
	return p.Address
}

// NextRequest pops the next scripted request, or waits out timeout.
func (p *Peer) NextRequest(timeout time.Duration) (uint32, error) {
	p.mu.Lock()
	p.requestCalls++
	if p.closed {
		p.mu.Unlock()
		return 0, transport.ErrClosed
	}
	if len(p.Requests) > 0 {
		r := p.Requests[0]
		p.Requests = p.Requests[1:]
		p.mu.Unlock()
		return r.Length, r.Err
	}
	done := p.doneLocked()
	p.mu.Unlock()

	return 0, wait(done, timeout)
}

// Reply records a copy of payload.
func (p *Peer) Reply(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrClosed
	}
	if p.ReplyError != nil {
		return p.ReplyError
	}
	p.replies = append(p.replies, append([]byte(nil), payload...))
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.doneLocked())
	}
	return nil
}

func (p *Peer) doneLocked() chan struct{} {
	if p.done == nil {
		p.done = make(chan struct{})
	}
	return p.done
}

// Replies returns copies of every payload passed to Reply.
func (p *Peer) Replies() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.replies))
	copy(out, p.replies)
	return out
}

// RequestCalls returns how many times NextRequest was called.
func (p *Peer) RequestCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requestCalls
}

// Closed reports whether Close was called.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func wait(done <-chan struct{}, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return transport.ErrClosed
	case <-t.C:
		return transport.ErrTimeout
	}
}
