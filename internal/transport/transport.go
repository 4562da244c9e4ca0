// Package transport binds the network side of a streaming session.
//
// A [Binding] is a bound socket in one of two modes. [ModeUDP] is
// connectionless: every size probe carries its own reply address and the
// device answers with a single datagram. [ModeTCP] accepts exactly one client
// and exchanges length-prefixed requests over the stream.
//
// All blocking calls take an explicit timeout and return [ErrTimeout] when it
// elapses, so the owning session can poll its cancellation flag between calls.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Mode selects the transport protocol.
type Mode string

const (
	ModeUDP Mode = "udp"
	ModeTCP Mode = "tcp"
)

// ParseMode parses a case-insensitive mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeUDP:
		return ModeUDP, nil
	case ModeTCP:
		return ModeTCP, nil
	}
	return "", fmt.Errorf("transport: unknown mode %q (want udp or tcp)", s)
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool { return m == ModeUDP || m == ModeTCP }

func (m Mode) String() string { return string(m) }

var (
	// ErrTimeout is returned by Accept and NextRequest when the timeout
	// elapses without activity. It is never fatal on its own.
	ErrTimeout = errors.New("transport: timeout")

	// ErrClosed is returned by blocking calls once the binding or peer has
	// been closed.
	ErrClosed = errors.New("transport: closed")
)

// BindError reports that the socket for a session could not be bound.
type BindError struct {
	Mode Mode
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("transport: bind %s port %d: %v", e.Mode, e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Binding is a bound socket waiting for a peer.
type Binding interface {
	// Mode reports the transport protocol.
	Mode() Mode

	// Port is the bound local port; never zero once Listen succeeded.
	Port() int

	// Accept waits up to timeout for a peer. In UDP mode the peer is
	// established by its first size probe, which is returned by the peer's
	// first NextRequest call.
	Accept(timeout time.Duration) (Peer, error)

	// Close releases the socket and unblocks pending calls. It is safe to
	// call more than once.
	Close() error
}

// Peer is an established remote endpoint.
type Peer interface {
	// Addr is the address replies currently go to.
	Addr() net.Addr

	// NextRequest waits up to timeout for the next requested byte count.
	NextRequest(timeout time.Duration) (uint32, error)

	// Reply sends exactly len(payload) bytes to the peer.
	Reply(payload []byte) error

	// Close ends the exchange. It is safe to call more than once.
	Close() error
}

// ListenFunc is the signature of [Listen], exposed so callers can inject a
// fake binding.
type ListenFunc func(ctx context.Context, mode Mode, host string, port int, opts ...Option) (Binding, error)

// Option configures a binding.
type Option func(*options)

type options struct {
	writeTimeout time.Duration
}

// WithWriteTimeout bounds every Reply. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// Listen binds a socket for mode on host:port. Port 0 asks the OS for an
// ephemeral port. Bind failures are returned as *[BindError].
func Listen(ctx context.Context, mode Mode, host string, port int, opts ...Option) (Binding, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if port < 0 || port > 65535 {
		return nil, &BindError{Mode: mode, Port: port, Err: fmt.Errorf("port out of range")}
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var lc net.ListenConfig
	switch mode {
	case ModeUDP:
		pc, err := lc.ListenPacket(ctx, "udp", addr)
		if err != nil {
			return nil, &BindError{Mode: mode, Port: port, Err: err}
		}
		return newUDPBinding(pc.(*net.UDPConn), o), nil
	case ModeTCP:
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, &BindError{Mode: mode, Port: port, Err: err}
		}
		return newTCPBinding(ln.(*net.TCPListener), o), nil
	default:
		return nil, &BindError{Mode: mode, Port: port, Err: fmt.Errorf("unknown mode %q", mode)}
	}
}

// classify maps net errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return err
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
