package session_test

import (
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/MrWong99/awim/internal/session"
	"github.com/MrWong99/awim/internal/status"
	"github.com/MrWong99/awim/internal/transport"
	transportmock "github.com/MrWong99/awim/internal/transport/mock"
	"github.com/MrWong99/awim/internal/wire"
	"github.com/MrWong99/awim/pkg/audio"
	audiomock "github.com/MrWong99/awim/pkg/audio/mock"
)

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []status.Event
}

func (r *recorder) Publish(ev status.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []status.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

type fixture struct {
	src      *audiomock.Source
	binding  *transportmock.Binding
	events   *recorder
	peerLost chan error
	sess     *session.Session
}

// newFixture builds a session on mock transport with fast timeouts.
func newFixture(t *testing.T, mode transport.Mode, peers ...*transportmock.Peer) *fixture {
	t.Helper()
	f := &fixture{
		src:      &audiomock.Source{},
		binding:  &transportmock.Binding{Peers: peers},
		events:   &recorder{},
		peerLost: make(chan error, 1),
	}
	f.sess = session.New(session.Config{
		Mode:              mode,
		Source:            f.src,
		Events:            f.events,
		Listen:            f.binding.Listen,
		UDPReceiveTimeout: 10 * time.Millisecond,
		TCPAcceptTimeout:  10 * time.Millisecond,
		TCPReadTimeout:    10 * time.Millisecond,
		OnPeerLost:        func(err error) { f.peerLost <- err },
	})
	t.Cleanup(func() { _ = f.sess.Stop(context.Background()) })
	return f
}

func waitDone(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish, state %s", s.State())
	}
}

func wantEvents(t *testing.T, got []status.Event, want ...status.Event) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

// contiguous reports whether every reply continues the mock's byte counter.
func contiguous(replies [][]byte) bool {
	var next byte
	for _, r := range replies {
		for _, b := range r {
			if b != next {
				return false
			}
			next++
		}
	}
	return true
}

func TestUDP_ServesProbesThenDetectsPeerLoss(t *testing.T) {
	t.Parallel()

	peer := &transportmock.Peer{Requests: []transportmock.Request{{Length: 4}, {Length: 0}, {Length: 10}}}
	f := newFixture(t, transport.ModeUDP, peer)

	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, f.sess)

	select {
	case err := <-f.peerLost:
		if !errors.Is(err, session.ErrPeerLost) {
			t.Errorf("OnPeerLost err = %v, want ErrPeerLost", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnPeerLost not called")
	}

	replies := peer.Replies()
	if len(replies) != 3 {
		t.Fatalf("got %d replies, want 3", len(replies))
	}
	lens := []int{len(replies[0]), len(replies[1]), len(replies[2])}
	if !slices.Equal(lens, []int{4, 0, 10}) {
		t.Fatalf("reply lengths = %v, want [4 0 10]", lens)
	}
	if !contiguous(replies) {
		t.Error("replies are not contiguous capture data")
	}

	// One scripted probe per request plus five silent receives.
	if got := peer.RequestCalls(); got != 3+session.DefaultPeerLossTimeouts {
		t.Errorf("NextRequest calls = %d, want %d", got, 3+session.DefaultPeerLossTimeouts)
	}
	if f.sess.State() != session.StateStopped {
		t.Errorf("state = %s, want stopped", f.sess.State())
	}
	if !errors.Is(f.sess.Err(), session.ErrPeerLost) {
		t.Errorf("Err() = %v, want ErrPeerLost", f.sess.Err())
	}
	wantEvents(t, f.events.Events(),
		status.PortAssigned(transportmock.DefaultPort),
		status.RunningChanged(true),
		status.RunningChanged(false),
	)

	calls := f.src.Calls()
	if calls.Start != 1 || calls.Release != 1 {
		t.Errorf("source calls = %+v, want one Start and one Release", calls)
	}
	if !f.binding.Closed() || !peer.Closed() {
		t.Error("transport not closed on teardown")
	}
}

func TestUDP_FiveTimeoutsAfterOneExchange(t *testing.T) {
	t.Parallel()

	peer := &transportmock.Peer{Requests: []transportmock.Request{{Length: 2}}}
	f := newFixture(t, transport.ModeUDP, peer)

	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, f.sess)

	if got := peer.RequestCalls(); got != 6 {
		t.Errorf("NextRequest calls = %d, want 6", got)
	}
	if f.sess.Running() {
		t.Error("Running() = true after peer loss")
	}
}

func TestUDP_TimeoutsBeforeFirstProbeAreBenign(t *testing.T) {
	t.Parallel()

	f := newFixture(t, transport.ModeUDP)
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if f.sess.State() != session.StateServing {
		t.Fatalf("state = %s after idle timeouts, want serving", f.sess.State())
	}
	if f.binding.AcceptCalls() < 2 {
		t.Errorf("Accept calls = %d, want repeated waits", f.binding.AcceptCalls())
	}
}

func TestStopBeforeFirstProbe(t *testing.T) {
	t.Parallel()

	f := newFixture(t, transport.ModeUDP)
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !f.sess.Running() {
		t.Fatal("Running() = false after Start")
	}

	if err := f.sess.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.sess.State() != session.StateStopped {
		t.Errorf("state = %s, want stopped", f.sess.State())
	}
	if f.sess.Err() != nil {
		t.Errorf("Err() = %v, want nil after Stop", f.sess.Err())
	}
	wantEvents(t, f.events.Events(),
		status.PortAssigned(transportmock.DefaultPort),
		status.RunningChanged(true),
		status.RunningChanged(false),
	)
	if f.src.Calls().Start != 0 {
		t.Error("capture started without a probe")
	}
	select {
	case err := <-f.peerLost:
		t.Errorf("OnPeerLost called after Stop: %v", err)
	default:
	}

	// Stop is idempotent.
	if err := f.sess.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestPermissionDeniedShortCircuits(t *testing.T) {
	t.Parallel()

	f := newFixture(t, transport.ModeUDP)
	f.src.PermissionError = audio.ErrPermissionDenied

	err := f.sess.Start(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start err = %v, want ErrPermissionDenied", err)
	}
	if f.binding.ListenCalls() != 0 {
		t.Error("transport bound despite denied permission")
	}
	if f.sess.State() != session.StatePermissionFailed {
		t.Errorf("state = %s, want permission_failed", f.sess.State())
	}
	wantEvents(t, f.events.Events(), status.PermissionDenied(true))
	waitDone(t, f.sess)
}

func TestPermissionErrorIsClassified(t *testing.T) {
	t.Parallel()

	f := newFixture(t, transport.ModeTCP)
	f.src.PermissionError = errors.New("device busy")

	err := f.sess.Start(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start err = %v, want wrapped ErrPermissionDenied", err)
	}
}

func TestBindFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, transport.ModeUDP)
	f.binding.ListenError = syscall.EADDRINUSE

	err := f.sess.Start(context.Background())
	var be *transport.BindError
	if !errors.As(err, &be) {
		t.Fatalf("Start err = %v, want *BindError", err)
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		t.Errorf("BindError does not unwrap to EADDRINUSE: %v", err)
	}
	if f.sess.State() != session.StateBindFailed {
		t.Errorf("state = %s, want bind_failed", f.sess.State())
	}
	wantEvents(t, f.events.Events(), status.BindError(true))

	calls := f.src.Calls()
	if calls.Start != 0 || calls.Release != 1 {
		t.Errorf("source calls = %+v, want no Start and one Release", calls)
	}
}

func TestStartTwice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, transport.ModeUDP)
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.sess.Start(context.Background()); !errors.Is(err, session.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestTCP_ChunkedSourceFillsFrame(t *testing.T) {
	t.Parallel()

	peer := &transportmock.Peer{Requests: []transportmock.Request{{Length: 100}}}
	f := newFixture(t, transport.ModeTCP, peer)
	f.src.ChunkSize = 7

	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(peer.Replies()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := f.sess.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	replies := peer.Replies()
	if len(replies) != 1 || len(replies[0]) != 100 {
		t.Fatalf("replies = %d, want one of 100 bytes", len(replies))
	}
	if !contiguous(replies) {
		t.Error("reply is not contiguous capture data")
	}
	if got := f.src.Calls().Read; got != 15 {
		t.Errorf("source reads = %d, want 15", got)
	}
	// TCP read timeouts are never fatal.
	if f.sess.Err() != nil {
		t.Errorf("Err() = %v, want nil", f.sess.Err())
	}
}

func TestTCP_ClientGoneEndsSession(t *testing.T) {
	t.Parallel()

	peer := &transportmock.Peer{Requests: []transportmock.Request{{Length: 8}, {Err: errors.New("connection reset")}}}
	f := newFixture(t, transport.ModeTCP, peer)

	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, f.sess)
	if !errors.Is(f.sess.Err(), session.ErrPeerLost) {
		t.Errorf("Err() = %v, want ErrPeerLost", f.sess.Err())
	}
	if err := <-f.peerLost; !errors.Is(err, session.ErrPeerLost) {
		t.Errorf("OnPeerLost err = %v", err)
	}
}

func TestProtocolErrorsEndSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		reqs []transportmock.Request
		want error
	}{
		{"overflow", []transportmock.Request{{Length: 2}, {Err: wire.ErrLengthOverflow}}, wire.ErrLengthOverflow},
		{"short probe", []transportmock.Request{{Length: 2}, {Err: wire.ErrShortProbe}}, wire.ErrShortProbe},
		{"too large", []transportmock.Request{{Length: session.DefaultMaxFrameBytes + 1}}, session.ErrFrameTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			peer := &transportmock.Peer{Requests: tc.reqs}
			f := newFixture(t, transport.ModeUDP, peer)
			if err := f.sess.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			waitDone(t, f.sess)
			if !errors.Is(f.sess.Err(), tc.want) {
				t.Errorf("Err() = %v, want %v", f.sess.Err(), tc.want)
			}
			if err := <-f.peerLost; !errors.Is(err, tc.want) {
				t.Errorf("OnPeerLost err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestUDP_MalformedBeforeFirstExchangeIsIgnored(t *testing.T) {
	t.Parallel()

	peer := &transportmock.Peer{Requests: []transportmock.Request{
		{Err: wire.ErrShortProbe},
		{Err: wire.ErrLengthOverflow},
		{Length: 4},
	}}
	f := newFixture(t, transport.ModeUDP, peer)
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, f.sess)

	replies := peer.Replies()
	if len(replies) != 1 || len(replies[0]) != 4 {
		t.Fatalf("replies = %v, want one 4-byte reply", replies)
	}
	// The session only ends once the peer goes silent after the exchange.
	if !errors.Is(f.sess.Err(), session.ErrPeerLost) {
		t.Errorf("Err() = %v, want ErrPeerLost", f.sess.Err())
	}
	if errors.Is(f.sess.Err(), wire.ErrShortProbe) || errors.Is(f.sess.Err(), wire.ErrLengthOverflow) {
		t.Errorf("Err() = %v, malformed datagram leaked into the session error", f.sess.Err())
	}
}

func TestStop_ForceClosesBlockedCapture(t *testing.T) {
	t.Parallel()

	peer := &transportmock.Peer{Requests: []transportmock.Request{{Length: 4}}}
	f := newFixture(t, transport.ModeTCP, peer)
	f.src.BlockReads = true

	reading := make(chan struct{})
	var once sync.Once
	f.src.OnRead = func() { once.Do(func() { close(reading) }) }

	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-reading:
	case <-time.After(2 * time.Second):
		t.Fatal("capture never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.sess.State() != session.StateStopped {
		t.Errorf("state = %s, want stopped", f.sess.State())
	}
	select {
	case err := <-f.peerLost:
		t.Errorf("OnPeerLost called after Stop: %v", err)
	default:
	}
}

func TestStopIdleSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, transport.ModeUDP)
	if err := f.sess.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.sess.State() != session.StateStopped {
		t.Errorf("state = %s, want stopped", f.sess.State())
	}
	if err := f.sess.Start(context.Background()); !errors.Is(err, session.ErrAlreadyStarted) {
		t.Errorf("Start after Stop = %v, want ErrAlreadyStarted", err)
	}
	if len(f.events.Events()) != 0 {
		t.Errorf("events = %v, want none", f.events.Events())
	}
}

func TestUDP_RealSocket(t *testing.T) {
	t.Parallel()

	events := &recorder{}
	sess := session.New(session.Config{
		Mode:              transport.ModeUDP,
		Host:              "127.0.0.1",
		Source:            &audiomock.Source{},
		Events:            events,
		UDPReceiveTimeout: 50 * time.Millisecond,
	})
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop(context.Background())

	port := sess.Port()
	if !inEphemeralRange(port) {
		t.Fatalf("port 0 resolved to %d, want an ephemeral port", port)
	}
	if got := events.Events()[0]; got != status.PortAssigned(port) {
		t.Errorf("first event = %v, want PortAssigned(%d)", got, port)
	}

	client, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))

	buf := make([]byte, 2048)
	for _, want := range []int{0, 960, 100} {
		if _, err := client.Write(wire.AppendLength(nil, uint32(want))); err != nil {
			t.Fatal(err)
		}
		n, err := client.Read(buf)
		if err != nil {
			t.Fatalf("read reply for %d: %v", want, err)
		}
		if n != want {
			t.Errorf("reply length = %d, want %d", n, want)
		}
	}
}

func TestTCP_RealSocket(t *testing.T) {
	t.Parallel()

	sess := session.New(session.Config{
		Mode:           transport.ModeTCP,
		Host:           "127.0.0.1",
		Source:         &audiomock.Source{ChunkSize: 7},
		TCPReadTimeout: 20 * time.Millisecond,
	})
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop(context.Background())

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(sess.Port())))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	if err := wire.WriteFrame(conn, nil); err != nil {
		t.Fatal(err)
	}
	// A zero-length request is answered with nothing; the next one must
	// still line up.
	if _, err := conn.Write(wire.AppendLength(nil, 100)); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 100)
	if _, err := readFull(conn, got); err != nil {
		t.Fatalf("read 100 bytes: %v", err)
	}
	for i, b := range got {
		if b != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, b, byte(i))
		}
	}
}

// inEphemeralRange reports whether port looks like an OS-assigned port.
func inEphemeralRange(port int) bool {
	return port > 1023 && port <= 65535
}

func TestUDP_StrayDatagramBeforeFirstRequest(t *testing.T) {
	t.Parallel()

	peerLost := make(chan error, 1)
	sess := session.New(session.Config{
		Mode:              transport.ModeUDP,
		Host:              "127.0.0.1",
		Source:            &audiomock.Source{},
		UDPReceiveTimeout: 50 * time.Millisecond,
		OnPeerLost:        func(err error) { peerLost <- err },
	})
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop(context.Background())

	client, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.Port()})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))

	if _, err := client.Write([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Write(wire.AppendLength(nil, 16)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if n != 16 {
		t.Errorf("reply length = %d, want 16", n)
	}
	if !sess.Running() {
		t.Fatalf("session stopped: %v", sess.Err())
	}
	select {
	case err := <-peerLost:
		t.Errorf("OnPeerLost called: %v", err)
	default:
	}
}

func TestSamePortTwice(t *testing.T) {
	t.Parallel()

	for _, mode := range []transport.Mode{transport.ModeUDP, transport.ModeTCP} {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()

			first := session.New(session.Config{
				Mode:              mode,
				Host:              "127.0.0.1",
				Source:            &audiomock.Source{},
				UDPReceiveTimeout: 50 * time.Millisecond,
				TCPAcceptTimeout:  50 * time.Millisecond,
			})
			if err := first.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			defer first.Stop(context.Background())
			if port := first.Port(); !inEphemeralRange(port) {
				t.Fatalf("port 0 resolved to %d, want an ephemeral port", port)
			}

			events := &recorder{}
			second := session.New(session.Config{
				Mode:   mode,
				Host:   "127.0.0.1",
				Port:   first.Port(),
				Source: &audiomock.Source{},
				Events: events,
			})
			err := second.Start(context.Background())
			var be *transport.BindError
			if !errors.As(err, &be) {
				t.Fatalf("second Start = %v, want *BindError", err)
			}
			wantEvents(t, events.Events(), status.BindError(true))
			if second.State() != session.StateBindFailed {
				t.Errorf("state = %s, want bind_failed", second.State())
			}
			if !first.Running() {
				t.Error("first session stopped by the failed bind")
			}
		})
	}
}

func readFull(c net.Conn, b []byte) (int, error) {
	n := 0
	for n < len(b) {
		m, err := c.Read(b[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
