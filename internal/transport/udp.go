package transport

import (
	"net"
	"sync"
	"time"

	"github.com/MrWong99/awim/internal/wire"
)

// probeBufSize is larger than a valid probe so oversized datagrams are
// detected instead of silently truncated.
const probeBufSize = 64

type udpBinding struct {
	conn *net.UDPConn
	port int
	opts options

	closeOnce sync.Once
	closeErr  error
}

func newUDPBinding(conn *net.UDPConn, o options) *udpBinding {
	return &udpBinding{
		conn: conn,
		port: conn.LocalAddr().(*net.UDPAddr).Port,
		opts: o,
	}
}

func (b *udpBinding) Mode() Mode { return ModeUDP }
func (b *udpBinding) Port() int  { return b.port }

// Accept waits for the first size probe.
func (b *udpBinding) Accept(timeout time.Duration) (Peer, error) {
	n, addr, err := b.recv(timeout)
	if err != nil {
		return nil, err
	}
	return &udpPeer{b: b, addr: addr, pending: n, hasPending: true}, nil
}

func (b *udpBinding) recv(timeout time.Duration) (uint32, *net.UDPAddr, error) {
	if err := b.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return 0, nil, classify(err)
	}
	var buf [probeBufSize]byte
	n, addr, err := b.conn.ReadFromUDP(buf[:])
	if err != nil {
		return 0, nil, classify(err)
	}
	length, err := wire.DecodeLength(buf[:n])
	if err != nil {
		return 0, addr, err
	}
	return length, addr, nil
}

func (b *udpBinding) Close() error {
	b.closeOnce.Do(func() { b.closeErr = b.conn.Close() })
	return b.closeErr
}

// udpPeer tracks the most recent requester. The socket belongs to the
// binding.
type udpPeer struct {
	b *udpBinding

	mu         sync.Mutex
	addr       *net.UDPAddr
	pending    uint32
	hasPending bool
}

func (p *udpPeer) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

func (p *udpPeer) NextRequest(timeout time.Duration) (uint32, error) {
	p.mu.Lock()
	if p.hasPending {
		p.hasPending = false
		n := p.pending
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	n, addr, err := p.b.recv(timeout)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.addr = addr
	p.mu.Unlock()
	return n, nil
}

// Reply sends payload as one datagram to the sender of the latest probe. An
// empty payload produces an empty datagram.
func (p *udpPeer) Reply(payload []byte) error {
	p.mu.Lock()
	addr := p.addr
	p.mu.Unlock()
	if err := p.b.conn.SetWriteDeadline(deadline(p.b.opts.writeTimeout)); err != nil {
		return classify(err)
	}
	_, err := p.b.conn.WriteToUDP(payload, addr)
	return classify(err)
}

func (p *udpPeer) Close() error { return nil }
