package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/MrWong99/awim/internal/wire"
)

type tcpBinding struct {
	ln   *net.TCPListener
	port int
	opts options

	closeOnce sync.Once
	closeErr  error
}

func newTCPBinding(ln *net.TCPListener, o options) *tcpBinding {
	return &tcpBinding{
		ln:   ln,
		port: ln.Addr().(*net.TCPAddr).Port,
		opts: o,
	}
}

func (b *tcpBinding) Mode() Mode { return ModeTCP }
func (b *tcpBinding) Port() int  { return b.port }

func (b *tcpBinding) Accept(timeout time.Duration) (Peer, error) {
	if err := b.ln.SetDeadline(deadline(timeout)); err != nil {
		return nil, classify(err)
	}
	conn, err := b.ln.AcceptTCP()
	if err != nil {
		return nil, classify(err)
	}
	_ = conn.SetNoDelay(true)
	return &tcpPeer{conn: conn, writeTimeout: b.opts.writeTimeout}, nil
}

func (b *tcpBinding) Close() error {
	b.closeOnce.Do(func() { b.closeErr = b.ln.Close() })
	return b.closeErr
}

// tcpPeer reads length prefixes off the stream. Bytes of a prefix received
// before a timeout are kept, so a slow client never desynchronises framing.
type tcpPeer struct {
	conn         *net.TCPConn
	writeTimeout time.Duration

	hdr  [wire.PrefixLen]byte
	have int

	closeOnce sync.Once
	closeErr  error
}

func (p *tcpPeer) Addr() net.Addr { return p.conn.RemoteAddr() }

func (p *tcpPeer) NextRequest(timeout time.Duration) (uint32, error) {
	if err := p.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return 0, classify(err)
	}
	for p.have < wire.PrefixLen {
		n, err := p.conn.Read(p.hdr[p.have:])
		p.have += n
		if p.have == wire.PrefixLen {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) && p.have > 0 {
				return 0, wire.ErrTruncated
			}
			return 0, classify(err)
		}
	}
	p.have = 0
	return wire.DecodeLength(p.hdr[:])
}

func (p *tcpPeer) Reply(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if err := p.conn.SetWriteDeadline(deadline(p.writeTimeout)); err != nil {
		return classify(err)
	}
	_, err := p.conn.Write(payload)
	return classify(err)
}

func (p *tcpPeer) Close() error {
	p.closeOnce.Do(func() { p.closeErr = p.conn.Close() })
	return p.closeErr
}
