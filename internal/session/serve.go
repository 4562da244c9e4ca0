package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/awim/internal/observe"
	"github.com/MrWong99/awim/internal/status"
	"github.com/MrWong99/awim/internal/transport"
	"github.com/MrWong99/awim/internal/wire"
	"github.com/MrWong99/awim/pkg/audio"
)

func (s *Session) serve(ctx context.Context) {
	ctx, span := observe.StartSpan(ctx, "session.serve")

	var err error
	switch s.cfg.Mode {
	case transport.ModeUDP:
		err = s.serveUDP(ctx)
	case transport.ModeTCP:
		err = s.serveTCP(ctx)
	}
	if s.stopRequested.Load() {
		err = nil
	}

	s.teardown(ctx, err)
	observe.EndSpan(span, err)
}

// serveUDP answers size probes until stopped or the peer goes silent.
// Timeouts and malformed datagrams before the first exchange are benign;
// afterwards PeerLossTimeouts consecutive timeouts end the session and a
// malformed datagram is fatal. Capture starts on the first valid request.
func (s *Session) serveUDP(ctx context.Context) error {
	peer, err := s.accept(ctx, s.cfg.UDPReceiveTimeout)
	if err != nil || peer == nil {
		return err
	}

	var (
		misses    int
		exchanged bool
		capturing bool
	)
	for s.running.Load() {
		n, err := peer.NextRequest(s.cfg.UDPReceiveTimeout)
		if !s.running.Load() {
			return nil
		}
		if errors.Is(err, transport.ErrTimeout) {
			if !exchanged {
				continue
			}
			misses++
			s.metrics.RecordProbeTimeout(ctx, s.cfg.Mode.String())
			observe.Logger(ctx).Debug("session: probe timeout", "misses", misses, "limit", s.cfg.PeerLossTimeouts)
			if misses >= s.cfg.PeerLossTimeouts {
				return fmt.Errorf("%w: no probe after %d receive timeouts", ErrPeerLost, misses)
			}
			continue
		}
		if err != nil {
			if !exchanged && malformed(err) {
				observe.Logger(ctx).Debug("session: ignoring malformed datagram", "err", err, "peer", peer.Addr().String())
				continue
			}
			return peerError(err)
		}
		misses = 0

		if !capturing {
			if err := s.src.Start(); err != nil {
				return fmt.Errorf("session: start capture: %w", err)
			}
			capturing = true
		}
		if err := s.exchange(ctx, peer, n); err != nil {
			if !s.running.Load() {
				return nil
			}
			return err
		}
		exchanged = true
	}
	return nil
}

// serveTCP streams to the single accepted client until stopped or the client
// goes away. Read timeouts only give the loop a chance to notice a stop.
func (s *Session) serveTCP(ctx context.Context) error {
	peer, err := s.accept(ctx, s.cfg.TCPAcceptTimeout)
	if err != nil || peer == nil {
		return err
	}
	if err := s.src.Start(); err != nil {
		return fmt.Errorf("session: start capture: %w", err)
	}

	for s.running.Load() {
		n, err := peer.NextRequest(s.cfg.TCPReadTimeout)
		if !s.running.Load() {
			return nil
		}
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return peerError(err)
		}
		if err := s.exchange(ctx, peer, n); err != nil {
			if !s.running.Load() {
				return nil
			}
			return err
		}
	}
	return nil
}

// accept waits for the peer. It returns (nil, nil) when stopped first.
func (s *Session) accept(ctx context.Context, timeout time.Duration) (transport.Peer, error) {
	s.mu.Lock()
	b := s.binding
	s.mu.Unlock()

	for s.running.Load() {
		p, err := b.Accept(timeout)
		if !s.running.Load() {
			if p != nil {
				_ = p.Close()
			}
			return nil, nil
		}
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if s.cfg.Mode == transport.ModeUDP && malformed(err) {
			observe.Logger(ctx).Debug("session: ignoring malformed datagram", "err", err)
			continue
		}
		if err != nil {
			return nil, peerError(err)
		}

		s.mu.Lock()
		s.peer = p
		s.mu.Unlock()
		s.metrics.ActivePeers.Add(ctx, 1)
		observe.Logger(ctx).Info("session: peer connected",
			"mode", s.cfg.Mode.String(), "port", s.Port(), "peer", p.Addr().String())
		return p, nil
	}
	return nil, nil
}

// exchange captures exactly n bytes and sends them to peer.
func (s *Session) exchange(ctx context.Context, peer transport.Peer, n uint32) error {
	if n > s.cfg.MaxFrameBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, s.cfg.MaxFrameBytes)
	}
	start := time.Now()
	if cap(s.buf) < int(n) {
		s.buf = make([]byte, n)
	}
	buf := s.buf[:n]
	if err := audio.ReadFull(s.src, buf); err != nil {
		return fmt.Errorf("session: capture: %w", err)
	}
	if err := peer.Reply(buf); err != nil {
		return peerError(err)
	}
	s.metrics.RecordFrame(ctx, s.cfg.Mode.String(), int(n), time.Since(start))
	return nil
}

// malformed reports whether err is a datagram that is not a valid size probe.
func malformed(err error) bool {
	return errors.Is(err, wire.ErrShortProbe) || errors.Is(err, wire.ErrLengthOverflow)
}

// peerError passes protocol violations through and reports everything else
// as a lost peer.
func peerError(err error) error {
	switch {
	case errors.Is(err, wire.ErrShortProbe),
		errors.Is(err, wire.ErrLengthOverflow),
		errors.Is(err, wire.ErrTruncated):
		return err
	}
	return fmt.Errorf("%w: %w", ErrPeerLost, err)
}

// teardown releases everything and publishes RunningChanged(false).
func (s *Session) teardown(ctx context.Context, err error) {
	s.state.Store(int32(StateStopping))
	s.running.Store(false)

	s.mu.Lock()
	b, p := s.binding, s.peer
	s.err = err
	s.mu.Unlock()

	s.releaseSource()
	if p != nil {
		_ = p.Close()
		s.metrics.ActivePeers.Add(ctx, -1)
	}
	if cerr := b.Close(); cerr != nil {
		observe.Logger(ctx).Debug("session: close binding", "err", cerr)
	}

	s.publish(status.RunningChanged(false))
	s.metrics.ActiveSessions.Add(ctx, -1)
	s.metrics.RecordSessionEnd(ctx, s.cfg.Mode.String(), endReason(err))
	s.state.Store(int32(StateStopped))

	log := observe.Logger(ctx).With("mode", s.cfg.Mode.String(), "port", s.Port())
	if err != nil {
		log.Warn("session: ended", "err", err)
	} else {
		log.Info("session: stopped")
	}
	s.closeDone()

	if err != nil && s.cfg.OnPeerLost != nil {
		s.cfg.OnPeerLost(err)
	}
}

func endReason(err error) string {
	switch {
	case err == nil:
		return "stopped"
	case errors.Is(err, ErrPeerLost):
		return "peer_lost"
	default:
		return "error"
	}
}
