// Package malgo provides an [audio.Source] backed by a real capture device
// through miniaudio (github.com/gen2brain/malgo).
//
// The device callback pushes captured S16 frames into an [audio.Buffer];
// [Source.Read] pulls from that buffer and blocks until the requested byte
// count has been captured.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	miniaudio "github.com/gen2brain/malgo"

	"github.com/MrWong99/awim/pkg/audio"
)

const defaultBufferDuration = 2 * time.Second

// Option is a functional option for configuring a [Source].
type Option func(*Source)

// WithBufferDuration sets how much captured audio is retained while no reader
// is waiting. Older audio is overwritten. The default is 2s.
func WithBufferDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.bufDur = d
		}
	}
}

// WithPeriod sets the device period (callback interval) in milliseconds.
// Zero keeps the backend default.
func WithPeriod(ms uint32) Option {
	return func(s *Source) {
		s.periodMS = ms
	}
}

// Source captures microphone audio from the default capture device.
type Source struct {
	bufDur   time.Duration
	periodMS uint32

	mu       sync.Mutex
	format   audio.Format
	buf      *audio.Buffer
	actx     *miniaudio.AllocatedContext
	dev      *miniaudio.Device
	running  bool
	released bool
}

var _ audio.Source = (*Source)(nil)

// New creates an unconfigured capture source.
func New(opts ...Option) *Source {
	s := &Source{bufDur: defaultBufferDuration}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CheckPermission opens and immediately closes the default capture device.
// Any failure is reported as [audio.ErrPermissionDenied] since platforms that
// gate microphone access surface refusal as a device-open failure.
func (s *Source) CheckPermission(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	actx, err := initContext()
	if err != nil {
		return fmt.Errorf("%w: init context: %v", audio.ErrPermissionDenied, err)
	}
	defer freeContext(actx)

	devices, err := actx.Devices(miniaudio.Capture)
	if err != nil {
		return fmt.Errorf("%w: enumerate capture devices: %v", audio.ErrPermissionDenied, err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("%w: no capture device available", audio.ErrPermissionDenied)
	}

	cfg := deviceConfig(audio.DefaultFormat(), 0)
	dev, err := miniaudio.InitDevice(actx.Context, cfg, miniaudio.DeviceCallbacks{})
	if err != nil {
		return fmt.Errorf("%w: open capture device: %v", audio.ErrPermissionDenied, err)
	}
	dev.Uninit()
	return nil
}

// Configure sets the capture format. It fails while capture is running.
func (s *Source) Configure(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return audio.ErrSourceClosed
	}
	if s.running {
		return errors.New("malgo: cannot reconfigure while capturing")
	}
	if s.dev != nil {
		// The device callback is bound to the previous buffer.
		s.dev.Uninit()
		s.dev = nil
	}
	s.format = f
	s.buf = audio.NewBuffer(int(s.bufDur.Seconds() * float64(f.BytesPerSecond())))
	return nil
}

// Start opens the capture device on first use and begins buffering.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return audio.ErrSourceClosed
	}
	if s.buf == nil {
		return audio.ErrNotConfigured
	}
	if s.running {
		return nil
	}

	if s.actx == nil {
		actx, err := initContext()
		if err != nil {
			return fmt.Errorf("malgo: init context: %w", err)
		}
		s.actx = actx
	}
	if s.dev == nil {
		buf := s.buf
		callbacks := miniaudio.DeviceCallbacks{
			Data: func(_, input []byte, _ uint32) {
				if len(input) == 0 {
					return
				}
				_, _ = buf.Write(input)
			},
		}
		dev, err := miniaudio.InitDevice(s.actx.Context, deviceConfig(s.format, s.periodMS), callbacks)
		if err != nil {
			return fmt.Errorf("malgo: init capture device: %w", err)
		}
		s.dev = dev
	}

	s.buf.Reset()
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("malgo: start capture: %w", err)
	}
	s.running = true
	slog.Debug("malgo: capture started", "format", s.format.String())
	return nil
}

// Read blocks until len(buf) bytes have been captured.
func (s *Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	b := s.buf
	s.mu.Unlock()
	if b == nil {
		return 0, audio.ErrNotConfigured
	}

	filled := 0
	for filled < len(p) {
		n, err := b.Read(p[filled:])
		filled += n
		if err != nil {
			return filled, err
		}
	}
	return filled, nil
}

// Stop halts the device and wakes blocked readers.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Source) stopLocked() error {
	if s.buf != nil {
		s.buf.Close()
	}
	if !s.running {
		return nil
	}
	s.running = false
	if dropped := s.buf.Dropped(); dropped > 0 {
		slog.Debug("malgo: capture overflowed", "dropped_bytes", dropped)
	}
	if err := s.dev.Stop(); err != nil {
		return fmt.Errorf("malgo: stop capture: %w", err)
	}
	return nil
}

// Release stops capture and frees the device and context.
func (s *Source) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	err := s.stopLocked()
	if s.dev != nil {
		s.dev.Uninit()
		s.dev = nil
	}
	if s.actx != nil {
		freeContext(s.actx)
		s.actx = nil
	}
	s.released = true
	return err
}

func initContext() (*miniaudio.AllocatedContext, error) {
	return miniaudio.InitContext(nil, miniaudio.ContextConfig{}, func(message string) {
		slog.Debug("malgo: backend message", "message", message)
	})
}

func freeContext(actx *miniaudio.AllocatedContext) {
	_ = actx.Uninit()
	actx.Free()
}

func deviceConfig(f audio.Format, periodMS uint32) miniaudio.DeviceConfig {
	cfg := miniaudio.DefaultDeviceConfig(miniaudio.Capture)
	cfg.Capture.Format = miniaudio.FormatS16
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Alsa.NoMMap = 1
	if periodMS > 0 {
		cfg.PeriodSizeInMilliseconds = periodMS
	}
	return cfg
}
