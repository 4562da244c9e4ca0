// Package tone provides a synthetic [audio.Source] producing a sine wave.
//
// It stands in for a microphone on hosts without a capture device and in
// end-to-end tests. In real-time mode, Read blocks for as long as a capture
// device would need to produce the requested number of bytes.
package tone

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/awim/pkg/audio"
)

const (
	defaultFrequency = 440.0
	defaultAmplitude = 0.25
)

// Option is a functional option for configuring a [Source].
type Option func(*Source)

// WithFrequency sets the tone frequency in Hz. Default: 440.
func WithFrequency(hz float64) Option {
	return func(s *Source) {
		if hz > 0 {
			s.freq = hz
		}
	}
}

// WithAmplitude sets the peak amplitude as a fraction of full scale in
// (0, 1]. Default: 0.25.
func WithAmplitude(a float64) Option {
	return func(s *Source) {
		if a > 0 && a <= 1 {
			s.amp = a
		}
	}
}

// WithRealtime paces reads at the configured capture rate.
func WithRealtime(enabled bool) Option {
	return func(s *Source) {
		s.realtime = enabled
	}
}

// Source generates a continuous sine wave.
type Source struct {
	freq     float64
	amp      float64
	realtime bool

	mu       sync.Mutex
	format   audio.Format
	phase    float64
	pending  []byte
	started  bool
	released bool
	startAt  time.Time
	produced int64
	stop     chan struct{}
}

var _ audio.Source = (*Source)(nil)

// New creates an unconfigured tone source.
func New(opts ...Option) *Source {
	s := &Source{freq: defaultFrequency, amp: defaultAmplitude}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CheckPermission always succeeds; no device is involved.
func (s *Source) CheckPermission(ctx context.Context) error {
	return ctx.Err()
}

// Configure sets the output format.
func (s *Source) Configure(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return audio.ErrSourceClosed
	}
	s.format = f
	return nil
}

// Start resets pacing and begins producing samples.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.released:
		return audio.ErrSourceClosed
	case s.format.SampleRate == 0:
		return audio.ErrNotConfigured
	case s.started:
		return nil
	}
	s.started = true
	s.startAt = time.Now()
	s.produced = 0
	s.pending = nil
	s.stop = make(chan struct{})
	return nil
}

// Read fills p with the next len(p) bytes of the tone.
func (s *Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return 0, audio.ErrSourceClosed
	}
	stop := s.stop
	var wait time.Duration
	if s.realtime {
		due := time.Duration(float64(s.produced+int64(len(p))) / float64(s.format.BytesPerSecond()) * float64(time.Second))
		wait = time.Until(s.startAt.Add(due))
	}
	s.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-stop:
			t.Stop()
			return 0, audio.ErrSourceClosed
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0, audio.ErrSourceClosed
	}
	s.fill(p)
	s.produced += int64(len(p))
	return len(p), nil
}

// fill writes len(p) bytes of PCM, carrying partial sample frames between calls.
func (s *Source) fill(p []byte) {
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	if n == len(p) {
		return
	}

	frameBytes := s.format.BytesPerFrame()
	frames := (len(p) - n + frameBytes - 1) / frameBytes
	mono := make([]int16, frames)
	step := 2 * math.Pi * s.freq / float64(s.format.SampleRate)
	for i := range mono {
		mono[i] = int16(math.Sin(s.phase) * s.amp * math.MaxInt16)
		s.phase += step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}

	pcm := audio.SamplesToBytes(mono)
	if s.format.Channels == 2 {
		pcm = audio.MonoToStereo(pcm)
	}
	c := copy(p[n:], pcm)
	s.pending = append(s.pending[:0], pcm[c:]...)
}

// Stop halts generation and wakes paced readers.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.started = false
		close(s.stop)
	}
	return nil
}

// Release stops the source permanently.
func (s *Source) Release() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	return nil
}
