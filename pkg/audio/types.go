package audio

import (
	"errors"
	"fmt"
)

// Capture defaults matching the wire contract: 16-bit signed little-endian PCM,
// mono, 48 kHz. Both ends of a stream must agree on these out of band.
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 1
	DefaultBitDepth   = 16
)

// Format describes the PCM layout produced by a [Source].
type Format struct {
	// SampleRate in Hz (e.g., 48000).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// BitDepth is the sample width in bits. Only 16 is supported on the wire.
	BitDepth int
}

// DefaultFormat returns the capture format the protocol assumes.
func DefaultFormat() Format {
	return Format{
		SampleRate: DefaultSampleRate,
		Channels:   DefaultChannels,
		BitDepth:   DefaultBitDepth,
	}
}

// BytesPerFrame returns the size of one sample frame across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitDepth / 8
}

// BytesPerSecond returns the capture data rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BytesPerFrame()
}

// Validate checks that f describes a format a [Source] can produce.
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio: sample rate %d must be positive", f.SampleRate))
	}
	if f.Channels != 1 && f.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio: channels %d unsupported; valid values: 1, 2", f.Channels))
	}
	if f.BitDepth != 16 {
		errs = append(errs, fmt.Errorf("audio: bit depth %d unsupported; only 16-bit PCM is carried", f.BitDepth))
	}
	return errors.Join(errs...)
}

// String returns a human-readable description, e.g. "48000Hz mono s16".
func (f Format) String() string {
	return fmt.Sprintf("%s s%d", formatString(f.SampleRate, f.Channels), f.BitDepth)
}
