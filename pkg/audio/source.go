// Package audio defines the capture-side abstraction used by the streaming
// session engine.
//
// The primary abstraction is [Source]: a microphone (or synthetic) PCM
// producer with an explicit configure/start/read/stop/release lifecycle. A
// [Source] is owned by exactly one session for the session's lifetime; it is
// never shared between sessions.
//
// Implementations live in sub-packages (audio/malgo for real capture devices,
// audio/tone for a synthetic signal, audio/mock for tests). This package lives
// under pkg/ because host integrations are expected to supply their own
// capture primitive behind [Source].
package audio

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned by [Source.CheckPermission] when the host
	// refuses access to the capture device.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrSourceClosed is returned by [Source.Read] when the source was stopped or
	// released while (or before) the read was waiting for data.
	ErrSourceClosed = errors.New("audio: source closed")

	// ErrNotConfigured is returned by [Source.Start] when Configure was never
	// called successfully.
	ErrNotConfigured = errors.New("audio: source not configured")
)

// Source is a blocking PCM capture primitive.
//
// The lifecycle is Configure → Start → Read* → Stop → Release. Stop may be
// followed by another Start; Release is final. Read must either fill the whole
// buffer or fail: a short read without an error is a contract violation.
//
// Stop and Release must be safe to call concurrently with a blocked Read, which
// then returns [ErrSourceClosed].
type Source interface {
	// CheckPermission reports whether the capture device may be opened. It is
	// called once, before any network resource is acquired, and returns an
	// error wrapping [ErrPermissionDenied] on refusal.
	CheckPermission(ctx context.Context) error

	// Configure sets the capture format. It must be called before Start.
	Configure(f Format) error

	// Start begins buffering captured audio.
	Start() error

	// Read blocks until len(buf) bytes of captured audio are available and
	// copies them into buf.
	Read(buf []byte) (int, error)

	// Stop halts capture. Buffered but unread audio is discarded.
	Stop() error

	// Release frees the underlying device. The source is unusable afterwards.
	Release() error
}

// ReadFull reads exactly len(buf) bytes from src, issuing as many Read calls as
// the source needs. A zero-length buf returns immediately without touching src.
func ReadFull(src Source, buf []byte) error {
	for filled := 0; filled < len(buf); {
		n, err := src.Read(buf[filled:])
		filled += n
		if err != nil {
			if filled == len(buf) {
				return nil
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("audio: source returned no data after %d of %d bytes", filled, len(buf))
		}
	}
	return nil
}
