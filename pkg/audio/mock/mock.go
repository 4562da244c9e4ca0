// Package mock provides an in-memory mock implementation of [audio.Source]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{ChunkSize: 7}
//	sess := session.New(session.Config{Source: src, ...})
//	...
//	if src.Calls().Start != 1 { ... }
//
// Data handed out by Read is a running byte counter (0, 1, 2, … 255, 0, …)
// so tests can check that frames are contiguous and complete.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/awim/pkg/audio"
)

// Calls is a snapshot of the call counters of a [Source].
type Calls struct {
	CheckPermission int
	Configure       int
	Start           int
	Read            int
	Stop            int
	Release         int
}

// Source is a mock implementation of [audio.Source].
// Set the exported error fields before use; inspect [Source.Calls] after.
type Source struct {
	mu sync.Mutex

	// PermissionError is returned by CheckPermission.
	PermissionError error

	// ConfigureError is returned by Configure.
	ConfigureError error

	// StartError is returned by Start.
	StartError error

	// ReadError, when non-nil, is returned by every Read.
	ReadError error

	// ChunkSize caps the bytes returned per Read call to force callers through
	// multiple reads. Zero means no cap.
	ChunkSize int

	// BlockReads makes Read block until Stop or Release is called.
	BlockReads bool

	// OnRead, when non-nil, is invoked (without the lock held) at the start of
	// every Read.
	OnRead func()

	calls      Calls
	format     audio.Format
	started    bool
	released   bool
	seq        byte
	bytesRead  int
	stopSignal chan struct{}
}

// CheckPermission implements [audio.Source]. Returns PermissionError.
func (s *Source) CheckPermission(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.CheckPermission++
	return s.PermissionError
}

// Configure implements [audio.Source]. Records the format and returns ConfigureError.
func (s *Source) Configure(f audio.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Configure++
	s.format = f
	return s.ConfigureError
}

// Start implements [audio.Source]. Returns StartError.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Start++
	if s.StartError != nil {
		return s.StartError
	}
	if s.released {
		return audio.ErrSourceClosed
	}
	s.started = true
	s.stopSignal = make(chan struct{})
	return nil
}

// Read implements [audio.Source]. It fills buf with the running byte counter.
// Reads on a source that is not started return [audio.ErrSourceClosed].
func (s *Source) Read(buf []byte) (int, error) {
	s.mu.Lock()
	s.calls.Read++
	onRead := s.OnRead
	s.mu.Unlock()

	if onRead != nil {
		onRead()
	}

	s.mu.Lock()
	if s.ReadError != nil {
		err := s.ReadError
		s.mu.Unlock()
		return 0, err
	}
	if !s.started {
		s.mu.Unlock()
		return 0, audio.ErrSourceClosed
	}
	if s.BlockReads {
		stop := s.stopSignal
		s.mu.Unlock()
		<-stop
		return 0, audio.ErrSourceClosed
	}
	defer s.mu.Unlock()

	n := len(buf)
	if s.ChunkSize > 0 {
		n = min(n, s.ChunkSize)
	}
	for i := range n {
		buf[i] = s.seq
		s.seq++
	}
	s.bytesRead += n
	return n, nil
}

// Stop implements [audio.Source]. Wakes any blocked Read.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Stop++
	s.halt()
	return nil
}

// Release implements [audio.Source]. Wakes any blocked Read.
func (s *Source) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Release++
	s.halt()
	s.released = true
	return nil
}

func (s *Source) halt() {
	if s.started {
		s.started = false
		close(s.stopSignal)
	}
}

// Calls returns a snapshot of the call counters.
func (s *Source) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Format returns the format passed to the last Configure call.
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Started reports whether capture is currently running.
func (s *Source) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// BytesRead returns the total number of bytes handed out by Read.
func (s *Source) BytesRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesRead
}
