package audio_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/awim/pkg/audio"
)

func TestBuffer_WriteRead(t *testing.T) {
	t.Parallel()

	b := audio.NewBuffer(8)
	if _, err := b.Write([]byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p := make([]byte, 3)
	n, err := b.Read(p)
	if err != nil || n != 3 {
		t.Fatalf("Read = %d, %v; want 3, nil", n, err)
	}
	if !bytes.Equal(p, []byte{1, 2, 3}) {
		t.Errorf("Read = %v, want [1 2 3]", p)
	}
	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}
}

func TestBuffer_OverwritesOldest(t *testing.T) {
	t.Parallel()

	b := audio.NewBuffer(4)
	_, _ = b.Write([]byte{1, 2, 3})
	_, _ = b.Write([]byte{4, 5, 6})

	p := make([]byte, 4)
	if _, err := b.Read(p); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(p, []byte{3, 4, 5, 6}) {
		t.Errorf("Read = %v, want [3 4 5 6]", p)
	}
	if b.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", b.Dropped())
	}
}

func TestBuffer_WriteLargerThanCapacity(t *testing.T) {
	t.Parallel()

	b := audio.NewBuffer(3)
	_, _ = b.Write([]byte{9})
	_, _ = b.Write([]byte{1, 2, 3, 4, 5})

	p := make([]byte, 3)
	if _, err := b.Read(p); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(p, []byte{3, 4, 5}) {
		t.Errorf("Read = %v, want [3 4 5]", p)
	}
}

func TestBuffer_ReadBlocksUntilData(t *testing.T) {
	t.Parallel()

	b := audio.NewBuffer(16)
	done := make(chan []byte, 1)
	go func() {
		p := make([]byte, 4)
		if _, err := b.Read(p); err != nil {
			done <- nil
			return
		}
		done <- p
	}()

	select {
	case <-done:
		t.Fatal("Read returned before data was written")
	case <-time.After(20 * time.Millisecond):
	}

	_, _ = b.Write([]byte{1, 2})
	_, _ = b.Write([]byte{3, 4})

	select {
	case p := <-done:
		if !bytes.Equal(p, []byte{1, 2, 3, 4}) {
			t.Errorf("Read = %v, want [1 2 3 4]", p)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not return after data was written")
	}
}

func TestBuffer_CloseWakesReader(t *testing.T) {
	t.Parallel()

	b := audio.NewBuffer(16)
	errc := make(chan error, 1)
	go func() {
		_, err := b.Read(make([]byte, 4))
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, audio.ErrSourceClosed) {
			t.Errorf("Read error = %v, want ErrSourceClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake blocked reader")
	}

	if _, err := b.Write([]byte{1}); !errors.Is(err, audio.ErrSourceClosed) {
		t.Errorf("Write after Close = %v, want ErrSourceClosed", err)
	}

	b.Reset()
	if _, err := b.Write([]byte{1}); err != nil {
		t.Errorf("Write after Reset = %v, want nil", err)
	}
}

func TestBuffer_ReadLargerThanCapacityReturnsChunk(t *testing.T) {
	t.Parallel()

	b := audio.NewBuffer(2)
	_, _ = b.Write([]byte{7, 8})
	p := make([]byte, 10)
	n, err := b.Read(p)
	if err != nil || n != 2 {
		t.Fatalf("Read = %d, %v; want 2, nil", n, err)
	}
}
