// Package wire implements the length-prefix framing shared by the UDP and TCP
// streaming modes.
//
// Every exchange starts with a 4-byte unsigned little-endian length. In UDP
// mode the remote peer sends the length alone as a size probe and the device
// answers with one datagram of exactly that many PCM bytes. In TCP mode the
// client writes the length on the stream and the device writes that many PCM
// bytes back. A length of zero is legal and yields an empty reply.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

const (
	// PrefixLen is the size of the length prefix in bytes.
	PrefixLen = 4

	// MaxLength is the largest length the protocol carries. The high byte
	// is signed on some peers, so values at or above 2^31 are rejected.
	MaxLength = math.MaxInt32
)

var (
	ErrShortProbe      = errors.New("wire: size probe must be exactly 4 bytes")
	ErrLengthOverflow  = errors.New("wire: length exceeds 2^31-1")
	ErrTruncated       = errors.New("wire: truncated frame")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// PutLength encodes n into the first PrefixLen bytes of b. It panics if b is
// shorter than PrefixLen.
func PutLength(b []byte, n uint32) {
	binary.LittleEndian.PutUint32(b, n)
}

// AppendLength appends the encoded prefix for n to b.
func AppendLength(b []byte, n uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, n)
}

// DecodeLength decodes a complete length prefix. b must be exactly PrefixLen
// bytes long, as received in a size-probe datagram.
func DecodeLength(b []byte) (uint32, error) {
	if len(b) != PrefixLen {
		return 0, ErrShortProbe
	}
	n := binary.LittleEndian.Uint32(b)
	if n > MaxLength {
		return 0, ErrLengthOverflow
	}
	return n, nil
}

// ReadLength reads one length prefix from r. It returns io.EOF when r ends
// cleanly before the first byte and [ErrTruncated] when it ends mid-prefix.
func ReadLength(r io.Reader) (uint32, error) {
	var b [PrefixLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrTruncated
		}
		return 0, err
	}
	return DecodeLength(b[:])
}

// WriteFrame writes the length prefix followed by payload as two writes.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > MaxLength {
		return ErrLengthOverflow
	}
	var b [PrefixLen]byte
	PutLength(b[:], uint32(len(payload)))
	if _, err := w.Write(b[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one prefixed frame from r, refusing payloads larger than
// limit. A zero limit means MaxLength.
func ReadFrame(r io.Reader, limit uint32) ([]byte, error) {
	n, err := ReadLength(r)
	if err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = MaxLength
	}
	if n > limit {
		return nil, ErrPayloadTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return payload, nil
}
