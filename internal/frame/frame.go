// Package frame implements the length-prefixed framing spoken by the backend
// control server: every message is a 4-byte little-endian length followed by
// that many raw bytes. Messages carry no type tag; their meaning is purely
// positional within the session exchange.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length prefix size in bytes.
const HeaderSize = 4

// MaxFrameSize caps a single frame payload. A length prefix above this is
// treated as a protocol violation rather than an allocation request.
const MaxFrameSize = 16 << 20 // 16 MiB

var (
	// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")
)

// Reader reads length-prefixed frames from an io.Reader.
type Reader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewReader creates a new Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Read reads the next frame payload.
// A short length prefix or a stream that ends mid-payload surfaces as
// io.ErrUnexpectedEOF (io.EOF if no prefix bytes arrived at all), so a peer
// close is always a hard error, never a silently truncated frame.
func (fr *Reader) Read() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(fr.header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
	}

	return payload, nil
}

// Writer writes length-prefixed frames to an io.Writer.
type Writer struct {
	w      io.Writer
	header [HeaderSize]byte
}

// NewWriter creates a new Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write writes one frame: the length prefix, then the payload. Both writes
// must fully complete; a partial write is a hard transport fault.
func (fw *Writer) Write(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	binary.LittleEndian.PutUint32(fw.header[:], uint32(len(payload)))
	if _, err := fw.w.Write(fw.header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := fw.w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}

	return nil
}
