package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestReaderWriter_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", []byte{}},
		{"single byte", []byte{0x42}},
		{"text", []byte("I WANT A PAYLOAD")},
		{"binary", []byte{0x00, 0xFF, 0x7F, 0x80, 0x01}},
		{"larger", bytes.Repeat([]byte("kaja"), 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)

			if err := NewWriter(buf).Write(tt.payload); err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			got, err := NewReader(buf).Read()
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("Read() = %v, want %v", got, tt.payload)
			}
		})
	}
}

func TestReaderWriter_MultipleFrames(t *testing.T) {
	buf := new(bytes.Buffer)
	writer := NewWriter(buf)
	reader := NewReader(buf)

	payloads := [][]byte{
		[]byte("arch=x86"),
		[]byte("pipename=foobar"),
		[]byte("block=100"),
		[]byte("go"),
	}

	for _, p := range payloads {
		if err := writer.Write(p); err != nil {
			t.Fatalf("Write(%q) error = %v", p, err)
		}
	}

	for i, expected := range payloads {
		got, err := reader.Read()
		if err != nil {
			t.Fatalf("Read() frame %d error = %v", i, err)
		}
		if !bytes.Equal(got, expected) {
			t.Errorf("frame %d = %q, want %q", i, got, expected)
		}
	}
}

func TestWriter_WireFormat(t *testing.T) {
	buf := new(bytes.Buffer)
	if err := NewWriter(buf).Write([]byte("ACK")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	wire := buf.Bytes()
	if len(wire) != HeaderSize+3 {
		t.Fatalf("wire length = %d, want %d", len(wire), HeaderSize+3)
	}

	// Length prefix must be little-endian
	if got := binary.LittleEndian.Uint32(wire[:HeaderSize]); got != 3 {
		t.Errorf("length prefix = %d, want 3", got)
	}
	if !bytes.Equal(wire[HeaderSize:], []byte("ACK")) {
		t.Errorf("payload on wire = %q, want ACK", wire[HeaderSize:])
	}
}

func TestReader_ShortPrefix(t *testing.T) {
	// Only 2 of the 4 prefix bytes arrive before the peer closes
	reader := NewReader(bytes.NewReader([]byte{0x03, 0x00}))

	_, err := reader.Read()
	if err == nil {
		t.Fatal("Read() should fail on a short length prefix")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Read() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReader_TruncatedPayload(t *testing.T) {
	// Prefix announces 10 bytes but only 4 arrive
	wire := []byte{0x0A, 0x00, 0x00, 0x00, 'd', 'a', 't', 'a'}
	reader := NewReader(bytes.NewReader(wire))

	_, err := reader.Read()
	if err == nil {
		t.Fatal("Read() should fail when the peer closes mid-frame")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Read() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReader_EOF(t *testing.T) {
	reader := NewReader(new(bytes.Buffer))

	_, err := reader.Read()
	if err != io.EOF {
		t.Errorf("Read() on empty stream error = %v, want io.EOF", err)
	}
}

func TestReader_OversizeFrame(t *testing.T) {
	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], MaxFrameSize+1)
	reader := NewReader(bytes.NewReader(header[:]))

	_, err := reader.Read()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Read() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestWriter_OversizePayload(t *testing.T) {
	writer := NewWriter(io.Discard)

	err := writer.Write(make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Write() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestReader_ZeroLengthFrame(t *testing.T) {
	buf := new(bytes.Buffer)
	if err := NewWriter(buf).Write(nil); err != nil {
		t.Fatalf("Write(nil) error = %v", err)
	}

	got, err := NewReader(buf).Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Read() = %v, want empty payload", got)
	}
}
