// Package fragment implements the tunnel fragmentation codec: one logical
// payload is carried as a tagged seq-0 size announcement followed by
// size-bounded data chunks, one ICMP packet each. The codec is symmetric
// with the remote agents, so the per-packet budget and tag must match their
// build constants exactly.
package fragment

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// SizeHeaderLen is the length of the seq-0 announcement body: a big-endian
// unsigned 32-bit total byte count.
const SizeHeaderLen = 4

var (
	// ErrInvalidAnnounce is returned for a seq-0 body shorter than the size field.
	ErrInvalidAnnounce = errors.New("announcement body too short")

	// ErrNoCapacity is returned when the packet budget leaves no room for data.
	ErrNoCapacity = errors.New("payload size leaves no chunk capacity")
)

// Message is one tunnel wire unit, carried in a single ICMP packet's data
// field as tag || body.
type Message struct {
	Tag  string
	Seq  uint16
	Body []byte
}

// Encode returns the ICMP data field bytes for the message.
func (m Message) Encode() []byte {
	buf := make([]byte, 0, len(m.Tag)+len(m.Body))
	buf = append(buf, m.Tag...)
	return append(buf, m.Body...)
}

// Capacity returns the data bytes one packet can carry after the tag.
func Capacity(payloadSize int, tag string) int {
	return payloadSize - len(tag)
}

// Strip checks the tag prefix and returns the body after it.
func Strip(payload []byte, tag string) ([]byte, bool) {
	if !bytes.HasPrefix(payload, []byte(tag)) {
		return nil, false
	}
	return payload[len(tag):], true
}

// SizeHeader builds the seq-0 announcement body for a transfer of total bytes.
func SizeHeader(total uint32) []byte {
	body := make([]byte, SizeHeaderLen)
	binary.BigEndian.PutUint32(body, total)
	return body
}

// ParseSizeHeader decodes a seq-0 announcement body.
func ParseSizeHeader(body []byte) (uint32, error) {
	if len(body) < SizeHeaderLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidAnnounce, len(body))
	}
	return binary.BigEndian.Uint32(body), nil
}

// Split slices data into consecutive chunks of at most capacity bytes.
// The final chunk may be shorter; empty data yields no chunks.
func Split(data []byte, capacity int) [][]byte {
	if capacity <= 0 || len(data) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(data)+capacity-1)/capacity)
	for off := 0; off < len(data); off += capacity {
		end := off + capacity
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

// Messages builds the complete outbound sequence for data: the seq-0 size
// announcement, then data chunks numbered 1, 2, 3, … in order.
func Messages(data []byte, tag string, payloadSize int) ([]Message, error) {
	capacity := Capacity(payloadSize, tag)
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: payload_size %d, tag %q", ErrNoCapacity, payloadSize, tag)
	}

	chunks := Split(data, capacity)
	msgs := make([]Message, 0, len(chunks)+1)
	msgs = append(msgs, Message{Tag: tag, Seq: 0, Body: SizeHeader(uint32(len(data)))})
	for i, chunk := range chunks {
		msgs = append(msgs, Message{Tag: tag, Seq: uint16(i + 1), Body: chunk})
	}
	return msgs, nil
}

// Reassembly accumulates inbound chunk bytes for one announced transfer.
// Chunks are appended in arrival order; sequence numbers are not consulted.
// The remote agents emit in order over a single path, so reordering does not
// occur in practice, and sorting here would change observable behavior.
type Reassembly struct {
	expected int
	buf      []byte
}

// NewReassembly starts an empty reassembly expecting the announced byte count.
func NewReassembly(expected int) *Reassembly {
	return &Reassembly{
		expected: expected,
		buf:      make([]byte, 0, expected),
	}
}

// Add appends a chunk, truncating it to the remaining byte count so a
// misbehaving final chunk can never overrun the announced size.
// Returns true once the transfer is complete.
func (r *Reassembly) Add(chunk []byte) bool {
	remaining := r.expected - len(r.buf)
	if remaining <= 0 {
		return true
	}
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
	}
	r.buf = append(r.buf, chunk...)
	return r.Done()
}

// Done reports whether the accumulated bytes match the announced size.
func (r *Reassembly) Done() bool {
	return len(r.buf) >= r.expected
}

// Bytes returns the accumulated payload.
func (r *Reassembly) Bytes() []byte {
	return r.buf
}

// Reassemble consumes chunk bodies from src until the announced size is
// reached and returns the reassembled payload. It blocks until enough bytes
// arrive or ctx is cancelled; an agent that never completes its transfer
// leaves the caller blocked, which is the tunnel's documented contract.
func Reassemble(ctx context.Context, src <-chan []byte, expected int) ([]byte, error) {
	r := NewReassembly(expected)
	for !r.Done() {
		select {
		case chunk, ok := <-src:
			if !ok {
				return nil, fmt.Errorf("chunk source closed with %d of %d bytes", len(r.buf), expected)
			}
			r.Add(chunk)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Bytes(), nil
}
