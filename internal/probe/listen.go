package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/postalsys/kaja-relay/internal/frame"
)

const (
	// defaultProbePayload is served for bootstrap exchanges when no payload
	// is configured. Agents receiving it will not execute anything useful,
	// which is the point of a dry run.
	defaultProbePayload = "KAJA-PROBE-PAYLOAD"

	// defaultCheckinReply answers proxied checkins.
	defaultCheckinReply = "OK"
)

// ListenOptions contains configuration for a stand-in control server.
type ListenOptions struct {
	// Address is the listen address (e.g., "0.0.0.0:2222")
	Address string

	// Payload is served in response to the bootstrap exchange. When empty a
	// built-in marker payload is used.
	Payload []byte

	// CheckinReply is sent back for every proxied checkin frame.
	CheckinReply []byte
}

// ConnectionEvent reports one completed exchange with a relay.
type ConnectionEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	RemoteAddr string    `json:"remote_addr"`
	Kind       string    `json:"kind,omitempty"` // "bootstrap" or "checkin"
	Data       string    `json:"data,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Listen runs a stand-in control server for exercising a relay deployment
// without the real backend. It accepts relay connections, answers the
// bootstrap exchange with a marker payload and every proxied checkin with a
// canned reply, and reports what it saw on eventChan.
// The listener stops when the context is cancelled.
func Listen(ctx context.Context, opts ListenOptions, eventChan chan<- ConnectionEvent) error {
	if len(opts.Payload) == 0 {
		opts.Payload = []byte(defaultProbePayload)
	}
	if len(opts.CheckinReply) == 0 {
		opts.CheckinReply = []byte(defaultCheckinReply)
	}

	ln, err := net.Listen("tcp", opts.Address)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		go handleRelayConn(ctx, conn, opts, eventChan)
	}
}

// handleRelayConn serves one relay channel until it closes. The real backend
// replies only to the go directive and to checkin frames; parameter
// directives are absorbed silently.
func handleRelayConn(ctx context.Context, conn net.Conn, opts ListenOptions, eventChan chan<- ConnectionEvent) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	fr := frame.NewReader(conn)
	fw := frame.NewWriter(conn)
	remote := conn.RemoteAddr().String()

	var directives []string
	for {
		data, err := fr.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				emit(ctx, eventChan, ConnectionEvent{
					Timestamp:  time.Now(),
					RemoteAddr: remote,
					Error:      err.Error(),
				})
			}
			return
		}

		msg := string(data)
		switch {
		case msg == "go":
			if err := fw.Write(opts.Payload); err != nil {
				return
			}
			emit(ctx, eventChan, ConnectionEvent{
				Timestamp:  time.Now(),
				RemoteAddr: remote,
				Kind:       "bootstrap",
				Data:       strings.Join(append(directives, "go"), " "),
				Success:    true,
			})
			directives = directives[:0]
		case isDirective(msg):
			directives = append(directives, msg)
		default:
			if err := fw.Write(opts.CheckinReply); err != nil {
				return
			}
			emit(ctx, eventChan, ConnectionEvent{
				Timestamp:  time.Now(),
				RemoteAddr: remote,
				Kind:       "checkin",
				Data:       fmt.Sprintf("%q", data),
				Success:    true,
			})
		}
	}
}

// isDirective reports whether a frame is one of the bootstrap parameter
// directives.
func isDirective(s string) bool {
	for _, prefix := range []string{"arch=", "pipename=", "block="} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func emit(ctx context.Context, eventChan chan<- ConnectionEvent, ev ConnectionEvent) {
	select {
	case eventChan <- ev:
	case <-ctx.Done():
	}
}
