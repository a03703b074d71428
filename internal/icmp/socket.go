// Package icmp provides the responder-side ICMP socket: it reads Echo
// Request datagrams from agents and writes Echo Replies back. Classification
// of payloads is left to the caller; this package is pure transport.
package icmp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/postalsys/kaja-relay/internal/logging"
)

// ICMPv4ProtocolNumber is the IANA protocol number for ICMP.
const ICMPv4ProtocolNumber = 1

// readPollInterval bounds each blocking read so the loop can observe
// context cancellation.
const readPollInterval = 250 * time.Millisecond

// maxDatagramSize is the largest IPv4 packet the socket will accept.
const maxDatagramSize = 65535

// Config describes the listening socket.
type Config struct {
	// Network is "ip4:icmp" for a raw socket (requires CAP_NET_RAW or
	// root) or "udp4" for an unprivileged datagram socket. Datagram ICMP
	// sockets only see replies to their own requests on Linux, so the
	// raw socket is the one that works as a responder; udp4 is kept for
	// local experiments.
	Network string

	// Address is the local address to bind, normally 0.0.0.0.
	Address string
}

// Request is one decoded Echo Request.
type Request struct {
	ID      uint16
	Seq     uint16
	Payload []byte
	Src     net.Addr // reply destination, handed back to WriteReply
}

// PacketConn is the subset of *icmp.PacketConn the socket uses.
type PacketConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, dst net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Socket reads Echo Requests and writes Echo Replies.
//
// ReadRequest is meant to be called from a single reader goroutine;
// WriteReply is safe to call concurrently from session goroutines.
type Socket struct {
	conn   PacketConn
	logger *slog.Logger
	buf    []byte
}

// Listen opens the ICMP socket described by cfg.
// The raw variant fails without CAP_NET_RAW; the kernel may also answer
// echo requests on its own unless icmp_echo_ignore_all is set, which is
// harmless because agents ignore replies without the tag.
func Listen(cfg Config, logger *slog.Logger) (*Socket, error) {
	conn, err := icmp.ListenPacket(cfg.Network, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen %s on %s: %w", cfg.Network, cfg.Address, err)
	}

	if logger == nil {
		logger = logging.NopLogger()
	}
	logger.Info("icmp socket listening",
		logging.KeyAddress, cfg.Address,
		"network", cfg.Network)

	return NewSocket(conn, logger), nil
}

// NewSocket wraps an existing packet connection.
func NewSocket(conn PacketConn, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Socket{
		conn:   conn,
		logger: logger,
		buf:    make([]byte, maxDatagramSize),
	}
}

// ReadRequest blocks until the next Echo Request arrives or ctx is
// cancelled. Packets that are not well-formed Echo Requests are dropped
// without ending the read loop.
func (s *Socket) ReadRequest(ctx context.Context) (*Request, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}

		n, peer, err := s.conn.ReadFrom(s.buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read icmp: %w", err)
		}

		msg, err := icmp.ParseMessage(ICMPv4ProtocolNumber, s.buf[:n])
		if err != nil {
			s.logger.Debug("dropping unparseable packet",
				logging.KeyRemoteAddr, peer.String(),
				logging.KeySize, n,
				logging.KeyError, err)
			continue
		}

		if msg.Type != ipv4.ICMPTypeEcho {
			continue
		}
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			continue
		}

		// The read buffer is reused, so the payload must be copied out.
		payload := make([]byte, len(echo.Data))
		copy(payload, echo.Data)

		return &Request{
			ID:      uint16(echo.ID),
			Seq:     uint16(echo.Seq),
			Payload: payload,
			Src:     peer,
		}, nil
	}
}

// WriteReply sends an Echo Reply carrying payload to dst.
func (s *Socket) WriteReply(dst net.Addr, id, seq uint16, payload []byte) error {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(id),
			Seq:  int(seq),
			Data: payload,
		},
	}

	msgBytes, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("marshal echo reply: %w", err)
	}

	if _, err := s.conn.WriteTo(msgBytes, dst); err != nil {
		return fmt.Errorf("send echo reply: %w", err)
	}
	return nil
}

// Close shuts the underlying connection down, unblocking any pending read.
func (s *Socket) Close() error {
	return s.conn.Close()
}
