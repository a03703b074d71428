package fragment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/postalsys/kaja-relay/internal/logging"
)

// Writer injects one tunnel message toward an agent.
type Writer interface {
	WriteMessage(m Message) error
}

// Sender fragments payloads and writes the resulting messages with a fixed
// pause between packets so slow covert paths are not overwhelmed. Delivery
// is fire and forget: no acknowledgments, no retransmissions. The agents
// expect exactly this cadence.
type Sender struct {
	payloadSize int
	delay       time.Duration
	logger      *slog.Logger
}

// NewSender creates a sender with the per-packet budget and inter-chunk delay.
func NewSender(payloadSize int, delay time.Duration, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Sender{
		payloadSize: payloadSize,
		delay:       delay,
		logger:      logger,
	}
}

// Send fragments data under tag and writes every resulting message through w,
// pacing packets one delay apart.
func (s *Sender) Send(ctx context.Context, w Writer, tag string, data []byte) error {
	msgs, err := Messages(data, tag, s.payloadSize)
	if err != nil {
		return err
	}

	if len(data) > Capacity(s.payloadSize, tag) {
		s.logger.Warn("large transfer, paced send will take a while",
			logging.KeySize, humanize.IBytes(uint64(len(data))),
			logging.KeyCount, len(msgs)-1)
	}

	limiter := rate.NewLimiter(rate.Every(s.delay), 1)
	for _, m := range msgs {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := w.WriteMessage(m); err != nil {
			return fmt.Errorf("send fragment seq %d: %w", m.Seq, err)
		}
		s.logger.Debug("fragment sent",
			logging.KeySeq, m.Seq,
			logging.KeySize, len(m.Body))
	}

	return nil
}
