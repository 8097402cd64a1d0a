package clock

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/daviddao/tagrti/pkg/wire"
)

// Round outcomes passed to the observer.
const (
	OutcomeOK       = "ok"
	OutcomeTimeout  = "timeout"
	OutcomeMismatch = "mismatch"
	OutcomeError    = "error"
)

// maxStrayReplies bounds how many non-T3 datagrams one exchange tolerates
// before giving up on the round.
const maxStrayReplies = 5

// Target is a federate taking part in runtime clock sync.
type Target struct {
	ID   uint16
	Addr *net.UDPAddr
}

// Observer is told the outcome and round-trip time of every exchange.
type Observer func(outcome string, rtt time.Duration)

// Runner drives periodic UDP clock sync rounds.
type Runner struct {
	conn    net.PacketConn
	period  time.Duration
	timeout time.Duration
	targets func() []Target
	now     Source
	observe Observer
	logger  *zap.Logger
}

// NewRunner creates a runner that sends from conn. targets is consulted at
// every period and should return the federates still connected.
func NewRunner(conn net.PacketConn, period, timeout time.Duration, targets func() []Target, observe Observer, logger *zap.Logger) *Runner {
	if observe == nil {
		observe = func(string, time.Duration) {}
	}
	return &Runner{
		conn:    conn,
		period:  period,
		timeout: timeout,
		targets: targets,
		now:     SystemTime,
		observe: observe,
		logger:  logger.With(zap.String("component", "clocksync")),
	}
}

// Run performs one exchange with every target each period. It returns nil
// when ctx is done or no targets remain.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		targets := r.targets()
		if len(targets) == 0 {
			r.logger.Debug("no federates left to sync")
			return nil
		}
		for _, t := range targets {
			if ctx.Err() != nil {
				return nil
			}
			outcome, rtt := r.exchange(t)
			r.observe(outcome, rtt)
		}
	}
}

// exchange runs T1, T3, T4 and the coded probe with one federate.
func (r *Runner) exchange(t Target) (string, time.Duration) {
	log := r.logger.With(zap.Uint16("federate", t.ID))
	sent := time.Now()
	if _, err := r.conn.WriteTo(wire.EncodeTime(wire.ClockSyncT1, r.now()), t.Addr); err != nil {
		log.Warn("send T1", zap.Error(err))
		return OutcomeError, 0
	}
	if err := r.conn.SetReadDeadline(sent.Add(r.timeout)); err != nil {
		log.Warn("set read deadline", zap.Error(err))
		return OutcomeError, 0
	}
	buf := make([]byte, wire.BufferSize)
	for stray := 0; stray < maxStrayReplies; {
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				log.Debug("T3 timed out, skipping round")
				return OutcomeTimeout, 0
			}
			log.Warn("read T3", zap.Error(err))
			return OutcomeError, 0
		}
		id, err := wire.DecodeT3(buf[:n])
		if err != nil {
			// Likely a late reply from an earlier, abandoned round.
			log.Debug("discarding datagram", zap.Error(err))
			stray++
			continue
		}
		if id != int32(t.ID) {
			log.Warn("T3 from another federate, discarding", zap.Int32("from", id))
			return OutcomeMismatch, 0
		}
		rtt := time.Since(sent)
		if _, err := r.conn.WriteTo(wire.EncodeTime(wire.ClockSyncT4, r.now()), t.Addr); err != nil {
			log.Warn("send T4", zap.Error(err))
			return OutcomeError, rtt
		}
		if _, err := r.conn.WriteTo(wire.EncodeTime(wire.ClockSyncCodedProbe, r.now()), t.Addr); err != nil {
			log.Warn("send coded probe", zap.Error(err))
			return OutcomeError, rtt
		}
		return OutcomeOK, rtt
	}
	return OutcomeMismatch, 0
}
