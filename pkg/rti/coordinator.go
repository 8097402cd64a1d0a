// Package rti implements the runtime infrastructure that coordinates tag
// advancement for a federation.
//
// A Coordinator owns one record per federate and a single mutex guarding
// all of them together with the start time and stop negotiation state.
// Every decision (grants, relay bookkeeping, stop votes) runs with that
// mutex held, and short writes are made under it too.
//
// A goroutine that must write to a federate without holding c.mu, such as
// a relay streaming a long payload, first claims the federate's link.
// While the claim lasts, writes from everyone else are deferred and then
// flushed, in order, when the claim is released. Nobody ever waits for a
// claim while holding c.mu, so a stalled sender delays only the federate
// it is sending to.
package rti

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/daviddao/tagrti/pkg/clock"
	"github.com/daviddao/tagrti/pkg/config"
	"github.com/daviddao/tagrti/pkg/frontier"
	"github.com/daviddao/tagrti/pkg/metrics"
	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/tag"
)

var errShuttingDown = errors.New("rti shutting down")

// Journal receives a record of coordination decisions.
type Journal interface {
	Record(e model.Event)
	SetStartTime(start int64)
	SetStopTag(t tag.Tag)
}

type nopJournal struct{}

func (nopJournal) Record(model.Event) {}
func (nopJournal) SetStartTime(int64) {}
func (nopJournal) SetStopTag(tag.Tag) {}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithJournal records decisions to j.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithMetrics reports activity to m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces the physical clock used for clock sync.
func WithClock(now clock.Source) Option {
	return func(c *Coordinator) { c.now = now }
}

// link is the connection to one federate. Its fields are guarded by
// c.mu; the holder of a claim writes to conn without c.mu.
type link struct {
	conn     net.Conn
	claimed  bool
	deferred []byte
}

func (l *link) write(b []byte, timeout time.Duration) error {
	if l.conn == nil {
		return net.ErrClosed
	}
	if timeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := l.conn.Write(b)
	return err
}

// Coordinator is the RTI. Create one with New, then call Run.
type Coordinator struct {
	cfg      *config.Config
	syncMode clock.Mode
	logger   *zap.Logger
	journal  Journal
	metrics  *metrics.Collector
	now      clock.Source
	drops    *rate.Limiter

	mu          sync.Mutex
	allProposed *sync.Cond
	startSent   *sync.Cond
	linkFree    *sync.Cond

	feds  []*model.Federate
	links []*link

	numProposed int
	maxProposed int64
	startTime   int64

	maxStopTag        tag.Tag
	numRequestingStop int
	stopGranted       bool
	stopPersisted     bool

	closing bool

	listener net.Listener
	udp      net.PacketConn
	port     int
}

// New creates a coordinator for cfg. cfg must already be validated.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	mode, err := clock.ParseMode(cfg.ClockSync.Mode)
	if err != nil {
		return nil, err
	}
	n := cfg.Federation.NumFederates
	c := &Coordinator{
		cfg:        cfg,
		syncMode:   mode,
		logger:     logger.With(zap.String("component", "rti")),
		journal:    nopJournal{},
		now:        clock.SystemTime,
		drops:      rate.NewLimiter(rate.Every(time.Second), 5),
		feds:       make([]*model.Federate, n),
		links:      make([]*link, n),
		maxStopTag: tag.Never,
	}
	for i := range c.feds {
		c.feds[i] = model.NewFederate(uint16(i))
		c.links[i] = &link{}
	}
	c.allProposed = sync.NewCond(&c.mu)
	c.startSent = sync.NewCond(&c.mu)
	c.linkFree = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewCollector(cfg.Metrics.Namespace, prometheus.NewRegistry(), logger)
	}
	return c, nil
}

// Federates returns a copy of every federate record.
func (c *Coordinator) Federates() []model.Federate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Federate, len(c.feds))
	for i, f := range c.feds {
		out[i] = *f
		out[i].InTransit = model.InTransitSet{}
		for _, t := range f.InTransit.Tags() {
			out[i].InTransit.Add(t)
		}
	}
	return out
}

// StartTime returns the agreed start time, or zero before agreement.
func (c *Coordinator) StartTime() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTime
}

// startTag is the tag every federate is implicitly granted. c.mu held.
func (c *Coordinator) startTag() tag.Tag { return tag.New(c.startTime, 0) }

// fedLogger returns a logger carrying the federate id.
func (c *Coordinator) fedLogger(id uint16) *zap.Logger {
	return c.logger.With(zap.Uint16("federate", id))
}

// record journals one coordination event.
func (c *Coordinator) record(kind model.EventKind, fed uint16, peer int, t tag.Tag, body string) {
	c.journal.Record(model.Event{
		Kind:      kind,
		Federate:  int(fed),
		Peer:      peer,
		Tag:       t,
		Body:      body,
		CreatedAt: time.Now(),
	})
}

// writeLocked sends b to f. c.mu must be held. If f's link is claimed,
// b is deferred until the claim is released. A failed write marks f
// NotConnected and returns false.
func (c *Coordinator) writeLocked(f *model.Federate, b []byte) bool {
	l := c.links[f.ID]
	if l.claimed {
		l.deferred = append(l.deferred, b...)
		return true
	}
	if err := l.write(b, c.cfg.Server.WriteTimeout); err != nil {
		c.disconnectAfterWriteFailure(f, err)
		return false
	}
	return true
}

// claimLink waits until nobody else holds f's link and claims it. It
// returns false if the coordinator is shutting down. c.mu held; the wait
// releases it.
func (c *Coordinator) claimLink(f *model.Federate) bool {
	l := c.links[f.ID]
	for l.claimed && !c.closing {
		c.linkFree.Wait()
	}
	if c.closing {
		return false
	}
	l.claimed = true
	return true
}

// releaseLink ends the claim on f's link. werr is the claimant's write
// error; on success the writes deferred meanwhile are flushed. c.mu held.
func (c *Coordinator) releaseLink(f *model.Federate, werr error) {
	l := c.links[f.ID]
	deferred := l.deferred
	l.claimed, l.deferred = false, nil
	c.linkFree.Broadcast()
	switch {
	case werr != nil:
		c.disconnectAfterWriteFailure(f, werr)
	case len(deferred) > 0:
		c.writeLocked(f, deferred)
	}
}

// disconnectAfterWriteFailure marks f NotConnected and closes its
// connection so that its worker exits and runs the disconnect path.
// c.mu held.
func (c *Coordinator) disconnectAfterWriteFailure(f *model.Federate, err error) {
	c.fedLogger(f.ID).Warn("write failed, marking federate disconnected", zap.Error(err))
	f.State = model.NotConnected
	if conn := c.links[f.ID].conn; conn != nil {
		conn.Close()
	}
	c.updateFederateGauge()
}

// updateFederateGauge publishes per-state federate counts. c.mu held.
func (c *Coordinator) updateFederateGauge() {
	counts := map[string]int{
		model.NotConnected.String(): 0,
		model.Pending.String():      0,
		model.Granted.String():      0,
	}
	for _, f := range c.feds {
		counts[f.State.String()]++
	}
	c.metrics.SetFederates(counts)
}

// connectedCount returns how many federates are still connected. c.mu held.
func (c *Coordinator) connectedCount() int {
	n := 0
	for _, f := range c.feds {
		if f.Connected() {
			n++
		}
	}
	return n
}

// newVisited returns an empty visited set sized for the federation.
func (c *Coordinator) newVisited() *frontier.Visited {
	return frontier.NewVisited(len(c.feds))
}

// waitDeliverable blocks until f has been sent the start time and its
// link is free, or the coordinator is shutting down. c.mu held.
func (c *Coordinator) waitDeliverable(f *model.Federate) {
	for !c.closing {
		switch {
		case f.State == model.Pending:
			c.startSent.Wait()
		case c.links[f.ID].claimed:
			c.linkFree.Wait()
		default:
			return
		}
	}
}
