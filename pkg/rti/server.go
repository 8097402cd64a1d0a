package rti

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/tagrti/pkg/clock"
	"github.com/daviddao/tagrti/pkg/config"
	"github.com/daviddao/tagrti/pkg/topology"
	"github.com/daviddao/tagrti/pkg/wire"
)

// WithListener makes the coordinator accept on ln instead of opening its
// own TCP socket.
func WithListener(ln net.Listener) Option {
	return func(c *Coordinator) { c.listener = ln }
}

// Listen opens the TCP socket, and the UDP socket when runtime clock sync
// is on. With port 0 it searches upward from config.StartingPort.
func (c *Coordinator) Listen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		ln, err := c.listenTCP()
		if err != nil {
			return err
		}
		c.listener = ln
	}
	if ta, ok := c.listener.Addr().(*net.TCPAddr); ok {
		c.port = ta.Port
	}
	if c.syncMode == clock.On && c.udp == nil {
		addr := net.JoinHostPort(c.cfg.Server.Host, strconv.Itoa(c.port))
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			c.listener.Close()
			return fmt.Errorf("listen udp %s: %w", addr, err)
		}
		c.udp = pc
	}
	c.logger.Info("listening", zap.Stringer("addr", c.listener.Addr()))
	return nil
}

func (c *Coordinator) listenTCP() (net.Listener, error) {
	host := c.cfg.Server.Host
	if c.cfg.Server.Port != 0 {
		addr := net.JoinHostPort(host, strconv.Itoa(c.cfg.Server.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		return ln, nil
	}
	var lastErr error
	for p := config.StartingPort; p < config.StartingPort+config.PortRangeLimit; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in [%d, %d): %w",
		config.StartingPort, config.StartingPort+config.PortRangeLimit, lastErr)
}

// Addr returns the TCP address federates connect to, or nil before Listen.
func (c *Coordinator) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Run accepts one connection per federate, serves each on its own
// goroutine, and returns once every federate has left. Cancelling ctx
// shuts the coordinator down.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.Addr() == nil {
		if err := c.Listen(); err != nil {
			return err
		}
	}
	defer c.closeListeners()
	stop := context.AfterFunc(ctx, c.Shutdown)
	defer stop()

	var workers errgroup.Group
	for accepted := 0; accepted < len(c.feds); {
		conn, err := c.listener.Accept()
		if err != nil {
			workers.Wait()
			if c.isClosing() {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		id, err := c.handshake(conn)
		if err != nil {
			c.logger.Warn("handshake failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			conn.Close()
			continue
		}
		accepted++
		workers.Go(func() error {
			c.serve(id)
			return nil
		})
	}
	c.logger.Info("all federates connected", zap.Int("federates", len(c.feds)))
	c.reportTopology()

	aux, auxCtx := errgroup.WithContext(ctx)
	aux.Go(c.respondToLateConnections)
	if c.syncMode == clock.On && c.udp != nil {
		aux.Go(func() error {
			if !c.waitAllProposed() {
				return nil
			}
			return c.clockRunner().Run(auxCtx)
		})
	}

	err := workers.Wait()
	c.logger.Info("all federates exited")
	c.closeListeners()
	if aerr := aux.Wait(); aerr != nil && err == nil {
		err = aerr
	}
	if err == nil && c.isClosing() {
		err = ctx.Err()
	}
	return err
}

// Shutdown wakes every waiter and closes all sockets, causing Run to
// return. It is safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.closing = true
	c.allProposed.Broadcast()
	c.startSent.Broadcast()
	c.linkFree.Broadcast()
	conns := make([]net.Conn, 0, len(c.links))
	for _, l := range c.links {
		if l.conn != nil {
			conns = append(conns, l.conn)
		}
	}
	c.mu.Unlock()

	c.closeListeners()
	for _, conn := range conns {
		conn.Close()
	}
}

func (c *Coordinator) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Coordinator) closeListeners() {
	c.mu.Lock()
	ln, udp := c.listener, c.udp
	c.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	if udp != nil {
		udp.Close()
	}
}

// respondToLateConnections rejects anything that connects after the
// federation is complete. It returns when the listener is closed.
func (c *Coordinator) respondToLateConnections() error {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept late connection: %w", err)
		}
		c.logger.Error("unexpected connection while the federation is running",
			zap.Stringer("remote", conn.RemoteAddr()))
		c.reject(conn, wire.FederationIDDoesNotMatch, errors.New("federation already running"))
		conn.Close()
	}
}

// waitAllProposed blocks until every federate proposed a start time. It
// returns false if the coordinator shut down first.
func (c *Coordinator) waitAllProposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.numProposed < len(c.feds) && !c.closing {
		c.allProposed.Wait()
	}
	return !c.closing
}

// clockRunner builds the periodic UDP clock sync runner.
func (c *Coordinator) clockRunner() *clock.Runner {
	targets := func() []clock.Target {
		c.mu.Lock()
		defer c.mu.Unlock()
		var out []clock.Target
		for _, f := range c.feds {
			if !f.Connected() || f.UDPPort == 0 || !f.Addr.IsValid() {
				continue
			}
			out = append(out, clock.Target{
				ID:   f.ID,
				Addr: net.UDPAddrFromAddrPort(netip.AddrPortFrom(f.Addr, f.UDPPort)),
			})
		}
		return out
	}
	timeout := c.cfg.ClockSync.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return clock.NewRunner(c.udp, c.cfg.ClockSync.Period, timeout, targets, c.metrics.RecordClockSync, c.logger)
}

// reportTopology logs the shape of the federation once all federates
// have declared their neighbors.
func (c *Coordinator) reportTopology() {
	c.mu.Lock()
	r := topology.Analyze(c.feds)
	c.mu.Unlock()

	for _, cyc := range r.Cycles {
		c.logger.Info("federation contains a cycle", zap.String("cycle", topology.FormatCycle(cyc)))
	}
	for _, cyc := range r.ZeroDelayCycles {
		c.logger.Info("cycle without delay, federates on it advance by PTAG",
			zap.String("cycle", topology.FormatCycle(cyc)))
	}
	for _, e := range r.UpstreamOnly {
		c.logger.Warn("connection declared only by its receiver", zap.Stringer("edge", e))
	}
	for _, e := range r.DownstreamOnly {
		c.logger.Warn("connection declared only by its sender", zap.Stringer("edge", e))
	}
	if r.Consistent() {
		c.logger.Debug("neighbor declarations agree")
	}
}
