package rti

import (
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/daviddao/tagrti/pkg/clock"
	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/tag"
	"github.com/daviddao/tagrti/pkg/wire"
)

// RejectError is returned by the handshake when the RTI refused a
// connection.
type RejectError struct {
	Code wire.RejectCode
	Err  error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("rejected (%s): %v", e.Code, e.Err)
}

func (e *RejectError) Unwrap() error { return e.Err }

// reject sends REJECT(code) on conn, ignoring write errors.
func (c *Coordinator) reject(conn net.Conn, code wire.RejectCode, err error) error {
	if c.cfg.Server.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.Server.WriteTimeout))
	}
	conn.Write(wire.EncodeReject(code))
	c.metrics.RecordReject(code.String())
	return &RejectError{Code: code, Err: err}
}

// handshake admits one federate on conn: FED_IDS, ACK, NEIGHBOR_STRUCTURE,
// UDP_PORT and, when enabled, the initial clock sync. On success the
// federate is Pending and owns conn. On failure the caller closes conn.
func (c *Coordinator) handshake(conn net.Conn) (uint16, error) {
	if t := c.cfg.Server.HandshakeTimeout; t > 0 {
		conn.SetDeadline(time.Now().Add(t))
		defer conn.SetDeadline(time.Time{})
	}

	m, err := wire.ReadType(conn)
	if err != nil {
		return 0, fmt.Errorf("read first message: %w", err)
	}
	switch m {
	case wire.FedIDs:
	case wire.P2PSendingFedID, wire.P2PTaggedMessage:
		return 0, c.reject(conn, wire.WrongServer, fmt.Errorf("peer-to-peer message %v sent to the RTI", m))
	default:
		return 0, c.reject(conn, wire.UnexpectedMessage, fmt.Errorf("first message %v: %w", m, wire.ErrUnexpectedMessage))
	}
	ids, err := wire.ReadFedIDs(conn)
	if err != nil {
		return 0, fmt.Errorf("read FED_IDS: %w", err)
	}
	id := ids.FederateID
	log := c.fedLogger(id)

	if ids.FederationID != c.cfg.Federation.ID {
		return 0, c.reject(conn, wire.FederationIDDoesNotMatch,
			fmt.Errorf("federation id %q, want %q", ids.FederationID, c.cfg.Federation.ID))
	}
	if int(id) >= len(c.feds) {
		return 0, c.reject(conn, wire.FederateIDOutOfRange,
			fmt.Errorf("federate id %d, federation has %d", id, len(c.feds)))
	}
	c.mu.Lock()
	inUse := c.feds[id].State != model.NotConnected
	c.mu.Unlock()
	if inUse {
		return 0, c.reject(conn, wire.FederateIDInUse, fmt.Errorf("federate id %d already connected", id))
	}
	if _, err := conn.Write(wire.EncodeAck()); err != nil {
		return 0, fmt.Errorf("send ACK: %w", err)
	}

	if m, err = wire.ReadType(conn); err != nil {
		return 0, fmt.Errorf("read neighbor structure: %w", err)
	}
	if m != wire.NeighborStructure {
		return 0, c.reject(conn, wire.UnexpectedMessage, fmt.Errorf("want %v, got %v", wire.NeighborStructure, m))
	}
	nb, err := wire.ReadNeighbors(conn, len(c.feds))
	if err != nil {
		if errors.Is(err, wire.ErrMalformed) {
			return 0, c.reject(conn, wire.UnexpectedMessage, err)
		}
		return 0, fmt.Errorf("read neighbor structure: %w", err)
	}
	if err := c.checkNeighbors(nb); err != nil {
		return 0, c.reject(conn, wire.UnexpectedMessage, err)
	}

	if m, err = wire.ReadType(conn); err != nil {
		return 0, fmt.Errorf("read UDP port: %w", err)
	}
	if m != wire.UDPPort {
		return 0, c.reject(conn, wire.UnexpectedMessage, fmt.Errorf("want %v, got %v", wire.UDPPort, m))
	}
	udpPort, err := wire.ReadUint16(conn)
	if err != nil {
		return 0, fmt.Errorf("read UDP port: %w", err)
	}
	if c.syncMode >= clock.Init && udpPort != wire.NoUDPPort {
		if err := clock.InitialSync(conn, id, c.cfg.ClockSync.ExchangesPerInterval, c.now); err != nil {
			if errors.Is(err, wire.ErrUnexpectedMessage) {
				return 0, c.reject(conn, wire.UnexpectedMessage, err)
			}
			return 0, fmt.Errorf("initial clock sync: %w", err)
		}
		log.Debug("initial clock sync done")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.feds[id]
	if err := f.SetNeighbors(nb.Upstream, nb.UpstreamDelay, nb.Downstream); err != nil {
		return 0, err
	}
	if ta, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		f.Addr = ta.AddrPort().Addr().Unmap()
	}
	if c.syncMode == clock.On && udpPort != wire.NoUDPPort && udpPort != 0 {
		f.UDPPort = udpPort
	}
	c.links[id].conn = conn
	f.State = model.Pending
	c.record(model.EventConnect, id, model.NoFederate, tag.Never,
		fmt.Sprintf("upstream=%v downstream=%v", nb.Upstream, nb.Downstream))
	c.updateFederateGauge()
	log.Info("federate connected",
		zap.Uint16s("upstream", nb.Upstream),
		zap.Uint16s("downstream", nb.Downstream))
	return id, nil
}

// checkNeighbors rejects neighbor ids outside the federation.
func (c *Coordinator) checkNeighbors(nb wire.Neighbors) error {
	for _, u := range nb.Upstream {
		if int(u) >= len(c.feds) {
			return fmt.Errorf("upstream federate %d out of range: %w", u, wire.ErrMalformed)
		}
	}
	for _, d := range nb.Downstream {
		if int(d) >= len(c.feds) {
			return fmt.Errorf("downstream federate %d out of range: %w", d, wire.ErrMalformed)
		}
	}
	return nil
}
