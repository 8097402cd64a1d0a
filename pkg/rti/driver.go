package rti

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/tag"
	"github.com/daviddao/tagrti/pkg/wire"
)

// errResigned ends the read loop after RESIGN.
var errResigned = errors.New("federate resigned")

// serve runs the read loop for federate id until the federate resigns or
// its connection fails, then retires it and closes the connection.
func (c *Coordinator) serve(id uint16) {
	c.mu.Lock()
	f := c.feds[id]
	conn := c.links[id].conn
	c.mu.Unlock()
	log := c.fedLogger(id)

	r := bufio.NewReaderSize(conn, c.relayChunk())
	var err error
	for err == nil {
		var m wire.MsgType
		if m, err = wire.ReadType(r); err != nil {
			break
		}
		err = c.dispatch(f, m, r)
	}

	kind := model.EventDisconnect
	switch {
	case errors.Is(err, errResigned):
		kind = model.EventResign
		log.Info("federate resigned")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		log.Info("connection closed")
	default:
		log.Warn("connection failed", zap.Error(err))
	}
	c.retire(f, kind)
	c.closeOrderly(conn)
}

// dispatch handles one message whose type byte has been read.
func (c *Coordinator) dispatch(f *model.Federate, m wire.MsgType, r io.Reader) error {
	switch m {
	case wire.Timestamp:
		t, err := wire.ReadInt64(r)
		if err != nil {
			return fmt.Errorf("read timestamp: %w", err)
		}
		return c.handleTimestamp(f, t)
	case wire.AddressQuery:
		return c.handleAddressQuery(f, r)
	case wire.AddressAdvertisement:
		return c.handleAddressAdvertisement(f, r)
	case wire.TaggedMessage:
		return c.handleTaggedMessage(f, r)
	case wire.PortAbsent:
		return c.handlePortAbsent(f, r)
	case wire.NextEventTag, wire.LogicalTagComplete, wire.StopRequest, wire.StopRequestReply:
		t, err := wire.ReadTag(r)
		if err != nil {
			return fmt.Errorf("read %v: %w", m, err)
		}
		c.handleTagMessage(f, m, t)
		return nil
	case wire.TimeAdvanceNotice:
		t, err := wire.ReadInt64(r)
		if err != nil {
			return fmt.Errorf("read %v: %w", m, err)
		}
		c.mu.Lock()
		c.handleTAN(f, t)
		c.mu.Unlock()
		return nil
	case wire.Resign:
		return errResigned
	}

	c.mu.Lock()
	c.writeLocked(f, wire.EncodeReject(wire.UnexpectedMessage))
	c.mu.Unlock()
	c.metrics.RecordReject(wire.UnexpectedMessage.String())
	return fmt.Errorf("message type %v: %w", m, wire.ErrUnexpectedMessage)
}

// handleTagMessage applies a message carrying a single tag.
func (c *Coordinator) handleTagMessage(f *model.Federate, m wire.MsgType, t tag.Tag) {
	c.mu.Lock()
	switch m {
	case wire.NextEventTag:
		c.handleNET(f, t)
	case wire.LogicalTagComplete:
		c.handleLTC(f, t)
	case wire.StopRequest:
		c.handleStopRequest(f, t)
	case wire.StopRequestReply:
		c.handleStopRequestReply(f, t)
	}
	stop, persist := c.stopToPersist()
	c.mu.Unlock()
	if persist {
		c.journal.SetStopTag(stop)
	}
}

// retire marks f gone. It no longer holds back anything downstream and,
// if a stop is being negotiated, counts as having voted.
func (c *Coordinator) retire(f *model.Federate, kind model.EventKind) {
	c.mu.Lock()
	f.State = model.NotConnected
	f.NextEvent = tag.Forever
	c.record(kind, f.ID, model.NoFederate, tag.Forever, "")
	if c.numRequestingStop > 0 {
		c.markRequestingStop(f)
	}
	c.propagateDownstream(f)
	c.updateFederateGauge()
	c.fedLogger(f.ID).Debug("federate retired", zap.Int("still_connected", c.connectedCount()))
	c.startSent.Broadcast()
	stop, persist := c.stopToPersist()
	c.mu.Unlock()
	if persist {
		c.journal.SetStopTag(stop)
	}
}

// closeOrderly half-closes conn for writing, waits for the peer to close
// its side, then closes. This avoids resetting a connection the peer is
// still reading from.
func (c *Coordinator) closeOrderly(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	if t := c.cfg.Server.CloseTimeout; t > 0 {
		conn.SetReadDeadline(time.Now().Add(t))
	}
	io.Copy(io.Discard, conn)
	conn.Close()
}
