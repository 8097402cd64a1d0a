package rti

import (
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/tag"
	"github.com/daviddao/tagrti/pkg/wire"
)

// Drop reasons reported to metrics.
const (
	dropDisconnected = "destination_disconnected"
	dropUnknown      = "unknown_destination"
	dropWriteFailed  = "write_failed"
	dropTruncated    = "sender_stalled"
)

// relayChunk returns the configured relay buffer size.
func (c *Coordinator) relayChunk() int {
	if n := c.cfg.Server.RelayBufferSize; n > 0 {
		return n
	}
	return wire.BufferSize
}

// handleTaggedMessage forwards a TAGGED_MESSAGE from sender, whose type
// byte has been read from r, to its destination.
//
// The header and first chunk are forwarded with c.mu held. The rest of a
// longer payload is streamed under a claim on the destination's link, so
// grants computed for the destination meanwhile are deferred and reach
// the wire after the message. Each chunk read is bounded by the server
// read timeout.
func (c *Coordinator) handleTaggedMessage(sender *model.Federate, r io.Reader) error {
	first := make([]byte, 1+wire.TaggedHeaderLen, c.relayChunk()+1+wire.TaggedHeaderLen)
	first[0] = byte(wire.TaggedMessage)
	if _, err := io.ReadFull(r, first[1:]); err != nil {
		return fmt.Errorf("read tagged message header: %w", err)
	}
	h := wire.DecodeTaggedHeader(first[1:])
	remaining := int64(h.Length)

	n := min(remaining, int64(max(c.relayChunk()-len(first), 0)))
	first = first[:len(first)+int(n)]
	if _, err := io.ReadFull(r, first[len(first)-int(n):]); err != nil {
		return fmt.Errorf("read tagged message payload: %w", err)
	}
	remaining -= n

	if int(h.Federate) >= len(c.feds) {
		c.mu.Lock()
		c.dropMessage(sender, h.Federate, h.Tag, dropUnknown)
		c.mu.Unlock()
		return drain(r, remaining)
	}

	c.mu.Lock()
	dest := c.feds[h.Federate]
	if !dest.Connected() {
		c.dropMessage(sender, h.Federate, h.Tag, dropDisconnected)
		c.mu.Unlock()
		return drain(r, remaining)
	}
	c.noteInTransit(sender, dest, h.Tag)
	c.waitDeliverable(dest)
	if !dest.Connected() || dest.State == model.Pending || c.closing {
		c.dropMessage(sender, h.Federate, h.Tag, dropDisconnected)
		c.mu.Unlock()
		return drain(r, remaining)
	}

	l := c.links[dest.ID]
	werr := l.write(first, c.cfg.Server.WriteTimeout)
	claimed := werr == nil && remaining > 0
	l.claimed = claimed
	src := c.links[sender.ID].conn
	c.mu.Unlock()

	buf := make([]byte, c.relayChunk())
	var rerr error
	for remaining > 0 {
		k := min(remaining, int64(len(buf)))
		c.extendReadDeadline(src)
		if _, rerr = io.ReadFull(r, buf[:k]); rerr != nil {
			rerr = fmt.Errorf("read tagged message chunk: %w", rerr)
			break
		}
		remaining -= k
		if werr == nil {
			werr = l.write(buf[:k], c.cfg.Server.WriteTimeout)
		}
	}
	if src != nil && c.cfg.Server.ReadTimeout > 0 {
		src.SetReadDeadline(time.Time{})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	reason := dropWriteFailed
	if rerr != nil && werr == nil {
		// The destination has part of a message it can never finish.
		reason = dropTruncated
		werr = fmt.Errorf("relay from federate %d cut short: %w", sender.ID, rerr)
	}
	if claimed {
		c.releaseLink(dest, werr)
	} else if werr != nil {
		c.disconnectAfterWriteFailure(dest, werr)
	}
	if werr != nil {
		c.dropMessage(sender, dest.ID, h.Tag, reason)
	} else {
		c.metrics.RecordRelay("tagged", int(h.Length))
		c.record(model.EventRelay, dest.ID, int(sender.ID), h.Tag,
			fmt.Sprintf("port=%d bytes=%d", h.Port, h.Length))
	}
	c.sendAdvanceGrantIfSafe(dest)
	c.propagateDownstream(dest)
	return rerr
}

// extendReadDeadline gives the sender another read timeout to deliver the
// next chunk. conn may be nil.
func (c *Coordinator) extendReadDeadline(conn net.Conn) {
	if t := c.cfg.Server.ReadTimeout; t > 0 && conn != nil {
		conn.SetReadDeadline(time.Now().Add(t))
	}
}

// noteInTransit updates dest's bookkeeping for a message intended for t.
// c.mu held.
func (c *Coordinator) noteInTransit(sender, dest *model.Federate, t tag.Tag) {
	if !dest.Completed.Less(t) {
		c.fedLogger(dest.ID).Error("message arrived for a tag the federate already completed",
			zap.Uint16("sender", sender.ID),
			zap.Stringer("intended", t),
			zap.Stringer("completed", dest.Completed))
		c.metrics.RecordAnomaly()
		c.record(model.EventAnomaly, dest.ID, int(sender.ID), t,
			fmt.Sprintf("completed=%v", dest.Completed))
	} else {
		dest.InTransit.Add(t)
	}
	if t.Less(dest.NextEvent) {
		dest.NextEvent = t
	}
}

// handlePortAbsent forwards a PORT_ABSENT from sender, whose type byte has
// been read from r.
func (c *Coordinator) handlePortAbsent(sender *model.Federate, r io.Reader) error {
	body := make([]byte, wire.PortAbsentLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read port absent: %w", err)
	}
	m := wire.DecodePortAbsent(body)

	c.mu.Lock()
	defer c.mu.Unlock()
	if int(m.Federate) >= len(c.feds) {
		c.dropMessage(sender, m.Federate, m.Tag, dropUnknown)
		return nil
	}
	dest := c.feds[m.Federate]
	c.waitDeliverable(dest)
	if !dest.Connected() || dest.State == model.Pending || c.closing {
		c.dropMessage(sender, m.Federate, m.Tag, dropDisconnected)
		return nil
	}
	if !c.writeLocked(dest, m.Encode()) {
		c.dropMessage(sender, dest.ID, m.Tag, dropWriteFailed)
		return nil
	}
	c.metrics.RecordRelay("port_absent", 0)
	c.record(model.EventPortAbsent, dest.ID, int(sender.ID), m.Tag, fmt.Sprintf("port=%d", m.Port))
	return nil
}

// dropMessage accounts for a message that could not be delivered. The
// warning is rate limited. c.mu held.
func (c *Coordinator) dropMessage(sender *model.Federate, dest uint16, t tag.Tag, reason string) {
	c.metrics.RecordDrop(reason)
	c.record(model.EventDrop, dest, int(sender.ID), t, reason)
	if c.drops.Allow() {
		c.logger.Warn("dropping message",
			zap.Uint16("sender", sender.ID),
			zap.Uint16("destination", dest),
			zap.Stringer("tag", t),
			zap.String("reason", reason))
	}
}

// drain discards the unread remainder of a dropped message so the
// sender's stream stays aligned.
func drain(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("discard dropped payload: %w", err)
	}
	return nil
}
