package rti

import (
	"go.uber.org/zap"

	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/tag"
	"github.com/daviddao/tagrti/pkg/wire"
)

// Stop negotiation. Any federate may propose a stop tag; the RTI asks the
// others for theirs, keeps the largest, and grants it once every federate
// has voted. Disconnected federates vote implicitly.

// raiseStopTag folds a proposal into the running maximum. c.mu held.
func (c *Coordinator) raiseStopTag(t tag.Tag) {
	if t.After(c.maxStopTag) {
		c.maxStopTag = t
	}
}

// markRequestingStop counts f's vote at most once and grants the stop once
// every federate has voted. c.mu held.
func (c *Coordinator) markRequestingStop(f *model.Federate) {
	if !f.RequestedStop {
		f.RequestedStop = true
		c.numRequestingStop++
	}
	if c.numRequestingStop >= len(c.feds) {
		c.broadcastStopGranted()
	}
}

// broadcastStopGranted sends STOP_GRANTED(maxStopTag) to every connected
// federate, once. c.mu held.
func (c *Coordinator) broadcastStopGranted() {
	if c.stopGranted {
		return
	}
	c.stopGranted = true
	stop := c.maxStopTag
	msg := wire.EncodeTagMessage(wire.StopGranted, stop)
	for _, f := range c.feds {
		if !f.Connected() {
			continue
		}
		if f.NextEvent.After(stop) {
			f.NextEvent = stop
		}
		if c.writeLocked(f, msg) {
			c.record(model.EventStopGranted, f.ID, model.NoFederate, stop, "")
		}
	}
	c.metrics.RecordStopGranted()
	c.logger.Info("stop granted", zap.Stringer("tag", stop))
}

// handleStopRequest processes STOP_REQUEST from f.
func (c *Coordinator) handleStopRequest(f *model.Federate, t tag.Tag) {
	log := c.fedLogger(f.ID)
	if f.RequestedStop {
		log.Debug("ignoring repeated stop request", zap.Stringer("tag", t))
		return
	}
	c.record(model.EventStopRequest, f.ID, model.NoFederate, t, "")
	log.Info("stop requested", zap.Stringer("tag", t))

	c.raiseStopTag(t)
	c.markRequestingStop(f)
	if c.stopGranted {
		return
	}

	msg := wire.EncodeTagMessage(wire.StopRequest, c.maxStopTag)
	for _, other := range c.feds {
		if other.ID == f.ID || other.RequestedStop {
			continue
		}
		if !other.Connected() {
			c.markRequestingStop(other)
			if c.stopGranted {
				return
			}
			continue
		}
		c.writeLocked(other, msg)
	}
}

// handleStopRequestReply processes STOP_REQUEST_REPLY from f.
func (c *Coordinator) handleStopRequestReply(f *model.Federate, t tag.Tag) {
	c.record(model.EventStopReply, f.ID, model.NoFederate, t, "")
	c.fedLogger(f.ID).Debug("stop reply", zap.Stringer("tag", t))
	if c.stopGranted {
		return
	}
	c.raiseStopTag(t)
	c.markRequestingStop(f)
}

// stopToPersist returns the granted stop tag the first time it is called
// after the grant. c.mu held.
func (c *Coordinator) stopToPersist() (tag.Tag, bool) {
	if !c.stopGranted || c.stopPersisted {
		return tag.Tag{}, false
	}
	c.stopPersisted = true
	return c.maxStopTag, true
}
