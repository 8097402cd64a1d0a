package rti

import (
	"go.uber.org/zap"

	"github.com/daviddao/tagrti/pkg/frontier"
	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/tag"
	"github.com/daviddao/tagrti/pkg/wire"
)

// Every function in this file requires c.mu to be held. Nothing here
// waits: a grant for a federate that has not yet been sent the start time
// is skipped, and regrant reconsiders the federate once it has been.

// sendTAG grants t to f unless f is gone or already holds a grant at
// least as strong. It reports whether the grant was sent.
func (c *Coordinator) sendTAG(f *model.Federate, t tag.Tag) bool {
	if !f.Connected() || f.State == model.Pending ||
		!t.After(f.LastGranted) || t.Less(f.LastProvisionallyGranted) {
		return false
	}
	if !c.writeLocked(f, wire.EncodeTagMessage(wire.TagAdvanceGrant, t)) {
		return false
	}
	f.LastGranted = t
	c.metrics.RecordGrant(false)
	c.record(model.EventTAG, f.ID, model.NoFederate, t, "")
	c.fedLogger(f.ID).Debug("sent TAG", zap.Stringer("tag", t))
	return true
}

// sendPTAG provisionally grants t to f, then offers the same grant to
// every connected upstream federate that cannot produce an event before t.
func (c *Coordinator) sendPTAG(f *model.Federate, t tag.Tag) bool {
	if t == c.startTag() {
		// Every federate implicitly holds a PTAG for the start tag.
		return false
	}
	if !f.Connected() || f.State == model.Pending ||
		!t.After(f.LastGranted) || !t.After(f.LastProvisionallyGranted) {
		return false
	}
	if !c.writeLocked(f, wire.EncodeTagMessage(wire.ProvisionalTAG, t)) {
		return false
	}
	f.LastProvisionallyGranted = t
	c.metrics.RecordGrant(true)
	c.record(model.EventPTAG, f.ID, model.NoFederate, t, "")
	c.fedLogger(f.ID).Debug("sent PTAG", zap.Stringer("tag", t))

	earliest := frontier.EarliestEvents(c.feds, c.startTag())
	for _, uid := range f.Upstream {
		u := c.feds[uid]
		if u.Connected() && !earliest[uid].Less(t) {
			c.sendPTAG(u, t)
		}
	}
	return true
}

// sendAdvanceGrantIfSafe sends f the strongest grant its upstream
// federates allow, if that is stronger than what f already holds. It
// reports whether a TAG was sent.
func (c *Coordinator) sendAdvanceGrantIfSafe(f *model.Federate) bool {
	if len(f.Upstream) == 0 {
		return false
	}
	log := c.fedLogger(f.ID)

	completed := frontier.MinUpstreamCompleted(c.feds, f.ID)
	if completed.After(f.LastGranted) {
		log.Debug("upstream completion allows grant", zap.Stringer("tag", completed))
		return c.sendTAG(f, completed)
	}

	earliest := frontier.EarliestUpstreamMessage(c.feds, c.startTag(), f.ID)
	log.Debug("earliest upstream message",
		zap.Stringer("tag", earliest),
		zap.Stringer("next_event", f.NextEvent))
	switch {
	case earliest.IsForever():
		return c.sendTAG(f, tag.Forever)
	case earliest.After(f.NextEvent) &&
		!earliest.Less(f.LastProvisionallyGranted) &&
		earliest.After(f.LastGranted):
		return c.sendTAG(f, f.NextEvent)
	case earliest == f.NextEvent &&
		earliest.After(f.LastProvisionallyGranted) &&
		earliest.After(f.LastGranted):
		c.sendPTAG(f, earliest)
	}
	return false
}

// regrant re-evaluates f alone. A federate without upstream federates is
// simply granted its next event.
func (c *Coordinator) regrant(f *model.Federate) {
	if len(f.Upstream) == 0 {
		c.sendTAG(f, f.NextEvent)
		return
	}
	c.sendAdvanceGrantIfSafe(f)
}

// propagateDownstream re-evaluates grants for everything downstream of f.
func (c *Coordinator) propagateDownstream(f *model.Federate) {
	frontier.WalkDownstream(c.feds, f.ID, c.newVisited(), func(d *model.Federate) {
		c.sendAdvanceGrantIfSafe(d)
	})
}

// updateNextEvent records that f's next event is t, bounded below by any
// message still in transit to it, then re-evaluates f and everything
// downstream.
func (c *Coordinator) updateNextEvent(f *model.Federate, t tag.Tag) {
	f.NextEvent = tag.Min(t, f.InTransit.Min())
	c.regrant(f)
	c.propagateDownstream(f)
}

// handleNET processes NEXT_EVENT_TAG from f.
func (c *Coordinator) handleNET(f *model.Federate, t tag.Tag) {
	c.record(model.EventNET, f.ID, model.NoFederate, t, "")
	c.updateNextEvent(f, t)
}

// handleTAN processes TIME_ADVANCE_NOTICE from f. It only ever raises
// the next event tag.
func (c *Coordinator) handleTAN(f *model.Federate, t int64) {
	nt := tag.New(t, 0)
	c.record(model.EventTAN, f.ID, model.NoFederate, nt, "")
	if !nt.After(f.NextEvent) {
		return
	}
	c.updateNextEvent(f, nt)
}

// handleLTC processes LOGICAL_TAG_COMPLETE from f.
func (c *Coordinator) handleLTC(f *model.Federate, t tag.Tag) {
	c.record(model.EventLTC, f.ID, model.NoFederate, t, "")
	if t.After(f.Completed) {
		f.Completed = t
	}
	for _, did := range f.Downstream {
		d := c.feds[did]
		if !d.Connected() {
			continue
		}
		c.sendAdvanceGrantIfSafe(d)
		c.propagateDownstream(d)
	}
	f.InTransit.RemoveUpTo(f.Completed)
}
