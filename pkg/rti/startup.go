package rti

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/tag"
	"github.com/daviddao/tagrti/pkg/wire"
)

// handleTimestamp processes the start time proposal from f. It blocks
// until every federate has proposed, replies with the agreed start time,
// and then marks f Granted and gives it any grant it is already owed.
func (c *Coordinator) handleTimestamp(f *model.Federate, proposed int64) error {
	log := c.fedLogger(f.ID)

	c.mu.Lock()
	c.numProposed++
	if proposed > c.maxProposed || c.numProposed == 1 {
		c.maxProposed = proposed
	}
	decided := false
	if c.numProposed == len(c.feds) {
		c.startTime = c.maxProposed + c.cfg.Federation.StartDelay.Nanoseconds()
		decided = true
		c.allProposed.Broadcast()
	}
	for c.numProposed < len(c.feds) && !c.closing {
		c.allProposed.Wait()
	}
	if c.closing {
		c.mu.Unlock()
		return errShuttingDown
	}
	start := c.startTime
	if !c.claimLink(f) {
		c.mu.Unlock()
		return errShuttingDown
	}
	c.mu.Unlock()

	if decided {
		log.Info("all federates proposed a start time", zap.Int64("start_time", start))
		c.journal.SetStartTime(start)
	}

	err := c.links[f.ID].write(wire.EncodeTime(wire.Timestamp, start), c.cfg.Server.WriteTimeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && f.State == model.Pending {
		f.State = model.Granted
		c.record(model.EventStartTime, f.ID, model.NoFederate, tag.New(start, 0), "")
		log.Debug("sent start time", zap.Int64("start_time", start))
	}
	c.releaseLink(f, err)
	if err == nil {
		// Grants skipped while f was pending are reconsidered now.
		c.regrant(f)
	}
	c.updateFederateGauge()
	c.startSent.Broadcast()
	return nil
}

// handleAddressQuery replies to ADDRESS_QUERY from f with the advertised
// peer port and address of the federate named in the query. Unknown values
// are sent as port -1 and address 0.0.0.0.
func (c *Coordinator) handleAddressQuery(f *model.Federate, r io.Reader) error {
	id, err := wire.ReadUint16(r)
	if err != nil {
		return fmt.Errorf("read address query: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	port := int32(-1)
	var ip [4]byte
	if int(id) < len(c.feds) {
		remote := c.feds[id]
		port = remote.ServerPort
		if remote.Addr.IsValid() && remote.Addr.Unmap().Is4() {
			ip = remote.Addr.Unmap().As4()
		}
	} else {
		c.fedLogger(f.ID).Warn("address query for unknown federate", zap.Uint16("queried", id))
	}
	c.writeLocked(f, wire.EncodeAddressReply(port, ip))
	return nil
}

// handleAddressAdvertisement records the port f accepts peer connections on.
func (c *Coordinator) handleAddressAdvertisement(f *model.Federate, r io.Reader) error {
	port, err := wire.ReadInt32(r)
	if err != nil {
		return fmt.Errorf("read address advertisement: %w", err)
	}
	c.mu.Lock()
	f.ServerPort = port
	c.mu.Unlock()
	c.fedLogger(f.ID).Debug("federate advertised peer port", zap.Int32("port", port))
	return nil
}
