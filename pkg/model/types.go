// Package model defines the core domain types for the RTI.
//
// A federation is a fixed set of federates, each a separately running
// reactor program that advances through logical tags. Federates are linked
// by connections that carry a minimum delay:
//
//   - Upstream edges are owned by the receiving federate together with
//     their delays, since a receiver's safe-to-process horizon depends on
//     the delay of every connection into it.
//
//   - Downstream edges carry no delay. They tell the coordinator whom to
//     re-evaluate when a federate's progress changes.
//
// The coordinator tracks, per federate, the strongest grant already sent
// and what the federate has reported about its own progress. Records are
// created once for the declared federation size and never removed; a
// federate that leaves simply becomes NotConnected.
package model

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/daviddao/tagrti/pkg/tag"
)

// State is a federate's connection state.
type State int

const (
	// NotConnected is both the initial and the terminal state.
	NotConnected State = iota
	// Pending means the handshake finished but the start time was not sent.
	Pending
	// Granted means the federate has been told the start time.
	Granted
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Pending:
		return "pending"
	case Granted:
		return "granted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Federate is the coordinator's record of one federate.
type Federate struct {
	ID    uint16 `json:"id"`
	State State  `json:"state"`

	Upstream      []uint16       `json:"upstream"`
	UpstreamDelay []tag.Interval `json:"upstream_delay"`
	Downstream    []uint16       `json:"downstream"`

	Completed                tag.Tag `json:"completed"`
	NextEvent                tag.Tag `json:"next_event"`
	LastGranted              tag.Tag `json:"last_granted"`
	LastProvisionallyGranted tag.Tag `json:"last_provisionally_granted"`

	RequestedStop bool         `json:"requested_stop"`
	InTransit     InTransitSet `json:"-"`

	// ServerPort is -1 until the federate advertises its peer port.
	ServerPort int32      `json:"server_port"`
	Addr       netip.Addr `json:"addr"`
	UDPPort    uint16     `json:"udp_port"`
}

// NewFederate returns a disconnected record with every tag at Never.
func NewFederate(id uint16) *Federate {
	return &Federate{
		ID:                       id,
		State:                    NotConnected,
		Completed:                tag.Never,
		NextEvent:                tag.Never,
		LastGranted:              tag.Never,
		LastProvisionallyGranted: tag.Never,
		ServerPort:               -1,
	}
}

// Connected reports whether the federate still participates.
func (f *Federate) Connected() bool { return f.State != NotConnected }

// SetNeighbors installs the federate's connection structure.
func (f *Federate) SetNeighbors(upstream []uint16, delays []tag.Interval, downstream []uint16) error {
	if len(upstream) != len(delays) {
		return fmt.Errorf("federate %d: %d upstream ids but %d delays", f.ID, len(upstream), len(delays))
	}
	f.Upstream = upstream
	f.UpstreamDelay = delays
	f.Downstream = downstream
	return nil
}

// DelayFrom returns the delay on the edge from upstream federate id.
func (f *Federate) DelayFrom(id uint16) (tag.Interval, bool) {
	for i, u := range f.Upstream {
		if u == id {
			return f.UpstreamDelay[i], true
		}
	}
	return 0, false
}

// EventKind enumerates the entries of the coordination journal.
type EventKind string

const (
	EventConnect     EventKind = "connect"
	EventStartTime   EventKind = "start_time"
	EventNET         EventKind = "net"
	EventTAN         EventKind = "tan"
	EventLTC         EventKind = "ltc"
	EventTAG         EventKind = "tag"
	EventPTAG        EventKind = "ptag"
	EventRelay       EventKind = "relay"
	EventPortAbsent  EventKind = "port_absent"
	EventDrop        EventKind = "drop"
	EventAnomaly     EventKind = "anomaly"
	EventStopRequest EventKind = "stop_request"
	EventStopReply   EventKind = "stop_reply"
	EventStopGranted EventKind = "stop_granted"
	EventResign      EventKind = "resign"
	EventDisconnect  EventKind = "disconnect"
)

// Run is one execution of the RTI as recorded in the journal.
type Run struct {
	ID           string    `json:"id"`
	FederationID string    `json:"federation_id"`
	NumFederates int       `json:"number_of_federates"`
	StartTime    int64     `json:"start_time"`
	StopTag      *tag.Tag  `json:"stop_tag,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NoFederate fills Federate or Peer in events that concern no federate.
const NoFederate = -1

// Event is a single entry in the coordination journal. Federate is the
// federate the event concerns; Peer is the other end of a relay.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Kind      EventKind `json:"kind"`
	Federate  int       `json:"federate"`
	Peer      int       `json:"peer"`
	Tag       tag.Tag   `json:"tag"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
