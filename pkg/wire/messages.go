package wire

import (
	"fmt"
	"io"

	"github.com/daviddao/tagrti/pkg/tag"
)

// ---- FED_IDS ----

// FedIDsMsg is the body of FED_IDS, the first message of a handshake.
type FedIDsMsg struct {
	FederateID   uint16
	FederationID string
}

// ReadFedIDs reads the body of FED_IDS.
func ReadFedIDs(r io.Reader) (FedIDsMsg, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return FedIDsMsg{}, err
	}
	id := make([]byte, hdr[2])
	if _, err := io.ReadFull(r, id); err != nil {
		return FedIDsMsg{}, err
	}
	return FedIDsMsg{FederateID: le.Uint16(hdr[:2]), FederationID: string(id)}, nil
}

// Encode returns the whole FED_IDS message.
func (m FedIDsMsg) Encode() ([]byte, error) {
	if len(m.FederationID) > MaxFederationIDLen {
		return nil, fmt.Errorf("federation id of %d bytes: %w", len(m.FederationID), ErrMalformed)
	}
	b := le.AppendUint16([]byte{byte(FedIDs)}, m.FederateID)
	b = append(b, byte(len(m.FederationID)))
	return append(b, m.FederationID...), nil
}

// ---- NEIGHBOR_STRUCTURE ----

// Neighbors is the body of NEIGHBOR_STRUCTURE.
type Neighbors struct {
	Upstream      []uint16
	UpstreamDelay []tag.Interval
	Downstream    []uint16
}

// ReadNeighbors reads the body of NEIGHBOR_STRUCTURE. maxFederates bounds
// the declared counts.
func ReadNeighbors(r io.Reader, maxFederates int) (Neighbors, error) {
	nUp, err := ReadInt32(r)
	if err != nil {
		return Neighbors{}, err
	}
	nDown, err := ReadInt32(r)
	if err != nil {
		return Neighbors{}, err
	}
	if nUp < 0 || nDown < 0 || int(nUp) > maxFederates || int(nDown) > maxFederates {
		return Neighbors{}, fmt.Errorf("neighbor counts %d/%d: %w", nUp, nDown, ErrMalformed)
	}
	n := Neighbors{
		Upstream:      make([]uint16, nUp),
		UpstreamDelay: make([]tag.Interval, nUp),
		Downstream:    make([]uint16, nDown),
	}
	for i := range n.Upstream {
		if n.Upstream[i], err = ReadUint16(r); err != nil {
			return Neighbors{}, err
		}
		d, err := ReadInt64(r)
		if err != nil {
			return Neighbors{}, err
		}
		n.UpstreamDelay[i] = tag.Interval(d)
	}
	for i := range n.Downstream {
		if n.Downstream[i], err = ReadUint16(r); err != nil {
			return Neighbors{}, err
		}
	}
	return n, nil
}

// Encode returns the whole NEIGHBOR_STRUCTURE message.
func (n Neighbors) Encode() []byte {
	b := []byte{byte(NeighborStructure)}
	b = le.AppendUint32(b, uint32(len(n.Upstream)))
	b = le.AppendUint32(b, uint32(len(n.Downstream)))
	for i, u := range n.Upstream {
		b = le.AppendUint16(b, u)
		b = le.AppendUint64(b, uint64(n.UpstreamDelay[i]))
	}
	for _, d := range n.Downstream {
		b = le.AppendUint16(b, d)
	}
	return b
}

// EncodeUDPPort encodes UDP_PORT.
func EncodeUDPPort(port uint16) []byte {
	return le.AppendUint16([]byte{byte(UDPPort)}, port)
}

// EncodeAddressQuery encodes ADDRESS_QUERY.
func EncodeAddressQuery(fed uint16) []byte {
	return le.AppendUint16([]byte{byte(AddressQuery)}, fed)
}

// EncodeAddressAdvertisement encodes ADDRESS_ADVERTISEMENT.
func EncodeAddressAdvertisement(port int32) []byte {
	return le.AppendUint32([]byte{byte(AddressAdvertisement)}, uint32(port))
}

// ---- Tagged messages ----

// TaggedHeader is the header of TAGGED_MESSAGE after the type byte.
type TaggedHeader struct {
	Port     uint16
	Federate uint16
	Length   uint32
	Tag      tag.Tag
}

// DecodeTaggedHeader decodes a header from b, which must hold at least
// TaggedHeaderLen bytes.
func DecodeTaggedHeader(b []byte) TaggedHeader {
	return TaggedHeader{
		Port:     le.Uint16(b[0:2]),
		Federate: le.Uint16(b[2:4]),
		Length:   le.Uint32(b[4:8]),
		Tag:      DecodeTag(b[8:20]),
	}
}

// EncodeTaggedMessage returns the whole TAGGED_MESSAGE carrying payload.
func EncodeTaggedMessage(port, fed uint16, t tag.Tag, payload []byte) []byte {
	b := make([]byte, 0, 1+TaggedHeaderLen+len(payload))
	b = append(b, byte(TaggedMessage))
	b = le.AppendUint16(b, port)
	b = le.AppendUint16(b, fed)
	b = le.AppendUint32(b, uint32(len(payload)))
	b = AppendTag(b, t)
	return append(b, payload...)
}

// PortAbsentMsg is the body of PORT_ABSENT.
type PortAbsentMsg struct {
	Port     uint16
	Federate uint16
	Tag      tag.Tag
}

// DecodePortAbsent decodes a body of PortAbsentLen bytes.
func DecodePortAbsent(b []byte) PortAbsentMsg {
	return PortAbsentMsg{
		Port:     le.Uint16(b[0:2]),
		Federate: le.Uint16(b[2:4]),
		Tag:      DecodeTag(b[4:16]),
	}
}

// Encode returns the whole PORT_ABSENT message.
func (m PortAbsentMsg) Encode() []byte {
	b := le.AppendUint16([]byte{byte(PortAbsent)}, m.Port)
	b = le.AppendUint16(b, m.Federate)
	return AppendTag(b, m.Tag)
}

// ---- Clock sync ----

// ReadT3 reads a whole CLOCK_SYNC_T3 reply, including its type byte, and
// returns the federate id it carries.
func ReadT3(r io.Reader) (int32, error) {
	m, err := ReadType(r)
	if err != nil {
		return 0, err
	}
	if m != ClockSyncT3 {
		return 0, fmt.Errorf("want %v, got %v: %w", ClockSyncT3, m, ErrUnexpectedMessage)
	}
	return ReadInt32(r)
}

// DecodeT3 decodes a CLOCK_SYNC_T3 datagram.
func DecodeT3(b []byte) (int32, error) {
	if len(b) < 5 {
		return 0, fmt.Errorf("T3 of %d bytes: %w", len(b), ErrMalformed)
	}
	if MsgType(b[0]) != ClockSyncT3 {
		return 0, fmt.Errorf("want %v, got %v: %w", ClockSyncT3, MsgType(b[0]), ErrUnexpectedMessage)
	}
	return int32(le.Uint32(b[1:5])), nil
}

// EncodeT3 encodes CLOCK_SYNC_T3 as a federate sends it.
func EncodeT3(fed int32) []byte {
	return le.AppendUint32([]byte{byte(ClockSyncT3)}, uint32(fed))
}
