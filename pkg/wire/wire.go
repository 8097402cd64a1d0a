// Package wire defines the byte-level protocol spoken between the RTI and
// federates.
//
// Every message starts with a one-byte type. Multi-byte integers are little
// endian. Tags travel as an int64 time followed by a uint32 microstep.
// Most readers here consume the body of a message whose type byte has
// already been read; encoders produce whole messages including the type.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/daviddao/tagrti/pkg/tag"
)

// MsgType is the leading byte of every message.
type MsgType byte

const (
	Reject               MsgType = 0
	FedIDs               MsgType = 1
	Timestamp            MsgType = 2
	Resign               MsgType = 4
	TaggedMessage        MsgType = 5
	NextEventTag         MsgType = 6
	TagAdvanceGrant      MsgType = 7
	ProvisionalTAG       MsgType = 8
	LogicalTagComplete   MsgType = 9
	StopRequest          MsgType = 10
	StopRequestReply     MsgType = 11
	StopGranted          MsgType = 12
	AddressQuery         MsgType = 13
	AddressQueryReply    MsgType = 14
	AddressAdvertisement MsgType = 15
	P2PSendingFedID      MsgType = 16
	P2PTaggedMessage     MsgType = 18
	ClockSyncT1          MsgType = 19
	ClockSyncT3          MsgType = 20
	ClockSyncT4          MsgType = 21
	ClockSyncCodedProbe  MsgType = 22
	PortAbsent           MsgType = 23
	NeighborStructure    MsgType = 24
	TimeAdvanceNotice    MsgType = 27
	UDPPort              MsgType = 254
	Ack                  MsgType = 255
)

var typeNames = map[MsgType]string{
	Reject:               "REJECT",
	FedIDs:               "FED_IDS",
	Timestamp:            "TIMESTAMP",
	Resign:               "RESIGN",
	TaggedMessage:        "TAGGED_MESSAGE",
	NextEventTag:         "NEXT_EVENT_TAG",
	TagAdvanceGrant:      "TAG_ADVANCE_GRANT",
	ProvisionalTAG:       "PROVISIONAL_TAG_ADVANCE_GRANT",
	LogicalTagComplete:   "LOGICAL_TAG_COMPLETE",
	StopRequest:          "STOP_REQUEST",
	StopRequestReply:     "STOP_REQUEST_REPLY",
	StopGranted:          "STOP_GRANTED",
	AddressQuery:         "ADDRESS_QUERY",
	AddressQueryReply:    "ADDRESS_QUERY_REPLY",
	AddressAdvertisement: "ADDRESS_ADVERTISEMENT",
	P2PSendingFedID:      "P2P_SENDING_FED_ID",
	P2PTaggedMessage:     "P2P_TAGGED_MESSAGE",
	ClockSyncT1:          "CLOCK_SYNC_T1",
	ClockSyncT3:          "CLOCK_SYNC_T3",
	ClockSyncT4:          "CLOCK_SYNC_T4",
	ClockSyncCodedProbe:  "CLOCK_SYNC_CODED_PROBE",
	PortAbsent:           "PORT_ABSENT",
	NeighborStructure:    "NEIGHBOR_STRUCTURE",
	TimeAdvanceNotice:    "TIME_ADVANCE_NOTICE",
	UDPPort:              "UDP_PORT",
	Ack:                  "ACK",
}

func (m MsgType) String() string {
	if s, ok := typeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("MSG_TYPE(%d)", byte(m))
}

// RejectCode is the payload of a REJECT message.
type RejectCode byte

const (
	FederationIDDoesNotMatch RejectCode = 1
	FederateIDInUse          RejectCode = 2
	FederateIDOutOfRange     RejectCode = 3
	UnexpectedMessage        RejectCode = 4
	WrongServer              RejectCode = 5
	HMACDoesNotMatch         RejectCode = 6
)

func (c RejectCode) String() string {
	switch c {
	case FederationIDDoesNotMatch:
		return "federation_id_does_not_match"
	case FederateIDInUse:
		return "federate_id_in_use"
	case FederateIDOutOfRange:
		return "federate_id_out_of_range"
	case UnexpectedMessage:
		return "unexpected_message"
	case WrongServer:
		return "wrong_server"
	case HMACDoesNotMatch:
		return "hmac_does_not_match"
	}
	return fmt.Sprintf("reject(%d)", byte(c))
}

const (
	// BufferSize bounds each chunk of a relayed payload.
	BufferSize = 256
	// TagLen is the encoded size of a tag.
	TagLen = 8 + 4
	// TaggedHeaderLen is the body of a tagged message header after the
	// type byte: port, federate, length, tag.
	TaggedHeaderLen = 2 + 2 + 4 + TagLen
	// PortAbsentLen is the body of a PORT_ABSENT message.
	PortAbsentLen = 2 + 2 + TagLen
	// NoUDPPort in a UDP_PORT message means the federate wants no clock sync.
	NoUDPPort = math.MaxUint16
	// MaxFederationIDLen is the largest federation id FED_IDS can carry.
	MaxFederationIDLen = math.MaxUint8
)

var (
	// ErrUnexpectedMessage is returned when a message of the wrong type
	// arrives during a fixed exchange.
	ErrUnexpectedMessage = errors.New("unexpected message type")
	// ErrMalformed is returned for bodies whose declared sizes are invalid.
	ErrMalformed = errors.New("malformed message")
)

var le = binary.LittleEndian

// ---- Readers ----

// ReadType reads one message-type byte.
func ReadType(r io.Reader) (MsgType, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return MsgType(b[0]), nil
}

// ReadUint16 reads a little-endian uint16.
func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return le.Uint16(b[:]), nil
}

// ReadInt32 reads a little-endian int32.
func ReadInt32(r io.Reader) (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int32(le.Uint32(b[:])), nil
}

// ReadInt64 reads a little-endian int64.
func ReadInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(le.Uint64(b[:])), nil
}

// ReadTag reads an encoded tag.
func ReadTag(r io.Reader) (tag.Tag, error) {
	var b [TagLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return tag.Tag{}, err
	}
	return DecodeTag(b[:]), nil
}

// DecodeTag decodes a tag from the first TagLen bytes of b.
func DecodeTag(b []byte) tag.Tag {
	return tag.New(int64(le.Uint64(b[0:8])), le.Uint32(b[8:12]))
}

// ---- Encoders ----

// AppendTag appends the encoding of t to b.
func AppendTag(b []byte, t tag.Tag) []byte {
	b = le.AppendUint64(b, uint64(t.Time))
	return le.AppendUint32(b, t.Microstep)
}

// EncodeTagMessage encodes a message consisting of a type and a tag:
// grants, NET, LTC and the stop messages.
func EncodeTagMessage(m MsgType, t tag.Tag) []byte {
	return AppendTag([]byte{byte(m)}, t)
}

// EncodeTime encodes a message consisting of a type and an int64: TIMESTAMP,
// TIME_ADVANCE_NOTICE and the clock sync messages.
func EncodeTime(m MsgType, t int64) []byte {
	return le.AppendUint64([]byte{byte(m)}, uint64(t))
}

// EncodeReject encodes REJECT(code).
func EncodeReject(code RejectCode) []byte { return []byte{byte(Reject), byte(code)} }

// EncodeAck encodes ACK.
func EncodeAck() []byte { return []byte{byte(Ack)} }

// EncodeAddressReply encodes the reply to ADDRESS_QUERY: the port, then the
// IPv4 address. The reply carries no type byte.
func EncodeAddressReply(port int32, ip [4]byte) []byte {
	b := le.AppendUint32(make([]byte, 0, 8), uint32(port))
	return append(b, ip[:]...)
}
