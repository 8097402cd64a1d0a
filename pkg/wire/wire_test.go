package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/tagrti/pkg/tag"
)

func TestEncodeTagMessage_Layout(t *testing.T) {
	got := EncodeTagMessage(TagAdvanceGrant, tag.New(0x0102030405060708, 0x0a0b0c0d))
	want := []byte{
		7,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0x0d, 0x0c, 0x0b, 0x0a,
	}
	assert.Equal(t, want, got)
}

func TestEncodeTaggedMessage_Layout(t *testing.T) {
	got := EncodeTaggedMessage(3, 1, tag.New(100, 2), []byte("hi"))
	require.Len(t, got, 1+TaggedHeaderLen+2)
	assert.Equal(t, byte(TaggedMessage), got[0])
	assert.Equal(t, []byte{3, 0, 1, 0, 2, 0, 0, 0}, got[1:9])

	h := DecodeTaggedHeader(got[1:])
	assert.Equal(t, TaggedHeader{Port: 3, Federate: 1, Length: 2, Tag: tag.New(100, 2)}, h)
	assert.Equal(t, "hi", string(got[1+TaggedHeaderLen:]))
}

func TestReadFedIDs(t *testing.T) {
	msg, err := FedIDsMsg{FederateID: 7, FederationID: "fed-x"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 7, 0, 5, 'f', 'e', 'd', '-', 'x'}, msg)

	got, err := ReadFedIDs(bytes.NewReader(msg[1:]))
	require.NoError(t, err)
	assert.Equal(t, uint16(7), got.FederateID)
	assert.Equal(t, "fed-x", got.FederationID)
}

func TestFedIDs_TooLong(t *testing.T) {
	_, err := FedIDsMsg{FederationID: strings.Repeat("x", 256)}.Encode()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadFedIDs_Truncated(t *testing.T) {
	_, err := ReadFedIDs(bytes.NewReader([]byte{1, 0, 9, 'a'}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadNeighbors(t *testing.T) {
	n := Neighbors{
		Upstream:      []uint16{0, 2},
		UpstreamDelay: []tag.Interval{10, tag.NoDelay},
		Downstream:    []uint16{3},
	}
	msg := n.Encode()
	assert.Len(t, msg, 1+4+4+2*(2+8)+2)

	got, err := ReadNeighbors(bytes.NewReader(msg[1:]), 4)
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestReadNeighbors_RejectsBadCounts(t *testing.T) {
	msg := Neighbors{Downstream: []uint16{1, 2, 3}}.Encode()
	_, err := ReadNeighbors(bytes.NewReader(msg[1:]), 2)
	assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
}

func TestPortAbsent(t *testing.T) {
	m := PortAbsentMsg{Port: 4, Federate: 2, Tag: tag.New(9, 1)}
	b := m.Encode()
	require.Len(t, b, 1+PortAbsentLen)
	assert.Equal(t, m, DecodePortAbsent(b[1:]))
}

func TestAddressReply_NoTypeByte(t *testing.T) {
	got := EncodeAddressReply(-1, [4]byte{127, 0, 0, 1})
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 127, 0, 0, 1}, got)
}

func TestT3(t *testing.T) {
	id, err := ReadT3(bytes.NewReader(EncodeT3(5)))
	require.NoError(t, err)
	assert.Equal(t, int32(5), id)

	_, err = ReadT3(bytes.NewReader(EncodeTime(ClockSyncT4, 5)))
	assert.ErrorIs(t, err, ErrUnexpectedMessage)

	_, err = DecodeT3([]byte{byte(ClockSyncT3), 1})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "TAG_ADVANCE_GRANT", TagAdvanceGrant.String())
	assert.Equal(t, "MSG_TYPE(200)", MsgType(200).String())
	assert.Equal(t, "wrong_server", WrongServer.String())
}
