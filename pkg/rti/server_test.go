package rti

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/daviddao/tagrti/pkg/config"
	"github.com/daviddao/tagrti/pkg/tag"
	"github.com/daviddao/tagrti/pkg/wire"
)

const ioTimeout = 5 * time.Second

type testServer struct {
	c    *Coordinator
	addr string
	done chan struct{}
	err  error
}

// startServer runs a coordinator on a loopback port until the test ends.
func startServer(t *testing.T, cfg *config.Config, opts ...Option) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c, err := New(cfg, zaptest.NewLogger(t), append(opts, WithListener(ln))...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := &testServer{c: c, addr: ln.Addr().String(), done: make(chan struct{})}
	go func() {
		s.err = c.Run(ctx)
		close(s.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.done:
		case <-time.After(ioTimeout):
			t.Error("coordinator did not stop")
		}
	})
	return s
}

func (s *testServer) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-s.done:
		return s.err
	case <-time.After(ioTimeout):
		t.Fatal("coordinator did not finish")
		return nil
	}
}

// federate plays the federate side of the protocol.
type federate struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *federate {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &federate{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (f *federate) send(b []byte) {
	f.t.Helper()
	_, err := f.conn.Write(b)
	require.NoError(f.t, err)
}

func (f *federate) read(n int) []byte {
	f.t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	b := make([]byte, n)
	_, err := io.ReadFull(f.r, b)
	require.NoError(f.t, err)
	return b
}

func (f *federate) hello(federation string, id uint16) {
	f.t.Helper()
	b, err := wire.FedIDsMsg{FederateID: id, FederationID: federation}.Encode()
	require.NoError(f.t, err)
	f.send(b)
}

// join completes the handshake without clock sync.
func (f *federate) join(id uint16, nb wire.Neighbors) {
	f.t.Helper()
	f.hello("test-federation", id)
	f.expectType(wire.Ack)
	f.send(nb.Encode())
	f.send(wire.EncodeUDPPort(wire.NoUDPPort))
}

func (f *federate) expectType(m wire.MsgType) {
	f.t.Helper()
	require.Equal(f.t, m, wire.MsgType(f.read(1)[0]))
}

func (f *federate) expectReject(code wire.RejectCode) {
	f.t.Helper()
	assert.Equal(f.t, wire.EncodeReject(code), f.read(2))
}

func (f *federate) expectTag(m wire.MsgType, t tag.Tag) {
	f.t.Helper()
	assert.Equal(f.t, wire.EncodeTagMessage(m, t), f.read(1+wire.TagLen))
}

func (f *federate) expectTime(m wire.MsgType) int64 {
	f.t.Helper()
	f.expectType(m)
	v, err := wire.ReadInt64(f.r)
	require.NoError(f.t, err)
	return v
}

// start proposes a start time and returns the agreed one.
func (f *federate) start(proposed int64) int64 {
	f.t.Helper()
	f.send(wire.EncodeTime(wire.Timestamp, proposed))
	return f.expectTime(wire.Timestamp)
}

// expectEOF waits for the RTI to close its side.
func (f *federate) expectEOF() {
	f.t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	_, err := f.r.ReadByte()
	assert.ErrorIs(f.t, err, io.EOF)
}

func (f *federate) resign() {
	f.t.Helper()
	f.send([]byte{byte(wire.Resign)})
	f.expectEOF()
	f.conn.Close()
}

func TestServer_Federation(t *testing.T) {
	j := &memJournal{}
	s := startServer(t, testConfig(2), WithJournal(j))

	a := dial(t, s.addr)
	a.join(0, wire.Neighbors{Downstream: []uint16{1}})
	b := dial(t, s.addr)
	b.join(1, wire.Neighbors{Upstream: []uint16{0}, UpstreamDelay: []tag.Interval{10}})

	a.send(wire.EncodeTime(wire.Timestamp, 1000))
	assert.Equal(t, int64(2000), b.start(2000))
	assert.Equal(t, int64(2000), a.expectTime(wire.Timestamp))

	a.send(wire.EncodeTagMessage(wire.NextEventTag, tag.New(2100, 0)))
	a.expectTag(wire.TagAdvanceGrant, tag.New(2100, 0))
	b.send(wire.EncodeTagMessage(wire.NextEventTag, tag.New(2050, 0)))
	b.expectTag(wire.TagAdvanceGrant, tag.New(2050, 0))
	a.send(wire.EncodeTagMessage(wire.LogicalTagComplete, tag.New(2100, 0)))
	b.expectTag(wire.TagAdvanceGrant, tag.New(2110, 0))

	msg := wire.EncodeTaggedMessage(4, 1, tag.New(2120, 0), []byte("ping"))
	a.send(msg)
	assert.Equal(t, msg, b.read(len(msg)))

	a.send(wire.EncodeTagMessage(wire.StopRequest, tag.New(2200, 0)))
	b.expectTag(wire.StopRequest, tag.New(2200, 0))
	b.send(wire.EncodeTagMessage(wire.StopRequestReply, tag.New(2300, 0)))
	a.expectTag(wire.StopGranted, tag.New(2300, 0))
	b.expectTag(wire.StopGranted, tag.New(2300, 0))

	a.resign()
	b.expectTag(wire.TagAdvanceGrant, tag.Forever)
	b.resign()

	require.NoError(t, s.wait(t))
	j.mu.Lock()
	defer j.mu.Unlock()
	assert.Equal(t, int64(2000), j.start)
	assert.Equal(t, []tag.Tag{tag.New(2300, 0)}, j.stops)
}

func TestServer_HandshakeRejects(t *testing.T) {
	s := startServer(t, testConfig(2))

	t.Run("federation id", func(t *testing.T) {
		f := dial(t, s.addr)
		f.hello("another-federation", 0)
		f.expectReject(wire.FederationIDDoesNotMatch)
		f.expectEOF()
	})
	t.Run("id out of range", func(t *testing.T) {
		f := dial(t, s.addr)
		f.hello("test-federation", 2)
		f.expectReject(wire.FederateIDOutOfRange)
	})
	t.Run("peer to peer", func(t *testing.T) {
		f := dial(t, s.addr)
		f.send([]byte{byte(wire.P2PSendingFedID)})
		f.expectReject(wire.WrongServer)
	})
	t.Run("unexpected first message", func(t *testing.T) {
		f := dial(t, s.addr)
		f.send([]byte{byte(wire.Timestamp)})
		f.expectReject(wire.UnexpectedMessage)
	})
	t.Run("neighbor out of range", func(t *testing.T) {
		f := dial(t, s.addr)
		f.hello("test-federation", 0)
		f.expectType(wire.Ack)
		f.send(wire.Neighbors{Downstream: []uint16{7}}.Encode())
		f.expectReject(wire.UnexpectedMessage)
	})
	t.Run("id in use", func(t *testing.T) {
		f := dial(t, s.addr)
		f.join(0, wire.Neighbors{})
		g := dial(t, s.addr)
		g.hello("test-federation", 0)
		g.expectReject(wire.FederateIDInUse)
	})
}

func TestServer_LateConnectionRejected(t *testing.T) {
	s := startServer(t, testConfig(1))
	a := dial(t, s.addr)
	a.join(0, wire.Neighbors{})

	late := dial(t, s.addr)
	late.expectReject(wire.FederationIDDoesNotMatch)
}

func TestServer_InitialClockSync(t *testing.T) {
	cfg := testConfig(1)
	cfg.ClockSync.Mode = config.ClockSyncInit
	cfg.ClockSync.ExchangesPerInterval = 3
	var now int64
	s := startServer(t, cfg, WithClock(func() int64 { now += 100; return now }))

	f := dial(t, s.addr)
	f.hello("test-federation", 0)
	f.expectType(wire.Ack)
	f.send(wire.Neighbors{}.Encode())
	f.send(wire.EncodeUDPPort(15999))
	var got []int64
	for i := 0; i < 3; i++ {
		got = append(got, f.expectTime(wire.ClockSyncT1))
		f.send(wire.EncodeT3(0))
		got = append(got, f.expectTime(wire.ClockSyncT4))
	}
	assert.Equal(t, []int64{100, 200, 300, 400, 500, 600}, got)

	assert.Equal(t, int64(42), f.start(42))
	f.resign()
	require.NoError(t, s.wait(t))
}

func TestServer_AddressQuery(t *testing.T) {
	s := startServer(t, testConfig(2))
	a := dial(t, s.addr)
	a.join(0, wire.Neighbors{})
	b := dial(t, s.addr)
	b.join(1, wire.Neighbors{})

	b.send(wire.EncodeAddressQuery(0))
	assert.Equal(t, wire.EncodeAddressReply(-1, [4]byte{127, 0, 0, 1}), b.read(8),
		"no port has been advertised yet")

	a.send(wire.EncodeAddressAdvertisement(7000))
	require.Eventually(t, func() bool { return s.c.Federates()[0].ServerPort == 7000 },
		ioTimeout, time.Millisecond)
	b.send(wire.EncodeAddressQuery(0))
	assert.Equal(t, wire.EncodeAddressReply(7000, [4]byte{127, 0, 0, 1}), b.read(8))

	b.send(wire.EncodeAddressQuery(9))
	assert.Equal(t, wire.EncodeAddressReply(-1, [4]byte{}), b.read(8))
}

func TestServer_UnknownMessageClosesConnection(t *testing.T) {
	s := startServer(t, testConfig(1))
	f := dial(t, s.addr)
	f.join(0, wire.Neighbors{})
	f.send([]byte{200})
	f.expectReject(wire.UnexpectedMessage)
	f.expectEOF()
	require.NoError(t, s.wait(t), "the federation ends once its only federate is gone")
}

func TestServer_ShutdownWhileWaitingForStart(t *testing.T) {
	cfg := testConfig(2)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c, err := New(cfg, zaptest.NewLogger(t), WithListener(ln))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	a := dial(t, ln.Addr().String())
	a.join(0, wire.Neighbors{})
	a.send(wire.EncodeTime(wire.Timestamp, 5))
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.numProposed == 1
	}, ioTimeout, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(ioTimeout):
		t.Fatal("Run did not return after cancel")
	}
}
