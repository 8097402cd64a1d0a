package rti

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/daviddao/tagrti/pkg/config"
	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/tag"
	"github.com/daviddao/tagrti/pkg/wire"
)

func testConfig(n int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Federation.ID = "test-federation"
	cfg.Federation.NumFederates = n
	cfg.Federation.StartDelay = 0
	cfg.ClockSync.Mode = config.ClockSyncOff
	cfg.Server.HandshakeTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 5 * time.Second
	cfg.Server.CloseTimeout = time.Second
	cfg.Server.ReadTimeout = 5 * time.Second
	return cfg
}

// recConn records everything written to it. Reads report EOF.
type recConn struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	closed   bool
	failNext bool
}

func (r *recConn) Read([]byte) (int, error) { return 0, io.EOF }

func (r *recConn) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext || r.closed {
		return 0, errors.New("broken pipe")
	}
	return r.buf.Write(b)
}

func (r *recConn) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recConn) LocalAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 15045} }
func (r *recConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}
func (r *recConn) SetDeadline(time.Time) error      { return nil }
func (r *recConn) SetReadDeadline(time.Time) error  { return nil }
func (r *recConn) SetWriteDeadline(time.Time) error { return nil }

func (r *recConn) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.buf.Bytes())
}

func (r *recConn) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Len()
}

// sent is one tag-carrying message written to a federate.
type sent struct {
	Type wire.MsgType
	Tag  tag.Tag
}

// tagMessages decodes a stream made only of type+tag messages.
func tagMessages(t *testing.T, b []byte) []sent {
	t.Helper()
	var out []sent
	for len(b) > 0 {
		if len(b) < 1+wire.TagLen {
			t.Fatalf("trailing %d bytes in stream", len(b))
		}
		m := wire.MsgType(b[0])
		switch m {
		case wire.TagAdvanceGrant, wire.ProvisionalTAG, wire.StopRequest, wire.StopGranted:
		default:
			t.Fatalf("unexpected message %v in grant stream", m)
		}
		out = append(out, sent{Type: m, Tag: wire.DecodeTag(b[1:])})
		b = b[1+wire.TagLen:]
	}
	return out
}

func (r *recConn) messages(t *testing.T) []sent {
	t.Helper()
	return tagMessages(t, r.bytes())
}

func tagMsg(m wire.MsgType, time int64, micro uint32) sent {
	return sent{Type: m, Tag: tag.New(time, micro)}
}

// memJournal keeps journaled events in memory.
type memJournal struct {
	mu     sync.Mutex
	events []model.Event
	start  int64
	stops  []tag.Tag
}

func (j *memJournal) Record(e model.Event) {
	j.mu.Lock()
	j.events = append(j.events, e)
	j.mu.Unlock()
}

func (j *memJournal) SetStartTime(start int64) {
	j.mu.Lock()
	j.start = start
	j.mu.Unlock()
}

func (j *memJournal) SetStopTag(t tag.Tag) {
	j.mu.Lock()
	j.stops = append(j.stops, t)
	j.mu.Unlock()
}

func (j *memJournal) count(kind model.EventKind) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// newStarted returns a coordinator whose n federates are connected to
// recording conns and already hold the start time (0).
func newStarted(t *testing.T, n int, opts ...Option) (*Coordinator, []*recConn) {
	t.Helper()
	c, err := New(testConfig(n), zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conns := make([]*recConn, n)
	for i := range conns {
		conns[i] = &recConn{}
		c.links[i].conn = conns[i]
		c.feds[i].State = model.Granted
	}
	return c, conns
}

// connect adds an edge from -> to with delay d.
func connect(c *Coordinator, from, to uint16, d tag.Interval) {
	c.feds[to].Upstream = append(c.feds[to].Upstream, from)
	c.feds[to].UpstreamDelay = append(c.feds[to].UpstreamDelay, d)
	c.feds[from].Downstream = append(c.feds[from].Downstream, to)
}

// locked runs fn with the coordinator lock held.
func locked(c *Coordinator, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}
