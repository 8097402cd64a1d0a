package frontier

import (
	"testing"

	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/tag"
)

type edge struct {
	from, to uint16
	delay    tag.Interval
}

// federation builds n connected federates wired by edges.
func federation(n int, edges ...edge) []*model.Federate {
	feds := make([]*model.Federate, n)
	for i := range feds {
		feds[i] = model.NewFederate(uint16(i))
		feds[i].State = model.Granted
	}
	for _, e := range edges {
		to, from := feds[e.to], feds[e.from]
		to.Upstream = append(to.Upstream, e.from)
		to.UpstreamDelay = append(to.UpstreamDelay, e.delay)
		from.Downstream = append(from.Downstream, e.to)
	}
	return feds
}

var start = tag.New(0, 0)

func TestVisited(t *testing.T) {
	v := NewVisited(3)
	if v.Has(1) {
		t.Fatal("fresh set should be empty")
	}
	if !v.Visit(1) {
		t.Fatal("first Visit(1) should report unmarked")
	}
	if v.Visit(1) {
		t.Fatal("second Visit(1) should report already marked")
	}
	if !v.Visit(130) || !v.Has(130) {
		t.Fatal("Visit beyond initial size should grow the set")
	}
	v.Reset()
	if v.Has(1) || v.Has(130) {
		t.Fatal("Reset should clear every bit")
	}
}

func TestTransitiveNextEvent_Chain(t *testing.T) {
	feds := federation(2, edge{0, 1, 10})
	feds[0].NextEvent = tag.New(100, 0)
	got := TransitiveNextEvent(feds, start, 0)
	if got != tag.New(100, 0) {
		t.Fatalf("TransitiveNextEvent(A) = %v, want (100, 0)", got)
	}
	if got := EarliestUpstreamMessage(feds, start, 1); got != tag.New(110, 0) {
		t.Fatalf("EarliestUpstreamMessage(B) = %v, want (110, 0)", got)
	}
}

func TestTransitiveNextEvent_ClampedToCompleted(t *testing.T) {
	feds := federation(1)
	feds[0].NextEvent = tag.New(50, 0)
	feds[0].Completed = tag.New(80, 0)
	got := TransitiveNextEvent(feds, start, 0)
	if got != tag.New(80, 0) {
		t.Fatalf("got %v, want completed (80, 0)", got)
	}
}

func TestTransitiveNextEvent_ClampedToStart(t *testing.T) {
	feds := federation(1)
	got := TransitiveNextEvent(feds, tag.New(1000, 0), 0)
	if got != tag.New(1000, 0) {
		t.Fatalf("got %v, want start (1000, 0)", got)
	}
}

func TestEarliestEvents_DisconnectedPassesNothingOn(t *testing.T) {
	feds := federation(2, edge{0, 1, 0})
	feds[0].State = model.NotConnected
	feds[0].NextEvent = tag.New(5, 0)
	feds[1].NextEvent = tag.New(42, 0)
	got := EarliestEvents(feds, start)
	if got[0] != tag.Forever {
		t.Fatalf("disconnected federate: got %v, want FOREVER", got[0])
	}
	if got[1] != tag.New(42, 0) {
		t.Fatalf("downstream of a disconnected federate: got %v, want its own (42, 0)", got[1])
	}
}

func TestTransitiveNextEvent_RingTerminates(t *testing.T) {
	// A -> B -> C -> A, each edge 10.
	feds := federation(3, edge{0, 1, 10}, edge{1, 2, 10}, edge{2, 0, 10})
	feds[0].NextEvent = tag.New(100, 0)
	feds[1].NextEvent = tag.New(200, 0)
	feds[2].NextEvent = tag.New(300, 0)

	// A's own event at 100 reaches B at 110, C at 120 and A at 130.
	if got := EarliestUpstreamMessage(feds, start, 0); got != tag.New(130, 0) {
		t.Fatalf("EarliestUpstreamMessage(A) = %v, want (130, 0)", got)
	}
	want := []tag.Tag{tag.New(100, 0), tag.New(110, 0), tag.New(120, 0)}
	for id, got := range EarliestEvents(feds, start) {
		if got != want[id] {
			t.Fatalf("EarliestEvents[%d] = %v, want %v", id, got, want[id])
		}
	}
}

func TestTransitiveNextEvent_ZeroDelayRing(t *testing.T) {
	feds := federation(2, edge{0, 1, 0}, edge{1, 0, 0})
	feds[0].NextEvent = tag.New(10, 0)
	feds[1].NextEvent = tag.New(10, 0)
	if got := EarliestUpstreamMessage(feds, start, 1); got != tag.New(10, 1) {
		t.Fatalf("EarliestUpstreamMessage(B) = %v, want (10, 1)", got)
	}
}

// X reaches F through U1 with delay 100 and through U2 with delay 0.
// The slow path must not hide the fast one.
func TestEarliestUpstreamMessage_Diamond(t *testing.T) {
	const x, u1, u2, f = 0, 1, 2, 3
	feds := federation(4,
		edge{x, u1, 100}, edge{u1, f, 0},
		edge{x, u2, 0}, edge{u2, f, 0})
	feds[x].NextEvent = tag.New(10, 0)
	feds[u1].NextEvent = tag.New(1000, 0)
	feds[u2].NextEvent = tag.New(1000, 0)
	feds[f].NextEvent = tag.New(100, 0)

	if got := EarliestUpstreamMessage(feds, start, f); got != tag.New(10, 2) {
		t.Fatalf("EarliestUpstreamMessage(F) = %v, want (10, 2)", got)
	}
}

// The same federate reached twice within one upstream's history.
func TestTransitiveNextEvent_SharedAncestor(t *testing.T) {
	const x, a, u = 0, 1, 2
	feds := federation(3, edge{x, a, 100}, edge{a, u, 0}, edge{x, u, 5})
	feds[x].NextEvent = tag.New(10, 0)
	feds[a].NextEvent = tag.New(500, 0)
	feds[u].NextEvent = tag.New(500, 0)

	if got := TransitiveNextEvent(feds, start, u); got != tag.New(15, 0) {
		t.Fatalf("TransitiveNextEvent(U) = %v, want (15, 0) through the direct edge", got)
	}
}

func TestEarliestEvents_NoDelayCycleIsStable(t *testing.T) {
	feds := federation(2, edge{0, 1, tag.NoDelay}, edge{1, 0, tag.NoDelay})
	feds[0].NextEvent = tag.New(10, 0)
	feds[1].NextEvent = tag.New(20, 0)
	got := EarliestEvents(feds, start)
	if got[0] != tag.New(10, 0) || got[1] != tag.New(10, 0) {
		t.Fatalf("EarliestEvents = %v, want both (10, 0)", got)
	}
}

func TestMinUpstreamCompleted(t *testing.T) {
	feds := federation(3, edge{0, 2, 10}, edge{1, 2, tag.NoDelay})
	feds[0].Completed = tag.New(100, 0)
	feds[1].Completed = tag.New(105, 2)
	if got := MinUpstreamCompleted(feds, 2); got != tag.New(105, 2) {
		t.Fatalf("MinUpstreamCompleted = %v, want (105, 2)", got)
	}
	feds[1].State = model.NotConnected
	if got := MinUpstreamCompleted(feds, 2); got != tag.New(110, 0) {
		t.Fatalf("with 1 gone MinUpstreamCompleted = %v, want (110, 0)", got)
	}
	feds[0].State = model.NotConnected
	if got := MinUpstreamCompleted(feds, 2); got != tag.Forever {
		t.Fatalf("with no upstream MinUpstreamCompleted = %v, want FOREVER", got)
	}
}

func TestEarliestUpstreamMessage_NoUpstream(t *testing.T) {
	feds := federation(1)
	if got := EarliestUpstreamMessage(feds, start, 0); got != tag.Forever {
		t.Fatalf("got %v, want FOREVER", got)
	}
}

func TestWalkDownstream_Ring(t *testing.T) {
	feds := federation(3, edge{0, 1, 10}, edge{1, 2, 10}, edge{2, 0, 10})
	var seen []uint16
	WalkDownstream(feds, 0, NewVisited(3), func(f *model.Federate) { seen = append(seen, f.ID) })
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("walk from A saw %v, want [1 2]", seen)
	}
}

func TestWalkDownstream_DiamondVisitsOnce(t *testing.T) {
	feds := federation(4, edge{0, 1, 1}, edge{0, 2, 1}, edge{1, 3, 1}, edge{2, 3, 1})
	counts := map[uint16]int{}
	WalkDownstream(feds, 0, NewVisited(4), func(f *model.Federate) { counts[f.ID]++ })
	for id := uint16(1); id < 4; id++ {
		if counts[id] != 1 {
			t.Fatalf("federate %d visited %d times, want 1", id, counts[id])
		}
	}
	if counts[0] != 0 {
		t.Fatal("walk should not call fn on its origin")
	}
}
