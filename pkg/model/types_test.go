package model

import (
	"testing"

	"github.com/daviddao/tagrti/pkg/tag"
)

func TestNewFederate_Defaults(t *testing.T) {
	f := NewFederate(3)
	if f.ID != 3 {
		t.Fatalf("ID = %d, want 3", f.ID)
	}
	if f.Connected() {
		t.Fatal("new federate should not be connected")
	}
	for name, got := range map[string]tag.Tag{
		"completed":    f.Completed,
		"next_event":   f.NextEvent,
		"last_granted": f.LastGranted,
		"last_ptag":    f.LastProvisionallyGranted,
	} {
		if got != tag.Never {
			t.Fatalf("%s = %v, want NEVER", name, got)
		}
	}
	if f.ServerPort != -1 {
		t.Fatalf("ServerPort = %d, want -1", f.ServerPort)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		NotConnected: "not_connected",
		Pending:      "pending",
		Granted:      "granted",
		State(9):     "state(9)",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestSetNeighbors_LengthMismatch(t *testing.T) {
	f := NewFederate(0)
	if err := f.SetNeighbors([]uint16{1, 2}, []tag.Interval{10}, nil); err == nil {
		t.Fatal("expected error for mismatched upstream/delay lengths")
	}
}

func TestDelayFrom(t *testing.T) {
	f := NewFederate(0)
	if err := f.SetNeighbors([]uint16{1, 2}, []tag.Interval{10, tag.NoDelay}, []uint16{3}); err != nil {
		t.Fatal(err)
	}
	if d, ok := f.DelayFrom(1); !ok || d != 10 {
		t.Fatalf("DelayFrom(1) = %v, %v; want 10, true", d, ok)
	}
	if d, ok := f.DelayFrom(2); !ok || d != tag.NoDelay {
		t.Fatalf("DelayFrom(2) = %v, %v; want none, true", d, ok)
	}
	if _, ok := f.DelayFrom(3); ok {
		t.Fatal("DelayFrom(3) should not find a downstream-only neighbor")
	}
}

func TestInTransitSet_OrderedUnique(t *testing.T) {
	var s InTransitSet
	if s.Min() != tag.Forever {
		t.Fatalf("empty Min = %v, want FOREVER", s.Min())
	}
	s.Add(tag.New(30, 0))
	s.Add(tag.New(10, 1))
	s.Add(tag.New(20, 0))
	s.Add(tag.New(10, 1))
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3 (duplicate ignored)", s.Len())
	}
	if s.Min() != tag.New(10, 1) {
		t.Fatalf("Min = %v, want (10, 1)", s.Min())
	}
	got := s.Tags()
	for i := 1; i < len(got); i++ {
		if !got[i-1].Less(got[i]) {
			t.Fatalf("tags not strictly ordered: %v", got)
		}
	}
}

func TestInTransitSet_RemoveUpTo(t *testing.T) {
	var s InTransitSet
	for _, tg := range []tag.Tag{tag.New(10, 0), tag.New(20, 0), tag.New(20, 1), tag.New(30, 0)} {
		s.Add(tg)
	}
	s.RemoveUpTo(tag.New(20, 0))
	if s.Min() != tag.New(20, 1) {
		t.Fatalf("after RemoveUpTo((20,0)) Min = %v, want (20, 1)", s.Min())
	}
	s.RemoveUpTo(tag.New(25, 0))
	if s.Len() != 1 || s.Min() != tag.New(30, 0) {
		t.Fatalf("after RemoveUpTo((25,0)) tags = %v, want [(30, 0)]", s.Tags())
	}
	s.RemoveUpTo(tag.Forever)
	if s.Len() != 0 {
		t.Fatalf("after RemoveUpTo(FOREVER) Len = %d, want 0", s.Len())
	}
}
