// Package tag implements logical tags: (time, microstep) pairs that totally
// order every event in a federation.
//
// A tag is compared by time first and microstep second. Two sentinels bound
// the order: Never sorts before every real tag and Forever after every real
// tag. Connections between federates carry a minimum delay; Delay applies
// it to a tag:
//
//	interval < 0   no numeric delay, the tag passes through unchanged
//	interval == 0  same instant, one microstep later
//	interval > 0   interval later, microstep reset to 0
//
// Addition saturates at Forever so that a delayed Forever stays Forever.
package tag

import (
	"fmt"
	"math"
)

// Sentinel times. NeverTime doubles as the "no delay" interval.
const (
	NeverTime   int64 = math.MinInt64
	ForeverTime int64 = math.MaxInt64
)

// Interval is a connection delay in nanoseconds. NoDelay marks a connection
// without an "after" clause, which is distinct from a zero delay.
type Interval int64

const NoDelay Interval = Interval(NeverTime)

// Tag is a (time, microstep) pair.
type Tag struct {
	Time      int64  `json:"time"`
	Microstep uint32 `json:"microstep"`
}

var (
	// Never precedes every tag that can be reached.
	Never = Tag{Time: NeverTime, Microstep: 0}
	// Forever follows every tag that can be reached.
	Forever = Tag{Time: ForeverTime, Microstep: math.MaxUint32}
)

// New returns the tag (t, m).
func New(t int64, m uint32) Tag { return Tag{Time: t, Microstep: m} }

// Compare returns -1, 0 or +1 as t is before, equal to, or after other.
func (t Tag) Compare(other Tag) int {
	switch {
	case t.Time < other.Time:
		return -1
	case t.Time > other.Time:
		return 1
	case t.Microstep < other.Microstep:
		return -1
	case t.Microstep > other.Microstep:
		return 1
	}
	return 0
}

// Less reports whether t is strictly before other.
func (t Tag) Less(other Tag) bool { return t.Compare(other) < 0 }

// LessEq reports whether t is before or equal to other.
func (t Tag) LessEq(other Tag) bool { return t.Compare(other) <= 0 }

// After reports whether t is strictly after other.
func (t Tag) After(other Tag) bool { return t.Compare(other) > 0 }

// IsNever reports whether t is the Never sentinel.
func (t Tag) IsNever() bool { return t.Time == NeverTime }

// IsForever reports whether t is the Forever sentinel.
func (t Tag) IsForever() bool { return t == Forever }

// Min returns the earlier of a and b.
func Min(a, b Tag) Tag {
	if a.Less(b) {
		return a
	}
	return b
}

// Max returns the later of a and b.
func Max(a, b Tag) Tag {
	if a.After(b) {
		return a
	}
	return b
}

// Delay applies a connection delay to t. Never is absorbing: nothing
// delayed from Never becomes a real tag.
func (t Tag) Delay(d Interval) Tag {
	if t.Time == NeverTime || d < 0 {
		return t
	}
	if t.Time >= ForeverTime-int64(d) {
		return Forever
	}
	if d == 0 {
		if t.Microstep == math.MaxUint32 {
			return Tag{Time: t.Time + 1, Microstep: 0}
		}
		return Tag{Time: t.Time, Microstep: t.Microstep + 1}
	}
	return Tag{Time: t.Time + int64(d), Microstep: 0}
}

// Elapsed returns t with its time taken relative to start. Sentinels are
// returned unchanged.
func (t Tag) Elapsed(start int64) Tag {
	if t.Time == NeverTime || t.Time == ForeverTime {
		return t
	}
	return Tag{Time: t.Time - start, Microstep: t.Microstep}
}

func (t Tag) String() string {
	switch {
	case t.IsNever():
		return "(NEVER)"
	case t == Forever:
		return "(FOREVER)"
	}
	return fmt.Sprintf("(%d, %d)", t.Time, t.Microstep)
}

func (d Interval) String() string {
	if d < 0 {
		return "none"
	}
	return fmt.Sprintf("%dns", int64(d))
}
