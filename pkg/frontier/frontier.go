// Package frontier computes how far a federate may safely advance given
// what its upstream federates have completed and what they might still
// produce.
//
// Two bounds are derived for a federate f with upstream edges u -(d)-> f:
//
//   - The completion bound: min over connected u of delay(u.completed, d).
//     Every message u will ever send has a tag at least this large, so f
//     may be granted it outright.
//
//   - The lookahead bound: min over connected u of delay(E(u), d), where
//     E(u) is the earliest tag at which u could still produce an event,
//     either on its own or in reaction to a message travelling along any
//     path of connected federates. Delaying a tag never makes it earlier,
//     so E is found like shortest paths: settle the federate with the
//     smallest tag, relax its downstream edges, repeat. Cycles terminate
//     because each federate is settled once, and every path is considered.
//
// A federate's own contribution to E is never earlier than what it has
// already completed, nor than the start tag.
package frontier

import (
	"github.com/daviddao/tagrti/pkg/model"
	"github.com/daviddao/tagrti/pkg/tag"
)

// Visited is a bitset keyed by federate id.
type Visited struct {
	words []uint64
}

// NewVisited returns an empty set sized for n federates.
func NewVisited(n int) *Visited {
	return &Visited{words: make([]uint64, (n+63)/64)}
}

// Has reports whether id was visited.
func (v *Visited) Has(id uint16) bool {
	w := int(id) / 64
	return w < len(v.words) && v.words[w]&(1<<(id%64)) != 0
}

// Visit marks id and reports whether it was unmarked before.
func (v *Visited) Visit(id uint16) bool {
	if v.Has(id) {
		return false
	}
	w := int(id) / 64
	for w >= len(v.words) {
		v.words = append(v.words, 0)
	}
	v.words[w] |= 1 << (id % 64)
	return true
}

// Reset clears the set for reuse.
func (v *Visited) Reset() { clear(v.words) }

// EarliestEvents returns, indexed by federate id, the earliest tag at
// which each federate could still produce an event. start is the
// federation start tag. Disconnected federates get Forever and pass
// nothing on.
func EarliestEvents(feds []*model.Federate, start tag.Tag) []tag.Tag {
	earliest := make([]tag.Tag, len(feds))
	floor := func(f *model.Federate) tag.Tag { return tag.Max(start, f.Completed) }
	for i, f := range feds {
		if !f.Connected() {
			earliest[i] = tag.Forever
			continue
		}
		earliest[i] = tag.Max(f.NextEvent, floor(f))
	}

	settled := NewVisited(len(feds))
	for {
		next := -1
		for i, f := range feds {
			if f.Connected() && !settled.Has(uint16(i)) &&
				(next < 0 || earliest[i].Less(earliest[next])) {
				next = i
			}
		}
		if next < 0 || earliest[next].IsForever() {
			return earliest
		}
		settled.Visit(uint16(next))

		// Upstream lists are authoritative; downstream declarations may
		// disagree with them.
		for i, f := range feds {
			if !f.Connected() || settled.Has(uint16(i)) {
				continue
			}
			for j, uid := range f.Upstream {
				if int(uid) != next {
					continue
				}
				arrival := tag.Max(earliest[next].Delay(f.UpstreamDelay[j]), floor(f))
				earliest[i] = tag.Min(earliest[i], arrival)
			}
		}
	}
}

// TransitiveNextEvent returns the earliest tag at which federate id could
// produce an event, taking into account everything upstream of it.
func TransitiveNextEvent(feds []*model.Federate, start tag.Tag, id uint16) tag.Tag {
	return EarliestEvents(feds, start)[id]
}

// MinUpstreamCompleted returns the completion bound for federate id, or
// Forever when no upstream federate is connected.
func MinUpstreamCompleted(feds []*model.Federate, id uint16) tag.Tag {
	f := feds[id]
	result := tag.Forever
	for i, uid := range f.Upstream {
		u := feds[uid]
		if !u.Connected() {
			continue
		}
		result = tag.Min(result, u.Completed.Delay(f.UpstreamDelay[i]))
	}
	return result
}

// EarliestUpstreamMessage returns the lookahead bound for federate id, or
// Forever when no upstream federate is connected.
func EarliestUpstreamMessage(feds []*model.Federate, start tag.Tag, id uint16) tag.Tag {
	f := feds[id]
	var earliest []tag.Tag
	result := tag.Forever
	for i, uid := range f.Upstream {
		if !feds[uid].Connected() {
			continue
		}
		if earliest == nil {
			earliest = EarliestEvents(feds, start)
		}
		result = tag.Min(result, earliest[uid].Delay(f.UpstreamDelay[i]))
	}
	return result
}

// WalkDownstream calls fn on every federate reachable downstream of id,
// depth first, skipping federates already in visited. id itself is marked
// but not passed to fn.
func WalkDownstream(feds []*model.Federate, id uint16, visited *Visited, fn func(*model.Federate)) {
	visited.Visit(id)
	for _, did := range feds[id].Downstream {
		if visited.Has(did) {
			continue
		}
		fn(feds[did])
		WalkDownstream(feds, did, visited, fn)
	}
}
