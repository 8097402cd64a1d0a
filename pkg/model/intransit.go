package model

import (
	"golang.org/x/exp/slices"

	"github.com/daviddao/tagrti/pkg/tag"
)

// InTransitSet holds the intended tags of messages relayed to a federate
// that the federate has not yet reported completing. Tags are kept sorted
// and unique.
type InTransitSet struct {
	tags []tag.Tag
}

func cmpTag(a, b tag.Tag) int { return a.Compare(b) }

// Add records t unless it is already present.
func (s *InTransitSet) Add(t tag.Tag) {
	i, found := slices.BinarySearchFunc(s.tags, t, cmpTag)
	if found {
		return
	}
	s.tags = slices.Insert(s.tags, i, t)
}

// Min returns the earliest in-transit tag, or Forever when empty.
func (s *InTransitSet) Min() tag.Tag {
	if len(s.tags) == 0 {
		return tag.Forever
	}
	return s.tags[0]
}

// RemoveUpTo drops every tag <= t.
func (s *InTransitSet) RemoveUpTo(t tag.Tag) {
	i, found := slices.BinarySearchFunc(s.tags, t, cmpTag)
	if found {
		i++
	}
	s.tags = slices.Delete(s.tags, 0, i)
}

// Len returns the number of tags held.
func (s *InTransitSet) Len() int { return len(s.tags) }

// Tags returns a copy of the held tags in order.
func (s *InTransitSet) Tags() []tag.Tag { return slices.Clone(s.tags) }
