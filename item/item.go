// Package item provides the format-agnostic record view consumed by the
// mapping engine. Readers produce Items, generators and the join correlator
// consume them. Items are never mutated after creation.
package item

import (
	"strings"
	"time"
)

// Path prefixes that select a side of a Joined item explicitly.
const (
	ChildPrefix  = "child:"
	ParentPrefix = "parent:"
)

// Item is one input record exposing path-based field resolution.
// A false second return value means the path has no value.
type Item interface {
	Get(path string) (string, bool)
}

// Timed tags an Item with its event time.
type Timed struct {
	Item Item
	Time time.Time
}

// Joined pairs a child and a parent record that matched on a join key.
type Joined struct {
	child  Item
	parent Item
}

// NewJoined creates a joined item from a matched child/parent pair.
func NewJoined(child, parent Item) *Joined {
	return &Joined{child: child, parent: parent}
}

// Child returns the child side of the pair.
func (j *Joined) Child() Item { return j.child }

// Parent returns the parent side of the pair.
func (j *Joined) Parent() Item { return j.parent }

// Get resolves against the child unless the path carries a side prefix.
func (j *Joined) Get(path string) (string, bool) {
	switch {
	case strings.HasPrefix(path, ParentPrefix):
		return j.parent.Get(strings.TrimPrefix(path, ParentPrefix))
	case strings.HasPrefix(path, ChildPrefix):
		return j.child.Get(strings.TrimPrefix(path, ChildPrefix))
	default:
		return j.child.Get(path)
	}
}
