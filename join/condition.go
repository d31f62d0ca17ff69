// Package join correlates two time-tagged record streams on equal join keys
// within fixed event-time windows.
package join

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/c360studio/semrml/item"
)

// Side selects the stream an item arrived on.
type Side int

const (
	Child Side = iota
	Parent
)

func (s Side) String() string {
	if s == Parent {
		return "parent"
	}
	return "child"
}

// ErrInvalidCondition is returned for an empty or incomplete join condition.
var ErrInvalidCondition = errors.New("invalid join condition")

// Pair equates one child path with one parent path.
type Pair struct {
	Child  string `json:"child" yaml:"child"`
	Parent string `json:"parent" yaml:"parent"`
}

// Condition is the ordered list of path equalities that make up a join key.
type Condition []Pair

// Validate checks that the condition has at least one complete pair.
func (c Condition) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("%w: no pairs", ErrInvalidCondition)
	}
	for i, p := range c {
		if p.Child == "" || p.Parent == "" {
			return fmt.Errorf("%w: pair %d needs both child and parent paths", ErrInvalidCondition, i)
		}
	}
	return nil
}

// Key projects an item onto its side of the condition. The key is the
// ordered tuple of values encoded so that distinct tuples never collide.
// The bool is false when any value is missing or empty.
func (c Condition) Key(side Side, it item.Item) (string, bool) {
	var sb strings.Builder
	for _, p := range c {
		path := p.Child
		if side == Parent {
			path = p.Parent
		}
		v, ok := it.Get(path)
		if !ok || v == "" {
			return "", false
		}
		sb.WriteString(strconv.Itoa(len(v)))
		sb.WriteByte(':')
		sb.WriteString(v)
	}
	return sb.String(), true
}

func (c Condition) String() string {
	parts := make([]string, len(c))
	for i, p := range c {
		parts[i] = p.Child + "=" + p.Parent
	}
	return strings.Join(parts, ",")
}
