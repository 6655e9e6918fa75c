// Package vclock implements vector clocks: per-writer logical counters used
// to order events causally and to detect concurrent writes. Each writer owns
// a node ID and ticks its own counter on every append; merging takes the
// elementwise maximum.
package vclock

import (
	"maps"
	"sort"
	"strconv"
	"strings"
)

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	// Equal means both clocks have identical counters.
	Equal Ordering = iota

	// Before means the receiver causally precedes the other clock.
	Before

	// After means the receiver causally follows the other clock.
	After

	// Concurrent means neither clock precedes the other.
	Concurrent
)

// String returns the ordering name.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Clock maps node IDs to counters. The zero value (nil map) is a valid empty
// clock; mutating operations return a new clock and never alias the
// receiver, so clocks can be shared freely across goroutines once published.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Copy returns an independent copy of the clock.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	maps.Copy(out, c)

	return out
}

// Tick returns a copy of the clock with the given node's counter advanced by
// one.
func (c Clock) Tick(nodeID string) Clock {
	out := c.Copy()
	out[nodeID]++

	return out
}

// Merge returns the elementwise maximum of both clocks.
func (c Clock) Merge(other Clock) Clock {
	out := c.Copy()
	for node, counter := range other {
		if counter > out[node] {
			out[node] = counter
		}
	}

	return out
}

// Compare establishes the causal relation between two clocks.
func (c Clock) Compare(other Clock) Ordering {
	var less, greater bool

	for node, counter := range c {
		o := other[node]
		if counter < o {
			less = true
		} else if counter > o {
			greater = true
		}
	}
	for node, counter := range other {
		if _, ok := c[node]; !ok && counter > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// ConcurrentWith reports whether neither clock causally precedes the other.
func (c Clock) ConcurrentWith(other Clock) bool {
	return c.Compare(other) == Concurrent
}

// HappensBefore reports whether the receiver causally precedes the other
// clock.
func (c Clock) HappensBefore(other Clock) bool {
	return c.Compare(other) == Before
}

// String renders the clock as "node:counter,..." with nodes sorted, making
// log output deterministic.
func (c Clock) String() string {
	nodes := make([]string, 0, len(c))
	for node := range c {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, node := range nodes {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(node)
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(c[node], 10))
	}
	sb.WriteByte('}')

	return sb.String()
}
