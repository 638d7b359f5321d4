package engine

import (
	"fmt"
	"strings"
)

// nameRegistry interns step/loop/message names into compact integer
// indices. Names are append-only; flushed tracks how many have already been
// persisted so a flush only writes the tail.
type nameRegistry struct {
	names   []string
	index   map[string]int
	flushed int
}

func newNameRegistry() *nameRegistry {
	return &nameRegistry{index: make(map[string]int)}
}

// load replaces the registry contents with persisted names.
func (r *nameRegistry) load(names []string) {
	r.names = names
	r.index = make(map[string]int, len(names))
	for i, n := range names {
		r.index[n] = i
	}
	r.flushed = len(names)
}

// intern returns the index for name, adding it if unseen.
func (r *nameRegistry) intern(name string) int {
	if idx, ok := r.index[name]; ok {
		return idx
	}
	idx := len(r.names)
	r.names = append(r.names, name)
	r.index[name] = idx
	return idx
}

// pending returns the names added since the last flush and the index of the
// first one.
func (r *nameRegistry) pending() (start int, names []string) {
	return r.flushed, r.names[r.flushed:]
}

func (r *nameRegistry) markFlushed() {
	r.flushed = len(r.names)
}

// segment is one element of a location path: either a named child or a
// loop-iteration marker.
type segment struct {
	name   int
	iter   int
	isIter bool
}

func nameSeg(idx int) segment {
	return segment{name: idx}
}

func iterSeg(iter int) segment {
	return segment{iter: iter, isIter: true}
}

// location addresses a point in the execution tree. Locations are the sole
// replay key: two runs of the same workflow over the same history visit
// locations in the same order.
type location []segment

// child returns a new location extended by s. The receiver is not aliased,
// so sibling branches can extend the same base concurrently.
func (l location) child(s segment) location {
	out := make(location, len(l), len(l)+1)
	copy(out, l)
	return append(out, s)
}

// key renders the location as a storage key component. Widths are fixed so
// lexicographic key order matches (name index, iteration) order and
// DeletePrefix can drop a whole iteration sub-tree.
func (l location) key() string {
	var b strings.Builder
	for i, s := range l {
		if i > 0 {
			b.WriteByte('/')
		}
		if s.isIter {
			fmt.Fprintf(&b, "i%010d", s.iter)
		} else {
			fmt.Fprintf(&b, "n%08d", s.name)
		}
	}
	return b.String()
}
