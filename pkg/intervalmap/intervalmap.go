// Package intervalmap implements a generic piecewise-constant mapping from
// the byte domain [0, 2^64-1) to values of an arbitrary comparable type. It is
// the "segment tree" that backs pointer-provenance grouping and last-writer
// tracking throughout slimmer.
package intervalmap

// state describes what a tree node currently represents.
type state int

const (
	empty state = iota
	covered
	partial
)

// MaxRange is the exclusive upper bound of the domain every IntervalMap
// covers: the 64-bit address space except its last byte, 2^64-1, which a
// uint64 exclusive bound cannot include.
const MaxRange uint64 = 1<<64 - 1

// node is one element of the arena-backed tree. Children are referenced by
// index into the owning IntervalMap's arena rather than by pointer, and
// freed slots are kept for reuse. Freeing a subtree (free2) recurses once
// per level, so its depth is bounded by the tree's depth: at most 64, one
// level per halving of the address space.
type node[T comparable] struct {
	state       state
	value       T
	left, right uint64
	lchild      int32 // -1 if absent
	rchild      int32 // -1 if absent
}

// IntervalMap is a mapping from [0, MaxRange) to T. The zero value is not
// usable; construct one with New.
type IntervalMap[T comparable] struct {
	nodes []node[T]
	// free is a list of node slots freed by a collapse, reused by the next
	// split instead of growing the arena.
	free []int32
}

// New returns an IntervalMap whose entire domain starts out Empty.
func New[T comparable]() *IntervalMap[T] {
	m := &IntervalMap[T]{}
	m.nodes = append(m.nodes, node[T]{state: empty, left: 0, right: MaxRange, lchild: -1, rchild: -1})
	return m
}

func mid(l, r uint64) uint64 {
	m := l/2 + r/2
	if l&1 == 1 && r&1 == 1 {
		m++
	}
	return m
}

func (m *IntervalMap[T]) alloc(n node[T]) int32 {
	if len(m.free) > 0 {
		idx := m.free[len(m.free)-1]
		m.free = m.free[:len(m.free)-1]
		m.nodes[idx] = n
		return idx
	}
	m.nodes = append(m.nodes, n)
	return int32(len(m.nodes) - 1)
}

func (m *IntervalMap[T]) free2(idx int32) {
	if idx < 0 {
		return
	}
	n := &m.nodes[idx]
	if n.lchild >= 0 {
		m.free2(n.lchild)
	}
	if n.rchild >= 0 {
		m.free2(n.rchild)
	}
	n.lchild, n.rchild = -1, -1
	m.free = append(m.free, idx)
}

// Set assigns v to every byte in [l, r). Adjacent segments that end up with
// equal state and value are coalesced back into one node.
func (m *IntervalMap[T]) Set(l, r uint64, v T) {
	if l >= r {
		return
	}
	m.set(0, l, r, v)
}

func (m *IntervalMap[T]) set(idx int32, l, r uint64, v T) {
	n := &m.nodes[idx]

	if n.state == covered && n.value == v {
		return
	}

	if l <= n.left && r >= n.right {
		m.free2(n.lchild)
		m.free2(n.rchild)
		n = &m.nodes[idx]
		n.state = covered
		n.value = v
		n.lchild, n.rchild = -1, -1
		return
	}

	mp := mid(n.left, n.right)

	if n.state != partial {
		lc := m.alloc(node[T]{state: n.state, value: n.value, left: n.left, right: mp, lchild: -1, rchild: -1})
		rc := m.alloc(node[T]{state: n.state, value: n.value, left: mp, right: n.right, lchild: -1, rchild: -1})
		n = &m.nodes[idx]
		n.state = partial
		n.lchild, n.rchild = lc, rc
	}

	lchild, rchild := n.lchild, n.rchild

	if l < mp {
		hi := r
		if hi > mp {
			hi = mp
		}
		m.set(lchild, l, hi, v)
	}
	if r > mp {
		lo := l
		if lo < mp {
			lo = mp
		}
		m.set(rchild, lo, r, v)
	}

	n = &m.nodes[idx]
	lc, rc := &m.nodes[n.lchild], &m.nodes[n.rchild]
	if (lc.state == covered && rc.state == covered && lc.value == rc.value) ||
		(lc.state == empty && rc.state == empty) {
		collapsedState := lc.state
		collapsedValue := lc.value
		m.free2(n.lchild)
		m.free2(n.rchild)
		n = &m.nodes[idx]
		n.state = collapsedState
		n.value = collapsedValue
		n.lchild, n.rchild = -1, -1
	}
}

// Get performs a point query. ok is false if x falls in an Empty segment.
func (m *IntervalMap[T]) Get(x uint64) (v T, ok bool) {
	idx := int32(0)
	for {
		n := &m.nodes[idx]
		switch n.state {
		case empty:
			return v, false
		case covered:
			return n.value, true
		default:
			if x < mid(n.left, n.right) {
				idx = n.lchild
			} else {
				idx = n.rchild
			}
		}
	}
}

// Segment is one piece of the piecewise decomposition returned by Collect.
type Segment[T comparable] struct {
	Covered bool // false for Empty segments
	Value   T
	Lo, Hi  uint64
}

// Collect returns the piecewise decomposition of [l, r), with consecutive
// matching spans coalesced. The first segment's Lo is clamped to l and the
// last segment's Hi is clamped to r.
func (m *IntervalMap[T]) Collect(l, r uint64) []Segment[T] {
	if l >= r {
		return nil
	}
	var res []Segment[T]
	m.collect(0, l, r, &res)
	return res
}

func (m *IntervalMap[T]) collect(idx int32, l, r uint64, res *[]Segment[T]) {
	n := &m.nodes[idx]
	if n.state != partial {
		seg := Segment[T]{Covered: n.state == covered, Value: n.value, Lo: l, Hi: r}
		if len(*res) > 0 {
			last := &(*res)[len(*res)-1]
			if last.Hi == seg.Lo && last.Covered == seg.Covered &&
				(!seg.Covered || last.Value == seg.Value) {
				last.Hi = seg.Hi
				return
			}
		}
		*res = append(*res, seg)
		return
	}

	mp := mid(n.left, n.right)
	if l < mp {
		hi := r
		if hi > mp {
			hi = mp
		}
		m.collect(n.lchild, l, hi, res)
	}
	if r > mp {
		lo := l
		if lo < mp {
			lo = mp
		}
		m.collect(n.rchild, lo, r, res)
	}
}

// CollectValues is a convenience wrapper returning only the distinct Covered
// values intersecting [l, r), in the order their segments appear.
func (m *IntervalMap[T]) CollectValues(l, r uint64) []T {
	segs := m.Collect(l, r)
	vals := make([]T, 0, len(segs))
	seen := make(map[T]bool, len(segs))
	for _, s := range segs {
		if s.Covered && !seen[s.Value] {
			seen[s.Value] = true
			vals = append(vals, s.Value)
		}
	}
	return vals
}

// MergeFrom copies every Covered segment of other into m, passing each
// through transform first.
func (m *IntervalMap[T]) MergeFrom(other *IntervalMap[T], transform func(T) T) {
	for _, seg := range other.Collect(0, MaxRange) {
		if seg.Covered {
			m.Set(seg.Lo, seg.Hi, transform(seg.Value))
		}
	}
}

// IsEmpty reports whether the whole domain is still Empty.
func (m *IntervalMap[T]) IsEmpty() bool {
	return m.nodes[0].state == empty
}
