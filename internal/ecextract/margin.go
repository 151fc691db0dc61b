// Package ecextract partitions the fault space of a trace into equivalence
// classes. For every element it tracks the open left edges ("margins") of
// the intervals its bits are currently in, and closes them into EC rows
// whenever the bits are accessed.
package ecextract

// Point is a position in the trace: a dynamic instruction index and the
// logical time at which it executed.
type Point struct {
	DynInstr uint64
	Time     uint64
	IP       uint64
	HasIP    bool
}

// Margin is the open left edge of an interval for the bits Mask of one
// element. Synthetic margins stand for "not touched since the trace began".
type Margin struct {
	Point
	Mask      uint8
	Synthetic bool
}

// marginStack holds the open margins of one element, oldest first. The masks
// of its entries are pairwise disjoint.
type marginStack []Margin

// closing is one margin (or part of one) closed by an access.
type closing struct {
	margin  Margin
	overlap uint8
}

// take removes the bits of mask from the stack, newest margin first, and
// returns what was closed. Margins whose mask drains to zero are dropped.
func (s *marginStack) take(mask uint8) []closing {
	var out []closing
	st := *s
	for i := len(st) - 1; i >= 0 && mask != 0; i-- {
		overlap := st[i].Mask & mask
		if overlap == 0 {
			continue
		}
		out = append(out, closing{margin: st[i], overlap: overlap})
		mask &^= overlap
		st[i].Mask ^= overlap
		if st[i].Mask == 0 {
			st = append(st[:i], st[i+1:]...)
		}
	}
	*s = st
	return out
}

func (s *marginStack) push(m Margin) {
	*s = append(*s, m)
}
