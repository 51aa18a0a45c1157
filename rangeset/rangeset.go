// Package rangeset provides byte ranges and coalesced dirty-range sets.
//
// A Set accumulates ranges whose styling is stale.  Inserted ranges are kept
// sorted, disjoint and merged when overlapping or adjacent, so a flush hands
// consumers the minimal cover of everything invalidated since the last flush.
// A whole-document invalidation is the sentinel "all" state, which subsumes
// every specific range.
package rangeset

import "sort"

// Range is a contiguous byte range.  Start is inclusive, End is exclusive.
type Range struct {
	Start int
	End   int // exclusive
}

// Len returns the number of bytes covered by r.
func (r Range) Len() int { return r.End - r.Start }

// Empty reports whether r covers no bytes.
func (r Range) Empty() bool { return r.End <= r.Start }

// Contains reports whether the byte offset off lies within r.
func (r Range) Contains(off int) bool { return off >= r.Start && off < r.End }

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool { return r.Start < o.End && o.Start < r.End }

// Touches reports whether r and o overlap or are adjacent.
func (r Range) Touches(o Range) bool { return r.Start <= o.End && o.Start <= r.End }

// Union returns the smallest range covering both r and o.
func (r Range) Union(o Range) Range {
	if o.Start < r.Start {
		r.Start = o.Start
	}
	if o.End > r.End {
		r.End = o.End
	}
	return r
}

// Intersect returns the overlap of r and o and whether it is non-empty.
func (r Range) Intersect(o Range) (Range, bool) {
	if o.Start > r.Start {
		r.Start = o.Start
	}
	if o.End < r.End {
		r.End = o.End
	}
	return r, r.End > r.Start
}

// Clamp restricts r to [0, max).
func (r Range) Clamp(max int) Range {
	if r.Start < 0 {
		r.Start = 0
	}
	if r.End > max {
		r.End = max
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// Shift adjusts r for a replacement of bytes [at, at+oldLen) by newLen bytes.
// Ranges entirely before the edit are unchanged; ranges at or after it move by
// newLen-oldLen; ranges straddling the edit grow or shrink accordingly.  The
// second return is false when the range fell entirely inside a deletion.
func (r Range) Shift(at, oldLen, newLen int) (Range, bool) {
	delta := newLen - oldLen
	oldEnd := at + oldLen
	switch {
	case r.End <= at:
		return r, true
	case r.Start >= oldEnd:
		return Range{r.Start + delta, r.End + delta}, true
	case r.Start < at && r.End >= oldEnd:
		return Range{r.Start, r.End + delta}, true
	case r.Start < at:
		return Range{r.Start, at + newLen}, true
	case r.End >= oldEnd:
		return Range{at, r.End + delta}, true
	default:
		// Entirely inside the replaced span.
		if newLen > 0 {
			return Range{at, at + newLen}, true
		}
		return Range{}, false
	}
}

// Set is a coalesced collection of dirty ranges, or the sentinel "all".
// The zero value is an empty set.
type Set struct {
	all    bool
	ranges []Range // sorted by Start, disjoint, non-adjacent
}

// All constructs a Set in the whole-document state.
func All() Set {
	return Set{all: true}
}

// Of constructs a Set covering the given ranges.
func Of(ranges ...Range) Set {
	var s Set
	for _, r := range ranges {
		s.Insert(r)
	}
	return s
}

// IsAll reports whether the set is the whole-document sentinel.
func (s *Set) IsAll() bool { return s.all }

// Empty reports whether the set covers nothing.
func (s *Set) Empty() bool { return !s.all && len(s.ranges) == 0 }

// Ranges returns the coalesced ranges in ascending order.  It returns nil in
// the "all" state; callers must check IsAll first.
func (s *Set) Ranges() []Range { return s.ranges }

// InsertAll switches the set to the whole-document state, discarding any
// specific ranges.
func (s *Set) InsertAll() {
	s.all = true
	s.ranges = nil
}

// Insert merges r into the set, coalescing with any overlapping or adjacent
// ranges already present.
func (s *Set) Insert(r Range) {
	if s.all || r.Empty() {
		return
	}
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End >= r.Start
	})
	j := i
	for j < len(s.ranges) && s.ranges[j].Touches(r) {
		r = r.Union(s.ranges[j])
		j++
	}
	if i == j {
		s.ranges = append(s.ranges, Range{})
		copy(s.ranges[i+1:], s.ranges[i:])
		s.ranges[i] = r
		return
	}
	s.ranges[i] = r
	s.ranges = append(s.ranges[:i+1], s.ranges[j:]...)
}

// Merge inserts every range of o (or "all") into s.
func (s *Set) Merge(o Set) {
	if o.all {
		s.InsertAll()
		return
	}
	for _, r := range o.ranges {
		s.Insert(r)
	}
}

// Take returns the current contents and resets s to empty.
func (s *Set) Take() Set {
	out := *s
	*s = Set{}
	return out
}

// Shift adjusts every range for a replacement of [at, at+oldLen) by newLen
// bytes.  The "all" state is unaffected.
func (s *Set) Shift(at, oldLen, newLen int) {
	if s.all {
		return
	}
	old := s.ranges
	s.ranges = nil
	for _, r := range old {
		if shifted, ok := r.Shift(at, oldLen, newLen); ok && !shifted.Empty() {
			s.Insert(shifted)
		}
	}
}

// Materialize resolves the set against a document of length n: the "all"
// state becomes the single range [0, n), and specific ranges are clamped.
func (s *Set) Materialize(n int) []Range {
	if s.all {
		if n <= 0 {
			return nil
		}
		return []Range{{0, n}}
	}
	out := make([]Range, 0, len(s.ranges))
	for _, r := range s.ranges {
		if c := r.Clamp(n); !c.Empty() {
			out = append(out, c)
		}
	}
	return out
}
