// Package rangeset implements the half-open byte-range set used by the
// progressive downloader to track which parts of a remote file have
// been fetched.
package rangeset

import "sort"

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

// Length returns End - Start.
func (r Range) Length() int64 { return r.End - r.Start }

func (r Range) empty() bool { return r.End <= r.Start }

// Set is a sorted, disjoint, merged collection of half-open ranges.
// It is not safe for concurrent use; callers (internal/download) guard it
// with their own mutex.
type Set struct {
	ranges []Range
	total  int64
}

// New returns an empty Set.
func New() *Set { return &Set{} }

// Ranges returns a copy of the current ranges, in ascending order.
func (s *Set) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// TotalBytes returns the sum of all range lengths.
func (s *Set) TotalBytes() int64 { return s.total }

// Add inserts r, merging with any overlapping or adjacent existing ranges.
func (s *Set) Add(r Range) {
	if r.empty() {
		return
	}
	merged := make([]Range, 0, len(s.ranges)+1)
	inserted := false
	for _, existing := range s.ranges {
		if existing.End < r.Start {
			merged = append(merged, existing)
			continue
		}
		if r.End < existing.Start {
			if !inserted {
				merged = append(merged, r)
				inserted = true
			}
			merged = append(merged, existing)
			continue
		}
		// Overlapping or adjacent: fold into r.
		if existing.Start < r.Start {
			r.Start = existing.Start
		}
		if existing.End > r.End {
			r.End = existing.End
		}
	}
	if !inserted {
		merged = append(merged, r)
	}
	s.ranges = merged
	s.recompute()
}

// Subtract removes r from the set, splitting any range that straddles it.
func (s *Set) Subtract(r Range) {
	if r.empty() {
		return
	}
	out := make([]Range, 0, len(s.ranges)+1)
	for _, existing := range s.ranges {
		if existing.End <= r.Start || existing.Start >= r.End {
			out = append(out, existing)
			continue
		}
		if existing.Start < r.Start {
			out = append(out, Range{Start: existing.Start, End: r.Start})
		}
		if existing.End > r.End {
			out = append(out, Range{Start: r.End, End: existing.End})
		}
	}
	s.ranges = out
	s.recompute()
}

// Contains reports whether pos is covered by the set.
func (s *Set) Contains(pos int64) bool {
	i := s.indexContaining(pos)
	return i >= 0
}

// ContainsRange reports whether [start, end) is entirely covered by a
// single contiguous held range.
func (s *Set) ContainsRange(start, end int64) bool {
	if end <= start {
		return true
	}
	i := s.indexContaining(start)
	if i < 0 {
		return false
	}
	return s.ranges[i].End >= end
}

// ContainedLengthFrom returns how many contiguous bytes starting at pos
// are currently held (0 if pos itself is not held).
func (s *Set) ContainedLengthFrom(pos int64) int64 {
	i := s.indexContaining(pos)
	if i < 0 {
		return 0
	}
	return s.ranges[i].End - pos
}

// Gaps returns the ordered list of sub-ranges of [start, end) that are NOT
// currently held.
func (s *Set) Gaps(start, end int64) []Range {
	if end <= start {
		return nil
	}
	var gaps []Range
	cursor := start
	for _, r := range s.ranges {
		if r.End <= cursor {
			continue
		}
		if r.Start >= end {
			break
		}
		if r.Start > cursor {
			gaps = append(gaps, Range{Start: cursor, End: min64(r.Start, end)})
		}
		if r.End > cursor {
			cursor = r.End
		}
		if cursor >= end {
			break
		}
	}
	if cursor < end {
		gaps = append(gaps, Range{Start: cursor, End: end})
	}
	return gaps
}

// indexContaining returns the index of the range containing pos, or -1.
func (s *Set) indexContaining(pos int64) int {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End > pos })
	if i < len(s.ranges) && s.ranges[i].Start <= pos {
		return i
	}
	return -1
}

func (s *Set) recompute() {
	sort.Slice(s.ranges, func(i, j int) bool { return s.ranges[i].Start < s.ranges[j].Start })
	var total int64
	for _, r := range s.ranges {
		total += r.Length()
	}
	s.total = total
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
