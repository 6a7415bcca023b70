// extent/set.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package extent

import (
	"sort"
)

// Normalize returns a copy of rs sorted by offset with overlapping and
// adjacent ranges merged and empty ranges dropped.
func Normalize(rs []Range) []Range {
	sorted := make([]Range, 0, len(rs))
	for _, r := range rs {
		if r.Length > 0 {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})

	var out []Range
	for _, r := range sorted {
		if n := len(out); n > 0 && r.Offset <= out[n-1].End() {
			if r.End() > out[n-1].End() {
				out[n-1].Length = r.End() - out[n-1].Offset
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Union returns the normalized union of a and b.
func Union(a, b []Range) []Range {
	all := make([]Range, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return Normalize(all)
}

// Intersect returns the regions covered by both a and b.
func Intersect(a, b []Range) []Range {
	a, b = Normalize(a), Normalize(b)

	var out []Range
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		lo := max64(a[i].Offset, b[j].Offset)
		hi := min64(a[i].End(), b[j].End())
		if lo < hi {
			out = append(out, Range{Offset: lo, Length: hi - lo})
		}
		// Advance whichever ends first.
		if a[i].End() < b[j].End() {
			i++
		} else {
			j++
		}
	}
	return out
}

// Subtract returns the regions covered by a but not by b.
func Subtract(a, b []Range) []Range {
	a, b = Normalize(a), Normalize(b)

	var out []Range
	j := 0
	for _, r := range a {
		start, end := r.Offset, r.End()
		// Skip the ranges of b that end before this one starts.
		for j < len(b) && b[j].End() <= start {
			j++
		}
		for k := j; k < len(b) && b[k].Offset < end; k++ {
			if b[k].Offset > start {
				out = append(out, Range{Offset: start, Length: b[k].Offset - start})
			}
			if b[k].End() > start {
				start = b[k].End()
			}
			if start >= end {
				break
			}
		}
		if start < end {
			out = append(out, Range{Offset: start, Length: end - start})
		}
	}
	return out
}

// Total returns the number of bytes covered by rs, counting overlapping
// bytes once.
func Total(rs []Range) int64 {
	var n int64
	for _, r := range Normalize(rs) {
		n += r.Length
	}
	return n
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
