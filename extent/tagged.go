// extent/tagged.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package extent

import (
	"fmt"
	"sort"
)

// Kind says what has to happen to the bytes of a tagged range in the
// destination.
type Kind uint8

const (
	// Data ranges are copied from the source snapshot.
	Data Kind = iota
	// Hole ranges are cleared in the destination; no source bytes are
	// needed.
	Hole
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "data"
	case Hole:
		return "hole"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Tagged is a Range along with what to do with it.
type Tagged struct {
	Range
	Kind Kind
}

func (t Tagged) String() string {
	return t.Kind.String() + t.Range.String()
}

// Merge tags the given data and hole ranges and returns them as a single
// offset-ascending list. The two inputs must not overlap each other.
func Merge(data, holes []Range) []Tagged {
	out := make([]Tagged, 0, len(data)+len(holes))
	for _, r := range Normalize(data) {
		out = append(out, Tagged{Range: r, Kind: Data})
	}
	for _, r := range Normalize(holes) {
		out = append(out, Tagged{Range: r, Kind: Hole})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Offset < out[j].Offset
	})
	return out
}

// Ranges returns the ranges in ts of the given kind.
func Ranges(ts []Tagged, k Kind) []Range {
	var out []Range
	for _, t := range ts {
		if t.Kind == k {
			out = append(out, t.Range)
		}
	}
	return out
}
