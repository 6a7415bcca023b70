// delta/delta.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package delta computes which byte ranges of a destination image have to
// be rewritten to bring it from one snapshot's content to the next.
package delta

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmp/snapchain/extent"
	"github.com/mmp/snapchain/lineage"
)

var (
	// ErrSourceUnavailable is returned (wrapped) by sources when a
	// snapshot's locator has expired or can't be reached.
	ErrSourceUnavailable = errors.New("snapshot source unavailable")
	ErrSizeMismatch      = errors.New("snapshot size mismatch")
)

// Source reports which byte regions of a snapshot hold data.
type Source interface {
	OccupiedRanges(ctx context.Context, loc lineage.Locator) ([]extent.Range, error)
}

// Differ is implemented by sources that can also report the regions whose
// content differs between a snapshot and an earlier one in the same
// lineage, including regions that were rewritten in place.
type Differ interface {
	ChangedRanges(ctx context.Context, loc, base lineage.Locator) ([]extent.Range, error)
}

// Snapshot pairs a snapshot with a locator that currently grants read
// access to it.
type Snapshot struct {
	Ref     lineage.SnapshotRef
	Locator lineage.Locator
}

// RangeSet is the outcome of one delta computation.
type RangeSet struct {
	// Snapshot is the name of the snapshot the set brings the image to.
	Snapshot string
	Ranges   []extent.Tagged
	// Source is where Data ranges are read from, at the same offsets.
	Source lineage.Locator
	// Base is the previous snapshot's locator for incremental sets. It was
	// only used to compute the set.
	Base lineage.Locator
	// Size is the logical size of the source snapshot.
	Size int64
}

// Incremental reports whether the set was computed against a previous
// snapshot.
func (rs RangeSet) Incremental() bool {
	return rs.Base != ""
}

// Bytes returns the total number of bytes of the given kind in the set.
func (rs RangeSet) Bytes(k extent.Kind) int64 {
	return extent.Total(extent.Ranges(rs.Ranges, k))
}

// Full returns the range set that brings an all-zero image of the
// snapshot's size to the snapshot's content: one Data range for each
// occupied region. Never-written regions are left out since a freshly
// provisioned image already reads as zeros.
func Full(ctx context.Context, src Source, s Snapshot) (RangeSet, error) {
	occ, err := occupied(ctx, src, s)
	if err != nil {
		return RangeSet{}, err
	}
	return RangeSet{
		Snapshot: s.Ref.Name,
		Ranges:   extent.Merge(occ, nil),
		Source:   s.Locator,
		Size:     s.Ref.Size,
	}, nil
}

// Incremental returns the range set that brings an image holding prev's
// content to cur's content. Regions occupied in cur but not in prev, and
// regions the source reports as changed, become Data; regions occupied in
// prev but not in cur become Holes so that stale bytes are cleared.
func Incremental(ctx context.Context, src Source, prev, cur Snapshot) (RangeSet, error) {
	if prev.Ref.Size != cur.Ref.Size {
		return RangeSet{}, fmt.Errorf("%s is %d bytes, %s is %d bytes: %w",
			prev.Ref.Name, prev.Ref.Size, cur.Ref.Name, cur.Ref.Size, ErrSizeMismatch)
	}

	prevOcc, err := occupied(ctx, src, prev)
	if err != nil {
		return RangeSet{}, err
	}
	curOcc, err := occupied(ctx, src, cur)
	if err != nil {
		return RangeSet{}, err
	}

	data := extent.Subtract(curOcc, prevOcc)
	holes := extent.Subtract(prevOcc, curOcc)

	if d, ok := src.(Differ); ok {
		changed, err := d.ChangedRanges(ctx, cur.Locator, prev.Locator)
		if err != nil {
			return RangeSet{}, fmt.Errorf("%s: changes since %s: %w", cur.Ref.Name,
				prev.Ref.Name, err)
		}
		// Anything reported changed that isn't occupied any more is
		// already covered by a hole.
		data = extent.Union(data, extent.Intersect(changed, curOcc))
	}

	return RangeSet{
		Snapshot: cur.Ref.Name,
		Ranges:   extent.Merge(data, holes),
		Source:   cur.Locator,
		Base:     prev.Locator,
		Size:     cur.Ref.Size,
	}, nil
}

func occupied(ctx context.Context, src Source, s Snapshot) ([]extent.Range, error) {
	occ, err := src.OccupiedRanges(ctx, s.Locator)
	if err != nil {
		return nil, fmt.Errorf("%s: occupied ranges: %w", s.Ref.Name, err)
	}
	for _, r := range occ {
		if r.Offset < 0 || r.End() > s.Ref.Size {
			return nil, fmt.Errorf("%s: occupied range %s outside of %d byte snapshot",
				s.Ref.Name, r, s.Ref.Size)
		}
	}
	return extent.Normalize(occ), nil
}
