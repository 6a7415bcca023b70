// image/writer.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package image applies range sets to a destination image: provisioning
// it, copying changed data in bounded-size chunks, clearing holes, and
// committing a point-in-time marker after each application.
package image

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmp/snapchain/delta"
	"github.com/mmp/snapchain/extent"
	"github.com/mmp/snapchain/lineage"
	u "github.com/mmp/snapchain/util"
	"golang.org/x/sync/errgroup"
)

var (
	ErrChunkCopyFailed     = errors.New("chunk operation failed")
	ErrAlreadyProvisioned  = errors.New("destination image already provisioned")
	ErrNotProvisioned      = errors.New("destination image not provisioned")
	ErrUnexpectedHole      = errors.New("hole in a full range set")
	ErrIncrementalExpected = errors.New("range set is not incremental")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

// Destination is the persistent random-access object being built. A newly
// provisioned Destination must read as all zeros. Implementations must
// allow CopyRange and ClearRange calls for disjoint ranges to run
// concurrently.
type Destination interface {
	// String returns the name of the Destination.
	String() string

	// Size returns the logical size of the image; zero if it hasn't been
	// provisioned yet.
	Size(ctx context.Context) (int64, error)

	// Provision sets the logical size of an unprovisioned image.
	Provision(ctx context.Context, size int64) error

	// CopyRange copies length bytes starting at srcOffset in the snapshot
	// readable through src to offset in the image.
	CopyRange(ctx context.Context, offset, length int64, src lineage.Locator, srcOffset int64) error

	// ClearRange zeroes (or deallocates) the given bytes of the image.
	ClearRange(ctx context.Context, offset, length int64) error

	// CommitMarker records an immutable point-in-time capture of the
	// image's current content and returns its identifier.
	CommitMarker(ctx context.Context) (string, error)
}

// ChunkError reports which chunk operation failed. It matches
// ErrChunkCopyFailed with errors.Is and unwraps to the transport's error.
type ChunkError struct {
	Kind   extent.Kind
	Offset int64
	Length int64
	Err    error
}

func (e *ChunkError) Error() string {
	op := "copy"
	if e.Kind == extent.Hole {
		op = "clear"
	}
	return fmt.Sprintf("%s [%d,%d): %s", op, e.Offset, e.Offset+e.Length, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

func (e *ChunkError) Is(target error) bool {
	return target == ErrChunkCopyFailed
}

// DefaultConcurrency is the number of chunk operations a Writer keeps in
// flight when Concurrency is zero.
const DefaultConcurrency = 8

// Writer applies range sets to destinations. It holds no state between
// calls beyond its configuration.
type Writer struct {
	// ChunkSize bounds the bytes of each copy; extent.MaxChunkSize if
	// zero.
	ChunkSize int64
	// ClearChunkSize bounds the bytes of each clear; zero means one clear
	// per hole.
	ClearChunkSize int64
	// Concurrency limits the number of chunk operations in flight.
	Concurrency int
	// Progress, if non-nil, is told about every byte copied or cleared.
	Progress *u.Progress
}

// Stats summarizes one application.
type Stats struct {
	Marker       string
	BytesCopied  int64
	BytesCleared int64
	Ops          int
}

// ApplyFull provisions an unsized image with the size of the range set's
// snapshot, copies all of its data ranges and commits a marker.
func (w *Writer) ApplyFull(ctx context.Context, dst Destination, set delta.RangeSet) (Stats, error) {
	size, err := dst.Size(ctx)
	if err != nil {
		return Stats{}, err
	}
	if size != 0 {
		return Stats{}, fmt.Errorf("%s: %d bytes: %w", dst, size, ErrAlreadyProvisioned)
	}
	for _, r := range set.Ranges {
		if r.Kind == extent.Hole {
			return Stats{}, fmt.Errorf("%s: %s: %w", set.Snapshot, r, ErrUnexpectedHole)
		}
	}

	log.Verbose("%s: provisioning %s", dst, u.FmtBytes(set.Size))
	if err := dst.Provision(ctx, set.Size); err != nil {
		return Stats{}, err
	}
	return w.apply(ctx, dst, set)
}

// ResumeFull copies a full range set into an image that an interrupted
// ApplyFull of the same set already provisioned, and commits a marker.
// Only the set's data ranges can have been written, so copying them again
// leaves the image holding exactly the snapshot's content.
func (w *Writer) ResumeFull(ctx context.Context, dst Destination, set delta.RangeSet) (Stats, error) {
	for _, r := range set.Ranges {
		if r.Kind == extent.Hole {
			return Stats{}, fmt.Errorf("%s: %s: %w", set.Snapshot, r, ErrUnexpectedHole)
		}
	}
	size, err := dst.Size(ctx)
	if err != nil {
		return Stats{}, err
	}
	if size == 0 {
		return Stats{}, fmt.Errorf("%s: %w", dst, ErrNotProvisioned)
	}
	if size != set.Size {
		return Stats{}, fmt.Errorf("%s is %d bytes, %s is %d bytes: %w", dst, size,
			set.Snapshot, set.Size, delta.ErrSizeMismatch)
	}
	return w.apply(ctx, dst, set)
}

// ApplyIncremental copies the data ranges and clears the holes of an
// incremental range set into an already provisioned image and commits a
// marker.
func (w *Writer) ApplyIncremental(ctx context.Context, dst Destination, set delta.RangeSet) (Stats, error) {
	if !set.Incremental() {
		return Stats{}, fmt.Errorf("%s: %w", set.Snapshot, ErrIncrementalExpected)
	}
	size, err := dst.Size(ctx)
	if err != nil {
		return Stats{}, err
	}
	if size == 0 {
		return Stats{}, fmt.Errorf("%s: %w", dst, ErrNotProvisioned)
	}
	if size != set.Size {
		return Stats{}, fmt.Errorf("%s is %d bytes, %s is %d bytes: %w", dst, size,
			set.Snapshot, set.Size, delta.ErrSizeMismatch)
	}
	return w.apply(ctx, dst, set)
}

func (w *Writer) apply(ctx context.Context, dst Destination, set delta.RangeSet) (Stats, error) {
	stats, err := w.transfer(ctx, dst, set)
	if err != nil {
		return stats, err
	}

	stats.Marker, err = dst.CommitMarker(ctx)
	if err != nil {
		return stats, fmt.Errorf("%s: commit marker: %w", dst, err)
	}
	log.Verbose("%s: %s applied as marker %s (%s copied, %s cleared, %d ops)",
		dst, set.Snapshot, stats.Marker, u.FmtBytes(stats.BytesCopied),
		u.FmtBytes(stats.BytesCleared), stats.Ops)
	return stats, nil
}

// transfer issues all of the chunk operations for set, returning once
// every one of them has finished. The first failure cancels the rest.
func (w *Writer) transfer(ctx context.Context, dst Destination, set delta.RangeSet) (Stats, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency())

	var stats Stats
	for _, r := range set.Ranges {
		size := w.chunkSize()
		if r.Kind == extent.Hole {
			size = w.ClearChunkSize
			if size <= 0 {
				size = r.Length
			}
		}

		c, err := extent.Chunks(r.Range, size)
		if err != nil {
			g.Wait()
			return stats, fmt.Errorf("%s: %w", set.Snapshot, err)
		}
		for chunk, ok := c.Next(); ok; chunk, ok = c.Next() {
			if gctx.Err() != nil {
				// Something failed or we were cancelled; don't start
				// anything new.
				return stats, w.wait(ctx, g)
			}

			chunk, kind := chunk, r.Kind
			stats.Ops++
			if kind == extent.Data {
				stats.BytesCopied += chunk.Length
			} else {
				stats.BytesCleared += chunk.Length
			}

			g.Go(func() error {
				var err error
				if kind == extent.Data {
					log.Debug("%s: copy %s from %s", dst, chunk, set.Snapshot)
					err = dst.CopyRange(gctx, chunk.Offset, chunk.Length, set.Source, chunk.Offset)
				} else {
					log.Debug("%s: clear %s", dst, chunk)
					err = dst.ClearRange(gctx, chunk.Offset, chunk.Length)
				}
				if err != nil {
					return &ChunkError{Kind: kind, Offset: chunk.Offset, Length: chunk.Length, Err: err}
				}
				w.Progress.Add(chunk.Length)
				return nil
			})
		}
	}
	return stats, w.wait(ctx, g)
}

func (w *Writer) wait(ctx context.Context, g *errgroup.Group) error {
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		// Cancelled between scheduling and completion with nothing
		// failing on the way.
		err = ctx.Err()
	}
	return err
}

func (w *Writer) chunkSize() int64 {
	if w.ChunkSize <= 0 {
		return extent.MaxChunkSize
	}
	return w.ChunkSize
}

func (w *Writer) concurrency() int {
	if w.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return w.Concurrency
}
