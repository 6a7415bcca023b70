// extent/extent.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package extent provides byte ranges over a linear address space, their
// splitting into bounded-size chunks, and set arithmetic over lists of
// ranges.
package extent

import (
	"errors"
	"fmt"
)

// MaxChunkSize is the largest number of bytes moved by a single copy
// operation; it matches the per-call limit of page-blob style services.
const MaxChunkSize = 4 * 1024 * 1024

var (
	ErrInvalidRange     = errors.New("invalid byte range")
	ErrInvalidChunkSize = errors.New("invalid chunk size")
)

// Range is the half-open interval [Offset, Offset+Length).
type Range struct {
	Offset int64
	Length int64
}

// End returns the first offset past the range.
func (r Range) End() int64 {
	return r.Offset + r.Length
}

// Valid reports whether the range has a non-negative offset and a
// positive length.
func (r Range) Valid() bool {
	return r.Offset >= 0 && r.Length > 0
}

// Contains reports whether o lies inside the range.
func (r Range) Contains(o int64) bool {
	return o >= r.Offset && o < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Offset, r.End())
}

///////////////////////////////////////////////////////////////////////////
// Chunking

// Chunker lazily produces the consecutive sub-ranges of a range, each no
// longer than the chunk size. It can be restarted with Reset; doing so
// yields exactly the same sequence again.
type Chunker struct {
	r    Range
	size int64
	next int64
}

// Chunks returns a Chunker over r. An empty or negative range and a
// non-positive chunk size are contract violations and are reported as
// errors rather than producing an empty sequence.
func Chunks(r Range, size int64) (*Chunker, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%s: %w", r, ErrInvalidRange)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%d: %w", size, ErrInvalidChunkSize)
	}
	return &Chunker{r: r, size: size, next: r.Offset}, nil
}

// Next returns the next chunk; ok is false once the range is exhausted.
func (c *Chunker) Next() (chunk Range, ok bool) {
	end := c.r.End()
	if c.next >= end {
		return Range{}, false
	}
	n := c.size
	if end-c.next < n {
		// Last one may be short.
		n = end - c.next
	}
	chunk = Range{Offset: c.next, Length: n}
	c.next += n
	return chunk, true
}

// Reset rewinds the Chunker to the start of its range.
func (c *Chunker) Reset() {
	c.next = c.r.Offset
}

// Len returns the total number of chunks, ceil(Length/size).
func (c *Chunker) Len() int {
	return int((c.r.Length + c.size - 1) / c.size)
}

// Split materializes all of the chunks of r.
func Split(r Range, size int64) ([]Range, error) {
	c, err := Chunks(r, size)
	if err != nil {
		return nil, err
	}
	chunks := make([]Range, 0, c.Len())
	for {
		ch, ok := c.Next()
		if !ok {
			return chunks, nil
		}
		chunks = append(chunks, ch)
	}
}
