// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package storage provides the collaborators that the reconstruction
// pipeline runs against: snapshot catalogs that hand out read grants,
// occupancy sources, fetchers that read snapshot bytes through a grant's
// locator, and destination images with commit markers. There are three
// backends: in-memory, a local directory with a SQLite catalog, and
// Google Cloud Storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/mmp/snapchain/extent"
	"github.com/mmp/snapchain/lineage"
	u "github.com/mmp/snapchain/util"
)

var (
	ErrDestinationUnreachable = errors.New("destination unreachable")
	ErrQuotaExceeded          = errors.New("destination quota exceeded")
	ErrNotFound               = errors.New("not found")
	ErrExists                 = errors.New("already exists")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Fetching snapshot bytes

// Fetcher reads bytes of a snapshot through a read grant's locator.
// Expired or revoked locators fail with delta.ErrSourceUnavailable.
type Fetcher interface {
	Fetch(ctx context.Context, loc lineage.Locator, offset, length int64) ([]byte, error)
}

// SchemeFetcher dispatches to a Fetcher by the locator's URL scheme. It
// lets a destination in one backend copy from snapshots held by another.
type SchemeFetcher map[string]Fetcher

func (s SchemeFetcher) Fetch(ctx context.Context, loc lineage.Locator, offset, length int64) ([]byte, error) {
	l, err := url.Parse(string(loc))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", loc, err)
	}
	f, ok := s[l.Scheme]
	if !ok {
		return nil, fmt.Errorf("%s: no fetcher for scheme %q", loc, l.Scheme)
	}
	return f.Fetch(ctx, loc, offset, length)
}

///////////////////////////////////////////////////////////////////////////
// Page scanning

// PageSize is the granularity at which snapshot occupancy and content
// changes are tracked.
const PageSize = 512

// scanBlockSize is the amount of a file read at once when scanning.
const scanBlockSize = 1024 * 1024

var zeroPage [PageSize]byte

// occupiedPages appends to rs the ranges of b that hold non-zero pages,
// with offsets relative to base.
func occupiedPages(rs []extent.Range, b []byte, base int64) []extent.Range {
	for off := 0; off < len(b); off += PageSize {
		end := off + PageSize
		if end > len(b) {
			end = len(b)
		}
		if !bytes.Equal(b[off:end], zeroPage[:end-off]) {
			rs = appendRange(rs, base+int64(off), int64(end-off))
		}
	}
	return rs
}

// differentPages appends to rs the ranges of pages where a and b differ.
// a and b must be the same length.
func differentPages(rs []extent.Range, a, b []byte, base int64) []extent.Range {
	for off := 0; off < len(a); off += PageSize {
		end := off + PageSize
		if end > len(a) {
			end = len(a)
		}
		if !bytes.Equal(a[off:end], b[off:end]) {
			rs = appendRange(rs, base+int64(off), int64(end-off))
		}
	}
	return rs
}

// appendRange adds [offset,offset+length) to rs, extending the last
// range when the two are adjacent.
func appendRange(rs []extent.Range, offset, length int64) []extent.Range {
	if n := len(rs); n > 0 && rs[n-1].End() == offset {
		rs[n-1].Length += length
		return rs
	}
	return append(rs, extent.Range{Offset: offset, Length: length})
}

func isZero(b []byte) bool {
	for len(b) > 0 {
		n := len(b)
		if n > PageSize {
			n = PageSize
		}
		if !bytes.Equal(b[:n], zeroPage[:n]) {
			return false
		}
		b = b[n:]
	}
	return true
}

// checkRange returns an error if [offset,offset+length) isn't a valid,
// non-empty range within size bytes.
func checkRange(what string, offset, length, size int64) error {
	r := extent.Range{Offset: offset, Length: length}
	if !r.Valid() || r.End() > size {
		return fmt.Errorf("%s: %s outside of %d bytes: %w", what, r, size,
			extent.ErrInvalidRange)
	}
	return nil
}
