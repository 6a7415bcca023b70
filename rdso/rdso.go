// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package rdso protects files with Reed-Solomon parity kept in a separate
// ".rs" sidecar, based on github.com/klauspost/reedsolomon. Files are
// processed one segment at a time so that multi-gigabyte image markers
// never need to fit in memory. Provides facilities to check the integrity
// of encoded files and to recover corrupt ones.
//
// A sidecar is a gob stream: an rsFileHeader followed by one rsFileSegment
// for each NDataShards*HashRate bytes of the protected file. Each segment
// holds a hash of every data and parity shard along with the parity
// shards themselves.
package rdso

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/snapchain/util"
	"golang.org/x/crypto/sha3"
)

var (
	ErrFileCorrupt   = errors.New("file corrupt")
	ErrUnrecoverable = errors.New("too many corrupt shards to recover")
	ErrBadSidecar    = errors.New("malformed Reed-Solomon sidecar")
)

// hashSize is the number of bytes in the hashes used to find corrupt
// shards.
const hashSize = 64

type hash [hashSize]byte

func hashBytes(b []byte) hash {
	var h hash
	sha3.ShakeSum256(h[:], b)
	return h
}

type rsFileHeader struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	// Bytes in each shard of a segment.
	HashRate int
}

func (h rsFileHeader) segmentSize() int64 {
	return int64(h.NDataShards) * int64(h.HashRate)
}

type rsFileSegment struct {
	// First the data hashes, then the parity hashes.
	Hashes []hash
	Parity [][]byte
}

///////////////////////////////////////////////////////////////////////////
// Streams

// Encode reads size bytes from r and writes their Reed-Solomon sidecar to
// w.
func Encode(r io.Reader, size int64, w io.Writer, nDataShards, nParityShards,
	hashRate int) error {
	if nDataShards <= 0 || nParityShards <= 0 || hashRate <= 0 {
		return fmt.Errorf("rdso: invalid encoding parameters %d/%d/%d",
			nDataShards, nParityShards, hashRate)
	}
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}

	h := rsFileHeader{
		FileSize:      size,
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}
	genc := gob.NewEncoder(w)
	if err := genc.Encode(h); err != nil {
		return err
	}

	buf := make([]byte, h.segmentSize())
	for offset := int64(0); offset < size; offset += h.segmentSize() {
		shards, err := readSegment(r, buf, h, offset)
		if err != nil {
			return err
		}
		for i := 0; i < nParityShards; i++ {
			shards = append(shards, make([]byte, hashRate))
		}
		if err := enc.Encode(shards); err != nil {
			return err
		}

		seg := rsFileSegment{Parity: shards[nDataShards:]}
		for _, s := range shards {
			seg.Hashes = append(seg.Hashes, hashBytes(s))
		}
		if err := genc.Encode(seg); err != nil {
			return err
		}
	}
	return nil
}

// readSegment reads the segment of the protected file that starts at
// offset into buf, zero-padding past the end of the file, and returns its
// data shards.
func readSegment(r io.Reader, buf []byte, h rsFileHeader, offset int64) ([][]byte, error) {
	n := h.segmentSize()
	if offset+n > h.FileSize {
		n = h.FileSize - offset
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return nil, err
	}
	for i := n; i < int64(len(buf)); i++ {
		buf[i] = 0
	}

	var shards [][]byte
	for i := 0; i < h.NDataShards; i++ {
		shards = append(shards, buf[i*h.HashRate:(i+1)*h.HashRate])
	}
	return shards, nil
}

// forEachSegment walks the protected file and its sidecar in lockstep,
// passing each segment's stored hashes and its data and parity shards to
// f. The shards are only valid during the call.
func forEachSegment(data, rs io.Reader, log *u.Logger,
	f func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	dec := gob.NewDecoder(rs)
	var h rsFileHeader
	if err := dec.Decode(&h); err != nil {
		return fmt.Errorf("%w: header: %v", ErrBadSidecar, err)
	}
	if h.NDataShards <= 0 || h.NParityShards <= 0 || h.HashRate <= 0 {
		return fmt.Errorf("%w: header %+v", ErrBadSidecar, h)
	}
	if log != nil {
		log.Debug("%d bytes, %d+%d shards of %d bytes", h.FileSize,
			h.NDataShards, h.NParityShards, h.HashRate)
	}

	buf := make([]byte, h.segmentSize())
	for offset := int64(0); offset < h.FileSize; offset += h.segmentSize() {
		var seg rsFileSegment
		if err := dec.Decode(&seg); err != nil {
			return fmt.Errorf("%w: segment @%d: %v", ErrBadSidecar, offset, err)
		}
		if len(seg.Hashes) != h.NDataShards+h.NParityShards ||
			len(seg.Parity) != h.NParityShards {
			return fmt.Errorf("%w: segment @%d has %d hashes, %d parity shards",
				ErrBadSidecar, offset, len(seg.Hashes), len(seg.Parity))
		}

		shards, err := readSegment(data, buf, h, offset)
		if err != nil {
			return err
		}
		if err := f(h, seg.Hashes, append(shards, seg.Parity...)); err != nil {
			return err
		}
	}
	return nil
}

// corruptShards returns the indices of the shards that don't match their
// hashes.
func corruptShards(hashes []hash, shards [][]byte) []int {
	var bad []int
	for i, s := range shards {
		if len(s) == 0 || hashBytes(s) != hashes[i] {
			bad = append(bad, i)
		}
	}
	return bad
}

// Check verifies the data read from r against the sidecar read from rs,
// reporting each corrupt shard through log, if non-nil. It returns
// ErrFileCorrupt if any shard was bad.
func Check(r, rs io.Reader, log *u.Logger) error {
	nBad := 0
	segment := 0
	err := forEachSegment(r, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		for _, i := range corruptShards(hashes, shards) {
			if log != nil {
				if i < h.NDataShards {
					log.Error("segment %d: data shard %d hash mismatch", segment, i)
				} else {
					log.Error("segment %d: parity shard %d hash mismatch", segment,
						i-h.NDataShards)
				}
			}
			nBad++
		}
		segment++
		return nil
	})
	if err != nil {
		return err
	}
	if nBad > 0 {
		return ErrFileCorrupt
	}
	return nil
}

// Restore reconstructs corrupt shards using the sidecar read from rs,
// writing the repaired size bytes of data to w and a repaired sidecar to
// wrs.
func Restore(r, rs io.Reader, size int64, w, wrs io.Writer, log *u.Logger) error {
	var enc reedsolomon.Encoder
	var genc *gob.Encoder
	remaining := size

	err := forEachSegment(r, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		if h.FileSize != size {
			return fmt.Errorf("%w: sidecar describes %d bytes, not %d", ErrBadSidecar,
				h.FileSize, size)
		}
		if genc == nil {
			var err error
			if enc, err = reedsolomon.New(h.NDataShards, h.NParityShards); err != nil {
				return err
			}
			genc = gob.NewEncoder(wrs)
			if err := genc.Encode(h); err != nil {
				return err
			}
		}

		bad := corruptShards(hashes, shards)
		if len(bad) > h.NParityShards {
			return fmt.Errorf("%d bad shards, %d parity: %w", len(bad), h.NParityShards,
				ErrUnrecoverable)
		}
		if len(bad) > 0 {
			for _, i := range bad {
				if log != nil {
					log.Warning("reconstructing shard %d", i)
				}
				shards[i] = nil
			}
			if err := enc.Reconstruct(shards); err != nil {
				return err
			}
			for _, i := range bad {
				if hashBytes(shards[i]) != hashes[i] {
					return fmt.Errorf("shard %d: %w", i, ErrUnrecoverable)
				}
			}
		}

		for _, s := range shards[:h.NDataShards] {
			if remaining == 0 {
				break
			}
			if int64(len(s)) > remaining {
				s = s[:remaining]
			}
			if _, err := w.Write(s); err != nil {
				return err
			}
			remaining -= int64(len(s))
		}
		return genc.Encode(rsFileSegment{hashes, shards[h.NDataShards:]})
	})
	if err != nil {
		return err
	}
	if genc == nil {
		// Empty file; the sidecar is just the header.
		return gob.NewEncoder(wrs).Encode(rsFileHeader{FileSize: 0})
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncodeFile writes the Reed-Solomon sidecar for the file fn to rsfn.
func EncodeFile(fn, rsfn string, nDataShards, nParityShards, hashRate int) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	out, err := os.Create(rsfn)
	if err != nil {
		return err
	}
	if err := Encode(f, fi.Size(), out, nDataShards, nParityShards, hashRate); err != nil {
		out.Close()
		os.Remove(rsfn)
		return err
	}
	return out.Close()
}

// CheckFile checks fn against its sidecar rsfn.
func CheckFile(fn, rsfn string, log *u.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	rs, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rs.Close()

	if err := Check(f, rs, log); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return nil
}

// RestoreFile repairs fn and rsfn in place. The repaired versions are
// written next to the originals and then renamed over them.
func RestoreFile(fn, rsfn string, log *u.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	rs, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rs.Close()

	tmp, tmprs := fn+".recovered", rsfn+".recovered"
	w, err := os.Create(tmp)
	if err != nil {
		return err
	}
	wrs, err := os.Create(tmprs)
	if err != nil {
		w.Close()
		os.Remove(tmp)
		return err
	}
	cleanup := func() {
		w.Close()
		wrs.Close()
		os.Remove(tmp)
		os.Remove(tmprs)
	}

	if err := Restore(f, rs, fi.Size(), w, wrs, log); err != nil {
		cleanup()
		return fmt.Errorf("%s: %w", fn, err)
	}
	if err := w.Close(); err != nil {
		cleanup()
		return err
	}
	if err := wrs.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, fn); err != nil {
		return err
	}
	return os.Rename(tmprs, rsfn)
}
