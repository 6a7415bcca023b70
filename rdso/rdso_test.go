// rdso/rdso_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"bytes"
	"encoding/gob"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("Seed = %d", seed)
	rand.Seed(seed)

	buf := make([]byte, 1+rand.Intn(16*1024*1024))
	t.Logf("Length %d", len(buf))
	_, _ = rand.Read(buf)
	origBuf := dupe(buf)

	nShards := 1 + rand.Intn(24)
	nParity := 1 + rand.Intn(8)
	hashRate := 1 << uint(10+rand.Intn(10))
	t.Logf("%d data shards, %d parity, %d hash rate", nShards, nParity, hashRate)

	var rs bytes.Buffer
	if err := Encode(bytes.NewReader(buf), int64(len(buf)), &rs, nShards, nParity, hashRate); err != nil {
		t.Fatalf("%s", err)
	}
	origRs := dupe(rs.Bytes())

	if err := Check(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), nil); err != nil {
		t.Fatalf("Error %+v on initial check", err)
	}

	// Corrupt as many shards per segment as there are parity shards,
	// split between the data and the sidecar.
	nErrors := nParity
	de := rand.Intn(nErrors + 1)
	t.Logf("Introducing %d data errors, %d parity errors per segment", de, nErrors-de)
	corrupt(buf, de, nShards*hashRate, hashRate)
	if err := corruptRS(origBuf, rs.Bytes(), nErrors-de); err != nil {
		t.Fatalf("%s", err)
	}

	err := Check(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), nil)
	if !errors.Is(err, ErrFileCorrupt) {
		t.Fatalf("Check of corrupted data returned %v", err)
	}

	var restored, restoredRs bytes.Buffer
	if err = Restore(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()),
		int64(len(buf)), &restored, &restoredRs, nil); err != nil {
		t.Fatalf("%s", err)
	}
	if !bytes.Equal(origBuf, restored.Bytes()) {
		t.Errorf("original bytes don't match restored")
	}
	if !bytes.Equal(origRs, restoredRs.Bytes()) {
		t.Errorf("original rs bytes don't match restored")
	}
}

func TestUnrecoverable(t *testing.T) {
	rand.Seed(1)
	buf := make([]byte, 100000)
	_, _ = rand.Read(buf)

	var rs bytes.Buffer
	if err := Encode(bytes.NewReader(buf), int64(len(buf)), &rs, 4, 1, 4096); err != nil {
		t.Fatal(err)
	}

	// Two bad data shards in the first segment is one too many.
	buf[0]++
	buf[4096]++
	var restored, restoredRs bytes.Buffer
	err := Restore(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), int64(len(buf)),
		&restored, &restoredRs, nil)
	if !errors.Is(err, ErrUnrecoverable) {
		t.Errorf("got %v, expected ErrUnrecoverable", err)
	}
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "marker.img")
	rsfn := fn + ".rs"

	rand.Seed(2)
	orig := make([]byte, 3*1024*1024+17)
	_, _ = rand.Read(orig)
	if err := os.WriteFile(fn, orig, 0600); err != nil {
		t.Fatal(err)
	}

	if err := EncodeFile(fn, rsfn, 8, 2, 64*1024); err != nil {
		t.Fatal(err)
	}
	if err := CheckFile(fn, rsfn, nil); err != nil {
		t.Fatalf("check of fresh file: %v", err)
	}

	b := dupe(orig)
	b[12345] ^= 0xff
	b[len(b)-1] ^= 0xff
	if err := os.WriteFile(fn, b, 0600); err != nil {
		t.Fatal(err)
	}
	if err := CheckFile(fn, rsfn, nil); !errors.Is(err, ErrFileCorrupt) {
		t.Fatalf("check of corrupt file: %v", err)
	}

	if err := RestoreFile(fn, rsfn, nil); err != nil {
		t.Fatal(err)
	}
	restored, err := os.ReadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, orig) {
		t.Errorf("restored file doesn't match the original")
	}
	if err := CheckFile(fn, rsfn, nil); err != nil {
		t.Errorf("check after restore: %v", err)
	}
	if _, err := os.Stat(fn + ".recovered"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind")
	}
}

func dupe(b []byte) []byte {
	r := make([]byte, len(b))
	copy(r, b)
	return r
}

// corrupt changes n bytes in distinct shards of each segment.
func corrupt(b []byte, n, segSize, shardSize int) {
	for len(b) > 0 {
		sz := segSize
		if sz > len(b) {
			sz = len(b)
		}
		nShards := (sz + shardSize - 1) / shardSize
		for _, s := range rand.Perm(nShards)[:min(n, nShards)] {
			end := (s + 1) * shardSize
			if end > sz {
				end = sz
			}
			off := s*shardSize + rand.Intn(end-s*shardSize)
			b[off] += byte(1 + rand.Intn(254))
		}
		b = b[sz:]
	}
}

// corruptRS changes a byte in n distinct parity shards of each segment of
// the sidecar, leaving the hashes intact.
func corruptRS(data, rs []byte, n int) error {
	if n == 0 {
		return nil
	}

	var w bytes.Buffer
	enc := gob.NewEncoder(&w)
	first := true

	err := forEachSegment(bytes.NewReader(data), bytes.NewReader(rs), nil,
		func(h rsFileHeader, hashes []hash, shards [][]byte) error {
			if first {
				if err := enc.Encode(h); err != nil {
					return err
				}
				first = false
			}

			parity := shards[h.NDataShards:]
			for _, target := range rand.Perm(len(parity))[:n] {
				off := rand.Intn(len(parity[target]))
				parity[target][off] += byte(1 + rand.Intn(254))
			}
			return enc.Encode(rsFileSegment{hashes, parity})
		})
	if err != nil {
		return err
	}
	copy(rs, w.Bytes())
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
