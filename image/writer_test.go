// image/writer_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mmp/snapchain/delta"
	"github.com/mmp/snapchain/extent"
	"github.com/mmp/snapchain/lineage"
)

const mib = 1024 * 1024

type op struct {
	kind   extent.Kind
	offset int64
	length int64
}

// fakeDest is an in-memory Destination that records every operation and
// tracks how many run at once.
type fakeDest struct {
	mu       sync.Mutex
	data     []byte
	sources  map[lineage.Locator][]byte
	ops      []op
	markers  [][]byte
	inFlight int
	maxSeen  int
	// failAt fails the copy or clear that starts at this offset.
	failAt int64
	delay  time.Duration
}

var errInjected = errors.New("injected failure")

func newFakeDest() *fakeDest {
	return &fakeDest{sources: make(map[lineage.Locator][]byte), failAt: -1}
}

func (f *fakeDest) String() string { return "fake" }

func (f *fakeDest) Size(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

func (f *fakeDest) Provision(ctx context.Context, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = make([]byte, size)
	return nil
}

func (f *fakeDest) begin(o op) error {
	f.mu.Lock()
	f.ops = append(f.ops, o)
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	fail := o.offset == f.failAt
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if fail {
		return errInjected
	}
	return nil
}

func (f *fakeDest) end() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeDest) CopyRange(ctx context.Context, offset, length int64, src lineage.Locator, srcOffset int64) error {
	defer f.end()
	if err := f.begin(op{extent.Data, offset, length}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.sources[src]
	if !ok {
		return fmt.Errorf("%s: %w", src, delta.ErrSourceUnavailable)
	}
	copy(f.data[offset:offset+length], b[srcOffset:srcOffset+length])
	return nil
}

func (f *fakeDest) ClearRange(ctx context.Context, offset, length int64) error {
	defer f.end()
	if err := f.begin(op{extent.Hole, offset, length}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := offset; i < offset+length; i++ {
		f.data[i] = 0
	}
	return nil
}

func (f *fakeDest) CommitMarker(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers = append(f.markers, append([]byte(nil), f.data...))
	return fmt.Sprintf("m%d", len(f.markers)), nil
}

func (f *fakeDest) sortedOps() []op {
	ops := append([]op(nil), f.ops...)
	sort.Slice(ops, func(i, j int) bool { return ops[i].offset < ops[j].offset })
	return ops
}

func tagged(k extent.Kind, off, n int64) extent.Tagged {
	return extent.Tagged{Range: extent.Range{Offset: off, Length: n}, Kind: k}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func TestApplyFullChunks(t *testing.T) {
	dst := newFakeDest()
	src := randomBytes(16 * mib)
	dst.sources["s1"] = src

	set := delta.RangeSet{
		Snapshot: "s1",
		Source:   "s1",
		Size:     16 * mib,
		Ranges:   []extent.Tagged{tagged(extent.Data, 0, 9*mib), tagged(extent.Data, 12*mib, 100)},
	}
	w := &Writer{}
	stats, err := w.ApplyFull(context.Background(), dst, set)
	if err != nil {
		t.Fatal(err)
	}

	want := []op{
		{extent.Data, 0, 4 * mib},
		{extent.Data, 4 * mib, 4 * mib},
		{extent.Data, 8 * mib, mib},
		{extent.Data, 12 * mib, 100},
	}
	if diff := cmp.Diff(want, dst.sortedOps(), cmp.AllowUnexported(op{})); diff != "" {
		t.Errorf("ops (-want +got):\n%s", diff)
	}
	if stats.Marker != "m1" || stats.BytesCopied != 9*mib+100 || stats.Ops != 4 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !bytes.Equal(dst.data[:9*mib], src[:9*mib]) ||
		!bytes.Equal(dst.data[12*mib:12*mib+100], src[12*mib:12*mib+100]) {
		t.Errorf("copied bytes don't match the source")
	}
	if dst.data[10*mib] != 0 {
		t.Errorf("unoccupied region was written")
	}
}

func TestApplyFullContract(t *testing.T) {
	ctx := context.Background()
	dst := newFakeDest()
	dst.sources["s"] = make([]byte, mib)
	set := delta.RangeSet{Snapshot: "s", Source: "s", Size: mib}

	w := &Writer{}
	if _, err := w.ApplyFull(ctx, dst, set); err != nil {
		t.Fatal(err)
	}
	if _, err := w.ApplyFull(ctx, dst, set); !errors.Is(err, ErrAlreadyProvisioned) {
		t.Errorf("second ApplyFull: got %v", err)
	}

	holey := set
	holey.Ranges = []extent.Tagged{tagged(extent.Hole, 0, 10)}
	if _, err := w.ApplyFull(ctx, newFakeDest(), holey); !errors.Is(err, ErrUnexpectedHole) {
		t.Errorf("hole in full set: got %v", err)
	}
}

func TestResumeFull(t *testing.T) {
	ctx := context.Background()
	src := randomBytes(8 * mib)
	set := delta.RangeSet{
		Snapshot: "s1",
		Source:   "s1",
		Size:     8 * mib,
		Ranges:   []extent.Tagged{tagged(extent.Data, 0, 3*mib), tagged(extent.Data, 5*mib, 3*mib)},
	}

	w := &Writer{Concurrency: 1}
	if _, err := w.ResumeFull(ctx, newFakeDest(), set); !errors.Is(err, ErrNotProvisioned) {
		t.Errorf("unprovisioned image: got %v", err)
	}

	// The first attempt fails part way through.
	dst := newFakeDest()
	dst.sources["s1"] = src
	dst.failAt = 5 * mib
	if _, err := w.ApplyFull(ctx, dst, set); !errors.Is(err, ErrChunkCopyFailed) {
		t.Fatalf("got %v, expected a chunk failure", err)
	}
	if len(dst.markers) != 0 {
		t.Errorf("marker committed after a failure")
	}

	dst.failAt = -1
	stats, err := w.ResumeFull(ctx, dst, set)
	if err != nil {
		t.Fatal(err)
	}
	if stats.BytesCopied != 6*mib || len(dst.markers) != 1 {
		t.Errorf("unexpected stats %+v with %d markers", stats, len(dst.markers))
	}
	want := append([]byte(nil), src...)
	for i := 3 * mib; i < 5*mib; i++ {
		want[i] = 0
	}
	if !bytes.Equal(dst.data, want) {
		t.Errorf("resumed image doesn't match the snapshot")
	}

	other := set
	other.Size = 4 * mib
	if _, err := w.ResumeFull(ctx, dst, other); !errors.Is(err, delta.ErrSizeMismatch) {
		t.Errorf("size mismatch: got %v", err)
	}
}

func TestApplyIncremental(t *testing.T) {
	ctx := context.Background()
	dst := newFakeDest()
	s1 := randomBytes(8 * mib)
	s2 := append([]byte(nil), s1...)
	copy(s2[6*mib:], randomBytes(2*mib))
	for i := 2 * mib; i < 4*mib; i++ {
		s2[i] = 0
	}
	dst.sources["s1"], dst.sources["s2"] = s1, s2

	w := &Writer{Concurrency: 2}
	full := delta.RangeSet{Snapshot: "s1", Source: "s1", Size: 8 * mib,
		Ranges: []extent.Tagged{tagged(extent.Data, 0, 8*mib)}}
	if _, err := w.ApplyFull(ctx, dst, full); err != nil {
		t.Fatal(err)
	}

	dst.ops = nil
	inc := delta.RangeSet{Snapshot: "s2", Source: "s2", Base: "s1", Size: 8 * mib,
		Ranges: []extent.Tagged{tagged(extent.Hole, 2*mib, 2*mib), tagged(extent.Data, 6*mib, 2*mib)}}
	stats, err := w.ApplyIncremental(ctx, dst, inc)
	if err != nil {
		t.Fatal(err)
	}
	want := []op{{extent.Hole, 2 * mib, 2 * mib}, {extent.Data, 6 * mib, 2 * mib}}
	if diff := cmp.Diff(want, dst.sortedOps(), cmp.AllowUnexported(op{})); diff != "" {
		t.Errorf("ops (-want +got):\n%s", diff)
	}
	if !bytes.Equal(dst.data, s2) {
		t.Errorf("image doesn't match s2 after incremental application")
	}
	if stats.Marker != "m2" || len(dst.markers) != 2 {
		t.Errorf("expected a second marker, got %q / %d", stats.Marker, len(dst.markers))
	}
	if !bytes.Equal(dst.markers[0], s1) {
		t.Errorf("first marker doesn't hold s1")
	}
}

func TestApplyIncrementalContract(t *testing.T) {
	ctx := context.Background()
	w := &Writer{}
	inc := delta.RangeSet{Snapshot: "s2", Source: "s2", Base: "s1", Size: mib}

	if _, err := w.ApplyIncremental(ctx, newFakeDest(), inc); !errors.Is(err, ErrNotProvisioned) {
		t.Errorf("unprovisioned: got %v", err)
	}

	dst := newFakeDest()
	dst.Provision(ctx, 2*mib)
	if _, err := w.ApplyIncremental(ctx, dst, inc); !errors.Is(err, delta.ErrSizeMismatch) {
		t.Errorf("size mismatch: got %v", err)
	}

	notInc := inc
	notInc.Base = ""
	if _, err := w.ApplyIncremental(ctx, dst, notInc); !errors.Is(err, ErrIncrementalExpected) {
		t.Errorf("full set: got %v", err)
	}
}

func TestClearChunking(t *testing.T) {
	ctx := context.Background()
	dst := newFakeDest()
	dst.Provision(ctx, 16*mib)

	inc := delta.RangeSet{Snapshot: "s2", Source: "s2", Base: "s1", Size: 16 * mib,
		Ranges: []extent.Tagged{tagged(extent.Hole, 0, 10*mib)}}

	w := &Writer{}
	if _, err := w.ApplyIncremental(ctx, dst, inc); err != nil {
		t.Fatal(err)
	}
	if len(dst.ops) != 1 {
		t.Errorf("expected a single clear, got %d ops", len(dst.ops))
	}

	dst.ops = nil
	w.ClearChunkSize = extent.MaxChunkSize
	if _, err := w.ApplyIncremental(ctx, dst, inc); err != nil {
		t.Fatal(err)
	}
	if len(dst.ops) != 3 {
		t.Errorf("expected three chunked clears, got %d ops", len(dst.ops))
	}
}

func TestChunkFailureAborts(t *testing.T) {
	ctx := context.Background()
	dst := newFakeDest()
	dst.sources["s1"] = make([]byte, 64*mib)
	dst.failAt = 8 * mib

	set := delta.RangeSet{Snapshot: "s1", Source: "s1", Size: 64 * mib,
		Ranges: []extent.Tagged{tagged(extent.Data, 0, 64*mib)}}
	w := &Writer{Concurrency: 1}
	_, err := w.ApplyFull(ctx, dst, set)

	var ce *ChunkError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, expected a *ChunkError", err)
	}
	if !errors.Is(err, ErrChunkCopyFailed) || !errors.Is(err, errInjected) {
		t.Errorf("%v should match both ErrChunkCopyFailed and the cause", err)
	}
	if ce.Offset != 8*mib || ce.Length != 4*mib || ce.Kind != extent.Data {
		t.Errorf("unexpected chunk error %+v", ce)
	}
	if len(dst.markers) != 0 {
		t.Errorf("marker committed after a failed chunk")
	}
	// With one op at a time, nothing past the failing chunk gets started.
	if len(dst.ops) > 4 {
		t.Errorf("%d ops issued after the failure", len(dst.ops))
	}
}

func TestConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	dst := newFakeDest()
	dst.sources["s1"] = make([]byte, 64*mib)
	dst.delay = 5 * time.Millisecond

	set := delta.RangeSet{Snapshot: "s1", Source: "s1", Size: 64 * mib,
		Ranges: []extent.Tagged{tagged(extent.Data, 0, 64*mib)}}
	w := &Writer{Concurrency: 3, ChunkSize: mib}
	if _, err := w.ApplyFull(ctx, dst, set); err != nil {
		t.Fatal(err)
	}
	if dst.maxSeen > 3 {
		t.Errorf("%d operations in flight, limit was 3", dst.maxSeen)
	}
	if len(dst.ops) != 64 {
		t.Errorf("expected 64 ops, got %d", len(dst.ops))
	}
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dst := newFakeDest()
	dst.sources["s1"] = make([]byte, mib)
	set := delta.RangeSet{Snapshot: "s1", Source: "s1", Size: mib,
		Ranges: []extent.Tagged{tagged(extent.Data, 0, mib)}}
	w := &Writer{}
	if _, err := w.ApplyFull(ctx, dst, set); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, expected context.Canceled", err)
	}
	if len(dst.markers) != 0 {
		t.Errorf("marker committed after cancellation")
	}
}
