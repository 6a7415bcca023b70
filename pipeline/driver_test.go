// pipeline/driver_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mmp/snapchain/delta"
	"github.com/mmp/snapchain/extent"
	"github.com/mmp/snapchain/image"
	"github.com/mmp/snapchain/lineage"
	"github.com/mmp/snapchain/storage"
)

const mib = 1024 * 1024

// clock hands out strictly increasing times so that snapshots taken in a
// row are ordered by creation.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Disk = "d1"
	cfg.Image = "img"
	return cfg
}

func fill(b []byte, seed int64) {
	r := rand.New(rand.NewSource(seed))
	for i := range b {
		// Avoid zeros so every written page counts as occupied.
		b[i] = byte(1 + r.Intn(255))
	}
}

// threeSteps builds a 16 MiB disk with three snapshots: s1 has data in
// [0,4M); s2 trims [2M,4M) and writes [6M,8M); s3 trims [0,2M). It
// returns the disk content at each snapshot.
func threeSteps(t *testing.T, m *storage.Memory) [][]byte {
	if _, err := m.CreateDisk("d1", 16*mib); err != nil {
		t.Fatal(err)
	}
	var contents [][]byte
	snap := func(name string) {
		if _, err := m.TakeSnapshot("d1", name, true); err != nil {
			t.Fatal(err)
		}
		contents = append(contents, snapshotBytes(t, m, name))
	}

	b := make([]byte, 4*mib)
	fill(b, 1)
	if err := m.WriteDisk("d1", 0, b); err != nil {
		t.Fatal(err)
	}
	snap("s1")

	if err := m.TrimDisk("d1", 2*mib, 2*mib); err != nil {
		t.Fatal(err)
	}
	b = make([]byte, 2*mib)
	fill(b, 2)
	if err := m.WriteDisk("d1", 6*mib, b); err != nil {
		t.Fatal(err)
	}
	snap("s2")

	if err := m.TrimDisk("d1", 0, 2*mib); err != nil {
		t.Fatal(err)
	}
	snap("s3")
	return contents
}

func snapshotBytes(t *testing.T, m *storage.Memory, name string) []byte {
	ctx := context.Background()
	loc, err := m.GrantReadAccess(ctx, name, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	refs, err := m.ListSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range refs {
		if r.Name == name {
			b, err := m.Fetch(ctx, loc, 0, r.Size)
			if err != nil {
				t.Fatal(err)
			}
			return b
		}
	}
	t.Fatalf("%s: snapshot not found", name)
	return nil
}

func checkMarkers(t *testing.T, img *storage.MemoryImage, report *Report, contents [][]byte) {
	t.Helper()
	if len(report.Steps) != len(contents) {
		t.Fatalf("%d steps applied, expected %d", len(report.Steps), len(contents))
	}
	for i, s := range report.Steps {
		b, err := img.Marker(s.Marker)
		if err != nil {
			t.Errorf("step %d: %v", i, err)
			continue
		}
		if !bytes.Equal(b, contents[i]) {
			t.Errorf("step %d: marker %s doesn't match snapshot %s", i, s.Marker, s.Snapshot)
		}
	}
}

func TestThreeSteps(t *testing.T) {
	m := storage.NewMemory()
	m.Now = newClock().now
	contents := threeSteps(t, m)
	img := m.Image("img")

	d := New(testConfig(), Deps{Catalog: m, Source: m, Dest: img})
	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.State != Done || d.State() != Done {
		t.Errorf("state %s/%s, expected done", report.State, d.State())
	}
	if diff := cmp.Diff([]string{"s1", "s2", "s3"}, report.Lineage.Names()); diff != "" {
		t.Errorf("lineage: %s", diff)
	}

	type counts struct{ Copied, Cleared int64 }
	var got []counts
	for _, s := range report.Steps {
		got = append(got, counts{s.BytesCopied, s.BytesCleared})
	}
	expected := []counts{{4 * mib, 0}, {2 * mib, 2 * mib}, {0, 2 * mib}}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("bytes per step: %s", diff)
	}

	if !bytes.Equal(img.Bytes(), contents[2]) {
		t.Errorf("final image doesn't match s3")
	}
	if len(img.Markers()) != 3 {
		t.Errorf("%d markers, expected 3", len(img.Markers()))
	}
	checkMarkers(t, img, report, contents)
}

func TestRandomLineage(t *testing.T) {
	r := rand.New(rand.NewSource(12))
	for iter := 0; iter < 5; iter++ {
		m := storage.NewMemory()
		m.Now = newClock().now
		size := int64(1+r.Intn(4)) * mib
		if _, err := m.CreateDisk("d1", size); err != nil {
			t.Fatal(err)
		}

		var contents [][]byte
		nsnap := 2 + r.Intn(6)
		for s := 0; s < nsnap; s++ {
			for n := r.Intn(8); n >= 0; n-- {
				offset := r.Int63n(size)
				length := 1 + r.Int63n(min64(size-offset, 300*1024))
				if r.Intn(3) == 0 {
					if err := m.TrimDisk("d1", offset, length); err != nil {
						t.Fatal(err)
					}
				} else {
					b := make([]byte, length)
					fill(b, r.Int63())
					if err := m.WriteDisk("d1", offset, b); err != nil {
						t.Fatal(err)
					}
				}
			}
			name := fmt.Sprintf("snap%02d", s)
			if _, err := m.TakeSnapshot("d1", name, true); err != nil {
				t.Fatal(err)
			}
			contents = append(contents, snapshotBytes(t, m, name))
		}

		cfg := testConfig()
		cfg.ChunkSize = 64 * 1024
		cfg.ClearChunkSize = int64(r.Intn(2)) * 128 * 1024
		cfg.Concurrency = 1 + r.Intn(8)
		img := m.Image("img")
		report, err := New(cfg, Deps{Catalog: m, Source: m, Dest: img}).Run(context.Background())
		if err != nil {
			t.Fatalf("iter %d: %v", iter, err)
		}
		if !bytes.Equal(img.Bytes(), contents[len(contents)-1]) {
			t.Errorf("iter %d: final image doesn't match last snapshot", iter)
		}
		checkMarkers(t, img, report, contents)
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func TestLineageFiltering(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	m.Now = newClock().now
	if _, err := m.CreateDisk("d1", mib); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateDisk("d2", mib); err != nil {
		t.Fatal(err)
	}
	b := make([]byte, 4096)
	fill(b, 3)
	if err := m.WriteDisk("d1", 0, b); err != nil {
		t.Fatal(err)
	}
	for _, s := range []struct {
		disk, name  string
		incremental bool
	}{{"d1", "old", true}, {"d2", "other", true}} {
		if _, err := m.TakeSnapshot(s.disk, s.name, s.incremental); err != nil {
			t.Fatal(err)
		}
	}

	// A new generation of d1; "old" no longer belongs to it.
	if _, err := m.RecreateDisk("d1"); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteDisk("d1", 8192, b); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TakeSnapshot("d1", "full", false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TakeSnapshot("d1", "new", true); err != nil {
		t.Fatal(err)
	}

	img := m.Image("img")
	report, err := New(testConfig(), Deps{Catalog: m, Source: m, Dest: img}).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"new"}, report.Lineage.Names()); diff != "" {
		t.Errorf("lineage: %s", diff)
	}
	if !bytes.Equal(img.Bytes(), snapshotBytes(t, m, "new")) {
		t.Errorf("image doesn't match new")
	}
}

func TestNoLineage(t *testing.T) {
	m := storage.NewMemory()
	if _, err := m.CreateDisk("d1", mib); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TakeSnapshot("d1", "full", false); err != nil {
		t.Fatal(err)
	}

	img := m.Image("img")
	d := New(testConfig(), Deps{Catalog: m, Source: m, Dest: img})
	report, err := d.Run(context.Background())
	if !errors.Is(err, lineage.ErrNoLineageFound) {
		t.Fatalf("got %v, expected ErrNoLineageFound", err)
	}
	var se *StepError
	if !errors.As(err, &se) || se.Index != -1 || se.State != ResolvingLineage {
		t.Errorf("%v: unexpected step error %+v", err, se)
	}
	if report.State != Failed || d.State() != Failed {
		t.Errorf("state %s/%s, expected failed", report.State, d.State())
	}
	if size, _ := img.Size(context.Background()); size != 0 {
		t.Errorf("image provisioned with %d bytes", size)
	}
}

func TestStepFailure(t *testing.T) {
	m := storage.NewMemory()
	m.Now = newClock().now
	threeSteps(t, m)
	img := m.Image("img")
	img.Fault = func(kind extent.Kind, offset, length int64) error {
		if kind == extent.Data && offset >= 6*mib {
			return storage.ErrDestinationUnreachable
		}
		return nil
	}

	report, err := New(testConfig(), Deps{Catalog: m, Source: m, Dest: img}).Run(context.Background())
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("%v: not a StepError", err)
	}
	if se.Index != 1 || se.Snapshot != "s2" || se.State != ApplyingDelta {
		t.Errorf("failure reported at %d/%s/%s, expected 1/s2/applying delta",
			se.Index, se.Snapshot, se.State)
	}
	if !errors.Is(err, image.ErrChunkCopyFailed) || !errors.Is(err, storage.ErrDestinationUnreachable) {
		t.Errorf("%v: expected chunk failure caused by unreachable destination", err)
	}
	if report.State != Failed || len(report.Steps) != 1 {
		t.Errorf("state %s with %d steps, expected failed with 1", report.State, len(report.Steps))
	}
	if len(img.Markers()) != 1 {
		t.Errorf("%d markers committed, expected 1", len(img.Markers()))
	}
}

// expiringCatalog hands out grants that expire immediately for one
// snapshot.
type expiringCatalog struct {
	*storage.Memory
	expire string
}

func (e expiringCatalog) GrantReadAccess(ctx context.Context, snapshot string, ttl time.Duration) (lineage.Locator, error) {
	if snapshot == e.expire {
		ttl = -time.Second
	}
	return e.Memory.GrantReadAccess(ctx, snapshot, ttl)
}

func TestExpiredGrant(t *testing.T) {
	m := storage.NewMemory()
	m.Now = newClock().now
	threeSteps(t, m)
	img := m.Image("img")

	cat := expiringCatalog{Memory: m, expire: "s3"}
	_, err := New(testConfig(), Deps{Catalog: cat, Source: m, Dest: img}).Run(context.Background())
	if !errors.Is(err, delta.ErrSourceUnavailable) {
		t.Fatalf("got %v, expected ErrSourceUnavailable", err)
	}
	var se *StepError
	if errors.As(err, &se) && (se.Index != 2 || se.Snapshot != "s3") {
		t.Errorf("failure reported at %d/%s, expected 2/s3", se.Index, se.Snapshot)
	}
	if len(img.Markers()) != 2 {
		t.Errorf("%d markers committed, expected 2", len(img.Markers()))
	}
}

func TestCancelAndResume(t *testing.T) {
	m := storage.NewMemory()
	m.Now = newClock().now
	contents := threeSteps(t, m)
	img := m.Image("img")
	deps := Deps{Catalog: m, Source: m, Dest: img, Journal: m}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	img.Fault = func(kind extent.Kind, offset, length int64) error {
		if kind == extent.Data && offset >= 6*mib {
			cancel()
			return context.Canceled
		}
		return nil
	}
	report, err := New(testConfig(), deps).Run(ctx)
	if !errors.Is(err, ErrPipelineCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, expected cancellation", err)
	}
	if report.State != Failed || len(report.Steps) != 1 {
		t.Errorf("state %s with %d steps, expected failed with 1", report.State, len(report.Steps))
	}

	img.Fault = nil
	report, err = New(testConfig(), deps).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Resumed != 1 || len(report.Steps) != 2 || report.Steps[0].Snapshot != "s2" {
		t.Errorf("resumed %d with %d steps, expected to resume after s1", report.Resumed,
			len(report.Steps))
	}
	if !bytes.Equal(img.Bytes(), contents[2]) {
		t.Errorf("resumed image doesn't match s3")
	}
	checkMarkers(t, img, report, contents[1:])

	// Everything is applied now; another run does nothing.
	report, err = New(testConfig(), deps).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Resumed != 3 || len(report.Steps) != 0 || len(img.Markers()) != 3 {
		t.Errorf("rerun applied %d steps, %d markers", len(report.Steps), len(img.Markers()))
	}
}

func TestJournalMismatch(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	m.Now = newClock().now
	threeSteps(t, m)
	if err := m.Record(ctx, "img", 0, "elsewhere", "x"); err != nil {
		t.Fatal(err)
	}

	img := m.Image("img")
	_, err := New(testConfig(), Deps{Catalog: m, Source: m, Dest: img, Journal: m}).Run(ctx)
	if !errors.Is(err, ErrJournalMismatch) {
		t.Errorf("got %v, expected ErrJournalMismatch", err)
	}
	if size, _ := img.Size(ctx); size != 0 {
		t.Errorf("image was provisioned")
	}
}

func TestAlreadyProvisioned(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	m.Now = newClock().now
	threeSteps(t, m)
	img := m.Image("img")
	if err := img.Provision(ctx, 16*mib); err != nil {
		t.Fatal(err)
	}

	_, err := New(testConfig(), Deps{Catalog: m, Source: m, Dest: img}).Run(ctx)
	var se *StepError
	if !errors.Is(err, image.ErrAlreadyProvisioned) || !errors.As(err, &se) ||
		se.State != ApplyingBase {
		t.Errorf("got %v, expected ErrAlreadyProvisioned applying the base", err)
	}
}

func TestResumeBase(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	m.Now = newClock().now
	contents := threeSteps(t, m)
	img := m.Image("img")

	// The first run dies copying the base, after provisioning.
	img.Fault = func(kind extent.Kind, offset, length int64) error {
		return storage.ErrDestinationUnreachable
	}
	deps := Deps{Catalog: m, Source: m, Dest: img, Journal: m}
	if _, err := New(testConfig(), deps).Run(ctx); !errors.Is(err, image.ErrChunkCopyFailed) {
		t.Fatalf("got %v, expected a chunk failure", err)
	}
	if size, _ := img.Size(ctx); size != 16*mib {
		t.Fatalf("image size %d after the failed base", size)
	}

	img.Fault = nil
	report, err := New(testConfig(), deps).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Resumed != 0 || len(report.Steps) != 3 {
		t.Errorf("resumed %d, %d steps", report.Resumed, len(report.Steps))
	}
	if !bytes.Equal(img.Bytes(), contents[2]) {
		t.Errorf("image doesn't match s3")
	}
	checkMarkers(t, img, report, contents)
}

func TestDiskBackend(t *testing.T) {
	ctx := context.Background()
	d, err := storage.NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	d.Now = newClock().now

	const size = 3 * mib
	if _, err := d.CreateDisk(ctx, "d1", size); err != nil {
		t.Fatal(err)
	}
	r := rand.New(rand.NewSource(7))
	content := make([]byte, size)
	var contents [][]byte
	for s := 0; s < 4; s++ {
		offset := r.Int63n(size - 256*1024)
		if s%2 == 1 {
			for i := offset; i < offset+256*1024; i++ {
				content[i] = 0
			}
		} else {
			fill(content[offset:offset+256*1024], r.Int63())
		}
		name := fmt.Sprintf("s%d", s)
		if _, err := d.ImportSnapshot(ctx, "d1", name, bytes.NewReader(content), true); err != nil {
			t.Fatal(err)
		}
		contents = append(contents, append([]byte(nil), content...))
	}

	img, err := d.Image(ctx, "img")
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.ChunkSize = 512 * 1024
	deps := Deps{Catalog: d, Source: d, Dest: storage.NewRetrying(img), Journal: d.Catalog()}
	report, err := New(cfg, deps).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Steps) != len(contents) {
		t.Fatalf("%d steps, expected %d", len(report.Steps), len(contents))
	}
	for i, s := range report.Steps {
		b, err := os.ReadFile(img.MarkerPath(s.Marker))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(b, contents[i]) {
			t.Errorf("marker %d (%s) doesn't match %s", i, s.Marker, s.Snapshot)
		}
	}
	b, err := os.ReadFile(img.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, contents[len(contents)-1]) {
		t.Errorf("image doesn't match the last snapshot")
	}

	committed, err := d.Catalog().Committed(ctx, "img")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(report.Lineage.Names(), committed); diff != "" {
		t.Errorf("journal: %s", diff)
	}

	report, err = New(cfg, deps).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Steps) != 0 || report.Resumed != len(contents) {
		t.Errorf("rerun applied %d steps", len(report.Steps))
	}
}

func TestStateString(t *testing.T) {
	for s, str := range map[State]string{Init: "init", ApplyingDelta: "applying delta",
		Failed: "failed", State(42): "State(42)"} {
		if s.String() != str {
			t.Errorf("%d: got %q, expected %q", int(s), s.String(), str)
		}
	}
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ChunkSize != 4*mib || cfg.ClearChunkSize != 0 || cfg.Concurrency != 8 ||
		cfg.GrantTTL != 60*24*time.Hour {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if err := cfg.Validate(); err == nil {
		t.Errorf("config without disk and image validated")
	}
	if err := testConfig().Validate(); err != nil {
		t.Errorf("%v", err)
	}

	for _, f := range []func(*Config){
		func(c *Config) { c.ChunkSize = 0 },
		func(c *Config) { c.ChunkSize = 5 * mib },
		func(c *Config) { c.ClearChunkSize = -1 },
		func(c *Config) { c.Concurrency = 0 },
		func(c *Config) { c.GrantTTL = 0 },
	} {
		cfg := testConfig()
		f(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%+v: invalid config validated", cfg)
		}
	}

	cfg = testConfig()
	cfg.Concurrency = 0
	m := storage.NewMemory()
	_, err := New(cfg, Deps{Catalog: m, Source: m, Dest: m.Image("img")}).Run(context.Background())
	var se *StepError
	if !errors.As(err, &se) || se.State != Init {
		t.Errorf("got %v, expected failure before resolving", err)
	}
}
