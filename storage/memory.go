// storage/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmp/snapchain/delta"
	"github.com/mmp/snapchain/extent"
	"github.com/mmp/snapchain/image"
	"github.com/mmp/snapchain/lineage"
)

// Memory keeps source disks, their snapshots, read grants, destination
// images and a run journal in RAM. It's mostly useful for testing code
// built on top of the pipeline's collaborator interfaces, where we may
// want to save the trouble of saving a bunch of stuff to disk.
type Memory struct {
	// Now returns the current time; time.Now is used if it's nil. It
	// stamps snapshot creation and decides grant expiry.
	Now func() time.Time

	mu        sync.Mutex
	disks     map[string]*memDisk
	snapshots map[string]*memSnapshot
	grants    map[string]memGrant
	images    map[string]*MemoryImage
	journal   map[string][]journalEntry
	nGrants   int
}

type memDisk struct {
	disk lineage.Disk
	data []byte
}

type memSnapshot struct {
	ref      lineage.SnapshotRef
	data     []byte
	occupied []extent.Range
}

type memGrant struct {
	snapshot string
	expires  time.Time
}

type journalEntry struct {
	snapshot, marker string
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

func NewMemory() *Memory {
	return &Memory{
		disks:     make(map[string]*memDisk),
		snapshots: make(map[string]*memSnapshot),
		grants:    make(map[string]memGrant),
		images:    make(map[string]*MemoryImage),
		journal:   make(map[string][]journalEntry),
	}
}

func (m *Memory) String() string {
	return "memory"
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

///////////////////////////////////////////////////////////////////////////
// Source disks

// CreateDisk adds a zero-filled disk of the given size.
func (m *Memory) CreateDisk(name string, size int64) (lineage.Disk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disks[name]; ok {
		return lineage.Disk{}, fmt.Errorf("%s: disk %w", name, ErrExists)
	}
	if size <= 0 {
		return lineage.Disk{}, fmt.Errorf("%s: invalid size %d", name, size)
	}
	d := &memDisk{
		disk: lineage.Disk{ID: name, UniqueID: uuid.NewString(), Size: size},
		data: make([]byte, size),
	}
	m.disks[name] = d
	return d.disk, nil
}

// RecreateDisk models deleting the disk and creating a new one with the
// same name: its content is zeroed and it gets a new generation token, so
// the old generation's snapshots no longer belong to it.
func (m *Memory) RecreateDisk(name string) (lineage.Disk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disks[name]
	if !ok {
		return lineage.Disk{}, fmt.Errorf("%s: disk %w", name, ErrNotFound)
	}
	d.disk.UniqueID = uuid.NewString()
	d.data = make([]byte, d.disk.Size)
	return d.disk, nil
}

func (m *Memory) WriteDisk(name string, offset int64, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disks[name]
	if !ok {
		return fmt.Errorf("%s: disk %w", name, ErrNotFound)
	}
	if err := checkRange(name, offset, int64(len(b)), d.disk.Size); err != nil {
		return err
	}
	copy(d.data[offset:], b)
	return nil
}

// TrimDisk deallocates (zeroes) part of a disk.
func (m *Memory) TrimDisk(name string, offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disks[name]
	if !ok {
		return fmt.Errorf("%s: disk %w", name, ErrNotFound)
	}
	if err := checkRange(name, offset, length, d.disk.Size); err != nil {
		return err
	}
	for i := offset; i < offset+length; i++ {
		d.data[i] = 0
	}
	return nil
}

// TakeSnapshot captures the disk's current content. Occupancy is derived
// from the captured bytes: every non-zero page is occupied.
func (m *Memory) TakeSnapshot(disk, name string, incremental bool) (lineage.SnapshotRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disks[disk]
	if !ok {
		return lineage.SnapshotRef{}, fmt.Errorf("%s: disk %w", disk, ErrNotFound)
	}
	if _, ok := m.snapshots[name]; ok {
		return lineage.SnapshotRef{}, fmt.Errorf("%s: snapshot %w", name, ErrExists)
	}

	s := &memSnapshot{
		ref: lineage.SnapshotRef{
			Name:               name,
			Created:            m.now(),
			Incremental:        incremental,
			SourceDiskID:       d.disk.ID,
			SourceDiskUniqueID: d.disk.UniqueID,
			Size:               d.disk.Size,
		},
		data: dupe(d.data),
	}
	s.occupied = occupiedPages(nil, s.data, 0)
	m.snapshots[name] = s
	log.Debug("%s: snapshot of %s, %d occupied ranges", name, disk, len(s.occupied))
	return s.ref, nil
}

// DeleteSnapshot removes a snapshot; outstanding grants for it stop
// working.
func (m *Memory) DeleteSnapshot(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snapshots[name]; !ok {
		return fmt.Errorf("%s: snapshot %w", name, ErrNotFound)
	}
	delete(m.snapshots, name)
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Catalog

func (m *Memory) ListSnapshots(ctx context.Context) ([]lineage.SnapshotRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var refs []lineage.SnapshotRef
	for _, s := range m.snapshots {
		refs = append(refs, s.ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (m *Memory) Disk(ctx context.Context, name string) (lineage.Disk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disks[name]
	if !ok {
		return lineage.Disk{}, fmt.Errorf("%s: disk %w", name, ErrNotFound)
	}
	return d.disk, nil
}

// GrantReadAccess returns a mem:// locator for the snapshot that stops
// working after ttl.
func (m *Memory) GrantReadAccess(ctx context.Context, snapshot string, ttl time.Duration) (lineage.Locator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snapshots[snapshot]; !ok {
		return "", fmt.Errorf("%s: snapshot %w", snapshot, ErrNotFound)
	}
	m.nGrants++
	id := fmt.Sprintf("g%d", m.nGrants)
	m.grants[id] = memGrant{snapshot: snapshot, expires: m.now().Add(ttl)}
	return lineage.Locator("mem://" + snapshot + "/" + id), nil
}

// RevokeGrants invalidates every outstanding grant for the snapshot.
func (m *Memory) RevokeGrants(snapshot string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, g := range m.grants {
		if g.snapshot == snapshot {
			delete(m.grants, id)
		}
	}
}

// resolve returns the snapshot that loc grants access to. The caller must
// hold m.mu.
func (m *Memory) resolve(loc lineage.Locator) (*memSnapshot, error) {
	u, err := url.Parse(string(loc))
	if err != nil || u.Scheme != "mem" {
		return nil, fmt.Errorf("%s: not a memory locator: %w", loc, delta.ErrSourceUnavailable)
	}
	id := strings.TrimPrefix(u.Path, "/")
	g, ok := m.grants[id]
	if !ok || g.snapshot != u.Host {
		return nil, fmt.Errorf("%s: no such grant: %w", loc, delta.ErrSourceUnavailable)
	}
	if !m.now().Before(g.expires) {
		return nil, fmt.Errorf("%s: grant expired at %s: %w", loc, g.expires,
			delta.ErrSourceUnavailable)
	}
	s, ok := m.snapshots[g.snapshot]
	if !ok {
		return nil, fmt.Errorf("%s: snapshot deleted: %w", loc, delta.ErrSourceUnavailable)
	}
	return s, nil
}

///////////////////////////////////////////////////////////////////////////
// Source and Fetcher

func (m *Memory) OccupiedRanges(ctx context.Context, loc lineage.Locator) ([]extent.Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.resolve(loc)
	if err != nil {
		return nil, err
	}
	return append([]extent.Range(nil), s.occupied...), nil
}

// ChangedRanges reports the pages whose content differs between the two
// snapshots.
func (m *Memory) ChangedRanges(ctx context.Context, loc, base lineage.Locator) ([]extent.Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.resolve(loc)
	if err != nil {
		return nil, err
	}
	prev, err := m.resolve(base)
	if err != nil {
		return nil, err
	}
	if len(cur.data) != len(prev.data) {
		return nil, fmt.Errorf("%s, %s: %w", cur.ref.Name, prev.ref.Name, delta.ErrSizeMismatch)
	}
	return differentPages(nil, prev.data, cur.data, 0), nil
}

func (m *Memory) Fetch(ctx context.Context, loc lineage.Locator, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.resolve(loc)
	if err != nil {
		return nil, err
	}
	if err := checkRange(s.ref.Name, offset, length, int64(len(s.data))); err != nil {
		return nil, err
	}
	return dupe(s.data[offset : offset+length]), nil
}

///////////////////////////////////////////////////////////////////////////
// Journal

func (m *Memory) Committed(ctx context.Context, img string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for _, e := range m.journal[img] {
		names = append(names, e.snapshot)
	}
	return names, nil
}

func (m *Memory) Record(ctx context.Context, img string, index int, snapshot, marker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index != len(m.journal[img]) {
		return fmt.Errorf("%s: journal has %d steps, can't record step %d", img,
			len(m.journal[img]), index)
	}
	m.journal[img] = append(m.journal[img], journalEntry{snapshot, marker})
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Destination images

// MemoryImage is an image.Destination held in RAM. Source bytes are read
// from the Memory that created it unless Src is set.
type MemoryImage struct {
	name string

	// Src, if non-nil, supplies the bytes of CopyRange sources.
	Src Fetcher
	// Fault, if non-nil, is called before every copy and clear; an error
	// it returns fails the operation.
	Fault func(kind extent.Kind, offset, length int64) error

	mu          sync.Mutex
	provisioned bool
	data        []byte
	markers     []memMarker
}

type memMarker struct {
	id   string
	data []byte
}

// Image returns the named destination image, creating an empty one if it
// doesn't exist yet.
func (m *Memory) Image(name string) *MemoryImage {
	m.mu.Lock()
	defer m.mu.Unlock()

	if img, ok := m.images[name]; ok {
		return img
	}
	img := &MemoryImage{name: name, Src: m}
	m.images[name] = img
	return img
}

func (mi *MemoryImage) String() string {
	return "mem image " + mi.name
}

func (mi *MemoryImage) Size(ctx context.Context) (int64, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return int64(len(mi.data)), nil
}

func (mi *MemoryImage) Provision(ctx context.Context, size int64) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if mi.provisioned {
		return fmt.Errorf("%s: %w", mi, image.ErrAlreadyProvisioned)
	}
	if size <= 0 {
		return fmt.Errorf("%s: invalid size %d", mi, size)
	}
	mi.data = make([]byte, size)
	mi.provisioned = true
	return nil
}

func (mi *MemoryImage) check(ctx context.Context, kind extent.Kind, offset, length int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mi.Fault != nil {
		if err := mi.Fault(kind, offset, length); err != nil {
			return err
		}
	}

	mi.mu.Lock()
	defer mi.mu.Unlock()
	if !mi.provisioned {
		return fmt.Errorf("%s: %w", mi, image.ErrNotProvisioned)
	}
	return checkRange(mi.name, offset, length, int64(len(mi.data)))
}

func (mi *MemoryImage) CopyRange(ctx context.Context, offset, length int64, src lineage.Locator, srcOffset int64) error {
	if err := mi.check(ctx, extent.Data, offset, length); err != nil {
		return err
	}
	b, err := mi.Src.Fetch(ctx, src, srcOffset, length)
	if err != nil {
		return err
	}

	mi.mu.Lock()
	defer mi.mu.Unlock()
	copy(mi.data[offset:offset+length], b)
	return nil
}

func (mi *MemoryImage) ClearRange(ctx context.Context, offset, length int64) error {
	if err := mi.check(ctx, extent.Hole, offset, length); err != nil {
		return err
	}

	mi.mu.Lock()
	defer mi.mu.Unlock()
	for i := offset; i < offset+length; i++ {
		mi.data[i] = 0
	}
	return nil
}

func (mi *MemoryImage) CommitMarker(ctx context.Context) (string, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if !mi.provisioned {
		return "", fmt.Errorf("%s: %w", mi, image.ErrNotProvisioned)
	}
	id := uuid.Must(uuid.NewV7()).String()
	mi.markers = append(mi.markers, memMarker{id: id, data: dupe(mi.data)})
	return id, nil
}

// Bytes returns a copy of the image's current content.
func (mi *MemoryImage) Bytes() []byte {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return dupe(mi.data)
}

// Markers returns the IDs of the committed markers, oldest first.
func (mi *MemoryImage) Markers() []string {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	var ids []string
	for _, mk := range mi.markers {
		ids = append(ids, mk.id)
	}
	return ids
}

// Marker returns the content captured by the given marker.
func (mi *MemoryImage) Marker(id string) ([]byte, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	for _, mk := range mi.markers {
		if mk.id == id {
			return dupe(mk.data), nil
		}
	}
	return nil, fmt.Errorf("%s: marker %s %w", mi, id, ErrNotFound)
}
