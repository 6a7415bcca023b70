// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mmp/snapchain/delta"
	"github.com/mmp/snapchain/extent"
	"github.com/mmp/snapchain/image"
	"github.com/mmp/snapchain/lineage"
	"github.com/mmp/snapchain/rdso"
)

// Reed-Solomon parameters for marker sidecars; the same defaults as the
// rdso tool.
const (
	DefaultDataShards   = 17
	DefaultParityShards = 3
	parityHashRate      = 1024 * 1024
)

// Disk is a backend that keeps everything under a local directory:
//
//	catalog.db               SQLite catalog (see Catalog)
//	snapshots/<name>.raw     sparse raw snapshot contents
//	images/<name>.img        sparse destination images
//	markers/<image>/<id>.img sparse copies of an image at each marker
//	markers/<image>/<id>.img.rs  optional Reed-Solomon sidecar
//
// Snapshot locators are file:// URLs that carry the snapshot name and an
// expiration time.
type Disk struct {
	// Now returns the current time; time.Now is used if it's nil.
	Now func() time.Time
	// If ParityShards is non-zero, each committed marker gets a
	// Reed-Solomon sidecar with the given numbers of shards.
	DataShards, ParityShards int

	root string
	cat  *Catalog
}

// NewDisk returns a Disk backend rooted at the given directory, which is
// created if necessary.
func NewDisk(root string) (*Disk, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{"snapshots", "images", "markers"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0700); err != nil {
			return nil, err
		}
	}
	cat, err := OpenCatalog(filepath.Join(root, "catalog.db"))
	if err != nil {
		return nil, err
	}
	return &Disk{root: root, cat: cat, DataShards: DefaultDataShards}, nil
}

func (d *Disk) String() string {
	return "disk: " + d.root
}

func (d *Disk) Close() error {
	return d.cat.Close()
}

// Catalog returns the backend's catalog; it also serves as the run
// journal for images stored here.
func (d *Disk) Catalog() *Catalog {
	return d.cat
}

func (d *Disk) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Names of disks, snapshots and images become file names.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%q: invalid name", name)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Source disks and snapshots

func (d *Disk) CreateDisk(ctx context.Context, name string, size int64) (lineage.Disk, error) {
	if err := checkName(name); err != nil {
		return lineage.Disk{}, err
	}
	if size <= 0 {
		return lineage.Disk{}, fmt.Errorf("%s: invalid size %d", name, size)
	}
	if _, err := d.cat.Disk(ctx, name); err == nil {
		return lineage.Disk{}, fmt.Errorf("%s: disk %w", name, ErrExists)
	} else if !errors.Is(err, ErrNotFound) {
		return lineage.Disk{}, err
	}

	disk := lineage.Disk{ID: name, UniqueID: uuid.NewString(), Size: size}
	return disk, d.cat.PutDisk(ctx, disk)
}

// RecreateDisk gives the disk a new generation token; snapshots imported
// earlier no longer belong to it.
func (d *Disk) RecreateDisk(ctx context.Context, name string) (lineage.Disk, error) {
	disk, err := d.cat.Disk(ctx, name)
	if err != nil {
		return disk, err
	}
	disk.UniqueID = uuid.NewString()
	return disk, d.cat.PutDisk(ctx, disk)
}

func (d *Disk) Disk(ctx context.Context, name string) (lineage.Disk, error) {
	return d.cat.Disk(ctx, name)
}

func (d *Disk) ListSnapshots(ctx context.Context) ([]lineage.SnapshotRef, error) {
	return d.cat.ListSnapshots(ctx)
}

// ImportSnapshot stores the raw disk contents read from r as a new
// snapshot of the given disk. Only non-zero pages are written, so the
// snapshot file is sparse, and those pages are recorded as the snapshot's
// occupied extents. Contents shorter than the disk are zero-extended.
func (d *Disk) ImportSnapshot(ctx context.Context, disk, name string, r io.Reader,
	incremental bool) (lineage.SnapshotRef, error) {
	if err := checkName(name); err != nil {
		return lineage.SnapshotRef{}, err
	}
	dk, err := d.cat.Disk(ctx, disk)
	if err != nil {
		return lineage.SnapshotRef{}, err
	}

	path := filepath.Join(d.root, "snapshots", name+".raw")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			err = fmt.Errorf("%s: snapshot %w", name, ErrExists)
		}
		return lineage.SnapshotRef{}, err
	}
	fail := func(err error) (lineage.SnapshotRef, error) {
		f.Close()
		os.Remove(path)
		return lineage.SnapshotRef{}, err
	}

	occupied, n, err := copySparse(ctx, f, r, dk.Size)
	if err != nil {
		return fail(fmt.Errorf("%s: %w", name, err))
	}
	if err := f.Truncate(dk.Size); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return lineage.SnapshotRef{}, err
	}

	ref := lineage.SnapshotRef{
		Name:               name,
		Created:            d.now(),
		Incremental:        incremental,
		SourceDiskID:       dk.ID,
		SourceDiskUniqueID: dk.UniqueID,
		Size:               dk.Size,
	}
	if err := d.cat.PutSnapshot(ctx, ref, path, occupied); err != nil {
		os.Remove(path)
		return lineage.SnapshotRef{}, err
	}
	log.Verbose("%s: imported %d bytes from %s, %d occupied ranges", name, n, disk,
		len(occupied))
	return ref, nil
}

// copySparse copies at most limit bytes from r to w, writing only the
// non-zero pages. It returns the ranges written and the number of bytes
// read.
func copySparse(ctx context.Context, w io.WriterAt, r io.Reader, limit int64) ([]extent.Range, int64, error) {
	var occupied []extent.Range
	buf := make([]byte, scanBlockSize)
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, offset, err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if offset+int64(n) > limit {
				return nil, offset, fmt.Errorf("more than %d bytes: %w", limit,
					delta.ErrSizeMismatch)
			}
			for _, o := range occupiedPages(nil, buf[:n], offset) {
				if _, err := w.WriteAt(buf[o.Offset-offset:o.End()-offset], o.Offset); err != nil {
					return nil, offset, err
				}
				occupied = appendRange(occupied, o.Offset, o.Length)
			}
			offset += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return occupied, offset, nil
		} else if err != nil {
			return nil, offset, err
		}
	}
}

///////////////////////////////////////////////////////////////////////////
// Grants, Source and Fetcher

// GrantReadAccess returns a file:// locator for the snapshot that stops
// working after ttl.
func (d *Disk) GrantReadAccess(ctx context.Context, snapshot string, ttl time.Duration) (lineage.Locator, error) {
	path, err := d.cat.SnapshotPath(ctx, snapshot)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("snapshot", snapshot)
	q.Set("expires", strconv.FormatInt(d.now().Add(ttl).Unix(), 10))
	l := url.URL{Scheme: "file", Path: path, RawQuery: q.Encode()}
	return lineage.Locator(l.String()), nil
}

// resolve checks the locator's grant and returns the snapshot's name and
// file.
func (d *Disk) resolve(ctx context.Context, loc lineage.Locator) (string, string, error) {
	l, err := url.Parse(string(loc))
	if err != nil || l.Scheme != "file" {
		return "", "", fmt.Errorf("%s: not a file locator: %w", loc, delta.ErrSourceUnavailable)
	}
	name := l.Query().Get("snapshot")
	expires, err := strconv.ParseInt(l.Query().Get("expires"), 10, 64)
	if err != nil {
		return "", "", fmt.Errorf("%s: malformed expiration: %w", loc, delta.ErrSourceUnavailable)
	}
	if d.now().Unix() >= expires {
		return "", "", fmt.Errorf("%s: grant expired at %s: %w", name,
			time.Unix(expires, 0), delta.ErrSourceUnavailable)
	}

	path, err := d.cat.SnapshotPath(ctx, name)
	if errors.Is(err, ErrNotFound) || (err == nil && path != l.Path) {
		return "", "", fmt.Errorf("%s: %w", loc, delta.ErrSourceUnavailable)
	} else if err != nil {
		return "", "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", "", fmt.Errorf("%s: %v: %w", name, err, delta.ErrSourceUnavailable)
	}
	return name, path, nil
}

func (d *Disk) OccupiedRanges(ctx context.Context, loc lineage.Locator) ([]extent.Range, error) {
	name, _, err := d.resolve(ctx, loc)
	if err != nil {
		return nil, err
	}
	return d.cat.Occupied(ctx, name)
}

// ChangedRanges compares the two snapshot files page by page.
func (d *Disk) ChangedRanges(ctx context.Context, loc, base lineage.Locator) ([]extent.Range, error) {
	_, curPath, err := d.resolve(ctx, loc)
	if err != nil {
		return nil, err
	}
	_, basePath, err := d.resolve(ctx, base)
	if err != nil {
		return nil, err
	}

	cur, err := os.Open(curPath)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	prev, err := os.Open(basePath)
	if err != nil {
		return nil, err
	}
	defer prev.Close()

	ci, err := cur.Stat()
	if err != nil {
		return nil, err
	}
	pi, err := prev.Stat()
	if err != nil {
		return nil, err
	}
	if ci.Size() != pi.Size() {
		return nil, fmt.Errorf("%s, %s: %w", curPath, basePath, delta.ErrSizeMismatch)
	}

	var changed []extent.Range
	a, b := make([]byte, scanBlockSize), make([]byte, scanBlockSize)
	for offset := int64(0); offset < ci.Size(); offset += scanBlockSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := int64(scanBlockSize)
		if offset+n > ci.Size() {
			n = ci.Size() - offset
		}
		if _, err := prev.ReadAt(a[:n], offset); err != nil {
			return nil, err
		}
		if _, err := cur.ReadAt(b[:n], offset); err != nil {
			return nil, err
		}
		changed = differentPages(changed, a[:n], b[:n], offset)
	}
	return changed, nil
}

func (d *Disk) Fetch(ctx context.Context, loc lineage.Locator, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, path, err := d.resolve(ctx, loc)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", name, err, delta.ErrSourceUnavailable)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if err := checkRange(name, offset, length, fi.Size()); err != nil {
		return nil, err
	}

	b := make([]byte, length)
	if _, err := f.ReadAt(b, offset); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}

///////////////////////////////////////////////////////////////////////////
// Destination images

// DiskImage is an image.Destination stored as a sparse file.
type DiskImage struct {
	// Src supplies the bytes of CopyRange sources; the Disk that created
	// the image by default.
	Src Fetcher

	d    *Disk
	name string
	path string
}

// Image returns the named destination image, adding it to the catalog if
// it isn't there yet.
func (d *Disk) Image(ctx context.Context, name string) (*DiskImage, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if err := d.cat.EnsureImage(ctx, name); err != nil {
		return nil, err
	}
	return &DiskImage{
		Src:  d,
		d:    d,
		name: name,
		path: filepath.Join(d.root, "images", name+".img"),
	}, nil
}

func (di *DiskImage) String() string {
	return "disk image " + di.name
}

func (di *DiskImage) Size(ctx context.Context) (int64, error) {
	return di.d.cat.ImageSize(ctx, di.name)
}

func (di *DiskImage) Provision(ctx context.Context, size int64) error {
	cur, err := di.Size(ctx)
	if err != nil {
		return err
	}
	if cur != 0 {
		return fmt.Errorf("%s: %w", di, image.ErrAlreadyProvisioned)
	}
	if size <= 0 {
		return fmt.Errorf("%s: invalid size %d", di, size)
	}

	// Any leftovers from an earlier failed provisioning are discarded.
	f, err := os.OpenFile(di.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return writeError(di.name, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return writeError(di.name, err)
	}
	if err := f.Close(); err != nil {
		return writeError(di.name, err)
	}
	return di.d.cat.SetImageSize(ctx, di.name, size)
}

func (di *DiskImage) open(ctx context.Context, offset, length int64) (*os.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size, err := di.Size(ctx)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%s: %w", di, image.ErrNotProvisioned)
	}
	if err := checkRange(di.name, offset, length, size); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(di.path, os.O_WRONLY, 0600)
	if err != nil {
		return nil, writeError(di.name, err)
	}
	return f, nil
}

func (di *DiskImage) CopyRange(ctx context.Context, offset, length int64, src lineage.Locator, srcOffset int64) error {
	f, err := di.open(ctx, offset, length)
	if err != nil {
		return err
	}
	defer f.Close()

	b, err := di.Src.Fetch(ctx, src, srcOffset, length)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(b, offset); err != nil {
		return writeError(di.name, err)
	}
	return nil
}

func (di *DiskImage) ClearRange(ctx context.Context, offset, length int64) error {
	f, err := di.open(ctx, offset, length)
	if err != nil {
		return err
	}
	defer f.Close()

	zeros := make([]byte, min64(length, scanBlockSize))
	for length > 0 {
		n := min64(length, int64(len(zeros)))
		if _, err := f.WriteAt(zeros[:n], offset); err != nil {
			return writeError(di.name, err)
		}
		offset += n
		length -= n
	}
	return nil
}

// CommitMarker saves a sparse copy of the image under markers/ and, if
// configured, protects it with a Reed-Solomon sidecar.
func (di *DiskImage) CommitMarker(ctx context.Context) (string, error) {
	size, err := di.Size(ctx)
	if err != nil {
		return "", err
	}
	if size == 0 {
		return "", fmt.Errorf("%s: %w", di, image.ErrNotProvisioned)
	}

	id := uuid.Must(uuid.NewV7()).String()
	dir := filepath.Join(di.d.root, "markers", di.name)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", writeError(di.name, err)
	}
	path := filepath.Join(dir, id+".img")

	if err := di.snapshotTo(ctx, path, size); err != nil {
		os.Remove(path)
		return "", err
	}
	if di.d.ParityShards > 0 {
		if err := rdso.EncodeFile(path, path+".rs", di.d.DataShards, di.d.ParityShards,
			parityHashRate); err != nil {
			os.Remove(path)
			return "", writeError(di.name, err)
		}
	}

	mk := Marker{ID: id, Image: di.name, Created: di.d.now(), Size: size}
	if err := di.d.cat.AddMarker(ctx, mk); err != nil {
		os.Remove(path)
		os.Remove(path + ".rs")
		return "", err
	}
	return id, nil
}

func (di *DiskImage) snapshotTo(ctx context.Context, path string, size int64) error {
	in, err := os.Open(di.path)
	if err != nil {
		return writeError(di.name, err)
	}
	defer in.Close()
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0400)
	if err != nil {
		return writeError(di.name, err)
	}

	if _, _, err := copySparse(ctx, out, in, size); err != nil {
		out.Close()
		return writeError(di.name, err)
	}
	if err := out.Truncate(size); err != nil {
		out.Close()
		return writeError(di.name, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return writeError(di.name, err)
	}
	return out.Close()
}

// Markers returns the image's committed markers, oldest first.
func (di *DiskImage) Markers(ctx context.Context) ([]Marker, error) {
	return di.d.cat.Markers(ctx, di.name)
}

// Path returns the file holding the image's current content.
func (di *DiskImage) Path() string {
	return di.path
}

// MarkerPath returns the file holding the given marker's content.
func (di *DiskImage) MarkerPath(id string) string {
	return filepath.Join(di.d.root, "markers", di.name, id+".img")
}

// writeError classifies a local write failure.
func writeError(name string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%s: %v: %w", name, err, ErrQuotaExceeded)
	}
	return fmt.Errorf("%s: %v: %w", name, err, ErrDestinationUnreachable)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

///////////////////////////////////////////////////////////////////////////
// Marker integrity

// CheckMarkers verifies every marker that has a Reed-Solomon sidecar,
// repairing corrupt ones if repair is set. It returns the number of
// markers that were found to be corrupt.
func (d *Disk) CheckMarkers(repair bool) (int, error) {
	nBad := 0
	err := filepath.Walk(filepath.Join(d.root, "markers"),
		func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !strings.HasSuffix(path, ".img") {
				return nil
			}
			rsPath := path + ".rs"
			if _, err := os.Stat(rsPath); os.IsNotExist(err) {
				log.Debug("%s: no Reed-Solomon sidecar", path)
				return nil
			}

			err = rdso.CheckFile(path, rsPath, log)
			if err == nil {
				return nil
			} else if !errors.Is(err, rdso.ErrFileCorrupt) {
				return err
			}
			nBad++
			if !repair {
				return nil
			}

			if err := rdso.RestoreFile(path, rsPath, log); err != nil {
				return err
			}
			log.Verbose("%s: restored", path)
			// Markers are kept read-only.
			return os.Chmod(path, 0400)
		})
	return nBad, err
}
