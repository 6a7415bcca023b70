// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/mmp/snapchain/delta"
	"github.com/mmp/snapchain/extent"
	"github.com/mmp/snapchain/image"
	"github.com/mmp/snapchain/lineage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Images are stored as objects of this many bytes; blocks that are
// entirely zero aren't stored at all.
const gcsBlockSize = extent.MaxChunkSize

// V4 signed URLs can't be valid for longer than this.
const maxSignedURLTTL = 7 * 24 * time.Hour

// Snapshot contents are checksummed in units of this many bytes so that
// in-place rewrites show up in ChangedRanges.
const gcsSumSize = 64 * 1024

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string
	// Optional service account key file; application default credentials
	// are used otherwise.
	CredentialsFile string
	// Optional signing identity for read grants. When empty, the client
	// library finds one from the credentials.
	GoogleAccessID string
	PrivateKey     []byte
	// Optional JSON API endpoint, e.g. "http://localhost:4443/storage/v1/"
	// for an emulator. Requests to it aren't authenticated.
	Endpoint string

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

// GCS keeps source disks, snapshots and destination images in a Google
// Cloud Storage bucket:
//
//	disks/<name>                    empty object; generation and size in metadata
//	snapshots/<name>                raw snapshot contents; SnapshotRef in metadata
//	snapshots/<name>.extents        gob-encoded occupied extents and checksums
//	images/<name>/header            empty object; size in metadata
//	images/<name>/blocks/<offset>   4 MiB image blocks; missing blocks are zero
//	images/<name>/markers/<id>      gob-encoded generations of every block
//
// Read grants are V4 signed URLs for snapshot objects. The bucket has
// object versioning enabled so that the block generations a marker names
// stay readable after the blocks are overwritten.
type GCS struct {
	// Now returns the current time; time.Now is used if it's nil.
	Now func() time.Time

	client   *gcs.Client
	bucket   *gcs.BucketHandle
	options  GCSOptions
	upload   *Limiter
	download *Limiter
	http     *HTTPFetcher
}

func NewGCS(ctx context.Context, options GCSOptions) (*GCS, error) {
	var opts []option.ClientOption
	if options.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(options.CredentialsFile))
	}
	if options.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(options.Endpoint), option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	g := &GCS{
		client:   client,
		bucket:   client.Bucket(options.BucketName),
		options:  options,
		upload:   NewLimiter(options.MaxUploadBytesPerSecond),
		download: NewLimiter(options.MaxDownloadBytesPerSecond),
	}
	g.http = &HTTPFetcher{Limiter: g.download}
	return g, nil
}

func (g *GCS) String() string {
	return "gs://" + g.options.BucketName
}

func (g *GCS) Close() error {
	g.upload.Stop()
	g.download.Stop()
	return g.client.Close()
}

func (g *GCS) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// EnsureContainer creates the bucket if it doesn't exist and makes sure
// that object versioning is enabled.
func (g *GCS) EnsureContainer(ctx context.Context) error {
	attrs, err := g.bucket.Attrs(ctx)
	if err == gcs.ErrBucketNotExist {
		loc := g.options.Location
		if loc == "" {
			loc = "us-central1"
		}
		log.Verbose("%s: creating bucket @ %s", g.options.BucketName, loc)
		if g.options.ProjectId == "" {
			return fmt.Errorf("%s: project ID needed to create the bucket", g)
		}
		return g.bucket.Create(ctx, g.options.ProjectId,
			&gcs.BucketAttrs{Location: loc, VersioningEnabled: true})
	} else if err != nil {
		return gcsError(g.String(), err)
	}

	if !attrs.VersioningEnabled {
		log.Verbose("%s: enabling object versioning", g)
		_, err := g.bucket.Update(ctx, gcs.BucketAttrsToUpdate{VersioningEnabled: true})
		return gcsError(g.String(), err)
	}
	return nil
}

// gcsError classifies an error returned by the client library.
func gcsError(name string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var e *googleapi.Error
	if errors.As(err, &e) && e.Code == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %v: %w", name, err, ErrQuotaExceeded)
	}
	return fmt.Errorf("%s: %v: %w", name, err, ErrDestinationUnreachable)
}

func (g *GCS) writeObject(ctx context.Context, name string, metadata map[string]string,
	r io.Reader, conds *gcs.Conditions) error {
	obj := g.bucket.Object(name)
	if conds != nil {
		obj = obj.If(*conds)
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = metadata
	if _, err := io.Copy(w, g.upload.Reader(r)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

///////////////////////////////////////////////////////////////////////////
// Source disks and snapshots

func (g *GCS) CreateDisk(ctx context.Context, name string, size int64) (lineage.Disk, error) {
	if err := checkName(name); err != nil {
		return lineage.Disk{}, err
	}
	disk := lineage.Disk{ID: name, UniqueID: uuid.NewString(), Size: size}
	err := g.writeObject(ctx, "disks/"+name, diskMetadata(disk), bytes.NewReader(nil),
		&gcs.Conditions{DoesNotExist: true})
	var e *googleapi.Error
	if errors.As(err, &e) && e.Code == http.StatusPreconditionFailed {
		return lineage.Disk{}, fmt.Errorf("%s: disk %w", name, ErrExists)
	}
	return disk, gcsError(name, err)
}

func (g *GCS) RecreateDisk(ctx context.Context, name string) (lineage.Disk, error) {
	disk, err := g.Disk(ctx, name)
	if err != nil {
		return disk, err
	}
	disk.UniqueID = uuid.NewString()
	err = g.writeObject(ctx, "disks/"+name, diskMetadata(disk), bytes.NewReader(nil), nil)
	return disk, gcsError(name, err)
}

func diskMetadata(d lineage.Disk) map[string]string {
	return map[string]string{
		"unique-id": d.UniqueID,
		"size":      strconv.FormatInt(d.Size, 10),
	}
}

func (g *GCS) Disk(ctx context.Context, name string) (lineage.Disk, error) {
	attrs, err := g.bucket.Object("disks/" + name).Attrs(ctx)
	if err == gcs.ErrObjectNotExist {
		return lineage.Disk{}, fmt.Errorf("%s: disk %w", name, ErrNotFound)
	} else if err != nil {
		return lineage.Disk{}, gcsError(name, err)
	}
	size, err := strconv.ParseInt(attrs.Metadata["size"], 10, 64)
	if err != nil {
		return lineage.Disk{}, fmt.Errorf("%s: bad size metadata: %w", name, err)
	}
	return lineage.Disk{ID: name, UniqueID: attrs.Metadata["unique-id"], Size: size}, nil
}

// ImportSnapshot uploads the raw disk contents read from r as a new
// snapshot of the given disk, zero-extended to the disk's size, along with
// its occupied extents and the checksums of its non-zero units.
func (g *GCS) ImportSnapshot(ctx context.Context, disk, name string, r io.Reader,
	incremental bool) (lineage.SnapshotRef, error) {
	if err := checkName(name); err != nil {
		return lineage.SnapshotRef{}, err
	}
	dk, err := g.Disk(ctx, disk)
	if err != nil {
		return lineage.SnapshotRef{}, err
	}
	ref := lineage.SnapshotRef{
		Name:               name,
		Created:            g.now(),
		Incremental:        incremental,
		SourceDiskID:       dk.ID,
		SourceDiskUniqueID: dk.UniqueID,
		Size:               dk.Size,
	}

	// Scan for occupied pages as the bytes go by.
	sc := &scanningReader{R: io.LimitReader(r, dk.Size+1), Size: dk.Size}
	padded := io.MultiReader(sc, &zeroReader{sc: sc, size: dk.Size})
	obj := "snapshots/" + name
	err = g.writeObject(ctx, obj, snapshotMetadata(ref), padded, &gcs.Conditions{DoesNotExist: true})
	var e *googleapi.Error
	if errors.As(err, &e) && e.Code == http.StatusPreconditionFailed {
		return lineage.SnapshotRef{}, fmt.Errorf("%s: snapshot %w", name, ErrExists)
	} else if err != nil {
		return lineage.SnapshotRef{}, gcsError(name, err)
	}
	if sc.n > dk.Size {
		g.bucket.Object(obj).Delete(ctx)
		return lineage.SnapshotRef{}, fmt.Errorf("%s: more than %d bytes: %w", name, dk.Size,
			delta.ErrSizeMismatch)
	}

	ext := gcsExtents{Size: dk.Size, Occupied: sc.occupied, Sums: sc.sums}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ext); err != nil {
		return lineage.SnapshotRef{}, err
	}
	if err := g.writeObject(ctx, obj+".extents", nil, &buf, nil); err != nil {
		return lineage.SnapshotRef{}, gcsError(name, err)
	}
	log.Verbose("%s: uploaded %d bytes of %s, %d occupied ranges", name, sc.n, disk,
		len(sc.occupied))
	return ref, nil
}

// gcsExtents is the content of a snapshot's extents object.
type gcsExtents struct {
	Size     int64
	Occupied []extent.Range
	// CRC32C of each gcsSumSize unit holding non-zero bytes, by offset.
	Sums map[int64]uint32
}

// scanningReader records the non-zero pages of the bytes read through
// it, along with the checksums of the non-zero units.
type scanningReader struct {
	R io.Reader
	// Size is the length the stream is zero-extended to; the final
	// unit's checksum includes that padding.
	Size int64

	n        int64
	pending  []byte
	occupied []extent.Range

	sums        map[int64]uint32
	crc         uint32
	unitLen     int64
	unitNonZero bool
}

func (s *scanningReader) Read(b []byte) (int, error) {
	n, err := s.R.Read(b)
	s.pending = append(s.pending, b[:n]...)
	whole := len(s.pending) / PageSize * PageSize
	if err != nil {
		// Scan any partial final page too.
		whole = len(s.pending)
	}
	s.occupied = occupiedPages(s.occupied, s.pending[:whole], s.n)
	s.sum(s.pending[:whole])
	s.n += int64(whole)
	s.pending = append(s.pending[:0], s.pending[whole:]...)
	if err != nil {
		s.endUnit(s.n)
	}
	return n, err
}

// sum folds b, which starts at offset s.n, into the unit checksums.
func (s *scanningReader) sum(b []byte) {
	at := s.n
	for len(b) > 0 {
		n := gcsSumSize - at%gcsSumSize
		if n > int64(len(b)) {
			n = int64(len(b))
		}
		s.crc = crc32.Update(s.crc, castagnoliTable, b[:n])
		s.unitLen += n
		s.unitNonZero = s.unitNonZero || !isZero(b[:n])
		at += n
		b = b[n:]
		if at%gcsSumSize == 0 {
			s.endUnit(at)
		}
	}
}

func (s *scanningReader) endUnit(end int64) {
	if s.unitLen == 0 {
		return
	}
	start := end - s.unitLen
	if s.unitNonZero {
		crc := s.crc
		if pad := min64(start+gcsSumSize, s.Size) - end; pad > 0 {
			crc = crc32.Update(crc, castagnoliTable, make([]byte, pad))
		}
		if s.sums == nil {
			s.sums = make(map[int64]uint32)
		}
		s.sums[start] = crc
	}
	s.crc, s.unitLen, s.unitNonZero = 0, 0, false
}

// zeroReader supplies the zeros that extend a scanningReader's bytes to
// size.
type zeroReader struct {
	sc   *scanningReader
	size int64
	done int64
}

func (z *zeroReader) Read(b []byte) (int, error) {
	left := z.size - z.sc.n - z.done
	if left <= 0 {
		return 0, io.EOF
	}
	if int64(len(b)) > left {
		b = b[:left]
	}
	for i := range b {
		b[i] = 0
	}
	z.done += int64(len(b))
	return len(b), nil
}

func snapshotMetadata(s lineage.SnapshotRef) map[string]string {
	return map[string]string{
		"created":        s.Created.UTC().Format(time.RFC3339Nano),
		"incremental":    strconv.FormatBool(s.Incremental),
		"disk-id":        s.SourceDiskID,
		"disk-unique-id": s.SourceDiskUniqueID,
		"size":           strconv.FormatInt(s.Size, 10),
	}
}

func parseSnapshotMetadata(name string, md map[string]string) (lineage.SnapshotRef, error) {
	s := lineage.SnapshotRef{
		Name:               name,
		SourceDiskID:       md["disk-id"],
		SourceDiskUniqueID: md["disk-unique-id"],
	}
	var err error
	if s.Created, err = time.Parse(time.RFC3339Nano, md["created"]); err != nil {
		return s, err
	}
	if s.Incremental, err = strconv.ParseBool(md["incremental"]); err != nil {
		return s, err
	}
	s.Size, err = strconv.ParseInt(md["size"], 10, 64)
	return s, err
}

func (g *GCS) ListSnapshots(ctx context.Context) ([]lineage.SnapshotRef, error) {
	var refs []lineage.SnapshotRef
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: "snapshots/"})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, gcsError(g.String(), err)
		}
		if strings.HasSuffix(obj.Name, ".extents") {
			continue
		}

		name := strings.TrimPrefix(obj.Name, "snapshots/")
		s, err := parseSnapshotMetadata(name, obj.Metadata)
		if err != nil {
			log.Warning("%s: skipping snapshot with bad metadata: %s", name, err)
			continue
		}
		refs = append(refs, s)
	}
	return refs, nil
}

///////////////////////////////////////////////////////////////////////////
// Grants, Source and Fetcher

// GrantReadAccess returns a V4 signed URL for the snapshot's object. TTLs
// past the seven day limit of V4 signatures are shortened.
func (g *GCS) GrantReadAccess(ctx context.Context, snapshot string, ttl time.Duration) (lineage.Locator, error) {
	obj := "snapshots/" + snapshot
	if _, err := g.bucket.Object(obj).Attrs(ctx); err == gcs.ErrObjectNotExist {
		return "", fmt.Errorf("%s: snapshot %w", snapshot, ErrNotFound)
	} else if err != nil {
		return "", gcsError(snapshot, err)
	}

	if ttl > maxSignedURLTTL {
		log.Warning("%s: grant TTL %s shortened to %s", snapshot, ttl, maxSignedURLTTL)
		ttl = maxSignedURLTTL
	}
	u, err := g.bucket.SignedURL(obj, &gcs.SignedURLOptions{
		GoogleAccessID: g.options.GoogleAccessID,
		PrivateKey:     g.options.PrivateKey,
		Method:         http.MethodGet,
		Expires:        g.now().Add(ttl),
		Scheme:         gcs.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("%s: signing URL: %w", snapshot, err)
	}
	return lineage.Locator(u), nil
}

// signedURLObject returns the object named by a signed URL for this
// bucket, checking that the signature hasn't expired.
func (g *GCS) signedURLObject(loc lineage.Locator) (string, error) {
	l, err := url.Parse(string(loc))
	if err != nil || (l.Scheme != "https" && l.Scheme != "http") {
		return "", fmt.Errorf("%s: not a signed URL: %w", loc, delta.ErrSourceUnavailable)
	}

	q := l.Query()
	signed, err := time.Parse("20060102T150405Z", q.Get("X-Goog-Date"))
	if err != nil {
		return "", fmt.Errorf("%s: bad X-Goog-Date: %w", loc, delta.ErrSourceUnavailable)
	}
	secs, err := strconv.Atoi(q.Get("X-Goog-Expires"))
	if err != nil {
		return "", fmt.Errorf("%s: bad X-Goog-Expires: %w", loc, delta.ErrSourceUnavailable)
	}
	if expires := signed.Add(time.Duration(secs) * time.Second); !g.now().Before(expires) {
		return "", fmt.Errorf("signed URL expired at %s: %w", expires, delta.ErrSourceUnavailable)
	}

	// Path-style URLs name the bucket first; virtual-hosted ones put it
	// in the host.
	p := strings.TrimPrefix(l.Path, "/")
	if strings.HasPrefix(l.Host, g.options.BucketName+".") {
		return p, nil
	}
	if !strings.HasPrefix(p, g.options.BucketName+"/") {
		return "", fmt.Errorf("%s: not in bucket %s: %w", loc, g.options.BucketName,
			delta.ErrSourceUnavailable)
	}
	return strings.TrimPrefix(p, g.options.BucketName+"/"), nil
}

func (g *GCS) extents(ctx context.Context, loc lineage.Locator) (gcsExtents, error) {
	var ext gcsExtents
	obj, err := g.signedURLObject(loc)
	if err != nil {
		return ext, err
	}
	r, err := g.bucket.Object(obj + ".extents").NewReader(ctx)
	if err == gcs.ErrObjectNotExist {
		return ext, fmt.Errorf("%s: %w", obj, delta.ErrSourceUnavailable)
	} else if err != nil {
		return ext, gcsError(obj, err)
	}
	defer r.Close()

	if err := gob.NewDecoder(r).Decode(&ext); err != nil {
		return ext, fmt.Errorf("%s: extents: %w", obj, err)
	}
	return ext, nil
}

func (g *GCS) OccupiedRanges(ctx context.Context, loc lineage.Locator) ([]extent.Range, error) {
	ext, err := g.extents(ctx, loc)
	return ext.Occupied, err
}

var _ delta.Differ = (*GCS)(nil)

// ChangedRanges reports the checksum units whose content differs between
// the two snapshots. Units are coarser than pages, so unchanged bytes next
// to changed ones are reported too.
func (g *GCS) ChangedRanges(ctx context.Context, loc, base lineage.Locator) ([]extent.Range, error) {
	cur, err := g.extents(ctx, loc)
	if err != nil {
		return nil, err
	}
	prev, err := g.extents(ctx, base)
	if err != nil {
		return nil, err
	}
	if cur.Size != prev.Size {
		return nil, fmt.Errorf("%d and %d bytes: %w", cur.Size, prev.Size, delta.ErrSizeMismatch)
	}
	return changedUnits(prev, cur), nil
}

// changedUnits returns the units of b whose checksums differ from a's. A
// unit with no checksum is all zeros.
func changedUnits(a, b gcsExtents) []extent.Range {
	var rs []extent.Range
	add := func(off int64) {
		rs = append(rs, extent.Range{Offset: off, Length: min64(gcsSumSize, b.Size-off)})
	}
	for off, sa := range a.Sums {
		if sb, ok := b.Sums[off]; !ok || sa != sb {
			add(off)
		}
	}
	for off := range b.Sums {
		if _, ok := a.Sums[off]; !ok {
			add(off)
		}
	}
	return extent.Normalize(rs)
}

func (g *GCS) Fetch(ctx context.Context, loc lineage.Locator, offset, length int64) ([]byte, error) {
	if _, err := g.signedURLObject(loc); err != nil {
		return nil, err
	}
	return g.http.Fetch(ctx, loc, offset, length)
}

///////////////////////////////////////////////////////////////////////////
// Destination images

// GCSImage is an image.Destination stored as block objects. Copies and
// clears that touch part of a block read, modify and rewrite it while
// holding that block's lock.
type GCSImage struct {
	// Src supplies the bytes of CopyRange sources; the GCS backend that
	// created the image by default.
	Src Fetcher

	g    *GCS
	name string

	mu     sync.Mutex
	size   int64
	blocks map[int64]*sync.Mutex
}

// Image returns a handle to the named destination image. Images are
// created by Provision.
func (g *GCS) Image(name string) (*GCSImage, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return &GCSImage{Src: g, g: g, name: name, blocks: make(map[int64]*sync.Mutex)}, nil
}

func (gi *GCSImage) String() string {
	return "gs://" + gi.g.options.BucketName + "/images/" + gi.name
}

func (gi *GCSImage) object(p string) *gcs.ObjectHandle {
	return gi.g.bucket.Object(path.Join("images", gi.name, p))
}

func (gi *GCSImage) Size(ctx context.Context) (int64, error) {
	// The size never changes once it's been set.
	gi.mu.Lock()
	size := gi.size
	gi.mu.Unlock()
	if size != 0 {
		return size, nil
	}

	attrs, err := gi.object("header").Attrs(ctx)
	if err == gcs.ErrObjectNotExist {
		return 0, nil
	} else if err != nil {
		return 0, gcsError(gi.String(), err)
	}
	size, err = strconv.ParseInt(attrs.Metadata["size"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: bad size metadata: %w", gi, err)
	}

	gi.mu.Lock()
	gi.size = size
	gi.mu.Unlock()
	return size, nil
}

func (gi *GCSImage) Provision(ctx context.Context, size int64) error {
	if size <= 0 {
		return fmt.Errorf("%s: invalid size %d", gi, size)
	}
	w := gi.object("header").If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.Metadata = map[string]string{"size": strconv.FormatInt(size, 10)}
	err := w.Close()

	var e *googleapi.Error
	if errors.As(err, &e) && e.Code == http.StatusPreconditionFailed {
		return fmt.Errorf("%s: %w", gi, image.ErrAlreadyProvisioned)
	} else if err != nil {
		return gcsError(gi.String(), err)
	}

	gi.mu.Lock()
	gi.size = size
	gi.mu.Unlock()
	return nil
}

func (gi *GCSImage) blockLock(block int64) *sync.Mutex {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	l, ok := gi.blocks[block]
	if !ok {
		l = &sync.Mutex{}
		gi.blocks[block] = l
	}
	return l
}

func blockName(block int64) string {
	return fmt.Sprintf("blocks/%016x", block*gcsBlockSize)
}

func (gi *GCSImage) CopyRange(ctx context.Context, offset, length int64, src lineage.Locator, srcOffset int64) error {
	if err := gi.check(ctx, offset, length); err != nil {
		return err
	}
	b, err := gi.Src.Fetch(ctx, src, srcOffset, length)
	if err != nil {
		return err
	}
	return gi.update(ctx, offset, b)
}

func (gi *GCSImage) ClearRange(ctx context.Context, offset, length int64) error {
	if err := gi.check(ctx, offset, length); err != nil {
		return err
	}
	// Clear a block at a time so that huge holes don't need a huge
	// buffer.
	for length > 0 {
		n := gcsBlockSize - offset%gcsBlockSize
		if n > length {
			n = length
		}
		if err := gi.update(ctx, offset, make([]byte, n)); err != nil {
			return err
		}
		offset += n
		length -= n
	}
	return nil
}

func (gi *GCSImage) check(ctx context.Context, offset, length int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	size, err := gi.Size(ctx)
	if err != nil {
		return err
	}
	if size == 0 {
		return fmt.Errorf("%s: %w", gi, image.ErrNotProvisioned)
	}
	return checkRange(gi.name, offset, length, size)
}

// update writes b at offset, one block at a time.
func (gi *GCSImage) update(ctx context.Context, offset int64, b []byte) error {
	size, err := gi.Size(ctx)
	if err != nil {
		return err
	}

	for len(b) > 0 {
		block := offset / gcsBlockSize
		start := block * gcsBlockSize
		n := int64(len(b))
		if offset+n > start+gcsBlockSize {
			n = start + gcsBlockSize - offset
		}
		blockLen := min64(gcsBlockSize, size-start)

		if err := gi.updateBlock(ctx, block, blockLen, offset-start, b[:n]); err != nil {
			return err
		}
		offset += n
		b = b[n:]
	}
	return nil
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (gi *GCSImage) updateBlock(ctx context.Context, block, blockLen, at int64, b []byte) error {
	l := gi.blockLock(block)
	l.Lock()
	defer l.Unlock()

	obj := gi.object(blockName(block))
	buf := make([]byte, blockLen)
	if at != 0 || int64(len(b)) != blockLen {
		// Partial update; start from what's there.
		r, err := obj.NewReader(ctx)
		if err == nil {
			_, err = io.ReadFull(gi.g.download.Reader(r), buf)
			r.Close()
			if err == io.ErrUnexpectedEOF {
				err = fmt.Errorf("block %d is short", block)
			}
		}
		if err != nil && err != gcs.ErrObjectNotExist {
			return gcsError(gi.String(), err)
		}
	}
	copy(buf[at:], b)

	if isZero(buf) {
		err := obj.Delete(ctx)
		if err == gcs.ErrObjectNotExist {
			err = nil
		}
		return gcsError(gi.String(), err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, gi.g.upload.Reader(bytes.NewReader(buf))); err != nil {
		w.Close()
		return gcsError(gi.String(), err)
	}
	if err := w.Close(); err != nil {
		return gcsError(gi.String(), err)
	}

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is.
	if local, remote := crc32.Checksum(buf, castagnoliTable), w.Attrs().CRC32C; local != remote {
		return fmt.Errorf("%s: block %d: CRC32 checksum mismatch. Local: %d, GCS: %d: %w",
			gi, block, local, remote, ErrDestinationUnreachable)
	}
	return nil
}

// gcsMarker is the content of a marker object.
type gcsMarker struct {
	Size int64
	// Object generation of each stored block, by block offset.
	Blocks map[int64]int64
}

// CommitMarker records the current generation of every block. Since the
// bucket is versioned, those generations stay readable.
func (gi *GCSImage) CommitMarker(ctx context.Context) (string, error) {
	size, err := gi.Size(ctx)
	if err != nil {
		return "", err
	}
	if size == 0 {
		return "", fmt.Errorf("%s: %w", gi, image.ErrNotProvisioned)
	}

	mk := gcsMarker{Size: size, Blocks: make(map[int64]int64)}
	prefix := path.Join("images", gi.name, "blocks") + "/"
	it := gi.g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return "", gcsError(gi.String(), err)
		}
		off, err := strconv.ParseInt(strings.TrimPrefix(attrs.Name, prefix), 16, 64)
		if err != nil {
			log.Warning("%s: unexpected object", attrs.Name)
			continue
		}
		mk.Blocks[off] = attrs.Generation
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(mk); err != nil {
		return "", err
	}
	id := uuid.Must(uuid.NewV7()).String()
	if err := gi.g.writeObject(ctx, path.Join("images", gi.name, "markers", id), nil, &buf,
		&gcs.Conditions{DoesNotExist: true}); err != nil {
		return "", gcsError(gi.String(), err)
	}
	return id, nil
}

// Markers returns the image's markers, oldest first.
func (gi *GCSImage) Markers(ctx context.Context) ([]Marker, error) {
	var mks []Marker
	prefix := path.Join("images", gi.name, "markers") + "/"
	it := gi.g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, gcsError(gi.String(), err)
		}
		mks = append(mks, Marker{
			ID:      strings.TrimPrefix(attrs.Name, prefix),
			Image:   gi.name,
			Created: attrs.Created,
		})
	}
	// UUIDv7s sort by creation time.
	sort.Slice(mks, func(i, j int) bool { return mks[i].ID < mks[j].ID })
	return mks, nil
}
