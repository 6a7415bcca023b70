// storage/catalog.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mmp/snapchain/extent"
	"github.com/mmp/snapchain/lineage"
	_ "modernc.org/sqlite"
)

// Catalog is the SQLite database kept by the disk backend. It records the
// source disks and their snapshots (including each snapshot's occupied
// extents), destination images, their commit markers, and the journal of
// pipeline steps that have been applied to each image.
type Catalog struct {
	db   *sql.DB
	path string
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS disks (
	name      TEXT PRIMARY KEY,
	unique_id TEXT NOT NULL,
	size      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	name           TEXT PRIMARY KEY,
	created        INTEGER NOT NULL,
	incremental    INTEGER NOT NULL,
	disk_id        TEXT NOT NULL,
	disk_unique_id TEXT NOT NULL,
	size           INTEGER NOT NULL,
	path           TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS extents (
	snapshot TEXT NOT NULL REFERENCES snapshots(name) ON DELETE CASCADE,
	start    INTEGER NOT NULL,
	length   INTEGER NOT NULL,
	PRIMARY KEY (snapshot, start)
);
CREATE TABLE IF NOT EXISTS images (
	name TEXT PRIMARY KEY,
	size INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS markers (
	id      TEXT PRIMARY KEY,
	image   TEXT NOT NULL REFERENCES images(name),
	created INTEGER NOT NULL,
	size    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS journal (
	image    TEXT NOT NULL,
	step     INTEGER NOT NULL,
	snapshot TEXT NOT NULL,
	marker   TEXT NOT NULL,
	recorded INTEGER NOT NULL,
	PRIMARY KEY (image, step)
);
`

var catalogPragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

// OpenCatalog opens (creating if necessary) the catalog database at path.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", path, err)
	}
	// Pragmas are per-connection; a single connection also serializes
	// writers, which SQLite wants anyway.
	db.SetMaxOpenConns(1)

	for _, p := range catalogPragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %s: %w", path, p, err)
		}
	}
	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: schema: %w", path, err)
	}
	return &Catalog{db: db, path: path}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) String() string {
	return "catalog: " + c.path
}

///////////////////////////////////////////////////////////////////////////
// Disks and snapshots

// PutDisk adds or replaces a disk.
func (c *Catalog) PutDisk(ctx context.Context, d lineage.Disk) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO disks (name, unique_id, size) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET unique_id = excluded.unique_id, size = excluded.size`,
		d.ID, d.UniqueID, d.Size)
	return err
}

func (c *Catalog) Disk(ctx context.Context, name string) (lineage.Disk, error) {
	d := lineage.Disk{ID: name}
	err := c.db.QueryRowContext(ctx, `SELECT unique_id, size FROM disks WHERE name = ?`,
		name).Scan(&d.UniqueID, &d.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("%s: disk %w", name, ErrNotFound)
	}
	return d, err
}

// PutSnapshot records a snapshot, the file holding its bytes and its
// occupied extents.
func (c *Catalog) PutSnapshot(ctx context.Context, ref lineage.SnapshotRef, path string,
	occupied []extent.Range) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (name, created, incremental, disk_id, disk_unique_id, size, path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ref.Name, ref.Created.UnixNano(), ref.Incremental, ref.SourceDiskID,
		ref.SourceDiskUniqueID, ref.Size, path)
	if err != nil {
		return fmt.Errorf("%s: %w", ref.Name, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO extents (snapshot, start, length) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range occupied {
		if _, err := stmt.ExecContext(ctx, ref.Name, r.Offset, r.Length); err != nil {
			return fmt.Errorf("%s: %s: %w", ref.Name, r, err)
		}
	}
	return tx.Commit()
}

func (c *Catalog) ListSnapshots(ctx context.Context) ([]lineage.SnapshotRef, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, created, incremental, disk_id, disk_unique_id, size
		 FROM snapshots ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []lineage.SnapshotRef
	for rows.Next() {
		var s lineage.SnapshotRef
		var created int64
		if err := rows.Scan(&s.Name, &created, &s.Incremental, &s.SourceDiskID,
			&s.SourceDiskUniqueID, &s.Size); err != nil {
			return nil, err
		}
		s.Created = time.Unix(0, created)
		refs = append(refs, s)
	}
	return refs, rows.Err()
}

// SnapshotPath returns the file that holds the named snapshot's bytes.
func (c *Catalog) SnapshotPath(ctx context.Context, name string) (string, error) {
	var path string
	err := c.db.QueryRowContext(ctx, `SELECT path FROM snapshots WHERE name = ?`,
		name).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: snapshot %w", name, ErrNotFound)
	}
	return path, err
}

// Occupied returns the snapshot's occupied extents in offset order.
func (c *Catalog) Occupied(ctx context.Context, name string) ([]extent.Range, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT start, length FROM extents WHERE snapshot = ? ORDER BY start`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rs []extent.Range
	for rows.Next() {
		var r extent.Range
		if err := rows.Scan(&r.Offset, &r.Length); err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, rows.Err()
}

///////////////////////////////////////////////////////////////////////////
// Images and markers

// Marker describes one committed point-in-time capture of an image.
type Marker struct {
	ID      string
	Image   string
	Created time.Time
	Size    int64
}

// EnsureImage adds an unprovisioned image if it isn't already present.
func (c *Catalog) EnsureImage(ctx context.Context, name string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO images (name, size) VALUES (?, 0) ON CONFLICT(name) DO NOTHING`, name)
	return err
}

func (c *Catalog) ImageSize(ctx context.Context, name string) (int64, error) {
	var size int64
	err := c.db.QueryRowContext(ctx, `SELECT size FROM images WHERE name = ?`,
		name).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s: image %w", name, ErrNotFound)
	}
	return size, err
}

// SetImageSize records the size of a newly provisioned image. It fails if
// the image has already been given a size.
func (c *Catalog) SetImageSize(ctx context.Context, name string, size int64) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE images SET size = ? WHERE name = ? AND size = 0`, size, name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%s: image missing or already sized", name)
	}
	return nil
}

func (c *Catalog) AddMarker(ctx context.Context, mk Marker) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO markers (id, image, created, size) VALUES (?, ?, ?, ?)`,
		mk.ID, mk.Image, mk.Created.UnixNano(), mk.Size)
	return err
}

// Markers returns the image's markers, oldest first.
func (c *Catalog) Markers(ctx context.Context, img string) ([]Marker, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, created, size FROM markers WHERE image = ? ORDER BY created, id`, img)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mks []Marker
	for rows.Next() {
		mk := Marker{Image: img}
		var created int64
		if err := rows.Scan(&mk.ID, &created, &mk.Size); err != nil {
			return nil, err
		}
		mk.Created = time.Unix(0, created)
		mks = append(mks, mk)
	}
	return mks, rows.Err()
}

///////////////////////////////////////////////////////////////////////////
// Journal

// Committed returns the names of the snapshots that have been applied to
// the image, in step order.
func (c *Catalog) Committed(ctx context.Context, img string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT snapshot FROM journal WHERE image = ? ORDER BY step`, img)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Record appends a step to the image's journal. Steps must be recorded in
// order.
func (c *Catalog) Record(ctx context.Context, img string, index int, snapshot, marker string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal WHERE image = ?`,
		img).Scan(&n); err != nil {
		return err
	}
	if n != index {
		return fmt.Errorf("%s: journal has %d steps, can't record step %d", img, n, index)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO journal (image, step, snapshot, marker, recorded) VALUES (?, ?, ?, ?, ?)`,
		img, index, snapshot, marker, time.Now().UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}
