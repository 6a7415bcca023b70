// cmd/snapchain/readme.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

var readmeText = `

This document is an attempt to document the way that snapchain stores
reconstructed images in sufficient detail so that (if ever necessary), it's
possible to get at them even without the existing snapchain source code.
We'll proceed from the source snapshots to the images and markers built
from them.

# Lineages

A disk has a name and a generation token (a UUID) that changes whenever the
disk is deleted and recreated under the same name. The lineage of a disk is
its incremental snapshots from the current generation, ordered by creation
time, with ties broken by snapshot name. Full snapshots and snapshots from
earlier generations are never part of a lineage.

The image is built by copying the first snapshot of the lineage in full
and then, for each later snapshot, copying the regions that are occupied or
changed in it and zeroing the regions that were occupied in its predecessor
but aren't any more. A marker is committed after each snapshot is applied,
so marker i holds exactly the content of lineage element i.

# Disk backend

Everything lives under a single directory:

	catalog.db                   SQLite catalog
	snapshots/<name>.raw         sparse raw snapshot contents
	images/<name>.img            sparse destination images
	markers/<image>/<id>.img     sparse copy of the image at each marker
	markers/<image>/<id>.img.rs  optional Reed-Solomon sidecar

The .img and .raw files are plain disk images; regions that were never
written are holes and read as zeros. Marker IDs are version 7 UUIDs, so
sorting them sorts the markers by the time they were committed.

The catalog is an ordinary SQLite database with these tables:

	disks(name, unique_id, size)
	snapshots(name, created, incremental, disk_id, disk_unique_id, size, path)
	extents(snapshot, start, length)
	images(name, size)
	markers(id, image, created, size)
	journal(image, step, snapshot, marker, recorded)

Times are stored as nanoseconds since the Unix epoch. The extents table
lists the occupied regions of each snapshot in 512-byte pages. The journal
gives, for each image, the lineage elements that have been applied to it
and the marker that each one produced; "snapchain run" picks up after the
last recorded step.

# Reed-Solomon encoding

Marker files may have Reed-Solomon parity information stored in a .rs
file. The .rs files are based on the Go "gob" encoding package; a single gob
stream holds one header and then one segment for each NDataShards*HashRate
bytes of the file:

const HashSize = 64
type Hash [HashSize]byte

type Header struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	// Bytes in each shard of a segment.
	HashRate int
}

type Segment struct {
	Hashes []Hash // First the data hashes, then the parity hashes.
	Parity [][]byte
}

The last segment of the file is zero-padded. Hashes are SHAKE256 and let
corrupt shards be identified; the parity shards let up to NParityShards
corrupt shards in each segment be reconstructed.

# GCS backend

The bucket has object versioning enabled and holds:

	disks/<name>                    empty object; generation and size in metadata
	snapshots/<name>                raw snapshot contents; creation info in metadata
	snapshots/<name>.extents        gob-encoded extents, below
	images/<name>/header            empty object; image size in metadata
	images/<name>/blocks/<offset>   4 MiB blocks; offset in hex, missing blocks are zero
	images/<name>/markers/<id>      gob-encoded marker

The extents object stores

type Extents struct {
	Size     int64
	Occupied []struct{ Offset, Length int64 }
	// CRC32C (Castagnoli) of each 64 KiB unit holding non-zero bytes, by
	// offset. The final unit is zero-padded to the snapshot size.
	Sums map[int64]uint32
}

Units whose sums differ between two snapshots are copied even when their
occupied pages are unchanged.

A marker stores

type Marker struct {
	Size int64
	// Object generation of each stored block, by block offset.
	Blocks map[int64]int64
}

To read an image as of a marker, start with Size zero bytes and, for each
entry in Blocks, read that generation of the corresponding block object
into place.

`
