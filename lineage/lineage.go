// lineage/lineage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package lineage orders the incremental snapshots of one disk generation
// into the chain that the rest of the pipeline walks.
package lineage

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrNoLineageFound = errors.New("no incremental snapshots found for disk")
	ErrBrokenLineage  = errors.New("snapshots do not form a lineage")
)

// Locator is a time-bounded capability that grants read access to one
// snapshot's bytes. Its form depends on the storage backend that issued
// it; the core treats it as opaque.
type Locator string

// Disk identifies the current generation of a source disk. UniqueID
// changes when a disk is deleted and recreated under the same ID.
type Disk struct {
	ID       string
	UniqueID string
	Size     int64
}

// SnapshotRef describes one point-in-time capture of a disk.
type SnapshotRef struct {
	Name               string
	Created            time.Time
	Incremental        bool
	SourceDiskID       string
	SourceDiskUniqueID string
	Size               int64
}

// BelongsTo reports whether the snapshot is an incremental capture of the
// given disk generation.
func (s SnapshotRef) BelongsTo(d Disk) bool {
	return s.Incremental && s.SourceDiskID == d.ID &&
		s.SourceDiskUniqueID == d.UniqueID
}

func (s SnapshotRef) String() string {
	return s.Name
}

// Lineage is the chronologically ordered chain of snapshots of one disk
// generation. Element 0 is the base; every other element is diffed against
// its predecessor.
type Lineage []SnapshotRef

// Resolve filters all down to the incremental snapshots of target and
// orders them by creation time, breaking ties by name.
func Resolve(all []SnapshotRef, target Disk) (Lineage, error) {
	var l Lineage
	for _, s := range all {
		if s.BelongsTo(target) {
			l = append(l, s)
		}
	}
	if len(l) == 0 {
		return nil, fmt.Errorf("%s: %w", target.ID, ErrNoLineageFound)
	}

	sort.SliceStable(l, func(i, j int) bool {
		return l.less(i, j)
	})
	return l, l.Validate()
}

func (l Lineage) less(i, j int) bool {
	if !l[i].Created.Equal(l[j].Created) {
		return l[i].Created.Before(l[j].Created)
	}
	return l[i].Name < l[j].Name
}

// Validate checks that l is non-empty, strictly ordered and that all of
// its elements come from the same disk generation.
func (l Lineage) Validate() error {
	if len(l) == 0 {
		return ErrNoLineageFound
	}
	for i, s := range l {
		if !s.Incremental {
			return fmt.Errorf("%s: not incremental: %w", s.Name, ErrBrokenLineage)
		}
		if s.SourceDiskID != l[0].SourceDiskID ||
			s.SourceDiskUniqueID != l[0].SourceDiskUniqueID {
			return fmt.Errorf("%s: from a different disk generation than %s: %w",
				s.Name, l[0].Name, ErrBrokenLineage)
		}
		if i > 0 && !l.less(i-1, i) {
			return fmt.Errorf("%s: not after %s: %w", s.Name, l[i-1].Name,
				ErrBrokenLineage)
		}
	}
	return nil
}

// Base returns the snapshot that is copied in full.
func (l Lineage) Base() SnapshotRef {
	return l[0]
}

// Names returns the snapshot names in order.
func (l Lineage) Names() []string {
	names := make([]string, len(l))
	for i, s := range l {
		names[i] = s.Name
	}
	return names
}
