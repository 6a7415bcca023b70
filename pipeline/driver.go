// pipeline/driver.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package pipeline drives the reconstruction of a destination image from
// a disk's snapshot lineage: the base snapshot is copied in full and each
// later snapshot is applied as a delta against its predecessor, with a
// commit marker after every step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmp/snapchain/delta"
	"github.com/mmp/snapchain/extent"
	"github.com/mmp/snapchain/image"
	"github.com/mmp/snapchain/lineage"
	u "github.com/mmp/snapchain/util"
)

var (
	ErrPipelineCancelled = errors.New("pipeline cancelled")
	// ErrJournalMismatch is returned when the steps recorded for an image
	// aren't a prefix of the disk's current lineage.
	ErrJournalMismatch = errors.New("journal doesn't match lineage")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Collaborators

// Catalog enumerates snapshots and disks and hands out read access to
// individual snapshots.
type Catalog interface {
	ListSnapshots(ctx context.Context) ([]lineage.SnapshotRef, error)
	Disk(ctx context.Context, name string) (lineage.Disk, error)
	GrantReadAccess(ctx context.Context, snapshot string, ttl time.Duration) (lineage.Locator, error)
}

// Journal durably records the steps that have been applied to each image
// so that an interrupted run can pick up where it left off.
type Journal interface {
	// Committed returns the names of the snapshots applied to the image,
	// in lineage order.
	Committed(ctx context.Context, image string) ([]string, error)
	// Record notes that the index'th lineage element was applied,
	// producing the given marker.
	Record(ctx context.Context, image string, index int, snapshot, marker string) error
}

type Deps struct {
	Catalog Catalog
	Source  delta.Source
	Dest    image.Destination
	// Journal is optional; without one every run starts from the base.
	Journal Journal
	// Progress is optional.
	Progress *u.Progress
}

///////////////////////////////////////////////////////////////////////////
// State

type State int

const (
	Init State = iota
	ResolvingLineage
	ApplyingBase
	ApplyingDelta
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case ResolvingLineage:
		return "resolving lineage"
	case ApplyingBase:
		return "applying base"
	case ApplyingDelta:
		return "applying delta"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StepError reports the lineage element being processed when a run
// failed. Index is -1 for failures before the first step.
type StepError struct {
	Index    int
	Snapshot string
	State    State
	Err      error
}

func (e *StepError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", e.State, e.Err)
	}
	return fmt.Sprintf("step %d (%s), %s: %s", e.Index, e.Snapshot, e.State, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Step describes one lineage element applied during a run.
type Step struct {
	Index        int
	Snapshot     string
	Marker       string
	BytesCopied  int64
	BytesCleared int64
	Ops          int
}

type Report struct {
	Lineage lineage.Lineage
	// Resumed is the number of lineage elements found already applied
	// in the journal.
	Resumed int
	Steps   []Step
	State   State
}

func (r *Report) BytesCopied() int64 {
	var n int64
	for _, s := range r.Steps {
		n += s.BytesCopied
	}
	return n
}

func (r *Report) BytesCleared() int64 {
	var n int64
	for _, s := range r.Steps {
		n += s.BytesCleared
	}
	return n
}

///////////////////////////////////////////////////////////////////////////
// Driver

// Driver runs one pipeline. Only one Driver may work on a given
// destination image at a time.
type Driver struct {
	cfg    Config
	deps   Deps
	writer *image.Writer

	mu    sync.Mutex
	state State
}

func New(cfg Config, deps Deps) *Driver {
	return &Driver{
		cfg:  cfg,
		deps: deps,
		writer: &image.Writer{
			ChunkSize:      cfg.ChunkSize,
			ClearChunkSize: cfg.ClearChunkSize,
			Concurrency:    cfg.Concurrency,
			Progress:       deps.Progress,
		},
	}
}

// State returns the driver's current state; it's safe to call while Run
// is in progress.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

// Run applies every not yet applied element of the configured disk's
// lineage to the destination image, in order. The returned report is
// non-nil even when an error is returned; the error is always a
// *StepError. A failed or cancelled step isn't rolled back; running again
// with a Journal re-applies it in full.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	fail := func(index int, snapshot string, err error) (*Report, error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrPipelineCancelled, err)
		}
		state := d.State()
		d.setState(Failed)
		report.State = Failed
		log.Error("%s: %s", d.cfg.Image, err)
		return report, &StepError{Index: index, Snapshot: snapshot, State: state, Err: err}
	}

	if err := d.cfg.Validate(); err != nil {
		return fail(-1, "", err)
	}
	d.setState(Init)

	d.setState(ResolvingLineage)
	lin, err := d.resolve(ctx)
	if err != nil {
		return fail(-1, "", err)
	}
	report.Lineage = lin
	log.Verbose("%s: lineage of %s has %d snapshots", d.cfg.Image, d.cfg.Disk, len(lin))

	start, err := d.resume(ctx, lin)
	if err != nil {
		return fail(-1, "", err)
	}
	report.Resumed = start

	var prev delta.Snapshot
	if start > 0 {
		// Picking up after an earlier run; the last applied snapshot is
		// the next diff base and needs a fresh grant.
		ref := lin[start-1]
		loc, err := d.deps.Catalog.GrantReadAccess(ctx, ref.Name, d.cfg.GrantTTL)
		if err != nil {
			return fail(start-1, ref.Name, err)
		}
		prev = delta.Snapshot{Ref: ref, Locator: loc}
		log.Verbose("%s: resuming after %s (%d of %d applied)", d.cfg.Image,
			ref.Name, start, len(lin))
	}

	for i := start; i < len(lin); i++ {
		ref := lin[i]
		if i == 0 {
			d.setState(ApplyingBase)
		} else {
			d.setState(ApplyingDelta)
		}
		if err := ctx.Err(); err != nil {
			return fail(i, ref.Name, err)
		}

		cur, step, err := d.apply(ctx, i, prev, ref)
		if err != nil {
			return fail(i, ref.Name, err)
		}
		if d.deps.Journal != nil {
			if err := d.deps.Journal.Record(ctx, d.cfg.Image, i, ref.Name, step.Marker); err != nil {
				return fail(i, ref.Name, fmt.Errorf("journal: %w", err))
			}
		}
		report.Steps = append(report.Steps, step)
		prev = cur
	}

	d.setState(Done)
	report.State = Done
	log.Verbose("%s: done; %d steps applied (%s copied, %s cleared)", d.cfg.Image,
		len(report.Steps), u.FmtBytes(report.BytesCopied()), u.FmtBytes(report.BytesCleared()))
	return report, nil
}

func (d *Driver) resolve(ctx context.Context) (lineage.Lineage, error) {
	disk, err := d.deps.Catalog.Disk(ctx, d.cfg.Disk)
	if err != nil {
		return nil, err
	}
	all, err := d.deps.Catalog.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	return lineage.Resolve(all, disk)
}

// resume returns the index of the first lineage element that hasn't been
// applied to the image yet.
func (d *Driver) resume(ctx context.Context, lin lineage.Lineage) (int, error) {
	if d.deps.Journal == nil {
		return 0, nil
	}
	done, err := d.deps.Journal.Committed(ctx, d.cfg.Image)
	if err != nil {
		return 0, fmt.Errorf("journal: %w", err)
	}
	if len(done) > len(lin) {
		return 0, fmt.Errorf("%s: %d steps recorded, lineage has %d: %w", d.cfg.Image,
			len(done), len(lin), ErrJournalMismatch)
	}
	for i, name := range done {
		if lin[i].Name != name {
			return 0, fmt.Errorf("%s: step %d recorded as %s, lineage has %s: %w",
				d.cfg.Image, i, name, lin[i].Name, ErrJournalMismatch)
		}
	}
	return len(done), nil
}

// apply grants access to ref, computes its range set against prev (or in
// full for the base) and writes it to the destination.
func (d *Driver) apply(ctx context.Context, index int, prev delta.Snapshot,
	ref lineage.SnapshotRef) (delta.Snapshot, Step, error) {
	loc, err := d.deps.Catalog.GrantReadAccess(ctx, ref.Name, d.cfg.GrantTTL)
	if err != nil {
		return delta.Snapshot{}, Step{}, err
	}
	cur := delta.Snapshot{Ref: ref, Locator: loc}

	var stats image.Stats
	if index == 0 {
		set, err := delta.Full(ctx, d.deps.Source, cur)
		if err != nil {
			return cur, Step{}, err
		}
		log.Verbose("%s: base %s, %s of data", d.cfg.Image, ref.Name,
			u.FmtBytes(set.Bytes(extent.Data)))
		size, err := d.deps.Dest.Size(ctx)
		if err != nil {
			return cur, Step{}, err
		}
		if size != 0 && d.deps.Journal != nil {
			// Nothing is recorded, so an earlier run provisioned the
			// image but didn't finish the base.
			log.Warning("%s: base %s was partially applied; copying it again",
				d.deps.Dest, ref.Name)
			stats, err = d.writer.ResumeFull(ctx, d.deps.Dest, set)
		} else {
			stats, err = d.writer.ApplyFull(ctx, d.deps.Dest, set)
		}
		if err != nil {
			return cur, Step{}, err
		}
	} else {
		set, err := delta.Incremental(ctx, d.deps.Source, prev, cur)
		if err != nil {
			return cur, Step{}, err
		}
		log.Verbose("%s: delta %s -> %s, %s changed, %s cleared", d.cfg.Image,
			prev.Ref.Name, ref.Name, u.FmtBytes(set.Bytes(extent.Data)),
			u.FmtBytes(set.Bytes(extent.Hole)))
		stats, err = d.writer.ApplyIncremental(ctx, d.deps.Dest, set)
		if err != nil {
			return cur, Step{}, err
		}
	}

	return cur, Step{
		Index:        index,
		Snapshot:     ref.Name,
		Marker:       stats.Marker,
		BytesCopied:  stats.BytesCopied,
		BytesCleared: stats.BytesCleared,
		Ops:          stats.Ops,
	}, nil
}
