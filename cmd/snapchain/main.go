// cmd/snapchain/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Tool to rebuild a disk image, with a commit marker per snapshot, from
// the incremental snapshots of a source disk.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/mmp/snapchain/image"
	"github.com/mmp/snapchain/pipeline"
	"github.com/mmp/snapchain/storage"
	u "github.com/mmp/snapchain/util"
)

var log *u.Logger

func usage() {
	fmt.Printf("usage: snapchain run --config <file.yaml> [--disk d] [--image i] [-v] [--debug]\n")
	fmt.Printf("usage: snapchain import <--config <file.yaml>,--root <dir>> --disk d --snapshot s [--full] [--size n] <file>\n")
	fmt.Printf("usage: snapchain recreate <--config <file.yaml>,--root <dir>> --disk d\n")
	fmt.Printf("usage: snapchain markers <--config <file.yaml>,--root <dir>> --image i\n")
	fmt.Printf("usage: snapchain <verify,repair> <--config <file.yaml>,--root <dir>>\n")
	fmt.Printf("import and recreate work on the configuration's source, the others on its destination.\n")
	fmt.Printf("usage: snapchain readme\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	log = u.NewLogger(false /*verbose*/, false /*debug*/)
	setLoggers()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		run(ctx, args)
	case "import":
		importSnapshot(ctx, args)
	case "recreate":
		recreate(ctx, args)
	case "markers":
		markers(ctx, args)
	case "verify":
		checkMarkers(ctx, "verify", args, false)
	case "repair":
		checkMarkers(ctx, "repair", args, true)
	case "readme":
		fmt.Print(readmeText)
	default:
		usage()
	}
}

func setLoggers() {
	storage.SetLogger(log)
	image.SetLogger(log)
	pipeline.SetLogger(log)
}

// flags returns a FlagSet with the options every command takes.
func flags(name string) (*flag.FlagSet, func(args []string)) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	verbose := fs.Bool("v", false, "verbose output")
	debug := fs.Bool("debug", false, "debugging output")
	return fs, func(args []string) {
		if err := fs.Parse(args); err != nil {
			os.Exit(1)
		}
		log = u.NewLogger(*verbose || *debug, *debug)
		setLoggers()
	}
}

// open returns the backend selected by bf.
func open(ctx context.Context, bf backendFlags, dest bool) backend {
	b, err := bf.backendConfig(dest)
	if err != nil {
		log.Fatal("%s", err)
	}
	be, err := openBackend(ctx, b)
	log.CheckError(err, "%s", err)
	return be
}

///////////////////////////////////////////////////////////////////////////

func run(ctx context.Context, args []string) {
	fs, parse := flags("run")
	configFile := fs.String("config", "", "configuration file")
	disk := fs.String("disk", "", "source disk (overrides the configuration file)")
	imageName := fs.String("image", "", "destination image (overrides the configuration file)")
	parse(args)

	if *configFile == "" {
		log.Fatal("--config must be specified")
	}
	cfg, err := LoadConfig(*configFile)
	log.CheckError(err, "%s: %s", *configFile, err)
	if *disk != "" {
		cfg.Pipeline.Disk = *disk
	}
	if *imageName != "" {
		cfg.Pipeline.Image = *imageName
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("%s: %s", *configFile, err)
	}

	src, err := openBackend(ctx, cfg.Source)
	log.CheckError(err, "source: %s", err)
	defer src.Close()
	dst := src
	if cfg.Destination != cfg.Source {
		dst, err = openBackend(ctx, cfg.Destination)
		log.CheckError(err, "destination: %s", err)
		defer dst.Close()
	}

	// The destination reads snapshot data through the locators the
	// source hands out.
	var fetch storage.Fetcher = storage.SchemeFetcher{locatorScheme[cfg.Source.Type]: src}
	if cfg.MaxDownloadBytesPerSecond > 0 {
		lim := storage.NewLimiter(cfg.MaxDownloadBytesPerSecond)
		defer lim.Stop()
		fetch = storage.LimitedFetcher{Fetcher: fetch, Limiter: lim}
	}
	img, err := openImage(ctx, dst, cfg.Pipeline.Image, fetch)
	log.CheckError(err)
	retrying := storage.NewRetrying(img)
	retrying.MaxTries = cfg.Retries

	deps := pipeline.Deps{
		Catalog:  src,
		Source:   src,
		Dest:     retrying,
		Progress: &u.Progress{Msg: "Applied", Log: log},
	}
	if cfg.Journal != "" {
		j, err := storage.OpenCatalog(cfg.Journal)
		log.CheckError(err, "%s: %s", cfg.Journal, err)
		defer j.Close()
		deps.Journal = j
	} else if d, ok := dst.(*storage.Disk); ok {
		deps.Journal = d.Catalog()
	} else {
		log.Warning("%s: no journal; an interrupted run must start over", dst)
	}

	report, err := pipeline.New(cfg.Pipeline, deps).Run(ctx)
	deps.Progress.Finish()
	printReport(report)
	if err != nil {
		if errors.Is(err, pipeline.ErrPipelineCancelled) {
			fmt.Fprintf(os.Stderr, "%s: interrupted; run again to resume\n", cfg.Pipeline.Image)
		}
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func printReport(r *pipeline.Report) {
	if r == nil || len(r.Lineage) == 0 {
		return
	}
	fmt.Printf("lineage: %d snapshots, %d already applied\n", len(r.Lineage), r.Resumed)
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "STEP\tSNAPSHOT\tMARKER\tCOPIED\tCLEARED\n")
	for _, s := range r.Steps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", s.Index, s.Snapshot, s.Marker,
			u.FmtBytes(s.BytesCopied), u.FmtBytes(s.BytesCleared))
	}
	w.Flush()
	fmt.Printf("%s\n", r.State)
}

func importSnapshot(ctx context.Context, args []string) {
	fs, parse := flags("import")
	bf := addBackendFlags(fs)
	disk := fs.String("disk", "", "source disk name")
	snapshot := fs.String("snapshot", "", "snapshot name")
	full := fs.Bool("full", false, "import as a full (non-incremental) snapshot")
	size := fs.Int64("size", 0, "size of the disk, if it needs to be created (default: file size)")
	parse(args)

	if *disk == "" || *snapshot == "" || fs.NArg() != 1 {
		usage()
	}
	be := open(ctx, bf, false)
	defer be.Close()

	f, err := os.Open(fs.Arg(0))
	log.CheckError(err, "%s", err)
	defer f.Close()

	if _, err := be.Disk(ctx, *disk); errors.Is(err, storage.ErrNotFound) {
		if *size == 0 {
			fi, err := f.Stat()
			log.CheckError(err, "%s", err)
			*size = fi.Size()
		}
		dk, err := be.CreateDisk(ctx, *disk, *size)
		log.CheckError(err, "%s: %s", *disk, err)
		log.Verbose("%s: created disk in %s, %s, generation %s", dk.ID, be,
			u.FmtBytes(dk.Size), dk.UniqueID)
	} else {
		log.CheckError(err, "%s: %s", *disk, err)
	}

	ref, err := be.ImportSnapshot(ctx, *disk, *snapshot, f, !*full)
	log.CheckError(err, "%s: %s", fs.Arg(0), err)
	fmt.Printf("%s: imported snapshot of %s (%s)\n", ref.Name, ref.SourceDiskID,
		u.FmtBytes(ref.Size))
}

func recreate(ctx context.Context, args []string) {
	fs, parse := flags("recreate")
	bf := addBackendFlags(fs)
	disk := fs.String("disk", "", "source disk name")
	parse(args)

	if *disk == "" {
		usage()
	}
	be := open(ctx, bf, false)
	defer be.Close()

	dk, err := be.RecreateDisk(ctx, *disk)
	log.CheckError(err, "%s: %s", *disk, err)
	fmt.Printf("%s: new generation %s\n", dk.ID, dk.UniqueID)
}

func markers(ctx context.Context, args []string) {
	fs, parse := flags("markers")
	bf := addBackendFlags(fs)
	name := fs.String("image", "", "destination image name")
	parse(args)

	if *name == "" {
		usage()
	}
	be := open(ctx, bf, true)
	defer be.Close()

	img, err := openImage(ctx, be, *name, nil)
	log.CheckError(err, "%s", err)
	mks, err := img.Markers(ctx)
	log.CheckError(err, "%s: %s", img, err)
	for _, mk := range mks {
		where := ""
		if di, ok := img.(*storage.DiskImage); ok {
			where = di.MarkerPath(mk.ID)
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", mk.ID, mk.Created.Format("2006-01-02 15:04:05"),
			u.FmtBytes(mk.Size), where)
	}
}

func checkMarkers(ctx context.Context, cmd string, args []string, repair bool) {
	fs, parse := flags(cmd)
	bf := addBackendFlags(fs)
	parse(args)

	be := open(ctx, bf, true)
	defer be.Close()
	d, ok := be.(*storage.Disk)
	if !ok {
		log.Fatal("%s: only disk backends keep marker sidecars", be)
	}

	nBad, err := d.CheckMarkers(repair)
	log.CheckError(err, "%s", err)
	switch {
	case nBad == 0:
		fmt.Printf("%s: all markers ok\n", d)
	case repair:
		fmt.Printf("%s: repaired %d markers\n", d, nBad)
	default:
		fmt.Printf("%s: %d corrupt markers\n", d, nBad)
		os.Exit(1)
	}
}
