// cmd/snapchain/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mmp/snapchain/delta"
	"github.com/mmp/snapchain/image"
	"github.com/mmp/snapchain/lineage"
	"github.com/mmp/snapchain/pipeline"
	"github.com/mmp/snapchain/storage"
	"gopkg.in/yaml.v3"
)

// Config is the contents of the YAML file given to "snapchain run". For
// example:
//
//	source:
//	  type: gcs
//	  gcs:
//	    bucket: my-snapshots
//	    project: my-project
//	destination:
//	  type: disk
//	  root: /backups/snapchain
//	  parity_shards: 3
//	pipeline:
//	  disk: db-disk
//	  image: db-image
//	  grant_ttl: 24h
//	max_download_bytes_per_second: 50000000
type Config struct {
	Source      BackendConfig   `yaml:"source"`
	Destination BackendConfig   `yaml:"destination"`
	Pipeline    pipeline.Config `yaml:"pipeline"`

	// Journal is the SQLite catalog where applied steps are recorded. If
	// empty and the destination is a disk backend, its own catalog is
	// used; otherwise runs aren't resumable.
	Journal string `yaml:"journal"`
	// Retries bounds the attempts made for each copy and clear.
	Retries int `yaml:"retries"`
	// Throttles the destination's reads of snapshot data; zero means
	// unlimited.
	MaxDownloadBytesPerSecond int `yaml:"max_download_bytes_per_second"`
}

type BackendConfig struct {
	// Type is "disk" or "gcs".
	Type string `yaml:"type"`

	// Root is the disk backend's directory.
	Root string `yaml:"root"`
	// Reed-Solomon parameters for marker sidecars in a disk destination;
	// no sidecars are written if ParityShards is zero.
	DataShards   int `yaml:"data_shards"`
	ParityShards int `yaml:"parity_shards"`

	GCS GCSConfig `yaml:"gcs"`
}

type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Project         string `yaml:"project"`
	Location        string `yaml:"location"`
	CredentialsFile string `yaml:"credentials_file"`
	GoogleAccessID  string `yaml:"google_access_id"`
	// PrivateKeyFile holds the PEM key used to sign read grants.
	PrivateKeyFile string `yaml:"private_key_file"`
	// Endpoint overrides the JSON API endpoint, e.g. for an emulator.
	Endpoint string `yaml:"endpoint"`

	MaxUploadBytesPerSecond   int `yaml:"max_upload_bytes_per_second"`
	MaxDownloadBytesPerSecond int `yaml:"max_download_bytes_per_second"`
}

func DefaultConfig() Config {
	return Config{
		Source:      BackendConfig{Type: "disk"},
		Destination: BackendConfig{Type: "disk", DataShards: storage.DefaultDataShards},
		Pipeline:    pipeline.DefaultConfig(),
		Retries:     5,
	}
}

// LoadConfig reads a configuration file; settings it doesn't mention keep
// their default values.
func LoadConfig(fn string) (Config, error) {
	b, err := os.ReadFile(fn)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	errs := []error{
		c.Source.validate("source"),
		c.Destination.validate("destination"),
		c.Pipeline.Validate(),
	}
	if c.Retries < 1 {
		errs = append(errs, fmt.Errorf("retries %d must be at least 1", c.Retries))
	}
	if c.MaxDownloadBytesPerSecond < 0 {
		errs = append(errs, errors.New("negative download rate"))
	}
	return errors.Join(errs...)
}

func (b BackendConfig) validate(what string) error {
	switch b.Type {
	case "disk":
		if b.Root == "" {
			return fmt.Errorf("%s: disk backend needs a root directory", what)
		}
		if b.ParityShards < 0 || (b.ParityShards > 0 && b.DataShards <= 0) {
			return fmt.Errorf("%s: invalid Reed-Solomon shards %d+%d", what, b.DataShards,
				b.ParityShards)
		}
	case "gcs":
		if b.GCS.Bucket == "" {
			return fmt.Errorf("%s: gcs backend needs a bucket", what)
		}
		if b.GCS.MaxUploadBytesPerSecond < 0 || b.GCS.MaxDownloadBytesPerSecond < 0 {
			return fmt.Errorf("%s: negative transfer rate", what)
		}
	default:
		return fmt.Errorf("%s: %q: unknown backend type", what, b.Type)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Backends

// backend is what both the disk and GCS backends provide.
type backend interface {
	String() string
	pipeline.Catalog
	delta.Source
	storage.Fetcher

	CreateDisk(ctx context.Context, name string, size int64) (lineage.Disk, error)
	RecreateDisk(ctx context.Context, name string) (lineage.Disk, error)
	ImportSnapshot(ctx context.Context, disk, name string, r io.Reader,
		incremental bool) (lineage.SnapshotRef, error)
	Close() error
}

// destination is a backend's view of an image.
type destination interface {
	image.Destination
	Markers(ctx context.Context) ([]storage.Marker, error)
}

// Schemes of the locators handed out by each backend type.
var locatorScheme = map[string]string{"disk": "file", "gcs": "https"}

func openBackend(ctx context.Context, b BackendConfig) (backend, error) {
	switch b.Type {
	case "disk":
		d, err := storage.NewDisk(b.Root)
		if err != nil {
			return nil, err
		}
		d.DataShards, d.ParityShards = b.DataShards, b.ParityShards
		return d, nil
	case "gcs":
		opts := storage.GCSOptions{
			BucketName:                b.GCS.Bucket,
			ProjectId:                 b.GCS.Project,
			Location:                  b.GCS.Location,
			CredentialsFile:           b.GCS.CredentialsFile,
			GoogleAccessID:            b.GCS.GoogleAccessID,
			Endpoint:                  b.GCS.Endpoint,
			MaxUploadBytesPerSecond:   b.GCS.MaxUploadBytesPerSecond,
			MaxDownloadBytesPerSecond: b.GCS.MaxDownloadBytesPerSecond,
		}
		if b.GCS.PrivateKeyFile != "" {
			key, err := os.ReadFile(b.GCS.PrivateKeyFile)
			if err != nil {
				return nil, err
			}
			opts.PrivateKey = key
		}
		g, err := storage.NewGCS(ctx, opts)
		if err != nil {
			return nil, err
		}
		if err := g.EnsureContainer(ctx); err != nil {
			g.Close()
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("%q: unknown backend type", b.Type)
	}
}

// openImage returns the named image in the given backend, reading snapshot
// bytes through src.
func openImage(ctx context.Context, be backend, name string, src storage.Fetcher) (destination, error) {
	switch be := be.(type) {
	case *storage.Disk:
		img, err := be.Image(ctx, name)
		if err != nil {
			return nil, err
		}
		if src != nil {
			img.Src = src
		}
		return img, nil
	case *storage.GCS:
		img, err := be.Image(name)
		if err != nil {
			return nil, err
		}
		if src != nil {
			img.Src = src
		}
		return img, nil
	default:
		return nil, fmt.Errorf("%s: backend can't hold images", be)
	}
}

// backendFlags are the options of the commands that work on a single
// backend: a configuration file, or the directory of a disk backend.
type backendFlags struct {
	config, root *string
}

func addBackendFlags(fs *flag.FlagSet) backendFlags {
	return backendFlags{
		config: fs.String("config", "", "configuration file"),
		root:   fs.String("root", "", "disk backend directory (instead of --config)"),
	}
}

// backendConfig returns the configuration of the selected backend: the
// configuration file's destination if dest is set and its source
// otherwise.
func (bf backendFlags) backendConfig(dest bool) (BackendConfig, error) {
	switch {
	case *bf.config != "" && *bf.root != "":
		return BackendConfig{}, errors.New("only one of --config and --root may be given")
	case *bf.root != "":
		b := DefaultConfig().Destination
		b.Root = *bf.root
		return b, nil
	case *bf.config != "":
		cfg, err := LoadConfig(*bf.config)
		if err != nil {
			return BackendConfig{}, fmt.Errorf("%s: %w", *bf.config, err)
		}
		b, what := cfg.Source, "source"
		if dest {
			b, what = cfg.Destination, "destination"
		}
		return b, b.validate(what)
	default:
		return BackendConfig{}, errors.New("--config or --root must be specified")
	}
}
