// pipeline/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmp/snapchain/extent"
	"github.com/mmp/snapchain/image"
)

// DefaultGrantTTL is how long each snapshot's read grant stays valid.
const DefaultGrantTTL = 60 * 24 * time.Hour

// Config describes one reconstruction run: which disk's lineage is
// applied to which destination image, and how.
type Config struct {
	// Disk names the source disk whose snapshots are applied.
	Disk string `yaml:"disk"`
	// Image names the destination image.
	Image string `yaml:"image"`
	// ChunkSize bounds the bytes of each copy.
	ChunkSize int64 `yaml:"chunk_size"`
	// ClearChunkSize bounds the bytes of each clear; zero clears each hole
	// with a single operation.
	ClearChunkSize int64 `yaml:"clear_chunk_size"`
	// Concurrency is the number of chunk operations kept in flight.
	Concurrency int `yaml:"concurrency"`
	// GrantTTL is the lifetime of the read grant requested for each
	// snapshot.
	GrantTTL time.Duration `yaml:"grant_ttl"`
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:   extent.MaxChunkSize,
		Concurrency: image.DefaultConcurrency,
		GrantTTL:    DefaultGrantTTL,
	}
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Disk == "" {
		errs = append(errs, errors.New("no source disk given"))
	}
	if c.Image == "" {
		errs = append(errs, errors.New("no destination image given"))
	}
	if c.ChunkSize <= 0 || c.ChunkSize > extent.MaxChunkSize {
		errs = append(errs, fmt.Errorf("chunk size %d not in (0, %d]", c.ChunkSize,
			extent.MaxChunkSize))
	}
	if c.ClearChunkSize < 0 {
		errs = append(errs, fmt.Errorf("negative clear chunk size %d", c.ClearChunkSize))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency %d must be at least 1", c.Concurrency))
	}
	if c.GrantTTL <= 0 {
		errs = append(errs, fmt.Errorf("grant TTL %s must be positive", c.GrantTTL))
	}
	return errors.Join(errs...)
}
