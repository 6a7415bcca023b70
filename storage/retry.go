// storage/retry.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mmp/snapchain/delta"
	"github.com/mmp/snapchain/extent"
	"github.com/mmp/snapchain/image"
	"github.com/mmp/snapchain/lineage"
)

// Retrying wraps a Destination and retries copies and clears that fail
// with possibly temporary errors. Running out of quota, losing access to
// the source and cancellation are never retried.
type Retrying struct {
	image.Destination

	// MaxTries bounds the attempts made for each operation.
	MaxTries int
	// Backoff is the delay after the first failure; later delays grow
	// exponentially, up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// NewRetrying returns a Retrying with the default policy: five tries,
// starting with a 100ms delay.
func NewRetrying(dst image.Destination) *Retrying {
	return &Retrying{Destination: dst, MaxTries: 5, Backoff: 100 * time.Millisecond,
		MaxBackoff: 15 * time.Second}
}

func (r *Retrying) CopyRange(ctx context.Context, offset, length int64, src lineage.Locator, srcOffset int64) error {
	return r.retry(ctx, extent.Range{Offset: offset, Length: length}, func() error {
		return r.Destination.CopyRange(ctx, offset, length, src, srcOffset)
	})
}

func (r *Retrying) ClearRange(ctx context.Context, offset, length int64) error {
	return r.retry(ctx, extent.Range{Offset: offset, Length: length}, func() error {
		return r.Destination.ClearRange(ctx, offset, length)
	})
}

func (r *Retrying) retry(ctx context.Context, what extent.Range, f func() error) error {
	tries := r.MaxTries
	if tries < 1 {
		tries = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.Backoff
	b.Multiplier = 2
	if r.MaxBackoff > 0 {
		b.MaxInterval = r.MaxBackoff
	}
	// Only the number of tries bounds the work.
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		err := f()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(tries-1)), ctx),
		func(err error, d time.Duration) {
			log.Warning("%s %s: retrying in %s due to error %s", r.Destination, what, d, err)
		})
}

func retryable(err error) bool {
	for _, e := range []error{context.Canceled, context.DeadlineExceeded,
		ErrQuotaExceeded, delta.ErrSourceUnavailable, extent.ErrInvalidRange,
		image.ErrNotProvisioned} {
		if errors.Is(err, e) {
			return false
		}
	}
	return true
}
