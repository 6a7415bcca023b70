// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Adapted from skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).
// Updated to use time.Ticker

package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/mmp/snapchain/lineage"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// Limiter doles out a bytes-per-second budget to the readers it wraps.
// A nil *Limiter imposes no limit.
type Limiter struct {
	bytesPerSecond int

	mu        sync.Mutex
	cond      *sync.Cond
	available int
	ticker    *time.Ticker
	done      chan struct{}
}

// NewLimiter returns a Limiter that allows bytesPerSecond bytes to be read
// each second, or nil if bytesPerSecond is zero.
func NewLimiter(bytesPerSecond int) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	l := &Limiter{
		bytesPerSecond: bytesPerSecond,
		// 1/8th of a second
		ticker: time.NewTicker(125 * time.Millisecond),
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)

	go func() {
		for {
			select {
			case <-l.done:
				return
			case <-l.ticker.C:
			}

			l.mu.Lock()
			// Release 1/8th of the per-second limit every 8th of a second.
			// The 94/100 factor in the amount released adds some slop to
			// account for TCP/IP overhead and HTTP headers in an effort to
			// have the actual bandwidth used not exceed the desired limit.
			l.available += l.bytesPerSecond * 94 / 100 / 8
			if l.available > l.bytesPerSecond {
				// Don't ever queue up more than one second's worth of
				// transmission.
				l.available = l.bytesPerSecond
			}

			// Wake up any readers that are waiting for more bandwidth now
			// that we've doled some more out.
			l.cond.Broadcast()
			l.mu.Unlock()
		}
	}()
	return l
}

// Stop releases the Limiter's ticker. Readers must not be used after Stop.
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	l.ticker.Stop()
	close(l.done)
}

// Reader returns an io.Reader that reads from r no faster than the
// Limiter allows.
func (l *Limiter) Reader(r io.Reader) io.Reader {
	if l == nil {
		return r
	}
	return rateLimitedReader{R: r, l: l}
}

// rateLimitedReader is an io.Reader implementation that returns no more
// bytes than its Limiter currently has available.
type rateLimitedReader struct {
	R io.Reader
	l *Limiter
}

func (lr rateLimitedReader) Read(dst []byte) (int, error) {
	l := lr.l

	// Loop until some amount of bandwidth is available.
	l.mu.Lock()
	for {
		log.Check(l.available >= 0)

		if l.available > 0 {
			break
		} else {
			// No further reading is possible at the moment; wait for the
			// goroutine that periodically doles out more bandwidth to do
			// its thing, at which point it will signal the condition
			// variable.
			l.cond.Wait()
		}
	}

	// The caller would like us to return up to this many bytes...
	n := len(dst)

	// but don't do more than we're allowed to...
	if n > l.available {
		n = l.available
	}

	// Update the budget for the maximum amount of what we may consume and
	// relinquish the lock so that other readers can claim bandwidth.
	l.available -= n
	l.mu.Unlock()

	read, err := lr.R.Read(dst[:n])
	if read < n {
		// It may turn out that the amount we read from the original
		// io.Reader is less than the caller asked for; in this case,
		// we give back the bandwidth that we reserved but didn't use.
		l.mu.Lock()
		l.available += n - read
		l.mu.Unlock()
	}

	return read, err
}

///////////////////////////////////////////////////////////////////////////

// LimitedFetcher throttles the bytes returned by another Fetcher.
type LimitedFetcher struct {
	Fetcher
	Limiter *Limiter
}

func (lf LimitedFetcher) Fetch(ctx context.Context, loc lineage.Locator, offset, length int64) ([]byte, error) {
	b, err := lf.Fetcher.Fetch(ctx, loc, offset, length)
	if err != nil || lf.Limiter == nil {
		return b, err
	}
	out := make([]byte, 0, len(b))
	w := bytes.NewBuffer(out)
	if _, err := io.Copy(w, lf.Limiter.Reader(bytes.NewReader(b))); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
