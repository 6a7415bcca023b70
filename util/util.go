// util/util.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// Progress

// Progress counts bytes moved by concurrent transfer operations and
// periodically logs how many have been moved and the rate of moving them
// in bytes / second. The zero value is ready to use; a nil *Progress
// counts nothing.
type Progress struct {
	Msg string
	Log *Logger
	// Report every Every bytes; reportFrequency if zero.
	Every int64

	once          sync.Once
	start         time.Time
	bytes         int64
	reportCounter int64
	mu            sync.Mutex
}

const reportFrequency = 128 * 1024 * 1024

// Add records that n more bytes have been moved.
func (p *Progress) Add(n int64) {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.start = time.Now()
		if p.Every == 0 {
			p.Every = reportFrequency
		}
		atomic.StoreInt64(&p.reportCounter, p.Every)
	})

	atomic.AddInt64(&p.bytes, n)
	if atomic.AddInt64(&p.reportCounter, -n) < 0 {
		p.mu.Lock()
		// Someone else may have beaten us to it.
		if atomic.LoadInt64(&p.reportCounter) < 0 {
			p.report("")
			atomic.AddInt64(&p.reportCounter, p.Every)
		}
		p.mu.Unlock()
	}
}

// Bytes returns the number of bytes recorded so far.
func (p *Progress) Bytes() int64 {
	if p == nil {
		return 0
	}
	return atomic.LoadInt64(&p.bytes)
}

func (p *Progress) report(prefix string) {
	delta := time.Since(p.start)
	n := atomic.LoadInt64(&p.bytes)
	bytesPerSec := int64(float64(n) / delta.Seconds())
	p.Log.Verbose("%s%s %s [%s/s]", prefix, p.Msg, FmtBytes(n),
		FmtBytes(bytesPerSec))
}

// Finish logs the final tally.
func (p *Progress) Finish() {
	if p == nil || p.start.IsZero() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report("Finished. ")
}

///////////////////////////////////////////////////////////////////////////
// Utility Functions

func FmtBytes(n int64) string {
	if n >= 1024*1024*1024*1024 {
		return fmt.Sprintf("%.2f TiB", float64(n)/(1024.*1024.*
			1024.*1024.))
	} else if n >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GiB", float64(n)/(1024.*1024.*
			1024.))
	} else if n > 1024*1024 {
		return fmt.Sprintf("%.2f MiB", float64(n)/(1024.*1024.))
	} else if n > 1024 {
		return fmt.Sprintf("%.2f kiB", float64(n)/1024.)
	} else {
		return fmt.Sprintf("%d B", n)
	}
}
