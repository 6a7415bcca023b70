// storage/fetch.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/mmp/snapchain/delta"
	"github.com/mmp/snapchain/lineage"
	"golang.org/x/net/context/ctxhttp"
)

// HTTPFetcher reads snapshot bytes through locators that are http(s) URLs,
// such as signed GCS URLs, using ranged GET requests.
type HTTPFetcher struct {
	// Client is used for requests; http.DefaultClient if nil.
	Client *http.Client
	// Limiter, if non-nil, throttles response bodies.
	Limiter *Limiter
}

func (h *HTTPFetcher) Fetch(ctx context.Context, loc lineage.Locator, offset, length int64) ([]byte, error) {
	if err := checkRange(string(loc), offset, length, offset+length); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodGet, string(loc), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", loc, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	log.Debug("GET %d bytes @ %d", length, offset)
	resp, err := ctxhttp.Do(ctx, h.Client, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%v: %w", err, delta.ErrSourceUnavailable)
	}
	defer resp.Body.Close()

	body := h.Limiter.Reader(resp.Body)
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// The server ignored the Range header; skip up to the start.
		if _, err := io.CopyN(io.Discard, body, offset); err != nil {
			return nil, fmt.Errorf("%s: %w", resp.Status, err)
		}
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		// Expired or revoked grants and deleted snapshots.
		return nil, fmt.Errorf("%s: %w", resp.Status, delta.ErrSourceUnavailable)
	default:
		return nil, fmt.Errorf("unexpected response %s", resp.Status)
	}

	b := make([]byte, length)
	if _, err := io.ReadFull(body, b); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading %d bytes @ %d: %w", length, offset, err)
	}
	return b, nil
}
