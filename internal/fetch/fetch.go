package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hokuto/raido/internal/utils"
)

const fetchBufferSize = 1024 * 1024 // 1MB buffer

// Fetch streams the inclusive byte range [start, end] of url into sink,
// invoking onBytes (when non-nil) with the size of every chunk received.
// A 200 response is accepted alongside 206 for servers that ignore the
// range header and return the whole resource. Cancellation of ctx stops
// the transfer and surfaces as ctx's error, not a transport failure.
// Transfers delivering fewer bytes than the configured floor over a
// sustained window are aborted with ErrStalled, even when the connection
// goes completely silent.
func (c *Client) Fetch(ctx context.Context, url string, start, end int64, sink io.Writer, onBytes func(int64)) error {
	log := utils.GetLogger("fetch")
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, end)
	req.Header.Set("Range", rangeHeader)
	req.Header.Set("Connection", "keep-alive")
	log.Debug().Str("range", rangeHeader).Msg("Sending range request")
	resp, err := c.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return &StatusError{Code: resp.StatusCode}
	}

	// The stall watchdog runs off the read path: a silent connection
	// blocks resp.Body.Read indefinitely, so the window must be
	// enforced by cancelling the request from outside the loop.
	var received atomic.Int64
	stalled := make(chan struct{})
	floor := int64(float64(c.config.LowSpeedLimit) * c.config.LowSpeedWindow.Seconds())
	go func() {
		ticker := time.NewTicker(c.config.LowSpeedWindow)
		defer ticker.Stop()
		var last int64
		for {
			select {
			case <-reqCtx.Done():
				return
			case <-ticker.C:
				cur := received.Load()
				if cur-last < floor {
					close(stalled)
					cancel()
					return
				}
				last = cur
			}
		}
	}()

	// finish maps a read-loop error to its cause: stall abort first,
	// then caller cancellation, then the transport error itself.
	finish := func(err error) error {
		select {
		case <-stalled:
			log.Debug().Str("range", rangeHeader).Msg("Transfer stalled below throughput floor")
			return ErrStalled
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	buffer := make([]byte, fetchBufferSize)
	for {
		if err := reqCtx.Err(); err != nil {
			return finish(err)
		}
		bytesRead, err := resp.Body.Read(buffer)
		if bytesRead > 0 {
			if _, writeErr := sink.Write(buffer[:bytesRead]); writeErr != nil {
				return finish(writeErr)
			}
			if onBytes != nil {
				onBytes(int64(bytesRead))
			}
			received.Add(int64(bytesRead))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return finish(err)
		}
	}
}
