// Package fetch wraps the HTTP transport behind a range-fetch capability:
// a size probe plus streamed byte-range requests with the transport
// policy (redirect cap, connect timeout, stall abort) baked in.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const (
	maxRedirects          = 5
	defaultConnectTimeout = 30 * time.Second

	// Stall detection defaults: abort when throughput stays under
	// the floor for a full window.
	defaultLowSpeedLimit  = 1000
	defaultLowSpeedWindow = 30 * time.Second
)

// ErrStalled is returned when a transfer's throughput stays below the
// floor for the sustained detection window.
var ErrStalled = errors.New("transfer stalled below minimum throughput")

// StatusError reports an HTTP status outside the accepted set.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// Config carries the transport policy knobs for a Client.
type Config struct {
	ConnectTimeout time.Duration
	KATimeout      time.Duration
	UserAgent      string
	Headers        map[string]string

	// LowSpeedLimit is the throughput floor in bytes/sec; a transfer
	// delivering less than this over a sustained LowSpeedWindow is
	// aborted with ErrStalled.
	LowSpeedLimit  int64
	LowSpeedWindow time.Duration
}

// Client performs size probes and range fetches against remote URLs.
type Client struct {
	httpc  *http.Client
	config Config
}

// NewClient builds a Client from cfg, applying defaults for unset knobs.
// TLS certificate validation stays on and redirects are capped at
// maxRedirects; neither is negotiable per call.
func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 60 * time.Second
	}
	if cfg.LowSpeedLimit == 0 {
		cfg.LowSpeedLimit = defaultLowSpeedLimit
	}
	if cfg.LowSpeedWindow == 0 {
		cfg.LowSpeedWindow = defaultLowSpeedWindow
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100, // for connection reuse
		IdleConnTimeout:     cfg.KATimeout,
		DisableCompression:  true,
		MaxConnsPerHost:     0,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
	}
	return &Client{
		httpc: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Do applies the configured identification headers and executes req.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", "Raido-CLI")
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	return c.httpc.Do(req)
}

// FileSize probes the total size of the remote resource with a HEAD
// request. Only a 200 response carrying a positive Content-Length
// succeeds; anything else fails the probe.
func (c *Client) FileSize(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return 0, fmt.Errorf("size probe failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("size probe failed: %w", &StatusError{Code: resp.StatusCode})
	}
	if resp.ContentLength <= 0 {
		return 0, errors.New("size probe failed: server reported no content length")
	}
	return resp.ContentLength, nil
}
