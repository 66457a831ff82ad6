// Package raido is a segmented, concurrent file downloader. A Manager
// splits a remote resource into byte-range segments, fetches them in
// parallel, reassembles them into the destination file, and exposes live
// progress, throughput, and completion state per download.
package raido

import (
	"context"
	"fmt"
	"time"

	"github.com/hokuto/raido/internal/engine"
	"github.com/hokuto/raido/internal/fetch"
	"github.com/hokuto/raido/internal/ledger"
	"github.com/hokuto/raido/internal/storage"
	"github.com/hokuto/raido/internal/utils"
)

const (
	defaultScratchDir  = ".raido/tmp"
	defaultMetadataDir = ".raido/meta"
)

// Config tunes a Manager. The zero value gives working defaults.
type Config struct {
	// Workers bounds concurrent segment fetches across all downloads
	// sharing this manager. Defaults to 8.
	Workers int

	// SegmentRetries is the attempt budget per segment fetch.
	// Defaults to 3.
	SegmentRetries int

	// ScratchDir is the temp root holding one scratch directory per
	// in-flight download.
	ScratchDir string

	// MetadataDir holds one persisted progress record per download.
	MetadataDir string

	// ConnectTimeout bounds connection establishment per request.
	ConnectTimeout time.Duration

	// UserAgent identifies the client on every request; Headers adds
	// further custom request headers.
	UserAgent string
	Headers   map[string]string
}

// Status is re-exported so callers can match Stats.State without
// importing internal packages.
type Status = ledger.Status

const (
	StatusInitializing = ledger.StatusInitializing
	StatusRunning      = ledger.StatusRunning
	StatusComplete     = ledger.StatusComplete
	StatusFailed       = ledger.StatusFailed
	StatusCancelled    = ledger.StatusCancelled
)

// Stats is the aggregate read of one download.
type Stats struct {
	State           Status
	Progress        float64
	Speed           float64
	BytesDownloaded int64
	TotalSize       int64
}

// Manager composes the transfer engine, scratch storage, and the
// progress ledger behind the public lifecycle API.
type Manager struct {
	engine *engine.Engine
	store  *storage.Manager
	ledger *ledger.Manager
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = defaultScratchDir
	}
	if cfg.MetadataDir == "" {
		cfg.MetadataDir = defaultMetadataDir
	}
	store, err := storage.NewManager(cfg.ScratchDir)
	if err != nil {
		return nil, err
	}
	led, err := ledger.NewManager(cfg.MetadataDir)
	if err != nil {
		return nil, err
	}
	client := fetch.NewClient(fetch.Config{
		ConnectTimeout: cfg.ConnectTimeout,
		UserAgent:      cfg.UserAgent,
		Headers:        cfg.Headers,
	})
	eng := engine.New(engine.Config{
		Workers:        cfg.Workers,
		SegmentRetries: cfg.SegmentRetries,
	}, client, store, led)
	return &Manager{engine: eng, store: store, ledger: led}, nil
}

// StartDownload begins transferring url to outputPath and returns the
// download id. It returns an error synchronously when the remote size
// cannot be determined; failures after that surface through the status
// queries only.
func (m *Manager) StartDownload(ctx context.Context, url, outputPath string) (string, error) {
	id, err := m.engine.Start(ctx, url, outputPath)
	if err != nil {
		logger := utils.GetLogger("manager")
		logger.Error().Err(err).Str("url", url).Msg("Failed to start download")
		return "", fmt.Errorf("failed to start download: %w", err)
	}
	return id, nil
}

// Progress returns the download's completion percentage (0-100).
func (m *Manager) Progress(id string) (float64, error) {
	return m.ledger.Progress(id)
}

// IsComplete reports whether the download finished successfully.
func (m *Manager) IsComplete(id string) (bool, error) {
	return m.ledger.IsComplete(id)
}

// Speed returns the instantaneous throughput in bytes/sec, zero for
// unknown or finished downloads.
func (m *Manager) Speed(id string) float64 {
	return m.engine.Speed(id)
}

// BytesDownloaded returns the cumulative bytes accepted into storage.
func (m *Manager) BytesDownloaded(id string) (int64, error) {
	return m.ledger.BytesDownloaded(id)
}

// Stats returns the aggregate state/progress/speed/bytes view of a
// download.
func (m *Manager) Stats(id string) (Stats, error) {
	rec, err := m.ledger.Get(id)
	if err != nil {
		return Stats{}, err
	}
	progress, err := m.ledger.Progress(id)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		State:           rec.Status,
		Progress:        progress,
		Speed:           m.engine.Speed(id),
		BytesDownloaded: rec.DownloadedBytes,
		TotalSize:       rec.TotalSize,
	}, nil
}

// VerifyChecksum hashes the finalized file with the named algorithm
// (md5, sha1, sha256, sha512) and compares against the expected hex
// digest, case-insensitively.
func (m *Manager) VerifyChecksum(id, algorithm, expected string) (bool, error) {
	return m.store.VerifyChecksum(id, algorithm, expected)
}

// Wait blocks until the download reaches a terminal state or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) error {
	return m.engine.Wait(ctx, id)
}

// Cancel requests cancellation of one download. Idempotent.
func (m *Manager) Cancel(id string) {
	m.engine.Cancel(id)
}

// CancelAll cancels every active download.
func (m *Manager) CancelAll() {
	m.engine.CancelAll()
}

// Close cancels all active downloads, shuts the engine down, and
// releases open file handles. Safe to call more than once.
func (m *Manager) Close() {
	m.engine.CancelAll()
	m.engine.Shutdown()
	m.store.Close()
}
