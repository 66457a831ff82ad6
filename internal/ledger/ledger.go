// Package ledger tracks per-download progress and status, persisting a
// snapshot after each change so state survives a crash of the process.
// The in-memory record stays authoritative while the process runs;
// persistence failures are logged and swallowed.
package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hokuto/raido/internal/utils"
)

// Status is the lifecycle state of a download.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusComplete     Status = "complete"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// ErrNotFound is returned for ids with no in-memory record and no
// persisted snapshot.
var ErrNotFound = errors.New("download not found")

// Record is the persisted state of one download, rewritten wholesale on
// every update.
type Record struct {
	URL             string    `yaml:"url"`
	OutputPath      string    `yaml:"output_path"`
	TotalSize       int64     `yaml:"total_size"`
	DownloadedBytes int64     `yaml:"downloaded_bytes"`
	Status          Status    `yaml:"status"`
	CreatedAt       time.Time `yaml:"created_at"`
	LastUpdated     time.Time `yaml:"last_updated"`
}

// Manager owns the ledger records for one engine instance.
type Manager struct {
	dir   string
	mu    sync.Mutex
	cache map[string]*Record
}

// NewManager creates a ledger rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating metadata directory: %w", err)
	}
	return &Manager{
		dir:   dir,
		cache: make(map[string]*Record),
	}, nil
}

// Create registers a new download in the initializing state.
func (m *Manager) Create(id, url, outputPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.cache[id] = &Record{
		URL:         url,
		OutputPath:  outputPath,
		Status:      StatusInitializing,
		CreatedAt:   now,
		LastUpdated: now,
	}
	m.persist(id)
}

// SetTotalSize records the probed size of the remote resource.
func (m *Manager) SetTotalSize(id string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(id)
	if err != nil {
		return err
	}
	rec.TotalSize = size
	rec.LastUpdated = time.Now().UTC()
	m.persist(id)
	return nil
}

// AddBytes accumulates the inclusive byte range [start, end] into the
// download's running total. Ranges from concurrent segment tasks may
// arrive in any order.
func (m *Manager) AddBytes(id string, start, end int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(id)
	if err != nil {
		return err
	}
	rec.DownloadedBytes += end - start + 1
	rec.LastUpdated = time.Now().UTC()
	m.persist(id)
	return nil
}

// SetStatus transitions the download to status. Terminal statuses are
// sticky: once complete, failed, or cancelled, further transitions are
// ignored.
func (m *Manager) SetStatus(id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.Status = status
	rec.LastUpdated = time.Now().UTC()
	m.persist(id)
	return nil
}

// MarkComplete transitions the download to the complete status.
func (m *Manager) MarkComplete(id string) error {
	return m.SetStatus(id, StatusComplete)
}

// Progress returns the completion percentage, 0 while the total size is
// unknown and clamped at 100 against double-counted retry bytes.
func (m *Manager) Progress(id string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(id)
	if err != nil {
		return 0, err
	}
	if rec.TotalSize == 0 {
		return 0, nil
	}
	return min(100, float64(rec.DownloadedBytes)/float64(rec.TotalSize)*100), nil
}

// IsComplete reports whether the download reached the complete status.
func (m *Manager) IsComplete(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(id)
	if err != nil {
		return false, err
	}
	return rec.Status == StatusComplete, nil
}

// BytesDownloaded returns the cumulative bytes accepted into storage.
func (m *Manager) BytesDownloaded(id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(id)
	if err != nil {
		return 0, err
	}
	return rec.DownloadedBytes, nil
}

// Get returns a copy of the download's record.
func (m *Manager) Get(id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(id)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

func (m *Manager) recordPath(id string) string {
	return filepath.Join(m.dir, id+".yaml")
}

// record returns the cached record for id, falling back to the persisted
// snapshot. Callers hold m.mu.
func (m *Manager) record(id string) (*Record, error) {
	if rec, ok := m.cache[id]; ok {
		return rec, nil
	}
	data, err := os.ReadFile(m.recordPath(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.cache[id] = &rec
	return &rec, nil
}

// persist writes the record snapshot to disk. Persistence is best-effort:
// a transient disk error must never abort an active transfer, so failures
// are logged and dropped. Callers hold m.mu.
func (m *Manager) persist(id string) {
	rec, ok := m.cache[id]
	if !ok {
		return
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		logger := utils.GetLogger("ledger")
		logger.Warn().Err(err).Str("downloadId", id).Msg("Failed to serialize metadata")
		return
	}
	if err := os.WriteFile(m.recordPath(id), data, 0644); err != nil {
		logger := utils.GetLogger("ledger")
		logger.Warn().Err(err).Str("downloadId", id).Msg("Failed to persist metadata")
	}
}
