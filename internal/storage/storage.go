// Package storage owns scratch files for in-flight downloads and moves
// them into place once every segment has landed.
package storage

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hokuto/raido/internal/utils"
)

const checksumBufferSize = 64 * 1024

// ErrUnsupportedAlgorithm is returned for checksum algorithms outside the
// supported set.
var ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")

// ErrNoScratchFile is returned when a write or finalize targets a
// download with no prepared scratch file.
var ErrNoScratchFile = errors.New("no scratch file for download")

// hashers is the closed set of supported checksum algorithms.
var hashers = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// Manager allocates one scratch directory per download under a common
// root. Segment tasks write into the scratch file at disjoint offsets;
// the destination path is untouched until Finalize.
type Manager struct {
	root  string
	mu    sync.Mutex
	files map[string]*os.File
	dests map[string]string
}

// NewManager creates a storage manager rooted at root, creating the
// directory if needed.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("error creating scratch root: %w", err)
	}
	return &Manager{
		root:  root,
		files: make(map[string]*os.File),
		dests: make(map[string]string),
	}, nil
}

func (m *Manager) scratchDir(id string) string {
	return filepath.Join(m.root, id)
}

func (m *Manager) scratchPath(id string) string {
	return filepath.Join(m.scratchDir(id), "data")
}

// Prepare creates the scratch directory and data file for a download and
// records its destination path.
func (m *Manager) Prepare(id, outputPath string) error {
	dir := m.scratchDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating scratch directory: %w", err)
	}
	f, err := os.OpenFile(m.scratchPath(id), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("error opening scratch file: %w", err)
	}
	m.mu.Lock()
	m.files[id] = f
	m.dests[id] = outputPath
	m.mu.Unlock()
	return nil
}

// WriteAt writes p into the scratch file at the absolute byte offset.
// Concurrent callers target disjoint ranges by construction, so the write
// itself needs no lock.
func (m *Manager) WriteAt(id string, p []byte, off int64) (int, error) {
	m.mu.Lock()
	f, ok := m.files[id]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoScratchFile, id)
	}
	return f.WriteAt(p, off)
}

// Finalize closes the scratch file and atomically moves it to the
// destination path, creating missing parent directories. A failure here
// must never leave a partial file at the destination. Scratch directory
// removal afterwards is best-effort.
func (m *Manager) Finalize(id, outputPath string) error {
	log := utils.GetLogger("storage").With().Str("downloadId", id).Logger()
	m.mu.Lock()
	f, ok := m.files[id]
	delete(m.files, id)
	m.mu.Unlock()
	if ok {
		if err := f.Close(); err != nil {
			return fmt.Errorf("error closing scratch file: %w", err)
		}
	}
	src := m.scratchPath(id)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: %s", ErrNoScratchFile, id)
	}
	if dir := filepath.Dir(outputPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating destination directory: %w", err)
		}
	}
	if err := moveFile(src, outputPath); err != nil {
		return fmt.Errorf("error moving file to %s: %w", outputPath, err)
	}
	if err := os.RemoveAll(m.scratchDir(id)); err != nil {
		log.Warn().Err(err).Msg("Failed to remove scratch directory")
	}
	m.mu.Lock()
	m.dests[id] = outputPath
	m.mu.Unlock()
	log.Debug().Str("output", outputPath).Msg("Scratch file moved into place")
	return nil
}

// Discard closes and removes a download's scratch storage. Used on
// failure and cancellation paths so partial bytes are never exposed.
func (m *Manager) Discard(id string) {
	m.mu.Lock()
	f, ok := m.files[id]
	delete(m.files, id)
	m.mu.Unlock()
	if ok {
		f.Close()
	}
	if err := os.RemoveAll(m.scratchDir(id)); err != nil {
		logger := utils.GetLogger("storage")
		logger.Warn().Err(err).Str("downloadId", id).Msg("Failed to remove scratch directory")
	}
}

// VerifyChecksum hashes the finalized destination file with the named
// algorithm and compares the hex digest against expected,
// case-insensitively.
func (m *Manager) VerifyChecksum(id, algorithm, expected string) (bool, error) {
	m.mu.Lock()
	outputPath, ok := m.dests[id]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("no output path for download %s", id)
	}
	newHash, ok := hashers[strings.ToLower(algorithm)]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
	f, err := os.Open(outputPath)
	if err != nil {
		return false, fmt.Errorf("error opening output file: %w", err)
	}
	defer f.Close()
	h := newHash()
	buf := make([]byte, checksumBufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return false, fmt.Errorf("error hashing output file: %w", err)
	}
	digest := fmt.Sprintf("%x", h.Sum(nil))
	return digest == strings.ToLower(expected), nil
}

// Close releases every open scratch file handle. Scratch directories are
// left behind for inspection; Discard removes them.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.files {
		f.Close()
		delete(m.files, id)
	}
}

// moveFile renames src to dst, falling back to a copy for cross-device
// moves. The copy lands at a temporary name and is renamed so readers
// never observe a partial destination file.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".raido-part"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
