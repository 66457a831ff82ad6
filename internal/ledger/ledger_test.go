package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestProgressZeroBeforeSizeKnown(t *testing.T) {
	m := newTestManager(t)
	m.Create("dl1", "http://example.com/f", "/tmp/f")

	if err := m.AddBytes("dl1", 0, 4095); err != nil {
		t.Fatalf("AddBytes: %v", err)
	}
	progress, err := m.Progress("dl1")
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if progress != 0 {
		t.Errorf("progress = %v before size known, want 0", progress)
	}
}

// Concurrent segment tasks report disjoint ranges partitioning the whole
// resource; the accumulated total must equal the resource size exactly.
func TestAddBytesConcurrentPartition(t *testing.T) {
	m := newTestManager(t)
	m.Create("dl1", "http://example.com/f", "/tmp/f")

	const total = 8 * 1024 * 1024
	const parts = 16
	const step = total / parts
	if err := m.SetTotalSize("dl1", total); err != nil {
		t.Fatalf("SetTotalSize: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < parts; i++ {
		wg.Add(1)
		go func(start int64) {
			defer wg.Done()
			m.AddBytes("dl1", start, start+step-1)
		}(int64(i) * step)
	}
	wg.Wait()

	bytes, err := m.BytesDownloaded("dl1")
	if err != nil {
		t.Fatalf("BytesDownloaded: %v", err)
	}
	if bytes != total {
		t.Errorf("downloaded bytes = %d, want %d", bytes, total)
	}
	progress, _ := m.Progress("dl1")
	if progress != 100 {
		t.Errorf("progress = %v, want 100", progress)
	}
}

func TestProgressClampedAtHundred(t *testing.T) {
	m := newTestManager(t)
	m.Create("dl1", "http://example.com/f", "/tmp/f")
	m.SetTotalSize("dl1", 1000)

	// Overlapping retry ranges can double-count.
	m.AddBytes("dl1", 0, 999)
	m.AddBytes("dl1", 0, 499)

	progress, err := m.Progress("dl1")
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if progress != 100 {
		t.Errorf("progress = %v, want clamp at 100", progress)
	}
}

func TestTerminalStatusIsSticky(t *testing.T) {
	m := newTestManager(t)
	m.Create("dl1", "http://example.com/f", "/tmp/f")

	if err := m.MarkComplete("dl1"); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	if err := m.SetStatus("dl1", StatusFailed); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	rec, err := m.Get("dl1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusComplete {
		t.Errorf("status = %q after terminal transition attempt, want %q", rec.Status, StatusComplete)
	}
	done, _ := m.IsComplete("dl1")
	if !done {
		t.Error("IsComplete = false, want true")
	}
}

func TestUnknownIDReturnsNotFound(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Progress("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Progress error = %v, want ErrNotFound", err)
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
	if err := m.AddBytes("missing", 0, 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddBytes error = %v, want ErrNotFound", err)
	}
}

func TestSnapshotReloadedFromDisk(t *testing.T) {
	dir := t.TempDir()
	first, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	first.Create("dl1", "http://example.com/f", "/tmp/f")
	first.SetTotalSize("dl1", 2048)
	first.AddBytes("dl1", 0, 1023)
	first.SetStatus("dl1", StatusRunning)
	want, _ := first.Get("dl1")

	// A fresh manager over the same directory must load the snapshot.
	second, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	got, err := second.Get("dl1")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("reloaded record mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistFailureIsSwallowed(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "meta")
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Create("dl1", "http://example.com/f", "/tmp/f")
	// Losing the metadata directory must not break the in-memory ledger.
	os.RemoveAll(dir)

	if err := m.AddBytes("dl1", 0, 99); err != nil {
		t.Fatalf("AddBytes after losing metadata dir: %v", err)
	}
	bytes, err := m.BytesDownloaded("dl1")
	if err != nil {
		t.Fatalf("BytesDownloaded: %v", err)
	}
	if bytes != 100 {
		t.Errorf("downloaded bytes = %d, want 100", bytes)
	}
}

func TestSnapshotFileWritten(t *testing.T) {
	dir := t.TempDir()
	m, _ := NewManager(dir)
	m.Create("dl1", "http://example.com/f", "/tmp/f")

	if _, err := os.Stat(filepath.Join(dir, "dl1.yaml")); err != nil {
		t.Errorf("expected persisted snapshot: %v", err)
	}
}
