package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hokuto/raido/internal/fetch"
	"github.com/hokuto/raido/internal/ledger"
	"github.com/hokuto/raido/internal/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := storage.NewManager(filepath.Join(t.TempDir(), "tmp"))
	if err != nil {
		t.Fatalf("storage.NewManager: %v", err)
	}
	led, err := ledger.NewManager(filepath.Join(t.TempDir(), "meta"))
	if err != nil {
		t.Fatalf("ledger.NewManager: %v", err)
	}
	e := New(Config{Workers: 2, SegmentRetries: 1}, fetch.NewClient(fetch.Config{}), store, led)
	t.Cleanup(e.Shutdown)
	return e
}

func TestRecordBytesSamplesAtMostEveryInterval(t *testing.T) {
	e := newTestEngine(t)
	st := &state{}

	// First delta only establishes the sampling baseline.
	e.recordBytes(st, 1000)
	if st.speed != 0 {
		t.Errorf("speed = %v after first sample, want 0", st.speed)
	}

	// A delta arriving inside the interval must not recompute.
	e.recordBytes(st, 1000)
	if st.speed != 0 {
		t.Errorf("speed = %v inside sample interval, want 0", st.speed)
	}

	// Once the interval has elapsed, the estimate reflects the window.
	st.mu.Lock()
	st.lastSampleAt = time.Now().Add(-200 * time.Millisecond)
	st.mu.Unlock()
	e.recordBytes(st, 1000)
	if st.speed <= 0 {
		t.Errorf("speed = %v after interval elapsed, want > 0", st.speed)
	}
}

func TestSpeedUnknownID(t *testing.T) {
	e := newTestEngine(t)
	if got := e.Speed("missing"); got != 0 {
		t.Errorf("Speed = %v for unknown id, want 0", got)
	}
}

func TestCancelUnknownIDIsNoOp(t *testing.T) {
	e := newTestEngine(t)
	e.Cancel("missing")
	e.Cancel("missing")
}

func TestShutdownIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	e.Shutdown()
	e.Shutdown()
}
