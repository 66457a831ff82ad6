// Package engine coordinates segmented transfers: it plans byte ranges,
// fans segment fetches out over a bounded worker pool shared by every
// download, folds received bytes into the ledger and storage, and owns
// cancellation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hokuto/raido/internal/fetch"
	"github.com/hokuto/raido/internal/ledger"
	"github.com/hokuto/raido/internal/retry"
	"github.com/hokuto/raido/internal/segment"
	"github.com/hokuto/raido/internal/storage"
	"github.com/hokuto/raido/internal/utils"
)

const speedSampleInterval = 100 * time.Millisecond

// Config tunes one Engine instance.
type Config struct {
	// Workers bounds concurrent segment fetches across all downloads.
	Workers int

	// SegmentRetries is the attempt budget per segment fetch.
	SegmentRetries int
}

// Engine drives downloads end to end. Statuses live in the ledger;
// the engine keeps only the transient per-download execution state.
type Engine struct {
	client  *fetch.Client
	store   *storage.Manager
	ledger  *ledger.Manager
	retrier retry.Policy

	tasks    chan func()
	quit     chan struct{}
	workerWG sync.WaitGroup
	coordWG  sync.WaitGroup

	mu        sync.Mutex
	downloads map[string]*state
	closed    bool
}

// state is the execution-side record of one download. Counters are
// guarded by mu, held only for the update itself, never across I/O.
type state struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	bytes           int64
	speed           float64
	lastSampleAt    time.Time
	lastSampleBytes int64
}

// New starts an engine with cfg.Workers pool workers.
func New(cfg Config, client *fetch.Client, store *storage.Manager, led *ledger.Manager) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	e := &Engine{
		client:    client,
		store:     store,
		ledger:    led,
		retrier:   retry.New(cfg.SegmentRetries),
		tasks:     make(chan func()),
		quit:      make(chan struct{}),
		downloads: make(map[string]*state),
	}
	for range cfg.Workers {
		e.workerWG.Add(1)
		go func() {
			defer e.workerWG.Done()
			for {
				select {
				case task := <-e.tasks:
					task()
				case <-e.quit:
					return
				}
			}
		}()
	}
	return e
}

// Start begins a download and returns its id. The remote size probe runs
// synchronously: a probe failure fails the download here, before any
// scratch storage is created or segment work scheduled.
func (e *Engine) Start(ctx context.Context, url, outputPath string) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", errors.New("engine is shut down")
	}
	e.mu.Unlock()

	id := uuid.NewString()
	log := utils.GetLogger("engine").With().Str("downloadId", id).Logger()
	e.ledger.Create(id, url, outputPath)

	totalSize, err := e.client.FileSize(ctx, url)
	if err != nil {
		e.ledger.SetStatus(id, ledger.StatusFailed)
		log.Error().Err(err).Str("url", url).Msg("Size probe failed")
		return "", fmt.Errorf("failed to get file size: %w", err)
	}
	e.ledger.SetTotalSize(id, totalSize)

	if err := e.store.Prepare(id, outputPath); err != nil {
		e.ledger.SetStatus(id, ledger.StatusFailed)
		log.Error().Err(err).Msg("Failed to prepare scratch storage")
		return "", err
	}

	st := &state{done: make(chan struct{})}
	st.ctx, st.cancel = context.WithCancel(context.Background())
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		st.cancel()
		e.store.Discard(id)
		e.ledger.SetStatus(id, ledger.StatusCancelled)
		return "", errors.New("engine is shut down")
	}
	e.downloads[id] = st
	e.mu.Unlock()

	e.ledger.SetStatus(id, ledger.StatusRunning)
	log.Debug().Str("url", url).Int64("size", totalSize).Msg("Download started")
	e.coordWG.Add(1)
	go e.run(id, url, outputPath, totalSize, st)
	return id, nil
}

// run is the per-download coordinator: it submits one task per planned
// segment, joins them all, then finalizes on full success or discards the
// scratch file on failure/cancellation.
func (e *Engine) run(id, url, outputPath string, totalSize int64, st *state) {
	defer e.coordWG.Done()
	defer close(st.done)
	log := utils.GetLogger("engine").With().Str("downloadId", id).Logger()

	ranges := segment.Plan(totalSize)
	log.Debug().Int("segments", len(ranges)).Int64("size", totalSize).Msg("Segment plan computed")

	var wg sync.WaitGroup
	var errOnce sync.Once
	var segErr error
	for _, rng := range ranges {
		if st.ctx.Err() != nil {
			break
		}
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if st.ctx.Err() != nil {
				return
			}
			w := &segmentWriter{engine: e, state: st, id: id}
			err := e.retrier.Do(st.ctx, func() error {
				w.offset = rng.Start
				return e.client.Fetch(st.ctx, url, rng.Start, rng.End, w, nil)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Int64("start", rng.Start).Int64("end", rng.End).Msg("Segment download failed")
				errOnce.Do(func() { segErr = err })
				st.cancel()
			}
		}
		if !e.submit(st, task) {
			wg.Done()
		}
	}
	wg.Wait()

	switch {
	case segErr != nil:
		e.store.Discard(id)
		e.ledger.SetStatus(id, ledger.StatusFailed)
		log.Error().Err(segErr).Msg("Download failed")
	case st.ctx.Err() != nil:
		e.store.Discard(id)
		e.ledger.SetStatus(id, ledger.StatusCancelled)
		log.Debug().Msg("Download cancelled")
	default:
		if err := e.store.Finalize(id, outputPath); err != nil {
			e.store.Discard(id)
			e.ledger.SetStatus(id, ledger.StatusFailed)
			log.Error().Err(err).Msg("Failed to finalize download")
		} else {
			e.ledger.MarkComplete(id)
			log.Debug().Str("output", outputPath).Msg("Download completed")
		}
	}

	st.cancel()
	st.mu.Lock()
	st.speed = 0
	st.mu.Unlock()
}

// submit hands a task to the pool, giving up if the download or the
// engine is torn down first. Callers must undo their WaitGroup add when
// submit reports false.
func (e *Engine) submit(st *state, task func()) bool {
	select {
	case e.tasks <- task:
		return true
	case <-st.ctx.Done():
		return false
	case <-e.quit:
		return false
	}
}

// recordBytes folds a write-side byte delta into the download's counters
// and, at most once per sample interval, recomputes the instantaneous
// speed from the bytes observed in the window.
func (e *Engine) recordBytes(st *state, n int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.bytes += n
	now := time.Now()
	if st.lastSampleAt.IsZero() {
		st.lastSampleAt = now
		return
	}
	if elapsed := now.Sub(st.lastSampleAt); elapsed >= speedSampleInterval {
		st.speed = float64(st.bytes-st.lastSampleBytes) / elapsed.Seconds()
		st.lastSampleAt = now
		st.lastSampleBytes = st.bytes
	}
}

// Speed returns the instantaneous throughput estimate in bytes/sec, zero
// for unknown or finished downloads.
func (e *Engine) Speed(id string) float64 {
	e.mu.Lock()
	st := e.downloads[id]
	e.mu.Unlock()
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.speed
}

// Cancel requests cooperative cancellation of a download. In-flight
// segment tasks observe it at their next write; queued tasks become
// no-ops. Idempotent, and a no-op for unknown ids.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	st := e.downloads[id]
	e.mu.Unlock()
	if st == nil {
		return
	}
	st.cancel()
}

// CancelAll cancels every known download.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	states := make([]*state, 0, len(e.downloads))
	for _, st := range e.downloads {
		states = append(states, st)
	}
	e.mu.Unlock()
	for _, st := range states {
		st.cancel()
	}
}

// Wait blocks until the download reaches a terminal state or ctx is
// cancelled. Unknown ids return the ledger's not-found error.
func (e *Engine) Wait(ctx context.Context, id string) error {
	e.mu.Lock()
	st := e.downloads[id]
	e.mu.Unlock()
	if st == nil {
		_, err := e.ledger.Get(id)
		return err
	}
	select {
	case <-st.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every active download, waits for coordinators to
// settle, and stops the worker pool. Safe to call more than once.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	states := make([]*state, 0, len(e.downloads))
	for _, st := range e.downloads {
		states = append(states, st)
	}
	e.downloads = make(map[string]*state)
	e.mu.Unlock()

	for _, st := range states {
		st.cancel()
	}
	close(e.quit)
	e.coordWG.Wait()
	e.workerWG.Wait()
}

// segmentWriter routes one segment's bytes into the scratch file at the
// segment's running offset and accounts them only after storage accepted
// the write, keeping the write path the single source of truth for
// downloaded bytes. Each Write doubles as a cancellation check point.
type segmentWriter struct {
	engine *Engine
	state  *state
	id     string
	offset int64
}

func (w *segmentWriter) Write(p []byte) (int, error) {
	if err := w.state.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := w.engine.store.WriteAt(w.id, p, w.offset)
	if n > 0 {
		w.engine.ledger.AddBytes(w.id, w.offset, w.offset+int64(n)-1)
		w.engine.recordBytes(w.state, int64(n))
		w.offset += int64(n)
	}
	return n, err
}
