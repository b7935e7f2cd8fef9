// Package engine owns admission control, the download queue and the
// per-item state machine. All decisions run on a single goroutine; fetch
// runs and probes post their results back to it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/mediadl/mediadl/internal/engine/events"
	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/fetch"
	"github.com/mediadl/mediadl/internal/utils"
)

var (
	// ErrClosed is returned by calls made after Shutdown.
	ErrClosed = errors.New("engine is shut down")

	// ErrInvalidRequest is returned when url or urlId is missing.
	ErrInvalidRequest = errors.New("url and urlId are required")
)

// Store is the persistence the engine needs. *store.Store implements it.
type Store interface {
	GetByURLID(ctx context.Context, urlID string) (*types.Record, error)
	GetByID(ctx context.Context, id int64) (*types.Record, error)
	UpdateStart(ctx context.Context, urlID, url, title string, opts types.Options) (*types.Record, error)
	UpdateQueued(ctx context.Context, urlID, url, title string, opts types.Options) (*types.Record, error)
	UpdateProgress(ctx context.Context, urlID string, percent float64, title string) (bool, error)
	UpdateComplete(ctx context.Context, urlID, filePath, title string, fileSize *int64) (bool, error)
	UpdateFailed(ctx context.Context, urlID, errorMessage, title string) error
	UpdateCancelled(ctx context.Context, urlID string) (bool, error)
	PopNextQueued(ctx context.Context) (*types.Record, error)
	ResetForRetry(ctx context.Context, id int64, status types.Status) (*types.Record, error)
	ListUnfinished(ctx context.Context) ([]types.Record, error)
	ListQueued(ctx context.Context) ([]types.Record, error)
}

// activeDownload tracks a download that's currently running
type activeDownload struct {
	req       fetch.Request
	gen       uint64
	cancel    context.CancelFunc
	startedAt time.Time

	title     string
	progress  float64
	destPath  string
	mergePath string
	resolving bool
}

// outputPath prefers the post-processing destination over the raw one.
func (a *activeDownload) outputPath() string {
	if a.mergePath != "" {
		return a.mergePath
	}
	return a.destPath
}

type Engine struct {
	store   Store
	fetcher fetch.Fetcher
	bus     *events.Bus

	inbox   chan func()
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	wg      sync.WaitGroup // fetch runs, probes and resolutions

	// ctx bounds store calls and post-hoc resolution.
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the loop goroutine.
	cfg     types.RuntimeConfig
	active  map[string]*activeDownload
	gen     uint64
	closing bool
}

// New starts an engine. Events are published on bus.
func New(st Store, fetcher fetch.Fetcher, bus *events.Bus, cfg types.RuntimeConfig) *Engine {
	if cfg.MaxConcurrentDownloads < 1 {
		cfg.MaxConcurrentDownloads = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:   st,
		fetcher: fetcher,
		bus:     bus,
		inbox:   make(chan func(), types.InboxBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		active:  make(map[string]*activeDownload),
	}
	go e.loop()
	return e
}

func (e *Engine) loop() {
	defer close(e.stopped)
	for {
		select {
		case fn := <-e.inbox:
			e.exec(fn)
		case <-e.done:
			return
		}
	}
}

// exec runs one command, keeping the loop alive if it panics.
func (e *Engine) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			utils.Debug("Engine: recovered panic: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
}

// post hands fn to the loop. It reports false once the engine stopped.
func (e *Engine) post(fn func()) bool {
	select {
	case e.inbox <- fn:
		return true
	case <-e.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func call[T any](ctx context.Context, e *Engine, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	var zero T
	reply := make(chan result, 1)
	cmd := func() {
		v, err := fn()
		reply <- result{v, err}
	}

	select {
	case e.inbox <- cmd:
	case <-e.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.val, r.err
	case <-e.stopped:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (e *Engine) publish(msg any) {
	if e.bus != nil {
		e.bus.Publish(msg)
	}
}

// Start submits a download and reports the admission outcome.
func (e *Engine) Start(ctx context.Context, url, urlID, title string, opts types.Options) (types.Outcome, error) {
	if url == "" || urlID == "" {
		return "", ErrInvalidRequest
	}
	return call(ctx, e, func() (types.Outcome, error) {
		if e.closing {
			return "", ErrClosed
		}
		return e.admit(url, urlID, title, opts, false)
	})
}

// Stop cancels an active or queued download. It reports false when urlID
// has nothing to stop.
func (e *Engine) Stop(ctx context.Context, urlID string) (bool, error) {
	return call(ctx, e, func() (bool, error) {
		return e.stop(urlID)
	})
}

// Retry re-arms record id and runs it again, or queues it when at capacity.
func (e *Engine) Retry(ctx context.Context, id int64) (*types.Record, types.Outcome, error) {
	type retried struct {
		rec     *types.Record
		outcome types.Outcome
	}
	r, err := call(ctx, e, func() (retried, error) {
		if e.closing {
			return retried{}, ErrClosed
		}
		rec, outcome, err := e.retry(id)
		return retried{rec, outcome}, err
	})
	return r.rec, r.outcome, err
}

// Recover re-admits every record left unfinished by a previous process.
// Hosts call it before accepting external requests.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	return call(ctx, e, func() (int, error) {
		return e.recoverUnfinished()
	})
}

// Snapshot returns the active set and the queue.
func (e *Engine) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	return call(ctx, e, func() (*types.Snapshot, error) {
		snap := &types.Snapshot{
			MaxConcurrent: e.cfg.MaxConcurrentDownloads,
			Active:        make([]types.ActiveDownload, 0, len(e.active)),
		}
		for urlID, a := range e.active {
			snap.Active = append(snap.Active, types.ActiveDownload{
				URLID:     urlID,
				URL:       a.req.URL,
				Title:     a.title,
				Progress:  a.progress,
				FilePath:  a.outputPath(),
				StartedAt: a.startedAt,
			})
		}
		sort.Slice(snap.Active, func(i, j int) bool {
			return snap.Active[i].StartedAt.Before(snap.Active[j].StartedAt)
		})
		queued, err := e.store.ListQueued(e.ctx)
		if err != nil {
			return nil, fmt.Errorf("list queue: %w", err)
		}
		snap.Queued = queued
		return snap, nil
	})
}

// SetMaxConcurrent changes the concurrency limit. Running downloads are
// never interrupted; freed capacity is filled from the queue.
func (e *Engine) SetMaxConcurrent(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1, got %d", n)
	}
	_, err := call(ctx, e, func() (struct{}, error) {
		e.cfg.MaxConcurrentDownloads = n
		e.advance()
		return struct{}{}, nil
	})
	return err
}

// SetOutput changes where and how later downloads are written.
func (e *Engine) SetOutput(ctx context.Context, dir, template, format string) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		e.cfg.OutputDir = dir
		e.cfg.FilenameTemplate = template
		e.cfg.FormatSelector = format
		return struct{}{}, nil
	})
	return err
}

// Reconfigure replaces the whole runtime configuration.
func (e *Engine) Reconfigure(ctx context.Context, cfg types.RuntimeConfig) error {
	if cfg.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1, got %d", cfg.MaxConcurrentDownloads)
	}
	_, err := call(ctx, e, func() (struct{}, error) {
		e.cfg = cfg
		e.advance()
		return struct{}{}, nil
	})
	return err
}

// Shutdown cancels every running download and waits for their goroutines.
// Records stay downloading so the next Recover picks them up.
func (e *Engine) Shutdown(ctx context.Context) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		e.closing = true
		for urlID, a := range e.active {
			a.cancel()
			delete(e.active, urlID)
		}
		return struct{}{}, nil
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		return err
	}

	e.once.Do(func() { close(e.done) })
	<-e.stopped
	e.cancel()

	waitCh := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
