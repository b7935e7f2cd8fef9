// Package fetchtest provides a scriptable fetch.Fetcher for engine and
// gateway tests.
package fetchtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/fetch"
)

// Fetcher records every call and hands each started run to the test,
// which drives it through a Run.
type Fetcher struct {
	mu        sync.Mutex
	runs      map[string][]*Run
	titles    map[string]string
	resolved  map[string]string
	startErr  map[string]error
	titleHits int
}

// New returns an empty fake.
func New() *Fetcher {
	return &Fetcher{
		runs:     make(map[string][]*Run),
		titles:   make(map[string]string),
		resolved: make(map[string]string),
		startErr: make(map[string]error),
	}
}

// SetTitle sets the probe result for urlID.
func (f *Fetcher) SetTitle(urlID, title string) {
	f.mu.Lock()
	f.titles[urlID] = title
	f.mu.Unlock()
}

// SetResolved sets the post-hoc output path for urlID.
func (f *Fetcher) SetResolved(urlID, path string) {
	f.mu.Lock()
	f.resolved[urlID] = path
	f.mu.Unlock()
}

// FailStart makes Start for urlID return err.
func (f *Fetcher) FailStart(urlID string, err error) {
	f.mu.Lock()
	f.startErr[urlID] = err
	f.mu.Unlock()
}

func (f *Fetcher) Start(ctx context.Context, req fetch.Request) (<-chan fetch.Event, error) {
	f.mu.Lock()
	if err := f.startErr[req.URLID]; err != nil {
		f.mu.Unlock()
		return nil, err
	}
	run := &Run{
		Req:    req,
		ctx:    ctx,
		events: make(chan fetch.Event, types.EventChannelBuffer),
	}
	f.runs[req.URLID] = append(f.runs[req.URLID], run)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		run.finish()
	}()

	return run.events, nil
}

func (f *Fetcher) Title(ctx context.Context, req fetch.Request) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titleHits++
	return f.titles[req.URLID]
}

func (f *Fetcher) ResolveOutput(ctx context.Context, req fetch.Request, title string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved[req.URLID]
}

// Starts returns how many times urlID was started.
func (f *Fetcher) Starts(urlID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs[urlID])
}

// TotalStarts returns the number of Start calls that succeeded.
func (f *Fetcher) TotalStarts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.runs {
		n += len(r)
	}
	return n
}

// TitleProbes returns how many title probes ran.
func (f *Fetcher) TitleProbes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.titleHits
}

// Last returns the latest run for urlID, or nil.
func (f *Fetcher) Last(urlID string) *Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	runs := f.runs[urlID]
	if len(runs) == 0 {
		return nil
	}
	return runs[len(runs)-1]
}

// WaitRun blocks until urlID has been started n times and returns the
// latest run.
func (f *Fetcher) WaitRun(urlID string, n int, timeout time.Duration) (*Run, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		runs := f.runs[urlID]
		f.mu.Unlock()
		if len(runs) >= n {
			return runs[len(runs)-1], nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, errors.New("fetchtest: timed out waiting for run of " + urlID)
}

// Run is one started fetch. Its methods emit adapter events.
type Run struct {
	Req fetch.Request

	ctx    context.Context
	mu     sync.Mutex
	closed bool
	events chan fetch.Event
}

func (r *Run) emit(ev fetch.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.events <- ev
}

func (r *Run) Progress(pct float64) { r.emit(fetch.Event{Kind: fetch.EventProgress, Percent: pct}) }

func (r *Run) Destination(path string) {
	r.emit(fetch.Event{Kind: fetch.EventDestination, Path: path})
}

func (r *Run) MergeDestination(path string) {
	r.emit(fetch.Event{Kind: fetch.EventMergeDestination, Path: path})
}

func (r *Run) AlreadyDownloaded(path string) {
	r.emit(fetch.Event{Kind: fetch.EventAlreadyDownloaded, Path: path})
}

func (r *Run) Fail(err error) { r.emit(fetch.Event{Kind: fetch.EventError, Err: err}) }

// Close ends the run the way a normal process exit does.
func (r *Run) Close() { r.finish() }

// Cancelled reports whether the engine cancelled this run.
func (r *Run) Cancelled() bool { return r.ctx.Err() != nil }

// Closed reports whether the event stream has ended.
func (r *Run) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Run) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.events <- fetch.Event{Kind: fetch.EventClose}
	close(r.events)
}
