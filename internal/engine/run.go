package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mediadl/mediadl/internal/engine/events"
	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/fetch"
	"github.com/mediadl/mediadl/internal/store"
	"github.com/mediadl/mediadl/internal/utils"
)

// runFetch probes the title when missing, starts the fetcher and forwards
// its events to the loop until the stream closes.
func (e *Engine) runFetch(ctx context.Context, req fetch.Request, gen uint64) {
	defer e.wg.Done()

	if req.Title == "" {
		if title := e.fetcher.Title(ctx, req); title != "" {
			req.Title = title
			e.post(func() { e.handleTitle(req.URLID, gen, title) })
		}
	}
	if ctx.Err() != nil {
		return
	}

	ch, err := e.fetcher.Start(ctx, req)
	if err != nil {
		e.post(func() { e.handleStartError(req.URLID, gen, err) })
		return
	}
	for ev := range ch {
		e.post(func() { e.handleEvent(req.URLID, gen, ev) })
	}
}

// current returns the active entry for urlID if it belongs to run gen.
// Events from stopped or superseded runs are dropped here.
func (e *Engine) current(urlID string, gen uint64) *activeDownload {
	a, ok := e.active[urlID]
	if !ok || a.gen != gen {
		return nil
	}
	return a
}

func (e *Engine) handleTitle(urlID string, gen uint64, title string) {
	if a := e.current(urlID, gen); a != nil && a.title == "" {
		a.title = title
		a.req.Title = title
	}
}

func (e *Engine) handleStartError(urlID string, gen uint64, err error) {
	a := e.current(urlID, gen)
	if a == nil || fetch.IsCancellation(err) {
		return
	}
	e.fail(urlID, a, err)
}

func (e *Engine) handleEvent(urlID string, gen uint64, ev fetch.Event) {
	a := e.current(urlID, gen)
	if a == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			utils.Debug("Engine: panic handling %s for %s: %v", ev.Kind, urlID, r)
			if e.current(urlID, gen) != nil {
				e.fail(urlID, a, fmt.Errorf("internal error: %v", r))
			}
		}
	}()

	switch ev.Kind {
	case fetch.EventProgress:
		a.progress = ev.Percent
		if _, err := e.store.UpdateProgress(e.ctx, urlID, ev.Percent, a.title); err != nil {
			e.fail(urlID, a, fmt.Errorf("record progress: %w", err))
			return
		}
		e.publish(events.ProgressMsg{URLID: urlID, Percent: ev.Percent, Title: a.title})

	case fetch.EventDestination:
		a.destPath = ev.Path

	case fetch.EventMergeDestination:
		a.mergePath = ev.Path

	case fetch.EventAlreadyDownloaded:
		utils.Debug("Engine: %s already on disk at %s", urlID, ev.Path)
		e.complete(urlID, a, ev.Path)

	case fetch.EventError:
		if fetch.IsCancellation(ev.Err) {
			return
		}
		e.fail(urlID, a, ev.Err)

	case fetch.EventClose:
		e.handleClose(urlID, a)
	}
}

// handleClose finalizes a run whose stream ended without a failure. When no
// path was reported the output is resolved off the loop while the item
// keeps its slot.
func (e *Engine) handleClose(urlID string, a *activeDownload) {
	rec, err := e.store.GetByURLID(e.ctx, urlID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.fail(urlID, a, fmt.Errorf("lookup on close: %w", err))
		return
	}
	if rec != nil && (rec.Status == types.StatusCancelled || rec.Status == types.StatusFailed) {
		delete(e.active, urlID)
		a.cancel()
		e.advance()
		return
	}

	if p := a.outputPath(); p != "" {
		e.complete(urlID, a, p)
		return
	}
	if a.resolving {
		return
	}

	a.resolving = true
	req, title, gen := a.req, a.title, a.gen
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		p := e.fetcher.ResolveOutput(e.ctx, req, title)
		e.post(func() {
			if cur := e.current(urlID, gen); cur != nil {
				e.complete(urlID, cur, p)
			}
		})
	}()
}

// complete persists and announces success, then frees the slot.
func (e *Engine) complete(urlID string, a *activeDownload, path string) {
	delete(e.active, urlID)
	a.cancel()

	size := fileSize(path)
	if _, err := e.store.UpdateComplete(e.ctx, urlID, path, a.title, size); err != nil {
		utils.Debug("Engine: persisting completion of %s failed: %v", urlID, err)
		if ferr := e.store.UpdateFailed(e.ctx, urlID, err.Error(), a.title); ferr != nil {
			utils.Debug("Engine: persisting failure of %s failed: %v", urlID, ferr)
		}
		e.publish(events.DownloadErrorMsg{URLID: urlID, Title: a.title, Err: err})
		e.advance()
		return
	}

	utils.Debug("Engine: completed %s -> %s", urlID, path)
	e.publish(events.DownloadCompleteMsg{
		URLID:    urlID,
		Title:    a.title,
		FilePath: path,
		FileSize: size,
	})
	e.advance()
}

// fail persists and announces a failure, then frees the slot.
func (e *Engine) fail(urlID string, a *activeDownload, err error) {
	delete(e.active, urlID)
	a.cancel()

	utils.Debug("Engine: %s failed: %v", urlID, err)
	if serr := e.store.UpdateFailed(e.ctx, urlID, err.Error(), a.title); serr != nil {
		utils.Debug("Engine: persisting failure of %s failed: %v", urlID, serr)
	}
	e.publish(events.DownloadErrorMsg{URLID: urlID, Title: a.title, Err: err})
	e.advance()
}

// fileSize returns the size of path, or nil when it cannot be determined.
func fileSize(path string) *int64 {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	size := info.Size()
	return &size
}
