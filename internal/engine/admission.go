package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mediadl/mediadl/internal/engine/events"
	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/fetch"
	"github.com/mediadl/mediadl/internal/store"
	"github.com/mediadl/mediadl/internal/utils"
)

// admit decides whether urlID starts now, waits in the queue or needs no
// work. popped is set when the record was just taken off the queue.
func (e *Engine) admit(url, urlID, title string, opts types.Options, popped bool) (types.Outcome, error) {
	if !popped {
		if _, ok := e.active[urlID]; ok {
			return types.OutcomeAlreadyDownloading, nil
		}

		rec, err := e.store.GetByURLID(e.ctx, urlID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("lookup %s: %w", urlID, err)
		}
		if rec != nil {
			switch rec.Status {
			case types.StatusCompleted:
				utils.Debug("Engine: %s already completed at %s", urlID, rec.FilePath)
				e.publish(events.DownloadCompleteMsg{
					URLID:    urlID,
					Title:    rec.Title,
					FilePath: rec.FilePath,
					FileSize: rec.FileSize,
					Cached:   true,
				})
				return types.OutcomeAlreadyCompleted, nil
			case types.StatusQueued:
				return types.OutcomeAlreadyQueued, nil
			}
			if title == "" {
				title = rec.Title
			}
			if opts.IsZero() {
				opts = rec.Options
			}
		}
	}

	if len(e.active) >= e.cfg.MaxConcurrentDownloads {
		rec, err := e.store.UpdateQueued(e.ctx, urlID, url, title, opts)
		if err != nil {
			return "", fmt.Errorf("queue %s: %w", urlID, err)
		}
		utils.Debug("Engine: queued %s (%d active)", urlID, len(e.active))
		e.publish(events.DownloadQueuedMsg{URLID: urlID, URL: url, Title: rec.Title})
		return types.OutcomeQueued, nil
	}

	if err := e.launch(url, urlID, title, opts); err != nil {
		return "", err
	}
	return types.OutcomeStarted, nil
}

// launch moves urlID into the active set and starts its fetch goroutine.
func (e *Engine) launch(url, urlID, title string, opts types.Options) error {
	rec, err := e.store.UpdateStart(e.ctx, urlID, url, title, opts)
	if err != nil {
		return fmt.Errorf("start %s: %w", urlID, err)
	}

	startedAt := time.Now()
	if rec.StartTime != nil {
		startedAt = *rec.StartTime
	}

	e.gen++
	runCtx, cancel := context.WithCancel(e.ctx)
	a := &activeDownload{
		req:       fetch.NewRequest(url, urlID, rec.Title, opts, &e.cfg),
		gen:       e.gen,
		cancel:    cancel,
		startedAt: startedAt,
		title:     rec.Title,
	}
	e.active[urlID] = a

	utils.Debug("Engine: started %s (%d/%d active)", urlID, len(e.active), e.cfg.MaxConcurrentDownloads)
	e.publish(events.DownloadStartedMsg{
		URLID:     urlID,
		URL:       url,
		Title:     a.title,
		StartedAt: a.startedAt,
	})

	e.wg.Add(1)
	go e.runFetch(runCtx, a.req, a.gen)
	return nil
}

// stop cancels urlID if it is running, or drops it from the queue.
func (e *Engine) stop(urlID string) (bool, error) {
	if a, ok := e.active[urlID]; ok {
		a.cancel()
		delete(e.active, urlID)
		if _, err := e.store.UpdateCancelled(e.ctx, urlID); err != nil {
			utils.Debug("Engine: persisting cancel of %s failed: %v", urlID, err)
		}
		utils.Debug("Engine: stopped %s", urlID)
		e.publish(events.DownloadCancelledMsg{URLID: urlID, Title: a.title})
		e.advance()
		return true, nil
	}

	rec, err := e.store.GetByURLID(e.ctx, urlID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", urlID, err)
	}
	if rec.Status != types.StatusQueued {
		return false, nil
	}
	ok, err := e.store.UpdateCancelled(e.ctx, urlID)
	if err != nil {
		return false, fmt.Errorf("cancel queued %s: %w", urlID, err)
	}
	if ok {
		utils.Debug("Engine: removed %s from queue", urlID)
		e.publish(events.DownloadCancelledMsg{URLID: urlID, Title: rec.Title})
	}
	return ok, nil
}

// retry re-arms record id. A record that is running, or queued while
// every slot is taken, is left alone.
func (e *Engine) retry(id int64) (*types.Record, types.Outcome, error) {
	rec, err := e.store.GetByID(e.ctx, id)
	if err != nil {
		return nil, "", err
	}
	if _, ok := e.active[rec.URLID]; ok {
		return rec, types.OutcomeAlreadyDownloading, nil
	}

	status := types.StatusPending
	if len(e.active) >= e.cfg.MaxConcurrentDownloads {
		if rec.Status == types.StatusQueued {
			return rec, types.OutcomeAlreadyQueued, nil
		}
		status = types.StatusQueued
	}
	rec, err = e.store.ResetForRetry(e.ctx, id, status)
	if err != nil {
		return nil, "", fmt.Errorf("reset %d: %w", id, err)
	}

	if status == types.StatusQueued {
		utils.Debug("Engine: retry of %s queued", rec.URLID)
		e.publish(events.DownloadQueuedMsg{URLID: rec.URLID, URL: rec.URL, Title: rec.Title})
		return rec, types.OutcomeQueued, nil
	}

	if err := e.launch(rec.URL, rec.URLID, rec.Title, rec.Options); err != nil {
		if ferr := e.store.UpdateFailed(e.ctx, rec.URLID, err.Error(), rec.Title); ferr != nil {
			utils.Debug("Engine: persisting failed retry of %s: %v", rec.URLID, ferr)
		}
		return nil, "", err
	}
	if updated, err := e.store.GetByID(e.ctx, id); err == nil {
		rec = updated
	}
	return rec, types.OutcomeStarted, nil
}

// recoverUnfinished re-admits records a previous process left behind.
// Interrupted downloads get slots before queued ones; queued records that
// cannot start keep their place.
func (e *Engine) recoverUnfinished() (int, error) {
	recs, err := e.store.ListUnfinished(e.ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished: %w", err)
	}

	n := 0
	for _, rec := range recs {
		if _, ok := e.active[rec.URLID]; ok {
			continue
		}
		if rec.Status == types.StatusQueued && len(e.active) >= e.cfg.MaxConcurrentDownloads {
			n++
			continue
		}
		if _, _, err := e.retry(rec.ID); err != nil {
			utils.Debug("Engine: recovering %s failed: %v", rec.URLID, err)
			continue
		}
		n++
	}
	utils.Debug("Engine: recovered %d unfinished downloads", n)
	e.advance()
	return n, nil
}

// advance fills free slots from the queue.
func (e *Engine) advance() {
	for !e.closing && len(e.active) < e.cfg.MaxConcurrentDownloads {
		rec, err := e.store.PopNextQueued(e.ctx)
		if err != nil {
			utils.Debug("Engine: pop queue failed: %v", err)
			return
		}
		if rec == nil {
			return
		}
		if _, ok := e.active[rec.URLID]; ok {
			utils.Debug("Engine: popped %s while active, skipping", rec.URLID)
			continue
		}
		utils.Debug("Engine: promoting %s from queue", rec.URLID)
		if _, err := e.admit(rec.URL, rec.URLID, rec.Title, rec.Options, true); err != nil {
			utils.Debug("Engine: promoting %s failed: %v", rec.URLID, err)
			if ferr := e.store.UpdateFailed(e.ctx, rec.URLID, err.Error(), rec.Title); ferr != nil {
				utils.Debug("Engine: persisting failed promotion of %s: %v", rec.URLID, ferr)
			}
			e.publish(events.DownloadErrorMsg{URLID: rec.URLID, Title: rec.Title, Err: err})
		}
	}
}
