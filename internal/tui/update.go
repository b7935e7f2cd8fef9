package tui

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mediadl/mediadl/internal/core"
	"github.com/mediadl/mediadl/internal/engine/events"
	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/utils"
)

// Update handles messages and updates the model
func (m RootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.resizeBars()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case snapshotMsg:
		if msg.err != nil {
			m.flash = "refresh failed: " + msg.err.Error()
			return m, nil
		}
		m.applySnapshot(msg.snapshot, msg.recent)
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.flash = msg.err.Error()
		} else {
			m.flash = msg.text
		}
		if msg.refresh {
			return m, refresh(m.service)
		}
		return m, nil

	case streamClosedMsg:
		m.flash = "event stream closed"
		return m, nil
	}

	if events.TypeOf(msg) != "" {
		refreshNeeded := m.applyEvent(msg)
		cmds := []tea.Cmd{listenForActivity(m.events)}
		if refreshNeeded {
			cmds = append(cmds, refresh(m.service))
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m RootModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.downloads)-1 {
			m.cursor++
		}

	case key.Matches(msg, m.keys.Refresh):
		return m, refresh(m.service)

	case key.Matches(msg, m.keys.Paste):
		text, err := m.readClipboard()
		if err != nil {
			m.flash = "clipboard: " + err.Error()
			return m, nil
		}
		u := strings.TrimSpace(text)
		if !isMediaURL(u) {
			m.flash = "clipboard does not hold a URL"
			return m, nil
		}
		m.flash = "adding " + u
		return m, startCmd(m.service, u)

	case key.Matches(msg, m.keys.Stop):
		d := m.Selected()
		if d == nil || !d.Status.IsActive() {
			m.flash = "nothing to stop"
			return m, nil
		}
		return m, stopCmd(m.service, d.URLID)

	case key.Matches(msg, m.keys.Retry):
		d := m.Selected()
		if d == nil || (d.Status != types.StatusFailed && d.Status != types.StatusCancelled) {
			m.flash = "only failed or cancelled downloads can be retried"
			return m, nil
		}
		if d.RecordID == 0 {
			m.flash = "record not loaded yet, refresh first"
			return m, nil
		}
		return m, retryCmd(m.service, d.RecordID)
	}
	return m, nil
}

// applyEvent folds a push event into the rows. It reports whether the
// item reached a terminal state.
func (m *RootModel) applyEvent(msg any) bool {
	d := m.get(events.URLIDOf(msg))
	switch ev := msg.(type) {
	case events.DownloadQueuedMsg:
		d.Status = types.StatusQueued
		d.URL = ev.URL
		setTitle(d, ev.Title)
	case events.DownloadStartedMsg:
		d.Status = types.StatusDownloading
		d.URL = ev.URL
		d.Percent = 0
		d.Err = ""
		setTitle(d, ev.Title)
	case events.ProgressMsg:
		if d.Status.IsTerminal() {
			// late update from a run that already ended
			break
		}
		d.Status = types.StatusDownloading
		d.Percent = ev.Percent
		setTitle(d, ev.Title)
	case events.DownloadCompleteMsg:
		d.Status = types.StatusCompleted
		d.Percent = 100
		d.FilePath = ev.FilePath
		d.FileSize = ev.FileSize
		d.Err = ""
		setTitle(d, ev.Title)
		return true
	case events.DownloadErrorMsg:
		d.Status = types.StatusFailed
		if ev.Err != nil {
			d.Err = ev.Err.Error()
		}
		setTitle(d, ev.Title)
		return true
	case events.DownloadCancelledMsg:
		d.Status = types.StatusCancelled
		setTitle(d, ev.Title)
		return true
	}
	return false
}

// applySnapshot merges recent history, the queue and the active set.
// Live state wins over stored state.
func (m *RootModel) applySnapshot(snap *types.Snapshot, recent []types.Record) {
	for _, rec := range recent {
		if rec.Status == types.StatusCheck {
			continue
		}
		m.applyRecord(rec)
	}
	if snap != nil {
		for _, rec := range snap.Queued {
			m.applyRecord(rec)
		}
		for _, a := range snap.Active {
			d := m.get(a.URLID)
			d.Status = types.StatusDownloading
			d.URL = a.URL
			d.Percent = a.Progress
			if a.FilePath != "" {
				d.FilePath = a.FilePath
			}
			setTitle(d, a.Title)
		}
	}
	if m.cursor >= len(m.downloads) {
		m.cursor = max(len(m.downloads)-1, 0)
	}
}

func (m *RootModel) applyRecord(rec types.Record) {
	d := m.get(rec.URLID)
	d.RecordID = rec.ID
	d.URL = rec.URL
	d.Status = rec.Status
	d.Percent = rec.Progress
	d.FilePath = rec.FilePath
	d.FileSize = rec.FileSize
	d.Err = rec.ErrorMessage
	setTitle(d, rec.Title)
}

func (m *RootModel) barWidth() int {
	w := m.width - ProgressBarWidthOffset
	return min(max(w, MinProgressWidth), MaxProgressWidth)
}

func (m *RootModel) resizeBars() {
	w := m.barWidth()
	for _, d := range m.downloads {
		d.progress.Width = w
	}
}

func setTitle(d *DownloadModel, title string) {
	if title != "" {
		d.Title = title
	}
}

func isMediaURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func startCmd(service core.DownloadService, u string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), ActionTimeout)
		defer cancel()
		outcome, err := service.Start(ctx, u, utils.DeriveURLID(u), "", types.Options{})
		if err != nil {
			return actionMsg{err: fmt.Errorf("add failed: %w", err)}
		}
		return actionMsg{text: fmt.Sprintf("%s: %s", outcome, u), refresh: !outcome.Accepted()}
	}
}

func stopCmd(service core.DownloadService, urlID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), ActionTimeout)
		defer cancel()
		stopped, err := service.Stop(ctx, urlID)
		if err != nil {
			return actionMsg{err: fmt.Errorf("stop failed: %w", err)}
		}
		if !stopped {
			return actionMsg{text: "not active: " + urlID, refresh: true}
		}
		return actionMsg{text: "stopped " + urlID}
	}
}

func retryCmd(service core.DownloadService, id int64) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), ActionTimeout)
		defer cancel()
		rec, outcome, err := service.Retry(ctx, id)
		if err != nil {
			return actionMsg{err: fmt.Errorf("retry failed: %w", err)}
		}
		label := fmt.Sprint(id)
		if rec != nil {
			label = rec.URLID
		}
		return actionMsg{text: fmt.Sprintf("%s: %s", outcome, label)}
	}
}
