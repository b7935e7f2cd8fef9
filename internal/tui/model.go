package tui

import (
	"context"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mediadl/mediadl/internal/core"
	"github.com/mediadl/mediadl/internal/engine/types"
)

// DownloadModel is one row of the dashboard.
type DownloadModel struct {
	RecordID int64
	URLID    string
	URL      string
	Title    string
	Status   types.Status
	Percent  float64 // 0..100
	FilePath string
	FileSize *int64
	Err      string

	progress progress.Model
}

func newDownloadModel(urlID string) *DownloadModel {
	return &DownloadModel{
		URLID:    urlID,
		Status:   types.StatusPending,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

// Label is the title when known, otherwise the url or its id.
func (d *DownloadModel) Label() string {
	switch {
	case d.Title != "":
		return d.Title
	case d.URL != "":
		return d.URL
	}
	return d.URLID
}

type RootModel struct {
	service core.DownloadService
	events  <-chan any

	downloads []*DownloadModel
	index     map[string]*DownloadModel
	cursor    int

	width  int
	height int

	help help.Model
	keys keyMap

	flash string

	// readClipboard is swapped out in tests
	readClipboard func() (string, error)
}

// NewRootModel builds the dashboard for a service. events is the stream
// returned by StreamEvents and may be nil.
func NewRootModel(service core.DownloadService, events <-chan any) RootModel {
	return RootModel{
		service:       service,
		events:        events,
		index:         make(map[string]*DownloadModel),
		help:          help.New(),
		keys:          Keys,
		readClipboard: clipboard.ReadAll,
	}
}

func (m RootModel) Init() tea.Cmd {
	return tea.Batch(refresh(m.service), listenForActivity(m.events))
}

// Downloads returns the rows in display order.
func (m RootModel) Downloads() []*DownloadModel { return m.downloads }

// Selected returns the row under the cursor, or nil.
func (m RootModel) Selected() *DownloadModel {
	if m.cursor < 0 || m.cursor >= len(m.downloads) {
		return nil
	}
	return m.downloads[m.cursor]
}

// Flash returns the current status line.
func (m RootModel) Flash() string { return m.flash }

// get returns the row for urlID, adding it when missing.
func (m *RootModel) get(urlID string) *DownloadModel {
	if d, ok := m.index[urlID]; ok {
		return d
	}
	d := newDownloadModel(urlID)
	d.progress.Width = m.barWidth()
	m.index[urlID] = d
	m.downloads = append(m.downloads, d)
	return d
}

// streamClosedMsg is sent when the event stream ends.
type streamClosedMsg struct{}

func listenForActivity(sub <-chan any) tea.Cmd {
	if sub == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-sub
		if !ok {
			return streamClosedMsg{}
		}
		return msg
	}
}

// snapshotMsg carries the active set and the recent history.
type snapshotMsg struct {
	snapshot *types.Snapshot
	recent   []types.Record
	err      error
}

func refresh(service core.DownloadService) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), ActionTimeout)
		defer cancel()

		snap, err := service.Active(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		recent, err := service.History(ctx, types.HistoryQuery{Limit: RecentHistoryLimit})
		if err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{snapshot: snap, recent: recent}
	}
}

// actionMsg reports the result of a key action.
type actionMsg struct {
	text    string
	err     error
	refresh bool
}
