// Package fetch runs a single download and reports its lifecycle as a
// stream of events.
package fetch

import (
	"context"
	"errors"

	"github.com/mediadl/mediadl/internal/engine/types"
)

// ErrCancelled marks errors caused by the caller cancelling a run.
var ErrCancelled = errors.New("download cancelled")

// EventKind identifies a fetch event.
type EventKind int

const (
	EventProgress EventKind = iota
	EventDestination
	EventMergeDestination
	EventAlreadyDownloaded
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventDestination:
		return "destination"
	case EventMergeDestination:
		return "merge_destination"
	case EventAlreadyDownloaded:
		return "already_downloaded"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	}
	return "unknown"
}

// Event is one step of a running fetch.
type Event struct {
	Kind    EventKind
	Percent float64 // EventProgress
	Path    string  // EventDestination, EventMergeDestination, EventAlreadyDownloaded
	Err     error   // EventError
}

// Request describes one download and where its output goes.
type Request struct {
	URL     string
	URLID   string
	Title   string
	Options types.Options

	OutputDir        string
	FilenameTemplate string
	FormatSelector   string
	ProxyURL         string
	ToolPath         string // yt-dlp executable, overrides the fetcher default
}

// Fetcher starts downloads. The channel returned by Start ends with exactly
// one EventClose and is then closed. Cancelling ctx terminates the run;
// errors caused by the cancellation are not reported.
type Fetcher interface {
	Start(ctx context.Context, req Request) (<-chan Event, error)

	// Title probes metadata for a human label. Failures yield "".
	Title(ctx context.Context, req Request) string

	// ResolveOutput locates the finished artifact when the run never
	// reported a destination. Failures yield "".
	ResolveOutput(ctx context.Context, req Request, title string) string
}

// IsCancellation reports whether err stems from a cancelled run.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// NewRequest builds a request using the runtime output settings. A format
// in opts overrides the configured selector.
func NewRequest(url, urlID, title string, opts types.Options, rc *types.RuntimeConfig) Request {
	req := Request{
		URL:     url,
		URLID:   urlID,
		Title:   title,
		Options: opts,
	}
	if rc != nil {
		req.OutputDir = rc.OutputDir
		req.FilenameTemplate = rc.FilenameTemplate
		req.FormatSelector = rc.FormatSelector
		req.ProxyURL = rc.ProxyURL
		req.ToolPath = rc.YtDlpPath
	}
	if opts.Format != "" {
		req.FormatSelector = opts.Format
	}
	return req
}
