package core

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/mediadl/mediadl/internal/engine/events"
)

// Notifier receives engine events forwarded by the host.
type Notifier interface {
	Notify(msg any)
}

// ConsoleNotifier prints a line for every finished or failed download.
type ConsoleNotifier struct {
	mu  sync.Mutex
	Out io.Writer
}

// NewConsoleNotifier writes to stdout.
func NewConsoleNotifier() *ConsoleNotifier {
	return &ConsoleNotifier{Out: os.Stdout}
}

func (n *ConsoleNotifier) Notify(msg any) {
	var line string
	switch m := msg.(type) {
	case events.DownloadCompleteMsg:
		if m.Cached {
			return
		}
		size := "unknown size"
		if m.FileSize != nil {
			size = humanize.Bytes(uint64(*m.FileSize))
		}
		line = fmt.Sprintf("Complete: %s [%s]", label(m.Title, m.URLID), size)
		if m.FilePath != "" {
			line += " " + m.FilePath
		}
	case events.DownloadErrorMsg:
		line = fmt.Sprintf("Error: %s: %v", label(m.Title, m.URLID), m.Err)
	default:
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintln(out, line)
}

func label(title, urlID string) string {
	if title != "" {
		return title
	}
	return urlID
}
