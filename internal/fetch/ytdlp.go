package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/h2non/filetype"

	"github.com/mediadl/mediadl/internal/config"
	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/utils"
)

// killGrace is how long a cancelled yt-dlp gets before its pipes are
// force-closed.
const killGrace = 5 * time.Second

// YtDlp drives the external yt-dlp binary.
type YtDlp struct {
	// Path is the executable; "yt-dlp" from $PATH when empty.
	Path string
}

// NewYtDlp returns a fetcher that runs the binary at path.
func NewYtDlp(path string) *YtDlp {
	return &YtDlp{Path: path}
}

func (y *YtDlp) binary(req Request) string {
	switch {
	case req.ToolPath != "":
		return req.ToolPath
	case y.Path != "":
		return y.Path
	}
	return "yt-dlp"
}

func outputTemplate(req Request) string {
	tmpl := req.FilenameTemplate
	if tmpl == "" {
		tmpl = config.DefaultFilenameTemplate
	}
	return filepath.Join(req.OutputDir, tmpl)
}

func commonArgs(req Request) []string {
	args := []string{"--no-playlist", "--no-warnings"}
	if req.ProxyURL != "" {
		args = append(args, "--proxy", req.ProxyURL)
	}
	return args
}

func (y *YtDlp) downloadArgs(req Request) []string {
	args := []string{"--newline", "--no-colors", "-o", outputTemplate(req)}
	if req.FormatSelector != "" {
		args = append(args, "-f", req.FormatSelector)
	}
	args = append(args, commonArgs(req)...)
	return append(args, "--", req.URL)
}

// Start launches yt-dlp for req and streams its events.
func (y *YtDlp) Start(ctx context.Context, req Request) (<-chan Event, error) {
	if req.URL == "" {
		return nil, errors.New("url is required")
	}
	if req.OutputDir != "" {
		if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, y.binary(req), y.downloadArgs(req)...)
	// Wait closes the write ends. WaitDelay bounds it when a killed child
	// leaves grandchildren holding the pipes.
	cmd.WaitDelay = killGrace
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	utils.Debug("yt-dlp: starting %s for %s", y.binary(req), req.URLID)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start yt-dlp: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		waitCh <- err
	}()

	ch := make(chan Event, types.EventChannelBuffer)
	go y.run(ctx, req, waitCh, stdoutR, stderrR, ch)
	return ch, nil
}

func (y *YtDlp) run(ctx context.Context, req Request, waitCh <-chan error, stdout, stderr io.Reader, ch chan<- Event) {
	defer close(ch)

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		lastErr string
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if msg, ok := parseStderrLine(line); ok {
				errMu.Lock()
				lastErr = msg
				errMu.Unlock()
			}
			utils.Debug("yt-dlp[%s] stderr: %s", req.URLID, line)
		}
		_, _ = io.Copy(io.Discard, stderr)
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ev, ok := parseStdoutLine(scanner.Text()); ok {
			ch <- ev
		}
	}
	_, _ = io.Copy(io.Discard, stdout)
	wg.Wait()

	waitErr := <-waitCh

	if ctx.Err() != nil {
		utils.Debug("yt-dlp[%s]: cancelled", req.URLID)
		ch <- Event{Kind: EventClose}
		return
	}

	errMu.Lock()
	msg := lastErr
	errMu.Unlock()

	switch {
	case waitErr != nil && msg != "":
		ch <- Event{Kind: EventError, Err: errors.New(msg)}
	case waitErr != nil:
		ch <- Event{Kind: EventError, Err: fmt.Errorf("yt-dlp exited: %w", waitErr)}
	case msg != "":
		// yt-dlp reports some failures on stderr and still exits 0.
		ch <- Event{Kind: EventError, Err: errors.New(msg)}
	}
	ch <- Event{Kind: EventClose}
}

// Title asks yt-dlp for the media title without downloading.
func (y *YtDlp) Title(ctx context.Context, req Request) string {
	ctx, cancel := context.WithTimeout(ctx, types.ProbeTimeout)
	defer cancel()

	args := append([]string{"--print", "title", "--skip-download"}, commonArgs(req)...)
	args = append(args, "--", req.URL)
	out, err := exec.CommandContext(ctx, y.binary(req), args...).Output()
	if err != nil {
		utils.Debug("yt-dlp: title probe for %s failed: %v", req.URLID, err)
		return ""
	}
	return firstLine(out)
}

// ResolveOutput asks yt-dlp which file the request maps to, falling back
// to the newest media file in the output directory.
func (y *YtDlp) ResolveOutput(ctx context.Context, req Request, title string) string {
	ctx, cancel := context.WithTimeout(ctx, types.ResolveTimeout)
	defer cancel()

	args := []string{"--get-filename", "-o", outputTemplate(req)}
	if req.FormatSelector != "" {
		args = append(args, "-f", req.FormatSelector)
	}
	args = append(args, commonArgs(req)...)
	args = append(args, "--", req.URL)

	if out, err := exec.CommandContext(ctx, y.binary(req), args...).Output(); err == nil {
		if p := firstLine(out); p != "" {
			if found := existingVariant(p); found != "" {
				return found
			}
		}
	} else {
		utils.Debug("yt-dlp: --get-filename for %s failed: %v", req.URLID, err)
	}

	return newestMedia(req.OutputDir, title)
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// existingVariant returns p if it exists, or a sibling sharing its stem.
// Merging often changes the extension yt-dlp predicted.
func existingVariant(p string) string {
	if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
		return p
	}
	stem := strings.TrimSuffix(p, filepath.Ext(p))
	matches, err := filepath.Glob(globEscape(stem) + ".*")
	if err != nil {
		return ""
	}
	for _, m := range matches {
		if strings.HasSuffix(m, ".part") || strings.HasSuffix(m, ".ytdl") {
			continue
		}
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			return m
		}
	}
	return ""
}

func globEscape(s string) string {
	r := strings.NewReplacer(`[`, `\[`, `]`, `\]`, `*`, `\*`, `?`, `\?`)
	return r.Replace(s)
}

// newestMedia scans dir for audio or video files, preferring names that
// contain title, and returns the most recently modified one.
func newestMedia(dir, title string) string {
	if dir == "" {
		return ""
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	type candidate struct {
		path    string
		modTime time.Time
		titled  bool
	}
	var found []candidate
	want := strings.ToLower(utils.SanitizeFilename(title))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		full := filepath.Join(dir, name)
		if !isMedia(full) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{
			path:    full,
			modTime: info.ModTime(),
			titled:  want != "" && strings.Contains(strings.ToLower(name), want),
		})
	}
	if len(found) == 0 {
		return ""
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].titled != found[j].titled {
			return found[i].titled
		}
		return found[i].modTime.After(found[j].modTime)
	})
	return found[0].path
}

// isMedia sniffs the file header for an audio or video signature.
func isMedia(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 261)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	return filetype.IsVideo(head) || filetype.IsAudio(head)
}
