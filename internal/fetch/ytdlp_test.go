package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/testutil"
)

// fakeTool writes a shell script standing in for yt-dlp.
func fakeTool(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake yt-dlp needs a POSIX shell")
	}
	p := filepath.Join(t.TempDir(), "yt-dlp")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for close, events so far: %v", got)
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestYtDlp_Start_Success(t *testing.T) {
	outDir := t.TempDir()
	argsFile := filepath.Join(t.TempDir(), "args")
	tool := fakeTool(t, fmt.Sprintf(`printf '%%s\n' "$@" > %q
echo "[youtube] abc: Downloading webpage"
echo "[download] Destination: %s/Clip.f137.mp4"
echo "[download]  10.0%% of 1.00MiB at 1.00MiB/s ETA 00:01"
echo "[download] 100%% of 1.00MiB in 00:00:01"
echo "[Merger] Merging formats into \"%s/Clip.mkv\""
`, argsFile, outDir, outDir))

	req := Request{
		URL:            "https://example.com/watch?v=abc",
		URLID:          "abc",
		OutputDir:      outDir,
		FormatSelector: "bestvideo+bestaudio",
		ProxyURL:       "socks5://127.0.0.1:1080",
	}
	ch, err := NewYtDlp(tool).Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	events := collect(t, ch)

	want := []EventKind{EventDestination, EventProgress, EventProgress, EventMergeDestination, EventClose}
	got := kinds(events)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if events[0].Path != filepath.Join(outDir, "Clip.f137.mp4") {
		t.Errorf("destination = %q", events[0].Path)
	}
	if events[2].Percent != 100 {
		t.Errorf("last progress = %v", events[2].Percent)
	}
	if events[3].Path != filepath.Join(outDir, "Clip.mkv") {
		t.Errorf("merge destination = %q", events[3].Path)
	}

	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	args := strings.Split(strings.TrimSpace(string(raw)), "\n")
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--newline",
		"-o " + filepath.Join(outDir, "%(title)s.%(ext)s"),
		"-f bestvideo+bestaudio",
		"--proxy socks5://127.0.0.1:1080",
		"--no-playlist",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if args[len(args)-1] != req.URL || args[len(args)-2] != "--" {
		t.Errorf("URL must follow --, got %v", args[len(args)-2:])
	}
}

func TestYtDlp_Start_AlreadyDownloaded(t *testing.T) {
	tool := fakeTool(t, `echo "[download] /media/Clip.mp4 has already been downloaded"`)

	ch, err := NewYtDlp(tool).Start(context.Background(), Request{URL: "u", URLID: "a", OutputDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)
	if len(events) != 2 || events[0].Kind != EventAlreadyDownloaded || events[1].Kind != EventClose {
		t.Fatalf("events = %v", kinds(events))
	}
	if events[0].Path != "/media/Clip.mp4" {
		t.Errorf("path = %q", events[0].Path)
	}
}

func TestYtDlp_Start_ErrorLine(t *testing.T) {
	tool := fakeTool(t, `echo "[download]   5.0% of 1.00MiB"
echo "WARNING: something odd" >&2
echo "ERROR: [generic] Unsupported URL: https://example.com" >&2
exit 1
`)

	ch, err := NewYtDlp(tool).Start(context.Background(), Request{URL: "u", URLID: "a", OutputDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)
	want := []EventKind{EventProgress, EventError, EventClose}
	if fmt.Sprint(kinds(events)) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", kinds(events), want)
	}
	if got := events[1].Err.Error(); got != "[generic] Unsupported URL: https://example.com" {
		t.Errorf("error = %q", got)
	}
}

func TestYtDlp_Start_ExitCodeWithoutMessage(t *testing.T) {
	tool := fakeTool(t, "exit 3\n")

	ch, err := NewYtDlp(tool).Start(context.Background(), Request{URL: "u", URLID: "a", OutputDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)
	if len(events) != 2 || events[0].Kind != EventError || events[1].Kind != EventClose {
		t.Fatalf("events = %v", kinds(events))
	}
	if !strings.Contains(events[0].Err.Error(), "yt-dlp exited") {
		t.Errorf("error = %v", events[0].Err)
	}
}

func TestYtDlp_Start_CancelSuppressesError(t *testing.T) {
	tool := fakeTool(t, `echo "[download]   1.0% of 1.00MiB"
exec sleep 30
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := NewYtDlp(tool).Start(ctx, Request{URL: "u", URLID: "a", OutputDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != EventProgress {
			t.Fatalf("first event = %v, want progress", ev.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no progress before cancel")
	}

	start := time.Now()
	cancel()
	events := collect(t, ch)
	if len(events) != 1 || events[0].Kind != EventClose {
		t.Fatalf("events after cancel = %v, want only close", kinds(events))
	}
	if elapsed := time.Since(start); elapsed > killGrace+2*time.Second {
		t.Errorf("cancel took %v", elapsed)
	}
}

func TestYtDlp_Start_MissingBinary(t *testing.T) {
	y := NewYtDlp(filepath.Join(t.TempDir(), "does-not-exist"))
	if _, err := y.Start(context.Background(), Request{URL: "u", URLID: "a"}); err == nil {
		t.Fatal("expected error for missing binary")
	}
	if _, err := y.Start(context.Background(), Request{URLID: "a"}); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestYtDlp_Title(t *testing.T) {
	tool := fakeTool(t, `case "$1" in
--print) echo "My Clip"; echo "second line";;
*) exit 1;;
esac
`)
	y := NewYtDlp("")
	req := Request{URL: "u", URLID: "a", ToolPath: tool}
	if got := y.Title(context.Background(), req); got != "My Clip" {
		t.Errorf("Title = %q, want %q", got, "My Clip")
	}

	failing := fakeTool(t, "echo 'ERROR: nope' >&2\nexit 1\n")
	req.ToolPath = failing
	if got := y.Title(context.Background(), req); got != "" {
		t.Errorf("Title on failure = %q, want empty", got)
	}
}

func TestYtDlp_ResolveOutput_ExtensionChanged(t *testing.T) {
	outDir := t.TempDir()
	tool := fakeTool(t, fmt.Sprintf(`for a in "$@"; do
  if [ "$a" = "--get-filename" ]; then echo "%s/Clip.webm"; exit 0; fi
done
exit 1
`, outDir))
	testutil.CreateTestFile(t, outDir, "Clip.mkv.part", 10)
	want := testutil.CreateTestFile(t, outDir, "Clip.mkv", 10)

	got := NewYtDlp(tool).ResolveOutput(context.Background(), Request{URL: "u", URLID: "a", OutputDir: outDir}, "Clip")
	if got != want {
		t.Errorf("ResolveOutput = %q, want %q", got, want)
	}
}

func TestYtDlp_ResolveOutput_ScanFallback(t *testing.T) {
	outDir := t.TempDir()
	tool := fakeTool(t, "exit 1\n")

	testutil.CreateTestFile(t, outDir, "notes.txt", 600)
	older := testutil.CreateMediaFile(t, outDir, "older.mp3")
	newer := testutil.CreateMediaFile(t, outDir, "newer.mp3")
	titled := testutil.CreateMediaFile(t, outDir, "My Clip.mp3")

	now := time.Now()
	_ = os.Chtimes(older, now.Add(-2*time.Hour), now.Add(-2*time.Hour))
	_ = os.Chtimes(titled, now.Add(-time.Hour), now.Add(-time.Hour))
	_ = os.Chtimes(newer, now, now)

	y := NewYtDlp(tool)
	req := Request{URL: "u", URLID: "a", OutputDir: outDir}

	if got := y.ResolveOutput(context.Background(), req, "My Clip"); got != titled {
		t.Errorf("titled match = %q, want %q", got, titled)
	}
	if got := y.ResolveOutput(context.Background(), req, ""); got != newer {
		t.Errorf("newest match = %q, want %q", got, newer)
	}
	req.OutputDir = filepath.Join(outDir, "missing")
	if got := y.ResolveOutput(context.Background(), req, ""); got != "" {
		t.Errorf("missing dir = %q, want empty", got)
	}
}

func TestNewRequest(t *testing.T) {
	rc := &types.RuntimeConfig{
		OutputDir:        "/out",
		FilenameTemplate: "%(id)s.%(ext)s",
		FormatSelector:   "best",
		YtDlpPath:        "/opt/yt-dlp",
		ProxyURL:         "http://proxy:3128",
	}
	req := NewRequest("u", "a", "t", types.Options{}, rc)
	if req.OutputDir != "/out" || req.FormatSelector != "best" || req.ToolPath != "/opt/yt-dlp" || req.ProxyURL != rc.ProxyURL {
		t.Errorf("unexpected request %+v", req)
	}
	req = NewRequest("u", "a", "t", types.Options{Format: "bestaudio"}, rc)
	if req.FormatSelector != "bestaudio" {
		t.Errorf("format override = %q", req.FormatSelector)
	}
	if req = NewRequest("u", "a", "", types.Options{}, nil); req.OutputDir != "" {
		t.Errorf("nil config should leave output empty")
	}
}
