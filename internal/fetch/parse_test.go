package fetch

import (
	"testing"
)

func TestParseStdoutLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		ok      bool
		kind    EventKind
		percent float64
		path    string
	}{
		{"progress", "[download]  42.5% of ~10.00MiB at 1.00MiB/s ETA 00:05", true, EventProgress, 42.5, ""},
		{"progress integer", "[download] 100% of 10.00MiB in 00:00:03", true, EventProgress, 100, ""},
		{"progress capped", "[download] 100.4% of 10.00MiB", true, EventProgress, 100, ""},
		{"progress with CR", "[download]   7.0% of 1.00MiB\r", true, EventProgress, 7, ""},
		{"destination", "[download] Destination: /tmp/out/Clip [abc].f137.mp4", true, EventDestination, 0, "/tmp/out/Clip [abc].f137.mp4"},
		{"already downloaded", "[download] /tmp/out/Clip.mp4 has already been downloaded", true, EventAlreadyDownloaded, 0, "/tmp/out/Clip.mp4"},
		{"already downloaded and merged", "[download] /tmp/out/Clip.mkv has already been downloaded and merged", true, EventAlreadyDownloaded, 0, "/tmp/out/Clip.mkv"},
		{"merger", `[Merger] Merging formats into "/tmp/out/Clip.mkv"`, true, EventMergeDestination, 0, "/tmp/out/Clip.mkv"},
		{"extract audio", "[ExtractAudio] Destination: /tmp/out/Clip.mp3", true, EventMergeDestination, 0, "/tmp/out/Clip.mp3"},
		{"move files", `[MoveFiles] Moving file "/tmp/a.mp4" to "/home/u/a.mp4"`, true, EventMergeDestination, 0, "/home/u/a.mp4"},
		{"info line", "[youtube] abc: Downloading webpage", false, 0, 0, ""},
		{"empty", "", false, 0, 0, ""},
		{"download without percent", "[download] Downloading item 1 of 3", false, 0, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := parseStdoutLine(tt.line)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if ev.Kind != tt.kind {
				t.Errorf("kind = %v, want %v", ev.Kind, tt.kind)
			}
			if ev.Percent != tt.percent {
				t.Errorf("percent = %v, want %v", ev.Percent, tt.percent)
			}
			if ev.Path != tt.path {
				t.Errorf("path = %q, want %q", ev.Path, tt.path)
			}
		})
	}
}

func TestParseStderrLine(t *testing.T) {
	tests := []struct {
		line string
		msg  string
		ok   bool
	}{
		{"ERROR: [youtube] abc: Video unavailable", "[youtube] abc: Video unavailable", true},
		{"ERROR: unable to download video data: HTTP Error 403: Forbidden\r", "unable to download video data: HTTP Error 403: Forbidden", true},
		{"WARNING: falling back to generic extractor", "", false},
		{"  ERROR: indented lines are not errors", "", false},
	}
	for _, tt := range tests {
		msg, ok := parseStderrLine(tt.line)
		if ok != tt.ok || msg != tt.msg {
			t.Errorf("parseStderrLine(%q) = (%q, %v), want (%q, %v)", tt.line, msg, ok, tt.msg, tt.ok)
		}
	}
}

func TestEventKindString(t *testing.T) {
	if got := EventMergeDestination.String(); got != "merge_destination" {
		t.Errorf("String() = %q", got)
	}
	if got := EventKind(99).String(); got != "unknown" {
		t.Errorf("String() = %q", got)
	}
}
