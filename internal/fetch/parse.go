package fetch

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	progressRe     = regexp.MustCompile(`^\[download\]\s+(\d+(?:\.\d+)?)%`)
	destinationRe  = regexp.MustCompile(`^\[download\] Destination: (.+)$`)
	alreadyRe      = regexp.MustCompile(`^\[download\] (.+) has already been downloaded`)
	mergerRe       = regexp.MustCompile(`^\[Merger\] Merging formats into "(.+)"$`)
	extractAudioRe = regexp.MustCompile(`^\[ExtractAudio\] Destination: (.+)$`)
	moveFilesRe    = regexp.MustCompile(`^\[MoveFiles\] Moving file .+ to "(.+)"$`)
	errorRe        = regexp.MustCompile(`^ERROR: (.+)$`)
)

// parseStdoutLine maps one line of yt-dlp output to an event. ok is false
// for lines that carry nothing the engine needs.
func parseStdoutLine(line string) (ev Event, ok bool) {
	line = strings.TrimRight(line, "\r\n")

	if m := alreadyRe.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventAlreadyDownloaded, Path: strings.TrimSpace(m[1])}, true
	}
	if m := destinationRe.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventDestination, Path: strings.TrimSpace(m[1])}, true
	}
	if m := progressRe.FindStringSubmatch(line); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Event{}, false
		}
		return Event{Kind: EventProgress, Percent: min(pct, 100)}, true
	}
	if m := mergerRe.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventMergeDestination, Path: m[1]}, true
	}
	if m := extractAudioRe.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventMergeDestination, Path: strings.TrimSpace(m[1])}, true
	}
	if m := moveFilesRe.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventMergeDestination, Path: m[1]}, true
	}
	return Event{}, false
}

// parseStderrLine extracts the message of an ERROR line.
func parseStderrLine(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if m := errorRe.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	return "", false
}
