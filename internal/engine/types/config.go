package types

import (
	"time"
)

// Size constants
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
)

// Engine tuning
const (
	// InboxBuffer is the capacity of the engine's command channel.
	InboxBuffer = 256

	// ProbeTimeout bounds the metadata probe run before a fetch.
	ProbeTimeout = 30 * time.Second

	// ResolveTimeout bounds post-hoc output file resolution.
	ResolveTimeout = 30 * time.Second
)

// Channel buffer sizes
const (
	EventChannelBuffer = 100
)

// RuntimeConfig is the subset of settings the engine and fetcher act on.
type RuntimeConfig struct {
	MaxConcurrentDownloads int
	OutputDir              string
	FilenameTemplate       string
	FormatSelector         string
	YtDlpPath              string
	ProxyURL               string
}
