package tui

import "time"

const (
	// Timeouts and Intervals
	ActionTimeout = 10 * time.Second

	// How many finished records the view loads on refresh
	RecentHistoryLimit = 20

	// Layout Offsets and Padding
	HeaderWidthOffset      = 2
	ProgressBarWidthOffset = 8
	DefaultPaddingX        = 1
	DefaultPaddingY        = 0
	MinProgressWidth       = 10
	MaxProgressWidth       = 60
	TitleMaxWidth          = 60
)
