package types

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a download record.
type Status string

const (
	StatusPending     Status = "pending"
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"

	// StatusCheck marks rows learned from a client during history
	// reconciliation. They never count towards concurrency.
	StatusCheck Status = "check"
)

// AllStatuses lists every valid status in display order.
var AllStatuses = []Status{
	StatusPending, StatusQueued, StatusDownloading,
	StatusCompleted, StatusFailed, StatusCancelled, StatusCheck,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsActive returns true for statuses that occupy or wait for a slot.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusDownloading || s == StatusQueued
}

// IsTerminal returns true for statuses a download ends in.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Options are per-download knobs sent by the client.
type Options struct {
	Format string `json:"format,omitempty"` // overrides the configured format selector
	Direct bool   `json:"direct,omitempty"` // plain HTTP file, bypass the external tool
}

// IsZero reports whether no option is set.
func (o Options) IsZero() bool { return o.Format == "" && !o.Direct }

// Record is the durable unit of work.
type Record struct {
	ID           int64      `json:"id"`
	URLID        string     `json:"urlId"`
	URL          string     `json:"url"`
	Title        string     `json:"title,omitempty"`
	Status       Status     `json:"status"`
	Progress     float64    `json:"progress"`
	FilePath     string     `json:"filePath,omitempty"`
	FileSize     *int64     `json:"fileSize"` // nil when unknown
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Options      Options    `json:"options,omitempty"`
	StartTime    *time.Time `json:"startTime,omitempty"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	QueuedAt     *time.Time `json:"queuedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// SortField is a column history can be ordered by.
type SortField string

const (
	SortByCreatedAt SortField = "createdAt"
	SortByStartTime SortField = "startTime"
	SortByEndTime   SortField = "endTime"
	SortByTitle     SortField = "title"
	SortByStatus    SortField = "status"
	SortByProgress  SortField = "progress"
)

// SortOrder is ascending or descending.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// HistoryQuery filters and pages the history list. Zero value means all
// records, newest first.
type HistoryQuery struct {
	Status    Status    `json:"status,omitempty"`
	SortBy    SortField `json:"sortBy,omitempty"`
	SortOrder SortOrder `json:"sortOrder,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// Statistics holds per-status record counts.
type Statistics struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
}

// Outcome is the result of an admission decision. These are normal
// results, not errors.
type Outcome string

const (
	OutcomeStarted            Outcome = "started"
	OutcomeQueued             Outcome = "queued"
	OutcomeAlreadyDownloading Outcome = "already_downloading"
	OutcomeAlreadyQueued      Outcome = "already_queued"
	OutcomeAlreadyCompleted   Outcome = "already_completed"
)

// Accepted reports whether the request resulted in new work.
func (o Outcome) Accepted() bool {
	return o == OutcomeStarted || o == OutcomeQueued
}

// ActiveDownload is a diagnostics view of an item in the active set.
type ActiveDownload struct {
	URLID     string    `json:"urlId"`
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	Progress  float64   `json:"progress"`
	FilePath  string    `json:"filePath,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Snapshot is the engine's current active set and queue.
type Snapshot struct {
	MaxConcurrent int              `json:"maxConcurrent"`
	Active        []ActiveDownload `json:"active"`
	Queued        []Record         `json:"queued"`
}

// MarshalOptions encodes options for storage; zero options encode as "".
func MarshalOptions(o Options) string {
	if o.IsZero() {
		return ""
	}
	data, err := json.Marshal(o)
	if err != nil {
		return ""
	}
	return string(data)
}

// UnmarshalOptions decodes stored options, ignoring malformed blobs.
func UnmarshalOptions(raw string) Options {
	var o Options
	if raw == "" {
		return o
	}
	_ = json.Unmarshal([]byte(raw), &o)
	return o
}
