package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the wire tag of a domain event.
type Type string

const (
	TypeStarted   Type = "started"
	TypeProgress  Type = "progress"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypeCancelled Type = "cancelled"
	TypeQueued    Type = "queued"
)

// DownloadStartedMsg is emitted when an item enters the active set
type DownloadStartedMsg struct {
	URLID     string    `json:"urlId"`
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// ProgressMsg represents a progress update from the fetcher
type ProgressMsg struct {
	URLID   string  `json:"urlId"`
	Percent float64 `json:"percent"`
	Title   string  `json:"title,omitempty"`
}

// DownloadCompleteMsg signals that the download finished successfully.
// Cached is set when the record was already completed and the fetcher was
// never invoked.
type DownloadCompleteMsg struct {
	URLID    string `json:"urlId"`
	Title    string `json:"title,omitempty"`
	FilePath string `json:"filePath,omitempty"`
	FileSize *int64 `json:"fileSize"`
	Cached   bool   `json:"cached,omitempty"`
}

// DownloadErrorMsg signals that a download failed
type DownloadErrorMsg struct {
	URLID string
	Title string
	Err   error
}

func (m DownloadErrorMsg) MarshalJSON() ([]byte, error) {
	type encoded struct {
		URLID string `json:"urlId"`
		Title string `json:"title,omitempty"`
		Error string `json:"error,omitempty"`
	}

	out := encoded{
		URLID: m.URLID,
		Title: m.Title,
	}
	if m.Err != nil {
		out.Error = m.Err.Error()
	}

	return json.Marshal(out)
}

func (m *DownloadErrorMsg) UnmarshalJSON(data []byte) error {
	var aux struct {
		URLID string          `json:"urlId"`
		Title string          `json:"title"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.URLID = aux.URLID
	m.Title = aux.Title
	m.Err = nil

	if len(aux.Error) == 0 {
		return nil
	}

	var errStr string
	if err := json.Unmarshal(aux.Error, &errStr); err == nil {
		if errStr != "" {
			m.Err = errors.New(errStr)
		}
		return nil
	}

	// Accept non-string payloads from older clients.
	raw := string(aux.Error)
	if raw != "" && raw != "null" {
		m.Err = errors.New(raw)
	}
	return nil
}

type DownloadCancelledMsg struct {
	URLID string `json:"urlId"`
	Title string `json:"title,omitempty"`
}

type DownloadQueuedMsg struct {
	URLID string `json:"urlId"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Envelope is the tagged form of an event on the push channel.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TypeOf returns the wire tag for a domain event, or "" if msg is not one.
func TypeOf(msg any) Type {
	switch msg.(type) {
	case DownloadStartedMsg:
		return TypeStarted
	case ProgressMsg:
		return TypeProgress
	case DownloadCompleteMsg:
		return TypeCompleted
	case DownloadErrorMsg:
		return TypeFailed
	case DownloadCancelledMsg:
		return TypeCancelled
	case DownloadQueuedMsg:
		return TypeQueued
	}
	return ""
}

// URLIDOf returns the urlId a domain event refers to.
func URLIDOf(msg any) string {
	switch m := msg.(type) {
	case DownloadStartedMsg:
		return m.URLID
	case ProgressMsg:
		return m.URLID
	case DownloadCompleteMsg:
		return m.URLID
	case DownloadErrorMsg:
		return m.URLID
	case DownloadCancelledMsg:
		return m.URLID
	case DownloadQueuedMsg:
		return m.URLID
	}
	return ""
}

// IsTerminal reports whether msg ends the lifecycle of its download.
func IsTerminal(msg any) bool {
	switch msg.(type) {
	case DownloadCompleteMsg, DownloadErrorMsg, DownloadCancelledMsg:
		return true
	}
	return false
}

// Encode wraps a domain event into its tagged envelope.
func Encode(msg any) (Envelope, error) {
	t := TypeOf(msg)
	if t == "" {
		return Envelope{}, fmt.Errorf("unknown event type %T", msg)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s event: %w", t, err)
	}
	return Envelope{Type: t, Payload: payload}, nil
}

// Decode turns an envelope back into its typed domain event.
func Decode(env Envelope) (any, error) {
	var (
		msg any
		err error
	)
	switch env.Type {
	case TypeStarted:
		var m DownloadStartedMsg
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case TypeProgress:
		var m ProgressMsg
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case TypeCompleted:
		var m DownloadCompleteMsg
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case TypeFailed:
		var m DownloadErrorMsg
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case TypeCancelled:
		var m DownloadCancelledMsg
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case TypeQueued:
		var m DownloadQueuedMsg
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", env.Type, err)
	}
	return msg, nil
}
