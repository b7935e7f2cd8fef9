// Package testutil provides testing utilities for the mediadl daemon.
package testutil

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

// MockServer serves a single generated file the way a media CDN would.
type MockServer struct {
	Server *httptest.Server

	// Configuration
	FileSize       int64         // Size of the served file
	ContentType    string        // Content-Type header value
	Filename       string        // Filename in Content-Disposition header, omitted when empty
	StatusCode     int           // Non-zero forces an error status
	HideLength     bool          // Omit Content-Length (chunked response)
	ByteLatency    time.Duration // Delay after each chunk
	FailAfterBytes int64         // Cut the body short after N bytes (0 = never)

	// Tracking
	RequestCount  atomic.Int64
	ProbeRequests atomic.Int64
	BytesServed   atomic.Int64

	data []byte
}

// MockServerOption is a function that configures a MockServer.
type MockServerOption func(*MockServer)

// WithFileSize sets the file size to serve.
func WithFileSize(size int64) MockServerOption {
	return func(m *MockServer) {
		m.FileSize = size
	}
}

// WithFilename sets the filename in Content-Disposition header.
func WithFilename(name string) MockServerOption {
	return func(m *MockServer) {
		m.Filename = name
	}
}

// WithStatus makes every request fail with code.
func WithStatus(code int) MockServerOption {
	return func(m *MockServer) {
		m.StatusCode = code
	}
}

// WithoutLength serves the body without Content-Length.
func WithoutLength() MockServerOption {
	return func(m *MockServer) {
		m.HideLength = true
	}
}

// WithByteLatency adds artificial latency per chunk served.
func WithByteLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) {
		m.ByteLatency = d
	}
}

// WithFailAfterBytes truncates the body after n bytes.
func WithFailAfterBytes(n int64) MockServerOption {
	return func(m *MockServer) {
		m.FailAfterBytes = n
	}
}

// NewMockServerT creates a mock file server and skips the test if binding fails.
func NewMockServerT(t *testing.T, opts ...MockServerOption) *MockServer {
	t.Helper()
	m := &MockServer{
		FileSize:    256 * 1024,
		ContentType: "video/mp4",
	}
	for _, opt := range opts {
		opt(m)
	}

	m.data = make([]byte, m.FileSize)
	_, _ = rand.Read(m.data)

	m.Server = NewHTTPServerT(t, http.HandlerFunc(m.handleRequest))
	return m
}

// URL returns the address of the served file.
func (m *MockServer) URL() string {
	return m.Server.URL + "/media/clip.mp4"
}

// Data returns the bytes a complete download must contain.
func (m *MockServer) Data() []byte {
	return m.data
}

func (m *MockServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	m.RequestCount.Add(1)

	if m.StatusCode != 0 {
		http.Error(w, "Simulated failure", m.StatusCode)
		return
	}

	w.Header().Set("Content-Type", m.ContentType)
	if m.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, m.Filename))
	}

	// Probes ask for the first byte only.
	if r.Header.Get("Range") == "bytes=0-0" && m.FileSize > 0 {
		m.ProbeRequests.Add(1)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-0/%d", m.FileSize))
		w.Header().Set("Content-Length", "1")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(m.data[:1])
		return
	}

	if !m.HideLength {
		w.Header().Set("Content-Length", strconv.FormatInt(m.FileSize, 10))
	}
	w.WriteHeader(http.StatusOK)

	chunkSize := int64(16 * 1024)
	var written int64
	for written < m.FileSize {
		if m.FailAfterBytes > 0 && written >= m.FailAfterBytes {
			// Abruptly close connection by not writing more
			return
		}
		end := min(written+chunkSize, m.FileSize)
		n, err := w.Write(m.data[written:end])
		if err != nil {
			return
		}
		written += int64(n)
		m.BytesServed.Add(int64(n))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if m.ByteLatency > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(m.ByteLatency):
			}
		}
	}
}
