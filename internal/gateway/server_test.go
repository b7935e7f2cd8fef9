package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediadl/mediadl/internal/config"
	"github.com/mediadl/mediadl/internal/engine"
	"github.com/mediadl/mediadl/internal/engine/events"
	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/store"
	"github.com/mediadl/mediadl/internal/testutil"
)

// fakeBackend records calls and returns canned results.
type fakeBackend struct {
	mu       sync.Mutex
	starts   []StartRequest
	stops    []string
	outcome  types.Outcome
	startErr error
	stopped  bool
	history  []types.Record
	query    types.HistoryQuery
	deleted  []int64
	settings *config.Settings
	applied  *config.Settings
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		outcome:  types.OutcomeStarted,
		settings: config.DefaultSettings(),
	}
}

func (f *fakeBackend) Start(_ context.Context, u, urlID, title string, opts types.Options) (types.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, StartRequest{URL: u, URLID: urlID, Title: title, Options: opts})
	return f.outcome, f.startErr
}

func (f *fakeBackend) Stop(_ context.Context, urlID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, urlID)
	return f.stopped, nil
}

func (f *fakeBackend) Retry(_ context.Context, id int64) (*types.Record, types.Outcome, error) {
	if id == 404 {
		return nil, "", store.ErrNotFound
	}
	return &types.Record{ID: id, URLID: "u", Status: types.StatusPending}, types.OutcomeStarted, nil
}

func (f *fakeBackend) Active(context.Context) (*types.Snapshot, error) {
	return &types.Snapshot{MaxConcurrent: 3, Active: []types.ActiveDownload{{URLID: "a1", Progress: 40}}}, nil
}

func (f *fakeBackend) History(_ context.Context, q types.HistoryQuery) ([]types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.query = q
	return f.history, nil
}

func (f *fakeBackend) Statistics(context.Context) (*types.Statistics, error) {
	return &types.Statistics{Total: 2, ByStatus: map[types.Status]int{types.StatusCompleted: 2}}, nil
}

func (f *fakeBackend) DeleteHistory(_ context.Context, ids []int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = ids
	return int64(len(ids)), nil
}

func (f *fakeBackend) ClearHistory(context.Context) (int64, error) { return 7, nil }

func (f *fakeBackend) Settings(context.Context) (*config.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings.Clone(), nil
}

func (f *fakeBackend) ApplySettings(_ context.Context, s *config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = s
	f.settings = s.Clone()
	return nil
}

func newTestServer(t *testing.T, backend Backend) (*Server, string) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	s := New(backend, newStore(t), bus, []string{"https://media.example.org"})
	srv := testutil.NewHTTPServerT(t, s.Handler())
	return s, srv.URL
}

func do(t *testing.T, method, target, body string, header map[string]string) (int, []byte, http.Header) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, target, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data, resp.Header
}

func TestServer_Endpoints(t *testing.T) {
	backend := newFakeBackend()
	backend.history = []types.Record{{ID: 1, URLID: "h1", Status: types.StatusCompleted}}
	_, base := newTestServer(t, backend)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		want   string
	}{
		{"health", http.MethodGet, "/health", "", 200, `"status":"ok"`},
		{"start", http.MethodPost, "/download", `{"url":"https://v.example/1","urlId":"v1","options":{"format":"bestaudio"}}`, 200, `"status":"started"`},
		{"start missing urlId", http.MethodPost, "/download", `{"url":"https://v.example/1"}`, 400, `"success":false`},
		{"start missing url", http.MethodPost, "/download", `{"urlId":"v1"}`, 400, `"success":false`},
		{"start malformed", http.MethodPost, "/download", `{"url":`, 400, `invalid JSON`},
		{"stop", http.MethodPost, "/stop_download", `{"urlId":"v1"}`, 200, `"success":false`},
		{"stop missing urlId", http.MethodPost, "/stop_download", `{}`, 400, `urlId is required`},
		{"save history ack", http.MethodPost, "/save_history", `{"anything":[1,2]}`, 200, `"success":true`},
		{"downloads", http.MethodGet, "/downloads", "", 200, `"urlId":"h1"`},
		{"active", http.MethodGet, "/active", "", 200, `"maxConcurrent":3`},
		{"statistics", http.MethodGet, "/statistics", "", 200, `"total":2`},
		{"history bad status", http.MethodGet, "/history?status=paused", "", 400, `unknown status`},
		{"history bad limit", http.MethodGet, "/history?limit=-1", "", 400, `limit`},
		{"retry", http.MethodPost, "/retry", `{"id":5}`, 200, `"status":"started"`},
		{"retry unknown", http.MethodPost, "/retry", `{"id":404}`, 404, `record not found`},
		{"retry missing id", http.MethodPost, "/retry", `{}`, 400, `id is required`},
		{"delete", http.MethodPost, "/history/delete", `{"ids":[1,2,3]}`, 200, `"deleted":3`},
		{"clear", http.MethodPost, "/history/clear", "", 200, `"deleted":7`},
		{"wrong method", http.MethodGet, "/download", "", 405, ``},
		{"unknown route", http.MethodGet, "/nope", "", 404, ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body, _ := do(t, tt.method, base+tt.path, tt.body, nil)
			assert.Equal(t, tt.code, code, string(body))
			if tt.want != "" {
				assert.Contains(t, string(body), tt.want)
			}
		})
	}

	require.Len(t, backend.starts, 1, "invalid start requests never reach the backend")
	assert.Equal(t, "v1", backend.starts[0].URLID)
	assert.Equal(t, "bestaudio", backend.starts[0].Options.Format)
	assert.Equal(t, []string{"v1"}, backend.stops)
	assert.Equal(t, []int64{1, 2, 3}, backend.deleted)
}

func TestServer_StartReportsOutcome(t *testing.T) {
	for _, outcome := range []types.Outcome{
		types.OutcomeStarted, types.OutcomeQueued, types.OutcomeAlreadyDownloading,
		types.OutcomeAlreadyQueued, types.OutcomeAlreadyCompleted,
	} {
		t.Run(string(outcome), func(t *testing.T) {
			backend := newFakeBackend()
			backend.outcome = outcome
			_, base := newTestServer(t, backend)

			code, body, _ := do(t, http.MethodPost, base+"/download", `{"url":"u","urlId":"id"}`, nil)
			require.Equal(t, http.StatusOK, code)
			var resp StartResponse
			require.NoError(t, json.Unmarshal(body, &resp))
			assert.True(t, resp.Success)
			assert.Equal(t, outcome, resp.Status)
		})
	}
}

func TestServer_StartErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{engine.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("queue x: %w", store.ErrCorrupted), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		backend := newFakeBackend()
		backend.startErr = tt.err
		_, base := newTestServer(t, backend)
		code, _, _ := do(t, http.MethodPost, base+"/download", `{"url":"u","urlId":"id"}`, nil)
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

func TestServer_HistoryQuery(t *testing.T) {
	backend := newFakeBackend()
	_, base := newTestServer(t, backend)

	code, body, _ := do(t, http.MethodGet, base+"/history?status=failed&sortBy=title&sortOrder=ASC&limit=10&offset=20", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "[]\n", string(body), "empty history is an empty array")

	assert.Equal(t, types.HistoryQuery{
		Status:    types.StatusFailed,
		SortBy:    types.SortByTitle,
		SortOrder: types.SortAsc,
		Limit:     10,
		Offset:    20,
	}, backend.query)
}

func TestServer_Settings(t *testing.T) {
	backend := newFakeBackend()
	_, base := newTestServer(t, backend)

	code, body, _ := do(t, http.MethodGet, base+"/settings", "", nil)
	require.Equal(t, http.StatusOK, code)
	var got config.Settings
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, config.DefaultMaxConcurrent, got.Downloads.MaxConcurrentDownloads)

	code, body, _ = do(t, http.MethodPut, base+"/settings", `{"downloads":{"max_concurrent_downloads":5}}`, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	require.NotNil(t, backend.applied)
	assert.Equal(t, 5, backend.applied.Downloads.MaxConcurrentDownloads)
	assert.Equal(t, config.DefaultSettings().General.FilenameTemplate, backend.applied.General.FilenameTemplate,
		"fields missing from the body keep their value")

	code, body, _ = do(t, http.MethodPut, base+"/settings", `{"downloads":{"max_concurrent_downloads":0}}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "max_concurrent_downloads")
	assert.Equal(t, 5, backend.settings.Downloads.MaxConcurrentDownloads, "rejected settings are not applied")
}

func TestServer_CORS(t *testing.T) {
	_, base := newTestServer(t, newFakeBackend())

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"chrome-extension://abcdefghijklmnop", true},
		{"moz-extension://1234-5678", true},
		{"http://localhost", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8080", true},
		{"https://media.example.org", true},
		{"https://evil.example.com", false},
		{"http://localhost.evil.example.com", false},
		{"https://localhost", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			code, _, header := do(t, http.MethodOptions, base+"/download", "", map[string]string{
				"Origin":                        tt.origin,
				"Access-Control-Request-Method": "POST",
			})
			if tt.allowed {
				assert.Equal(t, http.StatusNoContent, code)
				assert.Equal(t, tt.origin, header.Get("Access-Control-Allow-Origin"))
			} else {
				assert.Equal(t, http.StatusForbidden, code)
				assert.Empty(t, header.Get("Access-Control-Allow-Origin"))
			}
		})
	}

	code, _, _ := do(t, http.MethodPost, base+"/download", `{"url":"u","urlId":"id"}`, map[string]string{"Origin": "https://evil.example.com"})
	assert.Equal(t, http.StatusForbidden, code, "disallowed origins cannot start downloads")
}

func TestServer_SetAllowedOrigins(t *testing.T) {
	s, base := newTestServer(t, newFakeBackend())
	s.SetAllowedOrigins([]string{"https://new.example.org/"})

	code, _, _ := do(t, http.MethodGet, base+"/health", "", map[string]string{"Origin": "https://new.example.org"})
	assert.Equal(t, http.StatusOK, code)
	code, _, _ = do(t, http.MethodGet, base+"/health", "", map[string]string{"Origin": "https://media.example.org"})
	assert.Equal(t, http.StatusForbidden, code)
}

func TestParseHistoryQuery_Defaults(t *testing.T) {
	q, err := ParseHistoryQuery(url.Values{})
	require.NoError(t, err)
	assert.Equal(t, types.HistoryQuery{}, q)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	port := testutil.FreePort(t)
	bus := events.NewBus()
	defer bus.Close()
	s := New(newFakeBackend(), newStore(t), bus, nil)

	ln, err := Listen(port)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	code, body, _ := do(t, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/health", port), "", nil)
	require.Equal(t, http.StatusOK, code)
	var h Health
	require.NoError(t, json.NewDecoder(bytes.NewReader(body)).Decode(&h))
	assert.Equal(t, port, h.Port)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.NoError(t, <-done)
}
