package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/mediadl/mediadl/internal/config"
	"github.com/mediadl/mediadl/internal/engine/events"
	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/gateway"
	"github.com/mediadl/mediadl/internal/utils"
)

// clientOrigin is the Origin presented on the push channel.
const clientOrigin = "http://localhost/"

// RemoteDownloadService implements DownloadService for a running daemon.
type RemoteDownloadService struct {
	BaseURL string
	Client  *http.Client
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRemoteDownloadService creates a new remote service instance.
func NewRemoteDownloadService(baseURL string) *RemoteDownloadService {
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteDownloadService{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (s *RemoteDownloadService) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	if ctx == nil {
		ctx = s.ctx
	}
	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		// Limit error body read to 1KB
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		msg := strings.TrimSpace(string(bodyBytes))
		var decoded struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(bodyBytes, &decoded) == nil && decoded.Error != "" {
			msg = decoded.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	return resp, nil
}

// call performs a request and decodes the JSON answer into out.
func (s *RemoteDownloadService) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := s.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// Health checks that the daemon answers.
func (s *RemoteDownloadService) Health(ctx context.Context) (*gateway.Health, error) {
	var h gateway.Health
	if err := s.call(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *RemoteDownloadService) Start(ctx context.Context, u, urlID, title string, opts types.Options) (types.Outcome, error) {
	var resp gateway.StartResponse
	req := gateway.StartRequest{URL: u, URLID: urlID, Title: title, Options: opts}
	if err := s.call(ctx, http.MethodPost, "/download", req, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (s *RemoteDownloadService) Stop(ctx context.Context, urlID string) (bool, error) {
	var resp struct {
		Success bool `json:"success"`
	}
	if err := s.call(ctx, http.MethodPost, "/stop_download", gateway.StopRequest{URLID: urlID}, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

func (s *RemoteDownloadService) Retry(ctx context.Context, id int64) (*types.Record, types.Outcome, error) {
	var resp gateway.RetryResponse
	if err := s.call(ctx, http.MethodPost, "/retry", gateway.RetryRequest{ID: id}, &resp); err != nil {
		return nil, "", err
	}
	return resp.Record, resp.Status, nil
}

func (s *RemoteDownloadService) Active(ctx context.Context) (*types.Snapshot, error) {
	var snap types.Snapshot
	if err := s.call(ctx, http.MethodGet, "/active", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// HistoryValues encodes q as query parameters.
func HistoryValues(q types.HistoryQuery) url.Values {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", string(q.Status))
	}
	if q.SortBy != "" {
		v.Set("sortBy", string(q.SortBy))
	}
	if q.SortOrder != "" {
		v.Set("sortOrder", string(q.SortOrder))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

func (s *RemoteDownloadService) History(ctx context.Context, q types.HistoryQuery) ([]types.Record, error) {
	path := "/history"
	if enc := HistoryValues(q).Encode(); enc != "" {
		path += "?" + enc
	}
	var recs []types.Record
	if err := s.call(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *RemoteDownloadService) Statistics(ctx context.Context) (*types.Statistics, error) {
	var stats types.Statistics
	if err := s.call(ctx, http.MethodGet, "/statistics", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *RemoteDownloadService) DeleteHistory(ctx context.Context, ids []int64) (int64, error) {
	var resp gateway.CountResponse
	if err := s.call(ctx, http.MethodPost, "/history/delete", gateway.DeleteRequest{IDs: ids}, &resp); err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

func (s *RemoteDownloadService) ClearHistory(ctx context.Context) (int64, error) {
	var resp gateway.CountResponse
	if err := s.call(ctx, http.MethodPost, "/history/clear", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

func (s *RemoteDownloadService) Settings(ctx context.Context) (*config.Settings, error) {
	var settings config.Settings
	if err := s.call(ctx, http.MethodGet, "/settings", nil, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *RemoteDownloadService) ApplySettings(ctx context.Context, settings *config.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.call(ctx, http.MethodPut, "/settings", settings, nil)
}

// Shutdown stops the service.
func (s *RemoteDownloadService) Shutdown() error {
	s.cancel()
	return nil
}

// StreamEvents returns a channel that receives real-time download events
// from the push channel. The stream reconnects until ctx or the service is
// done.
func (s *RemoteDownloadService) StreamEvents(ctx context.Context) (<-chan any, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan any, types.EventChannelBuffer)
	go s.streamWithReconnect(ctx, ch)
	return ch, cancel, nil
}

// wsURL maps the base URL onto the push channel endpoint.
func (s *RemoteDownloadService) wsURL() (string, error) {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (s *RemoteDownloadService) streamWithReconnect(ctx context.Context, ch chan any) {
	defer close(ch)
	backoff := 1 * time.Second
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ctx.Done():
			return
		default:
		}

		connected, err := s.connectWS(ctx, ch)
		if err == nil {
			return
		}
		if connected {
			backoff = 1 * time.Second
		}
		utils.Debug("RemoteService: event stream lost: %v (retry in %s)", err, backoff)

		// Check context again before sleeping
		select {
		case <-s.ctx.Done():
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// connectWS reads events until the connection fails. It returns a nil
// error only when ctx ends.
func (s *RemoteDownloadService) connectWS(ctx context.Context, ch chan any) (bool, error) {
	target, err := s.wsURL()
	if err != nil {
		return false, err
	}
	cfg, err := websocket.NewConfig(target, clientOrigin)
	if err != nil {
		return false, err
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		case <-done:
		}
		_ = ws.Close()
	}()

	for {
		var env events.Envelope
		if err := websocket.JSON.Receive(ws, &env); err != nil {
			if ctx.Err() != nil || s.ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}

		msg, err := events.Decode(env)
		if err != nil {
			// sync-history replies and unknown types
			continue
		}

		// Non-blocking send
		select {
		case ch <- msg:
		default:
			// Drop message if channel is full to prevent blocking the reader
		}
	}
}

// SyncHistory runs one reconciliation round over a fresh push channel
// connection and returns the ids the caller is missing.
func (s *RemoteDownloadService) SyncHistory(ctx context.Context, ids []string) ([]string, error) {
	target, err := s.wsURL()
	if err != nil {
		return nil, err
	}
	cfg, err := websocket.NewConfig(target, clientOrigin)
	if err != nil {
		return nil, err
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ws.Close() }()

	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	if err := websocket.JSON.Send(ws, gateway.ClientMessage{Type: gateway.MsgSyncHistory, Data: data}); err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	for {
		var raw []byte
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			return nil, err
		}
		var reply gateway.SyncReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			continue
		}
		// Events may arrive before the reply.
		if reply.Type == gateway.MsgSyncHistory {
			return reply.Data, nil
		}
	}
}
