// Package gateway is the local HTTP surface of the daemon. It relays
// requests to the engine and broadcasts engine events to websocket
// observers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mediadl/mediadl/internal/config"
	"github.com/mediadl/mediadl/internal/engine"
	"github.com/mediadl/mediadl/internal/engine/events"
	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/store"
	"github.com/mediadl/mediadl/internal/utils"
)

// Backend is the host API served over HTTP.
type Backend interface {
	Start(ctx context.Context, url, urlID, title string, opts types.Options) (types.Outcome, error)
	Stop(ctx context.Context, urlID string) (bool, error)
	Retry(ctx context.Context, id int64) (*types.Record, types.Outcome, error)
	Active(ctx context.Context) (*types.Snapshot, error)
	History(ctx context.Context, q types.HistoryQuery) ([]types.Record, error)
	Statistics(ctx context.Context) (*types.Statistics, error)
	DeleteHistory(ctx context.Context, ids []int64) (int64, error)
	ClearHistory(ctx context.Context) (int64, error)
	Settings(ctx context.Context) (*config.Settings, error)
	ApplySettings(ctx context.Context, s *config.Settings) error
}

// StartRequest is the body of POST /download.
type StartRequest struct {
	URL     string        `json:"url"`
	URLID   string        `json:"urlId"`
	Title   string        `json:"title,omitempty"`
	Options types.Options `json:"options,omitempty"`
}

// StartResponse reports the admission outcome.
type StartResponse struct {
	Success bool          `json:"success"`
	Status  types.Outcome `json:"status"`
}

// StopRequest is the body of POST /stop_download.
type StopRequest struct {
	URLID string `json:"urlId"`
}

// RetryRequest is the body of POST /retry.
type RetryRequest struct {
	ID int64 `json:"id"`
}

// RetryResponse carries the re-armed record.
type RetryResponse struct {
	Status types.Outcome `json:"status"`
	Record *types.Record `json:"record"`
}

// DeleteRequest is the body of POST /history/delete.
type DeleteRequest struct {
	IDs []int64 `json:"ids"`
}

// CountResponse reports how many records an operation removed.
type CountResponse struct {
	Success bool  `json:"success"`
	Deleted int64 `json:"deleted"`
}

// Health is the body of GET /health.
type Health struct {
	Status    string `json:"status"`
	Port      int    `json:"port"`
	Observers int    `json:"observers"`
}

// Server serves the HTTP surface and the websocket push channel.
type Server struct {
	backend Backend
	hub     *Hub
	router  chi.Router

	mu      sync.RWMutex
	origins []string
	port    int
	httpSrv *http.Server
}

// New builds the router. extraOrigins are allowed in addition to browser
// extensions and loopback pages.
func New(backend Backend, index HistoryIndex, bus *events.Bus, extraOrigins []string) *Server {
	s := &Server{
		backend: backend,
		origins: append([]string(nil), extraOrigins...),
	}
	s.hub = NewHub(bus, index, s.originAllowed)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Post("/download", s.handleStart)
	r.Post("/stop_download", s.handleStop)
	r.Post("/save_history", s.handleSaveHistory)
	r.Get("/downloads", s.handleDownloads)
	r.Get("/active", s.handleActive)
	r.Get("/history", s.handleHistory)
	r.Post("/history/delete", s.handleDeleteHistory)
	r.Post("/history/clear", s.handleClearHistory)
	r.Get("/statistics", s.handleStatistics)
	r.Post("/retry", s.handleRetry)
	r.Get("/settings", s.handleGetSettings)
	r.Put("/settings", s.handlePutSettings)
	r.Method(http.MethodGet, "/ws", s.hub.Handler())

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the push channel hub.
func (s *Server) Hub() *Hub { return s.hub }

// SetAllowedOrigins replaces the configured extra origins.
func (s *Server) SetAllowedOrigins(origins []string) {
	s.mu.Lock()
	s.origins = append([]string(nil), origins...)
	s.mu.Unlock()
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = addr.Port
	}
	s.mu.Unlock()

	utils.Debug("Gateway: listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and disconnects observers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.hub.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OriginAllowed reports whether a browser origin may call the gateway.
// Extension pages and loopback pages are always allowed.
func OriginAllowed(origin string, extra []string) bool {
	if origin == "" {
		return false
	}
	if strings.HasPrefix(origin, "chrome-extension://") || strings.HasPrefix(origin, "moz-extension://") {
		return true
	}
	if u, err := url.Parse(origin); err == nil && u.Scheme == "http" {
		switch u.Hostname() {
		case "localhost", "127.0.0.1":
			return true
		}
	}
	for _, o := range extra {
		if strings.EqualFold(strings.TrimRight(o, "/"), origin) {
			return true
		}
	}
	return false
}

func (s *Server) originAllowed(origin string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return OriginAllowed(origin, s.origins)
}

// cors restricts browser callers to allowed origins. Requests without an
// Origin header come from local tools and pass through.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.originAllowed(origin) {
			utils.Debug("Gateway: rejected origin %s for %s %s", origin, r.Method, r.URL.Path)
			http.Error(w, "Origin not allowed", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"success": false, "error": err.Error()})
}

// statusFor maps backend errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, config.ErrInvalidSettings):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON: " + err.Error())
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	port := s.port
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, Health{Status: "ok", Port: port, Observers: s.hub.Len()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" || req.URLID == "" {
		writeError(w, http.StatusBadRequest, engine.ErrInvalidRequest)
		return
	}

	utils.Debug("Gateway: start request %s (%s)", req.URLID, req.URL)
	outcome, err := s.backend.Start(r.Context(), req.URL, req.URLID, req.Title, req.Options)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, StartResponse{Success: true, Status: outcome})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.URLID == "" {
		writeError(w, http.StatusBadRequest, errors.New("urlId is required"))
		return
	}

	stopped, err := s.backend.Stop(r.Context(), req.URLID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": stopped})
}

// handleSaveHistory acknowledges a client's save notification. The body is
// not interpreted.
func (s *Server) handleSaveHistory(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	recs, err := s.backend.History(r.Context(), types.HistoryQuery{})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if recs == nil {
		recs = []types.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	snap, err := s.backend.Active(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ParseHistoryQuery reads history filters from query parameters.
func ParseHistoryQuery(values url.Values) (types.HistoryQuery, error) {
	q := types.HistoryQuery{
		Status:    types.Status(values.Get("status")),
		SortBy:    types.SortField(values.Get("sortBy")),
		SortOrder: types.SortOrder(strings.ToLower(values.Get("sortOrder"))),
	}
	if q.Status != "" && !q.Status.Valid() {
		return q, errors.New("unknown status " + string(q.Status))
	}
	for _, p := range []struct {
		key string
		dst *int
	}{{"limit", &q.Limit}, {"offset", &q.Offset}} {
		raw := values.Get(p.key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return q, errors.New(p.key + " must be a non-negative integer")
		}
		*p.dst = v
	}
	return q, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q, err := ParseHistoryQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := s.backend.History(r.Context(), q)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if recs == nil {
		recs = []types.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.backend.DeleteHistory(r.Context(), req.IDs)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Success: true, Deleted: n})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := s.backend.ClearHistory(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Success: true, Deleted: n})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Statistics(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ID <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("id is required"))
		return
	}
	rec, outcome, err := s.backend.Retry(r.Context(), req.ID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, RetryResponse{Status: outcome, Record: rec})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.backend.Settings(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	current, err := s.backend.Settings(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	// Fields missing from the body keep their current value.
	next := current.Clone()
	if err := decodeBody(r, next); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.backend.ApplySettings(r.Context(), next); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}
