package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mediadl/mediadl/internal/config"
	"github.com/mediadl/mediadl/internal/engine"
	"github.com/mediadl/mediadl/internal/engine/events"
	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/fetch"
	"github.com/mediadl/mediadl/internal/gateway"
	"github.com/mediadl/mediadl/internal/store"
	"github.com/mediadl/mediadl/internal/utils"
)

const (
	// DefaultCleanupInterval is how often finished records past their
	// retention are removed.
	DefaultCleanupInterval = 24 * time.Hour

	shutdownTimeout = 10 * time.Second
)

// LocalOptions configure a LocalHost.
type LocalOptions struct {
	// DatabasePath defaults to config.GetDatabasePath().
	DatabasePath string

	// Fetcher defaults to yt-dlp with a direct HTTP fallback.
	Fetcher fetch.Fetcher

	Notifier Notifier

	// Port overrides the configured port when positive.
	Port int

	// StrictPort fails instead of searching upwards for a free port.
	StrictPort bool

	// OutputDir overrides the configured download directory.
	OutputDir string

	CleanupInterval time.Duration

	// OnListen is called every time the gateway binds a port.
	OnListen func(port int)
}

// LocalHost runs the engine, its store and the gateway in this process.
type LocalHost struct {
	opts   LocalOptions
	store  *store.Store
	bus    *events.Bus
	engine *engine.Engine

	mu       sync.Mutex
	settings *config.Settings
	gw       *gateway.Server
	port     int
	closing  bool

	ready     chan struct{}
	readyOnce sync.Once
	serveErr  chan error

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
	cancel   context.CancelFunc
}

// NewLocalHost opens the store, loads settings and starts the engine. The
// gateway is not bound until Run.
func NewLocalHost(opts LocalOptions) (*LocalHost, error) {
	if opts.DatabasePath == "" {
		opts.DatabasePath = config.GetDatabasePath()
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}

	st, err := store.Open(opts.DatabasePath)
	if err != nil {
		return nil, err
	}

	settings, err := config.LoadSettings(context.Background(), st)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if opts.OutputDir != "" {
		settings.General.DownloadDir = utils.EnsureAbsPath(opts.OutputDir)
	}
	if opts.Port > 0 {
		settings.Server.Port = opts.Port
	}
	if err := settings.Validate(); err != nil {
		_ = st.Close()
		return nil, err
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewRouter(settings.General.YtDlpPath)
	}

	bus := events.NewBus()
	h := &LocalHost{
		opts:     opts,
		store:    st,
		bus:      bus,
		engine:   engine.New(st, fetcher, bus, *types.ConvertRuntimeConfig(settings)),
		settings: settings,
		ready:    make(chan struct{}),
		serveErr: make(chan error, 1),
	}
	return h, nil
}

// Run recovers downloads left unfinished by a previous process, then
// serves the gateway until ctx is cancelled or the gateway fails.
func (h *LocalHost) Run(ctx context.Context) error {
	n, err := h.engine.Recover(ctx)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to recover downloads: %w", err), h.Shutdown())
	}
	if n > 0 {
		utils.Debug("LocalHost: recovered %d downloads", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.cleanupHistory(runCtx)

	h.mu.Lock()
	h.cancel = cancel
	err = h.startGatewayLocked()
	h.mu.Unlock()
	if err != nil {
		return errors.Join(err, h.Shutdown())
	}

	h.wg.Add(2)
	go h.forwardNotifications(h.bus.Subscribe())
	go h.housekeeping(runCtx)

	var serveErr error
	select {
	case <-runCtx.Done():
	case serveErr = <-h.serveErr:
		utils.Debug("LocalHost: gateway failed: %v", serveErr)
	}
	return errors.Join(serveErr, h.Shutdown())
}

// Ready is closed once the gateway is accepting connections.
func (h *LocalHost) Ready() <-chan struct{} { return h.ready }

// Port returns the port the gateway is bound to, or 0.
func (h *LocalHost) Port() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.port
}

// Store exposes the underlying store.
func (h *LocalHost) Store() *store.Store { return h.store }

func (h *LocalHost) listen(port int) (net.Listener, error) {
	if h.opts.StrictPort || port == 0 {
		return gateway.Listen(port)
	}
	_, ln := gateway.FindAvailablePort(port)
	if ln == nil {
		return nil, fmt.Errorf("no free port in %d-%d", port, port+gateway.PortSearchRange-1)
	}
	return ln, nil
}

func (h *LocalHost) startGatewayLocked() error {
	ln, err := h.listen(h.settings.Server.Port)
	if err != nil {
		return fmt.Errorf("failed to bind gateway: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	gw := gateway.New(h, h.store, h.bus, h.settings.Server.AllowedOrigins)
	h.gw = gw
	h.port = port

	go func() {
		if err := gw.Serve(ln); err != nil {
			select {
			case h.serveErr <- err:
			default:
			}
		}
	}()

	utils.Debug("LocalHost: gateway on port %d", port)
	if h.opts.OnListen != nil {
		h.opts.OnListen(port)
	}
	h.readyOnce.Do(func() { close(h.ready) })
	return nil
}

// restartGateway rebinds the gateway after a port change.
func (h *LocalHost) restartGateway() {
	h.mu.Lock()
	old := h.gw
	h.gw = nil
	h.port = 0
	h.mu.Unlock()
	if old == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := old.Shutdown(ctx); err != nil {
		utils.Debug("LocalHost: stopping gateway: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return
	}
	if err := h.startGatewayLocked(); err != nil {
		utils.Debug("LocalHost: restarting gateway: %v", err)
		select {
		case h.serveErr <- err:
		default:
		}
	}
}

func (h *LocalHost) forwardNotifications(sub *events.Subscription) {
	defer h.wg.Done()
	for msg := range sub.C() {
		h.mu.Lock()
		enabled := h.settings.General.Notifications
		h.mu.Unlock()
		if enabled && h.opts.Notifier != nil {
			h.opts.Notifier.Notify(msg)
		}
	}
}

func (h *LocalHost) housekeeping(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.cleanupHistory(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// cleanupHistory removes finished records past the retention period.
func (h *LocalHost) cleanupHistory(ctx context.Context) {
	h.mu.Lock()
	days := h.settings.General.HistoryRetentionDays
	keepLogs := h.settings.General.LogRetentionCount
	h.mu.Unlock()

	if keepLogs > 0 {
		utils.CleanupLogs(keepLogs)
	}
	if days <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	n, err := h.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		utils.Debug("LocalHost: history cleanup failed: %v", err)
		return
	}
	if n > 0 {
		utils.Debug("LocalHost: removed %d records older than %d days", n, days)
	}
}

// Start submits a download.
func (h *LocalHost) Start(ctx context.Context, url, urlID, title string, opts types.Options) (types.Outcome, error) {
	return h.engine.Start(ctx, url, urlID, title, opts)
}

// StartFromHost starts a download that did not arrive over the wire, such as
// a pasted URL. An empty urlID is derived from the URL.
func (h *LocalHost) StartFromHost(url, urlID, title string) (types.Outcome, error) {
	if urlID == "" {
		urlID = utils.DeriveURLID(url)
	}
	return h.engine.Start(context.Background(), url, urlID, title, types.Options{})
}

func (h *LocalHost) Stop(ctx context.Context, urlID string) (bool, error) {
	return h.engine.Stop(ctx, urlID)
}

func (h *LocalHost) Retry(ctx context.Context, id int64) (*types.Record, types.Outcome, error) {
	return h.engine.Retry(ctx, id)
}

func (h *LocalHost) Active(ctx context.Context) (*types.Snapshot, error) {
	return h.engine.Snapshot(ctx)
}

func (h *LocalHost) History(ctx context.Context, q types.HistoryQuery) ([]types.Record, error) {
	return h.store.ListHistory(ctx, q)
}

func (h *LocalHost) Statistics(ctx context.Context) (*types.Statistics, error) {
	return h.store.Statistics(ctx)
}

// DeleteHistory removes records, stopping any that are still running or
// queued first.
func (h *LocalHost) DeleteHistory(ctx context.Context, ids []int64) (int64, error) {
	for _, id := range ids {
		rec, err := h.store.GetByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if rec.Status.IsActive() {
			if _, err := h.engine.Stop(ctx, rec.URLID); err != nil {
				return 0, err
			}
		}
	}
	return h.store.DeleteByIDs(ctx, ids)
}

// ClearHistory stops everything in flight and removes every record.
func (h *LocalHost) ClearHistory(ctx context.Context) (int64, error) {
	snap, err := h.engine.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range snap.Active {
		if _, err := h.engine.Stop(ctx, a.URLID); err != nil {
			return 0, err
		}
	}
	for _, q := range snap.Queued {
		if _, err := h.engine.Stop(ctx, q.URLID); err != nil {
			return 0, err
		}
	}
	return h.store.ClearAll(ctx)
}

func (h *LocalHost) Settings(ctx context.Context) (*config.Settings, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings.Clone(), nil
}

// ApplySettings validates, applies and persists s. The stored settings only
// change once the engine runs with them. A port change rebinds the gateway
// after the current request completes.
func (h *LocalHost) ApplySettings(ctx context.Context, s *config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.settings
	if err := h.engine.Reconfigure(ctx, *types.ConvertRuntimeConfig(s)); err != nil {
		return fmt.Errorf("failed to apply settings: %w", err)
	}
	if err := config.SaveSettings(ctx, h.store, s); err != nil {
		if rerr := h.engine.Reconfigure(context.Background(), *types.ConvertRuntimeConfig(old)); rerr != nil {
			utils.Debug("LocalHost: restoring engine settings failed: %v", rerr)
		}
		return fmt.Errorf("failed to save settings: %w", err)
	}

	h.settings = s.Clone()
	utils.Debug("LocalHost: settings applied")

	if h.gw == nil {
		return nil
	}
	if s.Server.Port != old.Server.Port {
		utils.Debug("LocalHost: port changed %d -> %d, restarting gateway", old.Server.Port, s.Server.Port)
		go h.restartGateway()
		return nil
	}
	h.gw.SetAllowedOrigins(s.Server.AllowedOrigins)
	return nil
}

// StreamEvents subscribes to engine events.
func (h *LocalHost) StreamEvents(ctx context.Context) (<-chan any, func(), error) {
	sub := h.bus.Subscribe()
	stop := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			close(stop)
			sub.Close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-stop:
		}
	}()
	return sub.C(), cleanup, nil
}

// Shutdown stops the gateway and the engine and closes the store. Records of
// interrupted downloads stay unfinished so the next Run recovers them.
func (h *LocalHost) Shutdown() error {
	h.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		h.mu.Lock()
		h.closing = true
		gw := h.gw
		h.gw = nil
		h.port = 0
		stopHousekeeping := h.cancel
		h.mu.Unlock()
		if gw != nil {
			if err := gw.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("gateway: %w", err))
			}
		}
		if err := h.engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine: %w", err))
		}
		if stopHousekeeping != nil {
			stopHousekeeping()
		}
		h.bus.Close()
		h.wg.Wait()
		if err := h.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		h.stopErr = errors.Join(errs...)
	})
	return h.stopErr
}
