package core

import (
	"context"

	"github.com/mediadl/mediadl/internal/config"
	"github.com/mediadl/mediadl/internal/engine/types"
)

// DownloadService defines the interface for interacting with the download engine.
// This abstraction allows the CLI and the terminal view to switch between the
// embedded daemon and a connection to a running one.
type DownloadService interface {
	// Start submits a download and reports the admission outcome.
	Start(ctx context.Context, url, urlID, title string, opts types.Options) (types.Outcome, error)

	// Stop cancels an active or queued download.
	Stop(ctx context.Context, urlID string) (bool, error)

	// Retry re-arms a finished record.
	Retry(ctx context.Context, id int64) (*types.Record, types.Outcome, error)

	// Active returns the running set and the queue.
	Active(ctx context.Context) (*types.Snapshot, error)

	History(ctx context.Context, q types.HistoryQuery) ([]types.Record, error)
	Statistics(ctx context.Context) (*types.Statistics, error)
	DeleteHistory(ctx context.Context, ids []int64) (int64, error)
	ClearHistory(ctx context.Context) (int64, error)

	Settings(ctx context.Context) (*config.Settings, error)

	// ApplySettings validates and applies new settings. Invalid settings are
	// rejected and the previous ones stay active.
	ApplySettings(ctx context.Context, s *config.Settings) error

	// StreamEvents returns a channel that receives real-time download events.
	// For local mode, this is a bus subscription.
	// For remote mode, this is sourced from the websocket push channel.
	StreamEvents(ctx context.Context) (<-chan any, func(), error)

	// Shutdown handles graceful shutdown of the service
	Shutdown() error
}
