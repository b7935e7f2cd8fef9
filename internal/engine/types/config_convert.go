package types

import "github.com/mediadl/mediadl/internal/config"

// ConvertRuntimeConfig extracts the engine-level RuntimeConfig from user settings.
func ConvertRuntimeConfig(s *config.Settings) *RuntimeConfig {
	return &RuntimeConfig{
		MaxConcurrentDownloads: s.Downloads.MaxConcurrentDownloads,
		OutputDir:              s.General.DownloadDir,
		FilenameTemplate:       s.General.FilenameTemplate,
		FormatSelector:         s.General.FormatSelector,
		YtDlpPath:              s.General.YtDlpPath,
		ProxyURL:               s.General.ProxyURL,
	}
}
