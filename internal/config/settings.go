package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidSettings is returned when settings fail validation. The
// previously active settings stay in effect.
var ErrInvalidSettings = errors.New("invalid settings")

// SettingsKey is the key under which settings are stored in the store's
// key-value blob.
const SettingsKey = "settings"

// Settings holds all user-configurable application settings organized by category.
type Settings struct {
	General   GeneralSettings  `json:"general"`
	Server    ServerSettings   `json:"server"`
	Downloads DownloadSettings `json:"downloads"`
}

// GeneralSettings contains output and housekeeping settings.
type GeneralSettings struct {
	DownloadDir          string `json:"download_dir"`
	FilenameTemplate     string `json:"filename_template"`
	FormatSelector       string `json:"format_selector"`
	YtDlpPath            string `json:"ytdlp_path"`
	ProxyURL             string `json:"proxy_url,omitempty"` // http(s):// or socks5://
	LogRetentionCount    int    `json:"log_retention_count"`
	HistoryRetentionDays int    `json:"history_retention_days"`
	Notifications        bool   `json:"notifications"`
}

// ServerSettings contains the gateway bind parameters.
type ServerSettings struct {
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// DownloadSettings contains admission parameters.
type DownloadSettings struct {
	MaxConcurrentDownloads int `json:"max_concurrent_downloads"`
}

const (
	DefaultPort             = 1700
	DefaultFilenameTemplate = "%(title)s.%(ext)s"
	DefaultFormatSelector   = "bestvideo*+bestaudio/best"
	DefaultMaxConcurrent    = 3
	MaxConcurrentLimit      = 10
)

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()

	return &Settings{
		General: GeneralSettings{
			DownloadDir:          filepath.Join(homeDir, "Downloads"),
			FilenameTemplate:     DefaultFilenameTemplate,
			FormatSelector:       DefaultFormatSelector,
			YtDlpPath:            "yt-dlp",
			LogRetentionCount:    5,
			HistoryRetentionDays: 0,
			Notifications:        true,
		},
		Server: ServerSettings{
			Port: DefaultPort,
			AllowedOrigins: []string{
				"chrome-extension://",
				"moz-extension://",
				"http://localhost",
				"http://127.0.0.1",
			},
		},
		Downloads: DownloadSettings{
			MaxConcurrentDownloads: DefaultMaxConcurrent,
		},
	}
}

// Validate checks settings before they are applied.
func (s *Settings) Validate() error {
	var problems []string

	if s.Downloads.MaxConcurrentDownloads < 1 || s.Downloads.MaxConcurrentDownloads > MaxConcurrentLimit {
		problems = append(problems, fmt.Sprintf("max_concurrent_downloads must be between 1 and %d", MaxConcurrentLimit))
	}
	if s.Server.Port < 0 || s.Server.Port > 65535 {
		problems = append(problems, "port must be between 0 and 65535")
	}
	if strings.TrimSpace(s.General.DownloadDir) == "" {
		problems = append(problems, "download_dir is required")
	}
	if strings.TrimSpace(s.General.FilenameTemplate) == "" {
		problems = append(problems, "filename_template is required")
	} else if strings.Contains(s.General.FilenameTemplate, "..") {
		problems = append(problems, "filename_template must not contain '..'")
	}
	if p := strings.TrimSpace(s.General.ProxyURL); p != "" {
		if u, err := url.Parse(p); err != nil || u.Host == "" {
			problems = append(problems, "proxy_url must be an absolute URL")
		} else if u.Scheme != "http" && u.Scheme != "https" && !strings.HasPrefix(u.Scheme, "socks5") {
			problems = append(problems, "proxy_url scheme must be http, https or socks5")
		}
	}
	if s.General.LogRetentionCount < 0 {
		problems = append(problems, "log_retention_count must not be negative")
	}
	if s.General.HistoryRetentionDays < 0 {
		problems = append(problems, "history_retention_days must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(problems, "; "))
	}
	return nil
}

// Clone returns a deep copy.
func (s *Settings) Clone() *Settings {
	c := *s
	c.Server.AllowedOrigins = append([]string(nil), s.Server.AllowedOrigins...)
	return &c
}

// Encode serializes settings for the store blob.
func Encode(s *Settings) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settings: %w", err)
	}
	return string(data), nil
}

// Decode parses a settings blob on top of the defaults so that fields added
// in newer versions get sensible values.
func Decode(blob string) (*Settings, error) {
	settings := DefaultSettings()
	if strings.TrimSpace(blob) == "" {
		return settings, nil
	}
	if err := json.Unmarshal([]byte(blob), settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return settings, nil
}

// Blob is the key-value storage settings are persisted in.
type Blob interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// LoadSettings reads settings from the blob. A missing key yields defaults.
func LoadSettings(ctx context.Context, b Blob) (*Settings, error) {
	raw, err := b.GetSetting(ctx, SettingsKey)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// SaveSettings validates and persists settings.
func SaveSettings(ctx context.Context, b Blob, s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	raw, err := Encode(s)
	if err != nil {
		return err
	}
	return b.SetSetting(ctx, SettingsKey, raw)
}
