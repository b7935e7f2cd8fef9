package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mediadl/mediadl/internal/config"
	"github.com/mediadl/mediadl/internal/utils"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show the daemon settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := newRemoteService()
		if err != nil {
			return err
		}
		defer func() { _ = service.Shutdown() }()

		s, err := service.Settings(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key>=<value>...",
	Short: "Change daemon settings",
	Long: `Change one or more settings on the running daemon. Keys:
  ` + strings.Join(settingKeys(), "\n  "),
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := newRemoteService()
		if err != nil {
			return err
		}
		defer func() { _ = service.Shutdown() }()

		s, err := service.Settings(cmd.Context())
		if err != nil {
			return err
		}
		for _, arg := range args {
			key, value, ok := strings.Cut(arg, "=")
			if !ok {
				return fmt.Errorf("expected key=value, got %q", arg)
			}
			if err := setSetting(s, strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
				return err
			}
		}
		if err := service.ApplySettings(cmd.Context(), s); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Settings applied.")
		return nil
	},
}

type settingSetter func(s *config.Settings, value string) error

var settingSetters = map[string]settingSetter{
	"general.download_dir": func(s *config.Settings, v string) error {
		s.General.DownloadDir = utils.EnsureAbsPath(v)
		return nil
	},
	"general.filename_template": func(s *config.Settings, v string) error {
		s.General.FilenameTemplate = v
		return nil
	},
	"general.format_selector": func(s *config.Settings, v string) error {
		s.General.FormatSelector = v
		return nil
	},
	"general.ytdlp_path": func(s *config.Settings, v string) error {
		s.General.YtDlpPath = v
		return nil
	},
	"general.proxy_url": func(s *config.Settings, v string) error {
		s.General.ProxyURL = v
		return nil
	},
	"general.log_retention_count": intSetter(func(s *config.Settings, n int) { s.General.LogRetentionCount = n }),
	"general.history_retention_days": intSetter(func(s *config.Settings, n int) {
		s.General.HistoryRetentionDays = n
	}),
	"general.notifications": func(s *config.Settings, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("expected true or false, got %q", v)
		}
		s.General.Notifications = b
		return nil
	},
	"server.port": intSetter(func(s *config.Settings, n int) { s.Server.Port = n }),
	"server.allowed_origins": func(s *config.Settings, v string) error {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		s.Server.AllowedOrigins = origins
		return nil
	},
	"downloads.max_concurrent_downloads": intSetter(func(s *config.Settings, n int) {
		s.Downloads.MaxConcurrentDownloads = n
	}),
}

func intSetter(set func(*config.Settings, int)) settingSetter {
	return func(s *config.Settings, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("expected a number, got %q", v)
		}
		set(s, n)
		return nil
	}
}

// setSetting changes one key in s. Validation happens when the settings
// are applied.
func setSetting(s *config.Settings, key, value string) error {
	set, ok := settingSetters[strings.ToLower(key)]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := set(s, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func settingKeys() []string {
	keys := make([]string, 0, len(settingSetters))
	for k := range settingSetters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	settingsCmd.AddCommand(settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}
