package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mediadl/mediadl/internal/engine/types"
)

var stopCmd = &cobra.Command{
	Use:   "stop <urlId|url>...",
	Short: "Stop active or queued downloads",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := newRemoteService()
		if err != nil {
			return err
		}
		defer func() { _ = service.Shutdown() }()

		out := cmd.OutOrStdout()
		for _, arg := range args {
			urlID := urlIDArg(arg)
			stopped, err := service.Stop(cmd.Context(), urlID)
			if err != nil {
				return fmt.Errorf("failed to stop %s: %w", urlID, err)
			}
			if stopped {
				fmt.Fprintf(out, "Stopped: %s\n", urlID)
			} else {
				fmt.Fprintf(out, "Not active: %s\n", urlID)
			}
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <id>...",
	Short: "Retry failed or cancelled downloads by record id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		service, err := newRemoteService()
		if err != nil {
			return err
		}
		defer func() { _ = service.Shutdown() }()

		for _, id := range ids {
			rec, outcome, err := service.Retry(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("failed to retry %d: %w", id, err)
			}
			target := strconv.FormatInt(id, 10)
			if rec != nil && rec.URL != "" {
				target = rec.URL
			}
			printOutcome(cmd.OutOrStdout(), target, outcome)
		}
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"l"},
	Short:   "List active and queued downloads",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		service, err := newRemoteService()
		if err != nil {
			return err
		}
		defer func() { _ = service.Shutdown() }()

		snap, err := service.Active(cmd.Context())
		if err != nil {
			return err
		}
		return printSnapshot(cmd.OutOrStdout(), snap, jsonOutput)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts per status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		service, err := newRemoteService()
		if err != nil {
			return err
		}
		defer func() { _ = service.Shutdown() }()

		stats, err := service.Statistics(cmd.Context())
		if err != nil {
			return err
		}
		return printStatistics(cmd.OutOrStdout(), stats, jsonOutput)
	},
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid record id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printSnapshot(w io.Writer, snap *types.Snapshot, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	if len(snap.Active) == 0 && len(snap.Queued) == 0 {
		fmt.Fprintln(w, "No active downloads.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "URL ID\tSTATUS\tPROGRESS\tTITLE\tSTARTED")
	for _, a := range snap.Active {
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t%s\t%s\n",
			a.URLID, types.StatusDownloading, a.Progress, truncate(label(a.Title, a.URL), 50), formatTime(&a.StartedAt))
	}
	for _, q := range snap.Queued {
		fmt.Fprintf(tw, "%s\t%s\t-\t%s\t%s\n",
			q.URLID, types.StatusQueued, truncate(label(q.Title, q.URL), 50), formatTime(q.QueuedAt))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d active (max %d), %d queued\n", len(snap.Active), snap.MaxConcurrent, len(snap.Queued))
	return nil
}

func printStatistics(w io.Writer, stats *types.Statistics, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	statuses := make([]string, 0, len(stats.ByStatus))
	for s := range stats.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%d\n", s, stats.ByStatus[types.Status(s)])
	}
	fmt.Fprintf(tw, "total\t%d\n", stats.Total)
	return tw.Flush()
}

func label(title, fallback string) string {
	if title != "" {
		return title
	}
	return fallback
}

func init() {
	lsCmd.Flags().Bool("json", false, "Output as JSON")
	statsCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(stopCmd, retryCmd, lsCmd, statsCmd)
}
