package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mediadl/mediadl/internal/engine/types"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"h"},
	Short:   "List finished and past downloads",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := historyQueryFromFlags(cmd)
		if err != nil {
			return err
		}
		jsonOutput, _ := cmd.Flags().GetBool("json")

		service, err := newRemoteService()
		if err != nil {
			return err
		}
		defer func() { _ = service.Shutdown() }()

		recs, err := service.History(cmd.Context(), q)
		if err != nil {
			return err
		}
		return printHistory(cmd.OutOrStdout(), recs, jsonOutput)
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the history as YAML or JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("output")
		status, _ := cmd.Flags().GetString("status")

		q := types.HistoryQuery{Status: types.Status(status), SortBy: types.SortByCreatedAt, SortOrder: types.SortAsc}
		if q.Status != "" && !q.Status.Valid() {
			return fmt.Errorf("invalid status %q", status)
		}

		service, err := newRemoteService()
		if err != nil {
			return err
		}
		defer func() { _ = service.Shutdown() }()

		recs, err := service.History(cmd.Context(), q)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outPath, err)
			}
			defer func() { _ = f.Close() }()
			w = f
		}
		if err := exportHistory(w, recs, format); err != nil {
			return err
		}
		if outPath != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d records to %s\n", len(recs), outPath)
		}
		return nil
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete history records by id",
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

		n, err := service.DeleteHistory(cmd.Context(), ids)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d record(s).\n", n)
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every history record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Delete all history records? Active downloads will be stopped. [y/N] ") {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}

		service, err := newRemoteService()
		if err != nil {
			return err
		}
		defer func() { _ = service.Shutdown() }()

		n, err := service.ClearHistory(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d record(s).\n", n)
		return nil
	},
}

func historyQueryFromFlags(cmd *cobra.Command) (types.HistoryQuery, error) {
	status, _ := cmd.Flags().GetString("status")
	sortBy, _ := cmd.Flags().GetString("sort")
	order, _ := cmd.Flags().GetString("order")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	q := types.HistoryQuery{
		Status:    types.Status(status),
		SortBy:    types.SortField(sortBy),
		SortOrder: types.SortOrder(order),
		Limit:     limit,
		Offset:    offset,
	}
	if q.Status != "" && !q.Status.Valid() {
		return q, fmt.Errorf("invalid status %q", status)
	}
	if q.SortOrder != "" && q.SortOrder != types.SortAsc && q.SortOrder != types.SortDesc {
		return q, fmt.Errorf("invalid order %q (use asc or desc)", order)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return q, fmt.Errorf("limit and offset must not be negative")
	}
	return q, nil
}

func printHistory(w io.Writer, recs []types.Record, jsonOutput bool) error {
	if jsonOutput {
		if recs == nil {
			recs = []types.Record{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	if len(recs) == 0 {
		fmt.Fprintln(w, "No downloads found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSIZE\tTITLE\tFINISHED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, formatSize(r.FileSize), truncate(label(r.Title, r.URL), 50), formatTime(r.EndTime))
	}
	return tw.Flush()
}

// exportRecord is the stable export shape of a record.
type exportRecord struct {
	ID        int64      `json:"id" yaml:"id"`
	URLID     string     `json:"urlId" yaml:"urlId"`
	URL       string     `json:"url" yaml:"url"`
	Title     string     `json:"title,omitempty" yaml:"title,omitempty"`
	Status    string     `json:"status" yaml:"status"`
	FilePath  string     `json:"filePath,omitempty" yaml:"filePath,omitempty"`
	FileSize  *int64     `json:"fileSize,omitempty" yaml:"fileSize,omitempty"`
	Error     string     `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt" yaml:"createdAt"`
	EndTime   *time.Time `json:"endTime,omitempty" yaml:"endTime,omitempty"`
}

func exportHistory(w io.Writer, recs []types.Record, format string) error {
	out := make([]exportRecord, 0, len(recs))
	for _, r := range recs {
		if r.Status == types.StatusCheck {
			continue
		}
		out = append(out, exportRecord{
			ID:        r.ID,
			URLID:     r.URLID,
			URL:       r.URL,
			Title:     r.Title,
			Status:    string(r.Status),
			FilePath:  r.FilePath,
			FileSize:  r.FileSize,
			Error:     r.ErrorMessage,
			CreatedAt: r.CreatedAt,
			EndTime:   r.EndTime,
		})
	}

	switch strings.ToLower(format) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	default:
		return fmt.Errorf("unsupported export format %q (use yaml or json)", format)
	}
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func init() {
	historyCmd.Flags().String("status", "", "Only show records with this status")
	historyCmd.Flags().String("sort", "", "Sort by createdAt, startTime, endTime, title, status or progress")
	historyCmd.Flags().String("order", "", "Sort order: asc or desc")
	historyCmd.Flags().Int("limit", 50, "Maximum number of records (0 for all)")
	historyCmd.Flags().Int("offset", 0, "Skip this many records")
	historyCmd.Flags().Bool("json", false, "Output as JSON")

	historyExportCmd.Flags().String("format", "yaml", "Export format: yaml or json")
	historyExportCmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")
	historyExportCmd.Flags().String("status", "", "Only export records with this status")

	historyClearCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	historyCmd.AddCommand(historyExportCmd, historyDeleteCmd, historyClearCmd)
	rootCmd.AddCommand(historyCmd)
}
