package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mediadl/mediadl/internal/core"
	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/utils"
)

var addCmd = &cobra.Command{
	Use:     "add <url>...",
	Aliases: []string{"get"},
	Short:   "Add downloads to the running daemon",
	Args: func(cmd *cobra.Command, args []string) error {
		batch, _ := cmd.Flags().GetString("batch")
		if len(args) == 0 && batch == "" {
			return fmt.Errorf("requires at least one url or --batch")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		batchFile, _ := cmd.Flags().GetString("batch")
		title, _ := cmd.Flags().GetString("title")
		format, _ := cmd.Flags().GetString("format")
		direct, _ := cmd.Flags().GetBool("direct")

		urls := append([]string(nil), args...)
		if batchFile != "" {
			fileURLs, err := readURLsFromFile(batchFile)
			if err != nil {
				return err
			}
			urls = append(urls, fileURLs...)
		}
		if title != "" && len(urls) > 1 {
			return fmt.Errorf("--title only applies to a single url")
		}

		service, err := newRemoteService()
		if err != nil {
			return err
		}
		defer func() { _ = service.Shutdown() }()

		opts := types.Options{Format: format, Direct: direct}
		added := addURLs(cmd, service, urls, title, opts)
		if added == 0 {
			return fmt.Errorf("no downloads were added")
		}
		return nil
	},
}

// addURLs submits each url and prints its admission outcome. It returns
// how many requests the daemon answered.
func addURLs(cmd *cobra.Command, service core.DownloadService, urls []string, title string, opts types.Options) int {
	out := cmd.OutOrStdout()
	answered := 0
	for _, u := range urls {
		outcome, err := service.Start(cmd.Context(), u, utils.DeriveURLID(u), title, opts)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error adding %s: %v\n", u, err)
			continue
		}
		answered++
		printOutcome(out, u, outcome)
	}
	return answered
}

func printOutcome(w io.Writer, u string, outcome types.Outcome) {
	switch outcome {
	case types.OutcomeStarted:
		fmt.Fprintf(w, "Started: %s\n", u)
	case types.OutcomeQueued:
		fmt.Fprintf(w, "Queued: %s\n", u)
	case types.OutcomeAlreadyDownloading:
		fmt.Fprintf(w, "Already downloading: %s\n", u)
	case types.OutcomeAlreadyQueued:
		fmt.Fprintf(w, "Already queued: %s\n", u)
	case types.OutcomeAlreadyCompleted:
		fmt.Fprintf(w, "Already downloaded: %s\n", u)
	default:
		fmt.Fprintf(w, "%s: %s\n", outcome, u)
	}
}

func init() {
	addCmd.Flags().StringP("batch", "b", "", "File containing URLs to download (one per line)")
	addCmd.Flags().StringP("title", "t", "", "Title to record for a single url")
	addCmd.Flags().StringP("format", "f", "", "Format selector for this download")
	addCmd.Flags().Bool("direct", false, "Fetch the url as a plain file instead of through yt-dlp")
	rootCmd.AddCommand(addCmd)
}
