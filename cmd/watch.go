package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:     "watch [host:port]",
	Aliases: []string{"connect"},
	Short:   "Open the terminal view of a running daemon",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			globalHost = args[0]
		}
		service, err := newRemoteService()
		if err != nil {
			return err
		}
		defer func() { _ = service.Shutdown() }()

		// Verify connection
		if _, err := service.Health(cmd.Context()); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", service.BaseURL, err)
		}

		return runWatch(cmd.Context(), service)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
