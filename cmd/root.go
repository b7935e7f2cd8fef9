package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mediadl/mediadl/internal/config"
	"github.com/mediadl/mediadl/internal/core"
	"github.com/mediadl/mediadl/internal/tui"
	"github.com/mediadl/mediadl/internal/utils"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var errAlreadyRunning = errors.New("mediadl is already running. Use 'mediadl add <url>' to add a download to the active instance")

// Flags shared by the client commands.
var (
	globalHost         string
	globalInsecureHTTP bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "mediadl [url]...",
	Short:   "A local media download daemon",
	Long:    `mediadl runs yt-dlp style media downloads in the background and serves them to the browser extension, the CLI and a terminal view.`,
	Version: Version,
	Args:    cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(cmd, args, true); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

// runDaemon owns the single-instance lock and runs a LocalHost until a
// signal arrives. interactive attaches the terminal view to it.
func runDaemon(cmd *cobra.Command, args []string, interactive bool) error {
	initializeGlobalState()

	isMaster, err := AcquireLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !isMaster {
		return errAlreadyRunning
	}
	defer func() {
		if err := ReleaseLock(); err != nil {
			utils.Debug("Error releasing lock: %v", err)
		}
	}()

	portFlag, _ := cmd.Flags().GetInt("port")
	outputDir, _ := cmd.Flags().GetString("output")
	batchFile, _ := cmd.Flags().GetString("batch")

	urls := append([]string(nil), args...)
	if batchFile != "" {
		fileURLs, err := readURLsFromFile(batchFile)
		if err != nil {
			return err
		}
		urls = append(urls, fileURLs...)
	}

	opts := core.LocalOptions{
		Port:       portFlag,
		StrictPort: portFlag > 0,
		OutputDir:  outputDir,
		OnListen:   saveActivePort,
	}
	if !interactive {
		opts.Notifier = core.NewConsoleNotifier()
	}
	host, err := core.NewLocalHost(opts)
	if err != nil {
		return err
	}

	savePID()
	defer removePID()
	defer removeActivePort()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- host.Run(ctx) }()

	select {
	case <-host.Ready():
	case err := <-runErr:
		return err
	}

	queueURLs(host, urls)

	if interactive {
		err := runWatch(ctx, host)
		stop()
		return errors.Join(err, <-runErr)
	}

	fmt.Printf("mediadl %s running in server mode.\n", Version)
	fmt.Printf("HTTP server listening on port %d\n", host.Port())
	fmt.Println("Press Ctrl+C to exit.")

	err = <-runErr
	fmt.Println("\nShut down.")
	return err
}

// queueURLs submits the command line urls to a freshly started host.
func queueURLs(host *core.LocalHost, urls []string) int {
	queued := 0
	for _, u := range urls {
		outcome, err := host.StartFromHost(u, "", "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error adding %s: %v\n", u, err)
			continue
		}
		utils.Debug("Queued %s from command line: %s", u, outcome)
		queued++
	}
	return queued
}

// runWatch runs the terminal view over any DownloadService until the user
// quits or ctx ends.
func runWatch(ctx context.Context, service core.DownloadService) error {
	stream, cleanup, err := service.StreamEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to start event stream: %w", err)
	}
	defer cleanup()

	p := tea.NewProgram(tui.NewRootModel(service, stream), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("error running TUI: %w", err)
	}
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringP("batch", "b", "", "File containing URLs to download (one per line)")
	rootCmd.Flags().IntP("port", "p", 0, "Port to listen on (default: configured port or first available)")
	rootCmd.Flags().StringP("output", "o", "", "Default output directory")
	rootCmd.PersistentFlags().StringVar(&globalHost, "host", "", "Address of a running daemon (or set MEDIADL_HOST)")
	rootCmd.PersistentFlags().BoolVar(&globalInsecureHTTP, "insecure-http", false, "Allow plain HTTP for non-loopback hosts")
	rootCmd.SetVersionTemplate("mediadl version {{.Version}}\n")
}

// initializeGlobalState creates the state directories and configures logging
func initializeGlobalState() {
	if err := config.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create state directories: %v\n", err)
	}
	utils.ConfigureDebug(config.GetLogsDir())
}
