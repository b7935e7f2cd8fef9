package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mediadl/mediadl/internal/config"
	"github.com/mediadl/mediadl/internal/core"
	"github.com/mediadl/mediadl/internal/utils"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the mediadl background server (daemon)",
	Long:  `Start, stop, or check the status of the mediadl background server.`,
}

var serverStartCmd = &cobra.Command{
	Use:   "start [url]...",
	Short: "Start the mediadl server in headless mode",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(cmd, args, false); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var serverStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running mediadl server",
	Run: func(cmd *cobra.Command, args []string) {
		pid := readPID()
		if pid == 0 {
			fmt.Println("No running mediadl server found (PID file missing).")
			return
		}

		process, err := os.FindProcess(pid)
		if err != nil {
			fmt.Printf("Error finding process: %v\n", err)
			return
		}

		// Try to send SIGTERM
		if err := process.Signal(syscall.SIGTERM); err != nil {
			fmt.Printf("Error stopping server: %v\n", err)
			return
		}

		fmt.Printf("Sent stop signal to process %d\n", pid)
	},
}

var serverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of the mediadl server",
	Run: func(cmd *cobra.Command, args []string) {
		pid := readPID()
		if pid == 0 {
			fmt.Println("mediadl server is NOT running.")
			return
		}

		process, err := os.FindProcess(pid)
		if err != nil {
			fmt.Printf("mediadl server is NOT running (Process %d not found).\n", pid)
			return
		}

		// Sending signal 0 to check existence
		if err := process.Signal(syscall.Signal(0)); err != nil {
			fmt.Printf("mediadl server is NOT running (Process %d dead).\n", pid)
			return
		}

		port := readActivePort()
		fmt.Printf("mediadl server is running (PID: %d, Port: %d).\n", pid, port)

		if port > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			svc := core.NewRemoteDownloadService(fmt.Sprintf("http://127.0.0.1:%d", port))
			if health, err := svc.Health(ctx); err == nil {
				fmt.Printf("Health: %s, %d observer(s) connected.\n", health.Status, health.Observers)
			} else {
				fmt.Printf("Health check failed: %v\n", err)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverStopCmd)
	serverCmd.AddCommand(serverStatusCmd)

	serverStartCmd.Flags().StringP("batch", "b", "", "File containing URLs to download")
	serverStartCmd.Flags().IntP("port", "p", 0, "Port to listen on")
	serverStartCmd.Flags().StringP("output", "o", "", "Default output directory")
}

func pidFile() string {
	return filepath.Join(config.GetRuntimeDir(), "pid")
}

func savePID() {
	pid := os.Getpid()
	if err := os.WriteFile(pidFile(), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		utils.Debug("Error writing PID file: %v", err)
	}
}

func removePID() {
	if err := os.Remove(pidFile()); err != nil && !os.IsNotExist(err) {
		utils.Debug("Error removing PID file: %v", err)
	}
}

func readPID() int {
	data, err := os.ReadFile(pidFile())
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return pid
}
