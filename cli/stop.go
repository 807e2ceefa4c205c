package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/yoanbernabeu/watchmon/daemon"
)

var stopLogDir string

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background supervisor",
	Long: `Stop the background supervisor of this project. The supervised command
receives its configured termination signal and watchmon waits until it has
exited before returning.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopLogDir, "log-dir", "", "Directory for log and state files (default: OS-specific)")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	projectRoot, err := currentProjectRoot()
	if err != nil {
		return err
	}
	dir, err := instanceDir(stopLogDir, projectRoot)
	if err != nil {
		return err
	}

	stopped, err := stopBackground(dir, 30*time.Second)
	if err != nil {
		return err
	}
	if !stopped {
		fmt.Println("No background supervisor is running")
	}
	return nil
}

func stopBackground(dir string, shutdownTimeout time.Duration) (bool, error) {
	// Get running PID (automatically cleans up stale PIDs)
	pid, err := daemon.GetRunningPID(dir)
	if err != nil {
		return false, fmt.Errorf("failed to read PID file: %w", err)
	}
	if pid == 0 {
		return false, nil
	}

	fmt.Printf("Stopping background supervisor (PID %d)...\n", pid)
	if err := daemon.StopProcess(pid); err != nil {
		return false, fmt.Errorf("failed to stop process: %w", err)
	}

	const shutdownPollInterval = 500 * time.Millisecond
	deadline := time.Now().Add(shutdownTimeout)
	lastProgress := time.Now()

	for time.Now().Before(deadline) {
		if !daemon.IsProcessRunning(pid) {
			break
		}

		// Show progress message every 5 seconds
		if time.Since(lastProgress) >= 5*time.Second {
			fmt.Println("Waiting for graceful shutdown...")
			lastProgress = time.Now()
		}

		time.Sleep(shutdownPollInterval)
	}

	if daemon.IsProcessRunning(pid) {
		return false, fmt.Errorf("process did not stop within %v\nStill running? Try: kill -9 %d\nOr check logs at: %s",
			shutdownTimeout, pid, daemon.LogFile(dir))
	}

	// The child removes these itself on a clean exit.
	if err := daemon.RemovePIDFile(dir); err != nil {
		return false, fmt.Errorf("failed to remove PID file: %w", err)
	}
	_ = daemon.RemoveReadyFile(dir)
	_ = daemon.RemoveStatus(dir)

	fmt.Println("Background supervisor stopped")
	return true, nil
}
