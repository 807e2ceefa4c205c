package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alpkeskin/gotoon"
	"github.com/spf13/cobra"
	"github.com/yoanbernabeu/watchmon/config"
	"github.com/yoanbernabeu/watchmon/daemon"
)

var (
	statusLogDir string
	statusJSON   bool
	statusTOON   bool
)

// StatusJSON is the machine-readable status report.
type StatusJSON struct {
	Running      bool     `json:"running"`
	PID          int      `json:"pid,omitempty"`
	ProjectRoot  string   `json:"project_root"`
	LogFile      string   `json:"log_file"`
	State        string   `json:"state,omitempty"`
	Mode         string   `json:"mode,omitempty"`
	Command      string   `json:"command,omitempty"`
	ChildPID     int      `json:"child_pid,omitempty"`
	RunID        string   `json:"run_id,omitempty"`
	Restarts     int      `json:"restarts"`
	LastExitCode *int     `json:"last_exit_code,omitempty"`
	LastChange   []string `json:"last_change,omitempty"`
	Uptime       string   `json:"uptime,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the background supervisor status",
	Long: `Show whether a background supervisor is running for this project, and
what it is doing: the supervised command, its current PID, how many times it
was restarted and the last exit code and changed files.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusLogDir, "log-dir", "", "Directory for log and state files (default: OS-specific)")
	statusCmd.Flags().BoolVarP(&statusJSON, "json", "j", false, "Output status in JSON format")
	statusCmd.Flags().BoolVarP(&statusTOON, "toon", "t", false, "Output status in TOON format (token-efficient for AI agents)")
	statusCmd.MarkFlagsMutuallyExclusive("json", "toon")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	projectRoot, err := currentProjectRoot()
	if err != nil {
		return err
	}
	dir, err := instanceDir(statusLogDir, projectRoot)
	if err != nil {
		return err
	}

	report, err := collectStatus(dir, projectRoot, time.Now())
	if err != nil {
		return err
	}

	switch {
	case statusJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case statusTOON:
		output, err := gotoon.Encode(report)
		if err != nil {
			return fmt.Errorf("failed to encode TOON: %w", err)
		}
		fmt.Println(output)
		return nil
	}

	printStatus(report)
	return nil
}

// currentProjectRoot is the nearest directory holding a config file, or the
// working directory when there is none.
func currentProjectRoot() (string, error) {
	if root, err := config.FindProjectRoot(); err == nil {
		return root, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return cwd, nil
}

func collectStatus(dir, projectRoot string, now time.Time) (StatusJSON, error) {
	report := StatusJSON{
		ProjectRoot: projectRoot,
		LogFile:     daemon.LogFile(dir),
	}

	// Get running PID (automatically cleans up stale PIDs)
	pid, err := daemon.GetRunningPID(dir)
	if err != nil {
		return report, fmt.Errorf("failed to read PID file: %w", err)
	}
	if pid == 0 {
		return report, nil
	}
	report.Running = true
	report.PID = pid

	status, err := daemon.ReadStatus(dir)
	if err != nil {
		return report, err
	}
	if status == nil {
		return report, nil
	}

	report.State = status.State
	report.Mode = status.Mode
	report.Command = strings.Join(status.Command, " ")
	report.ChildPID = status.ChildPID
	report.RunID = status.RunID
	report.Restarts = status.Restarts
	report.LastExitCode = status.LastExitCode
	report.LastChange = status.LastChange
	if !status.StartedAt.IsZero() {
		report.Uptime = now.Sub(status.StartedAt).Truncate(time.Second).String()
	}
	return report, nil
}

func printStatus(report StatusJSON) {
	if !report.Running {
		fmt.Println("Status: not running")
		fmt.Printf("Project: %s\n", report.ProjectRoot)
		return
	}

	fmt.Println("Status: running")
	fmt.Printf("PID: %d\n", report.PID)
	fmt.Printf("Project: %s\n", report.ProjectRoot)
	fmt.Printf("Log file: %s\n", report.LogFile)
	if report.State == "" {
		return
	}
	fmt.Printf("State: %s\n", report.State)
	fmt.Printf("Command: %s (%s mode)\n", report.Command, report.Mode)
	if report.ChildPID > 0 {
		fmt.Printf("Child PID: %d\n", report.ChildPID)
	}
	fmt.Printf("Restarts: %d\n", report.Restarts)
	if report.LastExitCode != nil {
		fmt.Printf("Last exit code: %d\n", *report.LastExitCode)
	}
	if len(report.LastChange) > 0 {
		fmt.Printf("Last change: %s\n", strings.Join(report.LastChange, ", "))
	}
	if report.Uptime != "" {
		fmt.Printf("Uptime: %s\n", report.Uptime)
	}
}
