// Package daemon runs a watchmon supervisor detached from the terminal.
//
// A background supervisor is identified by its instance directory, one per
// project (see InstanceDir). The directory holds:
//
//	watchmon-run.pid         PID of the background supervisor
//	watchmon-run.pid.lock    flock held for the supervisor's lifetime
//	watchmon-run.log         supervisor and child output
//	watchmon-run.ready       written once the first child was launched
//	watchmon-run.status.json state snapshot maintained by the supervisor
//
// # Basic Usage
//
// Start a background supervisor:
//
//	base, _ := daemon.GetDefaultLogDir()
//	dir := daemon.InstanceDir(base, projectRoot)
//	pid, exitCh, err := daemon.SpawnBackground(dir, []string{"run", "--", "go", "run", "."})
//
// Check and stop it:
//
//	pid, _ := daemon.GetRunningPID(dir)
//	if pid > 0 {
//	    daemon.StopProcess(pid)
//	}
//
// # PID File Format
//
// The PID file contains a single line with the process ID as a decimal
// integer. Everything else about a running supervisor lives in the status
// file.
//
// # Platform Support
//
// Unix-like systems and Windows. Platform-specific behavior is implemented in
// daemon_unix.go and daemon_windows.go.
package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yoanbernabeu/watchmon/internal/fileutil"
)

const (
	pidFileName    = "watchmon-run.pid"
	logFileName    = "watchmon-run.log"
	readyFileName  = "watchmon-run.ready"
	statusFileName = "watchmon-run.status.json"

	// BackgroundEnv is set to "1" in the environment of a background
	// supervisor.
	BackgroundEnv = "WATCHMON_BACKGROUND"
)

// GetDefaultLogDir returns the OS-specific base directory for background
// supervisors.
//
// Platform-specific defaults:
//   - Linux:   $XDG_STATE_HOME/watchmon or ~/.local/state/watchmon
//   - macOS:   ~/Library/Logs/watchmon
//   - Windows: %LOCALAPPDATA%\watchmon\logs
//
// The directory may not exist yet.
func GetDefaultLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Logs", "watchmon"), nil
	case "windows":
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			return filepath.Join(base, "watchmon", "logs"), nil
		}
		return filepath.Join(homeDir, "AppData", "Local", "watchmon", "logs"), nil
	default: // Linux and other Unix-like systems
		if base := os.Getenv("XDG_STATE_HOME"); base != "" {
			return filepath.Join(base, "watchmon"), nil
		}
		return filepath.Join(homeDir, ".local", "state", "watchmon"), nil
	}
}

// InstanceDir returns the directory of the background supervisor for
// projectRoot below baseDir. The name combines the project's directory name
// with a short hash of its absolute path.
func InstanceDir(baseDir, projectRoot string) string {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		abs = projectRoot
	}
	sum := sha256.Sum256([]byte(abs))
	name := filepath.Base(abs)
	if name == string(filepath.Separator) || name == "." {
		name = "root"
	}
	return filepath.Join(baseDir, name+"-"+hex.EncodeToString(sum[:4]))
}

// LogFile returns the log file path inside an instance directory.
func LogFile(dir string) string {
	return filepath.Join(dir, logFileName)
}

// IsBackground reports whether the current process was started by
// SpawnBackground.
func IsBackground() bool {
	return os.Getenv(BackgroundEnv) == "1"
}

// pidLocks holds the PID file locks taken by this process, keyed by
// instance directory. A dropped *os.File would close on finalization and
// silently release the lock.
var (
	pidLocksMu sync.Mutex
	pidLocks   = make(map[string]*fileutil.Lock)
)

// WritePIDFile writes the current process ID to the PID file. The exclusive
// lock on the companion lock file is kept until RemovePIDFile or process
// exit, so a second supervisor for the same directory fails here.
func WritePIDFile(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	pidPath := filepath.Join(dir, pidFileName)

	lock, err := fileutil.LockExclusive(pidPath+".lock", false)
	if errors.Is(err, fileutil.ErrLocked) {
		return fmt.Errorf("another watchmon supervisor is running for this project (lock held)")
	}
	if err != nil {
		return err
	}

	content := fmt.Sprintf("%d\n", os.Getpid())
	if err := fileutil.WriteFileAtomic(pidPath, []byte(content), 0600); err != nil {
		lock.Release()
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	pidLocksMu.Lock()
	pidLocks[dir] = lock
	pidLocksMu.Unlock()
	return nil
}

// ReadPIDFile reads the process ID from the PID file.
//
// Return values:
//   - (0, nil):     No PID file exists
//   - (pid, nil):   PID file exists and contains a valid process ID
//   - (0, error):   PID file exists but is corrupt or unreadable
//
// It does not check whether the process is alive; see GetRunningPID.
func ReadPIDFile(dir string) (int, error) {
	pidPath := filepath.Join(dir, pidFileName)

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}

	return pid, nil
}

// RemovePIDFile removes the PID file and its lock file.
func RemovePIDFile(dir string) error {
	pidPath := filepath.Join(dir, pidFileName)

	pidLocksMu.Lock()
	if lock, ok := pidLocks[dir]; ok {
		lock.Release()
		delete(pidLocks, dir)
	}
	pidLocksMu.Unlock()

	// Best effort
	_ = os.Remove(pidPath + ".lock")

	if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// GetRunningPID returns the PID of the running background supervisor, or 0.
// A PID file naming a dead process is removed together with the ready and
// status files.
func GetRunningPID(dir string) (int, error) {
	pid, err := ReadPIDFile(dir)
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, nil
	}

	if !IsProcessRunning(pid) {
		_ = RemovePIDFile(dir)
		_ = RemoveReadyFile(dir)
		_ = RemoveStatus(dir)
		return 0, nil
	}

	return pid, nil
}

// WriteReadyFile marks the background supervisor as initialized.
func WriteReadyFile(dir string) error {
	readyPath := filepath.Join(dir, readyFileName)
	content := fmt.Sprintf("ready\n%d\n", os.Getpid())
	if err := os.WriteFile(readyPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write ready file: %w", err)
	}
	return nil
}

// RemoveReadyFile removes the ready marker file.
func RemoveReadyFile(dir string) error {
	readyPath := filepath.Join(dir, readyFileName)
	if err := os.Remove(readyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove ready file: %w", err)
	}
	return nil
}

// IsReady checks if the ready marker file exists.
func IsReady(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, readyFileName))
	return err == nil
}

// Status is the snapshot a background supervisor publishes about itself.
type Status struct {
	PID          int       `json:"pid"`
	ProjectRoot  string    `json:"project_root"`
	Command      []string  `json:"command"`
	Mode         string    `json:"mode"`
	State        string    `json:"state"`
	ChildPID     int       `json:"child_pid,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	Restarts     int       `json:"restarts"`
	LastExitCode *int      `json:"last_exit_code,omitempty"`
	LastChange   []string  `json:"last_change,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// WriteStatus atomically replaces the status file. Writers are serialized
// through an exclusive lock so readers never see a partial snapshot.
func WriteStatus(dir string, status Status) error {
	statusPath := filepath.Join(dir, statusFileName)

	lock, err := fileutil.LockExclusive(statusPath+".lock", true)
	if err != nil {
		return err
	}
	defer lock.Release()

	status.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := fileutil.WriteFileAtomic(statusPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	return nil
}

// ReadStatus reads the status file. It returns (nil, nil) when none exists.
func ReadStatus(dir string) (*Status, error) {
	statusPath := filepath.Join(dir, statusFileName)

	// No lock file means no writer has run yet.
	if lock, err := fileutil.LockShared(statusPath + ".lock"); err == nil {
		defer lock.Release()
	}

	data, err := os.ReadFile(statusPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}

	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status file: %w", err)
	}
	return &status, nil
}

// RemoveStatus removes the status file and its lock.
func RemoveStatus(dir string) error {
	statusPath := filepath.Join(dir, statusFileName)
	_ = os.Remove(statusPath + ".lock")
	if err := os.Remove(statusPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove status file: %w", err)
	}
	return nil
}

// IsProcessRunning checks if a process with the given PID is running.
// Platform-specific implementations are in daemon_unix.go and daemon_windows.go.

// SpawnBackground re-executes the current binary as a detached background
// supervisor, with stdout/stderr appended to the instance log file, no
// stdin, and BackgroundEnv=1 in its environment.
//
// It returns the child PID and a channel closed when the child exits, so
// callers can detect early failures while waiting for the ready file.
func SpawnBackground(dir string, args []string) (int, <-chan struct{}, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return spawnBackgroundWithLog(LogFile(dir), args)
}

// StopProcess sends a stop request to the process with the given PID.
//
// On Unix, this sends SIGINT. On Windows, this writes a sentinel stop file
// that the background supervisor polls for. It does not wait for the
// process to exit.
//
// Platform-specific implementations are in daemon_unix.go and daemon_windows.go.

// StopChannel returns a channel that is closed when a stop request arrives
// by a mechanism other than signals (the Windows stop file). On Unix it
// never fires.
//
// Platform-specific implementations are in daemon_unix.go and daemon_windows.go.

func spawnBackgroundWithLog(logPath string, args []string) (int, <-chan struct{}, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	liveness, err := newLivenessCheck()
	if err != nil {
		logFile.Close()
		return 0, nil, err
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), BackgroundEnv+"=1")
	cmd.SysProcAttr = sysProcAttr()
	liveness.configureCmd(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		liveness.cleanup()
		return 0, nil, fmt.Errorf("failed to start background process: %w", err)
	}

	logFile.Close()
	exitCh := liveness.start(cmd.Process.Pid)

	return cmd.Process.Pid, exitCh, nil
}
