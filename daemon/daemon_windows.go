//go:build windows
// +build windows

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
	"unsafe"
)

var (
	kernel32               = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess        = kernel32.NewProc("OpenProcess")
	procCloseHandle        = kernel32.NewProc("CloseHandle")
	procGetExitCodeProcess = kernel32.NewProc("GetExitCodeProcess")
	procWaitForSingleObj   = kernel32.NewProc("WaitForSingleObject")
)

const (
	processQueryLimitedInfo = 0x1000
	synchronize             = 0x00100000
	stillActive             = 259
	infinite                = 0xFFFFFFFF
)

func openProcess(pid int, access uintptr) (uintptr, bool) {
	if pid <= 0 {
		return 0, false
	}
	handle, _, _ := procOpenProcess.Call(access, 0, uintptr(pid))
	return handle, handle != 0
}

// IsProcessRunning reports whether pid names a live process. A handle can
// still be opened for a process that exited while another handle keeps it
// around, so the exit code is checked too.
func IsProcessRunning(pid int) bool {
	handle, ok := openProcess(pid, processQueryLimitedInfo)
	if !ok {
		return false
	}
	defer procCloseHandle.Call(handle)

	var code uint32
	ret, _, _ := procGetExitCodeProcess.Call(handle, uintptr(unsafe.Pointer(&code)))
	if ret == 0 {
		return true
	}
	return code == stillActive
}

// sysProcAttr returns nil: a detached console process needs no extra
// attributes on Windows.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// livenessCheck waits on the child's process handle, since ExtraFiles is
// not supported on Windows.
type livenessCheck struct{}

func newLivenessCheck() (*livenessCheck, error) {
	return &livenessCheck{}, nil
}

func (l *livenessCheck) configureCmd(*exec.Cmd) {}

// start returns a channel closed when pid exits. If no handle can be
// opened the process is already gone.
func (l *livenessCheck) start(pid int) <-chan struct{} {
	ch := make(chan struct{})
	handle, ok := openProcess(pid, synchronize)
	if !ok {
		close(ch)
		return ch
	}
	go func() {
		procWaitForSingleObj.Call(handle, infinite)
		procCloseHandle.Call(handle)
		close(ch)
	}()
	return ch
}

func (l *livenessCheck) cleanup() {}

// ReleaseLiveness is a no-op on Windows, which has no inherited pipe.
func ReleaseLiveness() {}

const (
	stopDirName      = "stop"
	stopPollInterval = 500 * time.Millisecond
	stopStaleAfter   = 60 * time.Second
)

// stopFilePath returns the sentinel a stopper writes for pid. Console
// interrupts cannot cross consoles on Windows, so supervisors poll for it.
func stopFilePath(pid int) (string, error) {
	logDir, err := GetDefaultLogDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(logDir, stopDirName, strconv.Itoa(pid)), nil
}

// StopProcess asks the supervisor with the given PID to shut down.
func StopProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	if !IsProcessRunning(pid) {
		return fmt.Errorf("process %d is not running", pid)
	}

	path, err := stopFilePath(pid)
	if err != nil {
		return fmt.Errorf("failed to determine stop file path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create stop directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write stop file: %w", err)
	}
	return nil
}

// pruneStopFiles removes our own leftover sentinel and any sentinel older
// than stopStaleAfter.
func pruneStopFiles(own string) {
	_ = os.Remove(own)
	entries, err := os.ReadDir(filepath.Dir(own))
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err == nil && time.Since(info.ModTime()) > stopStaleAfter {
			_ = os.Remove(filepath.Join(filepath.Dir(own), e.Name()))
		}
	}
}

// StopChannel returns a channel closed once a stop file for the current
// process appears.
func StopChannel() <-chan struct{} {
	ch := make(chan struct{})

	path, err := stopFilePath(os.Getpid())
	if err != nil {
		return ch
	}
	pruneStopFiles(path)

	go func() {
		ticker := time.NewTicker(stopPollInterval)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := os.Stat(path); err == nil {
				_ = os.Remove(path)
				close(ch)
				return
			}
		}
	}()
	return ch
}
