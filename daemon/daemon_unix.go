//go:build !windows
// +build !windows

package daemon

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// IsProcessRunning reports whether a supervisor with the given PID is still
// alive. A PID we may not signal (EPERM) is reported as not running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// sysProcAttr detaches the background supervisor from the terminal's
// process group so terminal signals do not reach it.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// livenessCheck lets `watchmon run --background` notice a background
// supervisor that dies before writing its ready file. The child inherits
// the write end as livenessFD; the parent's read returns once every copy is
// closed.
type livenessCheck struct {
	pr, pw *os.File
}

func newLivenessCheck() (*livenessCheck, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create liveness pipe: %w", err)
	}
	return &livenessCheck{pr: pr, pw: pw}, nil
}

func (l *livenessCheck) configureCmd(cmd *exec.Cmd) {
	cmd.ExtraFiles = []*os.File{l.pw}
}

// start drops the parent's write end and returns a channel closed when the
// background supervisor is gone.
func (l *livenessCheck) start(_ int) <-chan struct{} {
	l.pw.Close()
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		defer l.pr.Close()
		// Nothing is ever written: EOF and read errors both mean gone.
		_, _ = io.Copy(io.Discard, l.pr)
	}()
	return ch
}

func (l *livenessCheck) cleanup() {
	l.pr.Close()
	l.pw.Close()
}

// livenessFD is the descriptor the liveness pipe occupies in the child
// (first ExtraFiles entry).
const livenessFD = 3

// ReleaseLiveness marks the inherited liveness descriptor close-on-exec so
// that processes the background supervisor launches do not keep the
// parent's liveness pipe open.
func ReleaseLiveness() {
	if IsBackground() {
		syscall.CloseOnExec(livenessFD)
	}
}

// StopProcess asks the background supervisor to shut down. SIGINT takes
// the same path as Ctrl-C in a foreground run, so the child is stopped with
// the configured signal before the supervisor exits.
func StopProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGINT); err != nil {
		return fmt.Errorf("failed to send interrupt signal to supervisor %d: %w", pid, err)
	}
	return nil
}

// StopChannel returns a channel that never fires on Unix; shutdown arrives
// as SIGINT/SIGTERM.
func StopChannel() <-chan struct{} {
	return make(chan struct{})
}
