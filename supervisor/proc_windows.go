//go:build windows
// +build windows

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

const defaultShell = "cmd"

var forceKillSignal os.Signal = os.Kill

// ParseSignal resolves a signal name. Windows cannot deliver POSIX signals,
// so every accepted name terminates the process.
func ParseSignal(name string) (os.Signal, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	switch name {
	case "SIG", "SIGTERM":
		return syscall.SIGTERM, nil
	case "SIGINT":
		return os.Interrupt, nil
	case "SIGKILL":
		return os.Kill, nil
	default:
		return nil, fmt.Errorf("unknown signal: %s", name)
	}
}

// sysProcAttr starts the child in a new process group. Credentials are not
// supported on Windows and are ignored.
func sysProcAttr(_ Config) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

func shellCommand(shell, line string) *exec.Cmd {
	return exec.Command(shell, "/C", line)
}

// signalProcess terminates the child. TerminateProcess is the only
// reliable mechanism for console-less children.
func signalProcess(p *os.Process, _ os.Signal) error {
	return p.Kill()
}

// exitedByTerminate reports whether code is the status Kill leaves behind.
func exitedByTerminate(code int) bool {
	return code == 1
}
