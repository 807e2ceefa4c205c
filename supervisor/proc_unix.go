//go:build !windows
// +build !windows

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// defaultShell interprets exec-mode command lines.
const defaultShell = "/bin/sh"

// forceKillSignal ends a child that outlived a shutdown deadline.
var forceKillSignal os.Signal = syscall.SIGKILL

var signalNames = map[string]syscall.Signal{
	"SIGHUP":  syscall.SIGHUP,
	"SIGINT":  syscall.SIGINT,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGKILL": syscall.SIGKILL,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
	"SIGTERM": syscall.SIGTERM,
}

// ParseSignal resolves a signal name ("SIGTERM", "TERM", "term") or number.
func ParseSignal(name string) (os.Signal, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return syscall.SIGTERM, nil
	}
	if n, err := strconv.Atoi(name); err == nil && n > 0 {
		return syscall.Signal(n), nil
	}
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig, ok := signalNames[name]
	if !ok {
		return nil, fmt.Errorf("unknown signal: %s", name)
	}
	return sig, nil
}

// sysProcAttr puts the child in its own process group so a termination
// signal reaches everything it started, and applies credentials if set.
func sysProcAttr(cfg Config) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid: true,
	}
	if cfg.UID != nil || cfg.GID != nil {
		cred := &syscall.Credential{
			Uid: uint32(os.Getuid()),
			Gid: uint32(os.Getgid()),
		}
		if cfg.UID != nil {
			cred.Uid = *cfg.UID
		}
		if cfg.GID != nil {
			cred.Gid = *cfg.GID
		}
		attr.Credential = cred
	}
	return attr
}

func shellCommand(shell, line string) *exec.Cmd {
	return exec.Command(shell, "-c", line)
}

// signalProcess delivers sig to the child's whole process group. A group
// that no longer exists reports os.ErrProcessDone.
func signalProcess(p *os.Process, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.Signal(sig)
	}
	if err := syscall.Kill(-p.Pid, s); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

// exitedByTerminate reports whether code is what a requested termination
// leaves behind. On unix that shows up as a signal instead.
func exitedByTerminate(int) bool {
	return false
}
