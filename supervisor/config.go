package supervisor

import (
	"errors"
	"io"
	"os"
	"syscall"
)

// Mode selects how the child process is launched.
type Mode string

const (
	// ModeFork runs a program or script directly, optionally through an
	// interpreter (ExecPath), with streamed stdio.
	ModeFork Mode = "fork"
	// ModeSpawn runs an arbitrary command with streamed stdio, optionally
	// interpreted by a shell.
	ModeSpawn Mode = "spawn"
	// ModeExec runs a command line through a shell and buffers its output
	// in memory until the process closes.
	ModeExec Mode = "exec"
)

// Config describes the managed process. Start from DefaultConfig; a Config
// is never modified after New.
type Config struct {
	Mode    Mode
	Command string
	Args    []string

	// Dir is the working directory of the child. Empty means the
	// supervisor's own working directory.
	Dir string
	// Env is the child's environment. Nil inherits the supervisor's.
	Env []string

	// Shell interprets the command line in spawn mode when set, and
	// replaces the platform default shell in exec mode.
	Shell string

	// ExecPath and ExecArgs name an interpreter for fork mode:
	// the child runs ExecPath ExecArgs... Command Args...
	ExecPath string
	ExecArgs []string

	// UID and GID run the child under different credentials (unix only).
	UID *uint32
	GID *uint32

	// Signal terminates the child on restart and shutdown.
	Signal os.Signal

	// Stdin is forwarded into the child's standard input in streaming modes.
	Stdin io.Reader
	// Stdout and Stderr receive the child's output. A nil Stderr in fork
	// mode makes the supervisor capture stderr and attach it to exit errors.
	Stdout io.Writer
	Stderr io.Writer

	// RestartOnChange restarts the child for every change batch.
	RestartOnChange bool
	// RestartOnExit keeps the supervisor alive after the child exits on its
	// own, so the next change batch starts it again. The child is never
	// respawned right away. When false, a natural exit shuts the supervisor
	// down.
	RestartOnExit bool
}

// DefaultConfig returns a fork-mode configuration terminating with SIGTERM,
// streaming to the supervisor's stdout/stderr, restarting on change and
// staying alive across child exits.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeFork,
		Signal:          syscall.SIGTERM,
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
		RestartOnChange: true,
		RestartOnExit:   true,
	}
}

// Validate reports configuration errors. An unknown mode yields an
// *UnsupportedModeError.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeFork, ModeSpawn, ModeExec:
	default:
		return &UnsupportedModeError{Mode: c.Mode}
	}
	if c.Command == "" {
		return errors.New("command is required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Signal == nil {
		c.Signal = syscall.SIGTERM
	}
	return c
}

// streaming reports whether the mode pipes stdio live.
func (m Mode) streaming() bool {
	return m == ModeFork || m == ModeSpawn
}
