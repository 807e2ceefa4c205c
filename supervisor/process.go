package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// stderrCaptureLimit bounds the captured stderr attached to exit errors.
const stderrCaptureLimit = 64 * 1024

// Phase is the lifecycle position of one child process.
type Phase int

const (
	// PhaseSpawned means the OS process exists.
	PhaseSpawned Phase = iota
	// PhaseExited means the process terminated but its output may still be
	// draining.
	PhaseExited
	// PhaseClosed means the process exited and every output stream ended.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseSpawned:
		return "spawned"
	case PhaseExited:
		return "exited"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Process is one launched child. A Process is never reused: every restart
// creates a new one with a new ID.
type Process struct {
	// ID uniquely identifies this run.
	ID      string
	Mode    Mode
	Started time.Time

	cmd *exec.Cmd

	mu         sync.Mutex
	phase      Phase
	exitCode   int
	signaled   os.Signal
	killSignal os.Signal

	// Streaming modes: copier goroutines drain these pipes.
	copiers sync.WaitGroup
	stdin   *os.File

	captured *tailBuffer

	// Exec mode: output buffered until close.
	execOut *bytes.Buffer
	execErr *bytes.Buffer

	closed chan struct{}
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Phase returns the current lifecycle phase.
func (p *Process) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// ExitCode returns the exit code, or -1 while the process runs or when it
// was terminated by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Signal returns the signal that terminated the process, if any.
func (p *Process) Signal() os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaled
}

// Closed is closed once the process reached PhaseClosed and the close
// notification was delivered.
func (p *Process) Closed() <-chan struct{} {
	return p.closed
}

// Command returns the argv the process was started with.
func (p *Process) Command() []string {
	return append([]string(nil), p.cmd.Args...)
}

func (p *Process) String() string {
	return fmt.Sprintf("%s[%d] %s", p.Mode, p.PID(), strings.Join(p.cmd.Args, " "))
}

func (p *Process) setPhase(phase Phase) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// kill delivers sig and records it as a requested termination.
func (p *Process) kill(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := signalProcess(p.cmd.Process, sig)
	if (err == nil || errors.Is(err, os.ErrProcessDone)) && p.killSignal == nil {
		p.killSignal = sig
	}
	return err
}

// recordExit stores the outcome of cmd.Wait.
func (p *Process) recordExit(waitErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = PhaseExited
	p.exitCode = -1

	state := p.cmd.ProcessState
	if state == nil {
		return
	}
	p.exitCode = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		p.signaled = ws.Signal()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && p.exitCode == 0 {
		// Output copying failed although the process succeeded.
		p.exitCode = -1
	}
}

// exitError returns the error to surface for an unsuccessful close, or nil.
// Termination by the signal the supervisor sent is a requested outcome.
func (p *Process) exitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exitCode == 0 {
		return nil
	}
	if p.signaled != nil && p.killSignal != nil {
		return nil
	}
	if p.signaled == nil && p.killSignal != nil && exitedByTerminate(p.exitCode) {
		return nil
	}

	e := &ProcessExitError{PID: p.PID(), Code: p.exitCode, Signal: p.signaled}
	if p.captured != nil {
		e.Stderr = strings.TrimRight(p.captured.String(), "\n")
	}
	return e
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// build creates the command for cfg.Mode. It does not start it.
func build(cfg Config) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch cfg.Mode {
	case ModeFork:
		if cfg.ExecPath != "" {
			args := append(append([]string{}, cfg.ExecArgs...), cfg.Command)
			cmd = exec.Command(cfg.ExecPath, append(args, cfg.Args...)...)
		} else {
			cmd = exec.Command(cfg.Command, cfg.Args...)
		}
	case ModeSpawn:
		if cfg.Shell != "" {
			cmd = shellCommand(cfg.Shell, commandLine(cfg.Command, cfg.Args))
		} else {
			cmd = exec.Command(cfg.Command, cfg.Args...)
		}
	case ModeExec:
		shell := cfg.Shell
		if shell == "" {
			shell = defaultShell
		}
		cmd = shellCommand(shell, commandLine(cfg.Command, cfg.Args))
	default:
		return nil, &UnsupportedModeError{Mode: cfg.Mode}
	}

	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env
	cmd.SysProcAttr = sysProcAttr(cfg)
	return cmd, nil
}

func commandLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

// start launches a new Process. Streaming modes get their own os.Pipe
// pairs so that exit (cmd.Wait) and close (pipes drained) are observed
// separately.
func start(cfg Config) (*Process, error) {
	cmd, err := build(cfg)
	if err != nil {
		return nil, err
	}

	p := &Process{
		ID:       uuid.NewString(),
		Mode:     cfg.Mode,
		cmd:      cmd,
		exitCode: -1,
		closed:   make(chan struct{}),
	}

	if !cfg.Mode.streaming() {
		p.execOut = &bytes.Buffer{}
		p.execErr = &bytes.Buffer{}
		cmd.Stdout = p.execOut
		cmd.Stderr = p.execErr
		if err := cmd.Start(); err != nil {
			return nil, &ProcessLaunchError{Mode: cfg.Mode, Command: cfg.Command, Err: err}
		}
		p.Started = time.Now()
		return p, nil
	}

	var parentEnds, childEnds []*os.File
	cleanup := func() {
		for _, f := range append(parentEnds, childEnds...) {
			f.Close()
		}
	}

	type stream struct {
		r *os.File
		w io.Writer
	}
	var streams []stream

	stderrSink := cfg.Stderr
	if stderrSink == nil && cfg.Mode == ModeFork {
		p.captured = newTailBuffer(stderrCaptureLimit)
		stderrSink = p.captured
	}
	for _, out := range []struct {
		sink io.Writer
		dst  *io.Writer
	}{
		{cfg.Stdout, &cmd.Stdout},
		{stderrSink, &cmd.Stderr},
	} {
		if out.sink == nil {
			continue
		}
		pr, pw, err := os.Pipe()
		if err != nil {
			cleanup()
			return nil, &ProcessLaunchError{Mode: cfg.Mode, Command: cfg.Command, Err: err}
		}
		parentEnds = append(parentEnds, pr)
		childEnds = append(childEnds, pw)
		streams = append(streams, stream{r: pr, w: out.sink})
		*out.dst = pw
	}

	if cfg.Stdin != nil {
		pr, pw, err := os.Pipe()
		if err != nil {
			cleanup()
			return nil, &ProcessLaunchError{Mode: cfg.Mode, Command: cfg.Command, Err: err}
		}
		parentEnds = append(parentEnds, pw)
		childEnds = append(childEnds, pr)
		cmd.Stdin = pr
		p.stdin = pw
	}

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, &ProcessLaunchError{Mode: cfg.Mode, Command: cfg.Command, Err: err}
	}
	p.Started = time.Now()

	// The child holds its own copies now.
	for _, f := range childEnds {
		f.Close()
	}

	for _, s := range streams {
		p.copiers.Add(1)
		go func(s stream) {
			defer p.copiers.Done()
			defer s.r.Close()
			_, _ = io.Copy(s.w, s.r)
		}(s)
	}
	return p, nil
}
