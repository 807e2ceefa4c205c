// Package supervisor runs a single child process and restarts it on demand.
//
// A Supervisor owns at most one live Process at a time. Spawn launches a
// child when none is running, Kill terminates it and waits for it to close,
// and Restart does both in sequence. Kill with Exit set, or Close, shuts the
// supervisor down for good: the attached watcher is closed, the child is
// terminated, and the completion (Done/Err) settles exactly once.
//
// Lifecycle notifications are delivered to listeners registered with OnSpawn,
// OnExit, OnClose, OnError, OnChange and OnDone, in registration order. A
// child's exit (the OS process terminated) and close (its output streams
// drained) are reported separately, always in that order, and always after
// its spawn notification. Listeners run synchronously; one that needs to
// Kill or Restart the child it is being told about must do so from a new
// goroutine, because those calls wait for the child to close.
//
// Recoverable problems (a child that failed to launch or exited non-zero)
// never end the supervisor. They are reported to error listeners; with no
// listener registered they are dropped.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/yoanbernabeu/watchmon/watcher"
)

// State is the supervisor's lifecycle state.
type State int

const (
	// StateIdle means no child is running.
	StateIdle State = iota
	// StateRunning means a child is running.
	StateRunning
	// StateRestarting means a restart is terminating the old child.
	StateRestarting
	// StateClosing means shutdown has begun.
	StateClosing
	// StateClosed means shutdown finished and the completion settled.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// KillOptions parameterizes Kill.
type KillOptions struct {
	// Signal overrides the configured termination signal.
	Signal os.Signal
	// Exit shuts the supervisor down after the child closes.
	Exit bool
}

// Supervisor manages the lifecycle of one restartable child process.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	state   State
	proc    *Process
	watcher io.Closer

	// lifecycle serializes restarts so a second restart never interleaves
	// with the kill/spawn sequence of the first.
	lifecycle sync.Mutex

	spawnListeners  listeners[*Process]
	exitListeners   listeners[*Process]
	closeListeners  listeners[*Process]
	errorListeners  listeners[error]
	changeListeners listeners[watcher.Batch]
	doneListeners   listeners[error]

	stdin     *stdinPump
	stdinOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// New validates cfg and returns an idle supervisor. No process is started.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:  cfg.withDefaults(),
		done: make(chan struct{}),
	}
	if s.cfg.Stdin != nil && s.cfg.Mode.streaming() {
		s.stdin = &stdinPump{}
	}
	return s, nil
}

// Config returns the configuration the supervisor was created with.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// OnSpawn registers a listener called after each child starts.
func (s *Supervisor) OnSpawn(fn func(*Process)) { s.spawnListeners.add(fn) }

// OnExit registers a listener called when a child's OS process terminates.
func (s *Supervisor) OnExit(fn func(*Process)) { s.exitListeners.add(fn) }

// OnClose registers a listener called once a child exited and its output
// streams ended.
func (s *Supervisor) OnClose(fn func(*Process)) { s.closeListeners.add(fn) }

// OnError registers a listener for recoverable errors: *ProcessLaunchError,
// *ProcessExitError and restart failures.
func (s *Supervisor) OnError(fn func(error)) { s.errorListeners.add(fn) }

// OnChange registers a listener called with every change batch passed to
// Trigger.
func (s *Supervisor) OnChange(fn func(watcher.Batch)) { s.changeListeners.add(fn) }

// OnDone registers a listener called once, when the supervisor finishes.
func (s *Supervisor) OnDone(fn func(error)) { s.doneListeners.add(fn) }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether a child is alive or still draining output.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Process returns the current child, or nil while idle.
func (s *Supervisor) Process() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// Done is closed when the supervisor has shut down.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err returns the shutdown result once Done is closed.
func (s *Supervisor) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the supervisor has shut down or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AttachWatcher hands ownership of a change source to the supervisor. It
// is closed as the first step of shutdown, so no change can trigger a
// restart once shutdown has begun.
func (s *Supervisor) AttachWatcher(w io.Closer) {
	s.mu.Lock()
	if s.state < StateClosing {
		s.watcher = w
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := w.Close(); err != nil {
		log.Printf("Warning: failed to close watcher: %v", err)
	}
}

// Spawn launches a child unless one is already running or the supervisor
// is shutting down. A launch failure is reported to error listeners as a
// *ProcessLaunchError and Spawn returns nil; the supervisor stays usable.
func (s *Supervisor) Spawn() error {
	s.mu.Lock()
	if s.state >= StateClosing || s.proc != nil {
		s.mu.Unlock()
		return nil
	}

	p, err := start(s.cfg)
	if err != nil {
		if s.state == StateRestarting {
			s.state = StateIdle
		}
		s.mu.Unlock()

		var modeErr *UnsupportedModeError
		if errors.As(err, &modeErr) {
			return err
		}
		s.errorListeners.emit(err)
		return nil
	}
	s.proc = p
	s.state = StateRunning
	s.mu.Unlock()

	if s.stdin != nil && p.stdin != nil {
		s.stdin.attach(p.stdin)
		s.stdinOnce.Do(func() { go s.stdin.run(s.cfg.Stdin) })
	}

	spawned := make(chan struct{})
	go s.reap(p, spawned)
	s.spawnListeners.emit(p)
	close(spawned)
	return nil
}

// reap observes one child through exit and close. Notifications wait for
// spawned so a child is never reported exited before it was reported
// spawned.
func (s *Supervisor) reap(p *Process, spawned <-chan struct{}) {
	waitErr := p.cmd.Wait()
	p.recordExit(waitErr)
	<-spawned
	s.exitListeners.emit(p)

	p.copiers.Wait()
	if p.stdin != nil {
		if s.stdin != nil {
			s.stdin.detach(p.stdin)
		}
		p.stdin.Close()
	}
	if p.Mode == ModeExec {
		s.flushExecOutput(p)
	}
	p.setPhase(PhaseClosed)

	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
		if s.state == StateRunning {
			s.state = StateIdle
		}
	}
	closing := s.state >= StateClosing
	s.mu.Unlock()

	if err := p.exitError(); err != nil {
		s.errorListeners.emit(err)
	}
	s.closeListeners.emit(p)
	close(p.closed)

	p.mu.Lock()
	requested := p.killSignal != nil
	p.mu.Unlock()
	if !requested && !closing && !s.cfg.RestartOnExit {
		go s.Close(context.Background())
	}
}

// flushExecOutput delivers output buffered in exec mode. Without a stderr
// sink the buffered stderr becomes the exit error's text.
func (s *Supervisor) flushExecOutput(p *Process) {
	if s.cfg.Stdout != nil && p.execOut.Len() > 0 {
		if _, err := s.cfg.Stdout.Write(p.execOut.Bytes()); err != nil {
			log.Printf("Warning: failed to write process output: %v", err)
		}
	}
	if p.execErr.Len() == 0 {
		return
	}
	if s.cfg.Stderr != nil {
		if _, err := s.cfg.Stderr.Write(p.execErr.Bytes()); err != nil {
			log.Printf("Warning: failed to write process output: %v", err)
		}
		return
	}
	p.captured = newTailBuffer(stderrCaptureLimit)
	p.captured.Write(p.execErr.Bytes())
}

// Kill terminates the current child and blocks until it has closed or ctx
// is done. With no child running it returns immediately. A signal that
// cannot be delivered yields a *SignalDeliveryError.
//
// With opts.Exit, Kill shuts the supervisor down: the attached watcher is
// closed before the child is signalled, and the completion settles with
// Kill's result. If ctx ends before the child closes, the child's group is
// killed outright and awaited so the completion never settles while a child
// is alive. Only the first shutdown request signals the child; later ones
// wait for the first to finish.
func (s *Supervisor) Kill(ctx context.Context, opts KillOptions) error {
	sig := opts.Signal
	if sig == nil {
		sig = s.cfg.Signal
	}

	if opts.Exit && !s.beginClose() {
		return s.Wait(ctx)
	}

	err := s.terminate(ctx, sig)
	if opts.Exit {
		if err != nil && ctx.Err() != nil {
			s.forceKill()
		}
		s.finish(err)
	}
	return err
}

// forceKill sends forceKillSignal to the current child and waits for it to
// close.
func (s *Supervisor) forceKill() {
	p := s.Process()
	if p == nil {
		return
	}
	if err := p.kill(forceKillSignal); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Printf("Warning: failed to kill process %d: %v", p.PID(), err)
	}
	<-p.closed
}

func (s *Supervisor) terminate(ctx context.Context, sig os.Signal) error {
	p := s.Process()
	if p == nil {
		return nil
	}

	if err := p.kill(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return &SignalDeliveryError{PID: p.PID(), Signal: sig, Err: err}
	}

	select {
	case <-p.closed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for process %d: %w", p.PID(), ctx.Err())
	}
}

// Restart terminates the current child, waits for it to close, and spawns a
// new one. Restarts are serialized.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return nil
	}
	s.state = StateRestarting
	s.mu.Unlock()

	if err := s.terminate(ctx, s.cfg.Signal); err != nil {
		s.mu.Lock()
		if s.state == StateRestarting {
			if s.proc != nil {
				s.state = StateRunning
			} else {
				s.state = StateIdle
			}
		}
		s.mu.Unlock()
		return err
	}
	return s.Spawn()
}

// Close shuts the supervisor down with the configured signal. It is
// idempotent; every call returns the same result.
func (s *Supervisor) Close(ctx context.Context) error {
	return s.Kill(ctx, KillOptions{Exit: true})
}

// Trigger reports a change batch to change listeners and, when configured,
// restarts the child in the background. It never blocks on the restart, so
// it is safe to call from a watcher's event loop.
func (s *Supervisor) Trigger(batch watcher.Batch) {
	if s.State() >= StateClosing {
		return
	}
	s.changeListeners.emit(batch)
	if !s.cfg.RestartOnChange {
		return
	}
	go func() {
		if err := s.Restart(context.Background()); err != nil {
			s.errorListeners.emit(err)
		}
	}()
}

// beginClose moves to StateClosing and closes the watcher. It reports false
// if shutdown had already begun.
func (s *Supervisor) beginClose() bool {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosing
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if w != nil {
		if err := w.Close(); err != nil {
			log.Printf("Warning: failed to close watcher: %v", err)
		}
	}
	return true
}

func (s *Supervisor) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.err = err
		s.mu.Unlock()

		if s.stdin != nil {
			s.stdin.stop()
		}
		s.doneListeners.emit(err)
		close(s.done)
	})
}

// listeners is an ordered, concurrency-safe callback list.
type listeners[T any] struct {
	mu  sync.Mutex
	fns []func(T)
}

func (l *listeners[T]) add(fn func(T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fns = append(l.fns, fn)
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), len(l.fns))
	copy(fns, l.fns)
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// stdinPump forwards one input stream into whichever child is current.
// Input that arrives between children is dropped.
type stdinPump struct {
	mu      sync.Mutex
	w       io.WriteCloser
	eof     bool
	stopped bool
}

func (p *stdinPump) run(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.write(buf[:n])
		}
		if err != nil {
			p.mu.Lock()
			p.eof = true
			if p.w != nil {
				p.w.Close()
				p.w = nil
			}
			p.mu.Unlock()
			return
		}
		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			return
		}
	}
}

func (p *stdinPump) write(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return
	}
	if _, err := p.w.Write(b); err != nil {
		p.w = nil
	}
}

func (p *stdinPump) attach(w io.WriteCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eof {
		w.Close()
		return
	}
	p.w = w
}

func (p *stdinPump) detach(w io.WriteCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == w {
		p.w = nil
	}
}

func (p *stdinPump) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.w = nil
}
