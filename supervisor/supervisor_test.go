package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/yoanbernabeu/watchmon/watcher"
)

func skipIfWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping on Windows: test relies on a POSIX shell")
	}
}

// syncBuffer is a bytes.Buffer safe for use as a process sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(command string, args ...string) Config {
	cfg := DefaultConfig()
	cfg.Command = command
	cfg.Args = args
	cfg.Stdout = nil
	cfg.Stderr = nil
	return cfg
}

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s
}

// recorder collects lifecycle notifications in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
	spawns []*Process

	spawned chan *Process
	closed  chan *Process
}

func record(s *Supervisor) *recorder {
	r := &recorder{
		spawned: make(chan *Process, 16),
		closed:  make(chan *Process, 16),
	}
	s.OnSpawn(func(p *Process) {
		r.add("spawn:" + p.ID)
		r.mu.Lock()
		r.spawns = append(r.spawns, p)
		r.mu.Unlock()
		r.spawned <- p
	})
	s.OnExit(func(p *Process) { r.add("exit:" + p.ID) })
	s.OnClose(func(p *Process) {
		r.add("close:" + p.ID)
		r.closed <- p
	})
	s.OnError(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() ([]string, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]error(nil), r.errs...)
}

func (r *recorder) spawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spawns)
}

func waitProcess(t *testing.T, ch <-chan *Process, what string) *Process {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		return nil
	}
}

func TestNew_UnsupportedMode(t *testing.T) {
	cfg := testConfig("true")
	cfg.Mode = "thread"

	_, err := New(cfg)
	var modeErr *UnsupportedModeError
	if !errors.As(err, &modeErr) {
		t.Fatalf("expected *UnsupportedModeError, got %T: %v", err, err)
	}
	if modeErr.Mode != "thread" {
		t.Errorf("Mode = %q, want thread", modeErr.Mode)
	}
}

func TestNew_RequiresCommand(t *testing.T) {
	if _, err := New(testConfig("")); err == nil {
		t.Fatal("New() should fail without a command")
	}
}

func TestNew_StartsIdle(t *testing.T) {
	s := newTestSupervisor(t, testConfig("true"))
	if s.State() != StateIdle || s.Running() || s.Process() != nil {
		t.Errorf("new supervisor: state=%v running=%v process=%v", s.State(), s.Running(), s.Process())
	}
}

func TestSpawn_ExitZeroReportsNoError(t *testing.T) {
	skipIfWindows(t)
	s := newTestSupervisor(t, testConfig("sh", "-c", "exit 0"))
	r := record(s)

	if err := s.Spawn(); err != nil {
		t.Fatalf("Spawn() failed: %v", err)
	}
	p := waitProcess(t, r.closed, "close")

	events, errs := r.snapshot()
	want := []string{"spawn:" + p.ID, "exit:" + p.ID, "close:" + p.ID}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", events, want)
	}
	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	if p.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d, want 0", p.ExitCode())
	}
	if p.Phase() != PhaseClosed {
		t.Errorf("Phase() = %v, want closed", p.Phase())
	}
	if s.Running() {
		t.Error("Running() = true after close")
	}
}

func TestSpawn_NonZeroExitReportsOneError(t *testing.T) {
	skipIfWindows(t)
	s := newTestSupervisor(t, testConfig("sh", "-c", "echo boom >&2; exit 1"))
	r := record(s)

	if err := s.Spawn(); err != nil {
		t.Fatalf("Spawn() failed: %v", err)
	}
	waitProcess(t, r.closed, "close")

	_, errs := r.snapshot()
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want exactly 1: %v", len(errs), errs)
	}
	var exitErr *ProcessExitError
	if !errors.As(errs[0], &exitErr) {
		t.Fatalf("expected *ProcessExitError, got %T", errs[0])
	}
	if exitErr.Code != 1 {
		t.Errorf("Code = %d, want 1", exitErr.Code)
	}
	if exitErr.Stderr != "boom" {
		t.Errorf("Stderr = %q, want %q", exitErr.Stderr, "boom")
	}
	if !strings.Contains(exitErr.Error(), "non-zero exit code: 1") {
		t.Errorf("Error() = %q", exitErr.Error())
	}
}

func TestSpawn_StderrSinkDisablesCapture(t *testing.T) {
	skipIfWindows(t)
	cfg := testConfig("sh", "-c", "echo boom >&2; exit 2")
	stderr := &syncBuffer{}
	cfg.Stderr = stderr
	s := newTestSupervisor(t, cfg)
	r := record(s)

	s.Spawn()
	waitProcess(t, r.closed, "close")

	_, errs := r.snapshot()
	var exitErr *ProcessExitError
	if len(errs) != 1 || !errors.As(errs[0], &exitErr) {
		t.Fatalf("errors = %v, want one *ProcessExitError", errs)
	}
	if exitErr.Stderr != "" {
		t.Errorf("Stderr = %q, want empty when a sink is configured", exitErr.Stderr)
	}
	if stderr.String() != "boom\n" {
		t.Errorf("sink got %q, want %q", stderr.String(), "boom\n")
	}
}

func TestSpawn_NoDoubleSpawn(t *testing.T) {
	skipIfWindows(t)
	s := newTestSupervisor(t, testConfig("sleep", "30"))
	r := record(s)

	for i := 0; i < 3; i++ {
		if err := s.Spawn(); err != nil {
			t.Fatalf("Spawn() #%d failed: %v", i, err)
		}
	}
	waitProcess(t, r.spawned, "spawn")

	if n := r.spawnCount(); n != 1 {
		t.Errorf("spawned %d processes, want 1", n)
	}
	if s.State() != StateRunning {
		t.Errorf("State() = %v, want running", s.State())
	}
}

func TestSpawn_LaunchErrorIsRecoverable(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "no-such-binary"))
	s := newTestSupervisor(t, cfg)
	r := record(s)

	if err := s.Spawn(); err != nil {
		t.Fatalf("Spawn() should report launch failures as events, got %v", err)
	}

	_, errs := r.snapshot()
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(errs), errs)
	}
	var launchErr *ProcessLaunchError
	if !errors.As(errs[0], &launchErr) {
		t.Fatalf("expected *ProcessLaunchError, got %T", errs[0])
	}
	if s.State() != StateIdle || s.Running() {
		t.Errorf("after launch failure: state=%v running=%v", s.State(), s.Running())
	}
	if r.spawnCount() != 0 {
		t.Error("spawn listener should not fire for a failed launch")
	}
}

func TestRestart_WithoutProcessSpawns(t *testing.T) {
	skipIfWindows(t)
	s := newTestSupervisor(t, testConfig("sleep", "30"))
	r := record(s)

	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart() failed: %v", err)
	}
	waitProcess(t, r.spawned, "spawn")

	events, _ := r.snapshot()
	if len(events) != 1 || !strings.HasPrefix(events[0], "spawn:") {
		t.Errorf("events = %v, want a single spawn", events)
	}
}

func TestRestart_ReplacesProcess(t *testing.T) {
	skipIfWindows(t)
	s := newTestSupervisor(t, testConfig("sleep", "30"))
	r := record(s)

	s.Spawn()
	first := waitProcess(t, r.spawned, "first spawn")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Restart(ctx); err != nil {
		t.Fatalf("Restart() failed: %v", err)
	}
	second := waitProcess(t, r.spawned, "second spawn")

	if first.ID == second.ID {
		t.Error("restart reused the process ID")
	}
	if first.Signal() != syscall.SIGTERM {
		t.Errorf("old process Signal() = %v, want SIGTERM", first.Signal())
	}

	events, errs := r.snapshot()
	want := []string{
		"spawn:" + first.ID,
		"exit:" + first.ID,
		"close:" + first.ID,
		"spawn:" + second.ID,
	}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", events, want)
	}
	if len(errs) != 0 {
		t.Errorf("a requested termination should not report errors: %v", errs)
	}
}

func TestKill_WithoutExitKeepsSupervisorUsable(t *testing.T) {
	skipIfWindows(t)
	s := newTestSupervisor(t, testConfig("sleep", "30"))
	r := record(s)

	s.Spawn()
	waitProcess(t, r.spawned, "spawn")

	if err := s.Kill(context.Background(), KillOptions{}); err != nil {
		t.Fatalf("Kill() failed: %v", err)
	}
	if s.Running() {
		t.Error("Running() = true after Kill returned")
	}
	select {
	case <-s.Done():
		t.Fatal("Kill without Exit should not finish the supervisor")
	default:
	}

	s.Spawn()
	waitProcess(t, r.spawned, "respawn")
}

func TestKill_WithoutProcessIsNoop(t *testing.T) {
	s := newTestSupervisor(t, testConfig("true"))
	if err := s.Kill(context.Background(), KillOptions{}); err != nil {
		t.Errorf("Kill() with no process = %v, want nil", err)
	}
}

func TestKill_SignalDeliveryError(t *testing.T) {
	skipIfWindows(t)
	s := newTestSupervisor(t, testConfig("sleep", "30"))
	r := record(s)

	s.Spawn()
	waitProcess(t, r.spawned, "spawn")

	err := s.Kill(context.Background(), KillOptions{Signal: syscall.Signal(9999)})
	var sigErr *SignalDeliveryError
	if !errors.As(err, &sigErr) {
		t.Fatalf("expected *SignalDeliveryError, got %T: %v", err, err)
	}
	if !s.Running() {
		t.Error("process should survive a failed signal")
	}
}

func TestKill_ReachesProcessGroup(t *testing.T) {
	skipIfWindows(t)
	cfg := testConfig("sh", "-c", "sleep 30; true")
	cfg.Stdout = &syncBuffer{}
	s := newTestSupervisor(t, cfg)
	r := record(s)

	s.Spawn()
	waitProcess(t, r.spawned, "spawn")

	// The grandchild holds stdout open; close only happens if it dies too.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Kill(ctx, KillOptions{}); err != nil {
		t.Fatalf("Kill() failed: %v", err)
	}
}

func TestClose_SettlesOnce(t *testing.T) {
	skipIfWindows(t)
	s := newTestSupervisor(t, testConfig("sleep", "30"))
	r := record(s)

	var doneCalls int
	var mu sync.Mutex
	s.OnDone(func(error) {
		mu.Lock()
		doneCalls++
		mu.Unlock()
	})

	s.Spawn()
	waitProcess(t, r.spawned, "spawn")

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Close(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Close() #%d = %v", i, err)
		}
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Close() after shutdown = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if doneCalls != 1 {
		t.Errorf("done listeners called %d times, want 1", doneCalls)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want closed", s.State())
	}
}

func TestClose_PreventsSpawn(t *testing.T) {
	s := newTestSupervisor(t, testConfig("true"))
	r := record(s)

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	s.Spawn()
	if r.spawnCount() != 0 {
		t.Error("Spawn() after Close should be a no-op")
	}
}

func TestClose_KillsChildAfterDeadline(t *testing.T) {
	skipIfWindows(t)
	s := newTestSupervisor(t, testConfig("sh", "-c", "trap '' TERM; sleep 30"))
	r := record(s)

	s.Spawn()
	p := waitProcess(t, r.spawned, "spawn")
	// Let the shell install its trap.
	time.Sleep(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := s.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close() = %v, want deadline exceeded", err)
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("Done() not closed after Close returned")
	}
	if s.Running() {
		t.Error("Running() = true after Done(), want false")
	}
	select {
	case <-p.Closed():
	default:
		t.Error("child not closed when shutdown completed")
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want closed", s.State())
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestClose_ClosesWatcherFirst(t *testing.T) {
	skipIfWindows(t)
	s := newTestSupervisor(t, testConfig("sleep", "30"))
	r := record(s)

	var order []string
	var mu sync.Mutex
	s.AttachWatcher(closerFunc(func() error {
		mu.Lock()
		order = append(order, "watcher")
		mu.Unlock()
		return nil
	}))
	s.OnClose(func(*Process) {
		mu.Lock()
		order = append(order, "process")
		mu.Unlock()
	})

	s.Spawn()
	waitProcess(t, r.spawned, "spawn")
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, ",") != "watcher,process" {
		t.Errorf("shutdown order = %v, want [watcher process]", order)
	}
}

func TestRestartOnExitDisabled_ClosesAfterNaturalExit(t *testing.T) {
	skipIfWindows(t)
	cfg := testConfig("sh", "-c", "exit 0")
	cfg.RestartOnExit = false
	s := newTestSupervisor(t, cfg)

	s.Spawn()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not finish after the child exited")
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v, want nil", s.Err())
	}
}

func TestRestartOnExitEnabled_StaysAlive(t *testing.T) {
	skipIfWindows(t)
	s := newTestSupervisor(t, testConfig("sh", "-c", "exit 0"))
	r := record(s)

	s.Spawn()
	waitProcess(t, r.closed, "close")

	select {
	case <-s.Done():
		t.Fatal("supervisor finished although RestartOnExit is set")
	case <-time.After(300 * time.Millisecond):
	}
	if s.State() != StateIdle {
		t.Errorf("State() = %v, want idle", s.State())
	}
	if n := r.spawnCount(); n != 1 {
		t.Errorf("spawned %d times, want 1: a natural exit waits for a change", n)
	}
}

func TestTrigger_RestartsOnChange(t *testing.T) {
	skipIfWindows(t)
	s := newTestSupervisor(t, testConfig("sleep", "30"))
	r := record(s)

	changes := make(chan watcher.Batch, 1)
	s.OnChange(func(b watcher.Batch) { changes <- b })

	s.Spawn()
	first := waitProcess(t, r.spawned, "spawn")

	s.Trigger(watcher.Batch{Paths: []string{"main.go"}, Kind: watcher.KindChange})

	select {
	case b := <-changes:
		if len(b.Paths) != 1 || b.Paths[0] != "main.go" {
			t.Errorf("change batch = %v", b.Paths)
		}
	case <-time.After(time.Second):
		t.Fatal("change listener not called")
	}

	second := waitProcess(t, r.spawned, "restart")
	if second.ID == first.ID {
		t.Error("Trigger did not start a new process")
	}
}

func TestTrigger_NoRestartWhenDisabled(t *testing.T) {
	skipIfWindows(t)
	cfg := testConfig("sleep", "30")
	cfg.RestartOnChange = false
	s := newTestSupervisor(t, cfg)
	r := record(s)

	changes := make(chan watcher.Batch, 1)
	s.OnChange(func(b watcher.Batch) { changes <- b })

	s.Spawn()
	waitProcess(t, r.spawned, "spawn")
	s.Trigger(watcher.Batch{Paths: []string{"a"}})

	<-changes
	time.Sleep(200 * time.Millisecond)
	if n := r.spawnCount(); n != 1 {
		t.Errorf("spawned %d processes, want 1", n)
	}
}

func TestExecMode_BuffersOutputUntilClose(t *testing.T) {
	skipIfWindows(t)
	cfg := testConfig("echo hello; echo oops >&2; exit 3")
	cfg.Mode = ModeExec
	stdout := &syncBuffer{}
	cfg.Stdout = stdout
	s := newTestSupervisor(t, cfg)

	var atClose string
	s.OnClose(func(*Process) { atClose = stdout.String() })
	r := record(s)

	s.Spawn()
	waitProcess(t, r.closed, "close")

	if atClose != "hello\n" {
		t.Errorf("stdout at close = %q, want %q", atClose, "hello\n")
	}
	_, errs := r.snapshot()
	var exitErr *ProcessExitError
	if len(errs) != 1 || !errors.As(errs[0], &exitErr) {
		t.Fatalf("errors = %v, want one *ProcessExitError", errs)
	}
	if exitErr.Code != 3 || exitErr.Stderr != "oops" {
		t.Errorf("exit error = code %d stderr %q, want code 3 stderr oops", exitErr.Code, exitErr.Stderr)
	}
}

func TestSpawnMode_Shell(t *testing.T) {
	skipIfWindows(t)
	cfg := testConfig("echo", "$((1+2))")
	cfg.Mode = ModeSpawn
	cfg.Shell = "/bin/sh"
	stdout := &syncBuffer{}
	cfg.Stdout = stdout
	s := newTestSupervisor(t, cfg)
	r := record(s)

	s.Spawn()
	waitProcess(t, r.closed, "close")

	if stdout.String() != "3\n" {
		t.Errorf("stdout = %q, want %q", stdout.String(), "3\n")
	}
}

func TestForkMode_ExecPath(t *testing.T) {
	skipIfWindows(t)
	script := filepath.Join(t.TempDir(), "app.sh")
	if err := os.WriteFile(script, []byte("echo \"$0 $1\"\n"), 0644); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	cfg := testConfig(script, "arg")
	cfg.ExecPath = "sh"
	stdout := &syncBuffer{}
	cfg.Stdout = stdout
	s := newTestSupervisor(t, cfg)
	r := record(s)

	s.Spawn()
	p := waitProcess(t, r.closed, "close")

	if got := strings.TrimSpace(stdout.String()); got != script+" arg" {
		t.Errorf("stdout = %q, want %q", got, script+" arg")
	}
	if argv := p.Command(); len(argv) != 3 || argv[0] != "sh" {
		t.Errorf("Command() = %v, want [sh %s arg]", argv, script)
	}
}

func TestForkMode_EnvAndDir(t *testing.T) {
	skipIfWindows(t)
	dir := t.TempDir()
	cfg := testConfig("sh", "-c", "echo $WATCHMON_TEST; pwd")
	cfg.Env = append(os.Environ(), "WATCHMON_TEST=yes")
	cfg.Dir = dir
	stdout := &syncBuffer{}
	cfg.Stdout = stdout
	s := newTestSupervisor(t, cfg)
	r := record(s)

	s.Spawn()
	waitProcess(t, r.closed, "close")

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 || lines[0] != "yes" {
		t.Fatalf("stdout = %q", stdout.String())
	}
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(lines[1])
	if got != want {
		t.Errorf("working dir = %q, want %q", got, want)
	}
}

func TestStdinIsForwarded(t *testing.T) {
	skipIfWindows(t)
	cfg := testConfig("sh", "-c", "read line; echo got $line")
	cfg.Stdin = strings.NewReader("ping\n")
	stdout := &syncBuffer{}
	cfg.Stdout = stdout
	s := newTestSupervisor(t, cfg)
	r := record(s)

	s.Spawn()
	waitProcess(t, r.closed, "close")

	if stdout.String() != "got ping\n" {
		t.Errorf("stdout = %q, want %q", stdout.String(), "got ping\n")
	}
}

func TestParseSignal(t *testing.T) {
	skipIfWindows(t)
	tests := []struct {
		in      string
		want    os.Signal
		wantErr bool
	}{
		{"SIGTERM", syscall.SIGTERM, false},
		{"term", syscall.SIGTERM, false},
		{"SIGINT", syscall.SIGINT, false},
		{"hup", syscall.SIGHUP, false},
		{"9", syscall.SIGKILL, false},
		{"", syscall.SIGTERM, false},
		{"SIGBOGUS", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseSignal(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSignal(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSignal(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTailBuffer_KeepsLastBytes(t *testing.T) {
	b := newTailBuffer(4)
	b.Write([]byte("abc"))
	b.Write([]byte("defg"))
	if b.String() != "defg" {
		t.Errorf("String() = %q, want %q", b.String(), "defg")
	}
}
