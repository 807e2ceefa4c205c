package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/yoanbernabeu/watchmon/supervisor"
	"github.com/yoanbernabeu/watchmon/watcher"
)

func skipIfWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping on Windows: test relies on POSIX commands")
	}
}

func testConfig(t *testing.T, command string, args ...string) (Config, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Cwd = dir
	cfg.Debounce = 50 * time.Millisecond
	cfg.Signals = []os.Signal{}
	cfg.Supervisor.Command = command
	cfg.Supervisor.Args = args
	cfg.Supervisor.Stdout = nil
	cfg.Supervisor.Stderr = nil
	return cfg, dir
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Close(ctx)
	})
	return svc
}

type spawnCounter struct {
	mu    sync.Mutex
	count int
	ch    chan *supervisor.Process
}

func countSpawns(svc *Service) *spawnCounter {
	c := &spawnCounter{ch: make(chan *supervisor.Process, 16)}
	svc.Supervisor().OnSpawn(func(p *supervisor.Process) {
		c.mu.Lock()
		c.count++
		c.mu.Unlock()
		c.ch <- p
	})
	return c
}

func (c *spawnCounter) n() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *spawnCounter) wait(t *testing.T) *supervisor.Process {
	t.Helper()
	select {
	case p := <-c.ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for spawn")
		return nil
	}
}

func TestService_RestartsOnFileChange(t *testing.T) {
	skipIfWindows(t)
	cfg, dir := testConfig(t, "sleep", "30")
	svc := newTestService(t, cfg)
	spawns := countSpawns(svc)

	changes := make(chan watcher.Batch, 4)
	svc.Supervisor().OnChange(func(b watcher.Batch) { changes <- b })

	if err := svc.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	first := spawns.wait(t)

	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	select {
	case b := <-changes:
		if len(b.Paths) != 1 || b.Paths[0] != "main.go" {
			t.Errorf("batch paths = %v, want [main.go]", b.Paths)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for change batch")
	}

	second := spawns.wait(t)
	if second.ID == first.ID {
		t.Error("expected a new process after the change")
	}
}

func TestService_IgnoredChangeDoesNotRestart(t *testing.T) {
	skipIfWindows(t)
	cfg, dir := testConfig(t, "sleep", "30")
	cfg.Filter.Ignore = append(cfg.Filter.Ignore, "**/*.log")
	svc := newTestService(t, cfg)
	spawns := countSpawns(svc)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	spawns.wait(t)

	if err := os.WriteFile(filepath.Join(dir, "debug.log"), []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := spawns.n(); n != 1 {
		t.Errorf("spawned %d processes, want 1", n)
	}
}

func TestService_GlobRoots(t *testing.T) {
	skipIfWindows(t)
	cfg, dir := testConfig(t, "sleep", "30")
	if err := os.Mkdir(filepath.Join(dir, "src"), 0755); err != nil {
		t.Fatalf("failed to create src: %v", err)
	}
	cfg.Roots = []string{"src/**/*.go"}
	svc := newTestService(t, cfg)

	changes := make(chan watcher.Batch, 4)
	svc.Supervisor().OnChange(func(b watcher.Batch) { changes <- b })

	if err := svc.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	targets := svc.Aggregator().Targets()
	if len(targets) != 1 || targets[0] != filepath.Join(dir, "src") {
		t.Fatalf("Targets() = %v, want [%s]", targets, filepath.Join(dir, "src"))
	}

	os.WriteFile(filepath.Join(dir, "src", "notes.txt"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("x"), 0644)

	select {
	case b := <-changes:
		if len(b.Paths) != 1 || b.Paths[0] != "src/main.go" {
			t.Errorf("batch paths = %v, want [src/main.go]", b.Paths)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for change batch")
	}
}

func TestService_WatchSetupErrorIsFatal(t *testing.T) {
	cfg, _ := testConfig(t, "sleep", "30")
	cfg.Roots = []string{"does-not-exist"}
	svc := newTestService(t, cfg)
	spawns := countSpawns(svc)

	err := svc.Start()
	var setupErr *watcher.WatchSetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("expected *watcher.WatchSetupError, got %T: %v", err, err)
	}

	select {
	case <-svc.Done():
	case <-time.After(time.Second):
		t.Fatal("service should be finished after a fatal start error")
	}
	if werr := svc.Wait(); !errors.As(werr, &setupErr) {
		t.Errorf("Wait() = %v, want the setup error", werr)
	}
	if spawns.n() != 0 {
		t.Error("no process should be spawned when the watch fails")
	}
}

func TestService_StartIsIdempotent(t *testing.T) {
	skipIfWindows(t)
	cfg, _ := testConfig(t, "sleep", "30")
	svc := newTestService(t, cfg)
	spawns := countSpawns(svc)

	for i := 0; i < 3; i++ {
		if err := svc.Start(); err != nil {
			t.Fatalf("Start() #%d failed: %v", i, err)
		}
	}
	spawns.wait(t)
	time.Sleep(100 * time.Millisecond)
	if n := spawns.n(); n != 1 {
		t.Errorf("spawned %d processes, want 1", n)
	}
}

func TestService_WatchDisabled(t *testing.T) {
	skipIfWindows(t)
	cfg, dir := testConfig(t, "sleep", "30")
	cfg.Watch = false
	svc := newTestService(t, cfg)
	spawns := countSpawns(svc)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	spawns.wait(t)
	if svc.Aggregator() != nil {
		t.Error("Aggregator() should be nil when watching is disabled")
	}

	os.WriteFile(filepath.Join(dir, "main.go"), []byte("x"), 0644)
	time.Sleep(200 * time.Millisecond)
	if n := spawns.n(); n != 1 {
		t.Errorf("spawned %d processes, want 1", n)
	}
}

func TestService_StartDisabled(t *testing.T) {
	cfg, _ := testConfig(t, "sleep", "30")
	cfg.Start = false
	svc := newTestService(t, cfg)
	spawns := countSpawns(svc)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if spawns.n() != 0 || svc.Supervisor().Running() {
		t.Error("no process should run when Start is disabled")
	}
}

func TestService_CloseFinishes(t *testing.T) {
	skipIfWindows(t)
	cfg, dir := testConfig(t, "sleep", "30")
	svc := newTestService(t, cfg)
	spawns := countSpawns(svc)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	spawns.wait(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := svc.Wait(); err != nil {
		t.Errorf("Wait() = %v, want nil", err)
	}

	// Changes after shutdown are not acted upon.
	os.WriteFile(filepath.Join(dir, "main.go"), []byte("x"), 0644)
	time.Sleep(200 * time.Millisecond)
	if n := spawns.n(); n != 1 {
		t.Errorf("spawned %d processes, want 1", n)
	}
}

func TestService_NaturalExitWithoutRestart(t *testing.T) {
	skipIfWindows(t)
	cfg, _ := testConfig(t, "sh", "-c", "exit 0")
	cfg.Supervisor.RestartOnExit = false
	svc := newTestService(t, cfg)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not finish after the process exited")
	}
}

func TestRootPatterns(t *testing.T) {
	got := rootPatterns([]string{"src/**/*.go", "lib"})
	want := []string{"src/**/*.go", "lib/**"}
	if len(got) != len(want) {
		t.Fatalf("rootPatterns() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rootPatterns()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
