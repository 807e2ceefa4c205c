// Package service composes a change aggregator and a process supervisor into
// one running unit that restarts a command whenever watched files change.
//
// Start opens the watch, forwards every change batch to the supervisor,
// installs SIGINT/SIGTERM handlers that shut the supervisor down with the
// received signal, and launches the first process. The service is finished
// when the supervisor is: Wait and Done observe that single completion.
package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/yoanbernabeu/watchmon/filter"
	"github.com/yoanbernabeu/watchmon/supervisor"
	"github.com/yoanbernabeu/watchmon/watcher"
)

// DefaultDebounce is the quiet period used when none is configured.
const DefaultDebounce = 256 * time.Millisecond

// DefaultIgnore excludes version-control metadata and dependency trees.
var DefaultIgnore = []string{"**/.git/**", "**/node_modules/**"}

// Config configures a Service.
type Config struct {
	Supervisor supervisor.Config

	// Watch enables the change aggregator. Without it the service only
	// supervises the process and reacts to signals.
	Watch bool
	// Roots are the directories (or glob patterns) to watch, relative to
	// Cwd. Empty means Cwd itself.
	Roots []string
	// Cwd anchors relative roots and the paths reported in batches.
	Cwd string
	// Filter selects relevant paths. Its Cwd defaults to Cwd.
	Filter filter.Options
	// Debounce is the quiet period before a batch is emitted. Zero emits
	// every event on its own.
	Debounce time.Duration

	// Start launches the process when the service starts.
	Start bool

	// Signals are the shutdown signals to handle. Nil means SIGINT and
	// SIGTERM; an empty non-nil slice disables signal handling.
	Signals []os.Signal
}

// DefaultConfig returns a configuration that watches the working
// directory, ignores DefaultIgnore and starts the process immediately.
func DefaultConfig() Config {
	return Config{
		Supervisor: supervisor.DefaultConfig(),
		Watch:      true,
		Filter: filter.Options{
			Ignore: append([]string(nil), DefaultIgnore...),
			Glob:   filter.GlobOptions{Dot: true},
		},
		Debounce: DefaultDebounce,
		Start:    true,
	}
}

// Service is a running watch-and-restart unit.
type Service struct {
	cfg Config
	sup *supervisor.Supervisor

	mu         sync.Mutex
	started    bool
	startErr   error
	aggregator *watcher.Aggregator
}

// New validates cfg and creates the supervisor. Nothing runs until Start.
func New(cfg Config) (*Service, error) {
	if cfg.Cwd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.Cwd = cwd
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.Signals == nil {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sup, err := supervisor.New(cfg.Supervisor)
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, sup: sup}, nil
}

// Supervisor returns the underlying supervisor, for registering listeners
// or issuing manual restarts.
func (s *Service) Supervisor() *supervisor.Supervisor {
	return s.sup
}

// Aggregator returns the change aggregator, or nil when watching is
// disabled or Start has not run.
func (s *Service) Aggregator() *watcher.Aggregator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregator
}

// Start opens the watch, installs signal handlers and launches the first
// process. A watch that cannot be set up is fatal: the supervisor is shut
// down and the *watcher.WatchSetupError is returned. Calling Start again is
// a no-op that returns the first call's result.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.started {
		err := s.startErr
		s.mu.Unlock()
		return err
	}
	s.started = true
	s.mu.Unlock()

	if err := s.startWatch(); err != nil {
		s.mu.Lock()
		s.startErr = err
		s.mu.Unlock()
		s.sup.Close(context.Background())
		return err
	}

	s.installSignals()

	if s.cfg.Start {
		if err := s.sup.Spawn(); err != nil {
			s.mu.Lock()
			s.startErr = err
			s.mu.Unlock()
			s.sup.Close(context.Background())
			return err
		}
	}
	return nil
}

func (s *Service) startWatch() error {
	if !s.cfg.Watch {
		return nil
	}

	targets, glob, err := filter.Targets(s.cfg.Roots, s.cfg.Cwd)
	if err != nil {
		return err
	}

	opts := s.cfg.Filter
	if opts.Cwd == "" {
		opts.Cwd = s.cfg.Cwd
	}
	if glob {
		// Glob roots restrict which files under their base directory count.
		opts.Include = append(append([]string(nil), opts.Include...), rootPatterns(s.cfg.Roots)...)
	}
	f, err := filter.New(opts)
	if err != nil {
		return err
	}

	agg, err := watcher.New(targets, f, s.cfg.Debounce,
		watcher.WithBaseDir(s.cfg.Cwd),
		watcher.WithSkipDir(f.SkipDir),
	)
	if err != nil {
		return err
	}
	agg.OnChange(s.sup.Trigger)

	s.mu.Lock()
	s.aggregator = agg
	s.mu.Unlock()
	s.sup.AttachWatcher(agg)
	return nil
}

// rootPatterns turns roots into include globs: glob roots as written, plain
// directories as everything below them.
func rootPatterns(roots []string) []string {
	patterns := make([]string, 0, len(roots))
	for _, root := range roots {
		if filter.IsGlob(root) {
			patterns = append(patterns, root)
			continue
		}
		patterns = append(patterns, path.Join(root, "**"))
	}
	return patterns
}

// installSignals shuts the supervisor down on the first handled signal,
// forwarding that signal to the child. Handlers are removed once the
// supervisor is done.
func (s *Service) installSignals() {
	if len(s.cfg.Signals) == 0 {
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, s.cfg.Signals...)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case sig := <-sigCh:
				log.Printf("Received %v, shutting down...", sig)
				go func() {
					if err := s.sup.Kill(context.Background(), supervisor.KillOptions{Signal: sig, Exit: true}); err != nil {
						log.Printf("Warning: shutdown failed: %v", err)
					}
				}()
			case <-s.sup.Done():
				return
			}
		}
	}()
}

// Done is closed when the service has finished.
func (s *Service) Done() <-chan struct{} {
	return s.sup.Done()
}

// Wait blocks until the service has finished and returns its result: the
// start error if Start failed, otherwise the shutdown result.
func (s *Service) Wait() error {
	<-s.sup.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	return s.sup.Err()
}

// Close shuts the service down with the configured termination signal.
func (s *Service) Close(ctx context.Context) error {
	return s.sup.Close(ctx)
}
