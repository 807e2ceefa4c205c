package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/yoanbernabeu/watchmon/config"
	"github.com/yoanbernabeu/watchmon/daemon"
	"github.com/yoanbernabeu/watchmon/service"
	"github.com/yoanbernabeu/watchmon/supervisor"
	"github.com/yoanbernabeu/watchmon/watcher"
)

var (
	runBackground bool
	runLogDir     string
	runMode       string
	runWatch      []string
	runIgnore     []string
	runExt        []string
	runDebounce   int
	runSignal     string
	runNoRestart  bool
	runExit       bool
	runCapture    bool
	runVerbose    bool
)

// maxReportedPaths caps the changed paths kept in status snapshots and
// printed in verbose mode.
const maxReportedPaths = 20

var runCmd = &cobra.Command{
	Use:   "run [flags] [--] <command> [args...]",
	Short: "Run a command and restart it when files change",
	Long: `Run a command under supervision and restart it whenever a watched file
changes.

The command comes from the arguments after the flags, or from process.command
in .watchmon.yaml. Flags override the configuration file.

Process modes:
  fork   Run the command directly (default)
  spawn  Run the command directly, or through process.shell when configured
  exec   Run the command line through the shell and print its output on exit

With --capture-stderr (fork and exec modes) the command's stderr is kept out
of the terminal and printed with the crash report when it fails.

Background mode:
  watchmon run --background -- go run .   Run detached, logging to a file
  watchmon status                         Check the background supervisor
  watchmon stop                           Stop the background supervisor

Default log directories:
  Linux:   ~/.local/state/watchmon/logs/<project>-<hash>/ (or $XDG_STATE_HOME)
  macOS:   ~/Library/Logs/watchmon/<project>-<hash>/
  Windows: %LOCALAPPDATA%\watchmon\logs\<project>-<hash>\`,
	Args: cobra.ArbitraryArgs,
	RunE: runRun,
}

func init() {
	bindRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func bindRunFlags(cmd *cobra.Command) {
	// Everything after the command name belongs to the command.
	cmd.Flags().SetInterspersed(false)

	cmd.Flags().BoolVar(&runBackground, "background", false, "Run in background mode")
	cmd.Flags().StringVar(&runLogDir, "log-dir", "", "Directory for log and state files (default: OS-specific)")
	cmd.Flags().StringVar(&runMode, "mode", "", "Process mode (fork, spawn, or exec)")
	cmd.Flags().StringArrayVarP(&runWatch, "watch", "w", nil, "Directory or glob to watch (can be repeated)")
	cmd.Flags().StringArrayVarP(&runIgnore, "ignore", "i", nil, "Glob to ignore, added to the configured list (can be repeated)")
	cmd.Flags().StringSliceVarP(&runExt, "ext", "e", nil, "Extensions to watch (e.g. go,mod)")
	cmd.Flags().IntVar(&runDebounce, "debounce", config.DefaultDebounceMs, "Quiet period in milliseconds before restarting (0 disables)")
	cmd.Flags().StringVar(&runSignal, "signal", "", "Signal used to stop the command (e.g. SIGTERM, SIGINT)")
	cmd.Flags().BoolVar(&runNoRestart, "no-restart", false, "Report changes without restarting the command")
	cmd.Flags().BoolVar(&runExit, "exit", false, "Exit when the command exits on its own")
	cmd.Flags().BoolVar(&runCapture, "capture-stderr", false, "Keep stderr for crash reports instead of printing it (fork and exec modes)")
	cmd.Flags().BoolVar(&runVerbose, "verbose", false, "Print every change batch")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, projectRoot, err := config.LoadOrDefault()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg, args); err != nil {
		return err
	}

	dir, err := instanceDir(runLogDir, projectRoot)
	if err != nil {
		return err
	}

	if runBackground && !daemon.IsBackground() {
		return startBackgroundRun(dir)
	}

	// Refuse to run next to a background supervisor of the same project
	// (automatically cleans up stale PIDs).
	if !daemon.IsBackground() {
		pid, err := daemon.GetRunningPID(dir)
		if err != nil {
			return fmt.Errorf("failed to check running status: %w", err)
		}
		if pid > 0 {
			return fmt.Errorf("watchmon is already running in background (PID %d)\nUse 'watchmon stop' to stop it", pid)
		}
	}

	svcCfg, err := cfg.ServiceConfig(projectRoot)
	if err != nil {
		return err
	}
	return runService(svcCfg, projectRoot, dir)
}

// applyRunFlags overlays explicitly set flags and the positional command
// onto the file configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, args []string) error {
	flags := cmd.Flags()

	if len(args) > 0 {
		cfg.Process.Command = args[0]
		cfg.Process.Args = args[1:]
	}
	if flags.Changed("mode") {
		cfg.Process.Mode = runMode
	}
	if flags.Changed("watch") {
		cfg.Watch.Roots = runWatch
	}
	if flags.Changed("ignore") {
		cfg.Watch.Ignore = append(cfg.Watch.Ignore, runIgnore...)
	}
	if flags.Changed("ext") {
		cfg.Watch.Extensions = runExt
	}
	if flags.Changed("debounce") {
		debounce := runDebounce
		cfg.Watch.DebounceMs = &debounce
	}
	if flags.Changed("signal") {
		cfg.Process.Signal = runSignal
	}
	if flags.Changed("capture-stderr") {
		cfg.Process.CaptureStderr = runCapture
	}
	if runNoRestart {
		restart := false
		cfg.RestartOnChange = &restart
	}
	if runExit {
		restart := false
		cfg.RestartOnExit = &restart
	}

	if cfg.Process.Command == "" {
		return fmt.Errorf("no command to run\nPass one after the flags (watchmon run -- go run .) or set process.command in %s", config.ConfigFileName)
	}
	return cfg.Validate()
}

func instanceDir(logDir, projectRoot string) (string, error) {
	if logDir == "" {
		var err error
		logDir, err = daemon.GetDefaultLogDir()
		if err != nil {
			return "", fmt.Errorf("failed to get default log directory: %w", err)
		}
	}
	return daemon.InstanceDir(logDir, projectRoot), nil
}

// backgroundArgs rebuilds the command line for the detached child: the
// same arguments without --background. Arguments after "--" are left alone.
func backgroundArgs(argv []string) []string {
	out := make([]string, 0, len(argv))
	passthrough := false
	for _, arg := range argv {
		if !passthrough {
			if arg == "--" {
				passthrough = true
			} else if arg == "--background" || strings.HasPrefix(arg, "--background=") {
				continue
			}
		}
		out = append(out, arg)
	}
	return out
}

func startBackgroundRun(dir string) error {
	// Check if already running (automatically cleans up stale PIDs)
	pid, err := daemon.GetRunningPID(dir)
	if err != nil {
		return fmt.Errorf("failed to check running status: %w", err)
	}
	if pid > 0 {
		return fmt.Errorf("watchmon is already running (PID %d)", pid)
	}

	logFile := daemon.LogFile(dir)
	childPID, exitCh, err := daemon.SpawnBackground(dir, backgroundArgs(os.Args[1:]))
	if err != nil {
		return fmt.Errorf("failed to start background process: %w", err)
	}

	// Poll for the ready file, also checking for early child exit
	const startupTimeout = 30 * time.Second
	const pollInterval = 250 * time.Millisecond
	deadline := time.Now().Add(startupTimeout)

	for time.Now().Before(deadline) {
		if daemon.IsReady(dir) {
			fmt.Printf("Background supervisor started (PID %d)\n", childPID)
			fmt.Printf("Logs: %s\n", logFile)
			fmt.Printf("\nUse 'watchmon status' to check status\n")
			fmt.Printf("Use 'watchmon stop' to stop it\n")
			return nil
		}

		select {
		case <-exitCh:
			return fmt.Errorf("background process failed to start (check logs at %s)", logFile)
		default:
		}

		time.Sleep(pollInterval)
	}

	return fmt.Errorf("timeout waiting for process to become ready after %v (check logs at %s)", startupTimeout, logFile)
}

// runService runs the supervisor until it shuts down. As a background child
// it also maintains the PID, ready and status files in dir.
func runService(cfg service.Config, projectRoot, dir string) error {
	isBackgroundChild := daemon.IsBackground()

	logf := func(format string, args ...any) {
		fmt.Printf("[watchmon] "+format+"\n", args...)
	}
	if isBackgroundChild {
		log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
		log.SetPrefix("[watchmon] ")
		logf = log.Printf

		daemon.ReleaseLiveness()
		if err := daemon.WritePIDFile(dir); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() {
			if err := daemon.RemoveReadyFile(dir); err != nil {
				log.Printf("Warning: failed to remove ready file on exit: %v", err)
			}
			if err := daemon.RemoveStatus(dir); err != nil {
				log.Printf("Warning: failed to remove status file on exit: %v", err)
			}
			if err := daemon.RemovePIDFile(dir); err != nil {
				log.Printf("Warning: failed to remove PID file on exit: %v", err)
			}
		}()
	}

	svc, err := service.New(cfg)
	if err != nil {
		return err
	}
	sup := svc.Supervisor()
	attachReporter(sup, logf, runVerbose)

	var status *statusPublisher
	if isBackgroundChild {
		status = newStatusPublisher(dir, projectRoot, cfg.Supervisor)
		status.attach(sup)
	}

	if err := svc.Start(); err != nil {
		var setupErr *watcher.WatchSetupError
		if errors.As(err, &setupErr) {
			return fmt.Errorf("%w\nCheck watch.roots in %s or the --watch flags", setupErr, config.ConfigFileName)
		}
		return err
	}

	if isBackgroundChild {
		status.publish()
		if err := daemon.WriteReadyFile(dir); err != nil {
			log.Printf("Warning: failed to write ready file: %v", err)
		}
		go func() {
			select {
			case <-daemon.StopChannel():
				log.Println("Stop file detected, shutting down...")
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := svc.Close(ctx); err != nil {
					log.Printf("Warning: shutdown did not complete: %v", err)
				}
			case <-svc.Done():
			}
		}()
	} else if cfg.Watch {
		logf("watching for changes... (Press Ctrl+C to stop)")
	}

	err = svc.Wait()
	logf("stopped")
	return err
}

// attachReporter prints lifecycle events. Listeners run on supervisor
// goroutines, so logf must be safe for concurrent use.
func attachReporter(sup *supervisor.Supervisor, logf func(string, ...any), verbose bool) {
	restartOnChange := sup.Config().RestartOnChange

	sup.OnSpawn(func(p *supervisor.Process) {
		logf("starting `%s` (pid %d)", strings.Join(p.Command(), " "), p.PID())
	})
	sup.OnClose(func(p *supervisor.Process) {
		switch {
		case p.Signal() != nil:
			if verbose {
				logf("process %d stopped by %v", p.PID(), p.Signal())
			}
		case p.ExitCode() == 0:
			logf("clean exit, waiting for changes before restart")
		default:
			logf("process crashed (exit code %d), waiting for changes before restart", p.ExitCode())
		}
	})
	sup.OnError(func(err error) {
		logf("Warning: %v", err)
	})
	sup.OnChange(func(b watcher.Batch) {
		if verbose {
			paths := b.Paths
			more := 0
			if len(paths) > maxReportedPaths {
				more = len(paths) - maxReportedPaths
				paths = paths[:maxReportedPaths]
			}
			for _, p := range paths {
				logf("%s: %s", b.Kind, p)
			}
			if more > 0 {
				logf("... and %d more", more)
			}
		}
		if restartOnChange {
			logf("restarting due to changes...")
		}
	})
}

// statusPublisher keeps the status file of a background supervisor in sync
// with its lifecycle events.
type statusPublisher struct {
	dir string
	sup *supervisor.Supervisor

	mu     sync.Mutex
	status daemon.Status
	spawns int
}

func newStatusPublisher(dir, projectRoot string, cfg supervisor.Config) *statusPublisher {
	return &statusPublisher{
		dir: dir,
		status: daemon.Status{
			PID:         os.Getpid(),
			ProjectRoot: projectRoot,
			Command:     append([]string{cfg.Command}, cfg.Args...),
			Mode:        string(cfg.Mode),
			StartedAt:   time.Now(),
		},
	}
}

func (p *statusPublisher) attach(sup *supervisor.Supervisor) {
	p.sup = sup
	sup.OnSpawn(func(proc *supervisor.Process) {
		p.update(func(s *daemon.Status) {
			p.spawns++
			if p.spawns > 1 {
				s.Restarts++
			}
			s.ChildPID = proc.PID()
			s.RunID = proc.ID
		})
	})
	sup.OnClose(func(proc *supervisor.Process) {
		p.update(func(s *daemon.Status) {
			code := proc.ExitCode()
			s.LastExitCode = &code
			s.ChildPID = 0
		})
	})
	sup.OnChange(func(b watcher.Batch) {
		p.update(func(s *daemon.Status) {
			paths := b.Paths
			if len(paths) > maxReportedPaths {
				paths = paths[:maxReportedPaths]
			}
			s.LastChange = append([]string(nil), paths...)
		})
	})
}

func (p *statusPublisher) publish() {
	p.update(func(*daemon.Status) {})
}

func (p *statusPublisher) update(fn func(*daemon.Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fn(&p.status)
	if p.sup != nil {
		p.status.State = p.sup.State().String()
	}
	if err := daemon.WriteStatus(p.dir, p.status); err != nil {
		log.Printf("Warning: failed to write status: %v", err)
	}
}
