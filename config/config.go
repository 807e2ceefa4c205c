package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yoanbernabeu/watchmon/filter"
	"github.com/yoanbernabeu/watchmon/git"
	"github.com/yoanbernabeu/watchmon/service"
	"github.com/yoanbernabeu/watchmon/supervisor"
	"gopkg.in/yaml.v3"
)

const (
	ConfigFileName = ".watchmon.yaml"

	DefaultDebounceMs = 256
	DefaultMode       = "fork"
	DefaultSignal     = "SIGTERM"
)

// Config is the on-disk project configuration. Boolean settings that default
// to true are pointers so an explicit false survives applyDefaults.
type Config struct {
	Version         int           `yaml:"version"`
	Watch           WatchConfig   `yaml:"watch"`
	Glob            GlobConfig    `yaml:"glob"`
	Process         ProcessConfig `yaml:"process"`
	Start           *bool         `yaml:"start,omitempty"`
	RestartOnExit   *bool         `yaml:"restart_on_exit,omitempty"` // wait for the next change after a natural exit (no immediate respawn); false exits
	RestartOnChange *bool         `yaml:"restart_on_change,omitempty"`
}

type WatchConfig struct {
	Enabled          *bool    `yaml:"enabled,omitempty"`
	Roots            []string `yaml:"roots,omitempty"`
	Ignore           []string `yaml:"ignore"`
	Extensions       []string `yaml:"extensions,omitempty"`
	DebounceMs       *int     `yaml:"debounce_ms,omitempty"` // 0 disables debouncing
	RespectGitignore bool     `yaml:"respect_gitignore"`
}

type GlobConfig struct {
	Dot             *bool `yaml:"dot,omitempty"`
	CaseInsensitive bool  `yaml:"case_insensitive"`
	Posix           bool  `yaml:"posix"`
}

type ProcessConfig struct {
	Mode     string            `yaml:"mode"` // fork | spawn | exec
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"` // added to the inherited environment
	Dir      string            `yaml:"dir,omitempty"`
	Shell    string            `yaml:"shell,omitempty"`
	ExecPath string            `yaml:"exec_path,omitempty"`
	ExecArgs []string          `yaml:"exec_args,omitempty"`
	UID      *uint32           `yaml:"uid,omitempty"`
	GID      *uint32           `yaml:"gid,omitempty"`
	Signal   string            `yaml:"signal"`

	// CaptureStderr keeps the child's stderr out of the terminal and attaches
	// its tail to crash reports instead. Not available in spawn mode.
	CaptureStderr bool `yaml:"capture_stderr,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }

func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Watch: WatchConfig{
			Enabled:    boolPtr(true),
			Ignore:     append([]string(nil), service.DefaultIgnore...),
			DebounceMs: intPtr(DefaultDebounceMs),
		},
		Glob: GlobConfig{
			Dot: boolPtr(true),
		},
		Process: ProcessConfig{
			Mode:   DefaultMode,
			Signal: DefaultSignal,
		},
		Start:           boolPtr(true),
		RestartOnExit:   boolPtr(true),
		RestartOnChange: boolPtr(true),
	}
}

func GetConfigPath(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigFileName)
}

func Load(projectRoot string) (*Config, error) {
	configPath := GetConfigPath(projectRoot)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for missing values
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return &cfg, nil
}

// applyDefaults fills in values a config file left out.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Version == 0 {
		c.Version = defaults.Version
	}

	// Watch defaults
	if c.Watch.Enabled == nil {
		c.Watch.Enabled = defaults.Watch.Enabled
	}
	if c.Watch.Ignore == nil {
		c.Watch.Ignore = defaults.Watch.Ignore
	}
	if c.Watch.DebounceMs == nil {
		c.Watch.DebounceMs = defaults.Watch.DebounceMs
	}

	if c.Glob.Dot == nil {
		c.Glob.Dot = defaults.Glob.Dot
	}

	// Process defaults
	if c.Process.Mode == "" {
		c.Process.Mode = defaults.Process.Mode
	}
	if c.Process.Signal == "" {
		c.Process.Signal = defaults.Process.Signal
	}

	if c.Start == nil {
		c.Start = defaults.Start
	}
	if c.RestartOnExit == nil {
		c.RestartOnExit = defaults.RestartOnExit
	}
	if c.RestartOnChange == nil {
		c.RestartOnChange = defaults.RestartOnChange
	}
}

// Validate checks values that would otherwise fail only at launch time.
// The command itself may be empty here; it can come from the command line.
func (c *Config) Validate() error {
	switch supervisor.Mode(c.Process.Mode) {
	case supervisor.ModeFork, supervisor.ModeSpawn, supervisor.ModeExec:
	default:
		return &supervisor.UnsupportedModeError{Mode: supervisor.Mode(c.Process.Mode)}
	}
	if c.Process.CaptureStderr && supervisor.Mode(c.Process.Mode) == supervisor.ModeSpawn {
		return fmt.Errorf("process.capture_stderr requires fork or exec mode")
	}
	if c.Watch.DebounceMs != nil && *c.Watch.DebounceMs < 0 {
		return fmt.Errorf("watch.debounce_ms must not be negative: %d", *c.Watch.DebounceMs)
	}
	if _, err := supervisor.ParseSignal(c.Process.Signal); err != nil {
		return fmt.Errorf("process.signal: %w", err)
	}
	for _, pattern := range append(append([]string{}, c.Watch.Ignore...), c.Watch.Roots...) {
		if _, err := filter.Compile([]string{pattern}, filter.GlobOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Save(projectRoot string) error {
	if err := os.MkdirAll(projectRoot, 0755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	configPath := GetConfigPath(projectRoot)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func Exists(projectRoot string) bool {
	configPath := GetConfigPath(projectRoot)
	_, err := os.Stat(configPath)
	return err == nil
}

// FindProjectRoot walks up from the working directory to the nearest
// directory holding a config file.
func FindProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	// Resolve symlinks to handle symlinked directories
	cwd, err = filepath.EvalSymlinks(cwd)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}

	return findProjectRootFrom(cwd)
}

func findProjectRootFrom(dir string) (string, error) {
	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("no watchmon project found (run 'watchmon init' first)")
}

// LoadOrDefault loads the project config if one exists above the working
// directory, and otherwise returns the defaults rooted at the working
// directory.
func LoadOrDefault() (*Config, string, error) {
	root, err := FindProjectRoot()
	if err != nil {
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			return nil, "", fmt.Errorf("failed to get current directory: %w", cwdErr)
		}
		return DefaultConfig(), cwd, nil
	}
	cfg, err := Load(root)
	if err != nil {
		return nil, "", err
	}
	return cfg, root, nil
}

// ServiceConfig converts the file representation into a service
// configuration anchored at projectRoot. Output streams are left at the
// supervisor defaults (the current process's stdout and stderr) unless
// process.capture_stderr is set.
func (c *Config) ServiceConfig(projectRoot string) (service.Config, error) {
	sig, err := supervisor.ParseSignal(c.Process.Signal)
	if err != nil {
		return service.Config{}, err
	}

	sup := supervisor.DefaultConfig()
	sup.Mode = supervisor.Mode(c.Process.Mode)
	sup.Command = c.Process.Command
	sup.Args = c.Process.Args
	sup.Shell = c.Process.Shell
	sup.ExecPath = c.Process.ExecPath
	sup.ExecArgs = c.Process.ExecArgs
	sup.UID = c.Process.UID
	sup.GID = c.Process.GID
	sup.Signal = sig
	if c.Process.CaptureStderr {
		sup.Stderr = nil
	}
	sup.Dir = projectRoot
	if c.Process.Dir != "" {
		sup.Dir = c.Process.Dir
		if !filepath.IsAbs(sup.Dir) {
			sup.Dir = filepath.Join(projectRoot, sup.Dir)
		}
	}
	if len(c.Process.Env) > 0 {
		sup.Env = mergeEnv(os.Environ(), c.Process.Env)
	}
	sup.RestartOnExit = deref(c.RestartOnExit, true)
	sup.RestartOnChange = deref(c.RestartOnChange, true)

	opts := filter.Options{
		Ignore:     c.Watch.Ignore,
		Extensions: c.Watch.Extensions,
		Cwd:        projectRoot,
		Glob: filter.GlobOptions{
			Dot:             deref(c.Glob.Dot, true),
			CaseInsensitive: c.Glob.CaseInsensitive,
			Posix:           c.Glob.Posix,
		},
	}
	if c.Watch.RespectGitignore {
		opts.GitignoreRoots = []string{projectRoot}
		opts.ExtraIgnoreDirs = []string{".git"}
		// Rules from the repository root down to the project apply too.
		if repo, err := git.Detect(projectRoot); err == nil {
			opts.RepoRoot = repo.Root
		}
	}

	debounce := DefaultDebounceMs
	if c.Watch.DebounceMs != nil {
		debounce = *c.Watch.DebounceMs
	}

	return service.Config{
		Supervisor: sup,
		Watch:      deref(c.Watch.Enabled, true),
		Roots:      c.Watch.Roots,
		Cwd:        projectRoot,
		Filter:     opts,
		Debounce:   time.Duration(debounce) * time.Millisecond,
		Start:      deref(c.Start, true),
	}, nil
}

func deref(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}

// mergeEnv overlays extra onto base, in a stable order.
func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[name]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
