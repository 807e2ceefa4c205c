package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/yoanbernabeu/watchmon/config"
	"github.com/yoanbernabeu/watchmon/git"
)

var (
	initMode           string
	initExtensions     []string
	initNonInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init [--] [command] [args...]",
	Short: "Initialize watchmon in the current directory",
	Long: `Initialize watchmon by writing a .watchmon.yaml configuration.

This command will:
- Create .watchmon.yaml with default settings
- Prompt for the command to supervise and the process mode
- Prompt for the file extensions to watch
- Honor .gitignore when the project is in a git repository`,
	Args: cobra.ArbitraryArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().SetInterspersed(false)
	initCmd.Flags().StringVarP(&initMode, "mode", "m", "", "Process mode (fork, spawn, or exec)")
	initCmd.Flags().StringSliceVarP(&initExtensions, "ext", "e", nil, "Extensions to watch (e.g. go,mod)")
	initCmd.Flags().BoolVar(&initNonInteractive, "yes", false, "Use defaults without prompting")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	// Check if already initialized
	if config.Exists(cwd) {
		fmt.Println("watchmon is already initialized in this directory.")
		fmt.Printf("Configuration: %s\n", config.GetConfigPath(cwd))
		return nil
	}

	cfg := config.DefaultConfig()
	if len(args) > 0 {
		cfg.Process.Command = args[0]
		cfg.Process.Args = args[1:]
	}
	if initMode != "" {
		cfg.Process.Mode = initMode
	}
	if len(initExtensions) > 0 {
		cfg.Watch.Extensions = initExtensions
	}
	if _, err := os.Stat(filepath.Join(cwd, ".gitignore")); err == nil || git.IsGitRepo(cwd) {
		cfg.Watch.RespectGitignore = true
	}

	if !initNonInteractive {
		if err := promptInit(cfg, os.Stdin, os.Stdout); err != nil {
			return err
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	// Save configuration
	if err := cfg.Save(cwd); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("\nCreated configuration at %s\n", config.GetConfigPath(cwd))
	if cfg.Watch.RespectGitignore {
		fmt.Println("Files ignored by .gitignore will not trigger restarts")
	}

	fmt.Println("\nwatchmon initialized successfully!")
	fmt.Println("\nNext steps:")
	if cfg.Process.Command == "" {
		fmt.Printf("  1. Set process.command in %s\n", config.ConfigFileName)
		fmt.Println("  2. Start supervising: watchmon run")
	} else {
		fmt.Println("  1. Start supervising: watchmon run")
		fmt.Println("  2. Or detach it: watchmon run --background")
	}

	return nil
}

// promptInit asks for the settings not already given on the command line.
func promptInit(cfg *config.Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	if cfg.Process.Command == "" {
		fmt.Fprint(out, "Command to run (e.g. go run .): ")
		line := readLine(reader)
		fields := strings.Fields(line)
		if len(fields) > 0 {
			cfg.Process.Command = fields[0]
			cfg.Process.Args = fields[1:]
		}
	}

	if initMode == "" {
		fmt.Fprintln(out, "\nSelect process mode:")
		fmt.Fprintln(out, "  1) fork (run the command directly, report its stderr on crash)")
		fmt.Fprintln(out, "  2) spawn (run the command directly, or through a shell)")
		fmt.Fprintln(out, "  3) exec (run through the shell, print output when it exits)")
		fmt.Fprint(out, "Choice [1]: ")

		switch readLine(reader) {
		case "2", "spawn":
			cfg.Process.Mode = "spawn"
		case "3", "exec":
			cfg.Process.Mode = "exec"
		case "", "1", "fork":
			cfg.Process.Mode = "fork"
		default:
			return fmt.Errorf("invalid process mode choice")
		}
	}

	if len(cfg.Watch.Extensions) == 0 {
		fmt.Fprint(out, "\nExtensions to watch, comma separated (empty watches everything): ")
		for _, ext := range strings.Split(readLine(reader), ",") {
			if ext = strings.TrimSpace(ext); ext != "" {
				cfg.Watch.Extensions = append(cfg.Watch.Extensions, ext)
			}
		}
	}

	return nil
}

func readLine(reader *bufio.Reader) string {
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}
