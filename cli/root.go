package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "watchmon",
	Short: "Restart a command whenever watched files change",
	Long: `watchmon supervises a command and restarts it when files under the
project change.

Changes are debounced into batches, filtered through ignore globs, an
extension allowlist and optionally .gitignore, then trigger a kill-then-spawn
restart of the supervised command. SIGINT and SIGTERM are forwarded to the
command before watchmon exits.

Settings are read from .watchmon.yaml (see 'watchmon init') and can be
overridden on the command line.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
