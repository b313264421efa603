package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ekaya-builder",
	Short: "Sandbox lifecycle orchestrator and fragment versioning engine",
	Long: `ekaya-builder runs each project's live preview in a remote sandbox.

It keeps exactly one healthy sandbox per project, recovers stopped or
vanished sandboxes, stores every version of the project's files as an
immutable fragment and applies visual edits with undo.`,
	SilenceUsage: true,
}

// Execute runs the CLI. version is stamped on the loaded configuration.
func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.Execute()
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
}
