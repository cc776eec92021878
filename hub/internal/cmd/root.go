// Package cmd implements the clawrelay-hub command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "hub-config.json"

// NewRootCmd builds the clawrelay-hub command tree. Invoking the bare
// binary runs the hub.
func NewRootCmd(version string) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "clawrelay-hub",
		Short: "UID-multiplexed websocket relay hub",
		Long: `clawrelay-hub accepts websocket connections keyed by uid and relays
frames between connections sharing the same uid. Frames are journaled
for history queries and HTTP callers can broadcast into any uid.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, resolveConfigPath(args, configPath))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd(version))
	return root
}

// resolveConfigPath prefers a positional argument, then the --config
// flag, then the default.
func resolveConfigPath(args []string, flagValue string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if flagValue != "" {
		return flagValue
	}
	return defaultConfigPath
}
