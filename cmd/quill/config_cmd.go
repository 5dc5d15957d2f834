package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"quill/internal/config"
)

var cfgGlobal bool

func init() {
	var setCmd = &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a config key (local quill.toml by default, or --global)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, val := args[0], args[1]
			if cfgGlobal {
				return config.SetGlobalConfigValue(key, val)
			}
			dir, err := config.FindLocal(".")
			if err != nil {
				// no project file yet: start one here
				dir = "."
			}
			return config.SetLocalConfigValue(dir, key, val)
		},
	}
	setCmd.Flags().BoolVar(&cfgGlobal, "global", false, "Set global config instead of the local quill.toml")

	var getCmd = &cobra.Command{
		Use:   "get <key>",
		Short: "Get a config value (local overrides global)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			dir, err := config.FindLocal(".")
			if err != nil {
				dir = ""
			}
			val, err := config.GetConfigValue(dir, key)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Error:", err)
				return nil
			}
			if val == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "No value found for key: %s\n", key)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), val)
			}
			return nil
		},
	}

	var configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage Quill configuration",
	}

	configCmd.AddCommand(setCmd, getCmd)
	rootCmd.AddCommand(configCmd)
}
