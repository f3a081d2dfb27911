package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfourny/pluginhost/internal/hostconfig"
)

func newValidateCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the host configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.configPath == "" {
				return fmt.Errorf("no configuration file given, use --config")
			}

			cfg, err := hostconfig.Load(flags.configPath)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\nplugin_dir: %s\nlisten_addr: %s\n",
				flags.configPath, cfg.PluginDir, cfg.ListenAddr)
			return nil
		},
	}

	return cmd
}
