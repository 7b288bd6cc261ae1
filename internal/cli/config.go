package cli

import (
	"fmt"

	"github.com/neoclaw-ai/warden/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print merged configuration as TOML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return config.Write(cmd.OutOrStdout())
		},
	}
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the warden home directory and a starter config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			created, err := config.Initialize(cfg)
			if err != nil {
				return err
			}
			if !created && force {
				if err := config.ResetUserConfig(cfg); err != nil {
					return err
				}
				created = true
			}
			if created {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Created config file: %s\n", cfg.ConfigPath())
			} else {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Config file already exists: %s\n", cfg.ConfigPath())
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file with the starter config")
	return cmd
}
