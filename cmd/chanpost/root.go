package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.yaml"

func newRootCommand() *cobra.Command {
	var configFlag string
	var logLevel string

	ctx := newCommandContext(&configFlag, &logLevel)

	rootCmd := &cobra.Command{
		Use:           "chanpost",
		Short:         "Scheduled Telegram channel publisher",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", defaultConfigPath, "Configuration file path (json, yaml or toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Console log level for one-shot commands (default: logging.level)")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newDispatchCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newQueueCommand(ctx))
	rootCmd.AddCommand(newComposeCommand(ctx))
	rootCmd.AddCommand(newDoctorCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
