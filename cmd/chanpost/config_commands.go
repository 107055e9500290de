package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"chanpost/internal/app"
	"chanpost/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	configCmd.AddCommand(newConfigValidateCommand(ctx))
	configCmd.AddCommand(newConfigDiffCommand(ctx))
	return configCmd
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := app.Validate(cmd.Context(), cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration %s is valid\n", ctx.configPath())
			return nil
		},
	}
}

func newConfigDiffCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <other>",
		Short: "Show which sections differ from another config and whether a reload applies them live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cur, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			other, err := config.NewConfigManager(args[0]).Parse()
			if err != nil {
				return fmt.Errorf("load %s: %w", args[0], err)
			}
			sections, _, restart := config.SummarizeConfigChange(cur, other)
			out := cmd.OutOrStdout()
			if len(sections) == 0 {
				fmt.Fprintln(out, "No changes")
				return nil
			}
			rows := make([][]string, 0, len(sections))
			for _, s := range sections {
				rows = append(rows, []string{s})
			}
			fmt.Fprintln(out, renderTable([]string{"Changed"}, rows, nil))
			fmt.Fprintf(out, "Restart required: %s\n", yesNo(restart))
			return nil
		},
	}
}
