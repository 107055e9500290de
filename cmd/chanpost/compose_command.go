package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"chanpost/internal/app"
)

func newComposeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "compose <image>",
		Short: "Render the derived video for a local image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			c, closeBlobs, err := app.OpenCompositor(cmd.Context(), cfg, ctx.logger(cfg))
			if err != nil {
				return err
			}
			defer func() { _ = closeBlobs() }()

			out, err := c.Compose(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}
