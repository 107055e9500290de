package main

import (
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"chanpost/internal/app"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, command bot and ops server until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := ctx.manager()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), m, app.Options{})
			if err != nil {
				return err
			}
			defer func() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }()
			return a.Run(cmd.Context(), func() {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
			})
		},
	}
}
