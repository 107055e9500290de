package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"chanpost/internal/app"
	"chanpost/internal/deps"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Validate the config and check external binaries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := app.Validate(cmd.Context(), cfg); err != nil {
				fmt.Fprintf(out, "Config: invalid (%v)\n", err)
				return err
			}
			fmt.Fprintf(out, "Config: ok (%s)\n", ctx.configPath())

			statuses := deps.CheckBinaries(app.ComposeRequirements(cfg))
			printDeps(out, statuses)
			if missing := deps.Missing(statuses); len(missing) > 0 {
				return fmt.Errorf("%d required binaries missing", len(missing))
			}
			return nil
		},
	}
}

func printDeps(w io.Writer, statuses []deps.Status) {
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		where := s.Path
		if !s.Available {
			where = s.Detail
		}
		rows = append(rows, []string{s.Name, s.Command, yesNo(s.Available), yesNo(!s.Optional), where})
	}
	fmt.Fprintln(w, renderTable([]string{"Binary", "Command", "Found", "Required", "Path"}, rows, nil))
}
