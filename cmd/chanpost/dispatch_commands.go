package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"chanpost/internal/app"
	"chanpost/internal/dispatch"
	"chanpost/internal/sweep"
)

func newDispatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Publish the next eligible item once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				rep, err := a.DispatchOnce(c)
				printReport(cmd.OutOrStdout(), rep)
				if err != nil {
					return err
				}
				if rep.Result == dispatch.ResultExhausted {
					return fmt.Errorf("no item delivered after %d attempts", len(rep.Attempts))
				}
				return nil
			})
		},
	}
}

func printReport(w io.Writer, rep dispatch.Report) {
	if rep.RunID == "" {
		return
	}
	fmt.Fprintf(w, "Run %s: %s in %s\n", rep.RunID, rep.Result, rep.Elapsed.Round(time.Millisecond))
	if len(rep.Attempts) == 0 {
		return
	}
	rows := make([][]string, 0, len(rep.Attempts))
	for i, o := range rep.Attempts {
		status := "delivered"
		if !o.Delivered {
			status = string(o.Reason)
		}
		detail := ""
		if o.Err != nil {
			detail = truncate(o.Err.Error(), 60)
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			strconv.FormatInt(o.ItemID, 10),
			strconv.Itoa(o.Rank),
			yesNo(o.Video),
			status,
			detail,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"#", "Item", "Rank", "Video", "Status", "Error"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignRight},
	))
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge old rejected and published items once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				counts, err := a.SweepOnce(c)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sweep.Summary(counts))
				return nil
			})
		},
	}
}
