package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chanpost/internal/app"
	"chanpost/internal/storage"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and feed the item queue",
	}
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueAddCommand(ctx))
	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List eligible items in dispatch order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cmd.Context(), cfg, ctx.logger(cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.ListEligible(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printItems(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of items to show")
	return cmd
}

func printItems(w io.Writer, items []storage.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "Queue is empty")
		return
	}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			strconv.FormatInt(it.ID, 10),
			strconv.Itoa(it.Rank),
			truncate(itemSource(it), 48),
			truncate(strings.ReplaceAll(it.Caption, "\n", " "), 40),
			it.DateAdded.Format(time.DateOnly),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"ID", "Rank", "Media", "Caption", "Added"},
		rows,
		[]columnAlignment{alignRight, alignRight},
	))
}

func itemSource(it storage.Item) string {
	switch {
	case it.Rank == storage.DefaultSentinelRank:
		return "blob:" + it.MediaRef()
	case it.FileID != "":
		return "file_id:" + it.FileID
	case it.URL != "":
		return it.URL
	default:
		return "-"
	}
}

func newQueueAddCommand(ctx *commandContext) *cobra.Command {
	var it storage.Item
	var blob string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Insert an item (already approved unless --pending)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if blob != "" {
				if it.FileID != "" || it.URL != "" {
					return fmt.Errorf("--blob cannot be combined with --file-id or --url")
				}
				it.URL, it.Rank = blob, storage.DefaultSentinelRank
			}
			if !it.HasMedia() {
				return fmt.Errorf("one of --file-id, --url or --blob is required")
			}
			pending, _ := cmd.Flags().GetBool("pending")
			it.Checked, it.Approved = !pending, !pending

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cmd.Context(), cfg, ctx.logger(cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := store.Insert(cmd.Context(), it)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added item #%d\n", id)
			return nil
		},
	}
	cmd.Flags().IntVar(&it.Rank, "rank", 0, "Priority; higher goes first")
	cmd.Flags().StringVar(&it.FileID, "file-id", "", "Telegram file_id of the media")
	cmd.Flags().StringVar(&it.URL, "url", "", "Public URL of the media")
	cmd.Flags().StringVar(&blob, "blob", "", "Object-store key; sets the sentinel rank")
	cmd.Flags().StringVar(&it.Caption, "caption", "", "Caption sent with the media")
	cmd.Flags().StringVar(&it.Signature, "signature", "", "Moderation signature")
	cmd.Flags().Bool("pending", false, "Leave the item unchecked for moderation")
	return cmd
}
