package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chanpost/internal/scheduler"
	"chanpost/internal/storage"
	"chanpost/internal/transport/telegram/router"
)

// statusScanLimit caps the queue count shown by /status.
const statusScanLimit = 500

func (a *App) commands() []router.Command {
	return []router.Command{
		{
			Name:        "status",
			Description: "queue size, next item and next runs",
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				text, err := a.StatusText(ctx)
				if err != nil {
					return err
				}
				return req.Reply(ctx, text)
			},
		},
		{
			Name:        JobDispatch,
			Description: "publish the next item now",
			Handle:      a.runNowHandler(JobDispatch),
		},
		{
			Name:        JobSweep,
			Description: "purge old rejected and published items now",
			Handle:      a.runNowHandler(JobSweep),
		},
		{
			Name:        "queue",
			Description: "list the next eligible items",
			Usage:       "/queue [n]",
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				n := 10
				if len(req.Args) > 0 {
					v, err := strconv.Atoi(req.Args[0])
					if err != nil || v <= 0 {
						return fmt.Errorf("usage: /queue [n]")
					}
					n = v
				}
				items, err := a.store.ListEligible(ctx, min(n, 50))
				if err != nil {
					return err
				}
				return req.Reply(ctx, FormatQueue(items))
			},
		},
	}
}

func (a *App) runNowHandler(job string) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		switch err := a.sched.RunNow(job); {
		case errors.Is(err, scheduler.ErrBusy):
			return req.Reply(ctx, job+" is already queued or running")
		case err != nil:
			return err
		}
		req.Logger.Info("manual run queued")
		return req.Reply(ctx, job+" queued")
	}
}

// StatusText summarizes the queue and the upcoming triggers.
func (a *App) StatusText(ctx context.Context) (string, error) {
	items, err := a.store.ListEligible(ctx, statusScanLimit)
	if err != nil {
		return "", fmt.Errorf("list eligible: %w", err)
	}
	var b strings.Builder
	if len(items) >= statusScanLimit {
		fmt.Fprintf(&b, "Queue: %d+ eligible\n", statusScanLimit)
	} else {
		fmt.Fprintf(&b, "Queue: %d eligible\n", len(items))
	}
	if len(items) > 0 {
		fmt.Fprintf(&b, "Next: %s\n", describeItem(items[0]))
	}
	b.WriteString(FormatTriggers(a.sched.Triggers()))
	return strings.TrimRight(b.String(), "\n"), nil
}

// FormatTriggers renders one line per trigger in firing order.
func FormatTriggers(ts []scheduler.TriggerInfo) string {
	if len(ts) == 0 {
		return "No scheduled runs"
	}
	var b strings.Builder
	b.WriteString("Next runs:\n")
	for _, t := range ts {
		fmt.Fprintf(&b, "%s %s", t.Job, t.Next.Format("Mon 15:04 MST"))
		if t.Display != "" {
			fmt.Fprintf(&b, " (%s)", t.Display)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// FormatQueue renders items as "#id rank N source" lines.
func FormatQueue(items []storage.Item) string {
	if len(items) == 0 {
		return "Queue is empty"
	}
	var b strings.Builder
	for _, it := range items {
		b.WriteString(describeItem(it))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeItem(it storage.Item) string {
	src := "no media"
	switch {
	case it.Rank == storage.DefaultSentinelRank:
		src = "blob " + it.MediaRef()
	case it.FileID != "":
		src = "file_id"
	case it.URL != "":
		src = it.URL
	}
	return fmt.Sprintf("#%d rank %d %s", it.ID, it.Rank, src)
}
