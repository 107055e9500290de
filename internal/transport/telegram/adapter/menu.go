package adapter

import (
	"context"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "chanpost/internal/transport"
	logx "chanpost/pkg/logx"
)

// Bot API limits for setMyCommands.
const (
	maxMenuCommands    = 100
	maxMenuDescription = 256
)

// UpdateMenuCommands publishes cmds as the bot's command menu. A list equal
// to the last one accepted is not re-sent.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	menu := menuCommands(cmds)
	sig := menuSignature(menu)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sig == a.menuSig {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuSig = sig
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}

func menuCommands(cmds []kit.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, min(len(cmds), maxMenuCommands))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > maxMenuDescription {
			d = d[:maxMenuDescription]
		}
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) == maxMenuCommands {
			break
		}
	}
	return out
}

func menuSignature(menu []tele.Command) string {
	var b strings.Builder
	for _, c := range menu {
		b.WriteString(c.Text)
		b.WriteByte(0)
		b.WriteString(c.Description)
		b.WriteByte(0)
	}
	return b.String()
}
