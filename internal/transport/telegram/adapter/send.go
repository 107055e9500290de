package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "chanpost/internal/transport"
)

// SendText sends text in as many messages as it takes and returns the
// first one.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var o kit.SendOptions
	if opt != nil {
		o = *opt
	}
	send := &tele.SendOptions{
		ParseMode:             tele.ParseMode(o.ParseMode),
		DisableWebPagePreview: o.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	var first kit.MessageRef
	for i, part := range chunkText(text, textLimit, strings.EqualFold(o.ParseMode, string(tele.ModeHTML))) {
		ref, err := a.send(ctx, to, part, send)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = ref
		}
	}
	return first, nil
}

func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, m kit.Media, caption string) (kit.MessageRef, error) {
	f, err := teleFile(m)
	if err != nil {
		return kit.MessageRef{}, err
	}
	return a.send(ctx, to, &tele.Photo{File: f, Caption: caption}, &tele.SendOptions{ThreadID: to.ThreadID})
}

func (a *Adapter) SendVideo(ctx context.Context, to kit.ChatTarget, m kit.Media, caption string) (kit.MessageRef, error) {
	f, err := teleFile(m)
	if err != nil {
		return kit.MessageRef{}, err
	}
	v := &tele.Video{File: f, Caption: caption}
	if m.FileID == "" {
		v.FileName = m.Filename()
	}
	return a.send(ctx, to, v, &tele.SendOptions{ThreadID: to.ThreadID})
}

func (a *Adapter) send(ctx context.Context, to kit.ChatTarget, what any, opt *tele.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, what, opt)
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// teleFile maps Media to a telebot file: FileID, then Path, then Data.
func teleFile(m kit.Media) (tele.File, error) {
	switch {
	case strings.TrimSpace(m.FileID) != "":
		return tele.File{FileID: m.FileID}, nil
	case strings.TrimSpace(m.Path) != "":
		return tele.FromDisk(m.Path), nil
	case len(m.Data) > 0:
		return tele.FromReader(bytes.NewReader(m.Data)), nil
	default:
		return tele.File{}, errors.New("telegram: empty media")
	}
}

// FetchFile downloads a file the bot can see by its file_id.
func (a *Adapter) FetchFile(ctx context.Context, fileID, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := a.bot.FileByID(fileID)
	if err != nil {
		return fmt.Errorf("telegram getFile %s: %w", fileID, err)
	}
	if err := a.bot.Download(&f, dst); err != nil {
		return fmt.Errorf("telegram download %s: %w", fileID, err)
	}
	return nil
}
