package transport

import (
	"context"
	"path/filepath"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Media is one outgoing media payload. Exactly one of FileID, Path or Data
// is expected to be set; FileID wins, then Path, then Data.
type Media struct {
	// FileID is a transport-native handle for a file the platform already has.
	FileID string
	// Path is a local file.
	Path string
	// Data holds in-memory bytes. Name is used as the upload filename.
	Data []byte
	Name string
}

func (m Media) Empty() bool {
	return strings.TrimSpace(m.FileID) == "" && strings.TrimSpace(m.Path) == "" && len(m.Data) == 0
}

// Filename returns the best available name for upload.
func (m Media) Filename() string {
	if m.Name != "" {
		return m.Name
	}
	if m.Path != "" {
		return filepath.Base(m.Path)
	}
	return "file"
}

// TextSender is the narrow interface used by log sinks and status reports.
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Sender delivers content to downstream chats.
type Sender interface {
	TextSender
	SendPhoto(ctx context.Context, to ChatTarget, m Media, caption string) (MessageRef, error)
	SendVideo(ctx context.Context, to ChatTarget, m Media, caption string) (MessageRef, error)
}

// FileFetcher is optionally implemented by transports that can download
// a file by its transport-native handle.
type FileFetcher interface {
	FetchFile(ctx context.Context, fileID, dst string) error
}

// Adapter is a full transport: outgoing delivery plus an inbound update stream.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
