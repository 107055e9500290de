// Package router turns inbound Telegram messages into owner command calls.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "chanpost/internal/runtime/supervisor"
	kit "chanpost/internal/transport"
	logx "chanpost/pkg/logx"
)

type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string

	Sender kit.TextSender
	Logger logx.Logger
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type Router struct {
	log    logx.Logger
	sender kit.TextSender

	mu     sync.RWMutex
	byName map[string]*Command
	cmds   []Command
	owners []int64

	jobs chan func()
}

func New(log logx.Logger, sender kit.TextSender, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:    log,
		sender: sender,
		byName: map[string]*Command{},
		owners: slices.Clone(owners),
		jobs:   make(chan func(), 64),
	}
	r.SetCommands(nil)
	return r
}

func (r *Router) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

// SetCommands replaces the registry. A help command is always added.
func (r *Router) SetCommands(cmds []Command) {
	all := make([]Command, 0, len(cmds)+1)
	for _, c := range cmds {
		c.Name = sanitizeTelegramCommand(c.Name)
		if c.Name == "" || c.Handle == nil || c.Name == "help" {
			continue
		}
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	all = append(all, Command{
		Name:        "help",
		Description: "list commands",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText())
		},
	})

	byName := make(map[string]*Command, len(all)*2)
	for i := range all {
		c := &all[i]
		byName[c.Name] = c
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" {
				if _, exists := byName[a]; !exists {
					byName[a] = c
				}
			}
		}
	}

	r.mu.Lock()
	r.cmds = all
	r.byName = byName
	r.mu.Unlock()
}

// MenuCommands is the list published to Telegram's command menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		desc := strings.TrimSpace(c.Description)
		if desc == "" {
			desc = c.Name
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
	}
	return out
}

func (r *Router) helpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range r.cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString(usage)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// Run routes updates until ctx is done or updates is closed. Handlers run on
// a bounded worker pool; a full queue answers "busy".
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.log.Info("command router started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := r.prepare(ctx, up)
			if job == nil {
				continue
			}
			select {
			case r.jobs <- job:
			default:
				_, _ = r.sender.SendText(ctx, chatOf(up.Message), "busy, try again", nil)
			}
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func chatOf(m *kit.Message) kit.ChatTarget {
	return kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// prepare resolves an update to a runnable job. Non-commands yield nil;
// unknown and unauthorized commands are answered inline.
func (r *Router) prepare(ctx context.Context, up kit.Update) func() {
	msg := up.Message
	if up.Kind != kit.UpdateMessage || msg == nil {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return nil
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	r.mu.RLock()
	cmd, ok := r.byName[word]
	owners := r.owners
	r.mu.RUnlock()

	chat := chatOf(msg)
	if !ok {
		_, _ = r.sender.SendText(ctx, chat, "unknown command, try /help", nil)
		return nil
	}
	if cmd.Access == AccessOwnerOnly && !slices.Contains(owners, msg.FromID) {
		r.log.Warn("unauthorized command", logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Name))
		_, _ = r.sender.SendText(ctx, chat, "unauthorized", nil)
		return nil
	}

	rid := newReqID()
	req := &Request{
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    parts[1:],
		ReqID:   rid,
		Sender:  r.sender,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	final := Wrap(cmd.Handle, Recover(), Logged(), Deadline(cmd.Timeout))
	return func() {
		if err := final(ctx, req); err != nil {
			_ = req.Reply(ctx, "error: "+err.Error())
		}
	}
}
