package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "chanpost/internal/transport"
)

const (
	chatLineLimit   = 3500
	chatValueLimit  = 600
	chatStackLimit  = 900
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
)

// chatSink forwards log lines at or above minLevel to a Telegram chat. Lines
// over the rate limit or a full queue are dropped; logging never blocks.
type chatSink struct {
	sender kit.TextSender
	queue  chan chatLine

	mu       sync.Mutex
	target   kit.ChatTarget
	minLevel Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

type chatLine struct {
	to   kit.ChatTarget
	text string
}

func newChatSink(sender kit.TextSender) *chatSink {
	return &chatSink{
		sender:   sender,
		queue:    make(chan chatLine, chatQueueSize),
		minLevel: LevelWarn,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (c *chatSink) configure(cfg TelegramConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minLevel = levelOr(cfg.MinLevel, LevelWarn)
	rps := max(1, cfg.RatePerSec)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		c.target.ThreadID = cfg.ThreadID
	}
}

func (c *chatSink) setTarget(chatID int64, threadID int) {
	c.mu.Lock()
	c.target.ChatID = chatID
	if threadID != 0 {
		c.target.ThreadID = threadID
	}
	c.mu.Unlock()
}

func (c *chatSink) hasTarget() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target.ChatID != 0
}

func (c *chatSink) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil || c.sender == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel, c.done = cancel, make(chan struct{})
	go c.run(ctx, c.done)
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-c.queue:
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_, _ = c.sender.SendText(sctx, l.to, l.text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(LevelInfo, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to, minLevel, lim, running := c.target, c.minLevel, c.limiter, c.cancel != nil
	c.mu.Unlock()

	if !running || to.ChatID == 0 || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	if text := formatChatLine(p); text != "" {
		select {
		case c.queue <- chatLine{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatChatLine renders a zerolog JSON line as "[LEVEL] message" followed
// by one "key=value" line per field in key order. Non-JSON input is sent
// trimmed.
func formatChatLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(strings.TrimSpace(string(p)), chatLineLimit)
	}
	level, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)
	stack, _ := m["stack"].(string)
	for _, k := range []string{zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, "stack"} {
		delete(m, k)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if level != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(level))
	}
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%s", k, clip(fmt.Sprint(m[k]), chatValueLimit))
	}
	if stack != "" {
		b.WriteString("\nstack:\n")
		b.WriteString(clip(stack, chatStackLimit))
	}
	return clip(b.String(), chatLineLimit)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
