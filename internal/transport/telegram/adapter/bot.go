// Package adapter is the Telegram transport built on telebot.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "chanpost/internal/runtime/supervisor"
	kit "chanpost/internal/transport"
	logx "chanpost/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	stopGrace          = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint. Empty uses telebot's default.
	APIURL string
	// Offline skips the getMe call in New.
	Offline bool
}

// Adapter sends content through one bot and streams owner messages to a
// channel while started.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu  sync.Mutex
	out chan<- kit.Update
	sup *rtsup.Supervisor

	dropped atomic.Uint64

	menuMu  sync.Mutex
	menuSig string
}

var (
	_ kit.Adapter            = (*Adapter)(nil)
	_ kit.FileFetcher        = (*Adapter)(nil)
	_ kit.CommandMenuUpdater = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	bot, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, bot: bot, log: log.With(logx.String("comp", "telegram"))}
	bot.Handle(tele.OnText, func(c tele.Context) error {
		a.deliver(toUpdate(c.Message()))
		return nil
	})
	return a, nil
}

func toUpdate(m *tele.Message) kit.Update {
	if m == nil || m.Chat == nil {
		return kit.Update{}
	}
	msg := &kit.Message{ID: m.ID, ChatID: m.Chat.ID, ThreadID: m.ThreadID, Text: m.Text}
	if m.Sender != nil {
		msg.FromID, msg.FromUsername = m.Sender.ID, m.Sender.Username
	}
	return kit.Update{Kind: kit.UpdateMessage, Message: msg}
}

// deliver never blocks the poller; updates that do not fit are counted.
func (a *Adapter) deliver(up kit.Update) {
	if up.Message == nil {
		return
	}
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling. Calling it while running is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out = out
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log))
	a.sup.Go0("telegram.drops", func(c context.Context) { a.reportDrops(c, cap(out)) })
	// telebot's Start can return on its own; keep it running until ctx ends.
	a.sup.GoRestart0("telegram.poll", a.poll,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) poll(ctx context.Context) {
	returned := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.bot.Stop()
		case <-returned:
		}
	}()
	a.log.Info("polling started", logx.Duration("timeout", a.cfg.PollTimeout))
	a.bot.Start()
	close(returned)
	a.log.Info("polling stopped")
}

func (a *Adapter) reportDrops(ctx context.Context, capacity int) {
	t := time.NewTicker(dropReportEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			a.flushDrops(capacity)
			return
		case <-t.C:
			a.flushDrops(capacity)
		}
	}
}

func (a *Adapter) flushDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("updates dropped: consumer queue full", logx.Uint64("count", n), logx.Int("queue_cap", capacity))
	}
}

// Stop ends polling. It waits at most stopGrace (or ctx) for a pending long
// poll to return.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup, a.out = nil, nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	if err := sup.Wait(wctx); errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop timed out; long poll still pending")
	}
	return nil
}
