// Package sweep applies the retention rule: rejected and published items
// older than the maximum age are deleted.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chanpost/internal/clock"
	"chanpost/internal/eventbus"
	"chanpost/internal/storage"
	"chanpost/internal/transport"
	logx "chanpost/pkg/logx"
)

const DefaultMaxAge = 30 * 24 * time.Hour

type Config struct {
	MaxAge time.Duration
	// Status receives the summary text. Zero ChatID disables it.
	Status transport.ChatTarget
}

// Done is published on eventbus.SweepDone.
type Done struct {
	Cutoff time.Time
	Counts storage.PurgeCounts
	Err    error
}

type Sweeper struct {
	cfg    Config
	store  storage.ItemStore
	sender transport.TextSender
	clock  clock.Clock
	bus    eventbus.Bus
	log    logx.Logger
}

// New builds a sweeper. sender may be nil.
func New(cfg Config, store storage.ItemStore, sender transport.TextSender, clk clock.Clock, bus eventbus.Bus, log logx.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("sweep: store is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if clk == nil {
		clk = clock.System{}
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{
		cfg:    cfg,
		store:  store,
		sender: sender,
		clock:  clk,
		bus:    bus,
		log:    log.With(logx.String("comp", "sweep")),
	}, nil
}

// Cutoff returns the last calendar date that is purged for now.
func (s *Sweeper) Cutoff(now time.Time) time.Time {
	return storage.DateOnly(now.Add(-s.cfg.MaxAge))
}

// Run purges expired items and reports the counts to the status chat.
func (s *Sweeper) Run(ctx context.Context) (storage.PurgeCounts, error) {
	cutoff := s.Cutoff(s.clock.Now())
	counts, err := s.store.PurgeOlderThan(ctx, cutoff)
	s.bus.Publish(eventbus.Event{Type: eventbus.SweepDone, Data: Done{Cutoff: cutoff, Counts: counts, Err: err}})
	if err != nil {
		s.log.Error("purge failed", logx.Time("cutoff", cutoff), logx.Err(err))
		return storage.PurgeCounts{}, fmt.Errorf("purge: %w", err)
	}
	s.log.Info("purge done",
		logx.String("cutoff", cutoff.Format(time.DateOnly)),
		logx.Int64("unapproved", counts.Unapproved),
		logx.Int64("published", counts.Published),
	)

	if s.sender != nil && s.cfg.Status.ChatID != 0 {
		if _, err := s.sender.SendText(ctx, s.cfg.Status, Summary(counts), nil); err != nil {
			s.log.Warn("send sweep summary failed", logx.Err(err))
		}
	}
	return counts, nil
}

// Summary is the status-chat text for a finished sweep.
func Summary(c storage.PurgeCounts) string {
	return fmt.Sprintf("Cleanup finished: %d unapproved and %d published items were removed.", c.Unapproved, c.Published)
}
