// Package scheduler fires named jobs at fixed times in a source timezone and
// runs them one at a time on a single worker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"chanpost/internal/clock"
	logx "chanpost/pkg/logx"
)

const (
	DefaultSourceTimezone = "Europe/Moscow"
	DefaultSweepTime      = "03:00"
)

// DefaultDispatchTimes are the daily publish slots in the source timezone.
var DefaultDispatchTimes = []string{"08:45", "15:45", "20:45"}

var (
	ErrUnknownJob = errors.New("unknown job")
	// ErrBusy means the job is already queued or running.
	ErrBusy = errors.New("job already queued or running")
)

type Config struct {
	Enabled         bool
	SourceTimezone  string
	DisplayTimezone string
	// JobTimeout bounds a single run. Zero means no limit.
	JobTimeout time.Duration
}

// Job is a named unit of work with its trigger times.
type Job struct {
	Name  string
	Times []string
	Run   func(ctx context.Context) error
}

// TriggerInfo describes one trigger for status output.
type TriggerInfo struct {
	Job     string
	Trigger string
	Next    time.Time // in the source timezone
	Display string    // Next in the display timezone, "" when none is set
}

type jobDef struct {
	Job
	specs   []string
	entries []cron.EntryID
	pending bool
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	display *time.Location
	parser  cron.Parser
	c       *cron.Cron
	jobs    map[string]*jobDef
	queue   chan string
	running bool

	clock clock.Clock
	log   logx.Logger
}

func New(cfg Config, clk clock.Clock, log logx.Logger) (*Service, error) {
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		parser: triggerParser,
		jobs:   map[string]*jobDef{},
		queue:  make(chan string, 16),
		clock:  clk,
		log:    log.With(logx.String("comp", "scheduler")),
	}
	if err := s.setConfig(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) setConfig(cfg Config) error {
	if strings.TrimSpace(cfg.SourceTimezone) == "" {
		cfg.SourceTimezone = DefaultSourceTimezone
	}
	loc, err := loadLocation(cfg.SourceTimezone, time.UTC)
	if err != nil {
		return fmt.Errorf("scheduler.source_timezone: %w", err)
	}
	display, err := loadLocation(cfg.DisplayTimezone, nil)
	if err != nil {
		return fmt.Errorf("scheduler.display_timezone: %w", err)
	}
	s.cfg, s.loc, s.display = cfg, loc, display
	return nil
}

// Register adds or replaces a job. Triggers take effect on the next Start or
// immediately when the scheduler is running.
func (s *Service) Register(job Job) error {
	if strings.TrimSpace(job.Name) == "" || job.Run == nil {
		return errors.New("job name and func are required")
	}
	specs := make([]string, 0, len(job.Times))
	for _, raw := range job.Times {
		spec, _, err := parseTrigger(raw)
		if err != nil {
			return fmt.Errorf("job %s: %w", job.Name, err)
		}
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("job %s: invalid trigger %q: %w", job.Name, raw, err)
		}
		specs = append(specs, spec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := &jobDef{Job: job, specs: specs}
	if old, ok := s.jobs[job.Name]; ok {
		d.pending = old.pending
		s.removeEntriesLocked(old)
	}
	s.jobs[job.Name] = d
	if s.c != nil {
		s.addEntriesLocked(d)
	}
	return nil
}

// Apply swaps timezone and timeout settings, rebuilding cron when running.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := s.loc.String()
	if err := s.setConfig(cfg); err != nil {
		return err
	}
	switch {
	case !s.running:
	case !s.cfg.Enabled && s.c != nil:
		s.c.Stop()
		s.c = nil
		s.log.Warn("scheduled triggers disabled; manual runs only")
	case s.cfg.Enabled && s.c == nil:
		s.startCronLocked()
	case s.c != nil && oldTZ != s.loc.String():
		s.c.Stop()
		s.startCronLocked()
	}
	return nil
}

// Run starts cron and executes queued jobs until ctx is done. Manual runs
// queued with RunNow are executed even when triggers are disabled.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	if s.cfg.Enabled {
		s.startCronLocked()
	} else {
		s.log.Warn("scheduled triggers disabled; manual runs only")
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		c := s.c
		s.c = nil
		s.running = false
		s.mu.Unlock()
		if c != nil {
			<-c.Stop().Done()
		}
		s.log.Info("scheduler stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case name := <-s.queue:
			s.exec(ctx, name)
		}
	}
}

func (s *Service) startCronLocked() {
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.addEntriesLocked(s.jobs[name])
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) addEntriesLocked(d *jobDef) {
	d.entries = d.entries[:0]
	name := d.Name
	for i, spec := range d.specs {
		id, err := s.c.AddFunc(spec, func() { s.enqueue(name, "cron") })
		if err != nil {
			s.log.Error("add trigger failed", logx.String("job", name), logx.String("spec", spec), logx.Err(err))
			continue
		}
		d.entries = append(d.entries, id)
		fields := []logx.Field{
			logx.String("job", name),
			logx.String("trigger", d.Times[i]),
			logx.String("tz", s.loc.String()),
		}
		if s.display != nil {
			if disp, err := DisplayTime(d.Times[i], s.loc, s.display, s.clock.Now()); err == nil {
				fields = append(fields, logx.String("display_time", disp), logx.String("display_tz", s.display.String()))
			}
		}
		s.log.Info("trigger registered", fields...)
	}
}

func (s *Service) removeEntriesLocked(d *jobDef) {
	if s.c == nil {
		return
	}
	for _, id := range d.entries {
		s.c.Remove(id)
	}
	d.entries = nil
}

// RunNow queues a job outside its schedule.
func (s *Service) RunNow(name string) error {
	return s.enqueue(name, "manual")
}

func (s *Service) enqueue(name, source string) error {
	s.mu.Lock()
	d, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if d.pending {
		s.mu.Unlock()
		s.log.Info("job skipped: already queued or running", logx.String("job", name), logx.String("source", source))
		return ErrBusy
	}
	d.pending = true
	s.mu.Unlock()

	select {
	case s.queue <- name:
		s.log.Debug("job queued", logx.String("job", name), logx.String("source", source))
		return nil
	default:
		s.setPending(name, false)
		s.log.Warn("job dropped: queue full", logx.String("job", name))
		return ErrBusy
	}
}

func (s *Service) setPending(name string, v bool) {
	s.mu.Lock()
	if d, ok := s.jobs[name]; ok {
		d.pending = v
	}
	s.mu.Unlock()
}

func (s *Service) exec(ctx context.Context, name string) {
	s.mu.Lock()
	d, ok := s.jobs[name]
	var run func(context.Context) error
	if ok {
		run = d.Run
	}
	timeout := s.cfg.JobTimeout
	s.mu.Unlock()
	defer s.setPending(name, false)
	if !ok {
		return
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := s.clock.Now()
	log := s.log.With(logx.String("job", name))
	log.Info("job started")
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				log.Error("job panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return run(runCtx)
	}()
	took := s.clock.Now().Sub(start)
	if err != nil {
		log.Error("job failed", logx.Duration("took", took), logx.Err(err))
		return
	}
	log.Info("job finished", logx.Duration("took", took))
}

// Triggers returns every trigger with its next fire time after now.
func (s *Service) Triggers() []TriggerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().In(s.loc)
	var out []TriggerInfo
	for _, d := range s.jobs {
		for i, spec := range d.specs {
			sch, err := s.parser.Parse(spec)
			if err != nil {
				continue
			}
			ti := TriggerInfo{Job: d.Name, Trigger: d.Times[i], Next: sch.Next(now).In(s.loc)}
			if s.display != nil {
				ti.Display = ti.Next.In(s.display).Format("15:04 MST")
			}
			out = append(out, ti)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].Job < out[j].Job
	})
	return out
}

// Location is the source timezone.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}
