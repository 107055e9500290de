// Package app is the composition root: it maps config onto the pipeline
// components and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"chanpost/internal/clock"
	"chanpost/internal/compose"
	"chanpost/internal/config"
	"chanpost/internal/dispatch"
	"chanpost/internal/eventbus"
	"chanpost/internal/media"
	"chanpost/internal/metrics"
	"chanpost/internal/objectstore"
	"chanpost/internal/ops"
	"chanpost/internal/runlock"
	rtsup "chanpost/internal/runtime/supervisor"
	"chanpost/internal/scheduler"
	"chanpost/internal/storage"
	"chanpost/internal/sweep"
	kit "chanpost/internal/transport"
	telegram "chanpost/internal/transport/telegram/adapter"
	"chanpost/internal/transport/telegram/router"
	logx "chanpost/pkg/logx"
)

const (
	JobDispatch = "dispatch"
	JobSweep    = "sweep"
)

// Options replace collaborators. The zero value wires the real ones.
type Options struct {
	// Sender replaces the Telegram transport; no updates are polled then.
	Sender kit.Sender
	Clock  clock.Clock
}

type App struct {
	cfgm *config.ConfigManager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter *telegram.Adapter
	sender  kit.Sender

	store      storage.ItemStore
	blobs      objectstore.Store
	compositor *compose.Compositor
	orch       *dispatch.Orchestrator
	sweeper    *sweep.Sweeper
	lock       *runlock.Lock
	sched      *scheduler.Service
	router     *router.Router

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	ops      *ops.Server

	sup     *rtsup.Supervisor
	updates chan kit.Update
}

// New builds every component from the committed config of cfgm. Nothing is
// started; use Run for the daemon or the *Once methods for one-shot runs.
func New(ctx context.Context, cfgm *config.ConfigManager, opt Options) (_ *App, err error) {
	cfg := cfgm.Get()
	if err := Validate(ctx, cfg); err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm, bus: eventbus.New(), updates: make(chan kit.Update, 64)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	clk := opt.Clock
	if clk == nil {
		clk = clock.System{}
	}

	a.sender = opt.Sender
	if a.sender == nil {
		pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
		ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout},
			logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.adapter, a.sender = ad, ad
	}

	// Enable the Telegram sink only after its target is set, so Apply does
	// not warn about a missing chat.
	logCfg := mapLogConfig(cfg)
	boot := logCfg
	boot.Telegram.Enabled = false
	a.logs, a.log = logx.New(boot, a.sender)
	a.logs.SetTelegramTarget(logTarget(cfg), cfg.Logging.Telegram.ThreadID)
	a.logs.Apply(logCfg)
	log := a.log
	a.log = log.With(logx.String("comp", "app"))

	sc, _ := mapStoreConfig(cfg)
	if a.store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.log.Info("store opened", logx.String("driver", sc.Driver))

	if oc, ok, _ := mapObjectStoreConfig(cfg); ok {
		if a.blobs, err = objectstore.Open(ctx, oc, log.With(logx.String("comp", "objectstore"))); err != nil {
			return nil, fmt.Errorf("open object store: %w", err)
		}
		a.log.Info("object store opened", logx.String("driver", oc.Driver))
	} else {
		a.log.Warn("no object store configured; blob items fail and composition is off")
	}

	if a.blobs != nil {
		cc, _ := mapComposeConfig(cfg)
		a.compositor = compose.New(cc, compose.Deps{Clips: a.blobs, Bus: a.bus, Log: log})
	}

	dc, httpTimeout, _ := mapDispatchConfig(cfg)
	deps := dispatch.Deps{
		Store:    a.store,
		Sender:   a.sender,
		Resolver: media.NewResolver(dc.MediaDir, httpTimeout, log.With(logx.String("comp", "media"))),
		Bus:      a.bus,
		Clock:    clk,
		Log:      log,
	}
	if a.blobs != nil {
		deps.Blobs = a.blobs
	}
	if a.compositor != nil && cfg.Compose.Enabled {
		deps.Composer = a.compositor
	}
	if f, ok := a.sender.(kit.FileFetcher); ok {
		deps.Fetcher = f
	}
	if a.orch, err = dispatch.New(dc, deps); err != nil {
		return nil, err
	}

	swc, _ := mapSweepConfig(cfg)
	if a.sweeper, err = sweep.New(swc, a.store, a.sender, clk, a.bus, log); err != nil {
		return nil, err
	}

	a.lock = runlock.New(lockPath(cfg))

	schc, _ := mapSchedulerConfig(cfg)
	if a.sched, err = scheduler.New(schc, clk, log); err != nil {
		return nil, err
	}
	if err := a.registerJobs(cfg); err != nil {
		return nil, err
	}

	a.router = router.New(log.With(logx.String("comp", "commands")), a.sender, cfg.Telegram.OwnerUserIDs)
	a.router.SetCommands(a.commands())

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	opc, _ := mapOpsConfig(cfg)
	a.ops = ops.New(opc, a.registry, a.Health, log)
	return a, nil
}

func lockPath(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.LockPath); p != "" {
		return p
	}
	dir := strings.TrimSpace(cfg.Compose.WorkDir)
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "chanpost.lock")
}

func (a *App) registerJobs(cfg *config.Config) error {
	if err := a.sched.Register(scheduler.Job{Name: JobDispatch, Times: dispatchTimes(cfg), Run: a.dispatchJob}); err != nil {
		return err
	}
	return a.sched.Register(scheduler.Job{Name: JobSweep, Times: sweepTimes(cfg), Run: a.sweepJob})
}

func (a *App) Log() logx.Logger               { return a.log }
func (a *App) Store() storage.ItemStore       { return a.store }
func (a *App) Scheduler() *scheduler.Service  { return a.sched }
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Compositor is nil when no object store is configured.
func (a *App) Compositor() *compose.Compositor { return a.compositor }

// Health backs /healthz: the store must answer a query.
func (a *App) Health(ctx context.Context) error {
	_, err := a.store.ListEligible(ctx, 1)
	return err
}

// DispatchOnce runs one dispatch under the cross-process lock.
func (a *App) DispatchOnce(ctx context.Context) (dispatch.Report, error) {
	var rep dispatch.Report
	err := a.lock.Do(ctx, func(c context.Context) error {
		rep = a.orch.Dispatch(c)
		return nil
	})
	if err != nil {
		return rep, err
	}
	return rep, rep.Err
}

// SweepOnce runs one retention sweep under the cross-process lock.
func (a *App) SweepOnce(ctx context.Context) (storage.PurgeCounts, error) {
	var counts storage.PurgeCounts
	err := a.lock.Do(ctx, func(c context.Context) error {
		var err error
		counts, err = a.sweeper.Run(c)
		return err
	})
	return counts, err
}

func (a *App) dispatchJob(ctx context.Context) error {
	rep, err := a.DispatchOnce(ctx)
	if errors.Is(err, runlock.ErrLocked) {
		a.log.Warn("dispatch skipped: run lock held", logx.String("lock", a.lock.Path()))
		return nil
	}
	if err != nil {
		return err
	}
	if rep.Result == dispatch.ResultExhausted {
		return fmt.Errorf("no item delivered after %d attempts", len(rep.Attempts))
	}
	return nil
}

func (a *App) sweepJob(ctx context.Context) error {
	_, err := a.SweepOnce(ctx)
	if errors.Is(err, runlock.ErrLocked) {
		a.log.Warn("sweep skipped: run lock held", logx.String("lock", a.lock.Path()))
		return nil
	}
	return err
}

// Run starts the daemon and blocks until ctx is done or a component fails
// fatally. ready, if set, is called once everything is started.
func (a *App) Run(ctx context.Context, ready func()) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(Validate)

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			a.sup.Cancel()
			return err
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.router.Run(c, a.updates)
		})
		a.sup.Go0("telegram.menu.update", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := a.adapter.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
				a.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}
	a.sup.Go("scheduler", a.sched.Run)
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.ops.Start(a.sup.Context())

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	for _, t := range a.sched.Triggers() {
		a.log.Debug("next run", logx.String("job", t.Job), logx.Time("at", t.Next))
	}
	a.log.Info("app started")
	if ready != nil {
		ready()
	}

	<-a.sup.Context().Done()
	err := a.sup.Err()
	reason := "context done"
	if err != nil {
		reason = "fatal error"
	}
	a.stop(reason)
	return err
}

// stop unwinds the daemon. Every step is bounded so one component cannot
// stall the rest.
func (a *App) stop(reason string) {
	a.log.Info("stopping", logx.String("reason", reason))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(ctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-ctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	if a.adapter != nil {
		step("adapter", 2*time.Second, a.adapter.Stop)
	}
	step("supervisor", 5*time.Second, a.sup.Wait)
	a.log.Info("stopped")
	a.Close()
}

// Close releases the store, the object store and log sinks.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close store failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			a.log.Warn("close object store failed", logx.Err(err))
		}
		a.blobs = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}

// reloadLoop applies committed config changes. Only logging, owners,
// scheduler and ops apply live.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart {
		a.log.Warn("config change needs a restart to take effect", logx.String("changed", strings.Join(sections, ",")))
	}

	if a.logs != nil {
		a.logs.SetTelegramTarget(logTarget(next), next.Logging.Telegram.ThreadID)
		a.logs.Apply(mapLogConfig(next))
	}
	a.router.SetOwners(next.Telegram.OwnerUserIDs)

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler apply failed; keeping previous", logx.Err(err))
	} else if err := a.registerJobs(next); err != nil {
		a.log.Warn("schedule times rejected", logx.Err(err))
	}

	if oc, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
