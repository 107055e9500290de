// Package supervisor runs named goroutines under one cancelable context,
// recovering panics and keeping the first failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	logx "chanpost/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	mu       sync.Mutex
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first goroutine
// failure.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{done: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel stops the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first recorded failure.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. A non-nil error other than context.Canceled, or a panic,
// is a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.call(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error { fn(ctx); return nil })
}

// call runs fn, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max        time.Duration
	stopOnCleanExit bool
	publishErr      bool
}

// WithRestartBackoff bounds the doubling delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithPublishFirstError records the first failure in Err while restarts go on.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishErr = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (default)
// or counts as a failure to restart from.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// delay is the wait before restart n (1-based), with up to 20% jitter.
func (p restartPolicy) delay(n int) time.Duration {
	d := p.min
	for i := 1; i < n && d < p.max; i++ {
		d *= 2
	}
	d = min(d, p.max)
	if j := int64(d / 5); j > 0 {
		d += time.Duration(rand.Int64N(j + 1))
	}
	return d
}

// healthyRun resets the backoff when a run lasted at least this long.
const healthyRun = 30 * time.Second

// GoRestart keeps fn running until the context ends, restarting it after
// errors and panics.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second, stopOnCleanExit: true}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.Go0(name, func(ctx context.Context) {
		for n := 1; ctx.Err() == nil; n++ {
			started := time.Now()
			err := s.call(name, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if p.stopOnCleanExit {
					return
				}
				err = errors.New("exited")
			}
			if p.publishErr {
				s.record(fmt.Errorf("%s: %w", name, err))
			}
			if time.Since(started) >= healthyRun {
				n = 1
			}
			wait := p.delay(n)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Int("attempt", n), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}

func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error { fn(ctx); return nil }, opts...)
}

// Wait blocks until every goroutine returned or ctx is done, and returns
// the first failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
