package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoErrorCancelsWhenConfigured(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("worker", func(ctx context.Context) error { return errors.New("boom") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	err := s.Wait(waitCtx(t))
	if err == nil || err.Error() != "worker: boom" {
		t.Fatalf("Wait = %v", err)
	}
}

func TestGoPanicIsRecorded(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go0("bad", func(context.Context) { panic("nil map") })
	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "bad: panic: nil map") {
		t.Fatalf("Wait = %v", err)
	}
	if s.Context().Err() != nil {
		t.Fatal("context canceled without WithCancelOnError")
	}
}

func TestCanceledIsNotFailure(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return context.Canceled
	})
	s.Cancel()
	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v", err)
	}
}

func TestGoRestartUntilCleanExit(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	err := s.Wait(waitCtx(t))
	if runs.Load() != 3 {
		t.Fatalf("runs = %d", runs.Load())
	}
	if err == nil || err.Error() != "flaky: not yet" {
		t.Fatalf("published error = %v", err)
	}
}

func TestGoRestartStopsOnCancel(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart0("ticker", func(context.Context) { runs.Add(1) },
		WithStopOnCleanExit(false), WithRestartBackoff(time.Millisecond, time.Millisecond))

	deadline := time.Now().Add(time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Cancel()
	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if runs.Load() < 2 {
		t.Fatalf("runs = %d, want restarts after clean exit", runs.Load())
	}
}

func TestWaitHonorsContext(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go0("stuck", func(ctx context.Context) { <-ctx.Done() })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v", err)
	}
	s.Cancel()
	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait after cancel = %v", err)
	}
}

func TestRestartDelayDoublesToMax(t *testing.T) {
	t.Parallel()
	p := restartPolicy{min: 100 * time.Millisecond, max: 400 * time.Millisecond}
	for n, base := range map[int]time.Duration{1: 100, 2: 200, 3: 400, 6: 400} {
		base *= time.Millisecond
		got := p.delay(n)
		if got < base || got > base+base/5 {
			t.Fatalf("delay(%d) = %v, want [%v, %v]", n, got, base, base+base/5)
		}
	}
}
