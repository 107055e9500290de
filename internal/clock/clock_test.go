package clock

import (
	"context"
	"testing"
	"time"
)

func TestSystemSleepHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := (System{}).Sleep(ctx, time.Hour); err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("Sleep did not return promptly on cancel")
	}
}

func TestFakeRecordsSleeps(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(base)
	_ = f.Sleep(context.Background(), 3*time.Second)
	_ = f.Sleep(context.Background(), 3*time.Second)
	if got := f.Sleeps(); len(got) != 2 || got[0] != 3*time.Second {
		t.Fatalf("Sleeps = %v", got)
	}
	if !f.Now().Equal(base.Add(6 * time.Second)) {
		t.Fatalf("Now = %v", f.Now())
	}
}
