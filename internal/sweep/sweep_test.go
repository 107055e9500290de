package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"chanpost/internal/clock"
	"chanpost/internal/storage"
	"chanpost/internal/transport"
	logx "chanpost/pkg/logx"
)

type textSink struct {
	texts []string
	to    []transport.ChatTarget
}

func (s *textSink) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	s.texts = append(s.texts, text)
	s.to = append(s.to, to)
	return transport.MessageRef{}, nil
}

func TestRunAppliesRetention(t *testing.T) {
	now := time.Date(2026, 4, 30, 3, 0, 0, 0, time.UTC)
	day := func(ago int) time.Time { return now.AddDate(0, 0, -ago) }

	store := storage.NewMemoryStore(
		storage.Item{URL: "rejected-31", DateAdded: day(31), Checked: true},
		storage.Item{URL: "rejected-30", DateAdded: day(30), Checked: true},
		storage.Item{URL: "rejected-29", DateAdded: day(29), Checked: true},
		storage.Item{URL: "published-40", DateAdded: day(40), Checked: true, Approved: true, Published: true},
		storage.Item{URL: "pending-40", DateAdded: day(40), Checked: true, Approved: true},
		storage.Item{URL: "unchecked-40", DateAdded: day(40)},
	)
	sink := &textSink{}
	status := transport.ChatTarget{ChatID: -1003}
	s, err := New(Config{Status: status}, store, sink, clock.NewFake(now), nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	counts, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counts.Unapproved != 2 || counts.Published != 1 {
		t.Fatalf("counts = %+v, want {2 1}", counts)
	}
	if store.Len() != 3 {
		t.Fatalf("remaining = %d, want 3", store.Len())
	}
	if len(sink.texts) != 1 || sink.texts[0] != Summary(counts) || sink.to[0] != status {
		t.Fatalf("summary = %v to %v", sink.texts, sink.to)
	}
}

func TestCutoffIsCalendarDate(t *testing.T) {
	t.Parallel()
	s, _ := New(Config{}, storage.NewMemoryStore(), nil, nil, nil, logx.Nop())
	got := s.Cutoff(time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC))
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Cutoff = %v, want %v", got, want)
	}
}

func TestRunPurgeError(t *testing.T) {
	store := storage.NewMemoryStore()
	store.ErrPurge = errors.New("locked")
	sink := &textSink{}
	s, _ := New(Config{Status: transport.ChatTarget{ChatID: 1}}, store, sink, nil, nil, logx.Nop())
	if _, err := s.Run(context.Background()); !errors.Is(err, store.ErrPurge) {
		t.Fatalf("err = %v", err)
	}
	if len(sink.texts) != 0 {
		t.Fatal("no summary on failure")
	}
}
