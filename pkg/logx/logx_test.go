package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	kit "chanpost/internal/transport"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("dropped", String("k", "v"))
	l.Critical("dropped too")
	if l.With(String("comp", "x")).IsZero() {
		t.Fatal("With should carry fields")
	}
	if Nop().IsZero() {
		t.Fatal("Nop is a configured logger")
	}
}

func TestNewWriterEncodesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	l.Info("delivered",
		Int("n", 3),
		Err(errors.New("boom")),
		Err(nil),
		Duration("took", 1500*time.Millisecond),
		Stack("  "),
	)

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if m["message"] != "delivered" || m["comp"] != "dispatch" || m["n"] != float64(3) || m["err"] != "boom" {
		t.Fatalf("event = %v", m)
	}
	if m["took"] != float64(1500) {
		t.Fatalf("took = %v, want milliseconds", m["took"])
	}
	if _, ok := m["stack"]; ok {
		t.Fatal("blank stack should be skipped")
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	if l.Enabled(LevelInfo) || !l.Enabled(LevelError) {
		t.Fatal("Enabled disagrees with level")
	}
	l.Critical("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatal("critical not written")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"trace": LevelTrace, "DEBUG": LevelDebug, " info ": LevelInfo,
		"warning": LevelWarn, "Error": LevelError, "critical": LevelCritical,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	for _, bad := range []string{"", "verbose"} {
		if _, err := ParseLevel(bad); err == nil {
			t.Fatalf("ParseLevel(%q) should fail", bad)
		}
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	in := `{"level":"error","time":"2026-03-31T10:00:00Z","message":"send failed","item_id":7,"comp":"dispatch","stack":"goroutine 1"}`
	want := "[ERROR] send failed\ncomp=dispatch\nitem_id=7\nstack:\ngoroutine 1"
	if got := formatChatLine([]byte(in)); got != want {
		t.Fatalf("formatChatLine =\n%q\nwant\n%q", got, want)
	}
	if got := formatChatLine([]byte("  not json \n")); got != "not json" {
		t.Fatalf("raw line = %q", got)
	}
	long := `{"level":"warn","message":"` + strings.Repeat("x", 5000) + `"}`
	if got := formatChatLine([]byte(long)); len(got) != chatLineLimit || !strings.HasSuffix(got, "...") {
		t.Fatalf("long line len = %d", len(got))
	}
}

type chatRecorder struct {
	mu   sync.Mutex
	sent []kit.ChatTarget
	text []string
}

func (r *chatRecorder) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, to)
	r.text = append(r.text, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (r *chatRecorder) snapshot() ([]kit.ChatTarget, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kit.ChatTarget(nil), r.sent...), append([]string(nil), r.text...)
}

func TestChatSinkForwardsAboveMinLevel(t *testing.T) {
	rec := &chatRecorder{}
	svc, log := New(Config{Telegram: TelegramConfig{Enabled: true, MinLevel: "ERROR", RatePerSec: 100, ThreadID: 9}}, rec)
	svc.SetTelegramTarget(42, 0)

	log.Warn("quiet")
	log.Error("loud", String("k", "v"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if targets, _ := rec.snapshot(); len(targets) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = svc.Close()

	targets, texts := rec.snapshot()
	if len(targets) != 1 {
		t.Fatalf("sent %d messages: %v", len(targets), texts)
	}
	if targets[0] != (kit.ChatTarget{ChatID: 42, ThreadID: 9}) {
		t.Fatalf("target = %+v", targets[0])
	}
	if !strings.HasPrefix(texts[0], "[ERROR] loud") || !strings.Contains(texts[0], "k=v") {
		t.Fatalf("text = %q", texts[0])
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chanpost.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)
	log.Info("written", String("comp", "app"))
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("still written")
	_ = svc.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"message":"written"`) || !strings.Contains(lines[1], `"message":"still written"`) {
		t.Fatalf("file = %s", b)
	}
}
