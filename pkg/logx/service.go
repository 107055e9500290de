package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "chanpost/internal/transport"
)

const defaultLogFile = "./chanpost.log"

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig controls the chat sink. MinLevel defaults to WARN and
// RatePerSec to 1.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service owns the sinks and rebuilds them on Apply. Loggers handed out by
// it pick up the new sinks without being recreated.
type Service struct {
	mu   sync.Mutex
	cur  atomic.Pointer[zerolog.Logger]
	chat *chatSink

	// file stays open across Apply while its path is unchanged.
	file     *os.File
	filePath string
}

// New builds a Service from cfg. sender backs the chat sink and may be nil.
func New(cfg Config, sender kit.TextSender) (*Service, Logger) {
	s := &Service{chat: newChatSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.cur.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetTelegramTarget points the chat sink at chatID. A zero threadID keeps
// the configured thread.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.chat.setTarget(chatID, threadID)
}

// Apply swaps sinks and levels. Safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f := s.openFileLocked(cfg.File.Path); f != nil {
			outs = append(outs, zerolog.SyncWriter(f))
		}
	} else {
		s.closeFileLocked()
	}

	s.chat.configure(cfg.Telegram)
	if cfg.Telegram.Enabled {
		s.chat.start()
		outs = append(outs, s.chat)
		if !s.chat.hasTarget() {
			fmt.Fprintln(os.Stderr, "logx: telegram sink enabled without a chat; set telegram.group_log or channels.status")
		}
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(levelOr(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.cur.Store(&zl)
}

func (s *Service) openFileLocked(path string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if s.file != nil && s.filePath == path {
		return s.file
	}
	s.closeFileLocked()
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		return nil
	}
	s.file, s.filePath = f, path
	return f
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.filePath = nil, ""
}

// Close stops the chat sink and closes the log file. Loggers keep working
// on the console afterwards.
func (s *Service) Close() error {
	s.chat.stop()
	s.mu.Lock()
	s.closeFileLocked()
	s.mu.Unlock()
	zl := zerolog.New(consoleWriter(os.Stderr)).Level(s.current().GetLevel()).With().Timestamp().Logger()
	s.cur.Store(&zl)
	return nil
}
