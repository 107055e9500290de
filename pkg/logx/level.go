package logx

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
	// LevelCritical is zerolog's fatal level. Nothing here exits the process.
	LevelCritical = zerolog.FatalLevel
)

var levelNames = map[string]Level{
	"TRACE":    LevelTrace,
	"DEBUG":    LevelDebug,
	"INFO":     LevelInfo,
	"WARN":     LevelWarn,
	"WARNING":  LevelWarn,
	"ERROR":    LevelError,
	"CRITICAL": LevelCritical,
	"FATAL":    LevelCritical,
}

// ParseLevel reads a level name case-insensitively. Empty is an error too;
// callers pick their own default.
func ParseLevel(s string) (Level, error) {
	if l, ok := levelNames[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
}

func levelOr(s string, def Level) Level {
	if l, err := ParseLevel(s); err == nil {
		return l
	}
	return def
}
