package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
}

// Logger writes structured events. Loggers from a Service track its current
// sinks; standalone loggers own a fixed zerolog.Logger. The zero value is a
// no-op.
type Logger struct {
	svc    *Service
	zl     *zerolog.Logger
	fields []Field
}

func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{zl: &zl}
}

// NewConsole is a standalone console logger for code that runs before, or
// without, a Service.
func NewConsole(level string) Logger {
	return NewWriter(consoleWriter(os.Stdout), level)
}

// NewWriter logs JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(levelOr(level, LevelInfo)).With().Timestamp().Logger()
	return Logger{zl: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.zl == nil && len(l.fields) == 0 }

func (l Logger) target() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.zl != nil:
		return *l.zl
	default:
		return zerolog.Nop()
	}
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool { return level >= l.target().GetLevel() }

// With returns a logger that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = make([]Field, 0, len(l.fields)+len(fields))
	out.fields = append(append(out.fields, l.fields...), fields...)
	return out
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

// Critical is the highest severity. It never exits.
func (l Logger) Critical(msg string, fields ...Field) { l.emit(LevelCritical, msg, fields) }

func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.target()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// Skip emit and the level method.
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, f := range l.fields {
		f.encode(e)
	}
	for _, f := range fields {
		f.encode(e)
	}
	e.Msg(msg)
}

func consoleWriter(f *os.File) io.Writer {
	fd := f.Fd()
	return zerolog.ConsoleWriter{
		Out:        f,
		TimeFormat: consoleTimeFormat,
		NoColor:    !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd),
	}
}
