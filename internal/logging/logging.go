// Package logging provides the per-component leveled logger used across
// the dispatcher, daemon, worker, and checker.
package logging

import (
	"fmt"
	"io"
	"log"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes "<rfc3339> <LEVEL> <component>: <msg>" lines.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
}

func New(w io.Writer, component string, level Level) *Logger {
	return &Logger{
		out:       log.New(w, "", 0),
		level:     level,
		component: component,
	}
}

// WithComponent returns a logger sharing the sink and level under a
// different component tag.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{out: l.out, level: l.level, component: component}
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *Logger) log(level Level, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	levelStr := "INFO"
	switch level {
	case LevelDebug:
		levelStr = "DEBUG"
	case LevelWarn:
		levelStr = "WARN"
	case LevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), levelStr, l.component, msg)
}
