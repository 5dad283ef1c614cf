package mpc

import (
	"fmt"
	"io"
	"os"
)

// LogLevel controls the amount of logger output.
type LogLevel int

const (
	// LogNoop no output is generated.
	LogNoop LogLevel = iota - 1
	// LogInfo prints the outcome of every optimization.
	LogInfo
	// LogDetail also prints setter calls, constraint values and optimal trajectories.
	LogDetail
)

func (l LogLevel) String() string {
	switch l {
	case LogNoop:
		return "NOOP"
	case LogInfo:
		return "INFO"
	case LogDetail:
		return "DETAIL"
	default:
		return "UNKNOWN"
	}
}

// Logger handles the logging output of a controller.
// Note the writer must be thread-safe if shared between controllers.
type Logger struct {
	Level  LogLevel
	Prefix string
	Msg    io.Writer
}

func newLogger() *Logger {
	return &Logger{Level: LogNoop, Msg: os.Stderr}
}

func (l *Logger) enable(level LogLevel) bool {
	return l != nil && l.Msg != nil && l.Level >= level
}

func (l *Logger) log(level LogLevel, format string, a ...any) {
	if !l.enable(level) {
		return
	}
	_, _ = fmt.Fprintf(l.Msg, "[%s] %s", level, l.Prefix)
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Msg, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Msg, format)
	}
	_, _ = fmt.Fprintln(l.Msg)
}

func (l *Logger) info(format string, a ...any) {
	l.log(LogInfo, format, a...)
}

func (l *Logger) detail(format string, a ...any) {
	l.log(LogDetail, format, a...)
}
