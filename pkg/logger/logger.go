// Package logger provides component-tagged structured logging.
//
// Every entry carries a "component" field naming the subsystem that emitted
// it, plus an optional field map. Output is one JSON object per line.
package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

var (
	mu           sync.RWMutex
	currentLevel = INFO
	base         = newBase(os.Stderr, INFO)
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

func newBase(w io.Writer, level LogLevel) zerolog.Logger {
	return zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger()
}

// SetLevel changes the minimum level that is written.
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
	base = base.Level(level.zerolog())
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// ParseLevel maps a case-insensitive level name to a LogLevel. Unknown names
// resolve to INFO.
func ParseLevel(name string) LogLevel {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return INFO
	}
	switch lvl {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return DEBUG
	case zerolog.WarnLevel:
		return WARN
	case zerolog.ErrorLevel:
		return ERROR
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return FATAL
	default:
		return INFO
	}
}

// SetOutput redirects log output. Tests use it to capture entries.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = newBase(w, currentLevel)
}

func logMessage(level LogLevel, component, message string, fields map[string]any) {
	mu.RLock()
	l := base
	mu.RUnlock()

	var ev *zerolog.Event
	switch level {
	case DEBUG:
		ev = l.Debug()
	case WARN:
		ev = l.Warn()
	case ERROR:
		ev = l.Error()
	case FATAL:
		// WithLevel keeps the process alive; callers decide whether to exit.
		ev = l.WithLevel(zerolog.FatalLevel)
	default:
		ev = l.Info()
	}
	if ev == nil {
		return
	}
	if component != "" {
		ev = ev.Str("component", component)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(message)
}

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }

func DebugCF(component, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func InfoC(component, message string) { logMessage(INFO, component, message, nil) }

func InfoCF(component, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}
