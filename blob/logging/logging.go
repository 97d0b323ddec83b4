// Package logging implements structured logging for the blob manager,
// adapted from oasis-core's common/logging: a thin wrapper over go-kit/log
// that hands out per-module Logger instances rather than a bare global.
package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Format is a logging output format.
type Format uint

const (
	// FmtLogfmt is the "logfmt" logging format.
	FmtLogfmt Format = iota
	// FmtJSON is the JSON logging format.
	FmtJSON
)

// Level is a log level.
type Level uint

const (
	// LevelDebug is the log level for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the log level for informative messages.
	LevelInfo
	// LevelWarn is the log level for warning messages.
	LevelWarn
	// LevelError is the log level for error messages.
	LevelError
)

func (l Level) toOption() level.Option {
	switch l {
	case LevelDebug:
		return level.AllowDebug()
	case LevelInfo:
		return level.AllowInfo()
	case LevelWarn:
		return level.AllowWarn()
	case LevelError:
		return level.AllowError()
	default:
		panic("logging: unsupported log level")
	}
}

// ParseLevel parses a level name, defaulting to LevelInfo on no match.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("logging: invalid log level: %q", s)
	}
}

// Logger is a per-module logger instance.
type Logger struct {
	logger log.Logger
	level  Level
	module string
}

// Debug logs at the Debug level.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	if l.level > LevelDebug {
		return
	}
	_ = level.Debug(l.logger).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

// Info logs at the Info level.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	if l.level > LevelInfo {
		return
	}
	_ = level.Info(l.logger).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

// Warn logs at the Warn level.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	if l.level > LevelWarn {
		return
	}
	_ = level.Warn(l.logger).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

// Error logs at the Error level.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	if l.level > LevelError {
		return
	}
	_ = level.Error(l.logger).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

// With returns a clone of the logger with the given key/value pairs
// attached to every subsequent line.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{logger: log.With(l.logger, keyvals...), level: l.level, module: l.module}
}

type logBackend struct {
	sync.Mutex

	baseLogger   log.Logger
	defaultLevel Level
	moduleLevels map[string]Level
	initialized  bool
}

var backend = logBackend{
	baseLogger:   log.NewNopLogger(),
	defaultLevel: LevelInfo,
}

// Initialize sets up the logging backend. If w is nil, output is
// discarded. Safe to call once at process startup; subsequent calls
// return an error. Loggers already handed out via GetLogger keep working
// (each one looks up the shared backend's logger every time it writes).
func Initialize(w io.Writer, format Format, defaultLvl Level, moduleLvls map[string]Level) error {
	backend.Lock()
	defer backend.Unlock()

	if backend.initialized {
		return fmt.Errorf("logging: already initialized")
	}

	var logger log.Logger = backend.baseLogger
	if w != nil {
		sw := log.NewSyncWriter(w)
		switch format {
		case FmtLogfmt:
			logger = log.NewLogfmtLogger(sw)
		case FmtJSON:
			logger = log.NewJSONLogger(sw)
		default:
			return fmt.Errorf("logging: unsupported log format: %v", format)
		}
	}

	logger = level.NewFilter(logger, defaultLvl.toOption())
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	backend.baseLogger = logger
	backend.moduleLevels = moduleLvls
	backend.defaultLevel = defaultLvl
	backend.initialized = true
	return nil
}

func (b *logBackend) levelFor(module string) Level {
	b.Lock()
	defer b.Unlock()

	best := ""
	lvl := b.defaultLevel
	for prefix, l := range b.moduleLevels {
		if strings.HasPrefix(module, prefix) && len(prefix) > len(best) {
			best = prefix
			lvl = l
		}
	}
	return lvl
}

// GetLogger creates a new logger instance scoped to the given module name,
// e.g. "blobmanager/assignment". May be called before Initialize; such
// loggers pick up whatever the backend's default level is at call time,
// and write through whatever backend logger Initialize later installs.
func GetLogger(module string) *Logger {
	base := log.LoggerFunc(func(keyvals ...interface{}) error {
		backend.Lock()
		l := backend.baseLogger
		backend.Unlock()
		return l.Log(keyvals...)
	})

	return &Logger{
		logger: log.With(base, "module", module),
		level:  backend.levelFor(module),
		module: module,
	}
}
