// Package logging provides the structured, leveled logger used throughout
// the block pipeline, buildstore, and deploy packages. It wraps
// github.com/go-kit/kit/log the same way the core wraps its own logging
// backend: named sub-loggers, alternating key/value pairs, one process-wide
// level filter.
package logging

import (
	"os"
	"sync"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

var (
	mu       sync.RWMutex
	baseOnce sync.Once
	base     kitlog.Logger
	allowed  = level.AllowInfo()
)

func root() kitlog.Logger {
	baseOnce.Do(func() {
		l := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
		base = kitlog.With(l, "ts", kitlog.DefaultTimestampUTC)
	})
	mu.RLock()
	defer mu.RUnlock()
	return level.NewFilter(base, allowed)
}

// SetLevel sets the process-wide minimum emitted level.
func SetLevel(name string) {
	mu.Lock()
	defer mu.Unlock()
	switch name {
	case "debug":
		allowed = level.AllowDebug()
	case "warn":
		allowed = level.AllowWarn()
	case "error":
		allowed = level.AllowError()
	default:
		allowed = level.AllowInfo()
	}
}

// Logger is a named, structured logger.
type Logger struct {
	kv []interface{}
}

// GetLogger returns a Logger scoped to the given module name (e.g.
// "tapioca/pipeline").
func GetLogger(name string) *Logger {
	return &Logger{kv: []interface{}{"module", name}}
}

func (l *Logger) with(base kitlog.Logger) kitlog.Logger {
	if len(l.kv) == 0 {
		return base
	}
	return kitlog.With(base, l.kv...)
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	_ = level.Debug(l.with(root())).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	_ = level.Info(l.with(root())).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	_ = level.Warn(l.with(root())).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	_ = level.Error(l.with(root())).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

// With returns a child logger with the given key-values attached to every
// subsequent log line.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	child := make([]interface{}, 0, len(l.kv)+len(keyvals))
	child = append(child, l.kv...)
	child = append(child, keyvals...)
	return &Logger{kv: child}
}
