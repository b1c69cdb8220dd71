// Package minilog is a small leveled logger supporting multiple named
// sinks (stderr, a file, a fixed-size ring buffer for introspection), each
// with its own level and color setting. It is the only logging surface the
// rest of this tree is allowed to depend on -- concrete sinks (file,
// syslog, stdout) are wired up by cmd/apxd, never by pkg/ or internal/
// packages directly.
package minilog

import (
	"fmt"
	"log"
	"os"
	"sync"
)

var (
	loggersLock sync.Mutex
	loggers     = map[string]*minilogger{}
)

// AddLogger registers a named sink. l must implement Println(...interface{})
// -- *log.Logger and *Ring both do. Color enables ANSI coloring of the
// level prefix; callers should disable it for non-tty sinks such as files.
func AddLogger(name string, l logger, level Level, color bool) {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	loggers[name] = &minilogger{
		logger: l,
		Level:  level,
		Color:  color,
	}
}

// DelLogger removes a previously registered sink.
func DelLogger(name string) {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	delete(loggers, name)
}

// AddFilter adds a substring filter to a named logger -- any formatted line
// containing one of its filters is dropped before reaching the sink.
func AddFilter(name, filter string) {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	if l, ok := loggers[name]; ok {
		l.filters = append(l.filters, filter)
	}
}

// WillLog reports whether any registered sink would emit a message at the
// given level. Callers use this to skip formatting expensive debug payloads
// (mirrors the teacher's `if log.WillLog(log.DEBUG) { log.Debug(...) }`
// idiom used throughout ron/meshage).
func WillLog(level Level) bool {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	for _, l := range loggers {
		if level >= l.Level {
			return true
		}
	}
	return false
}

// logAll and loglnAll keep the same four-frame call depth
// (prologue <- l.log <- logAll <- Debug <- caller) that prologue's
// runtime.Caller(4) expects.
func logAll(level Level, name, format string, arg ...interface{}) {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	for _, l := range loggers {
		if level >= l.Level {
			l.log(level, name, format, arg...)
		}
	}
}

func loglnAll(level Level, name string, arg ...interface{}) {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	for _, l := range loggers {
		if level >= l.Level {
			l.logln(level, name, arg...)
		}
	}
}

func Debug(format string, arg ...interface{}) { logAll(DEBUG, "", format, arg...) }
func Info(format string, arg ...interface{})  { logAll(INFO, "", format, arg...) }
func Warn(format string, arg ...interface{})  { logAll(WARN, "", format, arg...) }
func Error(format string, arg ...interface{}) { logAll(ERROR, "", format, arg...) }

func Debugln(arg ...interface{}) { loglnAll(DEBUG, "", arg...) }
func Infoln(arg ...interface{})  { loglnAll(INFO, "", arg...) }
func Warnln(arg ...interface{})  { loglnAll(WARN, "", arg...) }
func Errorln(arg ...interface{}) { loglnAll(ERROR, "", arg...) }

// Fatal logs at FATAL to every sink and terminates the process. Used
// sparingly -- component-level errors should be returned, not fataled; this
// exists for truly unrecoverable failures. Its one caller is
// apxconn.Connection.Destroy when the worker fails to join in time.
func Fatal(format string, arg ...interface{}) {
	logAll(FATAL, "", format, arg...)
	os.Exit(1)
}

func Fatalln(arg ...interface{}) {
	loglnAll(FATAL, "", arg...)
	os.Exit(1)
}

// StdLogger adapts the standard library's log.Logger to the logger
// interface so it can be registered with AddLogger.
func StdLogger(out *log.Logger) logger {
	return stdAdapter{out}
}

type stdAdapter struct {
	l *log.Logger
}

func (s stdAdapter) Println(v ...interface{}) {
	s.l.Println(fmt.Sprint(v...))
}
