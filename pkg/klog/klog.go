// Package klog is the kernel's leveled logger. It exists so that every
// subsystem logs through one configurable sink instead of fmt.Print,
// mirroring the teacher's own gvisor.dev/gvisor/pkg/log import.
package klog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu  sync.RWMutex
	log = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the global log level (e.g. "debug" for a booting kernel
// under test).
func SetLevel(level logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	log.SetLevel(level)
}

// SetOutput redirects where log output goes; tests use this to capture the
// AML opcode-0x01 compatibility warning (spec.md §9 open question 4).
func SetOutput(w interface{ Write([]byte) (int, error) }) {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(w)
}

func entry() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Debugf logs at debug level.
func Debugf(format string, args ...any) { entry().Debugf(format, args...) }

// Infof logs at info level.
func Infof(format string, args ...any) { entry().Infof(format, args...) }

// Warningf logs at warning level. Used for compatibility workarounds that
// must be preserved but reported, per spec.md §9.
func Warningf(format string, args ...any) { entry().Warnf(format, args...) }

// IsLogging reports whether messages at level would currently be emitted,
// letting callers skip building an expensive log message.
func IsLogging(level logrus.Level) bool {
	return entry().IsLevelEnabled(level)
}

// WithField returns a logrus entry pre-populated with one structured field,
// for call sites that want to attach e.g. a pid or tid without building a
// format string (e.g. kernel.Process/Thread lifecycle tracing).
func WithField(key string, value any) *logrus.Entry {
	return entry().WithField(key, value)
}
