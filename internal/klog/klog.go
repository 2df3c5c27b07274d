// Package klog is the kernel's structured logging facade. It wraps logrus
// the way the rest of this codebase wraps small third-party concerns: one
// narrow surface, fields instead of formatted strings, so subsystems log
// allocator exhaustion, eviction, COW decisions and scheduler transitions
// uniformly.
package klog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// L is the kernel-wide logger instance.
var L = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   false,
		DisableColors:   true,
		TimestampFormat: "",
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Fields is a shorthand for logrus.Fields, kept so call sites don't import
// logrus directly.
type Fields = logrus.Fields

// Infof logs an informational line with structured fields.
func Infof(fields Fields, format string, args ...any) {
	L.WithFields(fields).Infof(format, args...)
}

// Warnf logs a warning line with structured fields.
func Warnf(fields Fields, format string, args ...any) {
	L.WithFields(fields).Warnf(format, args...)
}

// Errorf logs an error line with structured fields.
func Errorf(fields Fields, format string, args ...any) {
	L.WithFields(fields).Errorf(format, args...)
}

// SetSilent drops the log level to a level above Panic, used by tests that
// exercise noisy paths (allocator exhaustion, eviction storms) without
// spamming test output.
func SetSilent() {
	L.SetLevel(logrus.PanicLevel)
}
