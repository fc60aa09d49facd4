// Package daqlog wraps logrus into the leveled event sink ("Log") that
// spec.md section 1 names as an external collaborator of the core:
// DEBUG/MESSAGE/WARNING/ERROR/FATAL, matching the levels used throughout
// original_source/MongoLog.hh.
package daqlog

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Logger is a structured, leveled sink. The zero value is not usable;
// construct with New.
type Logger struct {
	entry *logrus.Entry
	// fatalSeen mirrors the controller's run-level error flag: any Fatal
	// call on any Logger derived from the same root flips it, so
	// goroutines that never share state otherwise (poller, formatter,
	// writer) can still be asked "did anything go fatal" without a
	// channel round trip.
	fatalSeen *atomic.Bool
}

// New constructs a root Logger. component is attached as a field to every
// subsequent entry.
func New(component string) *Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{
		entry:     l.WithField("component", component),
		fatalSeen: new(atomic.Bool),
	}
}

// With returns a derived Logger carrying additional fields, sharing the
// same fatal flag as its parent.
func (l *Logger) With(fields logrus.Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields), fatalSeen: l.fatalSeen}
}

func (l *Logger) Debug(format string, args ...any)   { l.entry.Debugf(format, args...) }
func (l *Logger) Message(format string, args ...any) { l.entry.Infof(format, args...) }
func (l *Logger) Warning(format string, args ...any) { l.entry.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...any)   { l.entry.Errorf(format, args...) }

// Fatal logs at error level and flips the shared run-error flag. It does
// not call os.Exit: propagation policy (spec section 7) is that data-plane
// threads never throw across goroutine boundaries, so only the controller
// reading FatalOccurred decides to terminate the run.
func (l *Logger) Fatal(format string, args ...any) {
	l.entry.Errorf("FATAL: "+format, args...)
	l.fatalSeen.Store(true)
}

// FatalOccurred reports whether any Fatal call has happened on this
// Logger's family since construction.
func (l *Logger) FatalOccurred() bool { return l.fatalSeen.Load() }
