// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package gcmonitor receives lifecycle events of garbage collection passes:
// phase messages, warnings, errors, skipped passes and completed compactions.
//
// Callers that do not care about GC events pass Empty. LogMonitor forwards
// events to a logrus logger, and Multi fans events out to several monitors.
package gcmonitor

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Monitor receives GC lifecycle events. Implementations must be safe for
// concurrent use.
type Monitor interface {
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(msg string, err error)
	// Skipped is called when a pass is not run, for example on lack of space.
	Skipped(format string, args ...interface{})
	// Compacted is called after a pass committed a new compacted head.
	Compacted()
	// Cleaned is called after a cleanup phase reclaimed space.
	Cleaned(reclaimed, current int64)
	// UpdateStatus reports the current GC phase.
	UpdateStatus(status string)
}

type empty struct{}

func (empty) Info(string, ...interface{})    {}
func (empty) Warn(string, ...interface{})    {}
func (empty) Error(string, error)            {}
func (empty) Skipped(string, ...interface{}) {}
func (empty) Compacted()                     {}
func (empty) Cleaned(int64, int64)           {}
func (empty) UpdateStatus(string)            {}

// Empty discards all events.
var Empty Monitor = empty{}

// LogMonitor writes GC events to a logrus logger.
type LogMonitor struct {
	logger logrus.FieldLogger

	mu     sync.Mutex
	status string
}

// NewLogMonitor creates a monitor logging through logger.
func NewLogMonitor(logger logrus.FieldLogger) *LogMonitor {
	return &LogMonitor{logger: logger.WithField("component", "gc")}
}

func (l *LogMonitor) Info(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

func (l *LogMonitor) Warn(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *LogMonitor) Error(msg string, err error) {
	l.logger.WithError(err).Error(msg)
}

func (l *LogMonitor) Skipped(format string, args ...interface{}) {
	l.logger.WithField("action", "skipped").Infof(format, args...)
}

func (l *LogMonitor) Compacted() {
	l.logger.WithField("action", "compacted").Info("compaction committed")
}

func (l *LogMonitor) Cleaned(reclaimed, current int64) {
	l.logger.WithFields(logrus.Fields{
		"action":    "cleaned",
		"reclaimed": reclaimed,
		"current":   current,
	}).Info("cleanup completed")
}

func (l *LogMonitor) UpdateStatus(status string) {
	l.mu.Lock()
	l.status = status
	l.mu.Unlock()
	l.logger.WithField("status", status).Debug("gc status")
}

// Status returns the last status reported.
func (l *LogMonitor) Status() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

type multi []Monitor

// Multi returns a monitor forwarding every event to each of monitors.
func Multi(monitors ...Monitor) Monitor {
	var m multi
	for _, mon := range monitors {
		if mon != nil && mon != Empty {
			m = append(m, mon)
		}
	}
	switch len(m) {
	case 0:
		return Empty
	case 1:
		return m[0]
	}
	return m
}

func (m multi) Info(format string, args ...interface{}) {
	for _, mon := range m {
		mon.Info(format, args...)
	}
}

func (m multi) Warn(format string, args ...interface{}) {
	for _, mon := range m {
		mon.Warn(format, args...)
	}
}

func (m multi) Error(msg string, err error) {
	for _, mon := range m {
		mon.Error(msg, err)
	}
}

func (m multi) Skipped(format string, args ...interface{}) {
	for _, mon := range m {
		mon.Skipped(format, args...)
	}
}

func (m multi) Compacted() {
	for _, mon := range m {
		mon.Compacted()
	}
}

func (m multi) Cleaned(reclaimed, current int64) {
	for _, mon := range m {
		mon.Cleaned(reclaimed, current)
	}
}

func (m multi) UpdateStatus(status string) {
	for _, mon := range m {
		mon.UpdateStatus(status)
	}
}

// Recorder keeps every event in memory. It is meant for tests and tools
// that display the history of a pass.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *Recorder) add(kind, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+": "+msg)
}

// Events returns the recorded events in arrival order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *Recorder) Info(format string, args ...interface{}) {
	r.add("info", fmt.Sprintf(format, args...))
}

func (r *Recorder) Warn(format string, args ...interface{}) {
	r.add("warn", fmt.Sprintf(format, args...))
}

func (r *Recorder) Error(msg string, err error) {
	r.add("error", fmt.Sprintf("%s: %v", msg, err))
}

func (r *Recorder) Skipped(format string, args ...interface{}) {
	r.add("skipped", fmt.Sprintf(format, args...))
}

func (r *Recorder) Compacted() { r.add("compacted", "") }

func (r *Recorder) Cleaned(reclaimed, current int64) {
	r.add("cleaned", fmt.Sprintf("reclaimed=%d current=%d", reclaimed, current))
}

func (r *Recorder) UpdateStatus(status string) { r.add("status", status) }
