package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Logger is an interface that has the ability to hide debug/info output.
// Every engine component that touches a device or mutates on-disk state
// takes one of these at construction instead of reaching for a package
// global (see REDESIGN FLAGS on global statics).
type Logger interface {
	Debugf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Printf(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	IsInfoEnabled() bool
	IsDebugEnabled() bool
}

// Progress reports incremental completion of a long-running operation
// (format, recovery scan, directory walk). The worker channel folds the
// wire-level Progress responses into calls against this interface.
type Progress interface {
	Finish(success bool)
	Increment(n int64)
	Percent() float64
}

// ProgressReporter creates Progress trackers.
type ProgressReporter interface {
	NewProgress(label string, total int64) Progress
}

// View bundles a Logger with the ability to create Progress trackers.
type View interface {
	Logger
	ProgressReporter
}

// CLI is a Logger/View backed by logrus. Unlike the GUI shell and CLI
// wrapper (external collaborators), CLI here only ever needs to emit
// lines, not draw a terminal UI: the engine is a library, and the
// human-facing rendering of Progress/Log happens outside it.
type CLI struct {
	IsDebug   bool
	IsVerbose bool

	mu sync.Mutex
}

// Debugf logs at Trace level, gated on IsDebug.
func (log *CLI) Debugf(format string, x ...interface{}) {
	if log.IsDebug {
		logrus.Tracef(format, x...)
	}
}

// Errorf logs at Error level.
func (log *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

// Infof logs at Debug level, gated on IsVerbose.
func (log *CLI) Infof(format string, x ...interface{}) {
	if log.IsVerbose {
		logrus.Debugf(format, x...)
	}
}

// Printf logs at Info level unconditionally.
func (log *CLI) Printf(format string, x ...interface{}) {
	logrus.Printf(format, x...)
}

// Warnf logs at Warn level.
func (log *CLI) Warnf(format string, x ...interface{}) {
	logrus.Warnf(format, x...)
}

// IsInfoEnabled reports whether Info-level logging is active.
func (log *CLI) IsInfoEnabled() bool {
	return logrus.IsLevelEnabled(logrus.InfoLevel)
}

// IsDebugEnabled reports whether Debug-level logging is active.
func (log *CLI) IsDebugEnabled() bool {
	return logrus.IsLevelEnabled(logrus.DebugLevel)
}

// NewProgress returns a Progress tracker that logs milestones instead of
// drawing a bar; the label is included so concurrent operations stay
// distinguishable in the log stream.
func (log *CLI) NewProgress(label string, total int64) Progress {
	return &lineProgress{log: log, label: label, total: total, started: time.Now()}
}

type lineProgress struct {
	log     *CLI
	label   string
	total   int64
	done    int64
	started time.Time
	mu      sync.Mutex
}

func (p *lineProgress) Increment(n int64) {
	p.mu.Lock()
	p.done += n
	done, total := p.done, p.total
	p.mu.Unlock()

	if total > 0 {
		p.log.Debugf("%s: %s / %s (%.1f%%)", p.label, humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total)), p.Percent())
	} else {
		p.log.Debugf("%s: %s", p.label, humanize.Bytes(uint64(done)))
	}
}

func (p *lineProgress) Percent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.total == 0 {
		return 0
	}
	return 100 * float64(p.done) / float64(p.total)
}

func (p *lineProgress) Finish(success bool) {
	elapsed := time.Since(p.started)
	if success {
		p.log.Infof("%s: done in %s", p.label, elapsed)
	} else {
		p.log.Warnf("%s: aborted after %s", p.label, elapsed)
	}
}
