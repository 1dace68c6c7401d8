/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Logging
 */

// Package mtplog implements the fluent, level-masked logger every
// mtpgo component is handed at construction time. It keeps the
// teacher daemon's fluent-builder call shape and bitmask LogLevel
// (logger.go) but is backed by logrus rather than hand-rolled file
// rotation, since logrus is the library this corpus reaches for.
package mtplog

import (
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"
)

// LogLevel enumerates possible log levels as a bit mask. Cc expands a
// mask so that LogDebug implies LogInfo implies LogError, and both
// trace bits imply LogDebug; elsewhere a mask is used as given.
type LogLevel int

const (
	LogError LogLevel = 1 << iota
	LogInfo
	LogDebug
	LogTraceUSB
	LogTraceProto

	LogTraceAll = LogTraceUSB | LogTraceProto
	LogAll      = LogError | LogInfo | LogDebug | LogTraceAll
)

// Logger is a per-component logging handle: a logrus entry plus a
// level mask and an optional list of carbon-copy targets.
type Logger struct {
	entry *logrus.Entry
	mask  LogLevel
	cc    []ccTarget
}

type ccTarget struct {
	mask LogLevel
	to   *Logger
}

// New creates a root Logger writing through base at the given level
// mask. base is typically logrus.StandardLogger() or a per-process
// logrus.Logger configured by the caller (JSON formatter, output
// file, and so on); mtplog does not itself own output configuration.
func New(base *logrus.Logger, mask LogLevel) *Logger {
	return &Logger{entry: logrus.NewEntry(base), mask: mask}
}

// WithField returns a derived Logger that attaches key=value to every
// line, the way a per-device logger is derived from a process-level
// one (grounded in device.go's per-Device Log field).
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value), mask: l.mask, cc: l.cc}
}

// Cc registers a second Logger to receive a filtered carbon copy of
// every line whose level matches mask, expanding implied bits exactly
// as the teacher's Cc() does.
func (l *Logger) Cc(mask LogLevel, to *Logger) {
	if mask&LogTraceAll != 0 {
		mask |= LogDebug
	}
	if mask&LogDebug != 0 {
		mask |= LogInfo
	}
	if mask&LogInfo != 0 {
		mask |= LogError
	}
	l.cc = append(l.cc, ccTarget{mask, to})
}

func (l *Logger) emit(level LogLevel, line string) {
	if l.mask&level == 0 {
		return
	}

	switch {
	case level&LogError != 0:
		l.entry.Error(line)
	case level&LogInfo != 0:
		l.entry.Info(line)
	default:
		l.entry.Debug(line)
	}

	for _, cc := range l.cc {
		if cc.mask&level != 0 {
			cc.to.emit(level, line)
		}
	}
}

// Error logs a LogError line.
func (l *Logger) Error(format string, args ...interface{}) {
	l.emit(LogError, fmt.Sprintf(format, args...))
}

// Info logs a LogInfo line.
func (l *Logger) Info(format string, args ...interface{}) {
	l.emit(LogInfo, fmt.Sprintf(format, args...))
}

// Debug logs a LogDebug line.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.emit(LogDebug, fmt.Sprintf(format, args...))
}

// TraceUSB logs a LogTraceUSB line, used for raw bulk/interrupt
// transfer tracing.
func (l *Logger) TraceUSB(format string, args ...interface{}) {
	l.emit(LogTraceUSB, fmt.Sprintf(format, args...))
}

// TraceProto logs a LogTraceProto line, used for PTP container and
// transaction tracing.
func (l *Logger) TraceProto(format string, args ...interface{}) {
	l.emit(LogTraceProto, fmt.Sprintf(format, args...))
}

// HexDump emits a 16-bytes-per-line hex/ASCII dump at the given
// level, generalized from the teacher's log_dump/HexDump helpers
// (log.go, logger.go) to work against the new Logger.
func (l *Logger) HexDump(level LogLevel, data []byte) {
	if l.mask&level == 0 {
		return
	}

	off := 0
	for len(data) > 0 {
		sz := len(data)
		if sz > 16 {
			sz = 16
		}

		chunk := data[:sz]
		dump := hex.EncodeToString(chunk)

		chr := make([]byte, sz)
		for i, c := range chunk {
			if c >= 0x20 && c < 0x80 {
				chr[i] = c
			} else {
				chr[i] = '.'
			}
		}

		l.emit(level, fmt.Sprintf("%4.4x: %-32s %s", off, dump, chr))

		off += sz
		data = data[sz:]
	}
}
