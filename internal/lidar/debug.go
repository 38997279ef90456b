// Package lidar holds the logging streams shared by the localizer layers.
//
// Four streams are kept apart so that operators can route them
// independently: Ops for actionable lifecycle events and failures, Diag for
// tuning context such as registration scores, Trace for per-scan and
// per-datagram telemetry, and Cycle for one record per registration cycle
// that can be tailed or grepped after a run.
package lidar

import (
	"io"
	"log"
	"sync"
)

// Stream identifies one logging stream.
type Stream int

const (
	StreamOps Stream = iota
	StreamDiag
	StreamTrace
	StreamCycle
	numStreams
)

var streamPrefixes = [numStreams]string{
	StreamOps:   "[localizer] ",
	StreamDiag:  "[localizer] ",
	StreamTrace: "[localizer] ",
	StreamCycle: "[cycle] ",
}

// LogWriters holds the io.Writers for each logging stream. A nil writer
// disables its stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
	Cycle io.Writer
}

var (
	mu      sync.RWMutex
	loggers [numStreams]*log.Logger
)

// SetLogWriters replaces every stream at once.
func SetLogWriters(w LogWriters) {
	writers := [numStreams]io.Writer{
		StreamOps:   w.Ops,
		StreamDiag:  w.Diag,
		StreamTrace: w.Trace,
		StreamCycle: w.Cycle,
	}
	mu.Lock()
	defer mu.Unlock()
	for s, out := range writers {
		loggers[s] = nil
		if out != nil {
			loggers[s] = log.New(out, streamPrefixes[s], log.LstdFlags|log.Lmicroseconds)
		}
	}
}

// SetLegacyLogger routes every stream to w. Pass nil to disable logging.
func SetLegacyLogger(w io.Writer) {
	SetLogWriters(LogWriters{Ops: w, Diag: w, Trace: w, Cycle: w})
}

// Enabled reports whether s has a writer. Callers use it to skip building
// expensive arguments.
func Enabled(s Stream) bool {
	mu.RLock()
	defer mu.RUnlock()
	return loggers[s] != nil
}

func logf(s Stream, format string, args []interface{}) {
	mu.RLock()
	l := loggers[s]
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Opsf logs actionable warnings, errors and lifecycle events.
func Opsf(format string, args ...interface{}) { logf(StreamOps, format, args) }

// Diagf logs day-to-day diagnostics and tuning context.
func Diagf(format string, args ...interface{}) { logf(StreamDiag, format, args) }

// Tracef logs high-frequency scan and datagram telemetry.
func Tracef(format string, args ...interface{}) { logf(StreamTrace, format, args) }

// Cyclef logs one registration cycle record.
func Cyclef(format string, args ...interface{}) { logf(StreamCycle, format, args) }

// TraceEnabled reports whether the trace stream has a writer.
func TraceEnabled() bool { return Enabled(StreamTrace) }
