// Package nlog is the core's logger: leveled, depth-aware, and cheap when
// quiet. Grounded on the teacher's cmn/nlog, trimmed down from a rotating
// multi-file daemon logger to a single writer suitable for a client library
// (no daemon here ever runs long enough to need log rotation).
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type severity int32

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

func (s severity) String() string {
	switch s {
	case sevWarn:
		return "W"
	case sevErr:
		return "E"
	default:
		return "I"
	}
}

var (
	mu      sync.Mutex
	out     io.Writer = os.Stderr
	level   int32     // FastV gate, see SetLevel
	modules int32     // bit-flags gate, see SetModules
)

// SetOutput redirects all log lines; tests use this to capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

// SetLevel sets the minimum verbosity that FastV lets through.
func SetLevel(v int) { atomic.StoreInt32(&level, int32(v)) }

// SetModules sets the bit-flags FastV uses as an OR-gate alongside level.
func SetModules(fl int) { atomic.StoreInt32(&modules, int32(fl)) }

// FastV mirrors the teacher's cmn.Rom.FastV: true if either the configured
// level meets verbosity, or the module bit-flags intersect fl.
func FastV(verbosity, fl int) bool {
	return int(atomic.LoadInt32(&level)) >= verbosity || int(atomic.LoadInt32(&modules))&fl != 0
}

func log(sev severity, depth int, format string, args ...any) {
	var msg string
	if format == "" {
		msg = fmt.Sprintln(args...)
	} else {
		msg = fmt.Sprintf(format, args...)
		if len(msg) == 0 || msg[len(msg)-1] != '\n' {
			msg += "\n"
		}
	}
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		file, line = "???", 0
	} else {
		file = shortFile(file)
	}
	mu.Lock()
	fmt.Fprintf(out, "%s %s %s:%d] %s", time.Now().Format("15:04:05.000000"), sev, file, line, msg)
	mu.Unlock()
}

func shortFile(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "%s", fmt.Sprintln(args...)) }
func Infoln(args ...any)                  { log(sevInfo, 0, "%s", fmt.Sprintln(args...)) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "%s", fmt.Sprintln(args...)) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "%s", fmt.Sprintln(args...)) }
func Errorln(args ...any)                 { log(sevErr, 0, "%s", fmt.Sprintln(args...)) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

// Flush is a no-op kept for API parity with the teacher's nlog: this
// logger writes synchronously, so there is nothing buffered to drain.
func Flush(...bool) {}
