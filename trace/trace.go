// Package trace implements the cross-cutting observability hook (spec
// §4.10, component C10): scoped function enter/leave, file-operation
// begin/end, counters, and an optional per-access CSV sink. Tracing is
// ambient — per spec §4.10 and §7, it must never alter the control flow
// or return value of any other component.
//
// Grounded on the teacher's core/meta + stats package pairing (a small
// per-call scope helper feeding named Prometheus-style counters/
// histograms) and on api/env's single-struct-of-names pattern for the
// JULEA_TRACE / JULEA_TRACE_FUNCTION environment variables this package
// reads (spec §6).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package trace

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/julea-io/julea-go/internal/cos"
	"github.com/julea-io/julea-go/internal/env"
	"github.com/julea-io/julea-go/internal/nlog"
)

// Mode is the sink bit-flag set (spec §4.10 "{echo, otf, summary,
// access}").
type Mode uint32

const (
	Echo Mode = 1 << iota
	OTF
	Summary
	Access
)

// ParseMode parses a JULEA_TRACE-style comma list (spec §6) into a Mode
// bitmask. Unknown tokens are ignored.
func ParseMode(s string) Mode {
	var m Mode
	for _, tok := range strings.Split(s, ",") {
		switch strings.TrimSpace(tok) {
		case "echo":
			m |= Echo
		case "otf":
			m |= OTF
		case "summary":
			m |= Summary
		case "access":
			m |= Access
		}
	}
	return m
}

// ModeFromEnv reads JULEA_TRACE from the process environment.
func ModeFromEnv() Mode { return ParseMode(os.Getenv(env.Julea.Trace)) }

// FunctionAllowlistFromEnv reads the JULEA_TRACE_FUNCTION glob list
// (spec §6) from the process environment.
func FunctionAllowlistFromEnv() []string {
	v := os.Getenv(env.Julea.TraceFunction)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Tracer owns the active Mode, the function allowlist, per-thread depth
// counters, and the optional access-mode CSV sink. A nil *Tracer is a
// documented no-op: every method on it is safe to call and does nothing,
// so call sites do not need nil checks. A non-nil Tracer with Mode 0
// writes no echo lines and no CSV rows, but still tracks span depth and
// updates its Prometheus counters on every AccessRecord.End.
type Tracer struct {
	mode  uint32 // atomic Mode
	allow []string

	access     *csv.Writer
	accessFile io.Closer
	accessMu   sync.Mutex

	reqCount   *prometheus.CounterVec
	bytesSum   *prometheus.CounterVec
	rpcLatency *prometheus.HistogramVec
}

// New builds a Tracer. accessSinkPath, if non-empty and mode has Access
// set, opens (creating) a CSV file and writes the header row once.
func New(mode Mode, allow []string, accessSinkPath string) (*Tracer, error) {
	t := &Tracer{
		mode:  uint32(mode),
		allow: allow,
		reqCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "julea",
			Name:      "backend_requests_total",
			Help:      "Total backend requests observed by the client core.",
		}, []string{"backend", "op"}),
		bytesSum: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "julea",
			Name:      "backend_bytes_total",
			Help:      "Total bytes transferred per backend op.",
		}, []string{"backend", "op"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "julea",
			Name:      "backend_rpc_latency_seconds",
			Help:      "RPC latency observed by the client core, per backend/op.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "op"}),
	}
	if mode&Access != 0 && accessSinkPath != "" {
		fh, err := os.OpenFile(accessSinkPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cos.NewConfigError("trace.New", err)
		}
		info, _ := fh.Stat()
		w := csv.NewWriter(fh)
		if info == nil || info.Size() == 0 {
			_ = w.Write(accessHeader)
			w.Flush()
		}
		t.access = w
		t.accessFile = fh
	}
	return t, nil
}

var accessHeader = []string{
	"time", "uid", "program", "backend", "type", "path",
	"namespace", "name", "op", "size", "complexity", "duration", "bson_args",
}

// Registerer registers the tracer's counters and latency histogram with
// reg and returns the first registration error. A nil Tracer registers
// nothing.
func (t *Tracer) Registerer(reg prometheus.Registerer) error {
	if t == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{t.reqCount, t.bytesSum, t.rpcLatency} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracer) mask() Mode {
	if t == nil {
		return 0
	}
	return Mode(atomic.LoadUint32(&t.mode))
}

// allowed reports whether name passes the JULEA_TRACE_FUNCTION glob
// allowlist (spec §6); an empty allowlist allows everything.
func (t *Tracer) allowed(name string) bool {
	if t == nil || len(t.allow) == 0 {
		return true
	}
	for _, pat := range t.allow {
		if ok, _ := filepath.Match(pat, name); ok {
			return true
		}
	}
	return false
}

type threadKey struct{}

// threadState is the per-goroutine trace context (spec §4.10 "every
// thread has a private trace context with a current depth and a
// per-thread id string"); Go has no real TLS, so it is carried on
// context.Context instead, per design note 9's Context-threading
// convention.
type threadState struct {
	id    string
	depth int32
}

// WithThread installs a fresh per-"thread" id on ctx, the Go stand-in
// for the source's per-OS-thread trace context.
func WithThread(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadKey{}, &threadState{id: id})
}

func stateOf(ctx context.Context) *threadState {
	if ts, ok := ctx.Value(threadKey{}).(*threadState); ok {
		return ts
	}
	return &threadState{id: "-"}
}

// Span is a scoped function-enter/leave handle returned by Enter.
type Span struct {
	t       *Tracer
	name    string
	depth   int32
	threads *threadState
	start   time.Time
}

// Enter records a function-scope entry (spec §4.10 "scoped enter(name,
// fmt, ...)"). Leave must be called exactly once per Enter, typically via
// defer.
func (t *Tracer) Enter(ctx context.Context, name string, format string, args ...any) *Span {
	if t == nil || !t.allowed(name) {
		return &Span{}
	}
	ts := stateOf(ctx)
	depth := atomic.AddInt32(&ts.depth, 1) - 1
	s := &Span{t: t, name: name, depth: depth, threads: ts, start: time.Now()}
	if t.mask()&Echo != 0 {
		detail := ""
		if format != "" {
			detail = ": " + fmt.Sprintf(format, args...)
		}
		nlog.Infof("%s> [%s] %s%s", strings.Repeat(" ", int(depth)*2), ts.id, name, detail)
	}
	return s
}

// Leave closes a Span opened by Enter (spec §4.10 "leave(trace)").
func (s *Span) Leave() {
	if s == nil || s.t == nil {
		return
	}
	atomic.AddInt32(&s.threads.depth, -1)
	if s.t.mask()&Echo != 0 {
		nlog.Infof("%s< [%s] %s (%s)", strings.Repeat(" ", int(s.depth)*2), s.threads.id, s.name, time.Since(s.start))
	}
}

// AccessRecord is one file-operation begin/end pair (spec §4.10 "In
// 'access' mode, a CSV row is emitted per backend call").
type AccessRecord struct {
	t         *Tracer
	program   string
	backend   string
	typ       string
	path      string
	namespace string
	name      string
	op        string
	size      int64
	start     time.Time
}

// AccessBegin opens a per-backend-call access record (spec §4.10 "file
// operation begin/end"). End must be called once, with a complexity
// hint and any bson-style structured args already rendered to a string.
func (t *Tracer) AccessBegin(program, backend, typ, path, namespace, name, op string, size int64) *AccessRecord {
	if t == nil {
		return nil
	}
	return &AccessRecord{t: t, program: program, backend: backend, typ: typ, path: path,
		namespace: namespace, name: name, op: op, size: size, start: time.Now()}
}

// End records the completed call: always updates the Prometheus
// counters/histogram (spec §4.10 "counters"); emits a CSV row only when
// Access mode is active (spec §4.10 "access mode").
func (r *AccessRecord) End(complexity int, bsonArgs string) {
	if r == nil {
		return
	}
	dur := time.Since(r.start)
	r.t.reqCount.WithLabelValues(r.backend, r.op).Inc()
	r.t.bytesSum.WithLabelValues(r.backend, r.op).Add(float64(r.size))
	r.t.rpcLatency.WithLabelValues(r.backend, r.op).Observe(dur.Seconds())

	if r.t.mask()&Access == 0 || r.t.access == nil {
		return
	}
	row := []string{
		strconv.FormatInt(time.Now().UnixNano(), 10),
		strconv.Itoa(os.Getuid()),
		r.program, r.backend, r.typ, r.path, r.namespace, r.name, r.op,
		strconv.FormatInt(r.size, 10),
		strconv.Itoa(complexity),
		strconv.FormatInt(dur.Nanoseconds(), 10),
		bsonArgs,
	}
	r.t.accessMu.Lock()
	_ = r.t.access.Write(row)
	r.t.access.Flush()
	r.t.accessMu.Unlock()
}

// EncodeArgs renders a structured argument set to the access row's
// bson_args column. Errors degrade to an empty column; tracing never
// alters the control flow of the traced call (spec §4.10).
func EncodeArgs(v any) string {
	if v == nil {
		return ""
	}
	s, err := jsoniter.MarshalToString(v)
	if err != nil {
		return ""
	}
	return s
}

// Close releases the access-mode CSV file handle, if one was opened.
func (t *Tracer) Close() error {
	if t == nil || t.accessFile == nil {
		return nil
	}
	t.access.Flush()
	return t.accessFile.Close()
}
