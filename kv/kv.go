// Package kv implements the KV Engine (spec §4.9, component C9): the
// same batched, message-building skeleton as the distributed-object
// engine, except a key is routed to exactly one server via
// hash(name) mod server_count instead of being striped.
//
// Grounded on the object package's engine shape (itself grounded on the
// teacher's build-per-target-work, fan-out, reduce xaction pattern) and
// on the teacher's bucket-to-target HRW routing in cluster maps —
// simplified here to a plain modulo over a stable hash per spec §4.11.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package kv

import (
	"context"
	"encoding/binary"
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/julea-io/julea-go/backend"
	"github.com/julea-io/julea-go/batch"
	"github.com/julea-io/julea-go/internal/cos"
	"github.com/julea-io/julea-go/parallel"
	"github.com/julea-io/julea-go/pool"
	"github.com/julea-io/julea-go/semantics"
	"github.com/julea-io/julea-go/trace"
	"github.com/julea-io/julea-go/wire"
)

// Context is the narrow slice of client.Context this engine depends on,
// mirroring object.Context (design note 9: explicit Context over global
// singleton).
type Context interface {
	Pool() *pool.Pool
	KVServerCount() int
	LocalKVBackend() (backend.Provider, bool)
	Tracer() *trace.Tracer
	Program() string
}

// Engine is the KV client. It is safe for concurrent use; the tombstone
// filter below is the only mutable state and is mutex-guarded.
type Engine struct {
	ctx Context

	// tombstones records keys this process has deleted and not since
	// re-put, so a repeat get/delete can short-circuit without a round
	// trip. Consulted only under eventual consistency: a cuckoo filter
	// can report a false positive, which eventual semantics tolerate
	// and immediate semantics must not.
	mu         sync.Mutex
	tombstones *cuckoo.Filter
}

// NewEngine builds a KV engine over ctx.
func NewEngine(ctx Context) *Engine {
	return &Engine{ctx: ctx, tombstones: cuckoo.NewFilter(1 << 16)}
}

// route maps a key to its single server (spec §4.9:
// "index = hash(name) mod server_count").
func (e *Engine) route(key string) int {
	n := e.ctx.KVServerCount()
	if n == 0 {
		// co-located-only configuration; the index is never dialed
		return 0
	}
	return int(parallel.Hash(key) % uint32(n))
}

func tombstoneKey(namespace, key string) []byte {
	return append(append([]byte(namespace), 0), key...)
}

func (e *Engine) markDeleted(namespace, key string) {
	e.mu.Lock()
	e.tombstones.Insert(tombstoneKey(namespace, key))
	e.mu.Unlock()
}

func (e *Engine) clearDeleted(namespace, key string) {
	e.mu.Lock()
	e.tombstones.Delete(tombstoneKey(namespace, key))
	e.mu.Unlock()
}

func (e *Engine) deletedHint(namespace, key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tombstones.Lookup(tombstoneKey(namespace, key))
}

// KV is a logical key handle, the per-(namespace, key) analogue of
// object.Object: identity is purely name-based and the handle carries no
// cached value state.
type KV struct {
	e         *Engine
	Namespace string
	Key       string
	server    int
}

// New constructs a key handle. No I/O happens until an operation runs.
func (e *Engine) New(namespace, key string) *KV {
	return &KV{e: e, Namespace: namespace, Key: key, server: e.route(key)}
}

type putJob struct {
	value []byte
	ok    *bool
}

// Put stores value under this key on its routed server (spec §4.9
// "put"). Framing per server: namespace prefix, then one sub-op of
// (name cstring, u64 length, payload) — the payload rides the zero-copy
// send list the same way object writes do.
func (k *KV) Put(ctx context.Context, value []byte, sem semantics.Semantics) error {
	span := k.e.ctx.Tracer().Enter(ctx, "kv.Put", "%s/%s len=%d", k.Namespace, k.Key, len(value))
	defer span.Leave()

	if p, ok := k.e.ctx.LocalKVBackend(); ok {
		rec := k.accessBegin(p.Name(), "put", int64(len(value)))
		err := p.KVPut(ctx, k.Namespace, k.Key, value)
		rec.End(1, "")
		if err != nil {
			return err
		}
		k.e.clearDeleted(k.Namespace, k.Key)
		return nil
	}

	ok := true
	b := batch.New(sem)
	b.Add(&batch.Operation{Key: k, Exec: k.execPut, Data: &putJob{value: value, ok: &ok}})
	if !b.Execute() || !ok {
		return cos.NewBackendError("kv.Put", errNotAcked)
	}
	k.e.clearDeleted(k.Namespace, k.Key)
	return nil
}

// execPut is the batch.ExecFunc for a run of consecutive puts on the
// same handle: all of them fold into one message to the routed server.
func (k *KV) execPut(ops []*batch.Operation, sem semantics.Semantics) bool {
	msg := wire.New(wire.OpKVPut, cos.RandomID(), sem, 0)
	msg.AppendString(k.Namespace)
	jobs := make([]*putJob, 0, len(ops))
	var totalLen int64
	for _, op := range ops {
		job := op.Data.(*putJob)
		jobs = append(jobs, job)
		totalLen += int64(len(job.value))
		msg.AddSend(job.value, putHeader(k.Key, len(job.value)))
	}

	rec := k.accessBegin("kv", "put", totalLen)
	defer func() { rec.End(len(jobs), "") }()

	replyHdr, replyBody, err := k.roundTrip(msg)
	if err != nil {
		return false
	}
	r := wire.NewReader(replyHdr, replyBody)
	result := true
	for _, job := range jobs {
		status := r.Get4()
		*job.ok = *job.ok && status == 1
		result = result && status == 1
	}
	return result
}

// Get fetches the value stored under this key (spec §4.9: "get reads
// the reply payload inline").
func (k *KV) Get(ctx context.Context, sem semantics.Semantics) ([]byte, error) {
	span := k.e.ctx.Tracer().Enter(ctx, "kv.Get", "%s/%s", k.Namespace, k.Key)
	defer span.Leave()

	if sem.Consistency == semantics.ConsistencyEventual && k.e.deletedHint(k.Namespace, k.Key) {
		return nil, cos.NewBackendError("kv.Get", errNotFound)
	}
	if p, ok := k.e.ctx.LocalKVBackend(); ok {
		rec := k.accessBegin(p.Name(), "get", 0)
		v, err := p.KVGet(ctx, k.Namespace, k.Key)
		rec.End(1, "")
		return v, err
	}

	var value []byte
	found := false
	b := batch.New(sem)
	b.Add(&batch.Operation{Key: k, Exec: func(ops []*batch.Operation, sem semantics.Semantics) bool {
		rec := k.accessBegin("kv", "get", 0)
		defer func() { rec.End(1, "") }()
		msg := wire.New(wire.OpKVGet, cos.RandomID(), sem, 0)
		msg.AppendString(k.Namespace)
		msg.AddOperation(len(k.Key) + 1)
		msg.AppendString(k.Key)

		replyHdr, replyBody, err := k.roundTrip(msg)
		if err != nil {
			return false
		}
		if replyHdr.OpCount == 0 {
			return true // key absent; found stays false
		}
		r := wire.NewReader(replyHdr, replyBody)
		n := r.Get8()
		value = append([]byte(nil), r.GetN(int(n))...)
		found = true
		return true
	}})
	if !b.Execute() {
		return nil, cos.NewTransportError("kv.Get", errNotAcked)
	}
	if !found {
		return nil, cos.NewBackendError("kv.Get", errNotFound)
	}
	return value, nil
}

// Delete removes this key from its routed server. A missing key is a
// failed op (false), not an error, matching the object engine's delete
// semantics (spec §4.8/§8 S4).
func (k *KV) Delete(ctx context.Context, sem semantics.Semantics) (bool, error) {
	span := k.e.ctx.Tracer().Enter(ctx, "kv.Delete", "%s/%s", k.Namespace, k.Key)
	defer span.Leave()

	if sem.Consistency == semantics.ConsistencyEventual && k.e.deletedHint(k.Namespace, k.Key) {
		return false, nil
	}
	if p, ok := k.e.ctx.LocalKVBackend(); ok {
		rec := k.accessBegin(p.Name(), "delete", 0)
		err := p.KVDelete(ctx, k.Namespace, k.Key)
		rec.End(1, "")
		if err != nil {
			if cos.IsKind(err, cos.KindBackend) {
				return false, nil
			}
			return false, err
		}
		k.e.markDeleted(k.Namespace, k.Key)
		return true, nil
	}

	deleted := false
	b := batch.New(sem)
	b.Add(&batch.Operation{Key: k, Exec: func(ops []*batch.Operation, sem semantics.Semantics) bool {
		rec := k.accessBegin("kv", "delete", 0)
		defer func() { rec.End(1, "") }()
		msg := wire.New(wire.OpKVDelete, cos.RandomID(), sem, 0)
		msg.AppendString(k.Namespace)
		msg.AddOperation(len(k.Key) + 1)
		msg.AppendString(k.Key)

		replyHdr, replyBody, err := k.roundTrip(msg)
		if err != nil {
			return false
		}
		r := wire.NewReader(replyHdr, replyBody)
		deleted = r.Get4() == 1
		return true
	}})
	if !b.Execute() {
		return false, cos.NewTransportError("kv.Delete", errNotAcked)
	}
	if deleted {
		k.e.markDeleted(k.Namespace, k.Key)
	}
	return deleted, nil
}

// accessBegin opens the per-backend-call access record (spec §4.10);
// backend is the provider name on the co-located path, "kv" on the wire
// path.
func (k *KV) accessBegin(backendName, op string, size int64) *trace.AccessRecord {
	return k.e.ctx.Tracer().AccessBegin(k.e.ctx.Program(), backendName, "client", "",
		k.Namespace, k.Key, op, size)
}

// roundTrip pops the routed server's connection, sends, and pushes it
// back (dropping it on transport error, spec §4.6 "push").
func (k *KV) roundTrip(msg *wire.Message) (wire.Header, []byte, error) {
	p := k.e.ctx.Pool()
	c, err := p.Pop(pool.KV, k.server)
	if err != nil {
		return wire.Header{}, nil, err
	}
	replyHdr, replyBody, err := c.Send(msg)
	if err != nil {
		p.Drop(pool.KV, k.server, c)
		return wire.Header{}, nil, err
	}
	p.Push(pool.KV, k.server, c)
	return replyHdr, replyBody, nil
}

// putHeader frames one put sub-op's fixed part (name cstring, u64
// length); the value itself rides the send list.
func putHeader(key string, valueLen int) []byte {
	hdr := make([]byte, 0, len(key)+9)
	hdr = append(hdr, key...)
	hdr = append(hdr, 0)
	var lenb [8]byte
	binary.LittleEndian.PutUint64(lenb[:], uint64(valueLen))
	return append(hdr, lenb[:]...)
}

var (
	errNotAcked = errString("server did not acknowledge the operation")
	errNotFound = errString("key not found")
)

type errString string

func (e errString) Error() string { return string(e) }
