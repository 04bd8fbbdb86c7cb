// Namespace enumeration: get_all and get_by_prefix fan out to every kv
// server (keys are hashed across all of them) and merge the replies
// into a lazy Iterator (spec §4.9: "iterators are lazy sequences of
// (name, bytes) tuples, finite, not restartable").
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package kv

import (
	"context"
	"sort"

	"github.com/julea-io/julea-go/internal/cos"
	"github.com/julea-io/julea-go/parallel"
	"github.com/julea-io/julea-go/pool"
	"github.com/julea-io/julea-go/semantics"
	"github.com/julea-io/julea-go/wire"
)

// Iterator yields (name, value) pairs from one enumeration. Decoding is
// deferred: each reply body is parsed only as Next consumes it. Not
// restartable and not safe for concurrent use.
type Iterator struct {
	replies []reply
	cur     *wire.Reader
	curLeft uint32
}

type reply struct {
	hdr  wire.Header
	body []byte
}

// Next returns the next pair, or ok=false when the sequence is
// exhausted.
func (it *Iterator) Next() (name string, value []byte, ok bool) {
	for it.cur == nil || it.curLeft == 0 {
		if len(it.replies) == 0 {
			return "", nil, false
		}
		r := it.replies[0]
		it.replies = it.replies[1:]
		it.cur = wire.NewReader(r.hdr, r.body)
		it.curLeft = r.hdr.OpCount
	}
	it.curLeft--
	name = it.cur.GetString()
	n := it.cur.Get8()
	value = it.cur.GetN(int(n))
	return name, value, true
}

// GetAll enumerates every key in namespace (spec §4.9 "get_all").
func (e *Engine) GetAll(ctx context.Context, namespace string, sem semantics.Semantics) (*Iterator, error) {
	return e.enumerate(ctx, wire.OpKVGetAll, namespace, "", sem)
}

// GetByPrefix enumerates keys in namespace starting with prefix (spec
// §4.9 "get_by_prefix").
func (e *Engine) GetByPrefix(ctx context.Context, namespace, prefix string, sem semantics.Semantics) (*Iterator, error) {
	return e.enumerate(ctx, wire.OpKVGetByPrefix, namespace, prefix, sem)
}

func (e *Engine) enumerate(ctx context.Context, opType wire.OpType, namespace, prefix string, sem semantics.Semantics) (*Iterator, error) {
	span := e.ctx.Tracer().Enter(ctx, "kv.enumerate", "%s prefix=%q", namespace, prefix)
	defer span.Leave()

	if p, ok := e.ctx.LocalKVBackend(); ok {
		rec := e.ctx.Tracer().AccessBegin(e.ctx.Program(), p.Name(), "client", "",
			namespace, prefix, "get_by_prefix", 0)
		pairs, err := p.KVGetByPrefix(ctx, namespace, prefix)
		rec.End(len(pairs), "")
		if err != nil {
			return nil, err
		}
		return iteratorFromMap(pairs), nil
	}

	servers := e.ctx.KVServerCount()
	pl := e.ctx.Pool()
	rec := e.ctx.Tracer().AccessBegin(e.ctx.Program(), "kv", "client", "",
		namespace, prefix, "get_by_prefix", 0)
	defer func() { rec.End(servers, "") }()
	replies := make([]reply, servers)

	err := parallel.Execute(ctx, servers, func(ctx context.Context, i int) error {
		msg := wire.New(opType, cos.RandomID(), sem, 0)
		msg.AppendString(namespace)
		if opType == wire.OpKVGetByPrefix {
			msg.AddOperation(len(prefix) + 1)
			msg.AppendString(prefix)
		} else {
			msg.AddOperation(0)
		}

		c, derr := pl.Pop(pool.KV, i)
		if derr != nil {
			return derr
		}
		hdr, body, serr := c.Send(msg)
		if serr != nil {
			pl.Drop(pool.KV, i, c)
			return serr
		}
		pl.Push(pool.KV, i, c)

		replies[i] = reply{hdr: hdr, body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Iterator{replies: replies}, nil
}

// iteratorFromMap adapts a co-located backend's materialized result to
// the Iterator shape, sorted for deterministic order (the wire path's
// order is per-server reply order; local callers get the stronger
// guarantee for free).
func iteratorFromMap(pairs map[string][]byte) *Iterator {
	names := make([]string, 0, len(pairs))
	for name := range pairs {
		names = append(names, name)
	}
	sort.Strings(names)

	msg := wire.New(wire.OpKVGetAll, 0, semantics.Default(), 0)
	for _, name := range names {
		v := pairs[name]
		msg.AddOperation(len(name) + 1 + 8 + len(v))
		msg.AppendString(name)
		msg.Append8(uint64(len(v)))
		msg.AppendN(v)
	}
	hdr := msg.Finalize()
	return &Iterator{replies: []reply{{hdr: hdr, body: msg.Body()}}}
}
