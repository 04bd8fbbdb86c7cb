// Package parallel provides the fan-out and bucketing helpers (C11)
// shared by the object and kv engines: an atomic accumulate-into-counter
// primitive for concurrent reply processing, a join-on-exit worker
// fan-out, and the hash function used to route keys to servers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package parallel

import (
	"context"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"golang.org/x/sync/errgroup"
)

// AddUint64 atomically adds delta to *dst and returns the new value.
// Used by fan-out workers to accumulate per-server byte counts into a
// caller-owned bytes_read/bytes_written output (spec §4.8, §4.11):
// multiple server completions may land concurrently, and the result
// must not depend on their arrival order.
func AddUint64(dst *uint64, delta uint64) uint64 {
	return atomic.AddUint64(dst, delta)
}

// AddInt64 is AddUint64's signed counterpart, for int64 counters. The
// object engine's status reduction calls atomic.AddInt64 directly
// rather than this helper.
func AddInt64(dst *int64, delta int64) int64 {
	return atomic.AddInt64(dst, delta)
}

// MaxInt64 atomically sets *dst to the larger of its current value and
// v, retrying under CAS until it wins or the current value already
// dominates. Used to reduce per-server modification times with "latest
// wins" (spec §4.8 status reduction).
func MaxInt64(dst *int64, v int64) {
	for {
		cur := atomic.LoadInt64(dst)
		if v <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(dst, cur, v) {
			return
		}
	}
}

// AndBool reduces the running aggregate result at *dst with v via AND,
// the boolean reduction spec §4.7 requires across a batch's per-run
// dispatch results, implemented with the same CAS-retry shape as
// MaxInt64 so it is also safe for concurrent fan-out workers to call
// (spec §4.8 step 3 reduces per-server dispatch results the same way).
func AndBool(dst *atomic.Bool, v bool) {
	for {
		cur := dst.Load()
		next := cur && v
		if dst.CompareAndSwap(cur, next) || next == cur {
			return
		}
	}
}

// Execute runs one task per element of work concurrently, in a fresh
// errgroup.Group, and blocks until every task has returned (spec §4.11
// execute_parallel / design note "parallel fan-out": join-on-exit, no
// dependency on task completion order). The first non-nil error is
// returned after every task has finished; ctx is cancelled for the
// remaining tasks as soon as one fails, matching errgroup.WithContext.
func Execute(ctx context.Context, n int, task func(ctx context.Context, i int) error) error {
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error { return task(gctx, i) })
	}
	return group.Wait()
}

// Hash is the stable, platform-independent hash used for KV routing
// (spec §4.11, §4.9): index = Hash(key) % server_count.
func Hash(s string) uint32 {
	return uint32(xxhash.ChecksumString64S(s, 0))
}
