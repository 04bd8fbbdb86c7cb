// Package batch implements the deferred operation queue (spec §4.7,
// component C7): operations are added to a Batch, then Execute groups
// consecutive same-key-same-exec operations into runs and dispatches
// each run once.
//
// Grounded on design note 9's "Opaque void* key on Operation: only
// identity-compared for grouping" and on the teacher's xaction/runner
// pattern of collecting work items and running them through a shared
// entry point (core/xaction doesn't batch client RPCs, but its
// queue-then-run shape is the closest teacher analogue to this
// component, which has no direct counterpart in an HTTP-object-store
// client).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package batch

import (
	"reflect"

	"github.com/julea-io/julea-go/semantics"
)

// ExecFunc runs one run of operations sharing the same Key and ExecFunc
// identity, under sem, returning the run's aggregate success (spec §4.7
// "call run.exec(run.ops, batch.semantics)").
type ExecFunc func(ops []*Operation, sem semantics.Semantics) bool

// FreeFunc releases an operation's Data after the batch has dispatched
// it, regardless of outcome (spec §3 "freed by the batch after execute
// regardless of outcome").
type FreeFunc func(data any)

// Operation is one queued unit of work (spec §3): it lives inside
// exactly one Batch, is transferred to the batch on Add, and is freed by
// the batch after Execute. Key is opaque and compared for grouping by
// Go's built-in == (pointers, strings, and other comparable types all
// work; the object and kv engines key on the logical object/namespace
// identity they operate on).
type Operation struct {
	Key  any
	Exec ExecFunc
	Free FreeFunc
	Data any
}

// Batch is an ordered queue of Operations plus one Semantics value
// (spec §3). A Batch is single-owner and not reused after Execute.
type Batch struct {
	sem semantics.Semantics
	ops []*Operation
}

// New creates an empty Batch under sem.
func New(sem semantics.Semantics) *Batch {
	return &Batch{sem: sem}
}

// Add queues op, taking ownership of it (spec §4.7 "add(batch, op) takes
// ownership of op and queues it").
func (b *Batch) Add(op *Operation) {
	b.ops = append(b.ops, op)
}

// Len reports the number of queued operations.
func (b *Batch) Len() int { return len(b.ops) }

// sameRun reports whether two operations belong in the same dispatch
// run: both their Key (by ==) and their Exec function (by code pointer,
// since Go func values are not otherwise comparable) must match (spec
// §4.7 "boundary is crossed whenever either exec or key differs").
func sameRun(a, b *Operation) bool {
	if a.Key != b.Key {
		return false
	}
	return reflect.ValueOf(a.Exec).Pointer() == reflect.ValueOf(b.Exec).Pointer()
}

// Execute walks the queue left to right, dispatches each maximal run of
// consecutive same-key-same-exec operations once, frees every operation
// regardless of outcome, and returns the AND of all run results (spec
// §4.7). Callers with many operations against the same logical object
// get automatic batching because they reuse the same object pointer as
// Key (spec §4.7 final paragraph).
func (b *Batch) Execute() bool {
	result := true
	i := 0
	for i < len(b.ops) {
		j := i + 1
		for j < len(b.ops) && sameRun(b.ops[i], b.ops[j]) {
			j++
		}
		run := b.ops[i:j]
		if !run[0].Exec(run, b.sem) {
			result = false
		}
		i = j
	}
	for _, op := range b.ops {
		if op.Free != nil {
			op.Free(op.Data)
		}
	}
	return result
}
