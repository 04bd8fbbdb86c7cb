// Read and write: client-side chunking at max_operation_size, then
// per-chunk distribution striping across servers, fanned out in
// parallel and reduced into the caller's atomic byte counters (spec
// §4.8 "Read and write are chunked at the client").
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package object

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"github.com/julea-io/julea-go/batch"
	"github.com/julea-io/julea-go/internal/cos"
	"github.com/julea-io/julea-go/parallel"
	"github.com/julea-io/julea-go/pool"
	"github.com/julea-io/julea-go/semantics"
	"github.com/julea-io/julea-go/trace"
	"github.com/julea-io/julea-go/wire"
)

type rwChunk struct {
	buf    []byte // write: source bytes; read: destination bytes
	length int64
	offset int64
}

type writeJob struct {
	chunk rwChunk
	out   *uint64
}

// Write chunks data into pieces of at most MaxOperationSize, enqueues
// one batch.Operation per chunk under a private single-call Batch, and
// returns the total bytes acknowledged written (spec §4.8, §8 testable
// property 7).
func (o *Object) Write(ctx context.Context, data []byte, offset int64, sem semantics.Semantics) (uint64, error) {
	span := o.ctx.Tracer().Enter(ctx, "object.Write", "%s/%s off=%d len=%d", o.Namespace, o.Name, offset, len(data))
	defer span.Leave()

	if p, ok := o.ctx.LocalBackend(); ok {
		return o.chunkLocal(ctx, p.Name(), "write", int64(len(data)), offset, func(off, end int64) (int, error) {
			return p.ObjectWrite(ctx, o.Namespace, o.Name, data[off:end], offset+off)
		})
	}

	var bytesWritten uint64
	b := batch.New(sem)
	for _, c := range splitChunks(data, nil, offset, o.ctx.MaxOperationSize()) {
		b.Add(&batch.Operation{Key: o, Exec: o.execWrite, Data: &writeJob{chunk: c, out: &bytesWritten}})
	}
	ok := b.Execute()
	if !ok {
		return atomic.LoadUint64(&bytesWritten), cos.NewTransportError("object.Write", errShortfall)
	}
	return atomic.LoadUint64(&bytesWritten), nil
}

// Read chunks the request the same way as Write and copies each
// server's reply payload into the caller's buf at the right offset.
func (o *Object) Read(ctx context.Context, buf []byte, offset int64, sem semantics.Semantics) (uint64, error) {
	span := o.ctx.Tracer().Enter(ctx, "object.Read", "%s/%s off=%d len=%d", o.Namespace, o.Name, offset, len(buf))
	defer span.Leave()

	if p, ok := o.ctx.LocalBackend(); ok {
		return o.chunkLocal(ctx, p.Name(), "read", int64(len(buf)), offset, func(off, end int64) (int, error) {
			return p.ObjectRead(ctx, o.Namespace, o.Name, buf[off:end], offset+off)
		})
	}

	var bytesRead uint64
	b := batch.New(sem)
	for _, c := range splitChunks(nil, buf, offset, o.ctx.MaxOperationSize()) {
		b.Add(&batch.Operation{Key: o, Exec: o.execRead, Data: &writeJob{chunk: c, out: &bytesRead}})
	}
	ok := b.Execute()
	if !ok {
		return atomic.LoadUint64(&bytesRead), cos.NewTransportError("object.Read", errShortfall)
	}
	return atomic.LoadUint64(&bytesRead), nil
}

// splitChunks divides a (src or dst, offset) range into pieces of at
// most maxOp bytes (spec §4.8, §8 testable property 7: a 4.5x write
// produces 5 sub-ops). Exactly one of src/dst is non-nil.
func splitChunks(src, dst []byte, offset int64, maxOp int64) []rwChunk {
	total := int64(len(src))
	buf := src
	if dst != nil {
		total = int64(len(dst))
		buf = dst
	}
	var chunks []rwChunk
	for off := int64(0); off < total; off += maxOp {
		end := off + maxOp
		if end > total {
			end = total
		}
		chunks = append(chunks, rwChunk{buf: buf[off:end], length: end - off, offset: offset + off})
	}
	return chunks
}

// chunkLocal realizes spec §4.8's co-located bypass: chunk at
// MaxOperationSize and accumulate atomically, same as the wire path, but
// call straight into the Provider instead of building Messages. Each
// chunk is one backend call and gets its own access record (spec §4.10
// "a CSV row is emitted per backend call").
func (o *Object) chunkLocal(ctx context.Context, backendName, op string, total, offset int64, fn func(off, end int64) (int, error)) (uint64, error) {
	maxOp := o.ctx.MaxOperationSize()
	var out uint64
	for off := int64(0); off < total; off += maxOp {
		end := off + maxOp
		if end > total {
			end = total
		}
		rec := o.accessBegin(backendName, op, end-off)
		n, err := fn(off, end)
		rec.End(1, trace.EncodeArgs(map[string]int64{"offset": offset + off, "length": end - off}))
		out += uint64(n)
		if err != nil {
			return out, wrapBackendErrSoft(err)
		}
	}
	return out, nil
}

type writePart struct {
	out       *uint64
	subLength int64
}

// execWrite is the batch.ExecFunc for a run of write chunks against the
// same object (spec §4.8 "Execution of a grouped write on the same
// object"): for each chunk, reset a fresh Distribution, stripe it across
// servers, fold each slice into that server's Message (allocating one on
// first use), then fan the involved servers out in parallel.
func (o *Object) execWrite(ops []*batch.Operation, sem semantics.Semantics) bool {
	byServer := make(map[int]*writeServerWork)
	var totalLen int64
	subOps := 0

	for _, op := range ops {
		job := op.Data.(*writeJob)
		d, err := o.newDistribution()
		if err != nil {
			return false
		}
		d.Reset(job.chunk.length, job.chunk.offset)
		cursor := int64(0)
		for {
			s, ok := d.Distribute()
			if !ok {
				break
			}
			sw, exists := byServer[s.ServerIdx]
			if !exists {
				sw = &writeServerWork{msg: o.newMessage(wire.OpObjectWrite, sem)}
				byServer[s.ServerIdx] = sw
			}
			data := job.chunk.buf[cursor : cursor+s.SubLength]
			cursor += s.SubLength
			sw.msg.AddSend(data, lenOffHeader(s.SubLength, s.SubOffset))
			sw.parts = append(sw.parts, writePart{out: job.out, subLength: s.SubLength})
			totalLen += s.SubLength
			subOps++

			if sem.Safety == semantics.SafetyNone {
				parallel.AddUint64(job.out, uint64(s.SubLength))
			}
		}
	}
	rec := o.accessBegin("object", "write", totalLen)
	ok := fanOutWrite(o.ctx.Pool(), byServer, sem)
	rec.End(subOps, trace.EncodeArgs(map[string]int{"servers": len(byServer)}))
	return ok
}

// execRead is execWrite's read-side counterpart: it frames an
// OBJECT_READ sub-op per slice (no payload to send) and, on reply,
// copies the returned bytes into the caller's destination buffer.
func (o *Object) execRead(ops []*batch.Operation, sem semantics.Semantics) bool {
	type readPart struct {
		dest []byte
		out  *uint64
	}
	type serverWork struct {
		msg   *wire.Message
		parts []readPart
	}
	byServer := make(map[int]*serverWork)
	var totalLen int64
	subOps := 0

	for _, op := range ops {
		job := op.Data.(*writeJob)
		d, err := o.newDistribution()
		if err != nil {
			return false
		}
		d.Reset(job.chunk.length, job.chunk.offset)
		cursor := int64(0)
		for {
			s, ok := d.Distribute()
			if !ok {
				break
			}
			sw, exists := byServer[s.ServerIdx]
			if !exists {
				sw = &serverWork{msg: o.newMessage(wire.OpObjectRead, sem)}
				byServer[s.ServerIdx] = sw
			}
			sw.msg.AddOperation(16)
			sw.msg.Append8(uint64(s.SubLength))
			sw.msg.Append8(uint64(s.SubOffset))
			dest := job.chunk.buf[cursor : cursor+s.SubLength]
			cursor += s.SubLength
			sw.parts = append(sw.parts, readPart{dest: dest, out: job.out})
			totalLen += s.SubLength
			subOps++
		}
	}
	if len(byServer) == 0 {
		return true
	}
	rec := o.accessBegin("object", "read", totalLen)
	defer func() { rec.End(subOps, trace.EncodeArgs(map[string]int{"servers": len(byServer)})) }()

	servers := make([]int, 0, len(byServer))
	for idx := range byServer {
		servers = append(servers, idx)
	}
	p := o.ctx.Pool()
	err := parallel.Execute(context.Background(), len(servers), func(_ context.Context, i int) error {
		idx := servers[i]
		sw := byServer[idx]
		c, derr := p.Pop(pool.Object, idx)
		if derr != nil {
			return derr
		}
		replyHdr, replyBody, serr := c.Send(sw.msg)
		if serr != nil {
			p.Drop(pool.Object, idx, c)
			return serr
		}
		p.Push(pool.Object, idx, c)

		r := wire.NewReader(replyHdr, replyBody)
		for _, part := range sw.parts {
			n := r.Get8()
			copy(part.dest, r.GetN(int(n)))
			parallel.AddUint64(part.out, n)
		}
		return nil
	})
	return err == nil
}

type writeServerWork struct {
	msg   *wire.Message
	parts []writePart
}

func fanOutWrite(p *pool.Pool, byServer map[int]*writeServerWork, sem semantics.Semantics) bool {
	if len(byServer) == 0 {
		return true
	}
	servers := make([]int, 0, len(byServer))
	for idx := range byServer {
		servers = append(servers, idx)
	}
	err := parallel.Execute(context.Background(), len(servers), func(_ context.Context, i int) error {
		idx := servers[i]
		sw := byServer[idx]
		c, derr := p.Pop(pool.Object, idx)
		if derr != nil {
			return derr
		}
		replyHdr, replyBody, serr := c.Send(sw.msg)
		if serr != nil {
			p.Drop(pool.Object, idx, c)
			return serr
		}
		p.Push(pool.Object, idx, c)

		if sem.Safety != semantics.SafetyNone {
			r := wire.NewReader(replyHdr, replyBody)
			for _, part := range sw.parts {
				n := r.Get8()
				parallel.AddUint64(part.out, n)
			}
		}
		return nil
	})
	return err == nil
}

func lenOffHeader(length, offset int64) []byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(length))
	binary.LittleEndian.PutUint64(b[8:16], uint64(offset))
	return b[:]
}

var errShortfall = shortfallErr{}

type shortfallErr struct{}

func (shortfallErr) Error() string { return "not every server acknowledged the request" }
