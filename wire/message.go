// Package wire implements the framed wire protocol (spec §4.4, §6,
// component C4): a fixed 20-byte header, an append-only body of typed
// sub-operations, and an optional list of zero-copy RMA send buffers.
//
// Grounded on the teacher's transport/pdu.go and transport/api.go
// read/write-offset bookkeeping style (roff/woff over a reusable byte
// buffer) and on cmn/cos's little-endian primitive helpers; the exact
// field layout and growth-factor formula are this spec's own (§4.4,
// §6), since the teacher's own wire format (HTTP header + object
// stream) has no direct analogue to frame.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"encoding/binary"
	"math"

	"github.com/julea-io/julea-go/internal/debug"
	"github.com/julea-io/julea-go/semantics"
)

// OpType enumerates the framed operation kinds (spec §6 header "op_type").
type OpType uint32

const (
	OpPing OpType = iota
	OpObjectCreate
	OpObjectDelete
	OpObjectRead
	OpObjectWrite
	OpObjectStatus
	OpObjectSync
	OpKVPut
	OpKVGet
	OpKVDelete
	OpKVGetAll
	OpKVGetByPrefix
	OpKVIterate
)

// HeaderSize is the fixed 20-byte header size (spec §6).
const HeaderSize = 20

// Header is the 20-byte little-endian wire header (spec §6).
type Header struct {
	Length        uint32 // body length, excluding header
	ID            uint32 // random correlator; a reply carries the same ID as its request
	SemanticsBits uint32 // packed semantics.Semantics
	OpType        OpType
	OpCount       uint32 // number of framed sub-operations
}

func (h Header) Marshal() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:4], h.Length)
	binary.LittleEndian.PutUint32(b[4:8], h.ID)
	binary.LittleEndian.PutUint32(b[8:12], h.SemanticsBits)
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.OpType))
	binary.LittleEndian.PutUint32(b[16:20], h.OpCount)
	return b
}

func UnmarshalHeader(b []byte) Header {
	debug.Assert(len(b) >= HeaderSize)
	return Header{
		Length:        binary.LittleEndian.Uint32(b[0:4]),
		ID:            binary.LittleEndian.Uint32(b[4:8]),
		SemanticsBits: binary.LittleEndian.Uint32(b[8:12]),
		OpType:        OpType(binary.LittleEndian.Uint32(b[12:16])),
		OpCount:       binary.LittleEndian.Uint32(b[16:20]),
	}
}

// RMADescriptor is the inline 24-byte RMA buffer descriptor (spec §3,
// §6): addr/size/key, one-sided-read coordinates for a registered
// memory region. Always embedded 8-byte aligned.
type RMADescriptor struct {
	Addr uint64
	Size uint64
	Key  uint64
}

const rmaDescriptorSize = 24

func (d RMADescriptor) marshal(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint64(b[8:16], d.Size)
	binary.LittleEndian.PutUint64(b[16:24], d.Key)
}

func unmarshalRMADescriptor(b []byte) RMADescriptor {
	return RMADescriptor{
		Addr: binary.LittleEndian.Uint64(b[0:8]),
		Size: binary.LittleEndian.Uint64(b[8:16]),
		Key:  binary.LittleEndian.Uint64(b[16:24]),
	}
}

// SendBuffer is one zero-copy side-buffer registered via AddSend (spec
// §4.4): the bytes are never copied into the message body, only an RMA
// descriptor referencing them is. The caller must keep Data alive until
// the connection's send-completion fires (spec §3 invariant).
type SendBuffer struct {
	Data   []byte
	Header []byte // caller-supplied per-op header, packed or referenced per spec §4.4
}

// minCapacity is the minimum reserved body capacity on New (spec §4.4:
// "a capacity of max(256, hint_len) is reserved").
const minCapacity = 256

// Message is the append-only framed wire PDU (spec §3, §4.4). Messages
// are built write-only via the Add*/Append* methods, then either sent
// (conn package) or, on the receive side, read back via the Get*
// methods in the same order they were written.
type Message struct {
	opType  OpType
	id      uint32
	sem     semantics.Semantics
	opCount uint32
	body    []byte
	current int
	sends   []SendBuffer

	refs int32 // reference count, adjusted only by Ref/Unref
}

// New allocates a Message for opType with an initial capacity hint
// (spec §4.4 "new(op_type, hint_len)").
func New(opType OpType, id uint32, sem semantics.Semantics, hintLen int) *Message {
	cap := hintLen
	if cap < minCapacity {
		cap = minCapacity
	}
	return &Message{
		opType: opType,
		id:     id,
		sem:    sem,
		body:   make([]byte, 0, cap),
		refs:   1,
	}
}

func (m *Message) ID() uint32           { return m.id }
func (m *Message) OpType() OpType       { return m.opType }
func (m *Message) OpCount() uint32      { return m.opCount }
func (m *Message) Sends() []SendBuffer  { return m.sends }
func (m *Message) BodyLen() int         { return len(m.body) }
func (m *Message) Semantics() semantics.Semantics { return m.sem }

// Ref/Unref implement the scoped strong-reference-count ownership design
// note 9 calls for in place of the C original's manual inc/dec (spec
// §4.4 "messages are reference-counted"). They only adjust the count;
// nothing acts on it. Replies are not Messages holding a ref to their
// request: conn returns a reply as its header and body.
func (m *Message) Ref() *Message { m.refs++; return m }
func (m *Message) Unref()        { m.refs-- }

// growthFactor implements spec §4.4's amortized regrowth formula:
// max(1, 10^floor(log10(op_count))).
func growthFactor(opCount uint32) int {
	if opCount < 10 {
		return 1
	}
	return int(math.Pow(10, math.Floor(math.Log10(float64(opCount)))))
}

// canAppend is spec §4.4's can_append(n) bound check against the
// message's allocated capacity, growing the backing array by
// growthFactor(op_count) slots worth of headroom when the immediate
// append would overflow it — the arithmetic regrowth §3 calls for, so
// that a run of add_operation + append_n calls within one sub-op amortize
// their reallocations.
func (m *Message) canAppend(n int) {
	need := len(m.body) + n
	if need <= cap(m.body) {
		return
	}
	grown := cap(m.body)
	step := growthFactor(m.opCount) * n
	for grown < need {
		grown += step
	}
	nb := make([]byte, len(m.body), grown)
	copy(nb, m.body)
	m.body = nb
}

// AddOperation both increments OpCount and ensures capacity for a sub-op
// of opLen bytes plus any Append* calls that immediately follow (spec
// §4.4 "add_operation(op_len)").
func (m *Message) AddOperation(opLen int) {
	m.canAppend(opLen)
	m.opCount++
}

func (m *Message) Append1(v uint8) {
	m.canAppend(1)
	m.body = append(m.body, v)
	m.current += 1
}

func (m *Message) Append4(v uint32) {
	m.canAppend(4)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.body = append(m.body, b[:]...)
	m.current += 4
}

func (m *Message) Append8(v uint64) {
	m.canAppend(8)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.body = append(m.body, b[:]...)
	m.current += 8
}

func (m *Message) AppendN(data []byte) {
	m.canAppend(len(data))
	m.body = append(m.body, data...)
	m.current += len(data)
}

// AppendString appends a NUL-terminated cstring (spec §6 "name cstring").
func (m *Message) AppendString(s string) {
	m.canAppend(len(s) + 1)
	m.body = append(m.body, s...)
	m.body = append(m.body, 0)
	m.current += len(s) + 1
}

// pad8 zero-pads the body up to the next 8-byte boundary (spec §4.4
// "Memory IDs are 8-byte-aligned"; spec §6 RMA descriptor "aligned to 8
// bytes with zero-padding after any preceding variable-length field").
func (m *Message) pad8() {
	if rem := len(m.body) % 8; rem != 0 {
		pad := 8 - rem
		m.canAppend(pad)
		for i := 0; i < pad; i++ {
			m.body = append(m.body, 0)
		}
		m.current += pad
	}
}

// AppendMemoryID appends an 8-byte-aligned RMA descriptor inline (spec
// §4.4 "append_n calls", §6 "RMA descriptor").
func (m *Message) AppendMemoryID(d RMADescriptor) {
	m.pad8()
	m.canAppend(rmaDescriptorSize)
	var b [rmaDescriptorSize]byte
	d.marshal(b[:])
	m.body = append(m.body, b[:]...)
	m.current += rmaDescriptorSize
}

// AddSend registers data as a zero-copy side buffer (spec §4.4
// "add_send"): data is never copied into the body here; the conn
// package registers it for RMA at send time and appends the resulting
// descriptor (plus header) as a normal operation. header, if non-nil, is
// the caller-supplied per-op header serialized alongside the descriptor.
func (m *Message) AddSend(data []byte, header []byte) {
	m.sends = append(m.sends, SendBuffer{Data: data, Header: header})
}

// Body returns the framed body bytes built so far (read-only view).
func (m *Message) Body() []byte { return m.body }

// Finalize produces the wire-ready header for this message's current
// body length (spec §3: "length is body length excluding header").
func (m *Message) Finalize() Header {
	return Header{
		Length:        uint32(len(m.body)),
		ID:            m.id,
		SemanticsBits: semantics.ToBits(m.sem),
		OpType:        m.opType,
		OpCount:       m.opCount,
	}
}

// Reader sequentially decodes a received body in the order it was
// appended (spec §4.4 "get_1/4/8/n/string/memory_id"), asserting
// boundedness against the declared body length.
type Reader struct {
	body []byte
	pos  int
}

func NewReader(header Header, body []byte) *Reader {
	debug.Assert(len(body) == int(header.Length))
	return &Reader{body: body}
}

func (r *Reader) Len() int  { return len(r.body) }
func (r *Reader) Pos() int  { return r.pos }
func (r *Reader) AtEnd() bool { return r.pos == len(r.body) }

func (r *Reader) Get1() uint8 {
	debug.Assert(r.pos+1 <= len(r.body))
	v := r.body[r.pos]
	r.pos++
	return v
}

func (r *Reader) Get4() uint32 {
	debug.Assert(r.pos+4 <= len(r.body))
	v := binary.LittleEndian.Uint32(r.body[r.pos : r.pos+4])
	r.pos += 4
	return v
}

func (r *Reader) Get8() uint64 {
	debug.Assert(r.pos+8 <= len(r.body))
	v := binary.LittleEndian.Uint64(r.body[r.pos : r.pos+8])
	r.pos += 8
	return v
}

func (r *Reader) GetN(n int) []byte {
	debug.Assert(r.pos+n <= len(r.body))
	v := r.body[r.pos : r.pos+n]
	r.pos += n
	return v
}

// GetString reads a NUL-terminated cstring.
func (r *Reader) GetString() string {
	start := r.pos
	for r.pos < len(r.body) && r.body[r.pos] != 0 {
		r.pos++
	}
	debug.Assert(r.pos < len(r.body))
	s := string(r.body[start:r.pos])
	r.pos++ // skip NUL
	return s
}

func (r *Reader) skipPad8() {
	if rem := r.pos % 8; rem != 0 {
		r.pos += 8 - rem
	}
}

// GetMemoryID reads an 8-byte-aligned RMA descriptor, skipping padding
// to the next multiple of 8 first (spec §4.4).
func (r *Reader) GetMemoryID() RMADescriptor {
	r.skipPad8()
	debug.Assert(r.pos+rmaDescriptorSize <= len(r.body))
	d := unmarshalRMADescriptor(r.body[r.pos : r.pos+rmaDescriptorSize])
	r.pos += rmaDescriptorSize
	return d
}
