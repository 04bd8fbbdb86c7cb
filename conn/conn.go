// Package conn implements the Connection/Endpoint layer (spec §4.5,
// component C5): one transport channel to one server, with send/recv,
// a completion-queue wait, RMA register/read, and a graceful-shutdown
// state machine.
//
// Grounded on the teacher's transport package being HTTP-based (an
// io.ReadCloser object stream carried over a pluggable http.Client, see
// transport/api.go's Client interface) — this package keeps that
// decision and uses valyala/fasthttp as the concrete client, per
// SPEC_FULL's domain-stack wiring, instead of the source spec's
// libfabric-flavored RDMA verbs. The per-channel pinned bounce buffer
// (spec §3) is backed by valyala/bytebufferpool instead of a hand-rolled
// slice pool, matching fasthttp's own buffer-reuse idiom.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package conn

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"

	"github.com/julea-io/julea-go/internal/cos"
	"github.com/julea-io/julea-go/internal/debug"
	"github.com/julea-io/julea-go/internal/nlog"
	"github.com/julea-io/julea-go/semantics"
	"github.com/julea-io/julea-go/wire"
)

// State is the per-channel connection state machine (spec §4.5).
type State int32

const (
	Unconnected State = iota
	Connecting
	Connected
	ShuttingDown
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ShuttingDown:
		return "shutting-down"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Limits on outstanding operations per connection before a
// WaitForCompletion is required (spec §5 "backpressure").
const (
	MaxSend = 2
	MaxRecv = 1
)

// channel is one transport endpoint — either the msg channel or the
// rdma channel of a Connection (spec §4.5: "two parallel channels...
// because the RMA channel may need different transport attributes").
// The running-actions table spec §3 describes for matching async
// completions back to their posted send/recv has no counterpart here:
// fasthttp's Client.Do is a synchronous round trip, so there is never
// more than one outstanding action per call and nothing to match later
// (see WaitForCompletion).
type channel struct {
	client *fasthttp.Client
	addr   string

	mu     sync.Mutex
	state  State
	bounce *bytebufferpool.ByteBuffer
}

func newChannel(addr string, timeout time.Duration) *channel {
	return &channel{
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		addr:   addr,
		state:  Unconnected,
		bounce: bytebufferpool.Get(),
	}
}

func (c *channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *channel) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connection is a pair of channels (msg, rdma) to one server (spec §3,
// §4.5): "msg-channel + rdma-channel; send/recv with completion queue;
// RMA register/read; graceful shutdown."
type Connection struct {
	ID      string
	Addr    string
	msg     *channel
	rdma    *channel
	backends []string // populated by the PING handshake (spec §6)

	opts      Opts
	authToken string // non-empty when Opts.AuthSecret is set

	rmaKey   uint64 // monotonically increasing, starts at 1 (spec §3)
	rmaMu    sync.Mutex
	rmaRegion map[uint64][]byte
}

// ConnectTimeout bounds the client-side wait for a CONNECTED event (spec
// §4.5 "Connecting -> Connected ... within the client-side timeout"). It
// is set as the read and write timeout of both channels' clients, so it
// also bounds every later request on the connection.
const ConnectTimeout = 5 * time.Second

// Dial opens a new Connection to addr: two channels plus the PING
// handshake (spec §4.6 step 2: "a handshake that sends a PING message
// and receives a reply enumerating the remote backend types").
func Dial(addr string, opts Opts) (*Connection, error) {
	c := &Connection{
		ID:        cos.GenDisplayID(),
		Addr:      addr,
		msg:       newChannel(addr, ConnectTimeout),
		rdma:      newChannel(addr, ConnectTimeout),
		opts:      opts,
		rmaKey:    1,
		rmaRegion: make(map[uint64][]byte),
	}
	if len(opts.AuthSecret) > 0 {
		tok, err := signToken(opts)
		if err != nil {
			return nil, cos.NewConfigError("conn.Dial", err)
		}
		c.authToken = tok
	}
	c.msg.setState(Connecting)
	c.rdma.setState(Connecting)

	backends, err := c.ping(opts.Program, opts.UID)
	if err != nil {
		c.msg.setState(Closed)
		c.rdma.setState(Closed)
		return nil, cos.NewTransportError("conn.Dial", err)
	}
	c.backends = backends
	c.msg.setState(Connected)
	c.rdma.setState(Connected)
	nlog.Infof("conn %s: connected to %s (backends=%v)", c.ID, addr, backends)
	return c, nil
}

// ping performs the connection handshake (spec §6 "PING {program_name,
// uid}" -> "[cstring] terminated by op_count").
func (c *Connection) ping(program string, uid uint32) ([]string, error) {
	req := wire.New(wire.OpPing, cos.RandomID(), semantics.Default(), 0)
	req.AppendString(program)
	req.Append4(uid)

	replyHdr, replyBody, err := c.roundTrip(c.msg, req)
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(replyHdr, replyBody)
	backends := make([]string, 0, replyHdr.OpCount)
	for i := uint32(0); i < replyHdr.OpCount; i++ {
		backends = append(backends, r.GetString())
	}
	return backends, nil
}

func (c *Connection) State() State { return c.msg.getState() }

// roundTrip writes a Message's header+body (and inline send-buffer
// bytes, the zero-copy realization described in the conn package doc)
// to the given channel and parses the reply header+body back.
func (c *Connection) roundTrip(ch *channel, msg *wire.Message) (wire.Header, []byte, error) {
	if ch.getState() != Connected && ch.getState() != Connecting {
		return wire.Header{}, nil, cos.NewTransportError("conn.roundTrip", fmt.Errorf("channel state %s", ch.getState()))
	}

	// Zero-copy send path (spec §4.4 add_send / §3): register each
	// pending side buffer and fold its descriptor into the body
	// instead of copying the bytes there, then stream the registered
	// bytes after the framed body in one pass.
	for _, sb := range msg.Sends() {
		desc := c.RMARegister(sb.Data)
		msg.AddOperation(len(sb.Header) + 24)
		if len(sb.Header) > 0 {
			msg.AppendN(sb.Header)
		}
		msg.AppendMemoryID(desc)
	}

	hdr := msg.Finalize()
	hb := hdr.Marshal()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://" + ch.addr + "/julea/rpc")
	req.Header.SetMethod(fasthttp.MethodPost)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	total := int64(len(hb)) + int64(msg.BodyLen())
	for _, sb := range msg.Sends() {
		total += int64(len(sb.Data))
	}
	switch {
	case c.opts.MaxInjectSize > 0 && total < c.opts.MaxInjectSize:
		// Inject fast path (spec §4.5): coalesce the whole payload
		// into one copy through the channel's bounce buffer; under
		// strict security the copy is sealed before it leaves the
		// process.
		ch.bounce.Reset()
		ch.bounce.Write(hb[:])
		ch.bounce.Write(msg.Body())
		for _, sb := range msg.Sends() {
			ch.bounce.Write(sb.Data)
		}
		payload := ch.bounce.B
		if msg.Semantics().Security == semantics.SecurityStrict && len(c.opts.AuthSecret) > 0 {
			sealed, nonce, err := seal(c.opts.AuthSecret, payload)
			if err != nil {
				return wire.Header{}, nil, cos.NewTransportError("conn.roundTrip", err)
			}
			req.Header.Set(hdrSealed, nonce)
			payload = sealed
		}
		req.SetBody(payload)
	case c.opts.CompressMin > 0 && total >= c.opts.CompressMin:
		ch.bounce.Reset()
		ch.bounce.Write(hb[:])
		ch.bounce.Write(msg.Body())
		for _, sb := range msg.Sends() {
			ch.bounce.Write(sb.Data)
		}
		compressed, err := lz4Compress(ch.bounce.B)
		if err != nil {
			return wire.Header{}, nil, cos.NewTransportError("conn.roundTrip", err)
		}
		req.Header.Set(hdrCompressed, lz4Encoding)
		req.SetBody(compressed)
	default:
		req.AppendBody(hb[:])
		req.AppendBody(msg.Body())
		for _, sb := range msg.Sends() {
			req.AppendBody(sb.Data)
		}
	}

	if err := ch.client.Do(req, resp); err != nil {
		if cos.IsRetriableConnErr(err) {
			ch.setState(Closed)
		}
		return wire.Header{}, nil, cos.NewTransportError("conn.roundTrip", err)
	}

	body := resp.Body()
	if enc := string(resp.Header.Peek(hdrCompressed)); enc == lz4Encoding {
		var derr error
		if body, derr = lz4Decompress(body); derr != nil {
			ch.setState(Closed)
			return wire.Header{}, nil, cos.NewProtocolError("conn.roundTrip", derr)
		}
	}
	if nonce := string(resp.Header.Peek(hdrSealed)); nonce != "" {
		var derr error
		if body, derr = open(c.opts.AuthSecret, body, nonce); derr != nil {
			ch.setState(Closed)
			return wire.Header{}, nil, derr
		}
	}
	if len(body) < wire.HeaderSize {
		ch.setState(Closed)
		return wire.Header{}, nil, cos.NewProtocolError("conn.roundTrip", errors.New("truncated reply header"))
	}
	replyHdr := wire.UnmarshalHeader(body[:wire.HeaderSize])
	if replyHdr.ID != hdr.ID {
		ch.setState(Closed)
		return wire.Header{}, nil, cos.NewProtocolError("conn.roundTrip", fmt.Errorf("id mismatch: got %d want %d", replyHdr.ID, hdr.ID))
	}
	replyBody := body[wire.HeaderSize:]
	if len(replyBody) < int(replyHdr.Length) {
		ch.setState(Closed)
		return wire.Header{}, nil, cos.NewProtocolError("conn.roundTrip", errors.New("truncated reply body"))
	}
	return replyHdr, replyBody[:replyHdr.Length], nil
}

// Send issues msg on the connection's msg channel and returns the
// decoded reply (spec §4.5 "send"/§4.8 fan-out worker step).
func (c *Connection) Send(msg *wire.Message) (wire.Header, []byte, error) {
	debug.Assert(c.msg.getState() == Connected)
	return c.roundTrip(c.msg, msg)
}

// RMARegister registers buf for one-sided access under a fresh,
// monotonically increasing key (spec §3 "Keys are monotonically
// assigned per connection starting at 1").
func (c *Connection) RMARegister(buf []byte) wire.RMADescriptor {
	c.rmaMu.Lock()
	key := c.rmaKey
	c.rmaKey++
	c.rmaRegion[key] = buf
	c.rmaMu.Unlock()
	return wire.RMADescriptor{Addr: uint64(uintptrOf(buf)), Size: uint64(len(buf)), Key: key}
}

// RMAUnregister closes a previously registered region (spec §4.5
// "rma_unregister").
func (c *Connection) RMAUnregister(d wire.RMADescriptor) {
	c.rmaMu.Lock()
	delete(c.rmaRegion, d.Key)
	c.rmaMu.Unlock()
}

// RMARead issues a one-sided read for a descriptor known to this
// process's registry (spec §4.5 "rma_read"). Real cross-process RMA
// requires a server-side peer, which is out of this core's scope (spec
// §1); only keys registered in this process resolve. The co-located-
// backend bypass calls its Provider directly and does not use this path;
// tests that simulate both ends in one process exercise it.
func (c *Connection) RMARead(d wire.RMADescriptor, dest []byte) (int, error) {
	c.rmaMu.Lock()
	region, ok := c.rmaRegion[d.Key]
	c.rmaMu.Unlock()
	if !ok {
		return 0, cos.NewProtocolError("conn.RMARead", fmt.Errorf("unknown rma key %d", d.Key))
	}
	n := copy(dest, region)
	return n, nil
}

// WaitForCompletion blocks until all posted sends/recvs on this
// connection have completed (spec §4.5). Because roundTrip above is
// synchronous per call, outstanding work is always empty between calls;
// this remains as the documented join point fan-out workers call after
// their last Send, matching the spec's API shape for callers ported
// from an async-completion-queue transport.
func (c *Connection) WaitForCompletion() error {
	if c.msg.getState() == Closed || c.rdma.getState() == Closed {
		return cos.NewTransportError("conn.WaitForCompletion", errors.New("channel closed"))
	}
	return nil
}

// Shutdown transitions Connected -> ShuttingDown -> Closed (spec §4.5),
// draining any outstanding RMA registrations.
func (c *Connection) Shutdown() {
	c.msg.setState(ShuttingDown)
	c.rdma.setState(ShuttingDown)
	c.rmaMu.Lock()
	for k := range c.rmaRegion {
		delete(c.rmaRegion, k)
	}
	c.rmaMu.Unlock()
	bytebufferpool.Put(c.msg.bounce)
	bytebufferpool.Put(c.rdma.bounce)
	c.msg.setState(Closed)
	c.rdma.setState(Closed)
}

func (c *Connection) Backends() []string { return c.backends }

var uidCounter uint64

// uintptrOf derives a stable synthetic "address" for a buffer's RMA
// descriptor without depending on the real memory address (which Go's
// moving GC makes unsafe to expose): a monotonically increasing token,
// unique per process, sufficient to round-trip through RMARegister /
// RMARead within one process, since both calls use the same registry.
func uintptrOf(buf []byte) uint64 {
	return atomic.AddUint64(&uidCounter, 1)
}
