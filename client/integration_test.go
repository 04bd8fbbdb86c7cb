package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/pierrec/lz4/v3"

	"github.com/julea-io/julea-go/config"
	"github.com/julea-io/julea-go/distribution"
	"github.com/julea-io/julea-go/parallel"
	"github.com/julea-io/julea-go/semantics"
	"github.com/julea-io/julea-go/wire"
)

// The tests below drive the real wire path — conn.Dial handshake,
// message framing, lz4 transport encoding, per-server fan-out, reply
// reduction — against one httptest.Server per simulated JULEA server,
// the same way the teacher's stream_bundle tests stand up a mux-backed
// httptest target per cluster member. Spec §8's S1/S2/S4/S5/S6
// scenarios are asserted byte for byte (with the round-robin start
// index observed rather than pinned, since spec §4.3 chooses it by
// RNG at construction; S1/S2 fix it to 0 only for illustration).

type wireSubOp struct {
	length  int64
	offset  int64
	payload []byte
}

// fakeServer speaks just enough of the framed protocol (spec §6) to
// stand in for one storage server.
type fakeServer struct {
	t   *testing.T
	idx int

	mu      sync.Mutex
	objects map[string][]byte // ns/name -> per-server dense bytes
	kvs     map[string][]byte
	writes  map[string][]wireSubOp // keyed ns/name
	reads   map[string][]wireSubOp
}

func newFakeServer(t *testing.T, idx int) *fakeServer {
	return &fakeServer{
		t:       t,
		idx:     idx,
		objects: make(map[string][]byte),
		kvs:     make(map[string][]byte),
		writes:  make(map[string][]wireSubOp),
		reads:   make(map[string][]wireSubOp),
	}
}

func (s *fakeServer) storeAt(key string, payload []byte, off int64) {
	cur := s.objects[key]
	if need := off + int64(len(payload)); int64(len(cur)) < need {
		grown := make([]byte, need)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[off:], payload)
	s.objects[key] = cur
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.t.Errorf("server %d: read body: %v", s.idx, err)
		return
	}
	if r.Header.Get("X-Julea-Encoding") == "lz4" {
		raw, err = io.ReadAll(lz4.NewReader(bytes.NewReader(raw)))
		if err != nil {
			s.t.Errorf("server %d: lz4: %v", s.idx, err)
			return
		}
	}
	if len(raw) < wire.HeaderSize {
		s.t.Errorf("server %d: short frame (%d bytes)", s.idx, len(raw))
		return
	}
	hdr := wire.UnmarshalHeader(raw[:wire.HeaderSize])
	body := raw[wire.HeaderSize : wire.HeaderSize+int(hdr.Length)]
	extra := raw[wire.HeaderSize+int(hdr.Length):]
	rd := wire.NewReader(hdr, body)
	reply := wire.New(hdr.OpType, hdr.ID, semantics.FromBits(hdr.SemanticsBits), 0)

	s.mu.Lock()
	switch hdr.OpType {
	case wire.OpPing:
		for _, b := range []string{"object", "kv"} {
			reply.AddOperation(len(b) + 1)
			reply.AppendString(b)
		}

	case wire.OpObjectWrite:
		key := rd.GetString() + "/" + rd.GetString()
		cursor := 0
		for i := uint32(0); i < hdr.OpCount; i++ {
			length := int64(rd.Get8())
			off := int64(rd.Get8())
			rd.GetMemoryID()
			payload := extra[cursor : cursor+int(length)]
			cursor += int(length)
			s.storeAt(key, payload, off)
			s.writes[key] = append(s.writes[key], wireSubOp{length, off, append([]byte(nil), payload...)})
			reply.AddOperation(8)
			reply.Append8(uint64(length))
		}

	case wire.OpObjectRead:
		key := rd.GetString() + "/" + rd.GetString()
		data := s.objects[key]
		for i := uint32(0); i < hdr.OpCount; i++ {
			length := int64(rd.Get8())
			off := int64(rd.Get8())
			end := off + length
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			chunk := data[off:end]
			s.reads[key] = append(s.reads[key], wireSubOp{length, off, nil})
			reply.AddOperation(8 + len(chunk))
			reply.Append8(uint64(len(chunk)))
			reply.AppendN(chunk)
		}

	case wire.OpObjectCreate:
		key := rd.GetString() + "/" + rd.GetString()
		if _, ok := s.objects[key]; !ok {
			s.objects[key] = nil
		}

	case wire.OpObjectDelete:
		key := rd.GetString() + "/" + rd.GetString()
		status := uint32(0)
		if _, ok := s.objects[key]; ok {
			delete(s.objects, key)
			status = 1
		}
		reply.AddOperation(4)
		reply.Append4(status)

	case wire.OpObjectStatus:
		key := rd.GetString() + "/" + rd.GetString()
		reply.AddOperation(16)
		reply.Append8(uint64(100 + s.idx)) // distinct per-server mod-time
		reply.Append8(uint64(len(s.objects[key])))

	case wire.OpObjectSync:
		// ack only

	case wire.OpKVPut:
		ns := rd.GetString()
		cursor := 0
		for i := uint32(0); i < hdr.OpCount; i++ {
			name := rd.GetString()
			length := int64(rd.Get8())
			rd.GetMemoryID()
			value := extra[cursor : cursor+int(length)]
			cursor += int(length)
			s.kvs[ns+"\x00"+name] = append([]byte(nil), value...)
			reply.AddOperation(4)
			reply.Append4(1)
		}

	case wire.OpKVGet:
		ns := rd.GetString()
		name := rd.GetString()
		if v, ok := s.kvs[ns+"\x00"+name]; ok {
			reply.AddOperation(8 + len(v))
			reply.Append8(uint64(len(v)))
			reply.AppendN(v)
		}

	default:
		s.t.Errorf("server %d: unexpected op_type %d", s.idx, hdr.OpType)
	}
	s.mu.Unlock()

	rh := reply.Finalize().Marshal()
	w.Write(rh[:])
	w.Write(reply.Body())
}

// startCluster stands up n fake servers and a Context whose config
// points every backend type at them over the wire (no [object]/[kv]
// sections, so no co-located bypass).
func startCluster(t *testing.T, n int) (*Context, []*fakeServer) {
	t.Helper()
	servers := make([]*fakeServer, n)
	addrs := make([]string, n)
	for i := 0; i < n; i++ {
		servers[i] = newFakeServer(t, i)
		ts := httptest.NewServer(servers[i])
		t.Cleanup(ts.Close)
		addrs[i] = strings.TrimPrefix(ts.URL, "http://")
	}

	quoted := make([]string, n)
	for i, a := range addrs {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	list := strings.Join(quoted, ", ")
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
[core]
max-operation-size = 64

[clients]
max-connections = 2
stripe-size = 4

[servers]
object = [%s]
kv = [%s]
`, list, list)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	c, err := New(context.Background(), cfg, Options{
		Program:          "integration.test",
		DistributionKind: distribution.RoundRobin,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Fini)
	return c, servers
}

// findBlock locates which server received the given payload and returns
// its index plus the recorded sub-op.
func findBlock(t *testing.T, servers []*fakeServer, key string, payload []byte) (int, wireSubOp) {
	t.Helper()
	for i, s := range servers {
		s.mu.Lock()
		ops := s.writes[key]
		s.mu.Unlock()
		for _, op := range ops {
			if bytes.Equal(op.payload, payload) {
				return i, op
			}
		}
	}
	t.Fatalf("no server received payload %x", payload)
	return -1, wireSubOp{}
}

// TestWireWriteS1 drives spec §8 scenario S1 over the wire: a 10-byte
// write at offset 0 with B=4, N=3 stripes into sub-ops (4,0), (4,0),
// (2,0) on three consecutive servers, and bytes_written sums to 10 from
// the per-server reply counters.
func TestWireWriteS1(t *testing.T) {
	c, servers := startCluster(t, 3)
	ctx := context.Background()
	o := c.Object("ns", "x")

	data := []byte{10, 11, 12, 13, 20, 21, 22, 23, 30, 31}
	n, err := o.Write(ctx, data, 0, semantics.Default())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 10 {
		t.Fatalf("bytes_written = %d, want 10", n)
	}

	// identify the rotation from which server got block 0
	start, op0 := findBlock(t, servers, "ns/x", data[0:4])
	if op0.length != 4 || op0.offset != 0 {
		t.Fatalf("block 0 sub-op = (len=%d, off=%d), want (4, 0)", op0.length, op0.offset)
	}
	s1, op1 := findBlock(t, servers, "ns/x", data[4:8])
	if s1 != (start+1)%3 || op1.length != 4 || op1.offset != 0 {
		t.Fatalf("block 1 on server %d sub-op (len=%d, off=%d), want server %d (4, 0)", s1, op1.length, op1.offset, (start+1)%3)
	}
	s2, op2 := findBlock(t, servers, "ns/x", data[8:10])
	if s2 != (start+2)%3 || op2.length != 2 || op2.offset != 0 {
		t.Fatalf("block 2 on server %d sub-op (len=%d, off=%d), want server %d (2, 0)", s2, op2.length, op2.offset, (start+2)%3)
	}

	// exactly one sub-op per server, nothing else
	for i, s := range servers {
		s.mu.Lock()
		got := len(s.writes["ns/x"])
		s.mu.Unlock()
		if got != 1 {
			t.Fatalf("server %d received %d write sub-ops, want 1", i, got)
		}
	}
}

// TestWireReadS2 drives spec §8 scenario S2: reading 6 bytes at offset
// 3 from the object written in S1's layout yields per-server sub-ops
// (1,3), (4,0), (1,0) and reassembles the original bytes.
func TestWireReadS2(t *testing.T) {
	c, servers := startCluster(t, 3)
	ctx := context.Background()
	o := c.Object("ns", "x")

	data := []byte{10, 11, 12, 13, 20, 21, 22, 23, 30, 31}
	if _, err := o.Write(ctx, data, 0, semantics.Default()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	start, _ := findBlock(t, servers, "ns/x", data[0:4])

	got := make([]byte, 6)
	n, err := o.Read(ctx, got, 3, semantics.Default())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 6 {
		t.Fatalf("bytes_read = %d, want 6", n)
	}
	if !bytes.Equal(got, data[3:9]) {
		t.Fatalf("read %x, want %x", got, data[3:9])
	}

	wantReads := map[int]wireSubOp{
		start:           {length: 1, offset: 3},
		(start + 1) % 3: {length: 4, offset: 0},
		(start + 2) % 3: {length: 1, offset: 0},
	}
	for idx, want := range wantReads {
		s := servers[idx]
		s.mu.Lock()
		ops := s.reads["ns/x"]
		s.mu.Unlock()
		if len(ops) != 1 {
			t.Fatalf("server %d received %d read sub-ops, want 1", idx, len(ops))
		}
		if ops[0].length != want.length || ops[0].offset != want.offset {
			t.Fatalf("server %d read sub-op = (len=%d, off=%d), want (len=%d, off=%d)",
				idx, ops[0].length, ops[0].offset, want.length, want.offset)
		}
	}
}

// TestWireStatusReduction: per-server mod-times reduce by max, sizes by
// sum (spec §8 S3's wire half; the servers stamp distinct mod-times).
func TestWireStatusReduction(t *testing.T) {
	c, _ := startCluster(t, 3)
	ctx := context.Background()
	o := c.Object("ns", "st")

	data := make([]byte, 10)
	if _, err := o.Write(ctx, data, 0, semantics.Default()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	mod, size, err := o.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if mod != 102 {
		t.Fatalf("mod-time = %d, want max(100,101,102) = 102", mod)
	}
	if size != 10 {
		t.Fatalf("size = %d, want sum of per-server pieces = 10", size)
	}
}

// TestWireDeleteS4 drives spec §8 scenario S4: the object exists on two
// servers but not the third; the reply statuses AND to false, the call
// reports a failed op rather than an error, and the delete is still
// observed where the object existed.
func TestWireDeleteS4(t *testing.T) {
	c, servers := startCluster(t, 3)
	ctx := context.Background()

	servers[0].objects["ns/y"] = []byte{1}
	servers[1].objects["ns/y"] = []byte{2}
	// server 2 never had it

	ok, err := c.Object("ns", "y").Delete(ctx)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok {
		t.Fatalf("Delete = true, want false (missing on one server)")
	}
	for i := 0; i < 2; i++ {
		servers[i].mu.Lock()
		_, still := servers[i].objects["ns/y"]
		servers[i].mu.Unlock()
		if still {
			t.Fatalf("server %d still holds the object after delete", i)
		}
	}
}

// TestWireKVS5 drives spec §8 scenario S5: two puts routed by
// hash(key) mod N land on their own single servers as independent
// fan-outs, and both values read back over the wire.
func TestWireKVS5(t *testing.T) {
	c, servers := startCluster(t, 3)
	ctx := context.Background()
	sem := semantics.Default()

	for _, key := range []string{"k1", "k2"} {
		if err := c.KV("ns", key).Put(ctx, []byte("v-"+key), sem); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	for _, key := range []string{"k1", "k2"} {
		want := int(parallel.Hash(key) % 3)
		for i, s := range servers {
			s.mu.Lock()
			_, has := s.kvs["ns\x00"+key]
			s.mu.Unlock()
			if has != (i == want) {
				t.Fatalf("key %s on server %d = %v, want routed to %d only", key, i, has, want)
			}
		}
		v, err := c.KV("ns", key).Get(ctx, sem)
		if err != nil {
			t.Fatalf("Get %s: %v", key, err)
		}
		if !bytes.Equal(v, []byte("v-"+key)) {
			t.Fatalf("Get %s = %q", key, v)
		}
	}
}

// TestWireSafetyNoneS6 drives spec §8 scenario S6: with safety none,
// bytes_written is pre-filled at enqueue time and the reply counters
// are not accumulated — the total is exact, not doubled.
func TestWireSafetyNoneS6(t *testing.T) {
	c, _ := startCluster(t, 3)
	ctx := context.Background()

	data := make([]byte, 10)
	n, err := c.Object("ns", "z").Write(ctx, data, 0, semantics.Semantics{Safety: semantics.SafetyNone})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 10 {
		t.Fatalf("bytes_written = %d, want exactly 10 (no reply accumulation)", n)
	}
}

// TestWireChunkedWrite drives spec §8 testable property 7 over the
// wire: a 4.5x max_operation_size write splits into 5 batch chunks,
// stripes across all servers, and every byte lands intact.
func TestWireChunkedWrite(t *testing.T) {
	c, _ := startCluster(t, 3)
	ctx := context.Background()
	o := c.Object("ns", "big")

	data := make([]byte, 288) // 4.5 x 64
	for i := range data {
		data[i] = byte(i % 251)
	}
	n, err := o.Write(ctx, data, 0, semantics.Default())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 288 {
		t.Fatalf("bytes_written = %d, want 288", n)
	}

	got := make([]byte, 288)
	rn, err := o.Read(ctx, got, 0, semantics.Default())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rn != 288 || !bytes.Equal(got, data) {
		t.Fatalf("read back %d bytes, equal=%v", rn, bytes.Equal(got, data))
	}
}
