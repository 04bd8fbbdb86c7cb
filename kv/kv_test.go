package kv

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/julea-io/julea-go/backend"
	"github.com/julea-io/julea-go/internal/cos"
	"github.com/julea-io/julea-go/parallel"
	"github.com/julea-io/julea-go/pool"
	"github.com/julea-io/julea-go/semantics"
	"github.com/julea-io/julea-go/trace"
)

// kvMem is a Provider double covering only the kv surface; the object
// methods are inert.
type kvMem struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newKVMem() *kvMem { return &kvMem{data: make(map[string][]byte)} }

func key(ns, k string) string { return ns + "\x00" + k }

func (m *kvMem) Name() string { return "kvmem" }

func (m *kvMem) ObjectCreate(context.Context, string, string) error { return nil }
func (m *kvMem) ObjectDelete(context.Context, string, string) error { return nil }
func (m *kvMem) ObjectRead(context.Context, string, string, []byte, int64) (int, error) {
	return 0, nil
}
func (m *kvMem) ObjectWrite(context.Context, string, string, []byte, int64) (int, error) {
	return 0, nil
}
func (m *kvMem) ObjectStatus(context.Context, string, string) (int64, int64, error) {
	return 0, 0, nil
}
func (m *kvMem) ObjectSync(context.Context, string, string) error { return nil }

func (m *kvMem) KVPut(_ context.Context, ns, k string, v []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key(ns, k)] = append([]byte(nil), v...)
	return nil
}

func (m *kvMem) KVGet(_ context.Context, ns, k string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key(ns, k)]
	if !ok {
		return nil, cos.NewBackendError("kvmem.KVGet", errNotFound)
	}
	return v, nil
}

func (m *kvMem) KVDelete(_ context.Context, ns, k string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kk := key(ns, k)
	if _, ok := m.data[kk]; !ok {
		return cos.NewBackendError("kvmem.KVDelete", errNotFound)
	}
	delete(m.data, kk)
	return nil
}

func (m *kvMem) KVGetByPrefix(_ context.Context, ns, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	nsp := ns + "\x00"
	for k, v := range m.data {
		if len(k) > len(nsp) && k[:len(nsp)] == nsp {
			name := k[len(nsp):]
			if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
				out[name] = v
			}
		}
	}
	return out, nil
}

type fakeCtx struct {
	local   *kvMem
	servers int
}

func (f *fakeCtx) Pool() *pool.Pool                        { return nil }
func (f *fakeCtx) KVServerCount() int                      { return f.servers }
func (f *fakeCtx) LocalKVBackend() (backend.Provider, bool) { return f.local, f.local != nil }
func (f *fakeCtx) Tracer() *trace.Tracer                   { return nil }
func (f *fakeCtx) Program() string                         { return "kv.test" }

func TestRoutingStable(t *testing.T) {
	e := NewEngine(&fakeCtx{servers: 3})
	k1 := e.New("ns", "k1")
	k2 := e.New("ns", "k1")
	if k1.server != k2.server {
		t.Fatalf("same key routed to %d then %d", k1.server, k2.server)
	}
	if want := int(parallel.Hash("k1") % 3); k1.server != want {
		t.Fatalf("route = %d, want hash mod 3 = %d", k1.server, want)
	}
}

func TestPutGetDeleteLocal(t *testing.T) {
	e := NewEngine(&fakeCtx{local: newKVMem(), servers: 3})
	ctx := context.Background()
	sem := semantics.Default()
	k := e.New("ns", "alpha")

	if err := k.Put(ctx, []byte("v1"), sem); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := k.Get(ctx, sem)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(v, []byte("v1")) {
		t.Fatalf("Get = %q, want v1", v)
	}

	ok, err := k.Delete(ctx, sem)
	if err != nil || !ok {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", ok, err)
	}
	if _, err := k.Get(ctx, sem); err == nil {
		t.Fatalf("Get after delete succeeded")
	}
}

// TestTombstoneShortCircuit: under eventual consistency a repeated
// delete of a tombstoned key short-circuits to a failed op without
// consulting the backend, and a subsequent Put clears the tombstone.
func TestTombstoneShortCircuit(t *testing.T) {
	mem := newKVMem()
	e := NewEngine(&fakeCtx{local: mem, servers: 3})
	ctx := context.Background()
	sem := semantics.Default() // ConsistencyEventual

	k := e.New("ns", "beta")
	if err := k.Put(ctx, []byte("x"), sem); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, _ := k.Delete(ctx, sem); !ok {
		t.Fatalf("first Delete failed")
	}
	if ok, err := k.Delete(ctx, sem); ok || err != nil {
		t.Fatalf("repeat Delete = (%v, %v), want (false, nil)", ok, err)
	}

	if err := k.Put(ctx, []byte("y"), sem); err != nil {
		t.Fatalf("re-Put: %v", err)
	}
	v, err := k.Get(ctx, sem)
	if err != nil {
		t.Fatalf("Get after re-Put: %v (tombstone not cleared?)", err)
	}
	if !bytes.Equal(v, []byte("y")) {
		t.Fatalf("Get = %q, want y", v)
	}
}

// TestImmediateConsistencySkipsFilter: strict consistency must always
// reach the backend, tolerating zero filter false positives.
func TestImmediateConsistencySkipsFilter(t *testing.T) {
	mem := newKVMem()
	e := NewEngine(&fakeCtx{local: mem, servers: 3})
	ctx := context.Background()

	k := e.New("ns", "gamma")
	if err := k.Put(ctx, []byte("x"), semantics.Default()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// poison the filter directly, as a colliding fingerprint would
	e.markDeleted("ns", "gamma")

	strict := semantics.Semantics{Consistency: semantics.ConsistencyImmediate}
	v, err := k.Get(ctx, strict)
	if err != nil {
		t.Fatalf("strict Get hit the tombstone filter: %v", err)
	}
	if !bytes.Equal(v, []byte("x")) {
		t.Fatalf("Get = %q, want x", v)
	}
}

func TestGetByPrefixIterator(t *testing.T) {
	mem := newKVMem()
	e := NewEngine(&fakeCtx{local: mem, servers: 3})
	ctx := context.Background()
	sem := semantics.Default()

	for _, k := range []string{"job-1", "job-2", "task-1"} {
		if err := e.New("ns", k).Put(ctx, []byte(k), sem); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	it, err := e.GetByPrefix(ctx, "ns", "job-", sem)
	if err != nil {
		t.Fatalf("GetByPrefix: %v", err)
	}
	var names []string
	for {
		name, value, ok := it.Next()
		if !ok {
			break
		}
		if !bytes.Equal(value, []byte(name)) {
			t.Fatalf("value for %s = %q", name, value)
		}
		names = append(names, name)
	}
	if len(names) != 2 || names[0] != "job-1" || names[1] != "job-2" {
		t.Fatalf("names = %v, want [job-1 job-2]", names)
	}

	// finite, not restartable: a drained iterator stays drained
	if _, _, ok := it.Next(); ok {
		t.Fatalf("drained iterator yielded another pair")
	}
}
