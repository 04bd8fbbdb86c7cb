package pool

import (
	"testing"
	"time"

	"github.com/julea-io/julea-go/conn"
)

type fakeAddr struct {
	max int
}

func (f fakeAddr) Server(Backend, int) (string, error) { return "127.0.0.1:0", nil }
func (f fakeAddr) ServerCount(Backend) int             { return 1 }
func (f fakeAddr) MaxConnections() int                 { return f.max }
func (f fakeAddr) DialOpts() conn.Opts                 { return conn.Opts{Program: "test"} }

// TestPushPopFIFO exercises the idle-FIFO half of pop/push without
// touching the network: connections are pushed in directly, as a
// caller would after use, and popped back out.
func TestPushPopFIFO(t *testing.T) {
	p := New(fakeAddr{max: 2})
	c1 := &conn.Connection{ID: "c1"}
	c2 := &conn.Connection{ID: "c2"}

	p.Push(Object, 0, c1)
	p.Push(Object, 0, c2)
	if got := p.IdleLen(Object, 0); got != 2 {
		t.Fatalf("idle len = %d, want 2", got)
	}

	got, err := p.Pop(Object, 0)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got != c1 {
		t.Fatalf("Pop returned %v, want FIFO-first c1", got.ID)
	}
	if got := p.IdleLen(Object, 0); got != 1 {
		t.Fatalf("idle len after pop = %d, want 1", got)
	}
}

// TestPopBlocksUntilPush drives spec §8 testable property 5's blocking
// half: with max_connections == 0, every Pop must block (the
// pre-increment check never passes) until some goroutine Pushes a
// connection back.
func TestPopBlocksUntilPush(t *testing.T) {
	p := New(fakeAddr{max: 0})
	c := &conn.Connection{ID: "only"}

	done := make(chan *conn.Connection, 1)
	go func() {
		got, err := p.Pop(Object, 0)
		if err != nil {
			t.Errorf("Pop: %v", err)
			return
		}
		done <- got
	}()

	select {
	case <-done:
		t.Fatalf("Pop returned before any Push")
	case <-time.After(50 * time.Millisecond):
	}

	p.Push(Object, 0, c)

	select {
	case got := <-done:
		if got != c {
			t.Fatalf("Pop returned %v, want %v", got.ID, c.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("Pop did not unblock after Push")
	}
}
