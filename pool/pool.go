// Package pool implements the per-server connection pool (spec §4.6,
// component C6): a bounded FIFO of idle connections per (backend type,
// server index), lazily allocated up to a configured per-server cap.
//
// Grounded on the teacher's own resource-pool idiom in memsys (a
// capacity-bounded, lazily-growing free list with an atomic live count)
// and cross-pollinated with momentics-hioload-ws's use of
// github.com/eapache/queue as the concrete FIFO, replacing a hand-rolled
// ring buffer (spec §9 design note).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/julea-io/julea-go/conn"
	"github.com/julea-io/julea-go/internal/cos"
	"github.com/julea-io/julea-go/internal/nlog"
)

// Backend enumerates the backend-type axis of the pool's 2D index
// (spec §3 "Connection pool": "array indexed [backend_type][server_index]").
type Backend int

const (
	Object Backend = iota
	KV
	DB
)

// slot is one {FIFO, live_count} pair for a given (backend, server)
// (spec §3). live_count is atomic; the FIFO itself is guarded by a
// mutex since eapache/queue.Queue is not internally synchronized.
type slot struct {
	mu        sync.Mutex
	cond      *sync.Cond
	idle      *queue.Queue
	liveCount uint32
}

func newSlot() *slot {
	s := &slot{idle: queue.New()}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ServerAddr resolves a (backend, index) pair to a "host:port" address;
// satisfied by config.Config in the client package (kept as a narrow
// interface here so pool has no import-cycle dependency on config).
type ServerAddr interface {
	Server(backend Backend, index int) (string, error)
	ServerCount(backend Backend) int
	MaxConnections() int
	DialOpts() conn.Opts
}

// Pool is the connection pool (spec §4.6): one slot per (backend type,
// server index), created lazily and never shrunk.
type Pool struct {
	cfg   ServerAddr
	mu    sync.Mutex
	slots map[Backend]map[int]*slot
}

// New creates a Pool bound to cfg. No connections are opened eagerly
// (spec §4.6 "init").
func New(cfg ServerAddr) *Pool {
	return &Pool{
		cfg:   cfg,
		slots: make(map[Backend]map[int]*slot),
	}
}

func (p *Pool) slotFor(backend Backend, server int) *slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	byServer, ok := p.slots[backend]
	if !ok {
		byServer = make(map[int]*slot)
		p.slots[backend] = byServer
	}
	s, ok := byServer[server]
	if !ok {
		s = newSlot()
		byServer[server] = s
	}
	return s
}

// Pop returns an idle connection for (backend, server), opening a new
// one if under the per-server cap, else blocking for one to be pushed
// back (spec §4.6 "pop").
func (p *Pool) Pop(backend Backend, server int) (*conn.Connection, error) {
	s := p.slotFor(backend, server)

	s.mu.Lock()
	if s.idle.Length() > 0 {
		c := s.idle.Remove().(*conn.Connection)
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	max := uint32(p.cfg.MaxConnections())
	if pre := atomic.AddUint32(&s.liveCount, 1) - 1; pre < max {
		addr, err := p.cfg.Server(backend, server)
		if err != nil {
			atomic.AddUint32(&s.liveCount, ^uint32(0)) // undo increment
			return nil, cos.NewConfigError("pool.Pop", err)
		}
		c, err := conn.Dial(addr, p.cfg.DialOpts())
		if err != nil {
			atomic.AddUint32(&s.liveCount, ^uint32(0)) // undo increment (spec §4.6 step 2 failure path)
			return nil, err
		}
		return c, nil
	}
	// Over cap: undo the speculative increment and block for a push
	// (spec §4.6 step 3).
	atomic.AddUint32(&s.liveCount, ^uint32(0))

	s.mu.Lock()
	for s.idle.Length() == 0 {
		s.cond.Wait()
	}
	c := s.idle.Remove().(*conn.Connection)
	s.mu.Unlock()
	return c, nil
}

// Push returns a connection to its (backend, server) pool. Callers that
// observed a transport error on c must not call Push (spec §4.6 "no
// state check — a caller that observes a transport error must drop the
// connection instead of returning it").
func (p *Pool) Push(backend Backend, server int, c *conn.Connection) {
	s := p.slotFor(backend, server)
	s.mu.Lock()
	s.idle.Add(c)
	s.cond.Signal()
	s.mu.Unlock()
}

// Drop discards c without returning it to the pool, decrementing
// live_count so a later Pop may open a replacement (used by callers
// that hit a transport error; spec §5 "Failure handling").
func (p *Pool) Drop(backend Backend, server int, c *conn.Connection) {
	c.Shutdown()
	s := p.slotFor(backend, server)
	atomic.AddUint32(&s.liveCount, ^uint32(0))
}

// LiveCount reports the current number of open connections for
// (backend, server) — used by tests to assert spec §8 testable
// property 5 ("the number of open connections per server never exceeds
// max_connections").
func (p *Pool) LiveCount(backend Backend, server int) uint32 {
	return atomic.LoadUint32(&p.slotFor(backend, server).liveCount)
}

// IdleLen reports the current FIFO length for (backend, server).
func (p *Pool) IdleLen(backend Backend, server int) int {
	s := p.slotFor(backend, server)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle.Length()
}

// Fini drains every FIFO, shuts down every connection, and reports
// warnings (not errors) on close failures but continues (spec §4.6
// "fini").
func (p *Pool) Fini() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for backend, byServer := range p.slots {
		for server, s := range byServer {
			s.mu.Lock()
			for s.idle.Length() > 0 {
				c := s.idle.Remove().(*conn.Connection)
				func() {
					defer func() {
						if r := recover(); r != nil {
							nlog.Warningf("pool.Fini: backend=%d server=%d: recovered from %v", backend, server, r)
						}
					}()
					c.Shutdown()
				}()
			}
			s.mu.Unlock()
		}
	}
}
