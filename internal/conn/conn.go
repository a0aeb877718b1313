// Package conn implements the connection and listener lifecycle (C8):
// a fixed-size connection-slot pool with free-list allocation, an
// accept handler with EMFILE/ENFILE backoff, accept-mutex arbitration
// across workers sharing a listener, and a reusable (keep-alive) queue.
// The free-list shape is grounded on internal/pool's bump-allocator
// block reuse; the keep-alive queue reuses internal/structs' Queue.
package conn

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/joeycumines/go-ngxcore/internal/pool"
	"github.com/joeycumines/go-ngxcore/internal/structs"
)

// State describes where a Connection sits in its lifecycle.
type State int

const (
	StateFree State = iota
	StateAccepting
	StateActive
	StateKeepAlive
	StateClosing
)

// Connection is one client connection's worker-side state: its fd, the
// per-connection arena every buffer it touches is carved from, and
// bookkeeping for the reusable/keep-alive queue.
type Connection struct {
	FD    int
	Arena *pool.Arena
	State State

	idx int // slot index in the owning Pool, for O(1) free-list return

	queueElem *list.Element // set when parked in the keep-alive Queue

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Pool is the fixed-size connection-slot allocator: worker_connections
// slots are allocated once at worker startup and recycled via a
// free-list stack, exactly as nginx avoids a per-connection heap
// allocation on the accept fast path.
type Pool struct {
	mu    sync.Mutex
	slots []Connection
	free  []int // stack of free slot indices
}

// NewPool pre-allocates size connection slots.
func NewPool(size int) *Pool {
	p := &Pool{
		slots: make([]Connection, size),
		free:  make([]int, size),
	}
	for i := 0; i < size; i++ {
		p.free[i] = size - 1 - i
	}
	return p
}

// ErrExhausted is returned by Get when every slot is in use, the Go
// analogue of nginx logging "worker_connections are not enough" and
// refusing the accept.
var ErrExhausted = errors.New("conn: connection pool exhausted")

// Get allocates a free Connection slot for fd.
func (p *Pool) Get(fd int) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, ErrExhausted
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	c := &p.slots[idx]
	*c = Connection{FD: fd, State: StateAccepting, idx: idx, Arena: pool.New(pool.DefaultBlockSize)}
	return c, nil
}

// Put returns c's slot to the free list and releases its arena, mirroring
// ngx_free_connection + ngx_destroy_pool.
func (p *Pool) Put(c *Connection) {
	c.Arena.Release()
	p.mu.Lock()
	p.free = append(p.free, c.idx)
	p.mu.Unlock()
}

// InUse reports how many slots are currently checked out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) - len(p.free)
}

// Capacity returns the total number of connection slots.
func (p *Pool) Capacity() int {
	return len(p.slots)
}

// KeepAliveQueue tracks idle-but-open connections eligible for reuse,
// most-recently-active at the back, matching nginx's reusable
// connections queue used to steal the oldest idle connection when the
// pool is exhausted.
type KeepAliveQueue struct {
	q *structs.Queue[*Connection]
}

// NewKeepAliveQueue creates an empty queue.
func NewKeepAliveQueue() *KeepAliveQueue {
	return &KeepAliveQueue{q: structs.NewQueue[*Connection]()}
}

// Park marks c idle and enqueues it as the most-recently-used entry.
func (k *KeepAliveQueue) Park(c *Connection) {
	c.State = StateKeepAlive
	c.queueElem = k.q.PushBack(c)
}

// Touch re-marks c as most-recently-used without removing it.
func (k *KeepAliveQueue) Touch(c *Connection) {
	if c.queueElem != nil {
		k.q.MoveToBack(c.queueElem)
	}
}

// StealOldest removes and returns the least-recently-used idle
// connection, used when the connection pool is exhausted and nginx's
// "reusable connections" feature kicks in to make room for a new
// accept.
func (k *KeepAliveQueue) StealOldest() (*Connection, bool) {
	c, ok := k.q.PopFront()
	if ok {
		c.queueElem = nil
	}
	return c, ok
}

// Remove takes c out of the queue (e.g. because new data arrived and
// it's no longer idle).
func (k *KeepAliveQueue) Remove(c *Connection) {
	if c.queueElem != nil {
		k.q.Remove(c.queueElem)
		c.queueElem = nil
	}
}

// Len reports how many connections are currently parked.
func (k *KeepAliveQueue) Len() int { return k.q.Len() }
