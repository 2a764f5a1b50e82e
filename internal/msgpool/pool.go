// Package msgpool implements the fixed-capacity, reference-counted
// message buffer pool (C2): datagrams with an embedded endpoint
// descriptor, handed out from a bounded set of slots.
//
// The number of slots is fixed at New and slot indices are reused for
// the life of the pool; each Allocate still creates a fresh Message
// value on the heap for the slot it reserves.
package msgpool

import (
	"sync"

	"github.com/ocfcore/ocsession/internal/netutil"
)

// MaxPDU is the maximum application payload size a Message can carry.
const MaxPDU = 65536

// Message is a fixed-capacity, reference-counted datagram buffer. A
// Message is always obtained from a Pool's Allocate and released via
// Unref; callers never construct one directly.
type Message struct {
	pool *Pool
	slot int

	Data       []byte
	Endpoint   netutil.Endpoint
	ReadOffset int
	Encrypted  bool

	mu       sync.Mutex
	refcount int32

	// onList tracks which queue (if any) currently holds this message,
	// enforcing the single-list invariant without the caller having to
	// track it itself.
	onList any
}

// AddRef increments the reference count. Every AddRef must be paired
// with exactly one Unref.
func (m *Message) AddRef() {
	m.mu.Lock()
	m.refcount++
	m.mu.Unlock()
}

// Unref decrements the reference count. When it reaches zero, the
// underlying slot is returned to the pool and must not be touched
// again by the caller.
func (m *Message) Unref() {
	m.mu.Lock()
	m.refcount--
	done := m.refcount <= 0
	m.mu.Unlock()

	if done {
		m.pool.release(m)
	}
}

// Refcount returns the current reference count, for tests.
func (m *Message) Refcount() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refcount
}

// SetOnList records which list this message is currently queued on, or
// clears it with nil. It panics if the message is already on another
// list, enforcing the "at most one list at a time" invariant.
func (m *Message) SetOnList(list any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if list != nil && m.onList != nil {
		panic("msgpool: message is already queued on another list")
	}
	m.onList = list
}

// OnList returns the list currently holding this message, or nil.
func (m *Message) OnList() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onList
}

// Pool is a fixed-capacity arena of Message slots. Allocate never
// blocks: under pressure it returns ok=false rather than growing or
// waiting.
type Pool struct {
	mu       sync.Mutex
	slots    []*Message
	free     []int // indices of free slots, LIFO
	capacity int
}

// New creates a pool with the given fixed capacity.
func New(capacity int) *Pool {
	p := &Pool{
		slots:    make([]*Message, capacity),
		free:     make([]int, capacity),
		capacity: capacity,
	}
	for i := range capacity {
		p.free[i] = capacity - 1 - i
	}
	return p
}

// Allocate reserves a slot and returns a Message with refcount 1. It
// returns ok=false if the pool is at capacity; callers must treat this
// as a normal, recoverable condition, never an error worth logging loudly.
func (p *Pool) Allocate() (msg *Message, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, false
	}

	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	msg = &Message{pool: p, slot: idx, refcount: 1}
	p.slots[idx] = msg
	return msg, true
}

// InUse returns the number of currently allocated slots.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - len(p.free)
}

// Capacity returns the pool's fixed capacity.
func (p *Pool) Capacity() int {
	return p.capacity
}

func (p *Pool) release(msg *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slots[msg.slot] != msg {
		// Already released; Unref called twice on the same message.
		return
	}

	p.slots[msg.slot] = nil
	msg.Data = nil
	msg.onList = nil
	p.free = append(p.free, msg.slot)
}
