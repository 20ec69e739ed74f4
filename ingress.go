package aioloop

import (
	"sync"
)

// chunkSize is the number of handles per node in the ingress linked list.
const chunkSize = 128

// ingressQueue is a chunked linked-list FIFO of scheduled callback handles.
//
// Thread Safety: NOT thread-safe. The caller must provide external
// synchronization (the core's mutex).
//
// Fixed-size chunks provide cache locality and amortize allocations;
// sync.Pool recycling prevents GC thrashing under sustained submission.
type ingressQueue struct {
	head   *ingressChunk
	tail   *ingressChunk
	length int
}

var ingressChunkPool = sync.Pool{
	New: func() any {
		return &ingressChunk{}
	},
}

// ingressChunk is a fixed-size node with read/write cursors for O(1)
// push/pop without shifting.
type ingressChunk struct {
	handles [chunkSize]*Handle
	next    *ingressChunk
	readPos int
	pos     int
}

func newIngressChunk() *ingressChunk {
	c := ingressChunkPool.Get().(*ingressChunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnIngressChunk clears handle slots before pooling so retained
// closures do not leak.
func returnIngressChunk(c *ingressChunk) {
	for i := 0; i < c.pos; i++ {
		c.handles[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	ingressChunkPool.Put(c)
}

// Push appends a handle. CALLER MUST HOLD THE CORE MUTEX.
func (q *ingressQueue) Push(h *Handle) {
	if q.tail == nil {
		q.tail = newIngressChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.handles) {
		newTail := newIngressChunk()
		q.tail.next = newTail
		q.tail = newTail
	}

	q.tail.handles[q.tail.pos] = h
	q.tail.pos++
	q.length++
}

// Pop removes and returns the oldest handle, or false when empty.
// CALLER MUST HOLD THE CORE MUTEX.
func (q *ingressQueue) Pop() (*Handle, bool) {
	if q.head == nil {
		return nil, false
	}

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return nil, false
		}
		oldHead := q.head
		q.head = q.head.next
		returnIngressChunk(oldHead)
	}

	if q.head.readPos >= q.head.pos {
		return nil, false
	}

	h := q.head.handles[q.head.readPos]
	q.head.handles[q.head.readPos] = nil
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return h, true
		}
		oldHead := q.head
		q.head = q.head.next
		returnIngressChunk(oldHead)
	}

	return h, true
}

// Length returns the queue length. CALLER MUST HOLD THE CORE MUTEX.
func (q *ingressQueue) Length() int {
	return q.length
}

// Clear drops all pending handles. CALLER MUST HOLD THE CORE MUTEX.
func (q *ingressQueue) Clear() {
	for {
		if _, ok := q.Pop(); !ok {
			return
		}
	}
}
