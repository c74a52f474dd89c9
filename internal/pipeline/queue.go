package pipeline

import (
	"sync"

	"github.com/andresmejia3/meshline/internal/types"
)

// frameQueue is a bounded FIFO between the producer and the processor. When
// full, push evicts the oldest frame so capture never blocks.
type frameQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []types.RawFrame
	head   int
	size   int
	closed bool
}

func newFrameQueue(capacity int) *frameQueue {
	q := &frameQueue{items: make([]types.RawFrame, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends f. It reports the evicted frame, if any. Pushing to a closed
// queue evicts f itself.
func (q *frameQueue) push(f types.RawFrame) (types.RawFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return f, true
	}

	var evicted types.RawFrame
	var dropped bool
	if q.size == len(q.items) {
		evicted, dropped = q.items[q.head], true
		q.items[q.head] = types.RawFrame{}
		q.head = (q.head + 1) % len(q.items)
		q.size--
	}
	q.items[(q.head+q.size)%len(q.items)] = f
	q.size++
	q.cond.Signal()
	return evicted, dropped
}

// pop blocks until a frame is available. It returns false once the queue is
// closed and empty.
func (q *frameQueue) pop() (types.RawFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == 0 {
		if q.closed {
			return types.RawFrame{}, false
		}
		q.cond.Wait()
	}
	f := q.items[q.head]
	q.items[q.head] = types.RawFrame{}
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return f, true
}

// close stops further pushes. Frames already queued can still be popped.
func (q *frameQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// discard closes the queue and returns whatever it still held.
func (q *frameQueue) discard() []types.RawFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	var out []types.RawFrame
	for q.size > 0 {
		out = append(out, q.items[q.head])
		q.items[q.head] = types.RawFrame{}
		q.head = (q.head + 1) % len(q.items)
		q.size--
	}
	q.cond.Broadcast()
	return out
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
