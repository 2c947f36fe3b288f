// Package fifo implements the fixed-capacity, pre-allocated item pool used
// on the data path for both RTP packet descriptors and NAL unit descriptors.
//
// This generalizes libARStream2's ARSTREAM2_RTPH264_NaluFifo_t (and its
// packet-side counterpart): a fixed-size arena of items, a free list, and an
// in-use list, linked by index rather than by pointer so that the arena can
// be a plain slice. No item is ever allocated once Init has run.
package fifo

import (
	"sync"

	"github.com/lanikai/beaverstream/internal/logging"
)

var log = logging.DefaultLogger.WithTag("fifo")

// index is a 1-based slot reference into Pool.items; zero means "no item".
type index int

const none index = 0

type slot[T any] struct {
	item T
	prev index
	next index
}

// Pool is a bounded, pre-allocated pool of items of type T, chained into a
// doubly-linked in-use list and a singly-linked free list. All operations
// are safe for concurrent use by multiple goroutines.
type Pool[T any] struct {
	mu sync.Mutex

	arena []slot[T]

	freeHead index

	inUseHead index
	inUseTail index

	inUseCount int

	// droppedFull counts items dropped because the pool was exhausted.
	// Surfaced in statistics; see spec.md 5 "Back-pressure".
	droppedFull uint64
}

// NewPool allocates a pool with the given fixed capacity. No further
// allocation occurs; Pop/Push/Enqueue/Dequeue never grow the arena.
func NewPool[T any](capacity int) *Pool[T] {
	if capacity <= 0 {
		panic("fifo: capacity must be positive")
	}

	p := &Pool[T]{
		arena: make([]slot[T], capacity+1), // index 0 is the sentinel "none"
	}
	p.freeHead = none
	for i := capacity; i >= 1; i-- {
		p.arena[i].next = p.freeHead
		p.freeHead = index(i)
	}
	return p
}

// Capacity returns the fixed number of items the pool was created with.
func (p *Pool[T]) Capacity() int {
	return len(p.arena) - 1
}

// Len returns the number of items currently in use (enqueued or popped but
// not yet pushed back).
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUseCount
}

// DroppedCount returns the number of items dropped due to pool exhaustion
// since the pool was created.
func (p *Pool[T]) DroppedCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.droppedFull
}

// Ref is an opaque handle to an item popped from the free list but not yet
// enqueued, or enqueued but not yet dequeued. It must be used with exactly
// one of Enqueue/Push (and, once dequeued, exactly one of Push).
type Ref[T any] struct {
	idx index
}

// Valid reports whether r refers to an item (as opposed to the zero Ref).
func (r Ref[T]) Valid() bool { return r.idx != none }

// PopFree returns an uninitialized item from the free list for the caller to
// fill in, or ok=false if the pool is exhausted. This is a normal,
// non-fatal condition; callers decide drop policy (spec.md 4.1).
func (p *Pool[T]) PopFree() (ref Ref[T], item *T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freeHead == none {
		p.droppedFull++
		log.Debug("pool exhausted, dropping item (%d dropped so far)", p.droppedFull)
		return Ref[T]{}, nil, false
	}

	idx := p.freeHead
	p.freeHead = p.arena[idx].next
	p.arena[idx].next = none
	p.arena[idx].prev = none

	return Ref[T]{idx}, &p.arena[idx].item, true
}

// PushFree returns an item to the free list. The item must not currently be
// on the in-use list.
func (p *Pool[T]) PushFree(ref Ref[T]) {
	if !ref.Valid() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	p.arena[ref.idx].item = zero
	p.arena[ref.idx].next = p.freeHead
	p.arena[ref.idx].prev = none
	p.freeHead = ref.idx
}

// Enqueue appends a popped item to the tail of the in-use list.
func (p *Pool[T]) Enqueue(ref Ref[T]) {
	if !ref.Valid() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.arena[ref.idx].prev = p.inUseTail
	p.arena[ref.idx].next = none
	if p.inUseTail != none {
		p.arena[p.inUseTail].next = ref.idx
	} else {
		p.inUseHead = ref.idx
	}
	p.inUseTail = ref.idx
	p.inUseCount++
}

// Dequeue removes and returns the head of the in-use list, or ok=false if
// the list is empty. Dequeue never blocks; spec.md 4.1 requires that an
// empty dequeue return "empty" rather than wait.
func (p *Pool[T]) Dequeue() (ref Ref[T], item *T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inUseHead == none {
		return Ref[T]{}, nil, false
	}

	idx := p.inUseHead
	p.inUseHead = p.arena[idx].next
	if p.inUseHead != none {
		p.arena[p.inUseHead].prev = none
	} else {
		p.inUseTail = none
	}
	p.arena[idx].next = none
	p.arena[idx].prev = none
	p.inUseCount--

	return Ref[T]{idx}, &p.arena[idx].item, true
}

// Item returns a pointer to the item referred to by ref, valid until the
// item is next pushed to the free list.
func (p *Pool[T]) Item(ref Ref[T]) *T {
	return &p.arena[ref.idx].item
}

// CleanFromTimeout walks the in-use list and returns to the free list any
// item for which isExpired reports true, in FIFO order. It returns the
// number of items reclaimed. This mirrors FifoCleanFromTimeout in spec.md
// 4.1: the sender calls this immediately before sending to drop obsolete
// frames rather than transmit them.
func (p *Pool[T]) CleanFromTimeout(isExpired func(item *T) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	idx := p.inUseHead
	for idx != none {
		next := p.arena[idx].next
		if isExpired(&p.arena[idx].item) {
			p.unlinkLocked(idx)

			var zero T
			p.arena[idx].item = zero
			p.arena[idx].next = p.freeHead
			p.arena[idx].prev = none
			p.freeHead = idx

			removed++
		}
		idx = next
	}
	return removed
}

func (p *Pool[T]) unlinkLocked(idx index) {
	prev := p.arena[idx].prev
	next := p.arena[idx].next
	if prev != none {
		p.arena[prev].next = next
	} else {
		p.inUseHead = next
	}
	if next != none {
		p.arena[next].prev = prev
	} else {
		p.inUseTail = prev
	}
	p.inUseCount--
}
