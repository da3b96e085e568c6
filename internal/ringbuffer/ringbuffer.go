// Package ringbuffer implements the bounded multi-producer single-consumer
// byte ring that backs span ingestion: application goroutines reserve and
// write serialized spans concurrently, while a single I/O goroutine drains
// a committed prefix for transmission.
package ringbuffer

import (
	"sort"
	"sync"

	"go.uber.org/atomic"
)

type pendingWrite struct {
	start, end uint64
	done       bool
}

// Buffer is a fixed-capacity circular byte array with an atomic producer
// cursor (P), a committed cursor (W) that only advances once every earlier
// reservation has finished writing, and a consumer cursor (Q) owned by the
// single reader. Invariant: 0 <= P-Q <= capacity at every observable moment.
type Buffer struct {
	capacity uint64
	data     []byte

	reserved  atomic.Uint64
	committed atomic.Uint64
	consumed  atomic.Uint64

	mu      sync.Mutex
	pending []*pendingWrite

	// allotEnd is owned exclusively by the consumer goroutine.
	allotEnd uint64
}

// New constructs a Buffer with the given capacity in bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ringbuffer: capacity must be positive")
	}
	return &Buffer{
		capacity: uint64(capacity),
		data:     make([]byte, capacity),
	}
}

// Capacity returns the fixed byte capacity of the ring.
func (b *Buffer) Capacity() int { return int(b.capacity) }

// Size reports P-Q: bytes reserved (written or in flight) but not yet
// consumed by the I/O goroutine.
func (b *Buffer) Size() int {
	return int(b.reserved.Load() - b.consumed.Load())
}

// Add reserves n contiguous (possibly wrapping) bytes of space and invokes
// write with up to two slices spanning exactly n bytes total, in order.
// It returns false without calling write if there is not enough free space,
// in which case the caller should count the record as dropped.
func (b *Buffer) Add(n int, write func(first, second []byte)) bool {
	if n <= 0 {
		return true
	}
	size := uint64(n)
	if size > b.capacity {
		return false
	}
	for {
		p := b.reserved.Load()
		q := b.consumed.Load()
		if p-q+size > b.capacity {
			return false
		}
		if !b.reserved.CompareAndSwap(p, p+size) {
			continue
		}
		start, end := p, p+size
		pw := &pendingWrite{start: start, end: end}
		b.insertPending(pw)

		first, second := b.slices(start, end)
		write(first, second)

		b.markDoneAndAdvance(pw)
		return true
	}
}

// Allot promotes the readable region [Q, W) to the current allotment and
// returns it as up to two linear slices. ok is false when the buffer is
// idle (nothing committed beyond Q). At most one allotment may be
// outstanding; callers must fully Consume a prior allotment before calling
// Allot again.
func (b *Buffer) Allot() (first, second []byte, ok bool) {
	q := b.consumed.Load()
	w := b.committed.Load()
	if w == q {
		return nil, nil, false
	}
	b.allotEnd = w
	first, second = b.slices(q, w)
	return first, second, true
}

// NumBytesAllotted returns the number of bytes in the current outstanding
// allotment that have not yet been Consumed.
func (b *Buffer) NumBytesAllotted() int {
	return int(b.allotEnd - b.consumed.Load())
}

// HasOutstandingAllotment reports whether a prior Allot's bytes have not
// all been Consumed yet.
func (b *Buffer) HasOutstandingAllotment() bool {
	return b.consumed.Load() != b.allotEnd
}

// Consume advances Q by k bytes after a successful (possibly partial)
// transmission of the current allotment.
func (b *Buffer) Consume(k int) {
	if k <= 0 {
		return
	}
	b.consumed.Add(uint64(k))
}

func (b *Buffer) slices(start, end uint64) (first, second []byte) {
	n := end - start
	s := start % b.capacity
	if s+n <= b.capacity {
		return b.data[s : s+n], nil
	}
	firstLen := b.capacity - s
	return b.data[s:b.capacity], b.data[0 : n-firstLen]
}

func (b *Buffer) insertPending(pw *pendingWrite) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sort.Search(len(b.pending), func(i int) bool { return b.pending[i].start >= pw.start })
	b.pending = append(b.pending, nil)
	copy(b.pending[i+1:], b.pending[i:])
	b.pending[i] = pw
}

// markDoneAndAdvance marks pw complete and advances the committed cursor
// past every contiguous run of completed reservations starting at the
// current committed position.
func (b *Buffer) markDoneAndAdvance(pw *pendingWrite) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pw.done = true
	for len(b.pending) > 0 {
		front := b.pending[0]
		if !front.done || front.start != b.committed.Load() {
			break
		}
		b.committed.Store(front.end)
		b.pending = b.pending[1:]
	}
}
