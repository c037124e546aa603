package ingest

import (
	"errors"
	"sync"

	"github.com/timmy/pagepulse/internal/domain"
)

// ErrBufferFull is returned by Push when the buffer is at capacity.
var ErrBufferFull = errors.New("buffer full")

var closedSignal = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Buffer is the bounded FIFO between the parser and the worker pool.
// The parser pushes and the control goroutine pops.
type Buffer struct {
	mu       sync.Mutex
	items    []domain.Page
	capacity int
	draining bool
	space    chan struct{} // closed on the next pop, nil when nobody waits
	pushed   chan struct{}
}

func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		items:    make([]domain.Page, 0, capacity),
		capacity: capacity,
		pushed:   make(chan struct{}, 1),
	}
}

// Push appends page, or returns ErrBufferFull without blocking.
func (b *Buffer) Push(page domain.Page) error {
	b.mu.Lock()
	if len(b.items) >= b.capacity {
		b.mu.Unlock()
		return ErrBufferFull
	}
	b.items = append(b.items, page)
	b.mu.Unlock()

	b.signalPushed()
	return nil
}

// PopBatch removes up to max pages from the front. Before draining it only
// returns full batches of exactly max pages; once draining it returns whatever
// is left. It returns nil when no batch is eligible.
func (b *Buffer) PopBatch(max int) Batch {
	if max < 1 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.items)
	if n == 0 || (n < max && !b.draining) {
		return nil
	}
	size := min(n, max)
	batch := make(Batch, size)
	copy(batch, b.items[:size])
	b.items = append(b.items[:0], b.items[size:]...)

	if b.space != nil {
		close(b.space)
		b.space = nil
	}
	return batch
}

// SpaceAvailable returns a channel that is closed once the buffer has room.
// The channel is already closed when the buffer is not full.
func (b *Buffer) SpaceAvailable() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) < b.capacity {
		return closedSignal
	}
	if b.space == nil {
		b.space = make(chan struct{})
	}
	return b.space
}

// Pushed fires after pushes and when draining starts. Signals coalesce.
func (b *Buffer) Pushed() <-chan struct{} {
	return b.pushed
}

// StartDraining switches PopBatch to returning partial batches.
func (b *Buffer) StartDraining() {
	b.mu.Lock()
	b.draining = true
	b.mu.Unlock()
	b.signalPushed()
}

func (b *Buffer) Draining() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.draining
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Buffer) Cap() int {
	return b.capacity
}

func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) >= b.capacity
}

func (b *Buffer) signalPushed() {
	select {
	case b.pushed <- struct{}{}:
	default:
	}
}
