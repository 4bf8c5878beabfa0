package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

var (
	// ErrInvalidBudget is returned when the memory budget or message size is not a positive
	// number.
	ErrInvalidBudget = errors.New("memory budget and message size must be positive")
	// ErrBudgetTooSmall is returned when a single message would not fit the memory budget.
	ErrBudgetTooSmall = errors.New("max message size exceeds memory budget")
	// ErrTooManySlots is returned when the budget derives more slots than MaxSlots. The
	// channel backing the queue allocates every slot up front.
	ErrTooManySlots = errors.New("memory budget allows more queue slots than supported")
)

// MaxSlots caps the derived capacity.
const MaxSlots = math.MaxInt32

// Message is an opaque payload. Once handed to TryEnqueue it belongs to the queue and the
// producer must not modify it.
type Message []byte

// Capacity derives the queue length (in items) from a byte budget: floor(maxMemory / maxMessageSize).
// A budget that cannot hold one message is rejected rather than clamped.
func Capacity(maxMemory, maxMessageSize int64) (int, error) {
	if maxMemory <= 0 || maxMessageSize <= 0 {
		return 0, ErrInvalidBudget
	}
	if maxMessageSize > maxMemory {
		return 0, ErrBudgetTooSmall
	}
	n := maxMemory / maxMessageSize
	if n > MaxSlots {
		return 0, fmt.Errorf("%w: %d > %d (raise max message size)", ErrTooManySlots, n, MaxSlots)
	}
	return int(n), nil
}

// Stats summarizes queue state.
type Stats struct {
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
	Enqueued uint64 `json:"enqueued"`
	Rejected uint64 `json:"rejected"`
	Dequeued uint64 `json:"dequeued"`
}

// Bounded is a fixed-capacity FIFO shared by many producers and one consumer.
// Producers never block: a full queue turns into an immediate false from TryEnqueue.
type Bounded struct {
	ch       chan Message
	enqueued atomic.Uint64
	rejected atomic.Uint64
	dequeued atomic.Uint64
}

// NewBounded creates a queue holding at most capacity messages.
func NewBounded(capacity int) (*Bounded, error) {
	if capacity <= 0 {
		return nil, ErrInvalidBudget
	}
	return &Bounded{ch: make(chan Message, capacity)}, nil
}

// NewForBudget sizes a queue from a memory budget; see Capacity.
func NewForBudget(maxMemory, maxMessageSize int64) (*Bounded, error) {
	n, err := Capacity(maxMemory, maxMessageSize)
	if err != nil {
		return nil, err
	}
	return NewBounded(n)
}

// TryEnqueue appends msg to the tail if there is room and reports whether it did.
func (q *Bounded) TryEnqueue(msg Message) bool {
	select {
	case q.ch <- msg:
		q.enqueued.Add(1)
		return true
	default:
		q.rejected.Add(1)
		return false
	}
}

// Dequeue removes the head, waiting until one is available or ctx is done.
// A ctx that is already done never removes an item.
func (q *Bounded) Dequeue(ctx context.Context) (Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-q.ch:
		q.dequeued.Add(1)
		return msg, nil
	}
}

// TryDequeue removes the head without waiting.
func (q *Bounded) TryDequeue() (Message, bool) {
	select {
	case msg := <-q.ch:
		q.dequeued.Add(1)
		return msg, true
	default:
		return nil, false
	}
}

// Len returns the number of queued messages.
func (q *Bounded) Len() int { return len(q.ch) }

// Cap returns the fixed capacity.
func (q *Bounded) Cap() int { return cap(q.ch) }

func (q *Bounded) Stats() Stats {
	return Stats{
		Depth:    len(q.ch),
		Capacity: cap(q.ch),
		Enqueued: q.enqueued.Load(),
		Rejected: q.rejected.Load(),
		Dequeued: q.dequeued.Load(),
	}
}
