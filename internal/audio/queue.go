package audio

import (
	"errors"
	"sync"
	"time"
)

// Frame is one opaque chunk of 8kHz mu-law audio. It is transported, never decoded.
type Frame []byte

var (
	// ErrQueueClosed is returned by Push and Pop once the queue has been closed.
	ErrQueueClosed = errors.New("audio: frame queue closed")
	// ErrPopTimeout is returned by Pop when no frame arrived within the wait.
	ErrPopTimeout = errors.New("audio: pop timed out")
)

// FrameQueue is a bounded FIFO of outbound frames.
//
// Overflow policy: Push waits up to pushTimeout for space, then evicts the
// oldest queued frame. Stale playback audio is worse than a gap.
type FrameQueue struct {
	mu       sync.Mutex
	frames   []Frame
	capacity int
	gen      uint64
	evicted  uint64
	closed   bool

	pushTimeout time.Duration

	// ready and space are level hints with capacity 1; waiters re-check state under mu.
	ready chan struct{}
	space chan struct{}
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int, pushTimeout time.Duration) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{
		frames:      make([]Frame, 0, capacity),
		capacity:    capacity,
		pushTimeout: pushTimeout,
		ready:       make(chan struct{}, 1),
		space:       make(chan struct{}, 1),
	}
}

// Push appends frame to the tail. It never blocks longer than the push timeout.
func (q *FrameQueue) Push(frame Frame) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.frames) < q.capacity {
			q.frames = append(q.frames, frame)
			q.mu.Unlock()
			signal(q.ready)
			return nil
		}
		if timer == nil && q.pushTimeout > 0 {
			timer = time.NewTimer(q.pushTimeout)
			q.mu.Unlock()
			continue
		}
		if timer != nil {
			q.mu.Unlock()
			select {
			case <-q.space:
				continue
			case <-timer.C:
				timer = nil
			}
			q.mu.Lock()
			if q.closed {
				q.mu.Unlock()
				return ErrQueueClosed
			}
			if len(q.frames) < q.capacity {
				q.frames = append(q.frames, frame)
				q.mu.Unlock()
				signal(q.ready)
				return nil
			}
		}
		// still full after the wait: drop the oldest frame
		q.frames[0] = nil
		q.frames = append(q.frames[1:], frame)
		q.evicted++
		q.mu.Unlock()
		signal(q.ready)
		return nil
	}
}

// Pop removes and returns the head frame together with the generation it was
// popped under. It waits at most timeout for a frame to arrive.
func (q *FrameQueue) Pop(timeout time.Duration) (Frame, uint64, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			gen := q.gen
			q.mu.Unlock()
			signal(q.space)
			return f, gen, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, 0, ErrQueueClosed
		}
		q.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-q.ready:
		case <-timer.C:
			timer = nil
			return nil, 0, ErrPopTimeout
		}
	}
}

// DrainAll discards every queued frame and advances the generation so that
// frames popped before the drain can be recognised as stale.
func (q *FrameQueue) DrainAll() int {
	q.mu.Lock()
	n := len(q.frames)
	q.frames = make([]Frame, 0, q.capacity)
	q.gen++
	q.mu.Unlock()
	signal(q.space)
	return n
}

// Generation reports how many times the queue has been drained.
func (q *FrameQueue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Evicted returns how many frames were dropped by the overflow policy.
func (q *FrameQueue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// Close wakes any waiter. Queued frames stay poppable until drained.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	signal(q.ready)
	signal(q.space)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
