package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/agent-command/chatd/internal/protocol"
)

// ErrDone is returned by Next once the queue is closed and drained.
var ErrDone = errors.New("queue closed")

// Queue buffers inbound frames between the transport reader and the single
// consumer loop. Frames come out in strict arrival order; a consumer that
// finds the queue empty suspends until a frame arrives or the queue closes.
type Queue struct {
	mu      sync.Mutex
	frames  []*protocol.Frame
	waiters []chan *protocol.Frame
	closed  bool
}

func New() *Queue {
	return &Queue{}
}

// Push appends a frame and, if a consumer is suspended, hands it over
// directly. A waiter only exists while the buffer is empty, so direct
// handoff cannot reorder.
func (q *Queue) Push(f *protocol.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- f
		return
	}
	q.frames = append(q.frames, f)
}

// Next returns the head frame, suspending while the queue is empty. After
// Close, buffered frames are still drained in order; once empty it returns
// ErrDone.
func (q *Queue) Next(ctx context.Context) (*protocol.Frame, error) {
	q.mu.Lock()
	if len(q.frames) > 0 {
		f := q.frames[0]
		q.frames = q.frames[1:]
		q.mu.Unlock()
		return f, nil
	}
	if q.closed {
		q.mu.Unlock()
		return nil, ErrDone
	}
	w := make(chan *protocol.Frame, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case f := <-w:
		if f == nil {
			return nil, ErrDone
		}
		return f, nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, other := range q.waiters {
			if other == w {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
		// A frame may have been handed over before we deregistered.
		select {
		case f := <-w:
			if f != nil {
				return f, nil
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// Close marks the end of the frame stream and wakes every suspended
// consumer with ErrDone. Pushes after Close are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for _, w := range q.waiters {
		w <- nil
	}
	q.waiters = nil
}

// Len reports the number of buffered frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
