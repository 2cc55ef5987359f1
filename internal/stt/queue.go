package stt

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

const resultQueueSize = 64

// resultQueue is the bounded buffer between a vendor read loop and Recv.
// Exactly one goroutine pushes and finishes it.
type resultQueue struct {
	ch      chan Result
	mu      sync.Mutex
	err     error
	done    chan struct{}
	closing atomic.Bool
	// finalSeen is signalled when a final arrives after close began.
	finalSeen chan struct{}
}

func newResultQueue() *resultQueue {
	return &resultQueue{
		ch:        make(chan Result, resultQueueSize),
		done:      make(chan struct{}),
		finalSeen: make(chan struct{}, 1),
	}
}

func (q *resultQueue) push(ctx context.Context, r Result) bool {
	r.AfterClose = q.closing.Load()
	select {
	case q.ch <- r:
	case <-ctx.Done():
		return false
	}
	if r.Final && r.AfterClose {
		select {
		case q.finalSeen <- struct{}{}:
		default:
		}
	}
	return true
}

func (q *resultQueue) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
}

func (q *resultQueue) finish() {
	close(q.ch)
	close(q.done)
}

func (q *resultQueue) failure() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *resultQueue) Recv(ctx context.Context) (Result, error) {
	select {
	case r, ok := <-q.ch:
		if !ok {
			if err := q.failure(); err != nil {
				return Result{}, err
			}
			return Result{}, io.EOF
		}
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
