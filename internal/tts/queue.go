package tts

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

const chunkQueueSize = 64

// chunkQueue buffers synthesizer output for Recv. One goroutine pushes
// and finishes it.
type chunkQueue struct {
	ch      chan Chunk
	mu      sync.Mutex
	err     error
	done    chan struct{}
	closing atomic.Bool
}

func newChunkQueue() *chunkQueue {
	return &chunkQueue{ch: make(chan Chunk, chunkQueueSize), done: make(chan struct{})}
}

func (q *chunkQueue) push(ctx context.Context, c Chunk) bool {
	select {
	case q.ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *chunkQueue) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
}

func (q *chunkQueue) finish() {
	close(q.ch)
	close(q.done)
}

func (q *chunkQueue) Recv(ctx context.Context) (Chunk, error) {
	select {
	case c, ok := <-q.ch:
		if !ok {
			q.mu.Lock()
			err := q.err
			q.mu.Unlock()
			if err != nil {
				return Chunk{}, err
			}
			return Chunk{}, io.EOF
		}
		return c, nil
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}
