package main

import (
	"context"
	"sync"

	"github.com/itskum47/deployplane/protocol"
)

// jobQueue is a FIFO of received jobs drained by a single worker, so jobs on
// one agent never run concurrently.
type jobQueue struct {
	mu      sync.Mutex
	pending []protocol.JobEvent
	wake    chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{wake: make(chan struct{}, 1)}
}

// Push appends a job and wakes the worker. It never blocks.
func (q *jobQueue) Push(ev protocol.JobEvent) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *jobQueue) pop() (protocol.JobEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return protocol.JobEvent{}, false
	}
	ev := q.pending[0]
	q.pending[0] = protocol.JobEvent{}
	q.pending = q.pending[1:]
	return ev, true
}

func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run handles queued jobs one at a time until ctx is done. Jobs still
// pending at shutdown are dropped.
func (q *jobQueue) Run(ctx context.Context, handle func(context.Context, protocol.JobEvent)) {
	for {
		for {
			if ctx.Err() != nil {
				return
			}
			ev, ok := q.pop()
			if !ok {
				break
			}
			handle(ctx, ev)
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return
		}
	}
}
