package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/deployplane/protocol"
)

func TestJobQueueRunsInOrderOneAtATime(t *testing.T) {
	q := newJobQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		order    []string
		inFlight int32
		overlap  int32
		wg       sync.WaitGroup
	)
	const n = 20
	wg.Add(n)
	go q.Run(ctx, func(ctx context.Context, ev protocol.JobEvent) {
		defer wg.Done()
		if atomic.AddInt32(&inFlight, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		time.Sleep(time.Millisecond)
		mu.Lock()
		order = append(order, ev.JobID)
		mu.Unlock()
		atomic.AddInt32(&inFlight, -1)
	})

	for i := 0; i < n; i++ {
		q.Push(protocol.JobEvent{JobID: fmt.Sprintf("job_%02d", i)})
	}
	wg.Wait()

	require.Len(t, order, n)
	for i, id := range order {
		assert.Equal(t, fmt.Sprintf("job_%02d", i), id)
	}
	assert.Zero(t, atomic.LoadInt32(&overlap), "jobs overlapped")
	assert.Zero(t, q.Len())
}

func TestJobQueueStopsOnCancel(t *testing.T) {
	q := newJobQueue()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(context.Context, protocol.JobEvent) {})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	// Push after shutdown never blocks.
	q.Push(protocol.JobEvent{JobID: "late"})
	q.Push(protocol.JobEvent{JobID: "later"})
	assert.Equal(t, 2, q.Len())
}
