package idempotency

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(b Backend) *Store {
	s := NewStore(b, zap.NewNop())
	s.pollMin = 5 * time.Millisecond
	s.pollMax = 20 * time.Millisecond
	s.waitTimeout = 2 * time.Second
	return s
}

func TestExecuteReplaysResult(t *testing.T) {
	s := newTestStore(NewMemoryBackend())
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) (*Response, error) {
		calls++
		return &Response{StatusCode: 200, Body: []byte(`{"data":{"jobId":"job_1"}}`)}, nil
	}

	resp, replayed, err := s.Execute(ctx, "k1", fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 200, resp.StatusCode)

	resp, replayed, err = s.Execute(ctx, "k1", fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.JSONEq(t, `{"data":{"jobId":"job_1"}}`, string(resp.Body))
	assert.Equal(t, 1, calls)
}

func TestExecuteFailureReleasesLock(t *testing.T) {
	s := newTestStore(NewMemoryBackend())
	ctx := context.Background()

	_, _, err := s.Execute(ctx, "k1", func(context.Context) (*Response, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	resp, replayed, err := s.Execute(ctx, "k1", func(context.Context) (*Response, error) {
		return &Response{StatusCode: 201}, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 201, resp.StatusCode)
}

func TestExecuteConcurrentCallersRunOnce(t *testing.T) {
	s := newTestStore(NewMemoryBackend())
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	fn := func(context.Context) (*Response, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &Response{StatusCode: 200, Body: []byte("once")}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _, err := s.Execute(ctx, "shared", fn)
			assert.NoError(t, err)
			if resp != nil {
				assert.Equal(t, "once", string(resp.Body))
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMemoryBackendExpires(t *testing.T) {
	b := NewMemoryBackend()
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, b.Store(ctx, "k", &Response{StatusCode: 200}, time.Minute))
	rec, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, rec)

	now = now.Add(2 * time.Minute)
	rec, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	b, err := NewRedisBackend(ctx, addr, "", 0)
	require.NoError(t, err)
	defer b.Close()

	s := newTestStore(b)
	key := uuid.NewString()
	calls := 0
	fn := func(context.Context) (*Response, error) {
		calls++
		return &Response{StatusCode: 200, Body: []byte("ok")}, nil
	}

	_, replayed, err := s.Execute(ctx, key, fn)
	require.NoError(t, err)
	assert.False(t, replayed)

	resp, replayed, err := s.Execute(ctx, key, fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, 1, calls)
}
