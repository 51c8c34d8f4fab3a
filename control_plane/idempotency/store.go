package idempotency

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// State is the two-phase idempotency state.
type State string

const (
	StateLocked State = "LOCKED" // execution in progress
	StateResult State = "RESULT" // execution complete
)

const (
	DefaultLockTTL     = 2 * time.Minute
	DefaultResultTTL   = 24 * time.Hour
	defaultWaitTimeout = 30 * time.Second
)

var ErrLockExpired = errors.New("idempotency lock expired without result")

// Response is a cached HTTP response.
type Response struct {
	StatusCode int               `json:"status_code"`
	Body       []byte            `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Record is what a backend stores under a key.
type Record struct {
	State     State     `json:"state"`
	Response  *Response `json:"response,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend persists idempotency records.
type Backend interface {
	// Get returns the record for key, or nil if none exists.
	Get(ctx context.Context, key string) (*Record, error)
	// Lock marks key as LOCKED if no record exists yet.
	Lock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Store saves the RESULT record and releases the lock.
	Store(ctx context.Context, key string, resp *Response, ttl time.Duration) error
	// Unlock drops a lock without storing a result.
	Unlock(ctx context.Context, key string) error
}

// Store coordinates LOCK -> EXECUTE -> RESULT over a Backend.
type Store struct {
	backend     Backend
	logger      *zap.Logger
	lockTTL     time.Duration
	resultTTL   time.Duration
	waitTimeout time.Duration
	pollMin     time.Duration
	pollMax     time.Duration
}

func NewStore(backend Backend, logger *zap.Logger) *Store {
	return &Store{
		backend:     backend,
		logger:      logger,
		lockTTL:     DefaultLockTTL,
		resultTTL:   DefaultResultTTL,
		waitTimeout: defaultWaitTimeout,
		pollMin:     100 * time.Millisecond,
		pollMax:     2 * time.Second,
	}
}

// Execute runs fn at most once per key while its result is retained.
// Concurrent callers with the same key wait for the first result.
// replayed is true when resp came from the cache.
func (s *Store) Execute(ctx context.Context, key string, fn func(context.Context) (*Response, error)) (resp *Response, replayed bool, err error) {
	existing, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.State == StateResult {
			return existing.Response, true, nil
		}
		resp, err := s.wait(ctx, key)
		return resp, err == nil, err
	}

	acquired, err := s.backend.Lock(ctx, key, s.lockTTL)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		resp, err := s.wait(ctx, key)
		return resp, err == nil, err
	}

	resp, err = fn(ctx)
	if err != nil {
		if uerr := s.backend.Unlock(ctx, key); uerr != nil {
			s.logger.Warn("failed to release idempotency lock", zap.String("key", key), zap.Error(uerr))
		}
		return nil, false, err
	}

	if err := s.backend.Store(ctx, key, resp, s.resultTTL); err != nil {
		// Execution succeeded; only the replay is lost.
		s.logger.Error("failed to store idempotency result", zap.String("key", key), zap.Error(err))
	}
	return resp, false, nil
}

func (s *Store) wait(ctx context.Context, key string) (*Response, error) {
	deadline := time.Now().Add(s.waitTimeout)
	backoff := s.pollMin

	for time.Now().Before(deadline) {
		rec, err := s.backend.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrLockExpired
		}
		if rec.State == StateResult {
			return rec.Response, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.pollMax {
			backoff = s.pollMax
		}
	}
	return nil, errors.New("timeout waiting for idempotent request to complete")
}
