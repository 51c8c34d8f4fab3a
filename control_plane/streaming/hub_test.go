package streaming

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itskum47/deployplane/protocol"
)

type bufferedSub struct {
	mu     sync.Mutex
	events []protocol.Envelope
	limit  int
	done   chan struct{}
	once   sync.Once
}

func newSub(limit int) *bufferedSub {
	return &bufferedSub{limit: limit, done: make(chan struct{})}
}

func (s *bufferedSub) Send(env protocol.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	if s.limit > 0 && len(s.events) >= s.limit {
		return false
	}
	s.events = append(s.events, env)
	return true
}

func (s *bufferedSub) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *bufferedSub) Done() <-chan struct{} { return s.done }

func (s *bufferedSub) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Event)
	}
	return out
}

func logEnv(t *testing.T, msg string) protocol.Envelope {
	env, err := protocol.NewEnvelope(protocol.EventLog, protocol.LogEvent{Type: protocol.LogInfo, Message: msg})
	require.NoError(t, err)
	return env
}

func TestLogsPrecedeCompleteAndStreamCloses(t *testing.T) {
	h := NewHub(zap.NewNop())
	sub := newSub(0)
	h.SubscribeJob("job_1", sub)

	assert.Equal(t, 1, h.PublishJob("job_1", logEnv(t, "cloning")))
	assert.Equal(t, 1, h.PublishJob("job_1", logEnv(t, "building")))
	assert.Equal(t, 1, h.CompleteJob("job_1", protocol.StatusSuccess))

	assert.Equal(t, []string{"log", "log", "complete"}, sub.names())
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscriber not closed after complete")
	}
	assert.Equal(t, 0, h.JobSubscribers("job_1"))

	var done protocol.CompleteEvent
	require.NoError(t, json.Unmarshal(sub.events[2].Data, &done))
	assert.Equal(t, protocol.StatusSuccess, done.Status)
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	h := NewHub(zap.NewNop())
	assert.Equal(t, 0, h.PublishJob("nobody", logEnv(t, "x")))
	assert.Equal(t, 0, h.CompleteJob("nobody", protocol.StatusFailed))
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := NewHub(zap.NewNop())
	slow := newSub(1)
	fast := newSub(0)
	h.SubscribeJob("job_2", slow)
	h.SubscribeJob("job_2", fast)

	for i := 0; i < 5; i++ {
		h.PublishJob("job_2", logEnv(t, "line"))
	}
	assert.Len(t, slow.names(), 1)
	assert.Len(t, fast.names(), 5)
}

func TestDisconnectedSubscriberIsRemoved(t *testing.T) {
	h := NewHub(zap.NewNop())
	sub := newSub(0)
	h.SubscribeJob("job_3", sub)
	require.Equal(t, 1, h.JobSubscribers("job_3"))

	sub.Close()
	assert.Eventually(t, func() bool { return h.JobSubscribers("job_3") == 0 }, time.Second, 5*time.Millisecond)
}

func TestUserScopeIsIndependent(t *testing.T) {
	h := NewHub(zap.NewNop())
	user := newSub(0)
	job := newSub(0)
	h.SubscribeUser("u1", user)
	h.SubscribeJob("job_4", job)

	env, err := protocol.NewEnvelope(protocol.EventJobStatus, protocol.JobStatusEvent{JobID: "job_4", Status: protocol.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, h.PublishUser("u1", env))
	assert.Equal(t, 0, h.PublishUser("u2", env))

	h.CompleteJob("job_4", protocol.StatusFailed)
	assert.Equal(t, []string{"jobStatus"}, user.names())
	assert.Equal(t, 1, h.UserSubscribers("u1"))

	h.UnsubscribeUser("u1", user)
	assert.Equal(t, 0, h.UserSubscribers("u1"))
}

func TestCloseClosesEverySubscriber(t *testing.T) {
	h := NewHub(zap.NewNop())
	a, b := newSub(0), newSub(0)
	h.SubscribeJob("j", a)
	h.SubscribeUser("u", b)

	h.Close()
	for _, s := range []*bufferedSub{a, b} {
		select {
		case <-s.Done():
		default:
			t.Fatal("subscriber left open")
		}
	}
	assert.Equal(t, 0, h.JobSubscribers("j"))
	assert.Equal(t, 0, h.UserSubscribers("u"))
}

func TestUnsubscribeJobReportsWhetherStillSubscribed(t *testing.T) {
	h := NewHub(zap.NewNop())
	sub := newSub(0)
	h.SubscribeJob("job_1", sub)
	assert.True(t, h.UnsubscribeJob("job_1", sub))
	assert.False(t, h.UnsubscribeJob("job_1", sub))

	completed := newSub(0)
	h.SubscribeJob("job_2", completed)
	h.CompleteJob("job_2", protocol.StatusFailed)
	assert.False(t, h.UnsubscribeJob("job_2", completed))
	assert.Equal(t, []string{protocol.EventComplete}, completed.names())
}
