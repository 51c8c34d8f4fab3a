package streaming

import (
	"sync"

	"go.uber.org/zap"

	"github.com/itskum47/deployplane/control_plane/observability"
	"github.com/itskum47/deployplane/protocol"
)

const (
	scopeJob  = "job"
	scopeUser = "user"
)

// Subscriber is a live viewer connection. Send must not block.
type Subscriber interface {
	Send(env protocol.Envelope) bool
	// Close flushes what was already sent and then closes the connection.
	Close() error
	Done() <-chan struct{}
}

type topic struct {
	scope string
	subs  map[string]map[Subscriber]struct{}
}

func newTopic(scope string) *topic {
	return &topic{scope: scope, subs: make(map[string]map[Subscriber]struct{})}
}

// Hub fans events out to per-job and per-user subscribers.
type Hub struct {
	mu     sync.Mutex
	jobs   *topic
	users  *topic
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		jobs:   newTopic(scopeJob),
		users:  newTopic(scopeUser),
		logger: logger,
	}
}

func (h *Hub) SubscribeJob(jobID string, s Subscriber) {
	h.subscribe(h.jobs, jobID, s)
}

func (h *Hub) SubscribeUser(userID string, s Subscriber) {
	h.subscribe(h.users, userID, s)
}

// UnsubscribeJob removes s from jobID. It reports false when s was no
// longer subscribed, for example because CompleteJob already closed it.
func (h *Hub) UnsubscribeJob(jobID string, s Subscriber) bool {
	return h.unsubscribe(h.jobs, jobID, s)
}

func (h *Hub) UnsubscribeUser(userID string, s Subscriber) bool {
	return h.unsubscribe(h.users, userID, s)
}

// PublishJob delivers env to every subscriber of jobID and returns how many
// accepted it.
func (h *Hub) PublishJob(jobID string, env protocol.Envelope) int {
	return h.publish(h.jobs, jobID, env)
}

func (h *Hub) PublishUser(userID string, env protocol.Envelope) int {
	return h.publish(h.users, userID, env)
}

// CompleteJob sends the complete event to every subscriber of jobID, then
// closes and removes them.
func (h *Hub) CompleteJob(jobID string, status protocol.JobStatus) int {
	env, err := protocol.NewEnvelope(protocol.EventComplete, protocol.CompleteEvent{JobID: jobID, Status: status})
	if err != nil {
		h.logger.Error("failed to encode complete event", zap.String("job_id", jobID), zap.Error(err))
		return 0
	}

	h.mu.Lock()
	subs := h.jobs.subs[jobID]
	delete(h.jobs.subs, jobID)
	h.mu.Unlock()

	sent := 0
	for s := range subs {
		if s.Send(env) {
			sent++
		}
		s.Close()
	}
	if len(subs) > 0 {
		observability.StreamSubscribers.WithLabelValues(scopeJob).Sub(float64(len(subs)))
		h.logger.Debug("job stream completed", zap.String("job_id", jobID), zap.String("status", string(status)), zap.Int("subscribers", len(subs)))
	}
	return sent
}

func (h *Hub) JobSubscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs.subs[jobID])
}

func (h *Hub) UserSubscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users.subs[userID])
}

// Close closes every subscriber of both scopes.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []Subscriber
	for _, t := range []*topic{h.jobs, h.users} {
		n := 0
		for _, set := range t.subs {
			for s := range set {
				all = append(all, s)
				n++
			}
		}
		t.subs = make(map[string]map[Subscriber]struct{})
		observability.StreamSubscribers.WithLabelValues(t.scope).Sub(float64(n))
	}
	h.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

func (h *Hub) subscribe(t *topic, key string, s Subscriber) {
	h.mu.Lock()
	set, ok := t.subs[key]
	if !ok {
		set = make(map[Subscriber]struct{})
		t.subs[key] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	observability.StreamSubscribers.WithLabelValues(t.scope).Inc()
	go func() {
		<-s.Done()
		h.unsubscribe(t, key, s)
	}()
}

func (h *Hub) unsubscribe(t *topic, key string, s Subscriber) bool {
	h.mu.Lock()
	set, ok := t.subs[key]
	if !ok {
		h.mu.Unlock()
		return false
	}
	if _, ok := set[s]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(t.subs, key)
	}
	h.mu.Unlock()

	observability.StreamSubscribers.WithLabelValues(t.scope).Dec()
	return true
}

func (h *Hub) publish(t *topic, key string, env protocol.Envelope) int {
	h.mu.Lock()
	set := t.subs[key]
	subs := make([]Subscriber, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	sent := 0
	for _, s := range subs {
		if s.Send(env) {
			sent++
			continue
		}
		observability.StreamDropped.WithLabelValues(t.scope).Inc()
		h.logger.Debug("dropped event for slow subscriber", zap.String("scope", t.scope), zap.String("key", key), zap.String("event", env.Event))
	}
	return sent
}
