package registry

import (
	"errors"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/itskum47/deployplane/control_plane/observability"
	"github.com/itskum47/deployplane/protocol"
)

var ErrClosed = errors.New("registry closed")

// Channel is an open push channel to one agent.
type Channel interface {
	// Send queues env without blocking. It returns false if the channel is
	// closed or its buffer is full.
	Send(env protocol.Envelope) bool
	Close() error
	// Done is closed once the channel is closed by either side.
	Done() <-chan struct{}
}

// Registry maps agent ids to their current push channel. It is process-local:
// a restart drops every entry and agents re-handshake.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]Channel
	closed bool
	logger *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]Channel),
		logger: logger,
	}
}

// Register makes ch the channel for agentID. A previous channel for the same
// agent is closed. ch is removed automatically once it is done.
func (r *Registry) Register(agentID string, ch Channel) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ch.Close()
		return ErrClosed
	}
	old := r.conns[agentID]
	r.conns[agentID] = ch
	n := len(r.conns)
	r.mu.Unlock()

	observability.ConnectedAgents.Set(float64(n))
	if old != nil && old != ch {
		r.logger.Info("push channel superseded by reconnect", zap.String("agent_id", agentID))
		old.Close()
	}
	r.logger.Info("push channel registered", zap.String("agent_id", agentID), zap.Int("connected", n))

	go func() {
		<-ch.Done()
		r.Unregister(agentID, ch)
	}()
	return nil
}

// Unregister removes ch if it is still the current channel for agentID.
func (r *Registry) Unregister(agentID string, ch Channel) {
	r.mu.Lock()
	current, ok := r.conns[agentID]
	if !ok || current != ch {
		r.mu.Unlock()
		return
	}
	delete(r.conns, agentID)
	n := len(r.conns)
	r.mu.Unlock()

	observability.ConnectedAgents.Set(float64(n))
	r.logger.Info("push channel unregistered", zap.String("agent_id", agentID), zap.Int("connected", n))
}

// Push sends env to the agent's channel. It reports whether a channel took
// the event; it does not mean the agent received or acted on it. Events for
// agents without a channel are dropped.
func (r *Registry) Push(agentID string, env protocol.Envelope) bool {
	r.mu.Lock()
	ch, ok := r.conns[agentID]
	r.mu.Unlock()

	delivered := ok && ch.Send(env)
	observability.PushEvents.WithLabelValues(env.Event, strconv.FormatBool(delivered)).Inc()
	if !delivered {
		r.logger.Debug("push not delivered", zap.String("agent_id", agentID), zap.String("event", env.Event), zap.Bool("connected", ok))
	}
	return delivered
}

func (r *Registry) IsConnected(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[agentID]
	return ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close tears down every channel. Later registrations fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	conns := r.conns
	r.conns = make(map[string]Channel)
	r.mu.Unlock()

	r.logger.Info("closing connection registry", zap.Int("channels", len(conns)))
	for _, ch := range conns {
		ch.Close()
	}
	observability.ConnectedAgents.Set(0)
}
