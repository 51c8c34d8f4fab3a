package agents

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/deployplane/control_plane/observability"
	"github.com/itskum47/deployplane/control_plane/store"
	"github.com/itskum47/deployplane/protocol"
)

// Pruner drops idle per-agent state such as rate-limit buckets.
type Pruner interface {
	Prune(idle time.Duration) int
}

// Monitor periodically publishes how many agents resolve as ONLINE.
// It never writes agent status; liveness stays derived at read time.
type Monitor struct {
	store    store.Store
	interval time.Duration
	window   time.Duration
	pruner   Pruner
	logger   *zap.Logger
	now      func() time.Time
}

func NewMonitor(s store.Store, interval, window time.Duration, pruner Pruner, logger *zap.Logger) *Monitor {
	return &Monitor{
		store:    s,
		interval: interval,
		window:   window,
		pruner:   pruner,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs the loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("starting agent liveness monitor", zap.Duration("interval", m.interval), zap.Duration("window", m.window))
	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) int {
	list, err := m.store.ListAgents(ctx)
	if err != nil {
		m.logger.Warn("liveness monitor failed to list agents", zap.Error(err))
		return -1
	}

	now := m.now()
	online := 0
	for _, a := range list {
		if ResolveStatus(a, now, m.window) == protocol.AgentOnline {
			online++
		}
	}
	observability.OnlineAgents.Set(float64(online))

	if m.pruner != nil {
		if n := m.pruner.Prune(2 * m.window); n > 0 {
			m.logger.Debug("pruned idle heartbeat limiters", zap.Int("count", n))
		}
	}
	return online
}
