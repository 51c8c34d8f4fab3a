package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedAgents tracks agents with an open push channel.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deployplane_agents_connected",
		Help: "Number of agents with a registered push channel",
	})

	// OnlineAgents tracks agents whose last heartbeat is inside the liveness window.
	OnlineAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deployplane_agents_online",
		Help: "Number of agents currently resolved as ONLINE",
	})

	// AgentHandshakes counts handshakes by outcome.
	AgentHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployplane_agent_handshakes_total",
		Help: "Agent handshakes by result",
	}, []string{"result"})

	// PushEvents counts registry pushes by event and whether a channel accepted it.
	PushEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployplane_push_events_total",
		Help: "Events pushed to agents",
	}, []string{"event", "delivered"})

	// JobsDispatched counts dispatches by job type and mode (smart, direct).
	JobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployplane_jobs_dispatched_total",
		Help: "Jobs created by dispatch",
	}, []string{"type", "mode", "pushed"})

	// JobReports counts agent status reports by status and whether they changed the record.
	JobReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployplane_job_reports_total",
		Help: "Job status reports received from agents",
	}, []string{"status", "applied"})

	// JobDuration observes dispatch-to-terminal time.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deployplane_job_duration_seconds",
		Help:    "Time from dispatch to terminal status",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"type", "status"})

	// JobLogLines counts log events relayed from agents.
	JobLogLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployplane_job_log_lines_total",
		Help: "Log events received from agents",
	}, []string{"type"})

	// StreamSubscribers tracks open fan-out subscribers by scope (job, user).
	StreamSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "deployplane_stream_subscribers",
		Help: "Open log/event subscriber channels",
	}, []string{"scope"})

	// StreamDropped counts events dropped because a subscriber buffer was full.
	StreamDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployplane_stream_dropped_total",
		Help: "Events dropped for slow subscribers",
	}, []string{"scope"})

	// APIRateLimited counts requests rejected by storm protection.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployplane_api_rate_limited_total",
		Help: "Requests rejected by rate limiting",
	}, []string{"endpoint"})

	// RedisLatency tracks idempotency cache round trips.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deployplane_redis_latency_seconds",
		Help:    "Latency of Redis idempotency operations",
		Buckets: prometheus.DefBuckets,
	})
)
