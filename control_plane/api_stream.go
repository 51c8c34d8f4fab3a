package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/itskum47/deployplane/control_plane/apperr"
	"github.com/itskum47/deployplane/control_plane/middleware"
	"github.com/itskum47/deployplane/logging"
	"github.com/itskum47/deployplane/protocol"
)

// handleAgentStream opens the push channel of one agent. The agent token is
// presented as a bearer token. A new channel supersedes any earlier one.
func (a *API) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	logger := logging.WithRequestID(r.Context(), a.logger)
	agentID := r.URL.Query().Get("id")
	if agentID == "" {
		a.writeError(w, r, apperr.Validation("id is required"))
		return
	}
	token := middleware.BearerToken(r)
	if token == "" {
		a.writeError(w, r, apperr.Auth("Authentication token missing"))
		return
	}
	if _, err := a.agents.Authenticate(r.Context(), agentID, token); err != nil {
		a.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("push channel upgrade failed", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	ch := newWSChannel(conn, a.logger)
	a.sendReady(ch, protocol.ReadyEvent{OK: true, AgentID: agentID})
	if err := a.registry.Register(agentID, ch); err != nil {
		logger.Warn("push channel rejected", zap.String("agent_id", agentID), zap.Error(err))
		ch.Close()
		ch.serve()
		return
	}
	logger.Info("push channel opened", zap.String("agent_id", agentID))
	ch.serve()
	logger.Info("push channel closed", zap.String("agent_id", agentID))
}

// handleJobStream streams log lines of one job followed by a single complete
// event, after which the server closes the stream.
func (a *API) handleJobStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		a.writeError(w, r, apperr.Validation("jobId is required"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WithRequestID(r.Context(), a.logger).Warn("job stream upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	ch := newWSChannel(conn, a.logger)
	a.sendReady(ch, protocol.ReadyEvent{OK: true, JobID: jobID})

	// Subscribe before reading the status so a terminal report landing in
	// between is delivered by CompleteJob. If the job is already finished and
	// CompleteJob has not claimed ch, complete it here.
	a.hub.SubscribeJob(jobID, ch)
	if job, err := a.jobs.GetJob(r.Context(), jobID); err == nil && job.Status.Terminal() {
		if a.hub.UnsubscribeJob(jobID, ch) {
			if env, err := protocol.NewEnvelope(protocol.EventComplete, protocol.CompleteEvent{JobID: jobID, Status: job.Status}); err == nil {
				ch.Send(env)
			}
			ch.Close()
		}
	}
	ch.serve()
}

// handleUserStream streams jobStatus events for jobs the user dispatched.
// It sits behind middleware.RequireUser.
func (a *API) handleUserStream(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WithRequestID(r.Context(), a.logger).Warn("user stream upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	ch := newWSChannel(conn, a.logger)
	a.sendReady(ch, protocol.ReadyEvent{OK: true, UserID: userID})
	a.hub.SubscribeUser(userID, ch)
	ch.serve()
}

func (a *API) sendReady(ch *wsChannel, ev protocol.ReadyEvent) {
	env, err := protocol.NewEnvelope(protocol.EventReady, ev)
	if err != nil {
		a.logger.Error("failed to encode ready event", zap.Error(err))
		return
	}
	ch.Send(env)
}
