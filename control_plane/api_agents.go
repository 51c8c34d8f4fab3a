package main

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/itskum47/deployplane/control_plane/agents"
	"github.com/itskum47/deployplane/control_plane/apperr"
	"github.com/itskum47/deployplane/control_plane/jobs"
	"github.com/itskum47/deployplane/control_plane/middleware"
	"github.com/itskum47/deployplane/control_plane/observability"
	"github.com/itskum47/deployplane/control_plane/store"
	"github.com/itskum47/deployplane/logging"
	"github.com/itskum47/deployplane/protocol"
)

const recentJobsLimit = 20

type registerAgentRequest struct {
	Action      string `json:"action"`
	Name        string `json:"name"`
	HostType    string `json:"hostType"`
	Description string `json:"description"`
	UserID      string `json:"userId"`
}

// handleAgentsPost multiplexes agent registration and the agent-originated
// handshake and heartbeat calls on the action field.
func (a *API) handleAgentsPost(w http.ResponseWriter, r *http.Request) {
	var probe struct {
		Action string `json:"action"`
	}
	raw, err := decodeBody(r, &probe)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	switch probe.Action {
	case protocol.ActionHandshake:
		var req protocol.HandshakeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			a.writeError(w, r, apperr.Validation("invalid handshake body"))
			return
		}
		resp, err := a.agents.Handshake(r.Context(), req, baseURL(r))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)

	case protocol.ActionHeartbeat:
		var req protocol.HeartbeatRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			a.writeError(w, r, apperr.Validation("invalid heartbeat body"))
			return
		}
		if req.AgentID == "" {
			a.writeError(w, r, apperr.Validation("agentId is required"))
			return
		}
		if a.heartbeatLimiter != nil && !a.heartbeatLimiter.Allow(req.AgentID) {
			observability.APIRateLimited.WithLabelValues("heartbeat").Inc()
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many heartbeats"})
			return
		}
		resp, err := a.agents.Heartbeat(r.Context(), req.AgentID, req.Token)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)

	case "", "register":
		var req registerAgentRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			a.writeError(w, r, apperr.Validation("invalid register body"))
			return
		}
		token, userID := middleware.Credentials(r, req.UserID)
		agent, err := a.agents.Register(r.Context(), agents.RegisterInput{
			Name:        req.Name,
			HostType:    req.HostType,
			Description: req.Description,
			UserID:      userID,
			Token:       token,
		})
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, agent)

	default:
		a.writeError(w, r, apperr.Validation("unknown action: %s", probe.Action))
	}
}

type agentDetail struct {
	*store.Agent
	IsConnected      bool              `json:"isConnected"`
	Stats            *jobs.AgentStats  `json:"stats"`
	AssignedProjects []*assignedTarget `json:"assignedProjects"`
	RecentJobs       []*store.Job      `json:"recentJobs"`
}

type assignedTarget struct {
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
	Environment string `json:"environment"`
}

type agentListItem struct {
	*store.Agent
	IsConnected bool `json:"isConnected"`
}

func (a *API) handleAgentsGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("id")

	switch q.Get("action") {
	case "download":
		if _, err := a.requireUser(r, ""); err != nil {
			a.writeError(w, r, err)
			return
		}
		script, err := a.agents.InstallScript(r.Context(), id, q.Get("os"), baseURL(r))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", script.ContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+script.Filename+`"`)
		w.WriteHeader(http.StatusOK)
		w.Write(script.Body)
		return

	case "validate":
		v, err := a.agents.Validate(r.Context(), id)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{
			"online":     v.Online,
			"status":     v.Status,
			"lastSeenAt": v.LastSeenAt,
			"connected":  a.registry.IsConnected(id),
		})
		return

	case "config":
		if _, err := a.requireUser(r, ""); err != nil {
			a.writeError(w, r, err)
			return
		}
		cfg, err := a.agents.ManualConfig(r.Context(), id, baseURL(r))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, cfg)
		return
	}

	if _, err := a.requireUser(r, ""); err != nil {
		a.writeError(w, r, err)
		return
	}
	if id != "" {
		detail, err := a.agentDetail(r, id)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, detail)
		return
	}

	list, err := a.agents.List(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	items := make([]agentListItem, 0, len(list))
	for _, ag := range list {
		items = append(items, agentListItem{Agent: ag, IsConnected: a.registry.IsConnected(ag.ID)})
	}
	writeData(w, http.StatusOK, items)
}

func (a *API) agentDetail(r *http.Request, id string) (*agentDetail, error) {
	ctx := r.Context()
	agent, err := a.agents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	agent.Token = ""

	stats, err := a.jobs.AgentStats(ctx, id)
	if err != nil {
		return nil, err
	}
	recent, err := a.jobs.ListJobs(ctx, store.JobFilter{AgentID: id}, recentJobsLimit, 0)
	if err != nil {
		return nil, err
	}
	projects, err := a.jobs.ListProjects(ctx, "")
	if err != nil {
		return nil, err
	}
	assigned := []*assignedTarget{}
	for _, p := range projects {
		for _, t := range p.Targets {
			if t.AgentID == id {
				assigned = append(assigned, &assignedTarget{ProjectID: p.ID, ProjectName: p.Name, Environment: t.Environment})
			}
		}
	}

	return &agentDetail{
		Agent:            agent,
		IsConnected:      a.registry.IsConnected(id),
		Stats:            stats,
		AssignedProjects: assigned,
		RecentJobs:       recent.Jobs,
	}, nil
}

func (a *API) handleAgentsDelete(w http.ResponseWriter, r *http.Request) {
	userID, err := a.requireUser(r, "")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		a.writeError(w, r, apperr.Validation("id is required"))
		return
	}
	if err := a.agents.Delete(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	if a.heartbeatLimiter != nil {
		a.heartbeatLimiter.Forget(id)
	}
	logging.WithRequestID(r.Context(), a.logger).Info("agent deleted by operator",
		zap.String("agent_id", id),
		zap.String("user_id", userID),
	)
	writeData(w, http.StatusOK, map[string]bool{"success": true})
}
