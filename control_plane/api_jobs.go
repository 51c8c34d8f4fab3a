package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/itskum47/deployplane/control_plane/apperr"
	"github.com/itskum47/deployplane/control_plane/middleware"
	"github.com/itskum47/deployplane/control_plane/store"
	"github.com/itskum47/deployplane/protocol"
)

type dispatchRequest struct {
	Action      string           `json:"action"`
	ProjectID   string           `json:"projectId"`
	Environment string           `json:"environment"`
	AgentID     string           `json:"agentId"`
	Type        protocol.JobType `json:"type"`
	Version     string           `json:"version"`
	Payload     json.RawMessage  `json:"payload"`
	UserID      string           `json:"userId"`
	CreatedBy   string           `json:"createdBy"`
}

// handleJobsPost multiplexes agent reports and logs with operator dispatch.
// Report and log calls always succeed for a well-formed body; the job
// outcome they carry is not a control-plane error.
func (a *API) handleJobsPost(w http.ResponseWriter, r *http.Request) {
	var probe struct {
		Action string `json:"action"`
	}
	raw, err := decodeBody(r, &probe)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	switch probe.Action {
	case protocol.ActionReport:
		var req protocol.ReportRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			a.writeError(w, r, apperr.Validation("invalid report body"))
			return
		}
		if err := a.dispatcher.Report(r.Context(), req, middleware.BearerToken(r)); err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case protocol.ActionLog:
		var req protocol.LogRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			a.writeError(w, r, apperr.Validation("invalid log body"))
			return
		}
		if err := a.dispatcher.Log(r.Context(), req); err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case "", protocol.ActionDispatch:
		r.Body = readCloser(raw)
		a.withIdempotency(a.handleDispatch)(w, r)

	default:
		a.writeError(w, r, apperr.Validation("unknown action: %s", probe.Action))
	}
}

func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if _, err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	userID, err := a.requireUser(r, firstNonEmpty(req.UserID, req.CreatedBy))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var res *DispatchResult
	if req.AgentID == "" && req.ProjectID != "" && req.Environment != "" {
		res, err = a.dispatcher.SmartDispatch(r.Context(), SmartDispatchRequest{
			ProjectID:   req.ProjectID,
			Environment: req.Environment,
			Type:        req.Type,
			Version:     req.Version,
			UserID:      userID,
		})
	} else {
		res, err = a.dispatcher.DirectDispatch(r.Context(), DirectDispatchRequest{
			AgentID:   req.AgentID,
			ProjectID: req.ProjectID,
			Type:      req.Type,
			Payload:   req.Payload,
			UserID:    userID,
		})
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleJobsGet(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireUser(r, ""); err != nil {
		a.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := store.JobFilter{
		JobID:       q.Get("jobId"),
		ProjectID:   q.Get("projectId"),
		Environment: q.Get("environment"),
		Status:      protocol.JobStatus(strings.ToUpper(q.Get("status"))),
		AgentID:     q.Get("agentId"),
	}
	if t := q.Get("type"); t != "" {
		f.Types = []protocol.JobType{protocol.JobType(t)}
	}
	page, err := a.jobs.ListJobs(r.Context(), f, queryInt(r, "limit"), queryInt(r, "skip"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
