package main

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/deployplane/control_plane/agents"
	"github.com/itskum47/deployplane/control_plane/apperr"
	"github.com/itskum47/deployplane/control_plane/jobs"
	"github.com/itskum47/deployplane/control_plane/observability"
	"github.com/itskum47/deployplane/control_plane/registry"
	"github.com/itskum47/deployplane/control_plane/store"
	"github.com/itskum47/deployplane/control_plane/streaming"
	"github.com/itskum47/deployplane/logging"
	"github.com/itskum47/deployplane/protocol"
)

// Dispatcher creates jobs, pushes them to agents and ingests what agents
// report back.
type Dispatcher struct {
	jobs     *jobs.Service
	agents   *agents.Manager
	registry *registry.Registry
	hub      *streaming.Hub
	logger   *zap.Logger
}

func NewDispatcher(js *jobs.Service, am *agents.Manager, reg *registry.Registry, hub *streaming.Hub, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		jobs:     js,
		agents:   am,
		registry: reg,
		hub:      hub,
		logger:   logger,
	}
}

// DispatchResult is returned to the operator. Pushed only means a channel
// accepted the event.
type DispatchResult struct {
	JobID  string `json:"jobId"`
	Pushed bool   `json:"pushed"`
}

type SmartDispatchRequest struct {
	ProjectID   string
	Environment string
	Type        protocol.JobType
	Version     string
	UserID      string
}

// SmartDispatch derives the agent and payload from project configuration.
func (d *Dispatcher) SmartDispatch(ctx context.Context, req SmartDispatchRequest) (*DispatchResult, error) {
	plan, err := d.jobs.BuildDeploymentPayload(ctx, req.ProjectID, req.Environment, req.Type, req.Version)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(plan.Payload)
	if err != nil {
		return nil, apperr.Server("failed to encode payload", err)
	}
	job, err := d.jobs.CreateJob(ctx, jobs.NewJob{
		AgentID:   plan.AgentID,
		ProjectID: plan.ProjectID,
		Type:      plan.Type,
		Payload:   payload,
		CreatedBy: req.UserID,
	})
	if err != nil {
		return nil, err
	}
	return d.push(ctx, job, "smart"), nil
}

type DirectDispatchRequest struct {
	AgentID   string
	ProjectID string
	Type      protocol.JobType
	Payload   json.RawMessage
	UserID    string
}

// DirectDispatch sends a caller-supplied payload verbatim. It is meant for
// trusted operator tooling.
func (d *Dispatcher) DirectDispatch(ctx context.Context, req DirectDispatchRequest) (*DispatchResult, error) {
	if req.AgentID == "" || req.Type == "" {
		return nil, apperr.Validation("agentId and type required")
	}
	if !req.Type.Valid() {
		return nil, apperr.Validation("unknown job type: %s", req.Type)
	}
	if _, err := protocol.DecodePayload(req.Type, req.Payload); err != nil {
		return nil, apperr.Validation("invalid payload: %v", err)
	}
	if _, err := d.agents.Get(ctx, req.AgentID); err != nil {
		return nil, err
	}
	job, err := d.jobs.CreateJob(ctx, jobs.NewJob{
		AgentID:   req.AgentID,
		ProjectID: req.ProjectID,
		Type:      req.Type,
		Payload:   req.Payload,
		CreatedBy: req.UserID,
	})
	if err != nil {
		return nil, err
	}
	return d.push(ctx, job, "direct"), nil
}

func (d *Dispatcher) push(ctx context.Context, job *store.Job, mode string) *DispatchResult {
	logger := logging.WithRequestID(ctx, d.logger)
	env, err := protocol.NewEnvelope(protocol.EventJob, protocol.JobEvent{
		JobID:     job.JobID,
		Type:      job.Type,
		ProjectID: job.ProjectID,
		Payload:   job.Payload,
	})
	pushed := false
	if err != nil {
		logger.Error("failed to encode job event", zap.String("job_id", job.JobID), zap.Error(err))
	} else {
		pushed = d.registry.Push(job.AgentID, env)
	}
	observability.JobsDispatched.WithLabelValues(string(job.Type), mode, strconv.FormatBool(pushed)).Inc()
	d.publishStatus(job)

	logger.Info("job dispatched",
		zap.String("job_id", job.JobID),
		zap.String("agent_id", job.AgentID),
		zap.String("type", string(job.Type)),
		zap.String("mode", mode),
		zap.Bool("pushed", pushed),
	)
	return &DispatchResult{JobID: job.JobID, Pushed: pushed}
}

// Report applies an agent status report. agentToken, when present, must
// belong to the job's agent.
func (d *Dispatcher) Report(ctx context.Context, req protocol.ReportRequest, agentToken string) error {
	logger := logging.WithRequestID(ctx, d.logger)
	if req.JobID == "" {
		return apperr.Validation("jobId required")
	}
	if agentToken != "" {
		if err := d.checkJobAgent(ctx, req.JobID, agentToken); err != nil {
			return err
		}
	}

	res, err := d.jobs.UpdateStatus(ctx, req.JobID, req.Status, req.FinishedAt)
	if err != nil {
		return err
	}
	if req.Status != "" {
		observability.JobReports.WithLabelValues(req.Status, strconv.FormatBool(res.Applied)).Inc()
	}
	if res.Job == nil || !res.Applied {
		return nil
	}

	job := res.Job
	logger.Info("job status updated",
		zap.String("job_id", job.JobID),
		zap.String("status", string(job.Status)),
	)
	d.publishStatus(job)
	if res.BecameTerminal {
		if job.StartedAt != nil && job.FinishedAt != nil {
			observability.JobDuration.WithLabelValues(string(job.Type), string(job.Status)).
				Observe(job.FinishedAt.Sub(*job.StartedAt).Seconds())
		}
		d.hub.CompleteJob(job.JobID, job.Status)
	}
	return nil
}

// Log relays one log line to live viewers of the job.
func (d *Dispatcher) Log(ctx context.Context, req protocol.LogRequest) error {
	if req.JobID == "" {
		return apperr.Validation("jobId required")
	}
	typ := req.Type
	if typ == "" {
		typ = protocol.LogInfo
	}
	observability.JobLogLines.WithLabelValues(typ).Inc()
	if req.Message != "" {
		logging.WithRequestID(ctx, d.logger).Debug("job log",
			zap.String("job_id", req.JobID),
			zap.String("type", typ),
			zap.String("message", req.Message),
		)
	}

	env, err := protocol.NewEnvelope(protocol.EventLog, protocol.LogEvent{
		Type:    typ,
		Message: req.Message,
		Ts:      time.Now().UnixMilli(),
	})
	if err != nil {
		return apperr.Server("failed to encode log event", err)
	}
	d.hub.PublishJob(req.JobID, env)
	return nil
}

func (d *Dispatcher) checkJobAgent(ctx context.Context, jobID, token string) error {
	job, err := d.jobs.GetJob(ctx, jobID)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = d.agents.Authenticate(ctx, job.AgentID, token)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	return err
}

// publishStatus notifies the user who dispatched the job.
func (d *Dispatcher) publishStatus(job *store.Job) {
	if job.CreatedBy == "" {
		return
	}
	env, err := protocol.NewEnvelope(protocol.EventJobStatus, protocol.JobStatusEvent{
		JobID:      job.JobID,
		ProjectID:  job.ProjectID,
		AgentID:    job.AgentID,
		Type:       job.Type,
		Status:     job.Status,
		FinishedAt: job.FinishedAt,
	})
	if err != nil {
		d.logger.Error("failed to encode job status event", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	d.hub.PublishUser(job.CreatedBy, env)
}
