package jobs

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/deployplane/control_plane/apperr"
	"github.com/itskum47/deployplane/control_plane/store"
	"github.com/itskum47/deployplane/protocol"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200

	commandSeparator = " && "
	defaultBranch    = "main"
)

// Service resolves payloads and owns job records.
type Service struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(st store.Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger, now: time.Now}
}

// Plan is the resolved target of a smart dispatch.
type Plan struct {
	AgentID   string
	ProjectID string
	Type      protocol.JobType
	Payload   protocol.Payload
}

// BuildDeploymentPayload resolves (project, environment, type) into the agent
// to use and a payload derived only from stored configuration.
func (s *Service) BuildDeploymentPayload(ctx context.Context, projectID, env string, t protocol.JobType, version string) (*Plan, error) {
	if projectID == "" || env == "" {
		return nil, apperr.Validation("projectId and environment are required")
	}
	if t == "" {
		t = protocol.JobDeploy
	}
	if !t.Valid() {
		return nil, apperr.Validation("unknown job type: %s", t)
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, apperr.Server("failed to load project", err)
	}
	if project == nil {
		return nil, apperr.NotFound("Project not found")
	}
	target := project.Target(env)
	if target == nil {
		return nil, apperr.Validation("No deployment target configured for environment: %s", env)
	}
	if target.AgentID == "" {
		return nil, apperr.Validation("Deployment target for environment %s has no agent", env)
	}

	var build, run, stop []string
	if project.PipelineTemplateID != "" {
		tpl, err := s.store.GetTemplate(ctx, project.PipelineTemplateID)
		if err != nil {
			return nil, apperr.Server("failed to load pipeline template", err)
		}
		if tpl != nil {
			build, run, stop = tpl.BuildCommands, tpl.RunCommands, tpl.StopCommands
		} else {
			s.logger.Warn("pipeline template missing, dispatching without commands",
				zap.String("project_id", projectID), zap.String("template_id", project.PipelineTemplateID))
		}
	}

	plan := &Plan{AgentID: target.AgentID, ProjectID: project.ID, Type: t}
	switch t {
	case protocol.JobDeploy:
		p := &protocol.DeployPayload{
			Environment: env,
			ProjectName: project.Name,
			Repository:  project.RepoURL,
			Branch:      firstNonEmpty(project.Branch, defaultBranch),
			Commands:    nonNil(build),
			Artifacts:   target.Artifacts,
			DeployPath:  target.DeployPath,
			SourcePath:  target.SourcePath,
			EnvVars:     project.EnvVars,
			AutoStart:   target.AutoStart,
			Version:     version,
			Container:   target.Container,
		}
		if p.Artifacts == nil {
			p.Artifacts = []protocol.Artifact{}
		}
		if p.EnvVars == nil {
			p.EnvVars = []protocol.EnvVar{}
		}
		if target.AutoStart {
			p.StartCommand = strings.Join(run, commandSeparator)
		}
		plan.Payload = p
	case protocol.JobStart, protocol.JobStop, protocol.JobRestart:
		p := &protocol.ServiceControlPayload{
			Environment: env,
			ProjectName: project.Name,
			WorkDir:     target.DeployPath,
			Container:   target.Container,
		}
		switch t {
		case protocol.JobStart:
			p.StartCommand = strings.Join(run, commandSeparator)
		case protocol.JobStop:
			p.StopCommand = strings.Join(stop, commandSeparator)
		case protocol.JobRestart:
			if len(stop) > 0 && len(run) > 0 {
				p.RestartCommand = strings.Join(stop, commandSeparator) + commandSeparator + strings.Join(run, commandSeparator)
			}
		}
		plan.Payload = p
	default:
		plan.Payload = &protocol.GenericPayload{
			Environment: env,
			ProjectName: project.Name,
			WorkDir:     target.DeployPath,
		}
	}
	return plan, nil
}

// NewJob describes a job about to be created.
type NewJob struct {
	AgentID   string
	ProjectID string
	Type      protocol.JobType
	Payload   json.RawMessage
	CreatedBy string
}

// CreateJob persists a DISPATCHED job. Creation is the whole of dispatch
// success; delivery to the agent is attempted afterwards.
func (s *Service) CreateJob(ctx context.Context, in NewJob) (*store.Job, error) {
	if in.AgentID == "" || in.Type == "" {
		return nil, apperr.Validation("agentId and type required")
	}
	if !in.Type.Valid() {
		return nil, apperr.Validation("unknown job type: %s", in.Type)
	}
	id, err := s.newJobID()
	if err != nil {
		return nil, apperr.Server("failed to generate job id", err)
	}
	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	now := s.now().UTC()
	job := &store.Job{
		JobID:     id,
		AgentID:   in.AgentID,
		ProjectID: in.ProjectID,
		Type:      in.Type,
		Payload:   payload,
		Status:    protocol.StatusDispatched,
		CreatedBy: in.CreatedBy,
		StartedAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, apperr.Server("failed to create job", err)
	}
	s.logger.Info("job created",
		zap.String("job_id", job.JobID),
		zap.String("agent_id", job.AgentID),
		zap.String("project_id", job.ProjectID),
		zap.String("type", string(job.Type)),
	)
	return job, nil
}

// UpdateResult describes the effect of a status report.
type UpdateResult struct {
	// Job is nil when the job id is unknown.
	Job     *store.Job
	Applied bool
	// BecameTerminal is true only for the report that first made the job terminal.
	BecameTerminal bool
}

// UpdateStatus applies a partial report. Reports that would move a job
// backwards or out of a terminal state are ignored. An unknown job is logged
// and ignored.
func (s *Service) UpdateStatus(ctx context.Context, jobID string, status string, finishedAt *time.Time) (*UpdateResult, error) {
	if jobID == "" {
		return nil, apperr.Validation("jobId required")
	}
	upd := store.JobUpdate{FinishedAt: finishedAt}
	if status != "" {
		st, ok := protocol.ParseJobStatus(status)
		if !ok {
			return nil, apperr.Validation("unknown status: %s", status)
		}
		upd.Status = &st
		if st.Terminal() && finishedAt == nil {
			now := s.now().UTC()
			upd.FinishedAt = &now
		}
	}

	job, applied, err := s.store.UpdateJob(ctx, jobID, upd)
	if err != nil {
		return nil, apperr.Server("failed to update job", err)
	}
	if job == nil {
		s.logger.Warn("status report for unknown job ignored", zap.String("job_id", jobID), zap.String("status", status))
		return &UpdateResult{}, nil
	}
	if !applied && upd.Status != nil && *upd.Status != job.Status {
		s.logger.Info("status report ignored",
			zap.String("job_id", jobID),
			zap.String("current", string(job.Status)),
			zap.String("reported", status),
		)
	}
	return &UpdateResult{
		Job:            job,
		Applied:        applied,
		BecameTerminal: applied && job.Status.Terminal() && upd.Status != nil && *upd.Status == job.Status,
	}, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, apperr.Server("failed to load job", err)
	}
	if job == nil {
		return nil, apperr.NotFound("Job not found")
	}
	return job, nil
}

// JobPage is one page of a job listing.
type JobPage struct {
	Jobs  []*store.Job `json:"data"`
	Total int          `json:"total"`
	Limit int          `json:"limit"`
	Skip  int          `json:"skip"`
}

// ListJobs returns jobs newest first. limit <= 0 means DefaultListLimit;
// larger values are capped at MaxListLimit.
func (s *Service) ListJobs(ctx context.Context, f store.JobFilter, limit, skip int) (*JobPage, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if skip < 0 {
		skip = 0
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Validation("unknown status: %s", f.Status)
	}
	jobs, total, err := s.store.ListJobs(ctx, f, limit, skip)
	if err != nil {
		return nil, apperr.Server("failed to list jobs", err)
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	return &JobPage{Jobs: jobs, Total: total, Limit: limit, Skip: skip}, nil
}

const base36Width = 6

// newJobID returns job_{unix millis}_{6 base36 chars}.
func (s *Service) newJobID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	const space = 36 * 36 * 36 * 36 * 36 * 36
	n := uint64(binary.BigEndian.Uint32(b[:])) % space
	suffix := strconv.FormatUint(n, 36)
	if pad := base36Width - len(suffix); pad > 0 {
		suffix = strings.Repeat("0", pad) + suffix
	}
	return fmt.Sprintf("job_%d_%s", s.now().UnixMilli(), suffix), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
