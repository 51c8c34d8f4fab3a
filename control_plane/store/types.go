package store

import (
	"encoding/json"
	"time"

	"github.com/itskum47/deployplane/protocol"
)

// Agent is a registered remote execution process.
// Status is the value last written; readers resolve liveness from LastSeenAt.
type Agent struct {
	ID          string               `json:"id" db:"id"`
	Name        string               `json:"name" db:"name"`
	HostType    protocol.HostType    `json:"hostType" db:"host_type"`
	Token       string               `json:"token,omitempty" db:"token"`
	Status      protocol.AgentStatus `json:"status" db:"status"`
	LastSeenAt  *time.Time           `json:"lastSeenAt,omitempty" db:"last_seen_at"`
	Description string               `json:"description,omitempty" db:"description"`
	CreatedBy   string               `json:"createdBy,omitempty" db:"created_by"`
	CreatedAt   time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time            `json:"updatedAt" db:"updated_at"`
}

// PipelineTemplate is a reusable set of build/run/stop commands.
type PipelineTemplate struct {
	ID            string    `json:"id" db:"id"`
	TemplateName  string    `json:"templateName" db:"template_name"`
	Language      string    `json:"language,omitempty" db:"language"`
	Framework     string    `json:"framework,omitempty" db:"framework"`
	BuildCommands []string  `json:"buildCommands" db:"build_commands"`
	RunCommands   []string  `json:"runCommands" db:"run_commands"`
	StopCommands  []string  `json:"stopCommands" db:"stop_commands"`
	DefaultBranch string    `json:"defaultBranch" db:"default_branch"`
	CreatedBy     string    `json:"createdBy,omitempty" db:"created_by"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// Target is the per-environment deployment configuration of a project.
type Target struct {
	Environment string                      `json:"environment"`
	AgentID     string                      `json:"agentId"`
	Artifacts   []protocol.Artifact         `json:"artifacts"`
	DeployPath  string                      `json:"deployPath"`
	SourcePath  string                      `json:"sourcePath,omitempty"`
	AutoStart   bool                        `json:"autoStart"`
	Container   *protocol.ContainerSettings `json:"container,omitempty"`
}

// Project is a deployable repository with one target per environment.
type Project struct {
	ID                 string            `json:"id" db:"id"`
	Name               string            `json:"name" db:"name"`
	RepoURL            string            `json:"repoUrl" db:"repo_url"`
	Branch             string            `json:"branch" db:"branch"`
	PipelineTemplateID string            `json:"pipelineTemplateId,omitempty" db:"pipeline_template_id"`
	EnvVars            []protocol.EnvVar `json:"envVars" db:"env_vars"`
	Targets            []Target          `json:"deploymentTargets" db:"targets"`
	CreatedBy          string            `json:"createdBy,omitempty" db:"created_by"`
	CreatedAt          time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time         `json:"updatedAt" db:"updated_at"`
}

// Target returns the target configured for env, or nil.
func (p *Project) Target(env string) *Target {
	for i := range p.Targets {
		if p.Targets[i].Environment == env {
			return &p.Targets[i]
		}
	}
	return nil
}

// Job is an append-only record of one dispatch.
type Job struct {
	JobID      string             `json:"jobId" db:"job_id"`
	AgentID    string             `json:"agentId" db:"agent_id"`
	ProjectID  string             `json:"projectId,omitempty" db:"project_id"`
	Type       protocol.JobType   `json:"type" db:"type"`
	Payload    json.RawMessage    `json:"payload" db:"payload"`
	Status     protocol.JobStatus `json:"status" db:"status"`
	CreatedBy  string             `json:"createdBy,omitempty" db:"created_by"`
	StartedAt  *time.Time         `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty" db:"finished_at"`
	CreatedAt  time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time          `json:"updatedAt" db:"updated_at"`
}

// Environment is the environment embedded in the job payload.
func (j *Job) Environment() string {
	var p struct {
		Environment string `json:"environment"`
	}
	_ = json.Unmarshal(j.Payload, &p)
	return p.Environment
}

// JobUpdate is a partial update. A nil field is left untouched.
type JobUpdate struct {
	Status     *protocol.JobStatus
	FinishedAt *time.Time
}

// JobFilter selects jobs; empty fields match everything.
type JobFilter struct {
	JobID       string
	ProjectID   string
	Environment string
	Status      protocol.JobStatus
	AgentID     string
	Types       []protocol.JobType
}

func (f JobFilter) matches(j *Job) bool {
	if f.JobID != "" && j.JobID != f.JobID {
		return false
	}
	if f.ProjectID != "" && j.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.AgentID != "" && j.AgentID != f.AgentID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if j.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Environment != "" && j.Environment() != f.Environment {
		return false
	}
	return true
}
